package domain

import (
	"net/url"
	"strings"
)

// Query parameters stripped during canonicalisation. Tracking params make the
// same listing look like a different URL on every scan.
var trackingParams = map[string]struct{}{
	"utm_source":  {},
	"utm_medium":  {},
	"utm_campaign": {},
	"utm_term":    {},
	"utm_content": {},
	"ref":         {},
	"referer":     {},
	"fbclid":      {},
	"gclid":       {},
	"msclkid":     {},
	"mc_cid":      {},
	"mc_eid":      {},
	"source":      {},
	"origin":      {},
	"searchid":    {},
	"gallerymode": {},
}

// CanonicalizeURL normalises a listing URL for deduplication: lowercases
// scheme and host, strips the trailing slash, drops tracking query params and
// the fragment. Idempotent: canonicalising a canonical URL is a no-op.
func CanonicalizeURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Path = strings.TrimRight(u.Path, "/")
	u.Fragment = ""

	query := u.Query()
	for key := range query {
		prefixed := strings.HasPrefix(strings.ToLower(key), "utm_")
		if _, tracked := trackingParams[strings.ToLower(key)]; tracked || prefixed {
			query.Del(key)
		}
	}
	u.RawQuery = query.Encode()

	return u.String()
}
