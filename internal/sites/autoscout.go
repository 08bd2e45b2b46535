package sites

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/yesmonga/voiture-radar/internal/config"
	"github.com/yesmonga/voiture-radar/internal/domain"
	"github.com/yesmonga/voiture-radar/internal/normalize"
	"github.com/yesmonga/voiture-radar/internal/scraper"
)

const autoscoutBaseURL = "https://www.autoscout24.fr"

// The search pages are a Next.js app; the listing payload ships in the
// __NEXT_DATA__ script tag, which is far more stable than the markup.
var nextDataPattern = regexp.MustCompile(`(?s)<script id="__NEXT_DATA__" type="application/json">(.*?)</script>`)

// AutoScoutIndex scans AutoScout24 list pages.
type AutoScoutIndex struct {
	search  config.Search
	client  *scraper.Client
	logger  *slog.Logger
	baseURL string
}

// NewAutoScoutIndex builds the index adapter for one search.
func NewAutoScoutIndex(search config.Search, client *scraper.Client, logger *slog.Logger) *AutoScoutIndex {
	return &AutoScoutIndex{search: search, client: client, logger: logger, baseURL: autoscoutBaseURL}
}

// buildSearchURL renders the list-page URL for a page number.
func (s *AutoScoutIndex) buildSearchURL(page int) string {
	path := "/lst"
	if s.search.Make != "" {
		path += "/" + strings.ToLower(s.search.Make)
		if s.search.Model != "" {
			path += "/" + url.PathEscape(strings.ToLower(s.search.Model))
		}
	}

	params := url.Values{}
	params.Set("sort", "age")
	params.Set("desc", "1")
	params.Set("atype", "C")
	if s.search.PriceMin > 0 {
		params.Set("pricefrom", strconv.Itoa(s.search.PriceMin))
	}
	if s.search.PriceMax > 0 {
		params.Set("priceto", strconv.Itoa(s.search.PriceMax))
	}
	if s.search.KmMax > 0 {
		params.Set("kmto", strconv.Itoa(s.search.KmMax))
	}
	if s.search.YearMin > 0 {
		params.Set("fregfrom", strconv.Itoa(s.search.YearMin))
	}
	if s.search.YearMax > 0 {
		params.Set("fregto", strconv.Itoa(s.search.YearMax))
	}
	switch domain.ParseFuel(s.search.Fuel) {
	case domain.FuelDiesel:
		params.Set("fuel", "D")
	case domain.FuelPetrol:
		params.Set("fuel", "B")
	}
	if s.search.ParticulierOnly {
		params.Set("custtype", "P")
	}
	if page > 1 {
		params.Set("page", strconv.Itoa(page))
	}
	return s.baseURL + path + "?" + params.Encode()
}

// ScanIndex walks the list pages until maxPages or an empty page.
func (s *AutoScoutIndex) ScanIndex(ctx context.Context, maxPages int) ([]scraper.IndexResult, error) {
	if maxPages <= 0 {
		maxPages = 2
	}
	seen := make(map[string]struct{})
	var results []scraper.IndexResult

	for page := 1; page <= maxPages; page++ {
		body, err := s.client.Get(ctx, domain.SourceAutoScout24, s.buildSearchURL(page))
		if err != nil {
			if page == 1 {
				return nil, err
			}
			break
		}

		raw, err := extractNextData(body)
		if err != nil {
			s.logger.Warn("autoscout_parse_failed",
				slog.Int("page", page),
				slog.String("error", err.Error()),
			)
			continue
		}

		pageCount := 0
		for _, listing := range findListings(raw, 0) {
			result, ok := s.parseListing(listing)
			if !ok {
				continue
			}
			if _, dup := seen[result.SourceListingID]; dup {
				continue
			}
			seen[result.SourceListingID] = struct{}{}
			results = append(results, result)
			pageCount++
		}
		if pageCount == 0 {
			break
		}
	}
	return results, nil
}

func extractNextData(body []byte) (map[string]any, error) {
	m := nextDataPattern.FindSubmatch(body)
	if m == nil {
		return nil, fmt.Errorf("%w: no __NEXT_DATA__ script", scraper.ErrParse)
	}
	var data map[string]any
	if err := json.Unmarshal(m[1], &data); err != nil {
		return nil, fmt.Errorf("%w: %v", scraper.ErrParse, err)
	}
	return data, nil
}

const maxListingDepth = 15

// findListings walks the decoded payload for objects that look like
// listings: an id plus either a price or vehicle fields.
func findListings(data any, depth int) []map[string]any {
	if depth > maxListingDepth {
		return nil
	}
	var out []map[string]any

	switch v := data.(type) {
	case map[string]any:
		hasID := hasAnyKey(v, "id", "listingId", "vehicleId", "guid")
		hasPrice := hasAnyKey(v, "price", "grossPrice", "rawPrice")
		hasVehicle := hasAnyKey(v, "make", "model", "title", "vehicle", "makeModelDescription")
		if hasID && (hasPrice || hasVehicle) {
			out = append(out, v)
		}
		if listings, ok := v["listings"].([]any); ok {
			for _, item := range listings {
				if m, ok := item.(map[string]any); ok {
					out = append(out, m)
				}
			}
		}
		for _, child := range v {
			out = append(out, findListings(child, depth+1)...)
		}
	case []any:
		for _, item := range v {
			out = append(out, findListings(item, depth+1)...)
		}
	}
	return out
}

func hasAnyKey(m map[string]any, keys ...string) bool {
	for _, k := range keys {
		if _, ok := m[k]; ok {
			return true
		}
	}
	return false
}

func (s *AutoScoutIndex) parseListing(raw map[string]any) (scraper.IndexResult, bool) {
	listingID := firstString(raw, "id", "listingId", "identifier", "vehicleId")
	if listingID == "" {
		return scraper.IndexResult{}, false
	}

	listingURL := firstString(raw, "url", "detailUrl", "seoUrl")
	if listingURL != "" && !strings.HasPrefix(listingURL, "http") {
		listingURL = s.baseURL + listingURL
	}
	if listingURL == "" {
		listingURL = s.baseURL + "/annonce/" + listingID
	}

	vehicle, _ := raw["vehicle"].(map[string]any)
	makeName := stringValue(vehicle["make"])
	if makeName == "" {
		makeName = s.search.Make
	}
	model := stringValue(vehicle["model"])
	if model == "" {
		model = s.search.Model
	}

	title := firstString(raw, "title")
	if title == "" {
		title = stringValue(vehicle["modelVersionInput"])
	}
	if title == "" {
		title = strings.TrimSpace(makeName + " " + model)
	}

	result := scraper.IndexResult{
		Source:          domain.SourceAutoScout24,
		SourceListingID: listingID,
		URL:             listingURL,
		Title:           title,
		Make:            makeName,
		Model:           model,
	}

	if price, ok := raw["price"].(map[string]any); ok {
		formatted := firstString(price, "priceFormatted", "value")
		result.Price = normalize.ParsePrice(formatted + " €")
	}
	if kmStr := firstString(vehicle, "mileageInKm", "mileage"); kmStr != "" {
		result.Km = normalize.ParseKm(kmStr + " km")
	}
	if firstReg := firstString(vehicle, "firstRegistration"); firstReg != "" {
		result.Year = normalize.ParseYear(firstReg)
	}
	result.Fuel = stringValue(vehicle["fuel"])

	if location, ok := raw["location"].(map[string]any); ok {
		result.City = stringValue(location["city"])
		if zip := stringValue(location["zip"]); zip != "" {
			result.Department = normalize.ParseDepartment(zip)
			if result.City != "" {
				result.City = result.City + " " + zip
			}
		}
	}

	if images, ok := raw["images"].([]any); ok && len(images) > 0 {
		switch img := images[0].(type) {
		case map[string]any:
			result.ThumbnailURL = firstString(img, "url", "src")
		case string:
			result.ThumbnailURL = img
		}
	}
	return result, true
}

// AutoScoutDetail fetches detail pages.
type AutoScoutDetail struct {
	client *scraper.Client
	logger *slog.Logger
}

// NewAutoScoutDetail builds the detail adapter.
func NewAutoScoutDetail(client *scraper.Client, logger *slog.Logger) *AutoScoutDetail {
	return &AutoScoutDetail{client: client, logger: logger}
}

// FetchDetail loads a listing page and pulls the enrichment fields out of
// its __NEXT_DATA__ payload.
func (s *AutoScoutDetail) FetchDetail(ctx context.Context, listingURL string) (*scraper.DetailResult, error) {
	body, err := s.client.Get(ctx, domain.SourceAutoScout24, listingURL)
	if err != nil {
		return nil, err
	}

	raw, err := extractNextData(body)
	if err != nil {
		s.logger.Warn("autoscout_detail_parse_failed",
			slog.String("url", listingURL),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	detail := &scraper.DetailResult{}
	for _, listing := range findListings(raw, 0) {
		if desc := firstString(listing, "description", "htmlDescription"); desc != "" && detail.Description == "" {
			detail.Description = stripTags(desc)
		}
		if vehicle, ok := listing["vehicle"].(map[string]any); ok {
			if detail.Fuel == "" {
				detail.Fuel = stringValue(vehicle["fuel"])
			}
			if detail.Gearbox == "" {
				detail.Gearbox = stringValue(vehicle["transmission"])
			}
			if detail.PowerHP == nil {
				if power := firstString(vehicle, "rawPowerInHp", "powerInHp"); power != "" {
					detail.PowerHP = normalize.ParsePower(power + " ch")
				}
			}
			if detail.Version == "" {
				detail.Version = stringValue(vehicle["modelVersionInput"])
			}
		}
		if seller, ok := listing["seller"].(map[string]any); ok {
			if detail.SellerType == "" {
				detail.SellerType = firstString(seller, "type", "companyName")
			}
			if detail.SellerName == "" {
				detail.SellerName = firstString(seller, "name", "companyName")
			}
			if detail.SellerPhone == "" {
				detail.SellerPhone = normalize.ExtractPhone(firstString(seller, "phone", "phoneNumber"))
			}
		}
		if images, ok := listing["images"].([]any); ok && len(detail.ImageURLs) == 0 {
			for _, item := range images {
				switch img := item.(type) {
				case map[string]any:
					if u := firstString(img, "url", "src"); u != "" {
						detail.ImageURLs = append(detail.ImageURLs, u)
					}
				case string:
					detail.ImageURLs = append(detail.ImageURLs, img)
				}
			}
		}
	}

	if detail.Motorisation == "" {
		detail.Motorisation = normalize.ExtractMotorisation(detail.Version + " " + detail.Description)
	}
	return detail, nil
}

var tagPattern = regexp.MustCompile(`<[^>]+>`)

func stripTags(html string) string {
	return strings.TrimSpace(tagPattern.ReplaceAllString(html, " "))
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v := stringValue(m[k]); v != "" {
			return v
		}
	}
	return ""
}

func stringValue(v any) string {
	switch value := v.(type) {
	case string:
		return strings.TrimSpace(value)
	case float64:
		if value == float64(int64(value)) {
			return strconv.FormatInt(int64(value), 10)
		}
		return strconv.FormatFloat(value, 'f', -1, 64)
	case json.Number:
		return value.String()
	default:
		return ""
	}
}
