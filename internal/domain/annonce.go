package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// ScoreBreakdown explains how a score was computed, one component at a time.
// Detail strings are human-readable so a notification can show "why".
type ScoreBreakdown struct {
	PriceScore      int    `json:"price_score"`
	PriceDetail     string `json:"price_detail"`
	KmScore         int    `json:"km_score"`
	KmDetail        string `json:"km_detail"`
	FreshnessScore  int    `json:"freshness_score"`
	FreshnessDetail string `json:"freshness_detail"`
	KeywordsScore   int    `json:"keywords_score"`
	KeywordsDetail  string `json:"keywords_detail"`
	BonusScore      int    `json:"bonus_score"`
	BonusDetail     string `json:"bonus_detail"`

	// RiskPenalty is negative or zero.
	RiskPenalty int    `json:"risk_penalty"`
	RiskDetail  string `json:"risk_detail"`

	Total int `json:"total"`

	MarginMin          int `json:"margin_min"`
	MarginMax          int `json:"margin_max"`
	RepairCostEstimate int `json:"repair_cost_estimate"`
}

// Summary renders the breakdown as a single line for logs and embeds.
func (b ScoreBreakdown) Summary() string {
	var parts []string
	if b.PriceScore != 0 {
		parts = append(parts, "price: "+strconv.Itoa(b.PriceScore)+"pts")
	}
	if b.KmScore != 0 {
		parts = append(parts, "km: "+strconv.Itoa(b.KmScore)+"pts")
	}
	if b.FreshnessScore != 0 {
		parts = append(parts, "freshness: "+strconv.Itoa(b.FreshnessScore)+"pts")
	}
	if b.KeywordsScore != 0 {
		parts = append(parts, "keywords: "+strconv.Itoa(b.KeywordsScore)+"pts")
	}
	if b.BonusScore != 0 {
		parts = append(parts, "bonus: +"+strconv.Itoa(b.BonusScore)+"pts")
	}
	if b.RiskPenalty != 0 {
		parts = append(parts, "risks: "+strconv.Itoa(b.RiskPenalty)+"pts")
	}
	if len(parts) == 0 {
		return "not scored"
	}
	return strings.Join(parts, " | ")
}

// Annonce is the canonical record for a car listing.
//
// Identity:
//   - ID: internal UUID, stable across upserts
//   - SourceListingID: site-native id, preferred dedup key when present
//   - URLCanonical: URL stripped of tracking params
//   - Fingerprint: 32-hex upsert key, Fingerprint soft: 16-hex near-dup key
type Annonce struct {
	ID              string `json:"id"`
	Source          Source `json:"source"`
	SourceListingID string `json:"source_listing_id,omitempty"`
	URL             string `json:"url"`
	URLCanonical    string `json:"url_canonical"`
	Fingerprint     string `json:"fingerprint"`
	FingerprintSoft string `json:"fingerprint_soft"`

	Make         string  `json:"make"`
	Model        string  `json:"model"`
	Version      string  `json:"version"`
	Motorisation string  `json:"motorisation,omitempty"`
	Fuel         Fuel    `json:"fuel"`
	Gearbox      Gearbox `json:"gearbox"`
	PowerHP      *int    `json:"power_hp,omitempty"`
	Year         *int    `json:"year,omitempty"`
	Km           *int    `json:"km,omitempty"`
	Price        *int    `json:"price,omitempty"`

	City       string   `json:"city,omitempty"`
	PostalCode string   `json:"postal_code,omitempty"`
	Department string   `json:"department,omitempty"`
	Latitude   *float64 `json:"lat,omitempty"`
	Longitude  *float64 `json:"lon,omitempty"`

	SellerType  SellerType `json:"seller_type"`
	SellerName  string     `json:"seller_name,omitempty"`
	SellerPhone string     `json:"seller_phone,omitempty"`

	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	ImageURLs   []string `json:"image_urls,omitempty"`

	PublishedAt *time.Time `json:"published_at,omitempty"`
	ScrapedAt   time.Time  `json:"scraped_at"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`

	ScoreTotal      int            `json:"score_total"`
	ScoreBreakdown  ScoreBreakdown `json:"score_breakdown"`
	TargetVehicleID string         `json:"target_vehicle_id,omitempty"`

	Opportunities []string `json:"opportunities,omitempty"`
	Risks         []string `json:"risks,omitempty"`

	MarginMin            int  `json:"margin_min"`
	MarginMax            int  `json:"margin_max"`
	RepairCostEstimate   int  `json:"repair_cost_estimate"`
	MarketPriceEstimate  *int `json:"market_price_estimate,omitempty"`

	AlertLevel   AlertLevel `json:"alert_level"`
	Status       Status     `json:"status"`
	IgnoreReason string     `json:"ignore_reason,omitempty"`

	Notified       bool       `json:"notified"`
	NotifiedAt     *time.Time `json:"notified_at,omitempty"`
	NotifyChannels []string   `json:"notify_channels,omitempty"`
}

// NewAnnonce creates a listing with a fresh ID and UTC timestamps. Fingerprints
// are computed lazily via ComputeFingerprints once the vehicle fields are set.
func NewAnnonce(source Source, rawURL string) *Annonce {
	now := time.Now().UTC()
	return &Annonce{
		ID:           uuid.New().String(),
		Source:       source,
		URL:          rawURL,
		URLCanonical: CanonicalizeURL(rawURL),
		Fuel:         FuelUnknown,
		Gearbox:      GearboxUnknown,
		SellerType:   SellerUnknown,
		AlertLevel:   AlertArchive,
		Status:       StatusNew,
		ScrapedAt:    now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// ComputeFingerprints fills Fingerprint and FingerprintSoft from the current
// field values. Call after make/model/year/km/price/department are populated.
func (a *Annonce) ComputeFingerprints() {
	a.Fingerprint = a.strictFingerprint()
	a.FingerprintSoft = a.softFingerprint()
}

// strictFingerprint is the upsert key. The site-native listing id is the most
// reliable identity; the field combination is the fallback.
func (a *Annonce) strictFingerprint() string {
	var data string
	if a.SourceListingID != "" {
		data = string(a.Source) + ":" + a.SourceListingID
	} else {
		title := NormKey(a.Title)
		if len(title) > 50 {
			title = title[:50]
		}
		data = strings.Join([]string{
			string(a.Source),
			NormKey(a.Make),
			NormKey(a.Model),
			intKey(a.Year),
			intKey(a.Km),
			intKey(a.Price),
			a.Department,
			title,
		}, "|")
	}
	return hashHex(data, 32)
}

// softFingerprint ignores price and buckets km to 50k so a relisted ad with
// minor edits still collides with the original.
func (a *Annonce) softFingerprint() string {
	kmBucket := ""
	if a.Km != nil {
		kmBucket = strconv.Itoa((*a.Km / 50000) * 50000)
	}
	data := strings.Join([]string{
		NormKey(a.Make),
		NormKey(a.Model),
		intKey(a.Year),
		kmBucket,
		a.Department,
	}, "|")
	return hashHex(data, 16)
}

// UpdateScore applies a computed breakdown: clamps the total, derives the
// alert level and copies the margin estimates.
func (a *Annonce) UpdateScore(breakdown ScoreBreakdown) {
	total := breakdown.Total
	if total < 0 {
		total = 0
	}
	if total > 100 {
		total = 100
	}
	a.ScoreTotal = total
	a.ScoreBreakdown = breakdown
	a.AlertLevel = AlertLevelFromScore(total)
	a.MarginMin = breakdown.MarginMin
	a.MarginMax = breakdown.MarginMax
	a.RepairCostEstimate = breakdown.RepairCostEstimate
	a.UpdatedAt = time.Now().UTC()
}

// MarkNotified records a successful notification delivery.
func (a *Annonce) MarkNotified(channels []string) {
	now := time.Now().UTC()
	a.Notified = true
	a.NotifiedAt = &now
	a.NotifyChannels = channels
	a.UpdatedAt = now
}

// SetStatus changes the operator-facing status.
func (a *Annonce) SetStatus(status Status, reason string) {
	a.Status = status
	if reason != "" {
		a.IgnoreReason = reason
	}
	a.UpdatedAt = time.Now().UTC()
}

var foldTransformer = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// NormKey lowercases, strips accents and drops non-alphanumerics. Used for
// fingerprint components so "Citroën C3" and "citroen c3" collide.
func NormKey(text string) string {
	if text == "" {
		return ""
	}
	folded, _, err := transform.String(foldTransformer, strings.ToLower(text))
	if err != nil {
		folded = strings.ToLower(text)
	}
	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func intKey(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}

func hashHex(data string, length int) string {
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])[:length]
}
