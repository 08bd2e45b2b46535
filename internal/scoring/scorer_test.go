package scoring

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yesmonga/voiture-radar/internal/domain"
	"github.com/yesmonga/voiture-radar/internal/keywords"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestScorer(t *testing.T) *Scorer {
	t.Helper()
	matcher, err := keywords.NewMatcher(nil)
	require.NoError(t, err)

	vehicles := []TargetVehicle{
		{
			ID:                "peugeot_207_hdi",
			Make:              "Peugeot",
			ModelPatterns:     []*regexp.Regexp{regexp.MustCompile(`(?i)\b207\b`)},
			Fuel:              domain.FuelDiesel,
			PriceMin:          1500,
			PriceMax:          3500,
			KmMin:             60000,
			KmMax:             200000,
			KmIdealMin:        90000,
			KmIdealMax:        150000,
			YearMin:           2006,
			YearMax:           2014,
			ResaleMin:         3200,
			ResaleMax:         4200,
			MarketPriceMedian: 2800,
			Exclusions:        []string{"gti"},
		},
	}
	return New(vehicles, DefaultWeights(), Departments{Tier1: []string{"69"}, Tier2: []string{"42"}}, matcher,
		WithClock(func() time.Time { return testNow }))
}

func baseAnnonce(price, km int) *domain.Annonce {
	a := domain.NewAnnonce(domain.SourceAutoScout24, "https://www.autoscout24.fr/annonce/1")
	a.Make = "Peugeot"
	a.Model = "207"
	a.Title = "Peugeot 207 1.4 HDi 70ch"
	a.Version = "1.4 HDi 70ch"
	a.Fuel = domain.FuelDiesel
	year := 2009
	a.Year = &year
	a.Price = &price
	a.Km = &km
	a.Department = "69"
	a.SellerType = domain.SellerParticulier
	a.ImageURLs = []string{"https://img/1.jpg", "https://img/2.jpg", "https://img/3.jpg", "https://img/4.jpg", "https://img/5.jpg"}
	published := testNow.Add(-30 * time.Minute)
	a.PublishedAt = &published
	return a
}

func TestScoreSolidListing(t *testing.T) {
	s := newTestScorer(t)
	a := baseAnnonce(2000, 120000)
	a.Description = "Première main, CT OK, factures"

	breakdown := s.Score(a)

	assert.Equal(t, "peugeot_207_hdi", a.TargetVehicleID)
	assert.Equal(t, breakdown.Total, a.ScoreTotal)
	assert.GreaterOrEqual(t, a.ScoreTotal, 60, "a clean in-band listing should at least be interessant")
	assert.Equal(t, 25, breakdown.KmScore, "ideal km window gets full points")
	assert.Equal(t, 10, breakdown.FreshnessScore, "sub-hour listing gets full freshness")
	assert.Contains(t, a.Opportunities, "ct_ok")
	assert.Empty(t, a.Risks)
}

func TestNotTargeted(t *testing.T) {
	s := newTestScorer(t)
	a := baseAnnonce(2000, 120000)
	a.Make = "Ford"
	a.Model = "Fiesta"
	a.Title = "Ford Fiesta 1.4 TDCi"

	breakdown := s.Score(a)
	assert.Equal(t, 0, breakdown.Total)
	assert.Equal(t, "not targeted", breakdown.PriceDetail)
	assert.Empty(t, a.TargetVehicleID)
}

func TestVehicleExclusionSubstring(t *testing.T) {
	s := newTestScorer(t)
	a := baseAnnonce(2000, 120000)
	a.Title = "Peugeot 207 GTI 175"
	a.Version = "GTI 175"

	breakdown := s.Score(a)
	assert.Equal(t, 0, breakdown.Total)
	assert.Empty(t, a.TargetVehicleID)
}

func TestEngineIncludeFilter(t *testing.T) {
	s := newTestScorer(t)
	s.vehicles[0].EngineInclude = []string{"1.4 hdi", "1.6 hdi"}

	matching := baseAnnonce(2000, 120000)
	matching.Motorisation = "1.4 hdi"
	s.Score(matching)
	assert.Equal(t, "peugeot_207_hdi", matching.TargetVehicleID)

	wrongEngine := baseAnnonce(2000, 120000)
	wrongEngine.Title = "Peugeot 207 2.0 16v"
	wrongEngine.Version = "2.0 16v"
	wrongEngine.Motorisation = "2.0 16v"
	s.Score(wrongEngine)
	assert.Empty(t, wrongEngine.TargetVehicleID)
}

func TestCriticalRiskCap(t *testing.T) {
	s := newTestScorer(t)
	a := baseAnnonce(1800, 110000)
	a.Description = "Très propre mais moteur HS, vendue en l'état"

	s.Score(a)

	assert.Contains(t, a.Risks, "moteur_hs")
	assert.LessOrEqual(t, a.ScoreTotal, 59, "critical risk with thin margin caps below interessant")
	assert.Equal(t, domain.AlertSurveiller, a.AlertLevel)
}

func TestPriceMonotonicity(t *testing.T) {
	s := newTestScorer(t)

	prev := -1
	// Walk the price down inside the normal band; the score never drops.
	for price := 3500; price >= 1500; price -= 100 {
		a := baseAnnonce(price, 120000)
		s.Score(a)
		if prev >= 0 {
			assert.GreaterOrEqual(t, a.ScoreTotal, prev, "price %d", price)
		}
		prev = a.ScoreTotal
	}
}

func TestSuspiciouslyLowPrice(t *testing.T) {
	s := newTestScorer(t)

	// Benign signals: photos, particulier, no risks. Full price score, no flag.
	benign := baseAnnonce(900, 120000)
	s.Score(benign)
	assert.NotContains(t, benign.Risks, "price_to_verify")
	assert.Equal(t, 35, benign.ScoreBreakdown.PriceScore)

	// Professional seller without photos: flagged for verification.
	shady := baseAnnonce(900, 120000)
	shady.SellerType = domain.SellerProfessional
	shady.ImageURLs = nil
	s.Score(shady)
	assert.Contains(t, shady.Risks, "price_to_verify")
	assert.Equal(t, 31, shady.ScoreBreakdown.PriceScore, "90% of max, still a high score")
}

func TestPriceAboveMax(t *testing.T) {
	s := newTestScorer(t)
	a := baseAnnonce(5000, 120000)
	s.Score(a)
	assert.Equal(t, 0, a.ScoreBreakdown.PriceScore)
}

func TestKmBands(t *testing.T) {
	s := newTestScorer(t)

	over := baseAnnonce(2000, 250000)
	s.Score(over)
	assert.Equal(t, 0, over.ScoreBreakdown.KmScore)

	high := baseAnnonce(2000, 180000)
	s.Score(high)
	assert.Greater(t, high.ScoreBreakdown.KmScore, 0)
	assert.Less(t, high.ScoreBreakdown.KmScore, 25)

	missing := baseAnnonce(2000, 120000)
	missing.Km = nil
	s.Score(missing)
	assert.Equal(t, 7, missing.ScoreBreakdown.KmScore, "30% of max when unknown")
}

func TestFreshnessNeutralWhenUnknown(t *testing.T) {
	s := newTestScorer(t)
	a := baseAnnonce(2000, 120000)
	a.PublishedAt = nil
	s.Score(a)
	assert.Equal(t, 5, a.ScoreBreakdown.FreshnessScore, "50% of max")
	assert.Equal(t, "unknown age", a.ScoreBreakdown.FreshnessDetail)
}

func TestExcludedListing(t *testing.T) {
	matcher, err := keywords.NewMatcher([]keywords.Keyword{
		{ID: "exclusions", Category: keywords.CategoryExclusion, Patterns: []string{"sans carte grise"}},
	})
	require.NoError(t, err)
	s := newTestScorer(t)
	s.matcher = matcher

	a := baseAnnonce(2000, 120000)
	a.Description = "vendue sans carte grise"
	breakdown := s.Score(a)

	assert.Equal(t, 0, breakdown.Total)
	assert.Equal(t, domain.StatusExcluded, a.Status)
	assert.Contains(t, a.IgnoreReason, "sans carte grise")
}

func TestMarginEstimate(t *testing.T) {
	s := newTestScorer(t)
	a := baseAnnonce(2000, 120000)
	s.Score(a)

	// resale 3200..4200 - price 2000 - buffer 200, no repair costs
	assert.Equal(t, 1000, a.MarginMin)
	assert.Equal(t, 2000, a.MarginMax)

	costly := baseAnnonce(2000, 120000)
	costly.Description = "embrayage à prévoir, CT refusé"
	s.Score(costly)
	assert.Equal(t, 400, costly.RepairCostEstimate, "ct_refuse costs 400")
	assert.Equal(t, 600, costly.MarginMin)
}

func TestBreakdownTotalMatchesScoreTotal(t *testing.T) {
	s := newTestScorer(t)
	for _, price := range []int{900, 1500, 2000, 2800, 3500, 5000} {
		a := baseAnnonce(price, 130000)
		breakdown := s.Score(a)
		assert.Equal(t, breakdown.Total, a.ScoreTotal, "price %d", price)
		assert.GreaterOrEqual(t, a.ScoreTotal, 0)
		assert.LessOrEqual(t, a.ScoreTotal, 100)
	}
}
