// Package scoring turns a populated Annonce into an explainable 0-100 score.
// Every component writes a human-readable detail string so a notification can
// say why a listing scored the way it did.
package scoring

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/yesmonga/voiture-radar/internal/domain"
	"github.com/yesmonga/voiture-radar/internal/keywords"
)

// Safety buffer subtracted from every margin estimate.
const marginBuffer = 200

// Synthetic risk id attached when a suspiciously low price needs a manual check.
const riskPriceToVerify = "price_to_verify"

// TargetVehicle is one configured vehicle profile.
type TargetVehicle struct {
	ID            string
	Make          string
	ModelPatterns []*regexp.Regexp
	EngineInclude []string
	EngineExclude []string
	Fuel          domain.Fuel // empty Fuel matches anything

	PriceMin, PriceMax       int
	KmMin, KmMax             int
	KmIdealMin, KmIdealMax   int
	YearMin, YearMax         int
	ResaleMin, ResaleMax     int
	MarketPriceMedian        int // 0: fall back to the price band midpoint
	Priority                 int
	Bonus                    map[string]int
	Exclusions               []string
}

// Weights are the per-component maximum points.
type Weights struct {
	Price     int
	Km        int
	Keywords  int
	Freshness int
	Bonus     int
	Margin    int
}

// DefaultWeights returns the standard 35/25/15/10/10/5 split.
func DefaultWeights() Weights {
	return Weights{Price: 35, Km: 25, Keywords: 15, Freshness: 10, Bonus: 10, Margin: 5}
}

// Departments groups department codes into proximity tiers.
type Departments struct {
	Tier1 []string
	Tier2 []string
	Tier3 []string
}

// Scorer combines target vehicles, keyword matching and department tiers.
type Scorer struct {
	vehicles    []TargetVehicle
	weights     Weights
	departments Departments
	matcher     *keywords.Matcher

	now func() time.Time
}

// Option configures a Scorer.
type Option func(*Scorer)

// WithClock overrides the freshness clock (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Scorer) { s.now = now }
}

// New builds a Scorer.
func New(vehicles []TargetVehicle, weights Weights, departments Departments, matcher *keywords.Matcher, opts ...Option) *Scorer {
	s := &Scorer{
		vehicles:    vehicles,
		weights:     weights,
		departments: departments,
		matcher:     matcher,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// priceAnalysis carries the price component plus the verification flag.
type priceAnalysis struct {
	score             int
	detail            string
	needsVerification bool
}

// Score computes the full breakdown and applies it to the annonce: score
// total, alert level, keyword id lists, margin estimates, exclusion status.
func (s *Scorer) Score(a *domain.Annonce) domain.ScoreBreakdown {
	var breakdown domain.ScoreBreakdown

	vehicle := s.identifyVehicle(a)
	if vehicle == nil {
		breakdown.PriceDetail = "not targeted"
		a.UpdateScore(breakdown)
		return breakdown
	}
	a.TargetVehicleID = vehicle.ID

	// Single keyword pass over everything we have; risks must be known
	// before the price component judges a low price.
	text := strings.TrimSpace(a.Title + " " + a.Description + " " + a.Version)
	kw := s.matcher.Evaluate(text)
	if kw.Excluded {
		breakdown.RiskDetail = "excluded: " + kw.ExcludeReason
		a.SetStatus(domain.StatusExcluded, kw.ExcludeReason)
		a.UpdateScore(breakdown)
		return breakdown
	}

	a.Opportunities = kw.OpportunityIDs
	a.Risks = kw.RiskIDs
	a.RepairCostEstimate = kw.CostEstimate

	price := s.scorePrice(a, vehicle)
	breakdown.PriceScore = price.score
	breakdown.PriceDetail = price.detail

	breakdown.KmScore, breakdown.KmDetail = s.scoreKm(a, vehicle)
	breakdown.FreshnessScore, breakdown.FreshnessDetail = s.scoreFreshness(a)

	breakdown.KeywordsScore = minInt(s.weights.Keywords, kw.BonusTotal)
	breakdown.KeywordsDetail = joinOrNone(kw.OpportunityIDs)

	breakdown.BonusScore, breakdown.BonusDetail = s.scoreBonus(a, vehicle)

	breakdown.RiskPenalty = kw.PenaltyTotal
	if len(kw.RiskIDs) > 0 {
		breakdown.RiskDetail = fmt.Sprintf("%s (~%d€)", strings.Join(kw.RiskIDs, ", "), kw.CostEstimate)
		if kw.MaxSeverity == domain.SeverityCritical {
			breakdown.RiskDetail = "critical: " + breakdown.RiskDetail
		}
	} else {
		breakdown.RiskDetail = "no risk detected"
	}

	breakdown.MarginMin, breakdown.MarginMax, breakdown.RepairCostEstimate = s.estimateMargin(a, vehicle)

	raw := breakdown.PriceScore +
		breakdown.KmScore +
		breakdown.FreshnessScore +
		breakdown.KeywordsScore +
		breakdown.BonusScore +
		breakdown.RiskPenalty +
		s.marginBonus(breakdown.MarginMin)

	breakdown.Total = clamp(raw, 0, 100)

	// A critical risk caps the listing below "interessant" unless the margin
	// absorbs the worst case.
	if kw.MaxSeverity == domain.SeverityCritical && breakdown.Total >= 60 && breakdown.MarginMin < 1000 {
		breakdown.Total = 59
	}

	if price.needsVerification && !contains(a.Risks, riskPriceToVerify) {
		a.Risks = append(a.Risks, riskPriceToVerify)
	}

	a.UpdateScore(breakdown)
	return breakdown
}

// identifyVehicle returns the first configured vehicle matching the annonce:
// make (substring both ways), any model pattern against model/title/version,
// compatible fuel, and none of the per-vehicle exclusion substrings.
func (s *Scorer) identifyVehicle(a *domain.Annonce) *TargetVehicle {
	if a.Make == "" || a.Model == "" {
		return nil
	}
	annonceMake := strings.ToLower(strings.TrimSpace(a.Make))
	annonceModel := strings.ToLower(strings.TrimSpace(a.Model))
	annonceTitle := strings.ToLower(a.Title)
	annonceVersion := strings.ToLower(a.Version)

	for i := range s.vehicles {
		v := &s.vehicles[i]
		configMake := strings.ToLower(v.Make)
		if !strings.Contains(annonceMake, configMake) && !strings.Contains(configMake, annonceMake) {
			continue
		}

		modelMatch := false
		for _, re := range v.ModelPatterns {
			if re.MatchString(annonceModel) || re.MatchString(annonceTitle) || re.MatchString(annonceVersion) {
				modelMatch = true
				break
			}
		}
		if !modelMatch {
			continue
		}

		if !fuelCompatible(v.Fuel, a, annonceTitle+" "+annonceVersion) {
			continue
		}

		excluded := false
		for _, excl := range append(append([]string{}, v.Exclusions...), v.EngineExclude...) {
			e := strings.ToLower(excl)
			if strings.Contains(annonceTitle, e) || strings.Contains(annonceVersion, e) {
				excluded = true
				break
			}
		}
		if excluded {
			continue
		}

		if len(v.EngineInclude) > 0 {
			engineText := annonceTitle + " " + annonceVersion + " " + strings.ToLower(a.Motorisation)
			found := false
			for _, engine := range v.EngineInclude {
				if strings.Contains(engineText, strings.ToLower(engine)) {
					found = true
					break
				}
			}
			// A listing that names no engine at all stays eligible; only a
			// contradicting engine tag rules it out via EngineExclude.
			if !found && a.Motorisation != "" {
				continue
			}
		}

		return v
	}
	return nil
}

// fuelCompatible accepts a fuel mismatch when the engine tag in the text
// resolves it, or when the annonce fuel is simply unknown.
func fuelCompatible(want domain.Fuel, a *domain.Annonce, text string) bool {
	if want == "" || want == domain.FuelUnknown || a.Fuel == want {
		return true
	}
	switch want {
	case domain.FuelDiesel:
		for _, hint := range []string{"hdi", "dci", "tdi", "diesel", "d-4d"} {
			if strings.Contains(text, hint) {
				return true
			}
		}
	case domain.FuelPetrol:
		for _, hint := range []string{"vti", "tce", "essence", "1.2", "1.4"} {
			if strings.Contains(text, hint) {
				return true
			}
		}
	}
	return a.Fuel == domain.FuelUnknown
}

// scorePrice favours low prices. A price under the band minimum is an
// opportunity, not a defect: it scores high with a verification flag unless
// the surrounding signals look benign.
func (s *Scorer) scorePrice(a *domain.Annonce, v *TargetVehicle) priceAnalysis {
	maxPts := s.weights.Price
	if a.Price == nil {
		return priceAnalysis{detail: "no price"}
	}
	price := *a.Price

	market := v.MarketPriceMedian
	if market == 0 {
		if a.MarketPriceEstimate != nil {
			market = *a.MarketPriceEstimate
		} else {
			market = (v.PriceMin + v.PriceMax) / 2
		}
	}

	if price > v.PriceMax {
		return priceAnalysis{detail: fmt.Sprintf("price too high (%d€ > %d€ max)", price, v.PriceMax)}
	}

	if price < v.PriceMin {
		discount := 0
		if market > 0 {
			discount = int((1 - float64(price)/float64(market)) * 100)
		}
		score := maxPts * 9 / 10
		benign := len(a.ImageURLs) > 0 &&
			a.SellerType == domain.SellerParticulier &&
			len(a.Risks) == 0
		if benign {
			return priceAnalysis{
				score:  maxPts,
				detail: fmt.Sprintf("%d€ (-%d%% vs market) - strong deal", price, discount),
			}
		}
		return priceAnalysis{
			score:             score,
			detail:            fmt.Sprintf("%d€ (-%d%% vs market) - needs verification", price, discount),
			needsVerification: true,
		}
	}

	bandWidth := v.PriceMax - v.PriceMin
	if bandWidth <= 0 {
		return priceAnalysis{score: maxPts / 2, detail: "invalid price band"}
	}

	position := float64(v.PriceMax-price) / float64(bandWidth)
	score := int(float64(maxPts) * position)

	if market > 0 && price < market*85/100 {
		discount := int((1 - float64(price)/float64(market)) * 100)
		score = minInt(maxPts, score+maxPts*15/100)
		return priceAnalysis{
			score:  score,
			detail: fmt.Sprintf("%d€ (-%d%% vs market %d€)", price, discount, market),
		}
	}
	return priceAnalysis{
		score:  score,
		detail: fmt.Sprintf("%d€ (band %d-%d€)", price, v.PriceMin, v.PriceMax),
	}
}

// scoreKm gives full points inside the ideal window, a linear ramp below it
// and a linear decay above it.
func (s *Scorer) scoreKm(a *domain.Annonce, v *TargetVehicle) (int, string) {
	maxPts := s.weights.Km
	if a.Km == nil {
		return maxPts * 3 / 10, "no mileage"
	}
	km := *a.Km

	idealMin := v.KmIdealMin
	if idealMin == 0 {
		idealMin = v.KmMin
	}
	idealMax := v.KmIdealMax
	if idealMax == 0 {
		idealMax = v.KmMax - 30000
	}

	switch {
	case km < v.KmMin:
		return maxPts / 2, fmt.Sprintf("%d km < %d km - low (verify)", km, v.KmMin)
	case km > v.KmMax:
		return 0, fmt.Sprintf("%d km > %d km max", km, v.KmMax)
	case km >= idealMin && km <= idealMax:
		return maxPts, fmt.Sprintf("%d km (ideal)", km)
	case km < idealMin:
		ratio := 1.0
		if idealMin > v.KmMin {
			ratio = float64(km-v.KmMin) / float64(idealMin-v.KmMin)
		}
		return int(float64(maxPts) * (0.7 + 0.3*ratio)), fmt.Sprintf("%d km", km)
	default:
		ratio := 0.0
		if v.KmMax > idealMax {
			ratio = float64(v.KmMax-km) / float64(v.KmMax-idealMax)
		}
		return int(float64(maxPts) * ratio * 0.7), fmt.Sprintf("%d km (high)", km)
	}
}

// scoreFreshness rewards recent listings in age buckets. Unknown publication
// time is neutral.
func (s *Scorer) scoreFreshness(a *domain.Annonce) (int, string) {
	maxPts := s.weights.Freshness
	if a.PublishedAt == nil {
		return maxPts / 2, "unknown age"
	}
	hours := s.now().Sub(*a.PublishedAt).Hours()
	switch {
	case hours < 1:
		return maxPts, "< 1h"
	case hours < 3:
		return maxPts * 95 / 100, fmt.Sprintf("%dh", int(hours))
	case hours < 6:
		return maxPts * 85 / 100, fmt.Sprintf("%dh", int(hours))
	case hours < 12:
		return maxPts * 70 / 100, fmt.Sprintf("%dh", int(hours))
	case hours < 24:
		return maxPts * 50 / 100, fmt.Sprintf("%dh", int(hours))
	case hours < 48:
		return maxPts * 30 / 100, "1-2d"
	case hours < 168:
		return maxPts * 15 / 100, fmt.Sprintf("%dd", int(hours/24))
	default:
		return 0, "> 1 week"
	}
}

// scoreBonus sums department tier, seller type, photo count and per-vehicle
// bonuses, capped at the bonus weight.
func (s *Scorer) scoreBonus(a *domain.Annonce, v *TargetVehicle) (int, string) {
	maxPts := s.weights.Bonus
	var details []string
	total := 0

	if dept := a.Department; dept != "" {
		switch {
		case contains(s.departments.Tier1, dept):
			total += 5
			details = append(details, dept+" (close)")
		case contains(s.departments.Tier2, dept):
			total += 3
			details = append(details, dept)
		case contains(s.departments.Tier3, dept):
			total++
			details = append(details, dept)
		}
	}

	switch a.SellerType {
	case domain.SellerParticulier:
		total += 3
		details = append(details, "particulier")
	case domain.SellerProfessional:
		total--
		details = append(details, "pro")
	}

	if len(a.ImageURLs) >= 5 {
		total++
		details = append(details, fmt.Sprintf("%d photos", len(a.ImageURLs)))
	}

	text := strings.ToLower(a.Title + " " + a.Version)
	for name, value := range v.Bonus {
		if strings.Contains(text, strings.ToLower(name)) {
			total += minInt(2, value/100)
			details = append(details, name)
		}
	}

	return clamp(total, 0, maxPts), joinOrNone(details)
}

// marginBonus rewards a comfortable minimum margin.
func (s *Scorer) marginBonus(marginMin int) int {
	maxPts := s.weights.Margin
	switch {
	case marginMin >= 1500:
		return maxPts
	case marginMin >= 1000:
		return maxPts * 70 / 100
	case marginMin >= 500:
		return maxPts * 40 / 100
	default:
		return 0
	}
}

// estimateMargin computes net margin: resale - price - repair costs - buffer,
// clamped at zero.
func (s *Scorer) estimateMargin(a *domain.Annonce, v *TargetVehicle) (int, int, int) {
	if a.Price == nil {
		return 0, 0, 0
	}
	price := *a.Price
	repairCost := a.RepairCostEstimate

	resaleMin := v.ResaleMin
	if resaleMin == 0 {
		resaleMin = price + 500
	}
	resaleMax := v.ResaleMax
	if resaleMax == 0 {
		resaleMax = price + 1500
	}

	marginMin := resaleMin - price - repairCost - marginBuffer
	marginMax := resaleMax - price - repairCost - marginBuffer
	return maxInt(0, marginMin), maxInt(0, marginMax), repairCost
}

func joinOrNone(items []string) string {
	if len(items) == 0 {
		return "none"
	}
	return strings.Join(items, ", ")
}

func contains(items []string, want string) bool {
	for _, item := range items {
		if item == want {
			return true
		}
	}
	return false
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
