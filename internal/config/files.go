package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/yesmonga/voiture-radar/internal/domain"
	"github.com/yesmonga/voiture-radar/internal/keywords"
	"github.com/yesmonga/voiture-radar/internal/scoring"
)

var validate = validator.New()

// vehiclesFile is the on-disk layout of vehicles.yaml.
type vehiclesFile struct {
	ScoringWeights *struct {
		Price     int `yaml:"price"`
		Km        int `yaml:"km"`
		Keywords  int `yaml:"keywords"`
		Freshness int `yaml:"freshness"`
		Bonus     int `yaml:"bonus"`
		Margin    int `yaml:"margin"`
	} `yaml:"scoring_weights"`

	Departments struct {
		Tier1 []string `yaml:"tier1"`
		Tier2 []string `yaml:"tier2"`
		Tier3 []string `yaml:"tier3"`
	} `yaml:"departments"`

	Vehicles []vehicleEntry `yaml:"vehicles" validate:"dive"`
}

type vehicleEntry struct {
	ID            string         `yaml:"id" validate:"required"`
	Make          string         `yaml:"make" validate:"required"`
	ModelPatterns []string       `yaml:"model_patterns" validate:"min=1"`
	EngineInclude []string       `yaml:"engine_include"`
	EngineExclude []string       `yaml:"engine_exclude"`
	Fuel          string         `yaml:"fuel"`
	PriceMin      int            `yaml:"price_min" validate:"gte=0"`
	PriceMax      int            `yaml:"price_max" validate:"gtefield=PriceMin"`
	KmMin         int            `yaml:"km_min"`
	KmMax         int            `yaml:"km_max"`
	KmIdealMin    int            `yaml:"km_ideal_min"`
	KmIdealMax    int            `yaml:"km_ideal_max"`
	YearMin       int            `yaml:"year_min"`
	YearMax       int            `yaml:"year_max"`
	ResaleMin     int            `yaml:"resale_min"`
	ResaleMax     int            `yaml:"resale_max"`
	MarketPrice   int            `yaml:"market_price_median"`
	Priority      int            `yaml:"priority"`
	Bonus         map[string]int `yaml:"bonus"`
	Exclusions    []string       `yaml:"exclusions"`
}

// LoadVehicles parses vehicles.yaml into scorer inputs. Model patterns are
// compiled case-insensitively; a broken pattern fails the load.
func LoadVehicles(path string) ([]scoring.TargetVehicle, scoring.Weights, scoring.Departments, error) {
	var file vehiclesFile
	if err := readYAML(path, &file); err != nil {
		return nil, scoring.Weights{}, scoring.Departments{}, err
	}
	if err := validate.Struct(&file); err != nil {
		return nil, scoring.Weights{}, scoring.Departments{}, fmt.Errorf("%s: %w", path, err)
	}

	weights := scoring.DefaultWeights()
	if w := file.ScoringWeights; w != nil {
		weights = scoring.Weights{
			Price: w.Price, Km: w.Km, Keywords: w.Keywords,
			Freshness: w.Freshness, Bonus: w.Bonus, Margin: w.Margin,
		}
	}

	departments := scoring.Departments{
		Tier1: file.Departments.Tier1,
		Tier2: file.Departments.Tier2,
		Tier3: file.Departments.Tier3,
	}

	vehicles := make([]scoring.TargetVehicle, 0, len(file.Vehicles))
	for _, entry := range file.Vehicles {
		patterns := make([]*regexp.Regexp, 0, len(entry.ModelPatterns))
		for _, raw := range entry.ModelPatterns {
			re, err := regexp.Compile("(?i)" + raw)
			if err != nil {
				return nil, weights, departments, fmt.Errorf("vehicle %q: pattern %q: %w", entry.ID, raw, err)
			}
			patterns = append(patterns, re)
		}
		vehicles = append(vehicles, scoring.TargetVehicle{
			ID:                entry.ID,
			Make:              entry.Make,
			ModelPatterns:     patterns,
			EngineInclude:     entry.EngineInclude,
			EngineExclude:     entry.EngineExclude,
			Fuel:              domain.ParseFuel(entry.Fuel),
			PriceMin:          entry.PriceMin,
			PriceMax:          entry.PriceMax,
			KmMin:             entry.KmMin,
			KmMax:             entry.KmMax,
			KmIdealMin:        entry.KmIdealMin,
			KmIdealMax:        entry.KmIdealMax,
			YearMin:           entry.YearMin,
			YearMax:           entry.YearMax,
			ResaleMin:         entry.ResaleMin,
			ResaleMax:         entry.ResaleMax,
			MarketPriceMedian: entry.MarketPrice,
			Priority:          entry.Priority,
			Bonus:             entry.Bonus,
			Exclusions:        entry.Exclusions,
		})
	}
	return vehicles, weights, departments, nil
}

// keywordsFile is the on-disk layout of keywords.yaml.
type keywordsFile struct {
	Opportunity map[string]keywordEntry `yaml:"opportunity"`
	Risk        map[string]keywordEntry `yaml:"risk"`
	Exclusions  struct {
		Patterns []string `yaml:"patterns"`
	} `yaml:"exclusions"`
}

type keywordEntry struct {
	Patterns     []string `yaml:"patterns" validate:"min=1"`
	Bonus        int      `yaml:"bonus"`
	Penalty      int      `yaml:"penalty"`
	CostEstimate int      `yaml:"cost_estimate"`
	Severity     string   `yaml:"severity"`
	Description  string   `yaml:"description"`
}

// LoadKeywords parses keywords.yaml into matcher entries.
func LoadKeywords(path string) ([]keywords.Keyword, error) {
	var file keywordsFile
	if err := readYAML(path, &file); err != nil {
		return nil, err
	}

	var out []keywords.Keyword
	for id, entry := range file.Opportunity {
		if err := validate.Struct(&entry); err != nil {
			return nil, fmt.Errorf("opportunity keyword %q: %w", id, err)
		}
		bonus := entry.Bonus
		if bonus == 0 {
			bonus = 5
		}
		out = append(out, keywords.Keyword{
			ID:          id,
			Category:    keywords.CategoryOpportunity,
			Patterns:    entry.Patterns,
			Bonus:       bonus,
			Description: entry.Description,
		})
	}
	for id, entry := range file.Risk {
		if err := validate.Struct(&entry); err != nil {
			return nil, fmt.Errorf("risk keyword %q: %w", id, err)
		}
		penalty := entry.Penalty
		if penalty == 0 {
			penalty = -10
		}
		out = append(out, keywords.Keyword{
			ID:           id,
			Category:     keywords.CategoryRisk,
			Patterns:     entry.Patterns,
			Penalty:      penalty,
			CostEstimate: entry.CostEstimate,
			Severity:     domain.ParseSeverity(entry.Severity),
			Description:  entry.Description,
		})
	}
	if len(file.Exclusions.Patterns) > 0 {
		out = append(out, keywords.Keyword{
			ID:       "exclusions",
			Category: keywords.CategoryExclusion,
			Patterns: file.Exclusions.Patterns,
		})
	}
	return out, nil
}

// Search is one entry in searches.yaml: a saved query fanned out to sources.
type Search struct {
	Name            string   `yaml:"name" validate:"required"`
	Sources         []string `yaml:"sources" validate:"min=1"`
	Make            string   `yaml:"make"`
	Model           string   `yaml:"model"`
	PriceMin        int      `yaml:"price_min"`
	PriceMax        int      `yaml:"price_max"`
	KmMin           int      `yaml:"km_min"`
	KmMax           int      `yaml:"km_max"`
	YearMin         int      `yaml:"year_min"`
	YearMax         int      `yaml:"year_max"`
	Fuel            string   `yaml:"fuel"`
	ParticulierOnly bool     `yaml:"particulier_only"`
	DetailThreshold int      `yaml:"detail_threshold"`
	NotifyThreshold int      `yaml:"notify_threshold"`
	MaxPages        int      `yaml:"max_pages"`
	Enabled         *bool    `yaml:"enabled"`
}

// IsEnabled treats a missing enabled flag as true.
func (s Search) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// RunnerSettings drives the scheduling loop.
type RunnerSettings struct {
	ScanIntervalSec         int  `yaml:"scan_interval_sec"`
	JitterSec               int  `yaml:"jitter_sec"`
	BackoffMultiplier       int  `yaml:"backoff_multiplier"`
	BackoffMaxSec           int  `yaml:"backoff_max_sec"`
	DelayBetweenSearchesSec int  `yaml:"delay_between_searches_sec"`
	MaxDetailPerRun         int  `yaml:"max_detail_per_run"`
	AlertOnZeroListings     bool `yaml:"alert_on_zero_listings"`
	ZeroListingsThreshold   int  `yaml:"zero_listings_threshold"`
}

// applyDefaults fills zero values with the documented defaults.
func (r *RunnerSettings) applyDefaults() {
	if r.ScanIntervalSec == 0 {
		r.ScanIntervalSec = 60
	}
	if r.JitterSec == 0 {
		r.JitterSec = 10
	}
	if r.BackoffMultiplier == 0 {
		r.BackoffMultiplier = 2
	}
	if r.BackoffMaxSec == 0 {
		r.BackoffMaxSec = 300
	}
	if r.DelayBetweenSearchesSec == 0 {
		r.DelayBetweenSearchesSec = 5
	}
	if r.MaxDetailPerRun == 0 {
		r.MaxDetailPerRun = 10
	}
	if r.ZeroListingsThreshold == 0 {
		r.ZeroListingsThreshold = 3
	}
}

// SearchesConfig is the full content of searches.yaml.
type SearchesConfig struct {
	Searches []Search       `yaml:"searches" validate:"dive"`
	Runner   RunnerSettings `yaml:"runner"`
}

// EnabledSearches filters to the active entries.
func (c *SearchesConfig) EnabledSearches() []Search {
	var out []Search
	for _, s := range c.Searches {
		if s.IsEnabled() {
			out = append(out, s)
		}
	}
	return out
}

// LoadSearches parses searches.yaml and applies runner defaults.
func LoadSearches(path string) (*SearchesConfig, error) {
	var file SearchesConfig
	if err := readYAML(path, &file); err != nil {
		return nil, err
	}
	if err := validate.Struct(&file); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	file.Runner.applyDefaults()
	return &file, nil
}

// Path joins the config dir with a file name.
func (c *Config) Path(name string) string {
	return filepath.Join(c.ConfigDir, name)
}

func readYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}
