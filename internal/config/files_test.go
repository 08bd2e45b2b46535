package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yesmonga/voiture-radar/internal/domain"
	"github.com/yesmonga/voiture-radar/internal/keywords"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadVehicles(t *testing.T) {
	path := writeFile(t, t.TempDir(), "vehicles.yaml", `
scoring_weights:
  price: 30
  km: 25
  keywords: 15
  freshness: 10
  bonus: 15
  margin: 5
departments:
  tier1: ["69"]
  tier2: ["42", "01"]
vehicles:
  - id: p207
    make: Peugeot
    model_patterns: ["\\b207\\b"]
    fuel: diesel
    price_min: 1500
    price_max: 3500
    km_min: 60000
    km_max: 200000
    resale_min: 3200
    resale_max: 4200
    bonus:
      clim: 100
    exclusions: ["pour pieces"]
`)

	vehicles, weights, departments, err := LoadVehicles(path)
	require.NoError(t, err)

	assert.Equal(t, 30, weights.Price)
	assert.Equal(t, 15, weights.Bonus)
	assert.Equal(t, []string{"69"}, departments.Tier1)

	require.Len(t, vehicles, 1)
	v := vehicles[0]
	assert.Equal(t, "p207", v.ID)
	assert.Equal(t, domain.FuelDiesel, v.Fuel)
	require.Len(t, v.ModelPatterns, 1)
	assert.True(t, v.ModelPatterns[0].MatchString("peugeot 207"), "patterns compile case-insensitive")
	assert.Equal(t, 100, v.Bonus["clim"])
}

func TestLoadVehiclesRejectsBadPattern(t *testing.T) {
	path := writeFile(t, t.TempDir(), "vehicles.yaml", `
vehicles:
  - id: broken
    make: Peugeot
    model_patterns: ["([unclosed"]
    price_min: 100
    price_max: 200
`)
	_, _, _, err := LoadVehicles(path)
	assert.Error(t, err)
}

func TestLoadVehiclesValidation(t *testing.T) {
	path := writeFile(t, t.TempDir(), "vehicles.yaml", `
vehicles:
  - id: inverted
    make: Peugeot
    model_patterns: ["207"]
    price_min: 5000
    price_max: 2000
`)
	_, _, _, err := LoadVehicles(path)
	assert.Error(t, err, "price_max below price_min fails validation")
}

func TestLoadKeywords(t *testing.T) {
	path := writeFile(t, t.TempDir(), "keywords.yaml", `
opportunity:
  premiere_main:
    patterns: ["premiere main"]
    bonus: 8
risk:
  boite_hs:
    patterns: ["boite hs"]
    penalty: -25
    cost_estimate: 1200
    severity: critical
exclusions:
  patterns: ["sans carte grise"]
`)

	entries, err := LoadKeywords(path)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	byID := make(map[string]keywords.Keyword)
	for _, e := range entries {
		byID[e.ID] = e
	}

	assert.Equal(t, 8, byID["premiere_main"].Bonus)
	assert.Equal(t, keywords.CategoryOpportunity, byID["premiere_main"].Category)

	risk := byID["boite_hs"]
	assert.Equal(t, -25, risk.Penalty)
	assert.Equal(t, 1200, risk.CostEstimate)
	assert.Equal(t, domain.SeverityCritical, risk.Severity)

	assert.Equal(t, keywords.CategoryExclusion, byID["exclusions"].Category)
}

func TestLoadSearchesDefaults(t *testing.T) {
	path := writeFile(t, t.TempDir(), "searches.yaml", `
searches:
  - name: one
    sources: [autoscout24]
  - name: off
    sources: [autoscout24]
    enabled: false
`)

	cfg, err := LoadSearches(path)
	require.NoError(t, err)

	assert.Equal(t, 60, cfg.Runner.ScanIntervalSec)
	assert.Equal(t, 10, cfg.Runner.JitterSec)
	assert.Equal(t, 300, cfg.Runner.BackoffMaxSec)
	assert.Equal(t, 3, cfg.Runner.ZeroListingsThreshold)

	enabled := cfg.EnabledSearches()
	require.Len(t, enabled, 1)
	assert.Equal(t, "one", enabled[0].Name)
}

func TestLoadSearchesMissingFile(t *testing.T) {
	_, err := LoadSearches(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestShippedConfigsParse(t *testing.T) {
	root := filepath.Join("..", "..", "config")
	if _, err := os.Stat(root); err != nil {
		t.Skip("config dir not present")
	}

	_, _, _, err := LoadVehicles(filepath.Join(root, "vehicles.yaml"))
	assert.NoError(t, err)

	_, err = LoadKeywords(filepath.Join(root, "keywords.yaml"))
	assert.NoError(t, err)

	cfg, err := LoadSearches(filepath.Join(root, "searches.yaml"))
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.EnabledSearches())
}
