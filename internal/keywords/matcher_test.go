package keywords

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yesmonga/voiture-radar/internal/domain"
)

func newTestMatcher(t *testing.T) *Matcher {
	t.Helper()
	m, err := NewMatcher([]Keyword{
		{
			ID:       "turbo",
			Category: CategoryRisk,
			Patterns: []string{"turbo"},
			Penalty:  -10, CostEstimate: 500,
			Severity: domain.SeverityMajor,
		},
		{
			ID:       "premiere_main",
			Category: CategoryOpportunity,
			Patterns: []string{"premiere main", "1ere main"},
			Bonus:    8,
		},
		{
			ID:       "exclusions",
			Category: CategoryExclusion,
			Patterns: []string{"sans carte grise", "vendu pour pieces"},
		},
	})
	require.NoError(t, err)
	return m
}

func TestWordBoundary(t *testing.T) {
	m := newTestMatcher(t)

	// Hyphenated compounds stay one token: "turbo-diesel" must not fire
	// the bare "turbo" keyword.
	_, risks := m.FindMatches("moteur turbo-diesel impeccable")
	assert.Empty(t, risks)

	_, risks = m.FindMatches("moteur biturbo impeccable")
	assert.Empty(t, risks)

	_, risks = m.FindMatches("turbo à remplacer")
	require.Len(t, risks, 1)
	assert.Equal(t, "turbo", risks[0].KeywordID)
}

func TestAccentAndCaseFolding(t *testing.T) {
	m := newTestMatcher(t)

	for _, text := range []string{"negociable", "Négociable", "NÉGOCIABLE !"} {
		opportunities, _ := m.FindMatches(text)
		require.Len(t, opportunities, 1, "text %q", text)
		assert.Equal(t, "negociable", opportunities[0].KeywordID, "text %q", text)
	}
}

func TestKeywordFiresOncePerText(t *testing.T) {
	m := newTestMatcher(t)

	opportunities, _ := m.FindMatches("premiere main, vraiment 1ere main")
	count := 0
	for _, match := range opportunities {
		if match.KeywordID == "premiere_main" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestBuiltinVariants(t *testing.T) {
	m := newTestMatcher(t)

	opportunities, _ := m.FindMatches("CT OK, urgent car déménagement")
	ids := matchIDs(opportunities)
	assert.Contains(t, ids, "ct_ok")
	assert.Contains(t, ids, "urgent_vente")

	_, risks := m.FindMatches("moteur HS, pour pièces")
	require.NotEmpty(t, risks)
	assert.Equal(t, "moteur_hs", risks[0].KeywordID)
	assert.Equal(t, domain.SeverityCritical, risks[0].Severity)
	assert.Equal(t, 2000, risks[0].CostEstimate)
}

func TestExclusionsOutrankEverything(t *testing.T) {
	m := newTestMatcher(t)

	res := m.Evaluate("belle voiture premiere main mais vendue SANS CARTE GRISE")
	assert.True(t, res.Excluded)
	assert.Contains(t, res.ExcludeReason, "sans carte grise")
	assert.Empty(t, res.OpportunityIDs)
}

func TestEvaluateAggregates(t *testing.T) {
	m := newTestMatcher(t)

	res := m.Evaluate("premiere main, CT refusé, turbo fatigué")
	assert.False(t, res.Excluded)
	assert.Equal(t, 8, res.BonusTotal)
	assert.Equal(t, []string{"premiere_main"}, res.OpportunityIDs)

	assert.Contains(t, res.RiskIDs, "turbo")
	assert.Contains(t, res.RiskIDs, "ct_refuse")
	assert.Equal(t, -25, res.PenaltyTotal)       // -10 turbo, -15 ct_refuse
	assert.Equal(t, 900, res.CostEstimate)       // 500 + 400
	assert.Equal(t, domain.SeverityMajor, res.MaxSeverity)
}

func TestConfiguredOverridesBuiltin(t *testing.T) {
	m, err := NewMatcher([]Keyword{
		{
			ID:       "ct_ok",
			Category: CategoryOpportunity,
			Patterns: []string{"controle technique vierge"},
			Bonus:    12,
		},
	})
	require.NoError(t, err)

	opportunities, _ := m.FindMatches("controle technique vierge")
	require.Len(t, opportunities, 1)
	assert.Equal(t, 12, opportunities[0].Bonus)
}

func TestNormalizeText(t *testing.T) {
	assert.Equal(t, "turbodiesel", NormalizeText("turbo-diesel"))
	assert.Equal(t, "ct ok", NormalizeText("CT: OK"))
	assert.Equal(t, "negociable", NormalizeText("Négociable"))
	assert.Equal(t, "l embrayage", NormalizeText("l'embrayage"))
	assert.Equal(t, "", NormalizeText(""))
}

func TestInvalidPatternRejected(t *testing.T) {
	_, err := NewMatcher([]Keyword{
		{ID: "broken", Category: CategoryRisk, Patterns: []string{"([unclosed"}},
	})
	assert.Error(t, err)
}

func matchIDs(matches []Match) []string {
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, m.KeywordID)
	}
	return ids
}
