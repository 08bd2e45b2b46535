// Package keywords implements accent-folded, word-bounded keyword matching.
//
// Plain substring checks misfire across word boundaries ("turbo" inside
// "turbo-diesel") and accent variants ("Négociable" vs "negociable"). Every
// pattern is therefore lowercased and accent-folded like the text (plain
// patterns get the full text normalisation) and wrapped in \b anchors,
// unless it already carries its own, before compilation.
package keywords

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/yesmonga/voiture-radar/internal/domain"
	"github.com/yesmonga/voiture-radar/internal/normalize"
)

// Category buckets a keyword entry.
type Category string

const (
	CategoryOpportunity Category = "opportunity"
	CategoryRisk        Category = "risk"
	CategoryExclusion   Category = "exclusion"
)

// Keyword is one configured entry before compilation.
type Keyword struct {
	ID           string
	Category     Category
	Patterns     []string
	Bonus        int
	Penalty      int
	CostEstimate int
	Severity     domain.Severity
	Description  string
}

// Match is a single keyword hit in a text.
type Match struct {
	KeywordID    string
	Category     Category
	MatchedText  string
	Bonus        int
	Penalty      int
	CostEstimate int
	Severity     domain.Severity
}

// Result aggregates every hit for one text.
type Result struct {
	BonusTotal     int
	PenaltyTotal   int
	CostEstimate   int
	OpportunityIDs []string
	RiskIDs        []string
	MaxSeverity    domain.Severity
	Excluded       bool
	ExcludeReason  string
}

type compiledKeyword struct {
	Keyword
	compiled []*regexp.Regexp
}

// Matcher holds the compiled keyword sets. Safe for concurrent use once built.
type Matcher struct {
	opportunities []compiledKeyword
	risks         []compiledKeyword
	exclusions    []*regexp.Regexp
}

// NewMatcher compiles the configured keywords plus the built-in variants.
// Invalid patterns are reported, not silently dropped.
func NewMatcher(entries []Keyword) (*Matcher, error) {
	m := &Matcher{}
	for _, kw := range append(append([]Keyword{}, entries...), builtinKeywords()...) {
		compiled, err := compilePatterns(kw.Patterns)
		if err != nil {
			return nil, fmt.Errorf("keyword %q: %w", kw.ID, err)
		}
		ck := compiledKeyword{Keyword: kw, compiled: compiled}
		switch kw.Category {
		case CategoryOpportunity:
			if !m.hasOpportunity(kw.ID) {
				m.opportunities = append(m.opportunities, ck)
			}
		case CategoryRisk:
			if !m.hasRisk(kw.ID) {
				m.risks = append(m.risks, ck)
			}
		case CategoryExclusion:
			m.exclusions = append(m.exclusions, compiled...)
		default:
			return nil, fmt.Errorf("keyword %q: unknown category %q", kw.ID, kw.Category)
		}
	}
	return m, nil
}

func (m *Matcher) hasOpportunity(id string) bool {
	for _, kw := range m.opportunities {
		if kw.ID == id {
			return true
		}
	}
	return false
}

func (m *Matcher) hasRisk(id string) bool {
	for _, kw := range m.risks {
		if kw.ID == id {
			return true
		}
	}
	return false
}

var (
	// A hyphen joins its compound ("turbo-diesel" is one token, so the bare
	// "turbo" keyword must not fire inside it); the rest of the punctuation
	// splits.
	punctReplacer   = strings.NewReplacer("'", " ", "-", "", ":", " ", "/", " ")
	nonWordPattern  = regexp.MustCompile(`[^\w\s]`)
	multiSpace      = regexp.MustCompile(`\s+`)
	regexMetachars  = `\.*+?[](){}|^$`
)

// NormalizeText prepares text for matching: lowercase, accent-fold,
// punctuation normalised, whitespace collapsed.
func NormalizeText(text string) string {
	if text == "" {
		return ""
	}
	text = normalize.RemoveAccents(strings.ToLower(text))
	text = punctReplacer.Replace(text)
	text = nonWordPattern.ReplaceAllString(text, " ")
	return strings.TrimSpace(multiSpace.ReplaceAllString(text, " "))
}

// compilePatterns normalises each raw pattern, escapes it unless it already
// carries regex metacharacters, and adds word-boundary anchors unless the
// pattern manages its own.
func compilePatterns(raw []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(raw))
	for _, pattern := range raw {
		var normalized string
		if strings.ContainsAny(pattern, regexMetachars) {
			// Regex patterns pass through with accents folded only.
			normalized = normalize.RemoveAccents(strings.ToLower(pattern))
		} else {
			// Plain patterns get the full text normalisation so they keep
			// matching the normalised text.
			normalized = regexp.QuoteMeta(NormalizeText(pattern))
		}
		if !strings.HasPrefix(normalized, `\b`) && !strings.HasPrefix(normalized, "^") {
			normalized = `\b` + normalized
		}
		if !strings.HasSuffix(normalized, `\b`) && !strings.HasSuffix(normalized, "$") {
			normalized = normalized + `\b`
		}
		re, err := regexp.Compile(normalized)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", pattern, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

// FindMatches returns the opportunity and risk hits in a text. Each keyword
// fires at most once: the first matching pattern wins.
func (m *Matcher) FindMatches(text string) (opportunities, risks []Match) {
	if text == "" {
		return nil, nil
	}
	normalized := NormalizeText(text)

	for _, kw := range m.opportunities {
		for _, re := range kw.compiled {
			if loc := re.FindString(normalized); loc != "" {
				opportunities = append(opportunities, Match{
					KeywordID:   kw.ID,
					Category:    CategoryOpportunity,
					MatchedText: loc,
					Bonus:       kw.Bonus,
				})
				break
			}
		}
	}
	for _, kw := range m.risks {
		for _, re := range kw.compiled {
			if loc := re.FindString(normalized); loc != "" {
				risks = append(risks, Match{
					KeywordID:    kw.ID,
					Category:     CategoryRisk,
					MatchedText:  loc,
					Penalty:      kw.Penalty,
					CostEstimate: kw.CostEstimate,
					Severity:     kw.Severity,
				})
				break
			}
		}
	}
	return opportunities, risks
}

// IsExcluded reports whether the text trips an exclusion pattern.
// Exclusions outrank any score.
func (m *Matcher) IsExcluded(text string) (bool, string) {
	if text == "" {
		return false, ""
	}
	normalized := NormalizeText(text)
	for _, re := range m.exclusions {
		if loc := re.FindString(normalized); loc != "" {
			return true, "exclusion: " + loc
		}
	}
	return false, ""
}

// Evaluate runs one pass over the text: exclusion check first, then the
// opportunity/risk sets, aggregated into a Result.
func (m *Matcher) Evaluate(text string) Result {
	if excluded, reason := m.IsExcluded(text); excluded {
		return Result{Excluded: true, ExcludeReason: reason, MaxSeverity: domain.SeverityNone}
	}

	opportunities, risks := m.FindMatches(text)
	res := Result{MaxSeverity: domain.SeverityNone}
	for _, match := range opportunities {
		res.BonusTotal += match.Bonus
		res.OpportunityIDs = append(res.OpportunityIDs, match.KeywordID)
	}
	for _, match := range risks {
		res.PenaltyTotal += match.Penalty // already negative
		res.CostEstimate += match.CostEstimate
		res.RiskIDs = append(res.RiskIDs, match.KeywordID)
		if match.Severity.Rank() > res.MaxSeverity.Rank() {
			res.MaxSeverity = match.Severity
		}
	}
	return res
}

// builtinKeywords are always-on variants layered under the configured set.
// Configured entries with the same id take precedence.
func builtinKeywords() []Keyword {
	return []Keyword{
		{
			ID:       "ct_ok",
			Category: CategoryOpportunity,
			Patterns: []string{
				`\bct\s*(ok|vierge|recent|neuf|valide|fait|passe)\b`,
				`\bcontrole\s*technique\s*(ok|vierge|recent|neuf|valide|fait|passe)\b`,
				`\bctok\b`,
			},
			Bonus:       8,
			Description: "CT OK/vierge/recent",
		},
		{
			ID:       "urgent_vente",
			Category: CategoryOpportunity,
			Patterns: []string{
				`\burgent\w*\b`,
				`\bvente\s*(urgente|rapide)\b`,
				`\bdoit\s+partir\b`,
				`\ba\s+saisir\b`,
				`\bdemenagement\b`,
			},
			Bonus:       10,
			Description: "vente urgente/rapide",
		},
		{
			ID:       "negociable",
			Category: CategoryOpportunity,
			Patterns: []string{
				`\bnego(ciable)?\b`,
				`\ba\s+debattre\b`,
				`\bprix\s+a\s+discuter\b`,
				`\bouvert\s+(aux\s+)?propositions?\b`,
			},
			Bonus:       5,
			Description: "prix negociable",
		},
		{
			ID:       "moteur_hs",
			Category: CategoryRisk,
			Patterns: []string{
				`\bmoteur\s*(hs|mort|casse|a\s+refaire)\b`,
				`\bne\s+(demarre|roule)\s+(plus|pas)\b`,
				`\bpour\s+pieces\b`,
			},
			Penalty:      -30,
			CostEstimate: 2000,
			Severity:     domain.SeverityCritical,
			Description:  "moteur HS/casse",
		},
		{
			ID:       "ct_refuse",
			Category: CategoryRisk,
			Patterns: []string{
				`\bct\s*(refuse|refus|a\s*faire|expire)\b`,
				`\bcontre\s*visite\b`,
				`\bcontrevisite\b`,
				`\bsans\s+ct\b`,
			},
			Penalty:      -15,
			CostEstimate: 400,
			Severity:     domain.SeverityModerate,
			Description:  "CT refuse/a faire",
		},
	}
}
