package pipeline

import (
	"strings"
	"time"

	"github.com/yesmonga/voiture-radar/internal/keywords"
	"github.com/yesmonga/voiture-radar/internal/scraper"
)

// Title tokens checked against the normalised title during light scoring.
// A closed set: the full keyword config only runs after detail enrichment.
var (
	lightUrgentTokens = []string{"urgent", "vite", "depart", "demenagement"}
	lightNegoTokens   = []string{"negociable", "a debattre", "nego"}
	lightCTTokens     = []string{"ct ok", "ct vierge", "controle technique ok"}
	lightRiskTokens   = []string{"hs", "panne", "accident", "epave", "pour pieces"}
)

// lightScore computes the cheap pre-detail heuristic: price and km bands,
// freshness, and a handful of title tokens. Sets LightScore and Priority on
// the result; priority adds extra freshness weight so sub-hour listings jump
// the detail queue.
func lightScore(r *scraper.IndexResult, now time.Time) {
	score := 0
	priority := 0

	if r.Price != nil {
		switch {
		case *r.Price < 2000:
			score += 25
			priority += 20
		case *r.Price < 3000:
			score += 20
			priority += 10
		case *r.Price < 4000:
			score += 10
		}
	}

	if r.Km != nil {
		switch {
		case *r.Km >= 80000 && *r.Km <= 150000:
			score += 20
		case *r.Km < 80000:
			score += 15
		case *r.Km <= 200000:
			score += 10
		}
	}

	if r.PublishedAt != nil {
		ageHours := now.Sub(*r.PublishedAt).Hours()
		switch {
		case ageHours < 1:
			score += 15
			priority += 30
		case ageHours < 6:
			score += 10
			priority += 20
		case ageHours < 24:
			score += 5
			priority += 10
		}
	}

	title := keywords.NormalizeText(r.Title)
	if containsAny(title, lightUrgentTokens) {
		score += 10
		priority += 15
	}
	if containsAny(title, lightNegoTokens) {
		score += 5
	}
	if containsAny(title, lightCTTokens) {
		score += 8
	}
	if containsAnyWord(title, lightRiskTokens) {
		score -= 20
	}

	if score < 0 {
		score = 0
	}
	r.LightScore = score
	r.Priority = priority + score
}

func containsAny(text string, tokens []string) bool {
	for _, token := range tokens {
		if strings.Contains(text, token) {
			return true
		}
	}
	return false
}

// containsAnyWord requires word-level matches so "hs" does not fire inside
// an unrelated token.
func containsAnyWord(text string, tokens []string) bool {
	padded := " " + text + " "
	for _, token := range tokens {
		if strings.Contains(padded, " "+token+" ") {
			return true
		}
	}
	return false
}
