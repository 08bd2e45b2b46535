// Package sites holds the per-site adapter implementations. Parsing rules
// for a marketplace live here and nowhere else; the pipeline only sees the
// IndexScraper/DetailScraper contracts.
package sites

import (
	"fmt"
	"log/slog"

	"github.com/yesmonga/voiture-radar/internal/config"
	"github.com/yesmonga/voiture-radar/internal/domain"
	"github.com/yesmonga/voiture-radar/internal/scraper"
)

// Build returns the adapter pair for a (search, source) combination.
// Sources without a working adapter return an error; the runner skips them.
func Build(search config.Search, source domain.Source, client *scraper.Client, logger *slog.Logger) (scraper.IndexScraper, scraper.DetailScraper, error) {
	switch source {
	case domain.SourceAutoScout24:
		index := NewAutoScoutIndex(search, client, logger)
		return index, NewAutoScoutDetail(client, logger), nil
	case domain.SourceLeboncoin:
		// Kept as a stub: the site sits behind DataDome and needs a real
		// browser. The index scraper logs and returns nothing.
		return NewLeboncoinIndex(logger), nil, nil
	default:
		return nil, nil, fmt.Errorf("no adapter for source %s", source)
	}
}
