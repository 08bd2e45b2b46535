package sites

import (
	"context"
	"log/slog"

	"github.com/yesmonga/voiture-radar/internal/scraper"
)

// LeboncoinIndex is a placeholder: the site sits behind DataDome, and a
// plain HTTP client gets challenged immediately. Scans return nothing until
// a browser-backed adapter lands.
// TODO: implement with a headless-browser fetcher and the finder/search API.
type LeboncoinIndex struct {
	logger *slog.Logger
	warned bool
}

// NewLeboncoinIndex builds the stub adapter.
func NewLeboncoinIndex(logger *slog.Logger) *LeboncoinIndex {
	return &LeboncoinIndex{logger: logger}
}

// ScanIndex logs once and returns no results.
func (s *LeboncoinIndex) ScanIndex(ctx context.Context, maxPages int) ([]scraper.IndexResult, error) {
	if !s.warned {
		s.logger.Warn("leboncoin_adapter_disabled",
			slog.String("reason", "anti-bot protection requires a browser-backed fetcher"),
		)
		s.warned = true
	}
	return nil, nil
}
