// Package scraper defines the contracts between the pipeline and the
// per-site adapters. Adapters do all coercion from third-party payloads and
// return typed records; the core never sees raw HTML or JSON.
package scraper

import (
	"context"
	"time"

	"github.com/yesmonga/voiture-radar/internal/domain"
)

// IndexResult is one listing from a list page: light fields only, enough to
// dedupe, score heuristically and decide whether the detail page is worth a
// fetch.
type IndexResult struct {
	Source          domain.Source
	URL             string
	SourceListingID string
	Title           string

	Price *int
	Km    *int
	Year  *int

	City        string
	Department  string
	PublishedAt *time.Time
	ThumbnailURL string

	// Vehicle hints, set when the adapter already parsed them.
	Make    string
	Model   string
	Version string
	Fuel    string

	// Filled by the pipeline's light-scoring phase.
	LightScore int
	Priority   int
}

// DetailResult is the payload of a detail page fetch.
type DetailResult struct {
	Description string
	ImageURLs   []string

	SellerType  string
	SellerName  string
	SellerPhone string

	Fuel         string
	Gearbox      string
	PowerHP      *int
	Version      string
	Motorisation string
	CTInfo       string
}

// IndexScraper scans list pages. Repeated calls for the same page range may
// return overlapping listings; the pipeline dedupes. Implementations take a
// rate-limiter slot before each HTTP call.
type IndexScraper interface {
	ScanIndex(ctx context.Context, maxPages int) ([]IndexResult, error)
}

// DetailScraper fetches one detail page. A nil result with a nil error means
// the listing is gone for good.
type DetailScraper interface {
	FetchDetail(ctx context.Context, url string) (*DetailResult, error)
}

// Registry maps sources to their registered adapters.
type Registry struct {
	index  map[domain.Source]IndexScraper
	detail map[domain.Source]DetailScraper
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{
		index:  make(map[domain.Source]IndexScraper),
		detail: make(map[domain.Source]DetailScraper),
	}
}

// Register binds adapters to a source. The detail scraper is optional.
func (r *Registry) Register(source domain.Source, index IndexScraper, detail DetailScraper) {
	r.index[source] = index
	if detail != nil {
		r.detail[source] = detail
	}
}

// Index returns the index adapter for a source.
func (r *Registry) Index(source domain.Source) (IndexScraper, bool) {
	s, ok := r.index[source]
	return s, ok
}

// Detail returns the detail adapter for a source.
func (r *Registry) Detail(source domain.Source) (DetailScraper, bool) {
	s, ok := r.detail[source]
	return s, ok
}

// Sources lists every source with a registered index adapter.
func (r *Registry) Sources() []domain.Source {
	out := make([]domain.Source, 0, len(r.index))
	for _, s := range domain.AllSources {
		if _, ok := r.index[s]; ok {
			out = append(out, s)
		}
	}
	return out
}
