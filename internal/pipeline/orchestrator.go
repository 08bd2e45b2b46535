// Package pipeline runs the two-phase scan: index pages are scanned and
// deduplicated, survivors get a cheap heuristic score, and the best of them
// earn a detail fetch, a full scoring pass, a notification decision and an
// upsert.
package pipeline

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/yesmonga/voiture-radar/internal/domain"
	"github.com/yesmonga/voiture-radar/internal/metrics"
	"github.com/yesmonga/voiture-radar/internal/normalize"
	"github.com/yesmonga/voiture-radar/internal/scoring"
	"github.com/yesmonga/voiture-radar/internal/scraper"
	"github.com/yesmonga/voiture-radar/internal/tracing"
)

// Store is the slice of the repository the pipeline needs.
type Store interface {
	Save(ctx context.Context, a *domain.Annonce) bool
	GetBySourceListing(ctx context.Context, source domain.Source, listingID string) (*domain.Annonce, error)
	Exists(ctx context.Context, fingerprint, url string) bool
	IsNearDuplicate(ctx context.Context, a *domain.Annonce) (bool, *domain.Annonce)
	MarkNotified(ctx context.Context, id string, channels []string) bool
	Recent(ctx context.Context, window time.Duration, limit int) ([]*domain.Annonce, error)
	LogScanStart(ctx context.Context, source domain.Source) (int64, error)
	LogScanEnd(ctx context.Context, scanID int64, status string, found, newCount, errorsCount int, errorMessage string) error
}

// Notifier is the outbound sink. Send returns whether delivery succeeded and
// the channels that received it. SendUpdate carries the previous price and
// score so the message can show the delta.
type Notifier interface {
	Send(ctx context.Context, a *domain.Annonce) (bool, []string)
	SendUpdate(ctx context.Context, a *domain.Annonce, oldPrice *int, oldScore int) (bool, []string)
}

// Stats summarises one pipeline run.
type Stats struct {
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	IndexScanned    int `json:"index_scanned"`
	IndexNew        int `json:"index_new"`
	IndexDuplicates int `json:"index_duplicates"`
	IndexErrors     int `json:"index_errors"`

	DetailFetched int `json:"detail_fetched"`
	DetailErrors  int `json:"detail_errors"`

	ScoreAboveThreshold int `json:"score_above_threshold"`
	UrgentCount         int `json:"urgent_count"`
	InteressantCount    int `json:"interessant_count"`

	Notified    int `json:"notified"`
	NotifErrors int `json:"notif_errors"`
}

// Duration returns the wall-clock time of the run.
func (s *Stats) Duration() time.Duration {
	if s.FinishedAt != nil {
		return s.FinishedAt.Sub(s.StartedAt)
	}
	return time.Since(s.StartedAt)
}

// RunParams parameterise one pipeline invocation.
type RunParams struct {
	Sources         []domain.Source
	DetailThreshold int
	NotifyThreshold int
	MaxDetailPerRun int
	MaxPages        int
}

// Orchestrator owns the in-memory dedup caches and drives the phases.
// A single orchestrator is reused across runs so the caches persist.
type Orchestrator struct {
	store    Store
	scorer   *scoring.Scorer
	registry *scraper.Registry
	notifier Notifier
	logger   *slog.Logger

	detailConcurrency int
	callTimeout       time.Duration
	dryRun            bool
	now               func() time.Time

	// Dedup caches shared across runs; every access goes through mu.
	mu           sync.Mutex
	seenURLs     map[string]struct{}
	seenListings map[string]struct{}

	// OnScored, when set, observes every scored annonce (feeds the SSE broker).
	OnScored func(a *domain.Annonce)
}

// Option configures the orchestrator.
type Option func(*Orchestrator)

// WithDetailConcurrency bounds concurrent detail fetches across all sources.
func WithDetailConcurrency(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.detailConcurrency = n
		}
	}
}

// WithCallTimeout bounds every external call (scan, fetch, notify).
func WithCallTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.callTimeout = d
		}
	}
}

// WithDryRun suppresses notifications while keeping the rest of the run.
func WithDryRun(dry bool) Option {
	return func(o *Orchestrator) { o.dryRun = dry }
}

// WithClock overrides the clock (tests).
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New builds an orchestrator.
func New(store Store, scorer *scoring.Scorer, registry *scraper.Registry, notifier Notifier, logger *slog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:             store,
		scorer:            scorer,
		registry:          registry,
		notifier:          notifier,
		logger:            logger,
		detailConcurrency: 5,
		callTimeout:       30 * time.Second,
		now:               func() time.Time { return time.Now().UTC() },
		seenURLs:          make(map[string]struct{}),
		seenListings:      make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// PreloadCache seeds the dedup caches from recent repository rows so a
// restart does not re-notify everything it already saw.
func (o *Orchestrator) PreloadCache(ctx context.Context, window time.Duration) {
	annonces, err := o.store.Recent(ctx, window, 5000)
	if err != nil {
		o.logger.Warn("cache_preload_failed", slog.String("error", err.Error()))
		return
	}
	o.mu.Lock()
	for _, a := range annonces {
		if a.URLCanonical != "" {
			o.seenURLs[a.URLCanonical] = struct{}{}
		}
		if a.SourceListingID != "" {
			o.seenListings[listingKey(a.Source, a.SourceListingID)] = struct{}{}
		}
	}
	o.mu.Unlock()
	o.logger.Info("cache_preloaded", slog.Int("count", len(annonces)))
}

// ClearCache drops the in-memory dedup state.
func (o *Orchestrator) ClearCache() {
	o.mu.Lock()
	o.seenURLs = make(map[string]struct{})
	o.seenListings = make(map[string]struct{})
	o.mu.Unlock()
}

// sourceCounts tracks per-source accounting for scan history.
type sourceCounts struct {
	scanID int64
	found  int
	fresh  int
	errors int
}

// Run executes the full pipeline once.
func (o *Orchestrator) Run(ctx context.Context, params RunParams) *Stats {
	ctx, span := tracing.StartSpan(ctx, "pipeline.run")
	defer span.End()

	stats := &Stats{StartedAt: o.now()}
	sources := params.Sources
	if len(sources) == 0 {
		sources = o.registry.Sources()
	}
	if params.MaxDetailPerRun <= 0 {
		params.MaxDetailPerRun = 20
	}

	counts := make(map[domain.Source]*sourceCounts, len(sources))

	// Phase A: index scans, one source at a time. A failing source never
	// aborts the run; isolation is per-source.
	var indexResults []scraper.IndexResult
	for _, source := range sources {
		adapter, ok := o.registry.Index(source)
		if !ok {
			continue
		}
		sc := &sourceCounts{}
		counts[source] = sc
		if id, err := o.store.LogScanStart(ctx, source); err == nil {
			sc.scanID = id
		}

		scanCtx, cancel := context.WithTimeout(ctx, o.callTimeout)
		results, err := adapter.ScanIndex(scanCtx, params.MaxPages)
		cancel()
		if err != nil {
			stats.IndexErrors++
			sc.errors++
			o.logger.Warn("index_scan_failed",
				slog.String("source", string(source)),
				slog.String("error", err.Error()),
			)
			continue
		}
		for i := range results {
			results[i].Source = source
		}
		sc.found = len(results)
		stats.IndexScanned += len(results)
		metrics.IndexListingsScanned.WithLabelValues(string(source)).Add(float64(len(results)))
		indexResults = append(indexResults, results...)

		if ctx.Err() != nil {
			return o.finishCancelled(ctx, stats, counts)
		}
	}

	// Phase B: strict dedup against the caches and the repository.
	var fresh []scraper.IndexResult
	for _, result := range indexResults {
		if o.isDuplicate(ctx, &result) {
			stats.IndexDuplicates++
			metrics.IndexDuplicates.WithLabelValues(string(result.Source)).Inc()
			continue
		}
		fresh = append(fresh, result)
		stats.IndexNew++
		metrics.IndexListingsNew.WithLabelValues(string(result.Source)).Inc()
		if sc := counts[result.Source]; sc != nil {
			sc.fresh++
		}
	}

	// Phase C: light scoring, priority order, detail selection.
	now := o.now()
	for i := range fresh {
		lightScore(&fresh[i], now)
	}
	sort.SliceStable(fresh, func(i, j int) bool {
		return fresh[i].Priority > fresh[j].Priority
	})
	var toDetail []scraper.IndexResult
	for _, result := range fresh {
		if result.LightScore >= params.DetailThreshold {
			toDetail = append(toDetail, result)
		}
	}
	if len(toDetail) > params.MaxDetailPerRun {
		toDetail = toDetail[:params.MaxDetailPerRun]
	}
	stats.ScoreAboveThreshold = len(toDetail)
	metrics.DetailQueueDepth.Set(float64(len(toDetail)))
	span.SetAttributes(
		attribute.Int("index.scanned", stats.IndexScanned),
		attribute.Int("detail.selected", len(toDetail)),
	)

	if ctx.Err() != nil {
		return o.finishCancelled(ctx, stats, counts)
	}

	// Phase D: bounded-concurrency detail enrichment. One semaphore across
	// all sources; each adapter takes its own rate-limiter slot.
	semaphore := make(chan struct{}, o.detailConcurrency)
	var wg sync.WaitGroup
	var statsMu sync.Mutex

	for i := range toDetail {
		result := toDetail[i]
		select {
		case <-ctx.Done():
		case semaphore <- struct{}{}:
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-semaphore }()
				o.processDetail(ctx, result, params.NotifyThreshold, stats, &statsMu, counts)
			}()
		}
		if ctx.Err() != nil {
			break
		}
	}
	wg.Wait()

	// Phase E: accounting.
	status := "completed"
	if ctx.Err() != nil {
		status = "cancelled"
	}
	o.closeScans(context.WithoutCancel(ctx), counts, status)

	finished := o.now()
	stats.FinishedAt = &finished
	metrics.PipelineRunsTotal.WithLabelValues(status).Inc()
	metrics.PipelineDuration.Observe(stats.Duration().Seconds())

	o.logger.Info("pipeline_finished",
		slog.Int("index_scanned", stats.IndexScanned),
		slog.Int("index_new", stats.IndexNew),
		slog.Int("index_duplicates", stats.IndexDuplicates),
		slog.Int("detail_fetched", stats.DetailFetched),
		slog.Int("notified", stats.Notified),
		slog.Duration("duration", stats.Duration()),
		slog.String("status", status),
	)
	return stats
}

func (o *Orchestrator) finishCancelled(ctx context.Context, stats *Stats, counts map[domain.Source]*sourceCounts) *Stats {
	o.closeScans(context.WithoutCancel(ctx), counts, "cancelled")
	finished := o.now()
	stats.FinishedAt = &finished
	metrics.PipelineRunsTotal.WithLabelValues("cancelled").Inc()
	return stats
}

func (o *Orchestrator) closeScans(ctx context.Context, counts map[domain.Source]*sourceCounts, status string) {
	for _, sc := range counts {
		if sc.scanID == 0 {
			continue
		}
		_ = o.store.LogScanEnd(ctx, sc.scanID, status, sc.found, sc.fresh, sc.errors, "")
	}
}

// isDuplicate checks the site-native identity first, then the canonical URL,
// against the in-memory sets and the repository. New keys are inserted so
// the rest of the run sees them.
func (o *Orchestrator) isDuplicate(ctx context.Context, result *scraper.IndexResult) bool {
	if result.SourceListingID != "" {
		key := listingKey(result.Source, result.SourceListingID)
		o.mu.Lock()
		_, seen := o.seenListings[key]
		o.mu.Unlock()
		if seen {
			return true
		}
		existing, err := o.store.GetBySourceListing(ctx, result.Source, result.SourceListingID)
		o.mu.Lock()
		o.seenListings[key] = struct{}{}
		o.mu.Unlock()
		if err == nil && existing != nil {
			return true
		}
	}

	urlCanonical := domain.CanonicalizeURL(result.URL)
	o.mu.Lock()
	_, seen := o.seenURLs[urlCanonical]
	o.mu.Unlock()
	if seen {
		return true
	}
	exists := o.store.Exists(ctx, "", urlCanonical)
	o.mu.Lock()
	o.seenURLs[urlCanonical] = struct{}{}
	o.mu.Unlock()
	return exists
}

// processDetail runs phase D for one listing: enrich, score, decide, notify,
// persist.
func (o *Orchestrator) processDetail(ctx context.Context, result scraper.IndexResult, notifyThreshold int, stats *Stats, statsMu *sync.Mutex, counts map[domain.Source]*sourceCounts) {
	ctx, span := tracing.StartSpan(ctx, "pipeline.detail")
	defer span.End()
	span.SetAttributes(
		attribute.String("source", string(result.Source)),
		attribute.String("url", result.URL),
	)

	annonce := o.annonceFromIndex(result)
	annonce.ComputeFingerprints()

	existing, _ := o.store.GetBySourceListing(ctx, result.Source, result.SourceListingID)
	if existing == nil {
		if isNear, nearExisting := o.store.IsNearDuplicate(ctx, annonce); isNear {
			existing = nearExisting
		}
	}

	if adapter, ok := o.registry.Detail(result.Source); ok {
		fetchCtx, cancel := context.WithTimeout(ctx, o.callTimeout)
		detail, err := adapter.FetchDetail(fetchCtx, result.URL)
		cancel()
		switch {
		case err != nil:
			statsMu.Lock()
			stats.DetailErrors++
			if sc := counts[result.Source]; sc != nil {
				sc.errors++
			}
			statsMu.Unlock()
			metrics.DetailFetchesTotal.WithLabelValues(string(result.Source), "error").Inc()
			o.logger.Warn("detail_fetch_failed",
				slog.String("url", result.URL),
				slog.String("error", err.Error()),
			)
		case detail != nil:
			o.mergeDetail(annonce, detail)
			metrics.DetailFetchesTotal.WithLabelValues(string(result.Source), "ok").Inc()
		default:
			// Permanently gone; keep the index-level fields.
			metrics.DetailFetchesTotal.WithLabelValues(string(result.Source), "skipped").Inc()
		}
	}

	annonce.ComputeFingerprints()
	o.scorer.Score(annonce)
	metrics.ScoreDistribution.Observe(float64(annonce.ScoreTotal))
	metrics.AlertsTotal.WithLabelValues(string(annonce.AlertLevel)).Inc()

	notify, reason := ShouldNotify(annonce, existing, notifyThreshold)
	if notify && !o.dryRun && o.notifier != nil {
		notifyCtx, cancel := context.WithTimeout(ctx, o.callTimeout)
		var sent bool
		var channels []string
		if IsUpdateReason(reason) && existing != nil {
			sent, channels = o.notifier.SendUpdate(notifyCtx, annonce, existing.Price, existing.ScoreTotal)
		} else {
			sent, channels = o.notifier.Send(notifyCtx, annonce)
		}
		cancel()
		if sent {
			annonce.MarkNotified(channels)
		} else {
			statsMu.Lock()
			stats.NotifErrors++
			statsMu.Unlock()
		}
	}

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.callTimeout)
	o.store.Save(saveCtx, annonce)
	cancel()

	statsMu.Lock()
	stats.DetailFetched++
	switch annonce.AlertLevel {
	case domain.AlertUrgent:
		stats.UrgentCount++
	case domain.AlertInteressant:
		stats.InteressantCount++
	}
	if annonce.Notified {
		stats.Notified++
	}
	statsMu.Unlock()

	if o.OnScored != nil {
		o.OnScored(annonce)
	}
}

// annonceFromIndex builds the base annonce from index data, parsing the
// title when the adapter did not provide make/model.
func (o *Orchestrator) annonceFromIndex(result scraper.IndexResult) *domain.Annonce {
	a := domain.NewAnnonce(result.Source, result.URL)
	a.SourceListingID = result.SourceListingID
	a.Title = result.Title
	a.Price = result.Price
	a.Km = result.Km
	a.Year = result.Year
	a.City = result.City
	a.PublishedAt = result.PublishedAt

	a.Make = result.Make
	a.Model = result.Model
	a.Version = result.Version
	if a.Make == "" || a.Model == "" {
		parsedMake, parsedModel, parsedVersion := normalize.ParseTitle(result.Title)
		if a.Make == "" {
			a.Make = parsedMake
		}
		if a.Model == "" {
			a.Model = parsedModel
		}
		if a.Version == "" {
			a.Version = parsedVersion
		}
	}

	if result.Fuel != "" {
		a.Fuel = domain.ParseFuel(result.Fuel)
	}
	a.Department = result.Department
	if a.Department == "" {
		a.Department = normalize.ParseDepartment(result.City)
	}
	a.PostalCode = normalize.ParsePostalCode(result.City)
	if result.ThumbnailURL != "" {
		a.ImageURLs = []string{result.ThumbnailURL}
	}
	return a
}

// mergeDetail folds detail-page fields into the annonce. Detail data wins
// over index hints except where the index already had a value and the detail
// is empty; a version already known from the index is kept.
func (o *Orchestrator) mergeDetail(a *domain.Annonce, detail *scraper.DetailResult) {
	a.Description = detail.Description
	if len(detail.ImageURLs) > 0 {
		a.ImageURLs = detail.ImageURLs
	}
	if detail.SellerType != "" {
		a.SellerType = normalize.ParseSellerType(detail.SellerType)
	}
	a.SellerName = detail.SellerName
	a.SellerPhone = detail.SellerPhone
	if detail.Fuel != "" {
		a.Fuel = domain.ParseFuel(detail.Fuel)
	}
	if detail.Gearbox != "" {
		a.Gearbox = domain.ParseGearbox(detail.Gearbox)
	}
	if detail.PowerHP != nil {
		a.PowerHP = detail.PowerHP
	}
	if detail.Version != "" && a.Version == "" {
		a.Version = detail.Version
	}
	if detail.Motorisation != "" {
		a.Motorisation = detail.Motorisation
	} else if a.Motorisation == "" {
		a.Motorisation = normalize.ExtractMotorisation(a.Title + " " + a.Version)
	}
	if detail.CTInfo != "" {
		a.Description = a.Description + "\n" + detail.CTInfo
	}
}

func listingKey(source domain.Source, listingID string) string {
	return string(source) + ":" + listingID
}
