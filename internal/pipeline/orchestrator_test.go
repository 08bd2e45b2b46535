package pipeline

import (
	"context"
	"log/slog"
	"os"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yesmonga/voiture-radar/internal/domain"
	"github.com/yesmonga/voiture-radar/internal/keywords"
	"github.com/yesmonga/voiture-radar/internal/scoring"
	"github.com/yesmonga/voiture-radar/internal/scraper"
)

// fakeStore is an in-memory Store.
type fakeStore struct {
	mu       sync.Mutex
	rows     map[string]*domain.Annonce // keyed by fingerprint
	saves    int
	scanLogs int
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[string]*domain.Annonce)}
}

func (f *fakeStore) Save(ctx context.Context, a *domain.Annonce) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	if existing, ok := f.rows[a.Fingerprint]; ok {
		copied := *a
		copied.ID = existing.ID
		copied.CreatedAt = existing.CreatedAt
		f.rows[a.Fingerprint] = &copied
	} else {
		copied := *a
		f.rows[a.Fingerprint] = &copied
	}
	return true
}

func (f *fakeStore) GetBySourceListing(ctx context.Context, source domain.Source, listingID string) (*domain.Annonce, error) {
	if listingID == "" {
		return nil, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.rows {
		if a.Source == source && a.SourceListingID == listingID {
			copied := *a
			return &copied, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) Exists(ctx context.Context, fingerprint, url string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fingerprint != "" {
		if _, ok := f.rows[fingerprint]; ok {
			return true
		}
	}
	if url != "" {
		for _, a := range f.rows {
			if a.URL == url || a.URLCanonical == url {
				return true
			}
		}
	}
	return false
}

func (f *fakeStore) IsNearDuplicate(ctx context.Context, a *domain.Annonce) (bool, *domain.Annonce) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.FingerprintSoft == a.FingerprintSoft && row.ID != a.ID {
			copied := *row
			return true, &copied
		}
	}
	return false, nil
}

func (f *fakeStore) MarkNotified(ctx context.Context, id string, channels []string) bool { return true }

func (f *fakeStore) Recent(ctx context.Context, window time.Duration, limit int) ([]*domain.Annonce, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Annonce
	for _, a := range f.rows {
		copied := *a
		out = append(out, &copied)
	}
	return out, nil
}

func (f *fakeStore) LogScanStart(ctx context.Context, source domain.Source) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scanLogs++
	return int64(f.scanLogs), nil
}

func (f *fakeStore) LogScanEnd(ctx context.Context, scanID int64, status string, found, newCount, errorsCount int, errorMessage string) error {
	return nil
}

// fakeIndexScraper returns a fixed result set.
type fakeIndexScraper struct {
	results []scraper.IndexResult
	calls   int
}

func (f *fakeIndexScraper) ScanIndex(ctx context.Context, maxPages int) ([]scraper.IndexResult, error) {
	f.calls++
	out := make([]scraper.IndexResult, len(f.results))
	copy(out, f.results)
	return out, nil
}

// fakeDetailScraper returns a fixed detail payload.
type fakeDetailScraper struct {
	detail *scraper.DetailResult
	calls  int
	mu     sync.Mutex
}

func (f *fakeDetailScraper) FetchDetail(ctx context.Context, url string) (*scraper.DetailResult, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.detail, nil
}

// fakeNotifier records sends.
type fakeNotifier struct {
	mu      sync.Mutex
	sent    []*domain.Annonce
	updates []*domain.Annonce
	ok      bool
}

func (f *fakeNotifier) Send(ctx context.Context, a *domain.Annonce) (bool, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, a)
	if f.ok {
		return true, []string{"discord"}
	}
	return false, nil
}

func (f *fakeNotifier) SendUpdate(ctx context.Context, a *domain.Annonce, oldPrice *int, oldScore int) (bool, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, a)
	if f.ok {
		return true, []string{"discord"}
	}
	return false, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testScorer(t *testing.T) *scoring.Scorer {
	t.Helper()
	matcher, err := keywords.NewMatcher(nil)
	require.NoError(t, err)
	vehicles := []scoring.TargetVehicle{{
		ID:            "peugeot_207_hdi",
		Make:          "Peugeot",
		ModelPatterns: []*regexp.Regexp{regexp.MustCompile(`(?i)\b207\b`)},
		Fuel:          domain.FuelDiesel,
		PriceMin:      1500, PriceMax: 3500,
		KmMin: 60000, KmMax: 200000,
		KmIdealMin: 90000, KmIdealMax: 150000,
		ResaleMin: 3200, ResaleMax: 4200,
		MarketPriceMedian: 2800,
	}}
	return scoring.New(vehicles, scoring.DefaultWeights(), scoring.Departments{}, matcher)
}

func mockListing(id, urlSuffix string) scraper.IndexResult {
	price := 2000
	km := 120000
	published := time.Now().UTC().Add(-30 * time.Minute)
	return scraper.IndexResult{
		Source:          domain.SourceAutoScout24,
		SourceListingID: id,
		URL:             "https://www.autoscout24.fr/annonce/" + id + urlSuffix,
		Title:           "Peugeot 207 1.4 HDi 70ch",
		Make:            "Peugeot",
		Model:           "207",
		Price:           &price,
		Km:              &km,
		City:            "Lyon 69003",
		PublishedAt:     &published,
	}
}

func newTestOrchestrator(t *testing.T, store Store, notifier Notifier) (*Orchestrator, *scraper.Registry) {
	t.Helper()
	registry := scraper.NewRegistry()
	o := New(store, testScorer(t), registry, notifier, testLogger(),
		WithDetailConcurrency(2),
		WithCallTimeout(5*time.Second),
	)
	return o, registry
}

func TestRunScoresNotifiesAndPersists(t *testing.T) {
	store := newFakeStore()
	notif := &fakeNotifier{ok: true}
	o, registry := newTestOrchestrator(t, store, notif)

	detail := &scraper.DetailResult{
		Description: "Première main, CT OK",
		ImageURLs:   []string{"https://img/1.jpg", "https://img/2.jpg", "https://img/3.jpg", "https://img/4.jpg", "https://img/5.jpg"},
		SellerType:  "particulier",
	}
	index := &fakeIndexScraper{results: []scraper.IndexResult{mockListing("MOCK001", "")}}
	registry.Register(domain.SourceAutoScout24, index, &fakeDetailScraper{detail: detail})

	stats := o.Run(context.Background(), RunParams{
		DetailThreshold: 10,
		NotifyThreshold: 40,
		MaxDetailPerRun: 5,
		MaxPages:        1,
	})

	assert.Equal(t, 1, stats.IndexScanned)
	assert.Equal(t, 1, stats.IndexNew)
	assert.Equal(t, 0, stats.IndexDuplicates)
	assert.Equal(t, 1, stats.DetailFetched)
	assert.Equal(t, 1, stats.Notified)
	require.NotNil(t, stats.FinishedAt)

	require.Len(t, notif.sent, 1)
	saved := notif.sent[0]
	assert.Equal(t, "peugeot_207_hdi", saved.TargetVehicleID)
	assert.True(t, saved.Notified)
	assert.Equal(t, []string{"discord"}, saved.NotifyChannels)

	require.Len(t, store.rows, 1)
	for _, row := range store.rows {
		assert.Equal(t, "MOCK001", row.SourceListingID)
		assert.NotEmpty(t, row.Fingerprint)
		assert.Greater(t, row.ScoreTotal, 0)
	}
}

func TestRunDeduplicatesSameListingAcrossRuns(t *testing.T) {
	store := newFakeStore()
	notif := &fakeNotifier{ok: true}
	o, registry := newTestOrchestrator(t, store, notif)

	index := &fakeIndexScraper{results: []scraper.IndexResult{mockListing("MOCK001", "")}}
	registry.Register(domain.SourceAutoScout24, index, &fakeDetailScraper{})

	params := RunParams{DetailThreshold: 10, NotifyThreshold: 40, MaxDetailPerRun: 5, MaxPages: 1}
	first := o.Run(context.Background(), params)
	require.Equal(t, 1, first.IndexNew)

	// Second run re-serves the same listing with a tracking query param.
	index.results = []scraper.IndexResult{mockListing("MOCK001", "?utm_source=x")}
	second := o.Run(context.Background(), params)

	assert.Equal(t, 0, second.IndexNew)
	assert.Equal(t, 1, second.IndexDuplicates)
	assert.Len(t, store.rows, 1, "row count stays at 1")
	assert.Len(t, notif.sent, 1, "no second notification")
}

func TestRunRespectsDetailThresholdAndCap(t *testing.T) {
	store := newFakeStore()
	notif := &fakeNotifier{ok: true}
	o, registry := newTestOrchestrator(t, store, notif)

	listings := []scraper.IndexResult{
		mockListing("A1", ""),
		mockListing("A2", ""),
		mockListing("A3", ""),
	}
	detail := &fakeDetailScraper{}
	registry.Register(domain.SourceAutoScout24, &fakeIndexScraper{results: listings}, detail)

	stats := o.Run(context.Background(), RunParams{
		DetailThreshold: 10,
		NotifyThreshold: 40,
		MaxDetailPerRun: 2,
		MaxPages:        1,
	})

	assert.Equal(t, 3, stats.IndexNew)
	assert.Equal(t, 2, stats.ScoreAboveThreshold, "capped at max_detail_per_run")
	assert.Equal(t, 2, detail.calls)
}

func TestRunSkipsLowLightScores(t *testing.T) {
	store := newFakeStore()
	o, registry := newTestOrchestrator(t, store, &fakeNotifier{ok: true})

	wreck := mockListing("W1", "")
	wreck.Title = "207 épave pour pieces"
	expensivePrice := 4500
	wreck.Price = &expensivePrice
	wreck.PublishedAt = nil

	detail := &fakeDetailScraper{}
	registry.Register(domain.SourceAutoScout24, &fakeIndexScraper{results: []scraper.IndexResult{wreck}}, detail)

	stats := o.Run(context.Background(), RunParams{
		DetailThreshold: 40,
		NotifyThreshold: 60,
		MaxDetailPerRun: 5,
		MaxPages:        1,
	})

	assert.Equal(t, 1, stats.IndexNew)
	assert.Equal(t, 0, stats.ScoreAboveThreshold)
	assert.Equal(t, 0, detail.calls)
	assert.Equal(t, 0, store.saves, "unselected listings are not persisted")
}

func TestRunPriceDropSendsUpdate(t *testing.T) {
	store := newFakeStore()
	notif := &fakeNotifier{ok: true}
	o, registry := newTestOrchestrator(t, store, notif)

	index := &fakeIndexScraper{results: []scraper.IndexResult{mockListing("MOCK001", "")}}
	registry.Register(domain.SourceAutoScout24, index, &fakeDetailScraper{})

	params := RunParams{DetailThreshold: 10, NotifyThreshold: 40, MaxDetailPerRun: 5, MaxPages: 1}
	o.Run(context.Background(), params)
	require.Len(t, notif.sent, 1)

	// The same car reappears under a fresh listing id, cheaper. Strict
	// dedup misses, the soft fingerprint finds the notified original, and
	// the decider fires a price-drop update.
	dropped := mockListing("MOCK002", "")
	droppedPrice := 1700
	dropped.Price = &droppedPrice
	index.results = []scraper.IndexResult{dropped}

	o.Run(context.Background(), params)

	require.Len(t, notif.updates, 1)
	assert.Len(t, notif.sent, 1, "no duplicate new-listing notification")
}

func TestRunCancelledContext(t *testing.T) {
	store := newFakeStore()
	o, registry := newTestOrchestrator(t, store, &fakeNotifier{ok: true})
	registry.Register(domain.SourceAutoScout24,
		&fakeIndexScraper{results: []scraper.IndexResult{mockListing("MOCK001", "")}},
		&fakeDetailScraper{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stats := o.Run(ctx, RunParams{DetailThreshold: 10, NotifyThreshold: 40, MaxDetailPerRun: 5})
	require.NotNil(t, stats.FinishedAt)
	assert.Equal(t, 0, stats.DetailFetched)
}

func TestPreloadCacheSeedsDedup(t *testing.T) {
	store := newFakeStore()
	notif := &fakeNotifier{ok: true}

	// Seed the store with an already-known listing.
	seeded := domain.NewAnnonce(domain.SourceAutoScout24, "https://www.autoscout24.fr/annonce/MOCK001")
	seeded.SourceListingID = "MOCK001"
	seeded.ComputeFingerprints()
	store.Save(context.Background(), seeded)
	store.saves = 0

	o, registry := newTestOrchestrator(t, store, notif)
	o.PreloadCache(context.Background(), 24*time.Hour)

	registry.Register(domain.SourceAutoScout24,
		&fakeIndexScraper{results: []scraper.IndexResult{mockListing("MOCK001", "")}},
		&fakeDetailScraper{})

	stats := o.Run(context.Background(), RunParams{DetailThreshold: 10, NotifyThreshold: 40, MaxDetailPerRun: 5})
	assert.Equal(t, 1, stats.IndexDuplicates)
	assert.Empty(t, notif.sent, "preloaded listings do not re-notify after restart")
}
