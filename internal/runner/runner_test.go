package runner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yesmonga/voiture-radar/internal/config"
	"github.com/yesmonga/voiture-radar/internal/domain"
	"github.com/yesmonga/voiture-radar/internal/keywords"
	"github.com/yesmonga/voiture-radar/internal/pipeline"
	"github.com/yesmonga/voiture-radar/internal/ratelimit"
	"github.com/yesmonga/voiture-radar/internal/scoring"
	"github.com/yesmonga/voiture-radar/internal/scraper"
)

// memoryStore is the minimal pipeline.Store for runner tests.
type memoryStore struct {
	mu   sync.Mutex
	rows map[string]*domain.Annonce
}

func newMemoryStore() *memoryStore { return &memoryStore{rows: make(map[string]*domain.Annonce)} }

func (m *memoryStore) Save(ctx context.Context, a *domain.Annonce) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[a.Fingerprint] = a
	return true
}

func (m *memoryStore) GetBySourceListing(ctx context.Context, source domain.Source, listingID string) (*domain.Annonce, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.rows {
		if a.Source == source && a.SourceListingID == listingID {
			return a, nil
		}
	}
	return nil, nil
}

func (m *memoryStore) Exists(ctx context.Context, fingerprint, url string) bool { return false }

func (m *memoryStore) IsNearDuplicate(ctx context.Context, a *domain.Annonce) (bool, *domain.Annonce) {
	return false, nil
}

func (m *memoryStore) MarkNotified(ctx context.Context, id string, channels []string) bool {
	return true
}

func (m *memoryStore) Recent(ctx context.Context, window time.Duration, limit int) ([]*domain.Annonce, error) {
	return nil, nil
}

func (m *memoryStore) LogScanStart(ctx context.Context, source domain.Source) (int64, error) {
	return 1, nil
}

func (m *memoryStore) LogScanEnd(ctx context.Context, scanID int64, status string, found, newCount, errorsCount int, errorMessage string) error {
	return nil
}

type nullNotifier struct{}

func (nullNotifier) Send(ctx context.Context, a *domain.Annonce) (bool, []string) {
	return true, []string{"discord"}
}

func (nullNotifier) SendUpdate(ctx context.Context, a *domain.Annonce, oldPrice *int, oldScore int) (bool, []string) {
	return true, []string{"discord"}
}

type recordingAlerts struct {
	mu       sync.Mutex
	messages []string
}

func (r *recordingAlerts) SendAlert(ctx context.Context, message string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, message)
	return true
}

type staticIndex struct {
	results []scraper.IndexResult
}

func (s *staticIndex) ScanIndex(ctx context.Context, maxPages int) ([]scraper.IndexResult, error) {
	out := make([]scraper.IndexResult, len(s.results))
	copy(out, s.results)
	return out, nil
}

func testSearchesConfig(names ...string) *config.SearchesConfig {
	cfg := &config.SearchesConfig{
		Runner: config.RunnerSettings{},
	}
	for _, name := range names {
		cfg.Searches = append(cfg.Searches, config.Search{
			Name:    name,
			Sources: []string{"autoscout24"},
			Make:    "Peugeot",
			Model:   "207",
		})
	}
	return cfg
}

func newTestRunner(t *testing.T, searches *config.SearchesConfig, factory Factory, alerts AlertSink) (*Runner, *memoryStore) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	matcher, err := keywords.NewMatcher(nil)
	require.NoError(t, err)
	scorer := scoring.New([]scoring.TargetVehicle{{
		ID:            "p207",
		Make:          "Peugeot",
		ModelPatterns: []*regexp.Regexp{regexp.MustCompile(`(?i)\b207\b`)},
		PriceMin:      1500, PriceMax: 3500,
		KmMin: 60000, KmMax: 200000,
		ResaleMin: 3200, ResaleMax: 4200,
	}}, scoring.DefaultWeights(), scoring.Departments{}, matcher)

	store := newMemoryStore()
	registry := scraper.NewRegistry()
	orch := pipeline.New(store, scorer, registry, nullNotifier{}, logger)
	limiter := ratelimit.New(logger)

	searches.Runner = config.RunnerSettings{DelayBetweenSearchesSec: 0, MaxDetailPerRun: 5,
		AlertOnZeroListings: true, ZeroListingsThreshold: 2}

	run := New(searches, orch, registry, limiter, factory, alerts, logger)
	run.sleep = func(ctx context.Context, d time.Duration) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
			return nil
		}
	}
	return run, store
}

func TestRunOnceRecordsStats(t *testing.T) {
	price := 2000
	km := 120000
	listing := scraper.IndexResult{
		Source:          domain.SourceAutoScout24,
		SourceListingID: "R1",
		URL:             "https://www.autoscout24.fr/annonce/R1",
		Title:           "Peugeot 207 1.4 HDi",
		Make:            "Peugeot",
		Model:           "207",
		Price:           &price,
		Km:              &km,
	}
	factory := func(search config.Search, source domain.Source) (scraper.IndexScraper, scraper.DetailScraper, error) {
		return &staticIndex{results: []scraper.IndexResult{listing}}, nil, nil
	}

	run, store := newTestRunner(t, testSearchesConfig("one"), factory, &recordingAlerts{})
	stats := run.RunOnce(context.Background())

	require.Len(t, stats, 1)
	assert.Equal(t, 1, stats[0].IndexScanned)
	assert.Len(t, store.rows, 1)

	snapshot := run.Stats()
	assert.Equal(t, 1, snapshot.TotalCycles)
	assert.Equal(t, 1, snapshot.TotalListings)
	assert.Equal(t, 0, snapshot.ZeroYieldStreak)
}

func TestZeroYieldStreakAndAlert(t *testing.T) {
	factory := func(search config.Search, source domain.Source) (scraper.IndexScraper, scraper.DetailScraper, error) {
		return &staticIndex{}, nil, nil
	}
	alerts := &recordingAlerts{}
	run, _ := newTestRunner(t, testSearchesConfig("one"), factory, alerts)

	run.RunOnce(context.Background())
	assert.Equal(t, 1, run.Stats().ZeroYieldStreak)
	assert.Empty(t, alerts.messages)

	run.RunOnce(context.Background())
	assert.Equal(t, 2, run.Stats().ZeroYieldStreak)
	require.Len(t, alerts.messages, 1, "alert fires when the streak hits the threshold")
	assert.Contains(t, alerts.messages[0], "zero listings")

	// The streak keeps growing but the alert does not repeat.
	run.RunOnce(context.Background())
	assert.Equal(t, 3, run.Stats().ZeroYieldStreak)
	assert.Len(t, alerts.messages, 1)
}

func TestFactoryErrorSkipsSource(t *testing.T) {
	factory := func(search config.Search, source domain.Source) (scraper.IndexScraper, scraper.DetailScraper, error) {
		return nil, nil, fmt.Errorf("no adapter for source %s", source)
	}
	run, _ := newTestRunner(t, testSearchesConfig("one"), factory, &recordingAlerts{})

	stats := run.RunOnce(context.Background())
	require.Len(t, stats, 1, "the search still completes with zero sources")
	assert.Equal(t, 0, stats[0].IndexScanned)
	assert.Equal(t, 0, run.Stats().ErrorCount)
}

func TestUnknownSourceIgnored(t *testing.T) {
	cfg := testSearchesConfig("one")
	cfg.Searches[0].Sources = []string{"craigslist"}

	called := false
	factory := func(search config.Search, source domain.Source) (scraper.IndexScraper, scraper.DetailScraper, error) {
		called = true
		return &staticIndex{}, nil, nil
	}
	run, _ := newTestRunner(t, cfg, factory, &recordingAlerts{})
	run.RunOnce(context.Background())
	assert.False(t, called)
}

func TestRunStopsOnCancel(t *testing.T) {
	factory := func(search config.Search, source domain.Source) (scraper.IndexScraper, scraper.DetailScraper, error) {
		return &staticIndex{}, nil, nil
	}
	alerts := &recordingAlerts{}
	run, _ := newTestRunner(t, testSearchesConfig("one"), factory, alerts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		run.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop on cancellation")
	}

	alerts.mu.Lock()
	defer alerts.mu.Unlock()
	assert.Contains(t, alerts.messages, "scanner started")
	assert.Contains(t, alerts.messages, "scanner stopped")
}
