// Package runner schedules pipeline cycles: jittered intervals, zero-yield
// backoff, operator alerts and graceful shutdown.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/yesmonga/voiture-radar/internal/config"
	"github.com/yesmonga/voiture-radar/internal/domain"
	"github.com/yesmonga/voiture-radar/internal/metrics"
	"github.com/yesmonga/voiture-radar/internal/pipeline"
	"github.com/yesmonga/voiture-radar/internal/ratelimit"
	"github.com/yesmonga/voiture-radar/internal/scraper"
)

// Factory builds the adapters for one (search, source) pair. The core never
// parses site HTML; adapters are plugged in from the outside.
type Factory func(search config.Search, source domain.Source) (scraper.IndexScraper, scraper.DetailScraper, error)

// AlertSink receives out-of-band operator alerts.
type AlertSink interface {
	SendAlert(ctx context.Context, message string) bool
}

// Stats is the runner's cumulative view, surfaced on the debug endpoint.
type Stats struct {
	TotalCycles        int        `json:"total_cycles"`
	TotalListings      int        `json:"total_listings"`
	TotalNotifications int        `json:"total_notifications"`
	ZeroYieldStreak    int        `json:"zero_yield_streak"`
	ErrorCount         int        `json:"error_count"`
	ConsecutiveErrors  int        `json:"consecutive_errors"`
	LastError          string     `json:"last_error,omitempty"`
	LastCycleAt        *time.Time `json:"last_cycle_at,omitempty"`
}

// Consecutive failed searches before the operator gets an alert.
const errorAlertThreshold = 3

// Runner drives the pipeline on a schedule.
type Runner struct {
	searches     *config.SearchesConfig
	orchestrator *pipeline.Orchestrator
	registry     *scraper.Registry
	limiter      *ratelimit.Limiter
	factory      Factory
	alerts       AlertSink
	logger       *slog.Logger

	mu    sync.Mutex
	stats Stats

	// injectable for tests
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a Runner. The registry must be the same one the orchestrator
// reads from; the runner re-registers adapters before each search.
func New(
	searches *config.SearchesConfig,
	orchestrator *pipeline.Orchestrator,
	registry *scraper.Registry,
	limiter *ratelimit.Limiter,
	factory Factory,
	alerts AlertSink,
	logger *slog.Logger,
) *Runner {
	return &Runner{
		searches:     searches,
		orchestrator: orchestrator,
		registry:     registry,
		limiter:      limiter,
		factory:      factory,
		alerts:       alerts,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
		sleep: func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		},
	}
}

// Stats returns a snapshot of the cumulative counters.
func (r *Runner) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// RunOnce executes a single cycle (all enabled searches) and returns the
// pipeline stats of each search.
func (r *Runner) RunOnce(ctx context.Context) []*pipeline.Stats {
	return r.runCycle(ctx)
}

// Run loops until the context is cancelled: cycle, then sleep the jittered
// interval, doubling it while cycles keep yielding nothing. The current
// pipeline finishes before the loop exits.
func (r *Runner) Run(ctx context.Context) {
	cfg := r.searches.Runner
	baseInterval := time.Duration(cfg.ScanIntervalSec) * time.Second
	jitter := time.Duration(cfg.JitterSec) * time.Second
	backoffMax := time.Duration(cfg.BackoffMaxSec) * time.Second

	r.logger.Info("runner_started",
		slog.Duration("interval", baseInterval),
		slog.Duration("jitter", jitter),
		slog.Int("searches", len(r.searches.EnabledSearches())),
	)
	if r.alerts != nil {
		r.alerts.SendAlert(ctx, "scanner started")
	}

	interval := baseInterval
	for {
		r.runCycle(ctx)
		if ctx.Err() != nil {
			break
		}

		r.mu.Lock()
		streak := r.stats.ZeroYieldStreak
		r.mu.Unlock()

		if streak >= 3 {
			interval = interval * time.Duration(cfg.BackoffMultiplier)
			if interval > backoffMax {
				interval = backoffMax
			}
			r.logger.Info("runner_backoff",
				slog.Int("zero_yield_streak", streak),
				slog.Duration("interval", interval),
			)
		} else if streak == 0 {
			interval = baseInterval
		}

		wait := interval + jitterDuration(jitter)
		if err := r.sleep(ctx, wait); err != nil {
			break
		}
	}

	r.logger.Info("runner_stopped")
	if r.alerts != nil {
		r.alerts.SendAlert(context.WithoutCancel(ctx), "scanner stopped")
	}
}

// runCycle runs every enabled search once, pausing between them.
func (r *Runner) runCycle(ctx context.Context) []*pipeline.Stats {
	cfg := r.searches.Runner
	searches := r.searches.EnabledSearches()
	var all []*pipeline.Stats

	cycleListings := 0
	cycleNotified := 0

	for i, search := range searches {
		if ctx.Err() != nil {
			break
		}
		stats, err := r.runSearch(ctx, search)
		if err != nil {
			r.recordError(err)
			sentry.CaptureException(err)
			r.logger.Error("search_failed",
				slog.String("search", search.Name),
				slog.String("error", err.Error()),
			)
			r.mu.Lock()
			consecutive := r.stats.ConsecutiveErrors
			r.mu.Unlock()
			if consecutive == errorAlertThreshold && r.alerts != nil {
				r.alerts.SendAlert(ctx, fmt.Sprintf(
					"%d consecutive search failures, last: %v", consecutive, err))
			}
			continue
		}
		r.mu.Lock()
		r.stats.ConsecutiveErrors = 0
		r.mu.Unlock()
		all = append(all, stats)
		cycleListings += stats.IndexScanned
		cycleNotified += stats.Notified

		if i < len(searches)-1 {
			if err := r.sleep(ctx, time.Duration(cfg.DelayBetweenSearchesSec)*time.Second); err != nil {
				break
			}
		}
	}

	r.mu.Lock()
	r.stats.TotalCycles++
	r.stats.TotalListings += cycleListings
	r.stats.TotalNotifications += cycleNotified
	now := r.now()
	r.stats.LastCycleAt = &now
	if cycleListings == 0 {
		r.stats.ZeroYieldStreak++
	} else {
		r.stats.ZeroYieldStreak = 0
	}
	streak := r.stats.ZeroYieldStreak
	r.mu.Unlock()

	metrics.RunnerCyclesTotal.Inc()
	metrics.RunnerZeroYieldStreak.Set(float64(streak))

	if cfg.AlertOnZeroListings && streak == cfg.ZeroListingsThreshold && r.alerts != nil {
		r.alerts.SendAlert(ctx, fmt.Sprintf(
			"zero listings for %d consecutive cycles, sources may be blocking", streak))
	}
	return all
}

// runSearch registers adapters for the search's sources and invokes the
// pipeline once. Sources with an open breaker are skipped for this cycle.
func (r *Runner) runSearch(ctx context.Context, search config.Search) (*pipeline.Stats, error) {
	var active []domain.Source
	for _, name := range search.Sources {
		source, ok := domain.ParseSource(name)
		if !ok {
			r.logger.Warn("unknown_source", slog.String("source", name), slog.String("search", search.Name))
			continue
		}
		if r.limiter.IsBlocked(source) {
			r.logger.Info("source_skipped_breaker_open", slog.String("source", string(source)))
			continue
		}
		index, detail, err := r.factory(search, source)
		if err != nil {
			r.logger.Warn("adapter_unavailable",
				slog.String("source", string(source)),
				slog.String("search", search.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		r.registry.Register(source, index, detail)
		active = append(active, source)
	}
	if len(active) == 0 {
		return &pipeline.Stats{StartedAt: r.now()}, nil
	}

	detailThreshold := search.DetailThreshold
	if detailThreshold == 0 {
		detailThreshold = 30
	}
	notifyThreshold := search.NotifyThreshold
	if notifyThreshold == 0 {
		notifyThreshold = 60
	}
	maxPages := search.MaxPages
	if maxPages == 0 {
		maxPages = 2
	}

	r.logger.Info("search_started",
		slog.String("search", search.Name),
		slog.Int("sources", len(active)),
	)
	stats := r.orchestrator.Run(ctx, pipeline.RunParams{
		Sources:         active,
		DetailThreshold: detailThreshold,
		NotifyThreshold: notifyThreshold,
		MaxDetailPerRun: r.searches.Runner.MaxDetailPerRun,
		MaxPages:        maxPages,
	})
	return stats, nil
}

func (r *Runner) recordError(err error) {
	r.mu.Lock()
	r.stats.ErrorCount++
	r.stats.ConsecutiveErrors++
	r.stats.LastError = err.Error()
	r.mu.Unlock()
}

func jitterDuration(jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(2*jitter))) - jitter
}
