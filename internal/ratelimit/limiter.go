// Package ratelimit paces outbound requests per source and trips a circuit
// breaker when a source starts failing or blocking us.
package ratelimit

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/yesmonga/voiture-radar/internal/domain"
	"github.com/yesmonga/voiture-radar/internal/metrics"
)

// State is the circuit breaker state for one source.
type State string

const (
	StateClosed   State = "closed"    // normal operation
	StateOpen     State = "open"      // paused until blockedUntil
	StateHalfOpen State = "half_open" // probing after the cooldown
)

// Max cooldown regardless of consecutive blocks.
const maxCooldown = 600 * time.Second

// Config is the per-source pacing and breaker configuration.
type Config struct {
	MinDelay                 time.Duration
	Jitter                   time.Duration
	FailureThreshold         int
	Cooldown                 time.Duration
	HalfOpenSuccessThreshold int
}

// DefaultConfig returns the pacing defaults for a source. Anti-bot heavy
// sites get slower pacing and a lower failure threshold.
func DefaultConfig(source domain.Source) Config {
	cfg := Config{
		MinDelay:                 1500 * time.Millisecond,
		Jitter:                   500 * time.Millisecond,
		FailureThreshold:         3,
		Cooldown:                 120 * time.Second,
		HalfOpenSuccessThreshold: 2,
	}
	switch source {
	case domain.SourceLaCentrale:
		cfg.MinDelay = 2 * time.Second
		cfg.Jitter = 800 * time.Millisecond
	case domain.SourceLeboncoin:
		cfg.MinDelay = 3 * time.Second
		cfg.Jitter = time.Second
		cfg.FailureThreshold = 2
	}
	return cfg
}

// sourceState carries breaker and pacing state for one source. One lock per
// source: acquires are serialised per source, parallel across sources.
type sourceState struct {
	mu sync.Mutex

	cfg               Config
	state             State
	failureCount      int
	successCount      int
	consecutiveBlocks int
	blockedUntil      time.Time
	lastRequest       time.Time
	lastFailure       time.Time
	lastSuccess       time.Time
}

// Status is a read-only snapshot for the debug endpoint.
type Status struct {
	State             State      `json:"state"`
	Failures          int        `json:"failures"`
	ConsecutiveBlocks int        `json:"consecutive_blocks"`
	BlockedUntil      *time.Time `json:"blocked_until,omitempty"`
}

// Limiter is the per-source rate limiter registry.
type Limiter struct {
	mu      sync.Mutex
	sources map[domain.Source]*sourceState
	configs map[domain.Source]Config
	logger  *slog.Logger

	// injectable for tests
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures the limiter.
type Option func(*Limiter)

// WithConfig overrides the configuration for one source.
func WithConfig(source domain.Source, cfg Config) Option {
	return func(l *Limiter) {
		l.configs[source] = cfg
	}
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(l *Limiter) {
		l.now = now
		l.sleep = sleep
	}
}

// New creates a limiter with per-source defaults.
func New(logger *slog.Logger, opts ...Option) *Limiter {
	l := &Limiter{
		sources: make(map[domain.Source]*sourceState),
		configs: make(map[domain.Source]Config),
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		sleep:   sleepContext,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (l *Limiter) get(source domain.Source) *sourceState {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.sources[source]
	if !ok {
		cfg, has := l.configs[source]
		if !has {
			cfg = DefaultConfig(source)
		}
		st = &sourceState{cfg: cfg, state: StateClosed}
		l.sources[source] = st
	}
	return st
}

// WaitForSlot blocks until the source's next request slot. Returns false
// without waiting when the breaker is open or the context is cancelled.
func (l *Limiter) WaitForSlot(ctx context.Context, source domain.Source) bool {
	if ctx.Err() != nil {
		return false
	}
	st := l.get(source)
	st.mu.Lock()

	if !st.canExecute(l.now()) {
		st.mu.Unlock()
		metrics.RateLimiterRejected.WithLabelValues(string(source)).Inc()
		return false
	}
	if st.state == StateHalfOpen {
		l.logger.Debug("circuit_probe", slog.String("source", string(source)))
	}

	// Minimum inter-request delay with symmetric jitter.
	required := st.cfg.MinDelay + jitterDuration(st.cfg.Jitter)
	elapsed := l.now().Sub(st.lastRequest)
	wait := required - elapsed
	st.mu.Unlock()

	if wait > 0 {
		if err := l.sleep(ctx, wait); err != nil {
			return false
		}
	}

	st.mu.Lock()
	st.lastRequest = l.now()
	st.mu.Unlock()
	return true
}

// jitterDuration returns a uniform value in [-jitter, +jitter].
func jitterDuration(jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(2*jitter))) - jitter
}

// canExecute implements the OPEN -> HALF_OPEN transition, polled on acquire.
// Caller holds st.mu.
func (st *sourceState) canExecute(now time.Time) bool {
	switch st.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if !st.blockedUntil.IsZero() && !now.Before(st.blockedUntil) {
			st.state = StateHalfOpen
			st.successCount = 0
			return true
		}
		return false
	}
	return false
}

// RecordSuccess clears the failure streak; in HALF_OPEN enough successes
// close the circuit and reset the block counter.
func (l *Limiter) RecordSuccess(source domain.Source) {
	st := l.get(source)
	st.mu.Lock()
	defer st.mu.Unlock()

	st.successCount++
	st.lastSuccess = l.now()

	switch st.state {
	case StateHalfOpen:
		if st.successCount >= st.cfg.HalfOpenSuccessThreshold {
			st.state = StateClosed
			st.failureCount = 0
			st.consecutiveBlocks = 0
			l.logger.Info("circuit_closed", slog.String("source", string(source)))
			metrics.CircuitState.WithLabelValues(string(source)).Set(0)
		}
	case StateClosed:
		st.failureCount = 0
	}
}

// RecordFailure counts a failure; at the threshold the circuit opens.
// A failure while probing re-opens immediately.
func (l *Limiter) RecordFailure(source domain.Source) {
	l.recordFailure(source, false)
}

// RecordBlock is a failure that was an explicit block (403/429/anti-bot).
// Blocks drive the exponential backoff.
func (l *Limiter) RecordBlock(source domain.Source) {
	metrics.SourceBlocksTotal.WithLabelValues(string(source)).Inc()
	l.recordFailure(source, true)
}

func (l *Limiter) recordFailure(source domain.Source, isBlock bool) {
	st := l.get(source)
	st.mu.Lock()
	defer st.mu.Unlock()

	st.failureCount++
	st.lastFailure = l.now()
	if isBlock {
		st.consecutiveBlocks++
	}

	switch st.state {
	case StateHalfOpen:
		// A failed probe escalates the backoff even when it was not an
		// explicit block; blocks were already counted above.
		if !isBlock {
			st.consecutiveBlocks++
		}
		l.openCircuit(source, st)
	case StateClosed:
		if st.failureCount >= st.cfg.FailureThreshold {
			l.openCircuit(source, st)
		}
	}
}

// openCircuit pauses the source with exponential backoff on consecutive
// blocks, capped at maxCooldown. Caller holds st.mu.
func (l *Limiter) openCircuit(source domain.Source, st *sourceState) {
	st.state = StateOpen
	st.successCount = 0

	shift := st.consecutiveBlocks
	if shift > 4 {
		shift = 4
	}
	backoff := st.cfg.Cooldown * time.Duration(1<<shift)
	if backoff > maxCooldown {
		backoff = maxCooldown
	}
	st.blockedUntil = l.now().Add(backoff)

	l.logger.Warn("circuit_open",
		slog.String("source", string(source)),
		slog.Duration("cooldown", backoff),
		slog.Int("consecutive_blocks", st.consecutiveBlocks),
	)
	metrics.CircuitState.WithLabelValues(string(source)).Set(1)
}

// IsBlocked reports whether the source is currently unavailable.
func (l *Limiter) IsBlocked(source domain.Source) bool {
	st := l.get(source)
	st.mu.Lock()
	defer st.mu.Unlock()
	return !st.canExecute(l.now())
}

// StatusAll snapshots every tracked source for the debug endpoint.
func (l *Limiter) StatusAll() map[string]Status {
	l.mu.Lock()
	tracked := make(map[domain.Source]*sourceState, len(l.sources))
	for source, st := range l.sources {
		tracked[source] = st
	}
	l.mu.Unlock()

	out := make(map[string]Status, len(tracked))
	for source, st := range tracked {
		st.mu.Lock()
		status := Status{
			State:             st.state,
			Failures:          st.failureCount,
			ConsecutiveBlocks: st.consecutiveBlocks,
		}
		if !st.blockedUntil.IsZero() && st.state == StateOpen {
			until := st.blockedUntil
			status.BlockedUntil = &until
		}
		st.mu.Unlock()
		out[string(source)] = status
	}
	return out
}
