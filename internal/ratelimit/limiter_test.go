package ratelimit

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yesmonga/voiture-radar/internal/domain"
)

// testClock is a manual clock with recorded sleeps.
type testClock struct {
	now    time.Time
	sleeps []time.Duration
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Sleep(ctx context.Context, d time.Duration) error {
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return ctx.Err()
}

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestLimiter(clock *testClock, cfg Config) *Limiter {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(logger,
		WithConfig(domain.SourceAutoScout24, cfg),
		WithClock(clock.Now, clock.Sleep),
	)
}

func fastConfig() Config {
	return Config{
		MinDelay:                 100 * time.Millisecond,
		Jitter:                   0,
		FailureThreshold:         2,
		Cooldown:                 time.Second,
		HalfOpenSuccessThreshold: 2,
	}
}

func TestBreakerTripAndRecovery(t *testing.T) {
	clock := newTestClock()
	l := newTestLimiter(clock, fastConfig())
	source := domain.SourceAutoScout24
	ctx := context.Background()

	require.True(t, l.WaitForSlot(ctx, source))

	// Two consecutive failures trip the breaker (threshold = 2).
	l.RecordFailure(source)
	l.RecordFailure(source)
	assert.False(t, l.WaitForSlot(ctx, source), "open circuit rejects without waiting")
	assert.True(t, l.IsBlocked(source))

	// After the cooldown the next acquire probes in HALF_OPEN.
	clock.Advance(time.Second + time.Millisecond)
	assert.True(t, l.WaitForSlot(ctx, source))

	// Two successes close it again.
	l.RecordSuccess(source)
	l.RecordSuccess(source)
	assert.False(t, l.IsBlocked(source))

	status := l.StatusAll()[string(source)]
	assert.Equal(t, StateClosed, status.State)
	assert.Equal(t, 0, status.ConsecutiveBlocks)
}

func TestHalfOpenFailureReopens(t *testing.T) {
	clock := newTestClock()
	l := newTestLimiter(clock, fastConfig())
	source := domain.SourceAutoScout24
	ctx := context.Background()

	l.RecordFailure(source)
	l.RecordFailure(source)
	clock.Advance(time.Second + time.Millisecond)
	require.True(t, l.WaitForSlot(ctx, source), "probing")

	l.RecordFailure(source)
	assert.False(t, l.WaitForSlot(ctx, source), "failed probe re-opens")

	// The re-open armed a longer cooldown (consecutive blocks grew).
	status := l.StatusAll()[string(source)]
	assert.Equal(t, StateOpen, status.State)
	require.NotNil(t, status.BlockedUntil)
	assert.True(t, status.BlockedUntil.After(clock.Now().Add(time.Second)),
		"cooldown doubled after the failed probe")
}

func TestExponentialBackoffOnBlocks(t *testing.T) {
	clock := newTestClock()
	cfg := fastConfig()
	cfg.FailureThreshold = 1
	l := newTestLimiter(clock, cfg)
	source := domain.SourceAutoScout24

	// Each failed probe escalates: 2x, 4x, 8x the cooldown.
	expected := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	for _, want := range expected {
		l.RecordBlock(source)
		status := l.StatusAll()[string(source)]
		require.NotNil(t, status.BlockedUntil)
		assert.Equal(t, want, status.BlockedUntil.Sub(clock.Now()))

		clock.Advance(want + time.Millisecond)
		require.True(t, l.WaitForSlot(context.Background(), source), "probe after cooldown")
	}
}

func TestBackoffCapped(t *testing.T) {
	clock := newTestClock()
	cfg := fastConfig()
	cfg.FailureThreshold = 1
	cfg.Cooldown = 300 * time.Second
	l := newTestLimiter(clock, cfg)
	source := domain.SourceAutoScout24

	for i := 0; i < 10; i++ {
		l.RecordBlock(source)
		clock.Advance(700 * time.Second)
		l.WaitForSlot(context.Background(), source) // transition through HALF_OPEN
	}
	l.RecordBlock(source)

	status := l.StatusAll()[string(source)]
	require.NotNil(t, status.BlockedUntil)
	assert.LessOrEqual(t, status.BlockedUntil.Sub(clock.Now()), 600*time.Second)
}

func TestMinimumSpacingBetweenAcquires(t *testing.T) {
	clock := newTestClock()
	cfg := fastConfig()
	cfg.MinDelay = 200 * time.Millisecond
	l := newTestLimiter(clock, cfg)
	source := domain.SourceAutoScout24
	ctx := context.Background()

	require.True(t, l.WaitForSlot(ctx, source))
	require.True(t, l.WaitForSlot(ctx, source))
	require.True(t, l.WaitForSlot(ctx, source))

	// The second and third acquires waited out the pacing delay.
	require.GreaterOrEqual(t, len(clock.sleeps), 2)
	for _, slept := range clock.sleeps[len(clock.sleeps)-2:] {
		assert.GreaterOrEqual(t, slept, 150*time.Millisecond)
	}
}

func TestWaitForSlotHonoursCancellation(t *testing.T) {
	clock := newTestClock()
	l := newTestLimiter(clock, fastConfig())
	source := domain.SourceAutoScout24

	ctx, cancel := context.WithCancel(context.Background())
	require.True(t, l.WaitForSlot(ctx, source))

	cancel()
	assert.False(t, l.WaitForSlot(ctx, source), "cancelled context aborts the wait")
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	clock := newTestClock()
	l := newTestLimiter(clock, fastConfig())
	source := domain.SourceAutoScout24

	l.RecordFailure(source)
	l.RecordSuccess(source)
	l.RecordFailure(source)
	assert.False(t, l.IsBlocked(source), "streak was reset between failures")
}

func TestSourcesAreIndependent(t *testing.T) {
	clock := newTestClock()
	l := newTestLimiter(clock, fastConfig())

	l.RecordFailure(domain.SourceAutoScout24)
	l.RecordFailure(domain.SourceAutoScout24)

	assert.True(t, l.IsBlocked(domain.SourceAutoScout24))
	assert.False(t, l.IsBlocked(domain.SourceLaCentrale))
}
