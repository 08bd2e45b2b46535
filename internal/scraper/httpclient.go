package scraper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/yesmonga/voiture-radar/internal/domain"
	"github.com/yesmonga/voiture-radar/internal/ratelimit"
)

const (
	defaultTimeout = 30 * time.Second
	maxRetries     = 3
	retryBaseDelay = 500 * time.Millisecond
	maxBodySize    = 4 << 20
)

// Content markers that mean "anti-bot wall", regardless of the status code.
var antiBotMarkers = []string{
	"captcha",
	"datadome",
	"cf-challenge",
	"access denied",
	"are you a robot",
	"blocked by security policy",
}

// Client is the shared HTTP layer for adapters: per-source pacing via the
// rate limiter, bounded retries with jittered backoff for transient errors,
// and block detection feeding the circuit breaker.
type Client struct {
	http    *http.Client
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	agent   string
}

// NewClient builds a Client. The limiter is consulted before every request.
func NewClient(limiter *ratelimit.Limiter, logger *slog.Logger, userAgent string) *Client {
	return &Client{
		http:    &http.Client{Timeout: defaultTimeout},
		limiter: limiter,
		logger:  logger,
		agent:   userAgent,
	}
}

// Get fetches a URL on behalf of a source. It takes a rate-limiter slot,
// retries transient failures, and classifies the outcome into the error
// taxonomy (ErrRateLimited, ErrBlocked, ErrNotFound, ErrTransient).
func (c *Client) Get(ctx context.Context, source domain.Source, url string) ([]byte, error) {
	if !c.limiter.WaitForSlot(ctx, source) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%s: %w", source, ErrRateLimited)
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := retryBaseDelay * time.Duration(1<<(attempt-1))
			delay += time.Duration(rand.Int63n(int64(retryBaseDelay)))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		body, err := c.doOnce(ctx, source, url)
		if err == nil {
			c.limiter.RecordSuccess(source)
			return body, nil
		}
		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case isBlocked(err):
			c.limiter.RecordBlock(source)
			return nil, err
		case isNotFound(err):
			// Gone is gone; neither retried nor a breaker event.
			return nil, err
		}
		lastErr = err
		c.logger.Debug("http_retry",
			slog.String("source", string(source)),
			slog.String("url", url),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}

	c.limiter.RecordFailure(source)
	return nil, fmt.Errorf("%w: %v", ErrTransient, lastErr)
}

func (c *Client) doOnce(ctx context.Context, source domain.Source, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.agent)
	req.Header.Set("Accept-Language", "fr-FR,fr;q=0.9")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%s: %w", url, ErrNotFound)
	case resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusServiceUnavailable:
		return nil, fmt.Errorf("%s: status %d: %w", source, resp.StatusCode, ErrBlocked)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("%s: unexpected status %d", url, resp.StatusCode)
	}

	if looksBlocked(body) {
		return nil, fmt.Errorf("%s: anti-bot content: %w", source, ErrBlocked)
	}
	return body, nil
}

// looksBlocked applies content heuristics on the first chunk of the body.
func looksBlocked(body []byte) bool {
	head := body
	if len(head) > 8192 {
		head = head[:8192]
	}
	lowered := strings.ToLower(string(head))
	for _, marker := range antiBotMarkers {
		if strings.Contains(lowered, marker) {
			return true
		}
	}
	return false
}

func isBlocked(err error) bool  { return errors.Is(err, ErrBlocked) }
func isNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
