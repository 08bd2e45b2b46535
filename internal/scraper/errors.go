package scraper

import "errors"

var (
	// ErrBlocked means the source answered with 403/429/503 or an anti-bot
	// page. Counts as a block event on the circuit breaker; never retried
	// within the same run.
	ErrBlocked = errors.New("source blocked the request")

	// ErrNotFound means the listing is permanently gone (404).
	ErrNotFound = errors.New("listing not found")

	// ErrRateLimited means the circuit breaker is open for the source.
	ErrRateLimited = errors.New("source is rate limited")

	// ErrParse means the payload was malformed. Counted in index_errors,
	// never against the breaker.
	ErrParse = errors.New("unparseable payload")

	// ErrTransient is a network failure that survived the retry budget.
	ErrTransient = errors.New("transient network error")
)
