package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nus-vv-streams/vvtk-sub001/internal/types"
)

// RetryConfig contains configuration for exponential backoff retries
type RetryConfig struct {
	MaxRetries    int           // Extra attempts after the first one (default: 2)
	RetryDelay    time.Duration // Initial retry delay (default: 50ms)
	MaxRetryDelay time.Duration // Maximum retry delay cap (default: 1s)
}

// DefaultRetryConfig returns default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    2,
		RetryDelay:    50 * time.Millisecond,
		MaxRetryDelay: time.Second,
	}
}

// Retrying wraps a Fetcher with in-call retries for transient failures.
//
// Only network/unknown failures are retried here. Anything that survives the
// retries is returned to the scheduler, which re-issues the offset on a later
// tick.
type Retrying struct {
	next    Fetcher
	cfg     RetryConfig
	retries atomic.Uint64
}

// NewRetrying wraps next. Zero fields of cfg take their defaults.
func NewRetrying(next Fetcher, cfg RetryConfig) *Retrying {
	def := DefaultRetryConfig()
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = def.MaxRetryDelay
	}
	return &Retrying{next: next, cfg: cfg}
}

// Fetch attempts the fetch, backing off between retryable failures.
func (r *Retrying) Fetch(ctx context.Context, req types.FetchRequest) ([]byte, error) {
	attempt := 0
	for {
		data, err := r.next.Fetch(ctx, req)
		if err == nil {
			return data, nil
		}

		category := Classify(err)
		if !category.Retryable() || attempt >= r.cfg.MaxRetries {
			return nil, err
		}
		attempt++
		r.retries.Add(1)

		delay := calculateBackoff(attempt, r.cfg)
		slog.Debug("fetch: retrying",
			"object", req.Object,
			"offset", req.Offset,
			"attempt", attempt,
			"category", category.String(),
			"delay", delay,
			"error", err,
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, fmt.Errorf("fetch: cancelled during backoff: %w", ctx.Err())
		}
	}
}

// Retries returns the total number of in-call retries performed.
func (r *Retrying) Retries() uint64 {
	return r.retries.Load()
}

// calculateBackoff returns retryDelay * 2^(attempt-1), capped at MaxRetryDelay.
func calculateBackoff(attempt int, cfg RetryConfig) time.Duration {
	delay := cfg.RetryDelay * time.Duration(1<<uint(attempt-1))
	if delay > cfg.MaxRetryDelay {
		delay = cfg.MaxRetryDelay
	}
	return delay
}
