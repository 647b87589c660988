package store

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryConfig holds configuration for store open retry behaviour. Source
// roots live on removable or network storage, so a brief outage on open is
// common and worth absorbing before the caller defers the work.
type RetryConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// DefaultRetryConfig returns sensible defaults for opening a source store.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     3,
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     500 * time.Millisecond,
		Multiplier:      2.0,
	}
}

// OpenWithRetry opens the job store under root, retrying transient failures
// with exponential backoff. All attempts failing surfaces the last error; the
// caller decides whether to defer or skip.
func OpenWithRetry(ctx context.Context, root string, cfg RetryConfig) (*Store, error) {
	var lastErr error
	backoff := cfg.InitialInterval

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		st, err := Open(root)
		if err == nil {
			if attempt > 1 {
				log.Debug().
					Str("root", root).
					Int("attempts", attempt).
					Msg("Job store opened after retries")
			}
			return st, nil
		}
		lastErr = err

		if attempt >= cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("store open retry cancelled: %w", ctx.Err())
		case <-time.After(backoff):
		}
		backoff = time.Duration(float64(backoff) * cfg.Multiplier)
		if backoff > cfg.MaxInterval {
			backoff = cfg.MaxInterval
		}
	}

	return nil, fmt.Errorf("failed to open job store at %s after %d attempts: %w", root, cfg.MaxAttempts, lastErr)
}
