package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/aimarket-labs/aimarket/internal/metrics"
)

// RetryConfig bounds automatic recovery from version conflicts.
type RetryConfig struct {
	Attempts int
	Backoff  time.Duration
}

// DefaultRetry covers the common two-writer race without hiding a
// persistently contended record for long.
func DefaultRetry() RetryConfig {
	return RetryConfig{Attempts: 5, Backoff: 10 * time.Millisecond}
}

// WithRetry runs fn, retrying on ErrConflict with linear backoff and
// jitter. Any other error, including success, is returned as-is. Once the
// budget is exhausted the conflict is surfaced to the caller.
func WithRetry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	if cfg.Attempts <= 0 {
		cfg = DefaultRetry()
	}
	var err error
	for attempt := 0; attempt < cfg.Attempts; attempt++ {
		err = fn()
		if err == nil || !errors.Is(err, ErrConflict) {
			return err
		}
		if attempt == cfg.Attempts-1 {
			break
		}
		metrics.ConflictRetries.Inc()
		wait := cfg.Backoff*time.Duration(attempt+1) + time.Duration(rand.Int63n(int64(cfg.Backoff)+1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return fmt.Errorf("retry budget exhausted after %d attempts: %w", cfg.Attempts, err)
}
