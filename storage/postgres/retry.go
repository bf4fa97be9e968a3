package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"

	"github.com/jmcleod/castore/internal/metrics"
	"github.com/jmcleod/castore/storage"
)

const (
	defaultRetryInterval = 50 * time.Millisecond
	defaultRetryTimeout  = 3 * time.Second
)

// newReadBackOff returns a fixed-interval policy that gives up once timeout
// has elapsed.
func newReadBackOff(interval, timeout time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = interval
	b.MaxInterval = interval
	b.Multiplier = 1
	b.RandomizationFactor = 0
	b.MaxElapsedTime = timeout
	b.Reset()
	return b
}

// retryRead runs op until it succeeds, fails permanently, or the retry
// budget is spent. pgx.ErrNoRows and context errors are never retried.
func (s *Store) retryRead(ctx context.Context, what string, op func() error) error {
	attempt := func() error {
		err := op()
		if err == nil {
			return nil
		}
		if errors.Is(err, pgx.ErrNoRows) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		metrics.ReadRetries.WithLabelValues("postgres").Inc()
		s.logger.Debug("retrying read", "instance", s.instance, "op", what, "wait", wait, "error", err)
	}

	b := backoff.WithContext(newReadBackOff(s.retryInterval, s.retryTimeout), ctx)
	err := backoff.RetryNotify(attempt, b, notify)
	if err == nil || errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	if ctx.Err() != nil {
		return err
	}
	return fmt.Errorf("%s: %w: %v", what, storage.ErrBackendUnavailable, err)
}
