package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"retailpdv/backend/internal/lock"
	"retailpdv/backend/internal/metrics"
	"retailpdv/backend/internal/store"
)

// retryBackoff returns base * 2^(attempt-1), capped at max.
func retryBackoff(attempt int, base time.Duration, max time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	delay := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if delay > max {
		return max
	}
	return delay
}

// withRetry runs fn until it succeeds, fails with anything other than a
// concurrency conflict, or runs out of attempts. Rollback failures are never
// retried.
func (s *Service) withRetry(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 1; attempt <= s.opts.RetryAttempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, store.ErrRollbackFailed) {
			metrics.ManualReconciliation.Inc()
			return err
		}
		if !errors.Is(err, store.ErrConcurrencyConflict) || attempt == s.opts.RetryAttempts {
			return err
		}

		metrics.ConcurrencyRetries.WithLabelValues(operation).Inc()
		delay := retryBackoff(attempt, s.opts.RetryBaseDelay, s.opts.RetryMaxDelay)
		s.log.WithFields(logrus.Fields{
			"operation": operation,
			"attempt":   attempt,
			"delay":     delay.String(),
		}).WithError(err).Debug("retrying after concurrency conflict")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

// guard takes the distributed lease for key. A lease held elsewhere surfaces
// as a concurrency conflict; an unreachable lock backend is logged and the
// call proceeds on database guarantees alone.
func (s *Service) guard(ctx context.Context, key string) (func(), error) {
	lease, err := s.locker.Obtain(ctx, key, s.opts.LockTTL)
	if errors.Is(err, lock.ErrNotObtained) {
		return nil, fmt.Errorf("%w: %s in progress", store.ErrConcurrencyConflict, key)
	}
	if err != nil {
		s.log.WithField("lock_key", key).WithError(err).Warn("lock backend unavailable; proceeding without lock")
		return func() {}, nil
	}
	return func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			s.log.WithField("lock_key", key).WithError(err).Warn("failed to release lock")
		}
	}, nil
}
