package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds how a request is retried.
type RetryPolicy struct {
	// Retries is the number of retries after the first attempt.
	Retries int
	// InitialDelay is the median delay before the second retry. The first
	// retry is immediate.
	InitialDelay time.Duration
	// MaxDelay caps the delay between attempts.
	MaxDelay time.Duration
	// StatusCodes are retried in addition to 408, 429 and 5xx.
	StatusCodes []int
}

// Retrier runs operations under a RetryPolicy using jittered exponential
// backoff. It is safe for concurrent use; every Do call has its own backoff
// state.
type Retrier struct {
	policy  RetryPolicy
	logger  *slog.Logger
	onRetry func(err error, wait time.Duration)
}

// NewRetrier returns a Retrier for policy. onRetry, when non-nil, is called
// before every retry.
func NewRetrier(policy RetryPolicy, logger *slog.Logger, onRetry func(err error, wait time.Duration)) *Retrier {
	if policy.Retries < 0 {
		policy.Retries = 0
	}
	if policy.InitialDelay <= 0 {
		policy.InitialDelay = time.Second
	}
	if policy.MaxDelay < policy.InitialDelay {
		policy.MaxDelay = policy.InitialDelay
	}
	return &Retrier{policy: policy, logger: logger, onRetry: onRetry}
}

// newBackOff builds the per-call schedule: an immediate first retry, then
// exponential growth from InitialDelay with ±50% jitter, capped at MaxDelay,
// stopping after Retries retries and as soon as ctx is done.
func (r *Retrier) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.policy.InitialDelay
	b.MaxInterval = r.policy.MaxDelay
	b.RandomizationFactor = 0.5
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(&immediateFirst{next: b}, uint64(r.policy.Retries)), ctx)
}

// immediateFirst returns a zero wait for the first retry and defers to next
// afterwards.
type immediateFirst struct {
	next    backoff.BackOff
	started bool
}

func (b *immediateFirst) NextBackOff() time.Duration {
	if !b.started {
		b.started = true
		return 0
	}
	return b.next.NextBackOff()
}

func (b *immediateFirst) Reset() {
	b.started = false
	b.next.Reset()
}

// Do calls op until it succeeds, fails permanently, the retry budget is
// spent or ctx is cancelled. It returns the number of attempts made and the
// last error. A policy with N retries makes at most N+1 attempts.
func (r *Retrier) Do(ctx context.Context, op func(context.Context) error) (int, error) {
	attempts := 0
	err := backoff.RetryNotify(func() error {
		attempts++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !Retryable(err, r.policy.StatusCodes) {
			return backoff.Permanent(err)
		}
		return err
	}, r.newBackOff(ctx), func(err error, wait time.Duration) {
		r.logger.Warn("ingest: attempt failed, retrying",
			slog.Int("attempt", attempts),
			slog.Duration("after", wait),
			slog.Any("error", err),
		)
		if r.onRetry != nil {
			r.onRetry(err, wait)
		}
	})
	return attempts, err
}
