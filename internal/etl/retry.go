package etl

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/BartekS5/totesys-etl/pkg/logger"
)

// RetryPolicy bounds retries of transient stage failures.
type RetryPolicy struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterFactor  float64
}

// DefaultRetryPolicy returns the policy used when settings leave it unset.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   3,
		InitialDelay:  time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		JitterFactor:  0.1,
	}
}

// BackOff returns an exponential backoff for p, limited to MaxAttempts
// calls in total and stopped when ctx is done.
func (p RetryPolicy) BackOff(ctx context.Context) backoff.BackOffContext {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	factor := p.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = time.Duration(math.MaxInt64)
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.InitialDelay,
		RandomizationFactor: p.JitterFactor,
		Multiplier:          factor,
		MaxInterval:         maxDelay,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// Retrier runs an operation until it succeeds, fails permanently, or runs
// out of attempts.
type Retrier struct {
	Policy RetryPolicy

	// OnAttempt is called before every attempt, starting at 1.
	OnAttempt func(attempt int)
	// Timer waits between attempts. Nil uses a real timer.
	Timer backoff.Timer
}

// NewRetrier returns a Retrier for policy.
func NewRetrier(policy RetryPolicy) *Retrier {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	return &Retrier{Policy: policy}
}

// Do calls fn until it returns nil or a non-transient error. The returned
// error keeps the classification of the last failure.
func (r *Retrier) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var (
		attempt   int
		lastErr   error
		permanent bool
	)
	operation := func() error {
		attempt++
		if r.OnAttempt != nil {
			r.OnAttempt(attempt)
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsTransient(err) {
			permanent = true
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		logger.L().Warn("operation failed, retrying",
			zap.String("operation", op),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", next),
			zap.Error(err))
	}

	var err error
	if r.Timer != nil {
		err = backoff.RetryNotifyWithTimer(operation, r.Policy.BackOff(ctx), notify, r.Timer)
	} else {
		err = backoff.RetryNotify(operation, r.Policy.BackOff(ctx), notify)
	}

	switch {
	case err == nil:
		if attempt > 1 {
			logger.L().Info("operation succeeded after retry",
				zap.String("operation", op), zap.Int("attempts", attempt))
		}
		return nil
	case permanent:
		return err
	case ctx.Err() != nil && lastErr != nil && errors.Is(err, ctx.Err()):
		return fmt.Errorf("%s: %w (last error: %v)", op, ctx.Err(), lastErr)
	}
	logger.L().Error("operation failed after max attempts",
		zap.String("operation", op), zap.Int("attempts", attempt), zap.Error(err))
	return fmt.Errorf("%s failed after %d attempts: %w", op, attempt, err)
}
