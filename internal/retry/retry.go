package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/clock"
)

// ErrExhausted is returned when every attempt failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// RetryAfter is implemented by errors that carry a server supplied wait hint,
// such as a 429 with a Retry-After header.
type RetryAfter interface {
	RetryAfter() time.Duration
}

// Backoff computes exponential delays with full jitter.
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
	// Jitter is the fraction of each delay that is randomized, 0 to 1.
	Jitter float64
}

// DefaultBackoff is used when a component is configured without one.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:        time.Second,
		Max:         30 * time.Second,
		MaxAttempts: 3,
		Jitter:      0.5,
	}
}

// Delay returns the wait before attempt+1, where attempt counts from 1.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := b.Base
	if base <= 0 {
		base = DefaultBackoff().Base
	}

	steps := wait.Backoff{Duration: base, Factor: 2, Cap: b.Max, Steps: attempt}
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = steps.Step()
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}

	jitter := b.Jitter
	if jitter <= 0 {
		return d
	}
	if jitter > 1 {
		jitter = 1
	}
	fixed := time.Duration(float64(d) * (1 - jitter))
	return fixed + time.Duration(rand.Float64()*float64(d-fixed))
}

// Do calls fn until it succeeds, returns a permanent error, the attempts run
// out or ctx is done. shouldRetry decides which errors are worth another
// attempt; nil retries every error. Waits honour RetryAfter hints and are
// measured on clk so tests can drive them with a fake clock.
func Do(ctx context.Context, clk clock.Clock, b Backoff, shouldRetry func(error) bool, fn func(ctx context.Context, attempt int) error) error {
	if clk == nil {
		clk = clock.RealClock{}
	}
	attempts := b.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return fmt.Errorf("%w: %w", err, lastErr)
			}
			return err
		}

		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		if shouldRetry != nil && !shouldRetry(lastErr) {
			return lastErr
		}
		if attempt == attempts {
			break
		}

		wait := b.Delay(attempt)
		var hint RetryAfter
		if errors.As(lastErr, &hint) && hint.RetryAfter() > wait {
			wait = hint.RetryAfter()
		}

		t := clk.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("%w: %w", ctx.Err(), lastErr)
		case <-t.C():
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, lastErr)
}
