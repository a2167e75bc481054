// Package retry runs an operation with capped exponential backoff.
//
// The first attempt runs immediately. After each failure the engine sleeps
// min(delay, MaxDelay) and multiplies delay by BackoffFactor, until
// MaxAttempts attempts have been made. Errors that report Permanent() == true
// (bad credentials, corrupted cache entries, invalid input) stop the loop at
// once. Every sleep is cancellable through the context, so a caller's deadline
// bounds the total time spent retrying rather than a single attempt.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

// Policy configures one retry loop.
type Policy struct {
	// MaxAttempts is the total number of attempts including the first.
	MaxAttempts int
	// InitialDelay is the sleep after the first failure.
	InitialDelay time.Duration
	// BackoffFactor multiplies the delay after every sleep. Values below 1
	// are treated as 1.
	BackoffFactor float64
	// MaxDelay caps a single sleep, including the first. Zero keeps every
	// sleep at InitialDelay.
	MaxDelay time.Duration
	// Jitter randomizes each sleep by ±Jitter (0..1). Zero gives exact delays.
	Jitter float64
}

// Default policies per call site.
var (
	DialPolicy = Policy{
		MaxAttempts:   3,
		InitialDelay:  1 * time.Second,
		BackoffFactor: 2,
		MaxDelay:      10 * time.Second,
	}
	RehydratePolicy = Policy{
		MaxAttempts:   3,
		InitialDelay:  500 * time.Millisecond,
		BackoffFactor: 2,
		MaxDelay:      5 * time.Second,
	}
	OperationPolicy = Policy{
		MaxAttempts:   4,
		InitialDelay:  250 * time.Millisecond,
		BackoffFactor: 2,
		MaxDelay:      4 * time.Second,
	}
)

// Delays returns the sleeps a policy performs between attempts when every
// attempt fails and no jitter is configured.
func (p Policy) Delays() []time.Duration {
	p = p.normalized()
	var out []time.Duration
	d := p.InitialDelay
	for i := 1; i < p.MaxAttempts; i++ {
		if d > p.MaxDelay {
			d = p.MaxDelay
		}
		out = append(out, d)
		d = time.Duration(float64(d) * p.BackoffFactor)
	}
	return out
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BackoffFactor < 1 {
		p.BackoffFactor = 1
	}
	if p.InitialDelay < 0 {
		p.InitialDelay = 0
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = p.InitialDelay
	}
	if p.InitialDelay > p.MaxDelay {
		p.InitialDelay = p.MaxDelay
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}

func (p Policy) backOff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.InitialDelay,
		RandomizationFactor: p.Jitter,
		Multiplier:          p.BackoffFactor,
		MaxInterval:         p.MaxDelay,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

// TimeoutError is returned when the context deadline expires before the
// operation succeeded. It is distinct from a single attempt timing out.
type TimeoutError struct {
	Attempts int
	Last     error
}

func (e *TimeoutError) Error() string {
	if e.Last == nil {
		return fmt.Sprintf("deadline exceeded after %d attempt(s)", e.Attempts)
	}
	return fmt.Sprintf("deadline exceeded after %d attempt(s): %v", e.Attempts, e.Last)
}

// Unwrap lets errors.Is(err, context.DeadlineExceeded) match.
func (e *TimeoutError) Unwrap() error { return context.DeadlineExceeded }

// permanentError marks an error that must not be retried.
type permanentError struct{ err error }

func (e *permanentError) Error() string   { return e.err.Error() }
func (e *permanentError) Unwrap() error   { return e.err }
func (e *permanentError) Permanent() bool { return true }

// Permanent wraps err so the engine stops retrying. The original error is
// still reachable through errors.Is/As.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or anything it wraps, declares itself
// permanent.
func IsPermanent(err error) bool {
	var p interface{ Permanent() bool }
	return errors.As(err, &p) && p.Permanent()
}

// Func is one attempt. attempt counts from 0.
type Func func(ctx context.Context, attempt int) error

// Do runs fn under policy p. It returns nil on the first success; the last
// error once attempts are exhausted or a permanent error is seen; a
// *TimeoutError when ctx's deadline expires; or ctx.Err() on cancellation.
func Do(ctx context.Context, p Policy, label string, fn Func) error {
	p = p.normalized()

	var (
		attempts int
		lastErr  error
	)
	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		err := fn(ctx, attempts)
		attempts++
		if err == nil {
			return nil
		}
		lastErr = err
		if IsPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		log.Debug().Err(err).
			Str("op", label).
			Int("attempt", attempts).
			Int("max_attempts", p.MaxAttempts).
			Dur("backoff", next).
			Msg("retrying after failure")
	}

	b := backoff.WithContext(backoff.WithMaxRetries(p.backOff(), uint64(p.MaxAttempts-1)), ctx)
	err := backoff.RetryNotify(op, b, notify)
	if err == nil {
		return nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return &TimeoutError{Attempts: attempts, Last: lastErr}
		}
		return ctxErr
	}
	if lastErr != nil {
		return unwrapPermanent(lastErr)
	}
	return err
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, p Policy, label string, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var out T
	err := Do(ctx, p, label, func(ctx context.Context, attempt int) error {
		v, err := fn(ctx, attempt)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func unwrapPermanent(err error) error {
	if p, ok := err.(*permanentError); ok {
		return p.err
	}
	return err
}
