// Package retry decides whether and when a failed backend call is retried.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultMaxAttempts  = 3
	DefaultInitialDelay = time.Second
	DefaultMultiplier   = 2.0
	DefaultMaxDelay     = 60 * time.Second
)

// Classifier reports whether an error is transient.
type Classifier func(err error) bool

// Policy is an exponential backoff policy with an attempt cap. The zero
// value is not usable; start from Default or fill every field.
type Policy struct {
	MaxAttempts  int           `mapstructure:"max_attempts" yaml:"max_attempts" json:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay" yaml:"initial_delay" json:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay" yaml:"max_delay" json:"max_delay"`
	Multiplier   float64       `mapstructure:"multiplier" yaml:"multiplier" json:"multiplier"`

	// Jitter spreads each delay by up to this fraction in either direction.
	Jitter float64 `mapstructure:"jitter" yaml:"jitter" json:"jitter"`

	// Retryable classifies errors. Nil retries nothing.
	Retryable Classifier `mapstructure:"-" yaml:"-" json:"-"`
}

// Default returns the default policy: 3 attempts, 1s doubling to 60s.
func Default(retryable Classifier) Policy {
	return Policy{
		MaxAttempts:  DefaultMaxAttempts,
		InitialDelay: DefaultInitialDelay,
		MaxDelay:     DefaultMaxDelay,
		Multiplier:   DefaultMultiplier,
		Retryable:    retryable,
	}
}

// ShouldRetry reports whether another attempt follows a failed attempt.
func (p Policy) ShouldRetry(attempt int, err error) bool {
	if err == nil || attempt >= p.MaxAttempts {
		return false
	}
	if p.Retryable == nil {
		return false
	}
	return p.Retryable(err)
}

// DelayBefore returns the wait after the given attempt fails and before the
// next one starts: InitialDelay * Multiplier^(attempt-1), capped at MaxDelay.
func (p Policy) DelayBefore(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		d += d * p.Jitter * (2*rand.Float64() - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// BackOff adapts the policy to backoff.BackOff. It stops after MaxAttempts.
func (p Policy) BackOff() backoff.BackOff {
	return &policyBackOff{p: p}
}

type policyBackOff struct {
	p       Policy
	attempt int
}

func (b *policyBackOff) NextBackOff() time.Duration {
	b.attempt++
	if b.attempt >= b.p.MaxAttempts {
		return backoff.Stop
	}
	return b.p.DelayBefore(b.attempt)
}

func (b *policyBackOff) Reset() {
	b.attempt = 0
}

type stopError struct{ err error }

func (e *stopError) Error() string { return e.err.Error() }
func (e *stopError) Unwrap() error { return e.err }

// Stop marks err as final whatever the classifier says. Do returns err
// unwrapped and makes no further attempts.
func Stop(err error) error {
	if err == nil {
		return nil
	}
	return &stopError{err: err}
}

// Notify is told about each failed attempt that will be retried.
type Notify func(attempt int, err error, next time.Duration)

// Do runs op until it succeeds, returns a non-retryable error, the attempts
// run out, or ctx is done. op receives the 1-based attempt number. The last
// operation error is returned, or ctx.Err() if the context ended first.
func (p Policy) Do(ctx context.Context, op func(attempt int) error, notify Notify) error {
	attempt := 0
	operation := func() error {
		attempt++
		err := op(attempt)
		var stop *stopError
		if errors.As(err, &stop) {
			return backoff.Permanent(stop.err)
		}
		if err != nil && !p.ShouldRetry(attempt, err) {
			return backoff.Permanent(err)
		}
		return err
	}

	var onRetry backoff.Notify
	if notify != nil {
		onRetry = func(err error, next time.Duration) {
			notify(attempt, err, next)
		}
	}

	return backoff.RetryNotify(operation, backoff.WithContext(p.BackOff(), ctx), onRetry)
}
