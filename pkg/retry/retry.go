// Copyright 2024-2026 Aiku AI

// Package retry wraps fallible remote calls with a bounded, fixed-delay
// retry budget.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// Policy describes how often and how patiently an operation is retried.
// MaxRetries counts attempts after the first one, so an operation runs at
// most MaxRetries+1 times.
type Policy struct {
	Delay      time.Duration `yaml:"delay" env:"DELAY"`
	MaxRetries int           `yaml:"max_retries" env:"MAX_RETRIES"`
}

// DefaultPolicy matches the delay and budget used for room state access.
var DefaultPolicy = Policy{
	Delay:      20 * time.Second,
	MaxRetries: 6,
}

// Do runs op until it succeeds or the retry budget is exhausted, sleeping
// p.Delay between attempts. The last error is returned when every attempt
// failed. Cancelling ctx stops further attempts and returns the most recent
// error from op.
//
// Errors wrapped with Permanent end the loop immediately and are returned
// unwrapped. Only idempotent operations may be passed to Do.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	result, err := op(ctx)
	for remaining := p.MaxRetries; err != nil && remaining > 0; remaining-- {
		var perm *permanentError
		if errors.As(err, &perm) {
			return result, perm.err
		}
		zerolog.Ctx(ctx).Debug().
			Err(err).
			Int("retries_left", remaining).
			Dur("delay", p.Delay).
			Msg("Retrying remote call")
		if !sleep(ctx, p.Delay) {
			return result, err
		}
		result, err = op(ctx)
	}
	var perm *permanentError
	if errors.As(err, &perm) {
		return result, perm.err
	}
	return result, err
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// DoErr is Do for operations that only return an error.
func DoErr(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	_, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Backoff retries op with a doubling delay, starting at initial, until it
// succeeds or the next delay would exceed limit. It returns the last error
// on give-up.
func Backoff(ctx context.Context, initial, limit time.Duration, op func(ctx context.Context) error) error {
	delay := initial
	for {
		err := op(ctx)
		if err == nil {
			return nil
		}
		zerolog.Ctx(ctx).Warn().Err(err).Dur("delay", delay).Msg("Operation failed, backing off")
		if !sleep(ctx, delay) {
			return err
		}
		delay *= 2
		if delay > limit {
			return err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
