// Package backoff wraps cenkalti/backoff with the retry policies used when
// opening database connections.
package backoff

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type Backoff interface {
	RetryNotify(Operation, Notify) error
	Retry(Operation) error
}

type (
	Operation func() error
	Notify    func(error, time.Duration)
)

// Config selects the retry policy. Without one the operation runs once.
type Config struct {
	Constant *ConstantConfig
}

type ConstantConfig struct {
	Interval   time.Duration
	MaxRetries uint
}

// ErrPermanent stops retrying when wrapped by the operation's error.
var ErrPermanent = errors.New("permanent error, do not retry")

type Provider func(ctx context.Context) Backoff

func NewProvider(cfg *Config) Provider {
	switch {
	case cfg == nil:
		return func(context.Context) Backoff { return NewStopBackoff() }
	case cfg.Constant != nil:
		return func(ctx context.Context) Backoff { return NewConstantBackoff(ctx, cfg.Constant) }
	default:
		return func(context.Context) Backoff { return NewStopBackoff() }
	}
}

// ForAttempts returns a constant policy that runs an operation at most
// attempts times, waiting delay between tries.
func ForAttempts(attempts int, delay time.Duration) *Config {
	if attempts <= 1 {
		return &Config{}
	}
	return &Config{Constant: &ConstantConfig{Interval: delay, MaxRetries: uint(attempts - 1)}}
}

type retrier struct {
	backoff.BackOff
}

func (r *retrier) Retry(op Operation) error { return retryNotify(r.BackOff, op, nil) }

func (r *retrier) RetryNotify(op Operation, notify Notify) error {
	return retryNotify(r.BackOff, op, notify)
}

func NewConstantBackoff(ctx context.Context, cfg *ConstantConfig) Backoff {
	var bo backoff.BackOff = backoff.NewConstantBackOff(cfg.Interval)
	if cfg.MaxRetries > 0 {
		bo = backoff.WithMaxRetries(bo, uint64(cfg.MaxRetries))
	}
	return &retrier{BackOff: backoff.WithContext(bo, ctx)}
}

func NewStopBackoff() Backoff {
	return &retrier{BackOff: &backoff.StopBackOff{}}
}

func retryNotify(b backoff.BackOff, op Operation, notify Notify) error {
	boOp := func() error {
		err := op()
		if errors.Is(err, ErrPermanent) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.RetryNotify(boOp, b, backoff.Notify(notify))
}
