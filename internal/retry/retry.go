// Package retry provides bounded exponential backoff for operations that are
// expected to fail for a while, such as reconnecting while sshd restarts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Config holds retry configuration.
type Config struct {
	// Attempts is the total number of tries, including the first.
	Attempts     int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// OnRetry, if set, is called after a failed attempt that will be retried.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// Option is a functional option for retry configuration.
type Option func(*Config)

// DefaultConfig returns the backoff used for post-restart reconnects.
func DefaultConfig() Config {
	return Config{
		Attempts:     6,
		InitialDelay: 2 * time.Second,
		MaxDelay:     20 * time.Second,
		Multiplier:   2.0,
	}
}

// Do runs operation until it succeeds, returns a Fatal error, runs out of
// attempts, or ctx is done. The delay grows by Multiplier after each failure
// and is capped at MaxDelay. The attempt number passed to operation starts at 1.
func Do(ctx context.Context, operation func(attempt int) error, opts ...Option) error {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = cfg.InitialDelay
	eb.MaxInterval = cfg.MaxDelay
	if eb.MaxInterval <= 0 {
		eb.MaxInterval = 24 * time.Hour
	}
	eb.Multiplier = cfg.Multiplier
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0
	eb.Reset()

	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(cfg.Attempts-1)), ctx)

	attempt := 0
	op := func() error {
		attempt++
		err := operation(attempt)
		if err != nil && IsFatal(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, d time.Duration) {
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, d, err)
		}
	}

	err := backoff.RetryNotify(op, b, notify)
	switch {
	case err == nil:
		return nil
	case IsFatal(err):
		return err
	case ctx.Err() != nil:
		return fmt.Errorf("canceled after %d attempts: %w", attempt, ctx.Err())
	}
	return &ExhaustedError{Attempts: attempt, Err: err}
}

// WithAttempts sets the total number of attempts.
func WithAttempts(n int) Option {
	return func(c *Config) {
		c.Attempts = n
	}
}

// WithInitialDelay sets the delay after the first failure.
func WithInitialDelay(d time.Duration) Option {
	return func(c *Config) {
		c.InitialDelay = d
	}
}

// WithMaxDelay caps the delay between attempts.
func WithMaxDelay(d time.Duration) Option {
	return func(c *Config) {
		c.MaxDelay = d
	}
}

// WithMultiplier sets the backoff multiplier.
func WithMultiplier(m float64) Option {
	return func(c *Config) {
		c.Multiplier = m
	}
}

// WithOnRetry registers a callback invoked before each wait.
func WithOnRetry(fn func(attempt int, delay time.Duration, err error)) Option {
	return func(c *Config) {
		c.OnRetry = fn
	}
}

// WithConfig replaces the whole configuration.
func WithConfig(cfg Config) Option {
	return func(c *Config) {
		onRetry := c.OnRetry
		*c = cfg
		if c.OnRetry == nil {
			c.OnRetry = onRetry
		}
	}
}

// ExhaustedError is returned when every attempt failed.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// FatalError wraps an error to mark it as fatal (non-retryable).
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return e.Err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// Fatal marks an error as fatal (non-retryable).
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// IsFatal checks if an error is fatal (non-retryable).
func IsFatal(err error) bool {
	var fatalErr *FatalError
	return errors.As(err, &fatalErr)
}
