// Package retry implements exponential backoff with bounded jitter for
// transient failures.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Config configures retry behavior.
type Config struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	MaxAttempts int
	// InitialDelay is the delay after the first failure.
	InitialDelay time.Duration
	// MaxDelay caps the delay between attempts.
	MaxDelay time.Duration
	// Factor is the multiplier for exponential backoff.
	Factor float64
	// Jitter extends each delay by up to this fraction (0.3 = up to +30%).
	Jitter float64
	// RetryIf decides whether an error is worth another attempt. Nil means
	// retry everything except permanent errors.
	RetryIf func(error) bool
}

// DefaultConfig matches the agent invocation policy: three attempts,
// one second base, ten second cap, jitter up to 30%.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     10 * time.Second,
		Factor:       2.0,
		Jitter:       0.3,
	}
}

// Result reports the outcome of a retried operation.
type Result struct {
	// Attempts is the number of attempts made.
	Attempts int
	// Err is the last error, nil on success.
	Err error
	// Duration is the total time spent.
	Duration time.Duration
}

func (c *Config) sanitize() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 10 * time.Second
	}
	if c.Factor <= 0 {
		c.Factor = 2.0
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
}

// Do executes op, retrying per config until it succeeds, the error is
// rejected by RetryIf, the attempts run out, or the context ends.
func Do(ctx context.Context, config Config, op func() error) Result {
	start := time.Now()
	result := Result{}
	config.sanitize()

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		result.Attempts = attempt

		if ctx.Err() != nil {
			result.Err = ctx.Err()
			result.Duration = time.Since(start)
			return result
		}

		err := op()
		if err == nil {
			result.Err = nil
			result.Duration = time.Since(start)
			return result
		}
		result.Err = err

		if IsPermanent(err) {
			break
		}
		if config.RetryIf != nil && !config.RetryIf(err) {
			break
		}
		if attempt >= config.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			result.Err = ctx.Err()
			result.Duration = time.Since(start)
			return result
		case <-time.After(Delay(attempt, config)):
		}
	}

	result.Duration = time.Since(start)
	return result
}

// DoWithValue retries an operation that returns a value.
func DoWithValue[T any](ctx context.Context, config Config, op func() (T, error)) (T, Result) {
	var value T
	result := Do(ctx, config, func() error {
		var err error
		value, err = op()
		return err
	})
	return value, result
}

// Delay computes the backoff before attempt+1: initial * factor^(attempt-1),
// capped at MaxDelay, extended by up to Jitter.
func Delay(attempt int, config Config) time.Duration {
	config.sanitize()
	if attempt < 1 {
		attempt = 1
	}
	base := float64(config.InitialDelay) * math.Pow(config.Factor, float64(attempt-1))
	if base > float64(config.MaxDelay) {
		base = float64(config.MaxDelay)
	}
	if config.Jitter > 0 {
		base *= 1 + rand.Float64()*config.Jitter // #nosec G404 -- jitter needs no crypto randomness
	}
	return time.Duration(base)
}

// PermanentError marks an error that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps an error so Do gives up immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err carries the permanent marker.
func IsPermanent(err error) bool {
	var permanent *PermanentError
	return errors.As(err, &permanent)
}
