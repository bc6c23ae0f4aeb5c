// Package reconnect runs a connection function under a retry loop with
// back-off between failed attempts.
package reconnect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Config contains back-off configuration.
type Config struct {
	MaxRetries    int           // Maximum consecutive failed attempts (0 = unlimited)
	RetryDelay    time.Duration // Initial retry delay
	MaxRetryDelay time.Duration // Retry delay cap (equal to RetryDelay for a fixed delay)
}

// DefaultConfig returns a fixed 5 second delay with unlimited retries.
func DefaultConfig() Config {
	return Config{
		MaxRetries:    0,
		RetryDelay:    5 * time.Second,
		MaxRetryDelay: 5 * time.Second,
	}
}

// State tracks reconnection attempts. It is owned by the goroutine running
// Run; Reconnects may be read concurrently.
type State struct {
	CurrentRetries int
	Reconnects     atomic.Uint64 // Total back-off retries (immediate retries excluded)
}

// Reset clears the consecutive-failure counter. Connect functions call it
// once a connection is established so a later failure starts the back-off
// schedule from the beginning.
func (s *State) Reset() {
	if s.CurrentRetries != 0 {
		slog.Debug("reconnect: state reset", "previous_retries", s.CurrentRetries)
	}
	s.CurrentRetries = 0
}

// ConnectFunc runs one connection attempt. It returns nil when the work is
// finished for good and an error when the attempt failed and should be
// retried.
type ConnectFunc func(ctx context.Context) error

// immediateError marks an error whose retry skips the back-off delay.
type immediateError struct{ err error }

func (e *immediateError) Error() string { return e.err.Error() }
func (e *immediateError) Unwrap() error { return e.err }

// Immediate wraps err so that Run retries without waiting.
func Immediate(err error) error {
	if err == nil {
		return nil
	}
	return &immediateError{err: err}
}

// IsImmediate reports whether err was wrapped with Immediate.
func IsImmediate(err error) bool {
	var ie *immediateError
	return errors.As(err, &ie)
}

// Run executes connectFn until it returns nil, the context is cancelled, or
// MaxRetries consecutive attempts have failed.
//
// Back-off schedule: delay = RetryDelay * 2^(attempt-1), capped at
// MaxRetryDelay. With RetryDelay == MaxRetryDelay the delay is fixed.
// Errors wrapped with Immediate are retried right away and do not count
// towards MaxRetries.
func Run(ctx context.Context, connectFn ConnectFunc, cfg Config, state *State) error {
	for {
		select {
		case <-ctx.Done():
			slog.Debug("reconnect: context cancelled, stopping")
			return ctx.Err()
		default:
		}

		err := connectFn(ctx)
		if err == nil {
			state.CurrentRetries = 0
			return nil
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if IsImmediate(err) {
			slog.Debug("reconnect: retrying immediately", "error", err)
			continue
		}

		state.Reconnects.Add(1)
		state.CurrentRetries++
		if cfg.MaxRetries > 0 && state.CurrentRetries > cfg.MaxRetries {
			return fmt.Errorf("reconnect: max retries exceeded (%d attempts): %w", cfg.MaxRetries, err)
		}

		delay := Backoff(state.CurrentRetries, cfg)

		slog.Warn("reconnect: retrying connection",
			"attempt", state.CurrentRetries,
			"max_retries", cfg.MaxRetries,
			"delay", delay,
			"error", err,
		)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			slog.Debug("reconnect: context cancelled during backoff")
			return ctx.Err()
		}
	}
}

// Backoff returns the delay before the given (1-based) attempt.
//
// Example with RetryDelay=1s, MaxRetryDelay=30s:
//   - Attempt 1: 1s
//   - Attempt 3: 4s
//   - Attempt 6: 30s (capped)
func Backoff(attempt int, cfg Config) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 31 {
		attempt = 31
	}
	delay := cfg.RetryDelay * time.Duration(1<<uint(attempt-1))
	if delay > cfg.MaxRetryDelay || delay <= 0 {
		delay = cfg.MaxRetryDelay
	}
	return delay
}
