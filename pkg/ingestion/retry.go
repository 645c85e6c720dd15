// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package ingestion

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

// RetryPolicy configures retries of transient failures on write paths.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int `yaml:"max_attempts"`

	// BaseDelay is the backoff before the second attempt; it doubles after
	// every further failure up to MaxDelay.
	BaseDelay time.Duration `yaml:"base_delay"`
	MaxDelay  time.Duration `yaml:"max_delay"`

	// Jitter is the fraction of each delay that is randomized, from 0 (none)
	// to 1 (full jitter over [0, delay]).
	Jitter float64 `yaml:"jitter"`

	// AttemptTimeout bounds each attempt. Zero leaves attempts unbounded.
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    5,
		BaseDelay:      500 * time.Millisecond,
		MaxDelay:       30 * time.Second,
		Jitter:         1.0,
		AttemptTimeout: 60 * time.Second,
	}
}

// withDefaults fills zero fields so a zero policy cannot busy-loop.
func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}

// Validate rejects settings that cannot be meant.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 0 {
		return &ConfigurationError{Field: "retry.max_attempts", Reason: "must not be negative"}
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		return &ConfigurationError{Field: "retry.jitter", Reason: "must be between 0 and 1"}
	}
	if p.BaseDelay < 0 || p.MaxDelay < 0 || p.AttemptTimeout < 0 {
		return &ConfigurationError{Field: "retry", Reason: "durations must not be negative"}
	}
	return nil
}

// backoff returns the delay after the given failed attempt (0-based):
// BaseDelay * 2^attempt capped at MaxDelay, with the jitter fraction
// randomized away.
func (p RetryPolicy) backoff(attempt int) time.Duration {
	exp := float64(p.BaseDelay)
	for i := 0; i < attempt; i++ {
		exp *= 2
		if exp >= float64(p.MaxDelay) {
			break
		}
	}
	d := time.Duration(exp)
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter > 0 && d > 0 {
		d -= time.Duration(rand.Float64() * p.Jitter * float64(d))
	}
	return d
}

// RetryFunc is notified before each retry with the attempt that failed
// (1-based), the delay about to be slept and the error.
type RetryFunc func(attempt int, delay time.Duration, err error)

// Retry runs fn until it succeeds, fails with an error IsRetryable rejects,
// or policy.MaxAttempts is reached. Each attempt runs under
// policy.AttemptTimeout. Cancellation of ctx stops retrying at once.
func Retry[T any](ctx context.Context, policy RetryPolicy, onRetry RetryFunc, fn func(ctx context.Context) (T, error)) (T, error) {
	policy = policy.withDefaults()
	var zero T
	var lastErr error

	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, fmt.Errorf("%w (last error: %v)", err, lastErr)
			}
			return zero, err
		}

		v, err := runAttempt(ctx, policy.AttemptTimeout, fn)
		if err == nil {
			return v, nil
		}
		lastErr = err

		// The parent deadline is not the attempt's: it ends the operation.
		if ctx.Err() != nil || !IsRetryable(err) {
			return zero, err
		}
		if attempt == policy.MaxAttempts-1 {
			break
		}

		delay := policy.backoff(attempt)
		if onRetry != nil {
			onRetry(attempt+1, delay, err)
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("%w (last error: %v)", ctx.Err(), lastErr)
		case <-timer.C:
		}
	}
	return zero, fmt.Errorf("giving up after %d attempts: %w", policy.MaxAttempts, lastErr)
}

func runAttempt[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(attemptCtx)
}
