/*
 * Aussie
 * Copyright (C) 2024  Aussieco, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package retryutils

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// Retry is an interface that provides retry logic.
type Retry interface {
	// Reset resets retry state.
	Reset()
	// Inc increments retry attempt.
	Inc()
	// Duration returns retry duration, could be 0.
	Duration() time.Duration
	// After returns a channel that fires after Duration delay, and fires
	// right away if Duration is 0.
	After() <-chan time.Time
	// Clone creates a copy of this retry in a reset state.
	Clone() Retry
}

// LinearConfig sets up retry configuration using arithmetic progression.
type LinearConfig struct {
	// First is a first element of the progression, could be 0.
	First time.Duration
	// Step is a step of the progression, can't be 0.
	Step time.Duration
	// Max is a maximum value of the progression, can't be 0.
	Max time.Duration
	// Jitter is an optional jitter function to be applied to the delay.
	// Note that supplying a jitter means that successive calls to
	// Duration may return different results.
	Jitter Jitter
	// AutoReset, if greater than zero, causes the linear retry to
	// automatically reset after Max * AutoReset has elapsed since the
	// last call to Inc.
	AutoReset int64
	// Clock to override clock in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults checks and sets defaults.
func (c *LinearConfig) CheckAndSetDefaults() error {
	if c.Step == 0 {
		return trace.BadParameter("missing parameter Step")
	}
	if c.Max == 0 {
		return trace.BadParameter("missing parameter Max")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// NewLinear returns a new instance of linear retry.
func NewLinear(cfg LinearConfig) (*Linear, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return newLinear(cfg), nil
}

// newLinear creates an instance of Linear from a previously verified
// configuration.
func newLinear(cfg LinearConfig) *Linear {
	closedChan := make(chan time.Time)
	close(closedChan)
	return &Linear{LinearConfig: cfg, closedChan: closedChan}
}

// NewConstant returns a new linear retry with a constant interval.
func NewConstant(interval time.Duration) (*Linear, error) {
	return NewLinear(LinearConfig{Step: interval, Max: interval})
}

// Linear is used to calculate the retry period that grows by a fixed step
// with every attempt, up to a maximum.
type Linear struct {
	// LinearConfig is a linear retry config.
	LinearConfig
	lastInc    time.Time
	attempt    int64
	closedChan chan time.Time
}

// Reset resets the retry period to the initial state.
func (r *Linear) Reset() {
	r.attempt = 0
}

// ResetToDelay resets the retry period and increments the number of
// attempts.
func (r *Linear) ResetToDelay() {
	r.Reset()
	r.Inc()
}

// Clone creates an identical copy of Linear with fresh state.
func (r *Linear) Clone() Retry {
	return newLinear(r.LinearConfig)
}

// Inc increments the attempt counter.
func (r *Linear) Inc() {
	r.attempt++
	if r.AutoReset < 1 {
		return
	}
	// When AutoReset is active, track the time of the last call to Inc.
	// If more than Max * AutoReset has elapsed, reset state internally.
	// This allows Linear to function as a long-lived rate-limiting
	// device.
	prev := r.lastInc
	r.lastInc = r.Clock.Now()
	if prev.IsZero() {
		return
	}
	if r.Max*time.Duration(r.AutoReset) < r.lastInc.Sub(prev) {
		r.Reset()
	}
}

// Attempt returns the current attempt counter.
func (r *Linear) Attempt() int64 {
	return r.attempt
}

// Duration returns the retry duration based on state.
func (r *Linear) Duration() time.Duration {
	a := r.First + time.Duration(r.attempt)*r.Step
	if a < 1 {
		return 0
	}
	if a > r.Max {
		a = r.Max
	}
	if r.Jitter != nil {
		a = r.Jitter(a)
	}
	return a
}

// After returns a channel that fires with the timeout defined by the
// Duration method. As a special case, if Duration is 0 it returns a
// closed channel.
func (r *Linear) After() <-chan time.Time {
	d := r.Duration()
	if d < 1 {
		return r.closedChan
	}
	return r.Clock.After(d)
}

// String returns a user-friendly representation of the Linear retry.
func (r *Linear) String() string {
	return fmt.Sprintf("Linear(attempt=%v, duration=%v)", r.attempt, r.Duration())
}

// For retries the provided function until it succeeds, returns a
// permanent error, or the context expires.
func (r *Linear) For(ctx context.Context, retryFn func() error) error {
	for {
		err := retryFn()
		if err == nil {
			return nil
		}
		if _, ok := trace.Unwrap(err).(*permanentRetryError); ok {
			return trace.Wrap(err)
		}
		slog.DebugContext(ctx, "Retrying on error",
			"delay", r.Duration(),
			"error", err,
		)
		select {
		case <-r.After():
			r.Inc()
		case <-ctx.Done():
			return trace.LimitExceeded("%s", ctx.Err())
		}
	}
}

// PermanentRetryError returns a new instance of a permanent retry error.
// Returning one from a function retried by For stops the retry loop.
func PermanentRetryError(err error) error {
	return &permanentRetryError{err: err}
}

// permanentRetryError indicates that the retry loop should stop.
type permanentRetryError struct {
	err error
}

// Error returns the original error message.
func (e *permanentRetryError) Error() string {
	return e.err.Error()
}
