// Copyright 2026 The p2pcc Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time so that timeouts, retry backoff, and
// polling intervals can be driven deterministically in tests.
//
// Production code takes a [Clock] and is handed [Real]. Tests hand it
// a [FakeClock] and move time with [FakeClock.Advance], using
// [FakeClock.WaitForTimers] to synchronize with goroutines that arm
// timers asynchronously.
package clock

import "time"

// Clock is the subset of the time package used by this module.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After behaves like time.After. A non-positive d fires at once.
	After(d time.Duration) <-chan time.Time

	// AfterFunc behaves like time.AfterFunc: f runs once after d
	// unless the returned Timer is stopped first.
	AfterFunc(d time.Duration, f func()) *Timer

	// NewTicker behaves like time.NewTicker and panics if d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Timer is a cancellable pending AfterFunc call.
type Timer struct {
	stop func() bool
}

// Stop cancels the timer. It reports whether the call prevented f
// from running.
func (t *Timer) Stop() bool { return t.stop() }

// Ticker delivers periodic ticks on C. Slow readers miss ticks.
type Ticker struct {
	C <-chan time.Time

	stop func()
}

// Stop turns the ticker off. C is not closed.
func (t *Ticker) Stop() { t.stop() }
