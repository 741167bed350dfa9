// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction. Production
// code wires Real(); tests wire Fake(), register work, then call
// WaitForTimers and Advance to fire deadlines deterministically
// instead of sleeping on the wall clock.
package clock

import "time"

// Clock abstracts the time operations the gateway depends on, so that
// token expiry, relay pacing, and inactivity watchdogs can be driven
// deterministically in tests. Production code injects Real(); tests
// inject Fake() and advance it explicitly.
//
// Code that would otherwise call time.Now, time.After, time.AfterFunc,
// or time.Sleep should take a Clock instead (usually as a field on the
// owning struct).
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once
	// duration d has elapsed. If d <= 0 the channel receives
	// immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc waits for duration d, then calls f in its own
	// goroutine (real clock) or synchronously during Advance (fake
	// clock). The returned Timer can cancel or reschedule the call.
	// If d <= 0, f runs immediately.
	AfterFunc(d time.Duration, f func()) *Timer

	// Sleep pauses the calling goroutine for at least duration d.
	Sleep(d time.Duration)
}

// Timer is a scheduled AfterFunc call. Stop prevents a pending call
// from firing; Reset reschedules it.
type Timer struct {
	stopFunc  func() bool
	resetFunc func(time.Duration) bool
}

// Stop prevents the timer from firing. Returns true if the call was
// stopped, false if it already fired or was already stopped.
func (t *Timer) Stop() bool { return t.stopFunc() }

// Reset reschedules the timer to fire after duration d. Returns true
// if the timer was still pending before the reset.
func (t *Timer) Reset(d time.Duration) bool { return t.resetFunc(d) }
