// Copyright 2023 Jigsaw Operations LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

/*
Package ddltimer converts a monotonic [Clock] into "wake no earlier than T" primitives. The [DeadlineTimer] is what the
stack runner sleeps on between engine polls:

	t := ddltimer.New()
	defer t.Stop()  // to prevent resource leaks
	t.SetDeadline(next)
	select {
	case <-t.Timeout():  // the engine deadline has been reached
	case <-activity:     // superseded by device activity, call SetDeadline again later
	}

For one-shot waits, use [SleepUntil].
*/
package ddltimer

import (
	"context"
	"sync"
	"time"
)

// Clock is a source of monotonic time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the [Clock] backed by [time.Now].
var SystemClock Clock = systemClock{}

// DeadlineTimer allows you to set a deadline and listen for the time-out event. The deadline can be moved at any time,
// earlier or later, and multiple subscribers can listen to the time-out channel.
//
// DeadlineTimer is safe for concurrent use by multiple goroutines.
type DeadlineTimer struct {
	clock Clock

	mu  sync.Mutex
	ddl time.Time
	t   *time.Timer
	c   chan struct{}
}

// New creates a DeadlineTimer driven by [SystemClock].
func New() *DeadlineTimer {
	return NewWithClock(SystemClock)
}

// NewWithClock creates a DeadlineTimer that measures the remaining time with clock. The wait itself always elapses in
// wall time, so the clock must advance at the same rate as the system clock.
func NewWithClock(clock Clock) *DeadlineTimer {
	if clock == nil {
		clock = SystemClock
	}
	return &DeadlineTimer{
		clock: clock,
		c:     make(chan struct{}),
	}
}

// Timeout returns a readonly channel that is closed once the deadline set by SetDeadline() has passed. The channel
// can be subscribed to by multiple listeners.
func (d *DeadlineTimer) Timeout() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.c
}

// SetDeadline moves the timer to expire at t. A deadline that has already passed closes the Timeout() channel
// immediately. A zero value means the timer will not time out.
func (d *DeadlineTimer) SetDeadline(t time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	// If the pending AfterFunc already started, it owns the current channel. Hand out a fresh one.
	if d.t != nil && !d.t.Stop() {
		d.c = make(chan struct{})
	}
	// A second d.t.Stop() would return false and leak a channel nobody closes.
	d.t = nil

	// A past deadline closed d.c without a timer; the next deadline needs an open channel.
	select {
	case <-d.c:
		d.c = make(chan struct{})
	default:
	}

	d.ddl = t
	if t.IsZero() {
		return
	}

	timeout := t.Sub(d.clock.Now())
	if timeout <= 0 {
		close(d.c)
		return
	}

	// Stop does not wait for a running AfterFunc, so close a copy that the next SetDeadline cannot replace.
	ch := d.c
	d.t = time.AfterFunc(timeout, func() {
		close(ch)
	})
}

// Stop prevents the timer from firing. It is equivalent to SetDeadline(time.Time{}).
func (d *DeadlineTimer) Stop() {
	d.SetDeadline(time.Time{})
}

// Deadline returns the current expiration time, or the zero value if the timer will never expire.
func (d *DeadlineTimer) Deadline() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ddl
}

// Expired reports whether the current deadline has been reached.
func (d *DeadlineTimer) Expired() bool {
	select {
	case <-d.Timeout():
		return true
	default:
		return false
	}
}

// SleepUntil blocks until deadline is reached or ctx is done, whichever happens first. A deadline in the past returns
// immediately. A zero deadline waits for ctx only.
func SleepUntil(ctx context.Context, deadline time.Time) error {
	t := New()
	defer t.Stop()
	t.SetDeadline(deadline)
	select {
	case <-t.Timeout():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
