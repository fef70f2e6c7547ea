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

package ddltimer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewNeverFires(t *testing.T) {
	d := New()
	assert.True(t, d.Deadline().IsZero())
	assert.False(t, d.Expired())
	select {
	case <-d.Timeout():
		assert.Fail(t, "d.Timeout() should never be fired")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestDeadlineFires(t *testing.T) {
	d := New()
	start := time.Now()
	d.SetDeadline(start.Add(150 * time.Millisecond))
	require.Equal(t, start.Add(150*time.Millisecond), d.Deadline())

	<-d.Timeout()
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond)
	assert.Less(t, elapsed, 250*time.Millisecond)
	assert.True(t, d.Expired())
}

func TestPastDeadlineResolvesImmediately(t *testing.T) {
	d := New()
	d.SetDeadline(time.Now().Add(-time.Hour))
	select {
	case <-d.Timeout():
	default:
		assert.Fail(t, "a past deadline must close the channel synchronously")
	}
}

func TestEarlierDeadlineSupersedes(t *testing.T) {
	d := New()
	start := time.Now()
	d.SetDeadline(start.Add(time.Second))
	d.SetDeadline(start.Add(100 * time.Millisecond))

	<-d.Timeout()
	assert.Less(t, time.Since(start), 300*time.Millisecond)
}

func TestStopPreventsFiring(t *testing.T) {
	d := New()
	d.SetDeadline(time.Now().Add(100 * time.Millisecond))
	d.Stop()
	assert.True(t, d.Deadline().IsZero())
	select {
	case <-d.Timeout():
		assert.Fail(t, "d.Timeout() should never be fired")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestPastThenFutureBlocksUntilFuture(t *testing.T) {
	d := New()
	start := time.Now()
	d.SetDeadline(start.Add(-time.Second))
	d.SetDeadline(start.Add(200 * time.Millisecond))

	<-d.Timeout()
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
}

func TestSubscribersBeforeResetAreAllFired(t *testing.T) {
	d := New()
	start := time.Now()
	before := d.Timeout()
	d.SetDeadline(start.Add(50 * time.Millisecond))
	d.Stop()
	d.SetDeadline(start.Add(150 * time.Millisecond))
	after := d.Timeout()
	require.Equal(t, before, after)

	<-before
	<-after
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

type offsetClock struct {
	offset time.Duration
}

func (c offsetClock) Now() time.Time { return time.Now().Add(c.offset) }

func TestClockDefinesRemainingTime(t *testing.T) {
	// The clock runs 1 hour ahead, so a deadline 1 hour from the wall clock is already due.
	d := NewWithClock(offsetClock{offset: time.Hour})
	d.SetDeadline(time.Now().Add(time.Hour - 10*time.Millisecond))
	select {
	case <-d.Timeout():
	case <-time.After(time.Second):
		assert.Fail(t, "deadline measured against the injected clock should be due")
	}
}

func TestSleepUntil(t *testing.T) {
	start := time.Now()
	require.NoError(t, SleepUntil(context.Background(), start.Add(100*time.Millisecond)))
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	require.NoError(t, SleepUntil(context.Background(), start.Add(-time.Minute)))
}

func TestSleepUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := SleepUntil(ctx, time.Now().Add(time.Hour))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
