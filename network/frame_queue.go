// Copyright 2026 The Outline Authors
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

package network

import (
	"github.com/eapache/queue"
)

// FrameQueue is a bounded FIFO of frames. Pushing into a full queue fails instead of growing it, so a FrameQueue
// models a fixed link buffer.
//
// FrameQueue is not safe for concurrent use; the owner serializes access.
type FrameQueue struct {
	q        *queue.Queue
	capacity int
}

// NewFrameQueue creates a FrameQueue that holds at most capacity frames. It panics if capacity is not positive.
func NewFrameQueue(capacity int) *FrameQueue {
	if capacity <= 0 {
		panic("network: frame queue capacity must be positive")
	}
	return &FrameQueue{q: queue.New(), capacity: capacity}
}

// TryPush appends frame to the queue. It returns false, and does not take ownership of frame, if the queue is full.
func (fq *FrameQueue) TryPush(frame []byte) bool {
	if fq.IsFull() {
		return false
	}
	fq.q.Add(frame)
	return true
}

// TryPop removes and returns the oldest frame.
func (fq *FrameQueue) TryPop() ([]byte, bool) {
	if fq.q.Length() == 0 {
		return nil, false
	}
	return fq.q.Remove().([]byte), true
}

// Peek returns the oldest frame without removing it.
func (fq *FrameQueue) Peek() ([]byte, bool) {
	if fq.q.Length() == 0 {
		return nil, false
	}
	return fq.q.Peek().([]byte), true
}

// Len returns the number of queued frames.
func (fq *FrameQueue) Len() int { return fq.q.Length() }

// Capacity returns the maximum number of frames the queue can hold.
func (fq *FrameQueue) Capacity() int { return fq.capacity }

// FreeCapacity returns how many more frames can be pushed.
func (fq *FrameQueue) FreeCapacity() int { return fq.capacity - fq.q.Length() }

// IsEmpty reports whether the queue holds no frame.
func (fq *FrameQueue) IsEmpty() bool { return fq.q.Length() == 0 }

// IsFull reports whether TryPush would fail.
func (fq *FrameQueue) IsFull() bool { return fq.q.Length() >= fq.capacity }

// Clear drops every queued frame.
func (fq *FrameQueue) Clear() {
	for fq.q.Length() > 0 {
		fq.q.Remove()
	}
}
