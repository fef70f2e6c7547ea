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

package stack

import "github.com/Jigsaw-Code/outline-netstack/engine"

// Waker resumes a goroutine that is waiting for a socket. Wake is called with the stack lock held, so it must not
// block or call back into the Stack.
type Waker interface {
	Wake()
}

// NopWaker does nothing when woken.
type NopWaker struct{}

// Wake implements [Waker].
func (NopWaker) Wake() {}

// FuncWaker calls a function when woken. It is usually used to queue a task on some other executor.
type FuncWaker struct {
	fn func()
}

// NewFuncWaker creates a FuncWaker that calls fn. fn must not block.
func NewFuncWaker(fn func()) *FuncWaker {
	return &FuncWaker{fn: fn}
}

// Wake implements [Waker].
func (w *FuncWaker) Wake() { w.fn() }

// ChanWaker sends on a channel when woken. Wakes coalesce: if a wake is already pending, Wake does nothing.
type ChanWaker chan struct{}

// NewChanWaker creates a ChanWaker with room for one pending wake.
func NewChanWaker() ChanWaker {
	return make(ChanWaker, 1)
}

// Wake implements [Waker].
func (w ChanWaker) Wake() {
	select {
	case w <- struct{}{}:
	default:
	}
}

// sameWaker reports whether a and b are the same waker. Only the wakers of this package are compared; wakers of other
// types are never the same, which at worst costs a spurious wake.
func sameWaker(a, b Waker) bool {
	switch a := a.(type) {
	case nil:
		return b == nil
	case *FuncWaker:
		other, ok := b.(*FuncWaker)
		return ok && a == other
	case ChanWaker:
		other, ok := b.(ChanWaker)
		return ok && a == other
	case NopWaker:
		_, ok := b.(NopWaker)
		return ok
	default:
		return false
	}
}

// Interest is the set of readiness conditions a waiter wants to be woken for.
type Interest uint8

const (
	// Readable wakes the waiter when the socket has something to receive.
	Readable = Interest(engine.Readable)
	// Writable wakes the waiter when the socket can queue more data.
	Writable = Interest(engine.Writable)
	// Closed wakes the waiter when the socket has closed.
	Closed = Interest(engine.Closed)
	// LinkDown wakes the waiter while the link is down.
	LinkDown = Interest(engine.LinkDown)
	// AnyChange wakes the waiter as soon as the readiness differs from what it was at registration.
	AnyChange Interest = 1 << 7
)

// SatisfiedBy reports whether a waiter registered when the socket readiness was snapshot should be woken now that it
// is ready. Readiness conditions are level triggered.
func (i Interest) SatisfiedBy(ready, snapshot engine.Readiness) bool {
	if engine.Readiness(i&^AnyChange)&ready != 0 {
		return true
	}
	return i&AnyChange != 0 && ready != snapshot
}
