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

// Port is the non-blocking view of a link that a protocol engine polls. None of its methods block, so a Port can be
// used while holding the stack's engine lock.
//
// Frames are IP packets. A frame returned by TryReceive is owned by the caller. A frame passed to TryTransmit is only
// owned by the Port if TryTransmit returns nil; otherwise the caller keeps it and retries later.
type Port interface {
	// TryReceive returns the next pending inbound frame, or false if there is none.
	TryReceive() ([]byte, bool)

	// TryTransmit hands frame to the link. It returns ErrTransmitBusy when the link buffer is full, ErrMsgSize when the
	// frame exceeds MTU, and ErrClosed or ErrLinkDown for persistent failures.
	TryTransmit(frame []byte) error

	// Activity returns a channel that receives a value when the Port may have something new to report: a frame
	// arrived, transmit space became available, or the link state changed. Notifications coalesce, so the receiver
	// must drain everything that is ready after each one.
	Activity() <-chan struct{}

	// CanReceive reports whether TryReceive would return a frame right now.
	CanReceive() bool

	// CanTransmit reports whether TryTransmit would accept a frame right now.
	CanTransmit() bool

	// LinkUp reports whether the link is operational.
	LinkUp() bool

	// MTU returns the maximum frame size.
	MTU() int
}

// Notify performs a non-blocking send on an activity channel created with capacity 1. Pending notifications
// coalesce into one.
func Notify(c chan<- struct{}) {
	select {
	case c <- struct{}{}:
	default:
	}
}
