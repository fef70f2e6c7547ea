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

package network

import (
	"errors"
)

// Portable analogs of some common errors.
//
// Errors returned from this package and all sub-packages can be tested against these errors using [errors.Is].
var (
	// ErrClosed is the error returned by an I/O call on a network device, port or socket that has already been closed,
	// or that is closed by another goroutine before the I/O is completed. This can be wrapped in another error, and
	// should normally be tested using errors.Is(err, network.ErrClosed).
	ErrClosed = errors.New("network device already closed")

	// ErrMsgSize is the error returned by a write on a network device or socket when the message is bigger than the
	// maximum message size the device can process.
	ErrMsgSize = errors.New("packet size is too big")

	// ErrTransmitBusy is returned by [Port.TryTransmit] when the link cannot accept another frame right now. It is
	// transient: the caller keeps ownership of the frame and retries later.
	ErrTransmitBusy = errors.New("link transmit buffer is full")

	// ErrLinkDown indicates that the physical or virtual link is not operational. The stack surfaces it as a readiness
	// state; sockets that opt in return it from blocked operations.
	ErrLinkDown = errors.New("network link is down")

	// ErrPortUnreachable is an error that indicates a remote server's port cannot be reached. This can be wrapped in
	// another error, and should normally be tested using errors.Is(err, network.ErrPortUnreachable).
	ErrPortUnreachable = errors.New("port is not reachable")
)
