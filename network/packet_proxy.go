// Copyright 2023 The Outline Authors
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

import "net/netip"

// PacketProxy relays UDP traffic on behalf of a client that has no sockets of its own, such as an application that
// wants to reach hosts through a user-space stack. Each call to NewSession corresponds to one local UDP endpoint: the
// client sends requests through the returned PacketRequestSender and receives responses on the PacketResponseReceiver
// it passed in.
//
// Sessions may receive responses without having sent any request. Multiple goroutines can simultaneously invoke
// methods on a PacketProxy.
type PacketProxy interface {
	// NewSession starts a session whose responses are written to resp. It fails when the proxy cannot allocate the
	// resources for another local endpoint.
	NewSession(resp PacketResponseReceiver) (PacketRequestSender, error)
}

// PacketRequestSender sends the requests of one session. After Close, WriteTo fails with ErrClosed and the proxy stops
// writing to the session's PacketResponseReceiver.
//
// Multiple goroutines can simultaneously invoke methods on a PacketRequestSender.
type PacketRequestSender interface {
	// WriteTo sends the payload p to destination. An empty p is ignored. WriteTo may block until the proxy has room
	// for the request.
	//
	// p must not be modified, and it must not be referenced after WriteTo returns.
	WriteTo(p []byte, destination netip.AddrPort) (int, error)

	// Close ends the session and releases its local endpoint.
	Close() error
}

// PacketResponseReceiver receives the responses of one session. The proxy calls Close once no more responses will be
// written, after the session is closed or when its endpoint fails.
//
// Multiple goroutines can simultaneously invoke methods on a PacketResponseReceiver.
type PacketResponseReceiver interface {
	// WriteFrom delivers the payload p that source sent to the session. An error stops the relay of the session.
	//
	// p must not be modified, and it must not be referenced after WriteFrom returns.
	WriteFrom(p []byte, source netip.AddrPort) (int, error)

	// Close tells the receiver that no more responses will be written.
	Close() error
}
