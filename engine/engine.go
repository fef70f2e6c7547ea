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

package engine

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/Jigsaw-Code/outline-netstack/network"
)

// Kind is the type of a socket. Socket pools are sized per Kind.
type Kind uint8

const (
	// KindDatagram is a message-oriented socket, such as UDP.
	KindDatagram Kind = iota
	// KindStream is a connection-oriented byte stream, such as TCP.
	KindStream
	// KindRaw receives and sends whole IP packets.
	KindRaw
)

// Kinds lists every Kind, in pool order.
var Kinds = []Kind{KindDatagram, KindStream, KindRaw}

func (k Kind) String() string {
	switch k {
	case KindDatagram:
		return "datagram"
	case KindStream:
		return "stream"
	case KindRaw:
		return "raw"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ParseKind is the inverse of [Kind.String].
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown socket kind %q", s)
}

// Handle identifies a socket inside an engine. Index is a slot of the stack's fixed-capacity socket arena, so an
// engine can keep per-socket state in a slice indexed by it. Gen changes every time the slot is reused.
type Handle struct {
	Index uint16
	Gen   uint16
}

func (h Handle) String() string {
	return fmt.Sprintf("#%d.%d", h.Index, h.Gen)
}

// Readiness is the set of operations a socket is currently eligible for.
type Readiness uint8

const (
	// Readable means Receive has something to return.
	Readable Readiness = 1 << iota
	// Writable means Send can queue at least one more message, or a pending Connect has completed.
	Writable
	// Closed means the socket has finished closing, or was reset by the peer.
	Closed
	// LinkDown is never reported by engines; the stack sets it on every socket while the link is down.
	LinkDown
)

func (r Readiness) String() string {
	s := ""
	for _, f := range []struct {
		bit  Readiness
		name string
	}{{Readable, "R"}, {Writable, "W"}, {Closed, "C"}, {LinkDown, "L"}} {
		if r&f.bit != 0 {
			s += f.name
		} else {
			s += "-"
		}
	}
	return s
}

// Engine is a single-threaded, poll-driven protocol engine. It owns every socket's state internally.
//
// An Engine is not reentrant: the stack guarantees that at most one method call is in flight at any time, and never
// calls it from inside another call. Implementations therefore need no locking for state touched only by these
// methods. None of the methods block.
type Engine interface {
	// Poll drains inbound frames from port, advances every socket's state machine, emits pending frames to port, and
	// updates readiness. It returns the time by which it must be polled again even if nothing else happens, or false
	// if there is no such deadline. Poll never fails: malformed frames are dropped, and a frame port refuses stays
	// queued for a later Poll.
	Poll(now time.Time, port network.Port) (time.Time, bool)

	// Open creates the engine-side state of socket h. It returns ErrUnsupportedKind for kinds the engine lacks.
	Open(h Handle, kind Kind) error

	// Abort discards the state of socket h immediately, resetting any connection. It is a no-op for unknown handles.
	Abort(h Handle)

	// Readiness reports what h is eligible for, as of the last Poll or socket operation.
	Readiness(h Handle) Readiness

	// Bind assigns the local address of h. A zero port picks a free ephemeral port.
	Bind(h Handle, local netip.AddrPort) error

	// Connect sets the remote address of h. For datagram sockets it completes immediately; for stream sockets it
	// starts the handshake and returns ErrWouldBlock until Writable.
	Connect(h Handle, remote netip.AddrPort) error

	// Send queues p for transmission to `to`, or to the connected remote if `to` is not valid. It returns
	// ErrWouldBlock, without side effects, when the send buffer is full.
	Send(h Handle, p []byte, to netip.AddrPort) (int, error)

	// Receive copies the next inbound message into p. It returns ErrWouldBlock, without side effects, when there is
	// nothing to read.
	Receive(h Handle, p []byte) (int, netip.AddrPort, error)

	// Shutdown starts a graceful close. The socket reports Closed once pending data is flushed.
	Shutdown(h Handle) error
}

// Notifier is implemented by engines that receive work outside of Poll, for example from callbacks of a C library.
// The stack installs notify before the first Poll; the engine calls it, from any goroutine, to request a Poll.
type Notifier interface {
	SetNotify(notify func())
}

// ConfigReporter is implemented by engines that have an address configuration phase.
type ConfigReporter interface {
	// ConfigUp reports whether the engine has a usable address.
	ConfigUp() bool
}

// LocalAddrReporter is implemented by engines that can report the bound address of a socket.
type LocalAddrReporter interface {
	LocalAddr(h Handle) (netip.AddrPort, bool)
}
