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

// Package enginetest provides a scripted [engine.Engine] for testing code that drives engines.
//
// Tests change readiness, deliver messages and move the poll deadline from their own goroutines; the Engine records
// every Poll and counts calls that overlap, which a correct driver never makes.
package enginetest

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Jigsaw-Code/outline-netstack/engine"
	"github.com/Jigsaw-Code/outline-netstack/network"
)

type message struct {
	payload []byte
	addr    netip.AddrPort
}

type socketState struct {
	kind      engine.Kind
	base      engine.Readiness
	local     netip.AddrPort
	remote    netip.AddrPort
	inbox     []message
	sent      []message
	shutdown  bool
	sendLimit int
}

var _ engine.Engine = (*Engine)(nil)
var _ engine.Notifier = (*Engine)(nil)
var _ engine.ConfigReporter = (*Engine)(nil)

// Engine is a scripted engine. The zero value is not usable; use [New].
type Engine struct {
	inFlight   atomic.Int32
	violations atomic.Int64
	calls      atomic.Int64

	// PollDelay, if set before the engine is used, makes every Poll sleep to widen race windows.
	PollDelay time.Duration

	mu       sync.Mutex
	sockets  map[engine.Handle]*socketState
	aborted  []engine.Handle
	polls    []time.Time
	next     time.Time
	hasNext  bool
	configUp bool
	notify   func()
	frames   int
}

// New creates an Engine with no sockets and no deadline.
func New() *Engine {
	return &Engine{sockets: make(map[engine.Handle]*socketState)}
}

// enter tracks overlapping calls. Call the returned function when the call ends.
func (e *Engine) enter() func() {
	e.calls.Add(1)
	if e.inFlight.Add(1) > 1 {
		e.violations.Add(1)
	}
	return func() { e.inFlight.Add(-1) }
}

// Violations returns how many engine calls started while another one was in flight.
func (e *Engine) Violations() int64 { return e.violations.Load() }

// Calls returns how many engine methods were called.
func (e *Engine) Calls() int64 { return e.calls.Load() }

// Polls returns the time argument of every Poll so far.
func (e *Engine) Polls() []time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]time.Time(nil), e.polls...)
}

// PollCount returns how many times Poll was called.
func (e *Engine) PollCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.polls)
}

// FramesReceived returns how many frames Poll took from the port.
func (e *Engine) FramesReceived() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.frames
}

// SetNextDeadline sets what Poll returns. It does not request a Poll.
func (e *Engine) SetNextDeadline(t time.Time, ok bool) {
	e.mu.Lock()
	e.next, e.hasNext = t, ok
	e.mu.Unlock()
}

// SetReadiness sets the readiness of h and requests a Poll. Readable is also reported while messages are waiting,
// and Writable is withheld while the send limit is reached.
func (e *Engine) SetReadiness(h engine.Handle, r engine.Readiness) {
	e.mu.Lock()
	if s, ok := e.sockets[h]; ok {
		s.base = r
	}
	e.mu.Unlock()
	e.kick()
}

// SetSendLimit makes Send fail with ErrWouldBlock once n messages are queued on h. Zero means no limit.
func (e *Engine) SetSendLimit(h engine.Handle, n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.sockets[h]; ok {
		s.sendLimit = n
	}
}

// Deliver queues a message for Receive on h and requests a Poll.
func (e *Engine) Deliver(h engine.Handle, payload []byte, from netip.AddrPort) {
	e.mu.Lock()
	if s, ok := e.sockets[h]; ok {
		s.inbox = append(s.inbox, message{append([]byte(nil), payload...), from})
	}
	e.mu.Unlock()
	e.kick()
}

// Sent removes and returns the payloads sent on h, as if they had been transmitted, and requests a Poll.
func (e *Engine) Sent(h engine.Handle) [][]byte {
	e.mu.Lock()
	s, ok := e.sockets[h]
	if !ok {
		e.mu.Unlock()
		return nil
	}
	var out [][]byte
	for _, m := range s.sent {
		out = append(out, m.payload)
	}
	s.sent = nil
	e.mu.Unlock()
	e.kick()
	return out
}

// IsOpen reports whether h was opened and not aborted.
func (e *Engine) IsOpen(h engine.Handle) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.sockets[h]
	return ok
}

// Aborted returns every aborted handle, in order.
func (e *Engine) Aborted() []engine.Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]engine.Handle(nil), e.aborted...)
}

// SetConfigUp changes what ConfigUp reports and requests a Poll.
func (e *Engine) SetConfigUp(up bool) {
	e.mu.Lock()
	e.configUp = up
	e.mu.Unlock()
	e.kick()
}

func (e *Engine) kick() {
	e.mu.Lock()
	notify := e.notify
	e.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// SetNotify implements [engine.Notifier].
func (e *Engine) SetNotify(notify func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notify = notify
}

// ConfigUp implements [engine.ConfigReporter].
func (e *Engine) ConfigUp() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.configUp
}

// Poll implements [engine.Engine]. It drains the port and returns the scripted deadline.
func (e *Engine) Poll(now time.Time, port network.Port) (time.Time, bool) {
	defer e.enter()()
	if e.PollDelay > 0 {
		time.Sleep(e.PollDelay)
	}
	n := 0
	for {
		if _, ok := port.TryReceive(); !ok {
			break
		}
		n++
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.frames += n
	e.polls = append(e.polls, now)
	return e.next, e.hasNext
}

// Open implements [engine.Engine]. Every kind is supported. New sockets are Writable.
func (e *Engine) Open(h engine.Handle, kind engine.Kind) error {
	defer e.enter()()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sockets[h] = &socketState{kind: kind, base: engine.Writable}
	return nil
}

// Abort implements [engine.Engine].
func (e *Engine) Abort(h engine.Handle) {
	defer e.enter()()
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.sockets[h]; ok {
		delete(e.sockets, h)
		e.aborted = append(e.aborted, h)
	}
}

// Readiness implements [engine.Engine].
func (e *Engine) Readiness(h engine.Handle) engine.Readiness {
	defer e.enter()()
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sockets[h]
	if !ok {
		return engine.Closed
	}
	r := s.base
	if len(s.inbox) > 0 {
		r |= engine.Readable
	}
	if s.sendLimit > 0 && len(s.sent) >= s.sendLimit {
		r &^= engine.Writable
	}
	return r
}

// Bind implements [engine.Engine].
func (e *Engine) Bind(h engine.Handle, local netip.AddrPort) error {
	defer e.enter()()
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sockets[h]
	if !ok {
		return engine.ErrUnknownHandle
	}
	s.local = local
	return nil
}

// Connect implements [engine.Engine]. It returns ErrWouldBlock until h is Writable, like a stream handshake.
func (e *Engine) Connect(h engine.Handle, remote netip.AddrPort) error {
	defer e.enter()()
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sockets[h]
	if !ok {
		return engine.ErrUnknownHandle
	}
	if s.base&engine.Writable == 0 {
		return engine.ErrWouldBlock
	}
	s.remote = remote
	return nil
}

// Send implements [engine.Engine]. It returns ErrWouldBlock while h is not Writable or its send limit is reached.
func (e *Engine) Send(h engine.Handle, p []byte, to netip.AddrPort) (int, error) {
	defer e.enter()()
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sockets[h]
	if !ok {
		return 0, engine.ErrUnknownHandle
	}
	if s.shutdown {
		return 0, network.ErrClosed
	}
	if !to.IsValid() {
		to = s.remote
	}
	if !to.IsValid() {
		return 0, engine.ErrNoRemote
	}
	if s.base&engine.Writable == 0 || (s.sendLimit > 0 && len(s.sent) >= s.sendLimit) {
		return 0, engine.ErrWouldBlock
	}
	s.sent = append(s.sent, message{append([]byte(nil), p...), to})
	return len(p), nil
}

// Receive implements [engine.Engine].
func (e *Engine) Receive(h engine.Handle, p []byte) (int, netip.AddrPort, error) {
	defer e.enter()()
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sockets[h]
	if !ok {
		return 0, netip.AddrPort{}, engine.ErrUnknownHandle
	}
	if len(s.inbox) == 0 {
		if s.base&engine.Closed != 0 {
			return 0, netip.AddrPort{}, network.ErrClosed
		}
		return 0, netip.AddrPort{}, engine.ErrWouldBlock
	}
	m := s.inbox[0]
	s.inbox = s.inbox[1:]
	return copy(p, m.payload), m.addr, nil
}

// Shutdown implements [engine.Engine]. The socket stops being Writable; it becomes Closed when a test says so with
// SetReadiness.
func (e *Engine) Shutdown(h engine.Handle) error {
	defer e.enter()()
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sockets[h]
	if !ok {
		return engine.ErrUnknownHandle
	}
	s.shutdown = true
	s.base &^= engine.Writable
	return nil
}
