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

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/Jigsaw-Code/outline-netstack/engine"
	"github.com/Jigsaw-Code/outline-netstack/network"
)

// OpState is the state of the operation in progress on a [Socket].
type OpState int32

const (
	// OpIdle means no operation is in progress.
	OpIdle OpState = iota
	// OpChecking means the operation is being attempted against the engine.
	OpChecking
	// OpSuspended means the operation would block and is waiting to be woken.
	OpSuspended
	// OpComplete means the last operation returned.
	OpComplete
)

func (s OpState) String() string {
	switch s {
	case OpIdle:
		return "idle"
	case OpChecking:
		return "checking"
	case OpSuspended:
		return "suspended"
	case OpComplete:
		return "complete"
	default:
		return fmt.Sprintf("OpState(%d)", int32(s))
	}
}

// SocketOption customizes a [Socket] at Open.
type SocketOption func(*Socket)

// FailOnLinkDown makes blocked operations fail with [network.ErrLinkDown] while the link is down, instead of waiting
// for it to come back.
func FailOnLinkDown() SocketOption {
	return func(s *Socket) { s.failOnLinkDown = true }
}

// WithTimeout sets the initial per-operation timeout. See [Socket.SetTimeout].
func WithTimeout(d time.Duration) SocketOption {
	return func(s *Socket) { s.SetTimeout(d) }
}

// Socket is a blocking socket backed by a slot of a [Stack]. It is safe for concurrent use by multiple goroutines:
// one goroutine can block in Receive while another sends. Abort makes every blocked operation return
// [network.ErrClosed].
type Socket struct {
	st             *Stack
	h              engine.Handle
	kind           engine.Kind
	waker          *FuncWaker
	failOnLinkDown bool
	timeout        atomic.Int64
	state          atomic.Int32

	// Guarded by st.mu.
	wakeC        chan struct{}
	waiting      []Interest
	released     bool
	shutdownSent bool
}

func newSocket(st *Stack, h engine.Handle, kind engine.Kind, opts []SocketOption) *Socket {
	s := &Socket{
		st:    st,
		h:     h,
		kind:  kind,
		wakeC: make(chan struct{}),
	}
	s.waker = NewFuncWaker(s.wakeAllLocked)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// wakeAllLocked releases every goroutine blocked on the socket. The registry only wakes with the stack lock held.
func (s *Socket) wakeAllLocked() {
	close(s.wakeC)
	s.wakeC = make(chan struct{})
}

// Handle returns the engine handle of the socket. It is only meaningful until the socket is closed.
func (s *Socket) Handle() engine.Handle { return s.h }

// Kind returns the kind of the socket.
func (s *Socket) Kind() engine.Kind { return s.kind }

// State returns the state of the current or last operation.
func (s *Socket) State() OpState { return OpState(s.state.Load()) }

// SetTimeout bounds how long each subsequent operation may block. Zero or negative means no timeout, leaving only
// the context to end it. An operation that times out returns [context.DeadlineExceeded].
func (s *Socket) SetTimeout(d time.Duration) {
	if d < 0 {
		d = 0
	}
	s.timeout.Store(int64(d))
}

// Timeout returns the per-operation timeout set by SetTimeout.
func (s *Socket) Timeout() time.Duration { return time.Duration(s.timeout.Load()) }

// LocalAddr returns the bound address of the socket, if the engine can report it.
func (s *Socket) LocalAddr() (netip.AddrPort, bool) {
	r, ok := s.st.eng.(engine.LocalAddrReporter)
	if !ok {
		return netip.AddrPort{}, false
	}
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	if s.released {
		return netip.AddrPort{}, false
	}
	return r.LocalAddr(s.h)
}

// Readiness returns the current readiness of the socket. A closed socket is [engine.Closed].
func (s *Socket) Readiness() engine.Readiness {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	if s.released {
		return engine.Closed
	}
	return s.st.reg.Readiness(s.h)
}

func (s *Socket) unionLocked() Interest {
	var union Interest
	for _, i := range s.waiting {
		union |= i
	}
	return union
}

// registerLocked adds interest to the socket's waiters and registers their union with the registry. It returns the
// channel that is closed on the next wake.
func (s *Socket) registerLocked(interest Interest) <-chan struct{} {
	s.waiting = append(s.waiting, interest)
	s.st.reg.RegisterWaiter(s.h, s.unionLocked(), s.waker)
	return s.wakeC
}

// unregisterLocked removes one waiter with the given interest and narrows the registration to what the remaining
// waiters need. The registration is cleared when no waiter is left.
func (s *Socket) unregisterLocked(interest Interest) {
	before := s.unionLocked()
	for i, w := range s.waiting {
		if w == interest {
			s.waiting = append(s.waiting[:i], s.waiting[i+1:]...)
			break
		}
	}
	if s.released {
		return
	}
	if len(s.waiting) == 0 {
		s.st.reg.ClearWaiter(s.h, s.waker)
		return
	}
	if after := s.unionLocked(); after != before {
		s.st.reg.RegisterWaiter(s.h, after, s.waker)
	}
}

// do runs attempt until it stops returning [engine.ErrWouldBlock], sleeping between attempts until the runner finds
// the socket ready for interest. attempt runs with the stack lock held. If kick is set, the runner is told to poll
// after every attempt that did not fail outright, since it may have queued work for the engine.
func (s *Socket) do(ctx context.Context, interest Interest, kick bool, attempt func(eng engine.Engine, h engine.Handle) error) error {
	if d := s.Timeout(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	if s.failOnLinkDown {
		interest |= LinkDown
	}
	st := s.st
	for {
		s.state.Store(int32(OpChecking))
		st.mu.Lock()
		err := s.checkLocked(attempt)
		if !errors.Is(err, engine.ErrWouldBlock) {
			st.mu.Unlock()
			s.state.Store(int32(OpComplete))
			if kick && err == nil {
				st.kick()
			}
			return err
		}
		woken := s.registerLocked(interest)
		s.state.Store(int32(OpSuspended))
		st.mu.Unlock()
		if kick {
			st.kick()
		}

		var ctxErr error
		select {
		case <-woken:
		case <-ctx.Done():
			ctxErr = ctx.Err()
		}
		st.mu.Lock()
		s.unregisterLocked(interest)
		st.mu.Unlock()
		if ctxErr != nil {
			s.state.Store(int32(OpComplete))
			return ctxErr
		}
	}
}

// checkLocked makes one attempt. It turns a would-block result into a terminal error when waiting cannot help.
func (s *Socket) checkLocked(attempt func(eng engine.Engine, h engine.Handle) error) error {
	if s.released {
		return network.ErrClosed
	}
	err := attempt(s.st.eng, s.h)
	if !errors.Is(err, engine.ErrWouldBlock) {
		return err
	}
	ready := s.st.reg.Readiness(s.h)
	if ready&engine.Closed != 0 {
		return network.ErrClosed
	}
	if s.failOnLinkDown && ready&engine.LinkDown != 0 {
		return network.ErrLinkDown
	}
	return err
}

// Bind sets the local address. A zero port picks an ephemeral one.
func (s *Socket) Bind(ctx context.Context, local netip.AddrPort) error {
	return s.do(ctx, Writable|Closed, false, func(eng engine.Engine, h engine.Handle) error {
		return eng.Bind(h, local)
	})
}

// Connect sets the default destination. For stream sockets it blocks until the connection is established.
func (s *Socket) Connect(ctx context.Context, remote netip.AddrPort) error {
	return s.do(ctx, Writable|Closed, true, func(eng engine.Engine, h engine.Handle) error {
		return eng.Connect(h, remote)
	})
}

// Send sends p to the connected remote. It blocks while the send buffer is full.
func (s *Socket) Send(ctx context.Context, p []byte) (int, error) {
	return s.SendTo(ctx, p, netip.AddrPort{})
}

// SendTo sends p to `to`, or to the connected remote if `to` is not valid. It blocks while the send buffer is full.
func (s *Socket) SendTo(ctx context.Context, p []byte, to netip.AddrPort) (int, error) {
	var n int
	err := s.do(ctx, Writable|Closed, true, func(eng engine.Engine, h engine.Handle) error {
		var err error
		n, err = eng.Send(h, p, to)
		return err
	})
	return n, err
}

// Receive blocks until a message arrives, copies it into p and returns its length and source. A message longer than
// p is truncated.
func (s *Socket) Receive(ctx context.Context, p []byte) (int, netip.AddrPort, error) {
	var (
		n    int
		from netip.AddrPort
	)
	err := s.do(ctx, Readable|Closed, false, func(eng engine.Engine, h engine.Handle) error {
		var err error
		n, from, err = eng.Receive(h, p)
		return err
	})
	return n, from, err
}

// Close shuts the socket down gracefully, waits until the engine reports it closed, and frees its slot. If ctx ends
// first, the socket is aborted instead. Closing a closed socket does nothing.
func (s *Socket) Close(ctx context.Context) error {
	st := s.st
	st.mu.Lock()
	if s.released {
		st.mu.Unlock()
		return nil
	}
	var err error
	if !s.shutdownSent {
		s.shutdownSent = true
		err = st.eng.Shutdown(s.h)
	}
	st.mu.Unlock()
	st.kick()

	if err == nil {
		err = s.do(ctx, Closed, false, func(eng engine.Engine, h engine.Handle) error {
			if eng.Readiness(h)&engine.Closed != 0 {
				return nil
			}
			return engine.ErrWouldBlock
		})
	}
	s.Abort()
	if errors.Is(err, network.ErrClosed) {
		return nil
	}
	return err
}

// Abort frees the socket's slot immediately, resetting any connection. A blocked operation on the socket returns
// [network.ErrClosed].
func (s *Socket) Abort() {
	st := s.st
	st.mu.Lock()
	if s.released {
		st.mu.Unlock()
		return
	}
	s.released = true
	st.reg.Release(s.h)
	st.mu.Unlock()
	st.log.Debug("socket released", "handle", s.h)
	st.kick()
}
