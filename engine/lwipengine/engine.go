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

package lwipengine

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/Jigsaw-Code/outline-netstack/engine"
	"github.com/Jigsaw-Code/outline-netstack/network"
	"github.com/eapache/queue"
	lwip "github.com/eycorsican/go-tun2socks/core"
)

const (
	defaultIdleTimeout   = time.Minute
	defaultRxBatch       = 32
	defaultQueueLen      = 16
	defaultOutLimit      = 64
	defaultRetryInterval = 10 * time.Millisecond

	ephemeralFirst = 49152
	ephemeralLast  = 65535
)

// Config is the configuration of an Engine. Zero fields take defaults.
type Config struct {
	// IdleTimeout is how long a UDP flow from one sender lives without traffic. Defaults to one minute.
	IdleTimeout time.Duration

	// RxBatch is the maximum number of frames handed to lwIP by one Poll. Defaults to 32.
	RxBatch int

	// QueueLen is the number of datagrams each socket buffers for Receive. Defaults to 16.
	QueueLen int

	// OutLimit is the number of frames produced by lwIP that wait for the port before Send blocks. Defaults to 64.
	OutLimit int

	// RetryInterval is how long to wait before retrying a frame the port refused. Defaults to 10ms.
	RetryInterval time.Duration
}

type datagram struct {
	payload []byte
	from    netip.AddrPort
}

type socket struct {
	local    netip.AddrPort
	remote   netip.AddrPort
	rx       *queue.Queue
	shutdown bool
}

var (
	_ engine.Engine            = (*Engine)(nil)
	_ engine.Notifier          = (*Engine)(nil)
	_ engine.LocalAddrReporter = (*Engine)(nil)
)

// Engine is an [engine.Engine] backed by lwIP. See the package documentation.
type Engine struct {
	cfg   Config
	stack lwip.LWIPStack
	udp   *udpHandler

	// whether the engine has been closed
	done chan struct{}

	// mu guards everything below. lwIP callbacks run on lwIP's goroutines as well as inside Poll and Send, so it is
	// never held while calling into lwIP.
	mu      sync.Mutex
	notify  func()
	out     [][]byte
	sockets []*socket
	ports   map[uint16]int
	cursor  uint16
	retryAt time.Time
}

// Singleton instance
var instMu sync.Mutex
var inst *Engine = nil

// New creates the lwIP engine. lwIP is a singleton: if an Engine already exists, it is closed first.
func New(cfg Config) (*Engine, error) {
	if cfg.IdleTimeout < 0 || cfg.RxBatch < 0 || cfg.QueueLen < 0 || cfg.OutLimit < 0 || cfg.RetryInterval < 0 {
		return nil, errors.New("lwipengine config values must not be negative")
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.RxBatch == 0 {
		cfg.RxBatch = defaultRxBatch
	}
	if cfg.QueueLen == 0 {
		cfg.QueueLen = defaultQueueLen
	}
	if cfg.OutLimit == 0 {
		cfg.OutLimit = defaultOutLimit
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = defaultRetryInterval
	}

	instMu.Lock()
	defer instMu.Unlock()

	if inst != nil {
		inst.Close()
	}
	e := &Engine{
		cfg:    cfg,
		done:   make(chan struct{}),
		ports:  make(map[uint16]int),
		cursor: ephemeralFirst,
	}
	e.udp = newUDPHandler(e)
	e.stack = lwip.NewLWIPStack()
	lwip.RegisterTCPConnHandler(tcpHandler{})
	lwip.RegisterUDPConnHandler(e.udp)
	lwip.RegisterOutputFn(e.forwardOutgoingIPPacket)
	inst = e
	return e, nil
}

// Close shuts lwIP down. The engine cannot be used afterwards.
func (e *Engine) Close() error {
	// make sure we don't close the channel twice
	select {
	case <-e.done:
		return nil
	default:
		close(e.done)
		e.udp.closeAll()
		return e.stack.Close()
	}
}

// SetNotify implements [engine.Notifier].
func (e *Engine) SetNotify(notify func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notify = notify
}

func (e *Engine) notifyLocked() {
	if e.notify != nil {
		e.notify()
	}
}

// forwardOutgoingIPPacket is the lwIP output function. It queues a copy of the frame for the next Poll and asks for
// one. Frames beyond OutLimit are dropped, as a full link would.
func (e *Engine) forwardOutgoingIPPacket(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	select {
	case <-e.done:
		return 0, network.ErrClosed
	default:
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.out) >= e.cfg.OutLimit {
		return 0, network.ErrTransmitBusy
	}
	e.out = append(e.out, append([]byte(nil), b...))
	e.notifyLocked()
	return len(b), nil
}

// Poll implements [engine.Engine].
func (e *Engine) Poll(now time.Time, port network.Port) (time.Time, bool) {
	for i := 0; i < e.cfg.RxBatch; i++ {
		frame, ok := port.TryReceive()
		if !ok {
			break
		}
		// Malformed frames are dropped by lwIP; a closed stack drops everything.
		e.stack.Write(frame)
	}

	expiry, hasExpiry := e.udp.expire(now)

	e.mu.Lock()
	defer e.mu.Unlock()
	for len(e.out) > 0 {
		err := port.TryTransmit(e.out[0])
		if err != nil && !errors.Is(err, network.ErrMsgSize) {
			break
		}
		e.out = e.out[1:]
	}

	next, ok := expiry, hasExpiry
	if len(e.out) > 0 {
		e.retryAt = now.Add(e.cfg.RetryInterval)
		if !ok || e.retryAt.Before(next) {
			next, ok = e.retryAt, true
		}
	} else {
		e.out = nil
		e.retryAt = time.Time{}
	}
	return next, ok
}

func (e *Engine) socketLocked(h engine.Handle) (*socket, error) {
	if int(h.Index) >= len(e.sockets) || e.sockets[h.Index] == nil {
		return nil, engine.ErrUnknownHandle
	}
	return e.sockets[h.Index], nil
}

// Open implements [engine.Engine]. Only datagram sockets are supported.
func (e *Engine) Open(h engine.Handle, kind engine.Kind) error {
	if kind != engine.KindDatagram {
		return fmt.Errorf("lwipengine cannot open %v sockets: %w", kind, engine.ErrUnsupportedKind)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for int(h.Index) >= len(e.sockets) {
		e.sockets = append(e.sockets, nil)
	}
	e.sockets[h.Index] = &socket{rx: queue.New()}
	return nil
}

// Abort implements [engine.Engine].
func (e *Engine) Abort(h engine.Handle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, err := e.socketLocked(h)
	if err != nil {
		return
	}
	if s.local.IsValid() {
		delete(e.ports, s.local.Port())
	}
	e.sockets[h.Index] = nil
}

// Readiness implements [engine.Engine].
func (e *Engine) Readiness(h engine.Handle) engine.Readiness {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, err := e.socketLocked(h)
	if err != nil {
		return engine.Closed
	}
	var r engine.Readiness
	if s.rx.Length() > 0 {
		r |= engine.Readable
	}
	if s.shutdown {
		r |= engine.Closed
	} else if len(e.out) < e.cfg.OutLimit {
		r |= engine.Writable
	}
	return r
}

// LocalAddr implements [engine.LocalAddrReporter].
func (e *Engine) LocalAddr(h engine.Handle) (netip.AddrPort, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, err := e.socketLocked(h)
	if err != nil || !s.local.IsValid() {
		return netip.AddrPort{}, false
	}
	return s.local, true
}

// Bind implements [engine.Engine]. The address selects which destination address the socket accepts; unspecified
// accepts them all.
func (e *Engine) Bind(h engine.Handle, local netip.AddrPort) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, err := e.socketLocked(h)
	if err != nil {
		return err
	}
	if s.local.IsValid() {
		return fmt.Errorf("socket %v is already bound to %v", h, s.local)
	}
	addr := local.Addr().Unmap()
	if !addr.IsValid() {
		addr = netip.IPv4Unspecified()
	}
	port := local.Port()
	if port == 0 {
		if port, err = e.ephemeralPortLocked(); err != nil {
			return err
		}
	} else if _, taken := e.ports[port]; taken {
		return fmt.Errorf("port %d: %w", port, engine.ErrAddrInUse)
	}
	s.local = netip.AddrPortFrom(addr, port)
	e.ports[port] = int(h.Index)
	return nil
}

func (e *Engine) ephemeralPortLocked() (uint16, error) {
	for i := 0; i <= ephemeralLast-ephemeralFirst; i++ {
		p := e.cursor
		if e.cursor == ephemeralLast {
			e.cursor = ephemeralFirst
		} else {
			e.cursor++
		}
		if _, taken := e.ports[p]; !taken {
			return p, nil
		}
	}
	return 0, fmt.Errorf("no ephemeral port left: %w", engine.ErrAddrInUse)
}

// Connect implements [engine.Engine]. It sets the default destination for Send.
func (e *Engine) Connect(h engine.Handle, remote netip.AddrPort) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, err := e.socketLocked(h)
	if err != nil {
		return err
	}
	s.remote = netip.AddrPortFrom(remote.Addr().Unmap(), remote.Port())
	return nil
}

// Send implements [engine.Engine]. The destination must be a sender lwIP has an active flow with, and the socket
// must be bound. Otherwise it fails with [network.ErrPortUnreachable].
func (e *Engine) Send(h engine.Handle, p []byte, to netip.AddrPort) (int, error) {
	e.mu.Lock()
	s, err := e.socketLocked(h)
	if err != nil {
		e.mu.Unlock()
		return 0, err
	}
	if s.shutdown {
		e.mu.Unlock()
		return 0, network.ErrClosed
	}
	if !to.IsValid() {
		to = s.remote
	}
	if !to.IsValid() {
		e.mu.Unlock()
		return 0, engine.ErrNoRemote
	}
	if len(e.out) >= e.cfg.OutLimit {
		e.mu.Unlock()
		return 0, engine.ErrWouldBlock
	}
	local := s.local
	e.mu.Unlock()

	if !local.IsValid() {
		return 0, fmt.Errorf("socket %v is not bound: %w", h, network.ErrPortUnreachable)
	}
	to = netip.AddrPortFrom(to.Addr().Unmap(), to.Port())
	conn, src, ok := e.udp.route(to, local)
	if !ok {
		return 0, fmt.Errorf("no flow from %v: %w", to, network.ErrPortUnreachable)
	}
	// WriteFrom runs the lwIP output function, which takes e.mu.
	return conn.WriteFrom(p, net.UDPAddrFromAddrPort(src))
}

// Receive implements [engine.Engine].
func (e *Engine) Receive(h engine.Handle, p []byte) (int, netip.AddrPort, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, err := e.socketLocked(h)
	if err != nil {
		return 0, netip.AddrPort{}, err
	}
	if s.rx.Length() == 0 {
		if s.shutdown {
			return 0, netip.AddrPort{}, network.ErrClosed
		}
		return 0, netip.AddrPort{}, engine.ErrWouldBlock
	}
	dg := s.rx.Remove().(datagram)
	return copy(p, dg.payload), dg.from, nil
}

// Shutdown implements [engine.Engine]. Sends are written to lwIP synchronously, so the socket closes immediately.
func (e *Engine) Shutdown(h engine.Handle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, err := e.socketLocked(h)
	if err != nil {
		return err
	}
	s.shutdown = true
	return nil
}

// deliver queues a datagram that lwIP received for `to` on the socket bound to its port. It reports whether a
// socket took it.
func (e *Engine) deliver(payload []byte, from, to netip.AddrPort) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	idx, ok := e.ports[to.Port()]
	if !ok {
		return false
	}
	s := e.sockets[idx]
	if la := s.local.Addr(); !la.IsUnspecified() && la != to.Addr() {
		return false
	}
	if s.shutdown || s.rx.Length() >= e.cfg.QueueLen {
		return false
	}
	s.rx.Add(datagram{payload: append([]byte(nil), payload...), from: from})
	e.notifyLocked()
	return true
}
