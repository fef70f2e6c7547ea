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

/*
Package stack runs a poll-driven [engine.Engine] on a [network.Port] and gives goroutines blocking sockets on top of
it.

A [Stack] owns one link. [Stack.Run] is the only caller of the engine's Poll: it polls, wakes exactly the sockets whose
readiness their waiters asked for, and then sleeps until the engine deadline, port activity, or a socket operation
needs it again.

	s, err := stack.New(port, eng, stack.Config{Capacity: map[engine.Kind]int{engine.KindDatagram: 8}})
	if err != nil {
		return err
	}
	go s.Run(ctx)
	sock, err := s.Open(engine.KindDatagram)
	if err != nil {
		return err
	}
	defer sock.Close(ctx)
	n, from, err := sock.Receive(ctx, buf)

Every engine call, from the runner and from sockets, happens with the Stack's lock held, and nothing blocks while
holding it. Sockets come from fixed per-kind pools; Open fails with [ErrResourceExhausted] when a pool is full.
*/
package stack

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/Jigsaw-Code/outline-netstack/engine"
	"github.com/Jigsaw-Code/outline-netstack/internal/ddltimer"
	"github.com/Jigsaw-Code/outline-netstack/network"
)

// Config is the static configuration of a [Stack].
type Config struct {
	// Capacity is the number of sockets of each kind that can be open at the same time.
	Capacity map[engine.Kind]int

	// Logger receives the stack's logs. Defaults to [slog.Default].
	Logger *slog.Logger
}

// Option customizes a [Stack].
type Option func(*Stack)

// WithLogger sets the logger, overriding Config.Logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Stack) {
		if l != nil {
			s.log = l
		}
	}
}

// WithClock sets the clock used for poll times and deadlines.
func WithClock(c ddltimer.Clock) Option {
	return func(s *Stack) {
		if c != nil {
			s.clock = c
		}
	}
}

// Stats are cumulative counters of a [Stack].
type Stats struct {
	Polls             uint64
	Wakes             uint64
	TransmitErrors    uint64
	LinkDownEvents    uint64
	ResourceExhausted uint64
}

type counters struct {
	polls             atomic.Uint64
	wakes             atomic.Uint64
	transmitErrors    atomic.Uint64
	linkDownEvents    atomic.Uint64
	resourceExhausted atomic.Uint64
}

// Stack drives one engine over one link. It is safe for concurrent use by multiple goroutines.
type Stack struct {
	port  network.Port
	eng   engine.Engine
	log   *slog.Logger
	clock ddltimer.Clock
	kickC chan struct{}
	stats counters

	mu       sync.Mutex
	reg      *Registry
	running  bool
	linkUp   bool
	configUp bool
	// changed is closed and replaced whenever linkUp or configUp changes.
	changed chan struct{}
}

// New creates a Stack. Nothing happens on the link until [Stack.Run] is called.
func New(port network.Port, eng engine.Engine, cfg Config, opts ...Option) (*Stack, error) {
	if port == nil || eng == nil {
		return nil, errors.New("both port and eng are required")
	}
	reg, err := NewRegistry(eng, cfg.Capacity)
	if err != nil {
		return nil, err
	}
	s := &Stack{
		port:    port,
		eng:     eng,
		log:     cfg.Logger,
		clock:   ddltimer.SystemClock,
		kickC:   make(chan struct{}, 1),
		reg:     reg,
		changed: make(chan struct{}),
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	for _, opt := range opts {
		opt(s)
	}
	s.linkUp = port.LinkUp()
	reg.SetLinkDown(!s.linkUp)
	s.configUp = s.engineConfigUpLocked()
	if n, ok := eng.(engine.Notifier); ok {
		n.SetNotify(s.kick)
	}
	return s, nil
}

// kick makes the runner poll again without waiting for its deadline.
func (s *Stack) kick() {
	network.Notify(s.kickC)
}

func (s *Stack) engineConfigUpLocked() bool {
	if cr, ok := s.eng.(engine.ConfigReporter); ok {
		return cr.ConfigUp()
	}
	return true
}

// Open creates a socket of the given kind. It fails with [ErrResourceExhausted] if the kind's pool is full.
func (s *Stack) Open(kind engine.Kind, opts ...SocketOption) (*Socket, error) {
	s.mu.Lock()
	h, err := s.reg.Allocate(kind)
	s.mu.Unlock()
	if err != nil {
		if errors.Is(err, ErrResourceExhausted) {
			s.stats.resourceExhausted.Add(1)
		}
		return nil, err
	}
	s.log.Debug("socket opened", "handle", h, "kind", kind)
	return newSocket(s, h, kind, opts), nil
}

// WithEngine calls fn with the engine while holding the stack lock, then makes the runner poll. Use it to change
// engine settings at runtime, such as the address of a udpengine.Engine. fn must not block.
func (s *Stack) WithEngine(fn func(engine.Engine)) {
	s.mu.Lock()
	fn(s.eng)
	s.mu.Unlock()
	s.kick()
}

// Free returns the number of sockets of the given kind that can still be opened.
func (s *Stack) Free(kind engine.Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reg.Free(kind)
}

// Capacity returns the size of the socket pool of the given kind.
func (s *Stack) Capacity(kind engine.Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reg.Capacity(kind)
}

// Stats returns a snapshot of the stack counters.
func (s *Stack) Stats() Stats {
	return Stats{
		Polls:             s.stats.polls.Load(),
		Wakes:             s.stats.wakes.Load(),
		TransmitErrors:    s.stats.transmitErrors.Load(),
		LinkDownEvents:    s.stats.linkDownEvents.Load(),
		ResourceExhausted: s.stats.resourceExhausted.Load(),
	}
}

// IsLinkUp reports the link state as of the last poll.
func (s *Stack) IsLinkUp() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.linkUp
}

// IsConfigUp reports whether the engine had a usable address as of the last poll. Engines without an address
// configuration phase are always up.
func (s *Stack) IsConfigUp() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.configUp
}

// WaitLinkUp blocks until the runner sees the link up, or ctx is done.
func (s *Stack) WaitLinkUp(ctx context.Context) error {
	return s.waitFor(ctx, func() bool { return s.linkUp })
}

// WaitConfigUp blocks until the runner sees the engine configured, or ctx is done.
func (s *Stack) WaitConfigUp(ctx context.Context) error {
	return s.waitFor(ctx, func() bool { return s.configUp })
}

func (s *Stack) waitFor(ctx context.Context, cond func() bool) error {
	for {
		s.mu.Lock()
		ok := cond()
		changed := s.changed
		s.mu.Unlock()
		if ok {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Stack) broadcastLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}
