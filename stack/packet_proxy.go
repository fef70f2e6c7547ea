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
	"net/netip"
	"sync"
	"time"

	"github.com/Jigsaw-Code/outline-netstack/engine"
	"github.com/Jigsaw-Code/outline-netstack/network"
)

const defaultSessionCloseTimeout = time.Second

// PacketProxy is a [network.PacketProxy] whose sessions are datagram sockets of a [Stack]. Each session gets its own
// ephemeral port; responses received on it are written to the session's [network.PacketResponseReceiver].
type PacketProxy struct {
	st           *Stack
	closeTimeout time.Duration
	bufSize      int
}

var _ network.PacketProxy = (*PacketProxy)(nil)

// NewPacketProxy creates a PacketProxy over st. Sessions use the datagram pool of st, so NewSession fails with
// [ErrResourceExhausted] once it is full.
func NewPacketProxy(st *Stack, options ...func(*PacketProxy) error) (*PacketProxy, error) {
	if st == nil {
		return nil, errors.New("st is required")
	}
	p := &PacketProxy{
		st:           st,
		closeTimeout: defaultSessionCloseTimeout,
		bufSize:      st.port.MTU(),
	}
	for _, opt := range options {
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// WithSessionCloseTimeout sets how long closing a session waits for queued requests to be sent before the socket is
// aborted. The default is one second.
func WithSessionCloseTimeout(d time.Duration) func(*PacketProxy) error {
	return func(p *PacketProxy) error {
		if d <= 0 {
			return errors.New("close timeout must be positive")
		}
		p.closeTimeout = d
		return nil
	}
}

// NewSession implements [network.PacketProxy].
func (p *PacketProxy) NewSession(resp network.PacketResponseReceiver) (network.PacketRequestSender, error) {
	if resp == nil {
		return nil, errors.New("resp is required")
	}
	sock, err := p.st.Open(engine.KindDatagram)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	sess := &packetSession{
		ctx:          ctx,
		sock:         sock,
		resp:         resp,
		cancel:       cancel,
		closeTimeout: p.closeTimeout,
		done:         make(chan struct{}),
	}
	go sess.relayResponses(ctx, p.bufSize)
	return sess, nil
}

type packetSession struct {
	ctx          context.Context
	sock         *Socket
	resp         network.PacketResponseReceiver
	cancel       context.CancelFunc
	closeTimeout time.Duration
	done         chan struct{}

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

var _ network.PacketRequestSender = (*packetSession)(nil)

func (s *packetSession) relayResponses(ctx context.Context, bufSize int) {
	defer close(s.done)
	defer s.resp.Close()
	buf := make([]byte, bufSize)
	for {
		n, from, err := s.sock.Receive(ctx, buf)
		if err != nil {
			return
		}
		if _, err := s.resp.WriteFrom(buf[:n], from); err != nil {
			return
		}
	}
}

// WriteTo implements [network.PacketRequestSender].
func (s *packetSession) WriteTo(p []byte, destination netip.AddrPort) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, network.ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	n, err := s.sock.SendTo(s.ctx, p, destination)
	if err != nil && s.ctx.Err() != nil {
		return n, network.ErrClosed
	}
	return n, err
}

// Close implements [network.PacketRequestSender]. It stops the response relay and closes the socket.
func (s *packetSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		// Cancel first: it unblocks pending WriteTo calls, which hold mu.
		s.cancel()
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		<-s.done
		ctx, cancel := context.WithTimeout(context.Background(), s.closeTimeout)
		defer cancel()
		err = s.sock.Close(ctx)
	})
	return err
}
