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
Package memport provides an in-memory [network.Port]. Frames are injected with [Port.Inject] and what the engine
transmits is captured for [Port.Collect] or [Port.NextTransmitted]. Two ports created with [Pair] are wired back to
back, so two stacks can talk to each other without a real link.

	p, _ := memport.New()
	p.Inject(frame)             // the engine will see frame on its next poll
	out, _ := p.NextTransmitted(ctx)
*/
package memport

import (
	"context"
	"errors"
	"sync"

	"github.com/Jigsaw-Code/outline-netstack/network"
)

const (
	defaultMTU       = 1500
	defaultQueueSize = 16
)

// ErrQueueFull is returned by Inject when the receive queue of the port is full.
var ErrQueueFull = errors.New("memport: receive queue is full")

var _ network.Port = (*Port)(nil)

// Port is an in-memory link. It is safe for concurrent use.
type Port struct {
	mtu                int
	rxSize, txCapacity int

	mu        sync.Mutex
	rx        *network.FrameQueue
	tx        *network.FrameQueue
	peer      *Port
	linkUp    bool
	txBlocked bool
	received  int
	attempts  int

	activity    chan struct{}
	transmitted chan struct{}
}

// WithMTU sets the maximum frame size accepted by TryTransmit.
func WithMTU(mtu int) func(*Port) error {
	return func(p *Port) error {
		if mtu <= 0 {
			return errors.New("mtu must be greater than 0")
		}
		p.mtu = mtu
		return nil
	}
}

// WithReceiveQueueSize sets how many injected frames can wait for the engine.
func WithReceiveQueueSize(n int) func(*Port) error {
	return func(p *Port) error {
		if n <= 0 {
			return errors.New("receive queue size must be greater than 0")
		}
		p.rxSize = n
		return nil
	}
}

// WithTransmitCapacity sets how many transmitted frames can be held until they are collected. Once it is reached,
// TryTransmit returns [network.ErrTransmitBusy].
func WithTransmitCapacity(n int) func(*Port) error {
	return func(p *Port) error {
		if n <= 0 {
			return errors.New("transmit capacity must be greater than 0")
		}
		p.txCapacity = n
		return nil
	}
}

// New creates a Port whose link is up.
func New(options ...func(*Port) error) (*Port, error) {
	p := &Port{
		mtu:         defaultMTU,
		rxSize:      defaultQueueSize,
		txCapacity:  defaultQueueSize,
		linkUp:      true,
		activity:    make(chan struct{}, 1),
		transmitted: make(chan struct{}, 1),
	}
	for _, opt := range options {
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	p.rx = network.NewFrameQueue(p.rxSize)
	p.tx = network.NewFrameQueue(p.txCapacity)
	return p, nil
}

// Pair creates two ports connected back to back: a frame transmitted on one is received by the other. When the
// receiving side is full, the transmitting side reports [network.ErrTransmitBusy].
func Pair(options ...func(*Port) error) (*Port, *Port, error) {
	a, err := New(options...)
	if err != nil {
		return nil, nil, err
	}
	b, err := New(options...)
	if err != nil {
		return nil, nil, err
	}
	a.peer, b.peer = b, a
	return a, b, nil
}

// Inject queues frame as if it had arrived on the link, and signals activity.
func (p *Port) Inject(frame []byte) error {
	p.mu.Lock()
	ok := p.rx.TryPush(append([]byte(nil), frame...))
	p.mu.Unlock()
	if !ok {
		return ErrQueueFull
	}
	network.Notify(p.activity)
	return nil
}

// Collect returns and removes every captured transmitted frame. Freeing the capacity signals activity.
func (p *Port) Collect() [][]byte {
	p.mu.Lock()
	var frames [][]byte
	for {
		f, ok := p.tx.TryPop()
		if !ok {
			break
		}
		frames = append(frames, f)
	}
	p.mu.Unlock()
	if len(frames) > 0 {
		network.Notify(p.activity)
	}
	return frames
}

// NextTransmitted blocks until the engine transmits a frame, and returns it.
func (p *Port) NextTransmitted(ctx context.Context) ([]byte, error) {
	for {
		p.mu.Lock()
		f, ok := p.tx.TryPop()
		p.mu.Unlock()
		if ok {
			network.Notify(p.activity)
			return f, nil
		}
		select {
		case <-p.transmitted:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// SetLinkUp changes the link state and signals activity.
func (p *Port) SetLinkUp(up bool) {
	p.mu.Lock()
	p.linkUp = up
	p.mu.Unlock()
	network.Notify(p.activity)
}

// SetTransmitBlocked makes TryTransmit fail with [network.ErrTransmitBusy] until it is unblocked. Unblocking signals
// activity.
func (p *Port) SetTransmitBlocked(blocked bool) {
	p.mu.Lock()
	p.txBlocked = blocked
	p.mu.Unlock()
	if !blocked {
		network.Notify(p.activity)
	}
}

// Received returns how many frames were handed to the engine by TryReceive.
func (p *Port) Received() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.received
}

// TransmitAttempts returns how many times TryTransmit was called, successful or not.
func (p *Port) TransmitAttempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

// TryReceive implements [network.Port].
func (p *Port) TryReceive() ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.rx.TryPop()
	if ok {
		p.received++
	}
	return f, ok
}

// TryTransmit implements [network.Port].
func (p *Port) TryTransmit(frame []byte) error {
	p.mu.Lock()
	p.attempts++
	if err := p.transmitErrLocked(len(frame)); err != nil {
		p.mu.Unlock()
		return err
	}
	peer := p.peer
	if peer == nil {
		p.tx.TryPush(frame)
		p.mu.Unlock()
		network.Notify(p.transmitted)
		return nil
	}
	p.mu.Unlock()

	if err := peer.Inject(frame); err != nil {
		return network.ErrTransmitBusy
	}
	return nil
}

func (p *Port) transmitErrLocked(size int) error {
	switch {
	case size > p.mtu:
		return network.ErrMsgSize
	case !p.linkUp:
		return network.ErrLinkDown
	case p.txBlocked:
		return network.ErrTransmitBusy
	case p.peer == nil && p.tx.IsFull():
		return network.ErrTransmitBusy
	}
	return nil
}

// Activity implements [network.Port].
func (p *Port) Activity() <-chan struct{} { return p.activity }

// CanReceive implements [network.Port].
func (p *Port) CanReceive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.rx.IsEmpty()
}

// CanTransmit implements [network.Port].
func (p *Port) CanTransmit() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.transmitErrLocked(0) == nil
}

// LinkUp implements [network.Port].
func (p *Port) LinkUp() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.linkUp
}

// MTU implements [network.Port].
func (p *Port) MTU() int { return p.mtu }
