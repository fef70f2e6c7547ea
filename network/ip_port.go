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

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/Jigsaw-Code/outline-netstack/internal/slicepool"
)

const (
	defaultRxQueueSize = 64
	defaultTxQueueSize = 64
)

var _ Port = (*IPDevicePort)(nil)

// IPDevicePort adapts a blocking [IPDevice] into a [Port]. A background goroutine reads packets into a bounded receive
// queue, and another one drains a bounded transmit queue into the device. When a queue is full, inbound packets are
// dropped and TryTransmit returns ErrTransmitBusy.
type IPDevicePort struct {
	dev  IPDevice
	link LinkMonitor
	mtu  int

	mu     sync.Mutex // Protects rx, tx and closed
	rx     *FrameQueue
	tx     *FrameQueue
	closed bool

	rxSize, txSize int

	activity chan struct{}
	txReady  chan struct{}
	done     chan struct{}
	once     sync.Once
	writerWg sync.WaitGroup

	rxDropped atomic.Uint64
	txErrors  atomic.Uint64
}

// WithReceiveQueueSize sets how many inbound packets are buffered until the engine polls them.
func WithReceiveQueueSize(n int) func(*IPDevicePort) error {
	return func(p *IPDevicePort) error {
		if n <= 0 {
			return errors.New("receive queue size must be greater than 0")
		}
		p.rxSize = n
		return nil
	}
}

// WithTransmitQueueSize sets how many outbound packets are buffered until the device accepts them.
func WithTransmitQueueSize(n int) func(*IPDevicePort) error {
	return func(p *IPDevicePort) error {
		if n <= 0 {
			return errors.New("transmit queue size must be greater than 0")
		}
		p.txSize = n
		return nil
	}
}

// NewPort starts driving dev and returns it as a Port. The returned IPDevicePort owns dev: closing the port closes
// the device.
func NewPort(dev IPDevice, options ...func(*IPDevicePort) error) (*IPDevicePort, error) {
	if dev == nil {
		return nil, errors.New("dev is required")
	}
	p := &IPDevicePort{
		dev:      dev,
		mtu:      dev.MTU(),
		rxSize:   defaultRxQueueSize,
		txSize:   defaultTxQueueSize,
		activity: make(chan struct{}, 1),
		txReady:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, opt := range options {
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	p.rx = NewFrameQueue(p.rxSize)
	p.tx = NewFrameQueue(p.txSize)
	if lm, ok := dev.(LinkMonitor); ok {
		p.link = lm
		go p.forwardLinkChanges()
	}

	go p.readLoop()
	p.writerWg.Add(1)
	go p.writeLoop()
	return p, nil
}

func (p *IPDevicePort) readLoop() {
	pool := slicepool.MakePool(p.mtu)
	slice := pool.LazySlice()
	buf := slice.Acquire()
	defer slice.Release()

	for {
		n, err := p.dev.Read(buf)
		if err != nil {
			p.markClosed()
			return
		}
		if n == 0 {
			continue
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])

		p.mu.Lock()
		if !p.rx.TryPush(frame) {
			p.rxDropped.Add(1)
		}
		p.mu.Unlock()
		Notify(p.activity)
	}
}

func (p *IPDevicePort) writeLoop() {
	defer p.writerWg.Done()
	for {
		select {
		case <-p.txReady:
		case <-p.done:
			return
		}
		for {
			p.mu.Lock()
			frame, ok := p.tx.TryPop()
			p.mu.Unlock()
			if !ok {
				break
			}
			if _, err := p.dev.Write(frame); err != nil {
				p.txErrors.Add(1)
				if errors.Is(err, ErrClosed) {
					p.markClosed()
					return
				}
			}
			// Transmit space became available.
			Notify(p.activity)
		}
	}
}

func (p *IPDevicePort) forwardLinkChanges() {
	changes := p.link.LinkChanges()
	for {
		select {
		case <-changes:
			Notify(p.activity)
		case <-p.done:
			return
		}
	}
}

func (p *IPDevicePort) markClosed() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	Notify(p.activity)
}

// TryReceive implements [Port].
func (p *IPDevicePort) TryReceive() ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rx.TryPop()
}

// TryTransmit implements [Port]. On success the port takes ownership of frame.
func (p *IPDevicePort) TryTransmit(frame []byte) error {
	if len(frame) > p.mtu {
		return ErrMsgSize
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if !p.tx.TryPush(frame) {
		p.mu.Unlock()
		return ErrTransmitBusy
	}
	p.mu.Unlock()
	Notify(p.txReady)
	return nil
}

// Activity implements [Port].
func (p *IPDevicePort) Activity() <-chan struct{} { return p.activity }

// CanReceive implements [Port].
func (p *IPDevicePort) CanReceive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.rx.IsEmpty()
}

// CanTransmit implements [Port].
func (p *IPDevicePort) CanTransmit() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed && !p.tx.IsFull()
}

// LinkUp implements [Port]. A closed device is down; otherwise the device's [LinkMonitor] decides, if it has one.
func (p *IPDevicePort) LinkUp() bool {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return false
	}
	if p.link != nil {
		return p.link.LinkUp()
	}
	return true
}

// MTU implements [Port].
func (p *IPDevicePort) MTU() int { return p.mtu }

// Dropped returns the number of inbound packets dropped because the receive queue was full.
func (p *IPDevicePort) Dropped() uint64 { return p.rxDropped.Load() }

// WriteErrors returns the number of packets the device failed to write.
func (p *IPDevicePort) WriteErrors() uint64 { return p.txErrors.Load() }

// Close stops both goroutines and closes the underlying device.
func (p *IPDevicePort) Close() error {
	var err error
	p.once.Do(func() {
		p.markClosed()
		close(p.done)
		err = p.dev.Close()
		p.writerWg.Wait()
	})
	return err
}
