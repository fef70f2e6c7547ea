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
Package udplink carries IP frames over UDP to a single peer, optionally sealed with an AEAD cipher. A [Link] is a
[network.IPDevice], so it is turned into a stack port with [network.NewPort]:

	link, err := udplink.Dial("0.0.0.0:7000", "203.0.113.1:7000", udplink.WithKey(key))
	if err != nil {
		// handle error
	}
	port, err := network.NewPort(link)

Datagrams from any address other than the peer are ignored, as are sealed datagrams that fail authentication.
*/
package udplink

import (
	"errors"
	"io"
	"net"
	"sync/atomic"

	"github.com/Jigsaw-Code/outline-netstack/internal/slicepool"
	"github.com/Jigsaw-Code/outline-netstack/network"
)

// DefaultMTU leaves room for the IPv4, UDP and sealing overhead on a 1500-byte path.
const DefaultMTU = 1400

// maxDatagram is the largest UDP payload.
const maxDatagram = 65507

// Compilation guard against interface implementation
var _ network.IPDevice = (*Link)(nil)

// Link is an IP device that tunnels frames over UDP.
type Link struct {
	conn   net.PacketConn
	remote net.Addr
	key    *Key
	mtu    int
	pool   slicepool.Pool

	rejected atomic.Uint64
	closed   atomic.Bool
}

// WithKey seals every frame with key. Both ends must use the same key.
func WithKey(key *Key) func(*Link) error {
	return func(l *Link) error {
		if key == nil {
			return errors.New("key is required")
		}
		l.key = key
		return nil
	}
}

// WithMTU sets the maximum frame size.
func WithMTU(mtu int) func(*Link) error {
	return func(l *Link) error {
		if mtu < 68 || mtu > maxDatagram {
			return errors.New("MTU must be between 68 and 65507")
		}
		l.mtu = mtu
		return nil
	}
}

// New creates a Link that exchanges frames with remote over conn. The Link owns conn and closes it on Close.
func New(conn net.PacketConn, remote net.Addr, options ...func(*Link) error) (*Link, error) {
	if conn == nil || remote == nil {
		return nil, errors.New("both conn and remote are required")
	}
	l := &Link{conn: conn, remote: remote, mtu: DefaultMTU}
	for _, opt := range options {
		if err := opt(l); err != nil {
			return nil, err
		}
	}
	l.pool = slicepool.MakePool(maxDatagram)
	return l, nil
}

// Dial listens on the local UDP address and creates a Link to the remote one.
func Dial(local, remote string, options ...func(*Link) error) (*Link, error) {
	raddr, err := net.ResolveUDPAddr("udp", remote)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenPacket("udp", local)
	if err != nil {
		return nil, err
	}
	l, err := New(conn, raddr, options...)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return l, nil
}

// LocalAddr returns the local UDP address of the link.
func (l *Link) LocalAddr() net.Addr { return l.conn.LocalAddr() }

// Rejected returns how many datagrams were ignored because they came from elsewhere or failed authentication.
func (l *Link) Rejected() uint64 { return l.rejected.Load() }

// MTU implements [network.IPDevice].
func (l *Link) MTU() int { return l.mtu }

// Read implements [network.IPDevice]. It returns [io.EOF] once the link is closed.
func (l *Link) Read(p []byte) (int, error) {
	lazy := l.pool.LazySlice()
	buf := lazy.Acquire()
	defer lazy.Release()
	for {
		n, from, err := l.conn.ReadFrom(buf)
		if err != nil {
			if l.closed.Load() || errors.Is(err, net.ErrClosed) {
				return 0, io.EOF
			}
			return 0, err
		}
		if from.String() != l.remote.String() {
			l.rejected.Add(1)
			continue
		}
		frame := buf[:n]
		if l.key != nil {
			if frame, err = Open(nil, frame, l.key); err != nil {
				l.rejected.Add(1)
				continue
			}
		}
		return copy(p, frame), nil
	}
}

// Write implements [network.IPDevice].
func (l *Link) Write(b []byte) (int, error) {
	if l.closed.Load() {
		return 0, network.ErrClosed
	}
	if len(b) > l.mtu {
		return 0, network.ErrMsgSize
	}
	pkt := b
	if l.key != nil {
		lazy := l.pool.LazySlice()
		buf := lazy.Acquire()
		defer lazy.Release()
		var err error
		if pkt, err = Seal(buf[:0], b, l.key); err != nil {
			return 0, err
		}
	}
	if _, err := l.conn.WriteTo(pkt, l.remote); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return 0, network.ErrClosed
		}
		return 0, err
	}
	return len(b), nil
}

// Close implements [network.IPDevice].
func (l *Link) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	return l.conn.Close()
}
