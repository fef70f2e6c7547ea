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
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	lwip "github.com/eycorsican/go-tun2socks/core"
)

// Compilation guard against interface implementation
var _ lwip.UDPConnHandler = (*udpHandler)(nil)

// flow is the lwIP UDP connection of one sender.
type flow struct {
	conn       lwip.UDPConn
	lastActive time.Time
	// targets maps a destination port to the destination address the sender last used with it. Replies come from
	// that address.
	targets map[uint16]netip.Addr
}

type udpHandler struct {
	eng *Engine
	now func() time.Time

	mu    sync.Mutex               // Protects the flows field
	flows map[netip.AddrPort]*flow // Maps the sender (lwIP local address) to its flow
}

// newUDPHandler returns a lwIP UDP connection handler that delivers datagrams to eng's sockets.
func newUDPHandler(eng *Engine) *udpHandler {
	return &udpHandler{
		eng:   eng,
		now:   time.Now,
		flows: make(map[netip.AddrPort]*flow, 8),
	}
}

func addrPortOf(addr *net.UDPAddr) netip.AddrPort {
	ap := addr.AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// Connect registers the flow of a new sender. It's called by lwIP before the first ReceiveTo of that sender.
func (h *udpHandler) Connect(conn lwip.UDPConn, _ *net.UDPAddr) error {
	sender := addrPortOf(conn.LocalAddr())

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.flows[sender]; ok {
		return fmt.Errorf("duplicated connection %v", sender)
	}
	h.flows[sender] = &flow{conn: conn, lastActive: h.now(), targets: make(map[uint16]netip.Addr)}
	return nil
}

// ReceiveTo delivers a datagram from a sender to the socket bound to the destination port. It's called by lwIP.
// Datagrams nobody listens for are dropped.
func (h *udpHandler) ReceiveTo(conn lwip.UDPConn, data []byte, destAddr *net.UDPAddr) error {
	sender := addrPortOf(conn.LocalAddr())
	dest := addrPortOf(destAddr)

	h.mu.Lock()
	f, ok := h.flows[sender]
	if ok {
		f.lastActive = h.now()
		f.targets[dest.Port()] = dest.Addr()
	}
	h.mu.Unlock()

	if !ok {
		return fmt.Errorf("connection %v->%v does not exist", sender, dest)
	}
	h.eng.deliver(data, sender, dest)
	return nil
}

// route returns the flow connection to reach `to` and the source address a reply from local must carry.
func (h *udpHandler) route(to, local netip.AddrPort) (lwip.UDPConn, netip.AddrPort, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	f, ok := h.flows[to]
	if !ok {
		return nil, netip.AddrPort{}, false
	}
	src := local.Addr()
	if target, ok := f.targets[local.Port()]; ok {
		src = target
	} else if src.IsUnspecified() {
		return nil, netip.AddrPort{}, false
	}
	f.lastActive = h.now()
	return f.conn, netip.AddrPortFrom(src, local.Port()), true
}

// expire closes the flows idle for longer than the timeout. It returns when the next flow expires.
func (h *udpHandler) expire(now time.Time) (time.Time, bool) {
	timeout := h.eng.cfg.IdleTimeout
	var (
		expired []lwip.UDPConn
		next    time.Time
	)
	h.mu.Lock()
	for sender, f := range h.flows {
		deadline := f.lastActive.Add(timeout)
		if !now.Before(deadline) {
			expired = append(expired, f.conn)
			delete(h.flows, sender)
			continue
		}
		if next.IsZero() || deadline.Before(next) {
			next = deadline
		}
	}
	h.mu.Unlock()

	// Close calls into lwIP, which must not happen with h.mu held.
	for _, conn := range expired {
		conn.Close()
	}
	return next, !next.IsZero()
}

// closeAll closes every flow.
func (h *udpHandler) closeAll() {
	h.mu.Lock()
	flows := h.flows
	h.flows = make(map[netip.AddrPort]*flow)
	h.mu.Unlock()
	for _, f := range flows {
		f.conn.Close()
	}
}
