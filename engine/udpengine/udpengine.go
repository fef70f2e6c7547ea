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

package udpengine

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/Jigsaw-Code/outline-netstack/engine"
	"github.com/Jigsaw-Code/outline-netstack/network"
	"github.com/eapache/queue"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

const (
	ipv4HeaderLen = 20
	udpHeaderLen  = 8

	ephemeralFirst = 49152
	ephemeralLast  = 65535

	defaultRxBatch       = 32
	defaultQueueLen      = 4
	defaultOutLimit      = 64
	defaultRetryInterval = 10 * time.Millisecond
	defaultTTL           = 64
	defaultMTU           = 1500
)

var errUnsupportedAddr = errors.New("only IPv4 addresses are supported")

// Config is the static configuration of an Engine. Zero fields take defaults.
type Config struct {
	// Address is the IPv4 address of the engine. If it is not valid, the engine is unconfigured: it accepts
	// datagrams for any destination and sends from 0.0.0.0, and ConfigUp reports false.
	Address netip.Addr

	// MTU bounds the size of frames the engine builds. Defaults to 1500.
	MTU int

	// RxBatch is the maximum number of frames drained from the port by one Poll. Defaults to 32.
	RxBatch int

	// QueueLen is the number of datagrams each socket buffers in each direction. Defaults to 4.
	QueueLen int

	// RetryInterval is how long to wait before retrying a frame the port refused. Defaults to 10ms.
	RetryInterval time.Duration

	// TTL of outgoing packets. Defaults to 64.
	TTL uint8

	// DisableEcho turns off the ICMP echo responder.
	DisableEcho bool
}

// Stats are cumulative frame counters.
type Stats struct {
	RxFrames    uint64
	RxMalformed uint64
	RxDropped   uint64
	TxFrames    uint64
	TxDropped   uint64
	EchoReplies uint64
}

type datagram struct {
	payload []byte
	addr    netip.AddrPort
}

type socket struct {
	kind     engine.Kind
	local    netip.AddrPort
	remote   netip.AddrPort
	rx       *queue.Queue
	tx       *queue.Queue
	shutdown bool
	closed   bool
}

var _ engine.Engine = (*Engine)(nil)
var _ engine.ConfigReporter = (*Engine)(nil)
var _ engine.LocalAddrReporter = (*Engine)(nil)

// Engine is an IPv4 datagram engine. See the package documentation.
type Engine struct {
	cfg  Config
	addr netip.Addr

	sockets []*socket
	ports   map[uint16]int // local port -> socket index
	cursor  uint16         // next ephemeral port to try

	out     [][]byte // frames waiting for the port
	retryAt time.Time
	ipID    uint16

	// Decoding state is reused across frames.
	ip4     layers.IPv4
	udp     layers.UDP
	parser  *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType

	stats Stats
}

// New creates an Engine.
func New(cfg Config) *Engine {
	if cfg.MTU <= 0 {
		cfg.MTU = defaultMTU
	}
	if cfg.RxBatch <= 0 {
		cfg.RxBatch = defaultRxBatch
	}
	if cfg.QueueLen <= 0 {
		cfg.QueueLen = defaultQueueLen
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaultRetryInterval
	}
	if cfg.TTL == 0 {
		cfg.TTL = defaultTTL
	}
	e := &Engine{
		cfg:     cfg,
		addr:    cfg.Address.Unmap(),
		ports:   make(map[uint16]int),
		cursor:  ephemeralFirst,
		decoded: make([]gopacket.LayerType, 0, 2),
	}
	e.parser = gopacket.NewDecodingLayerParser(layers.LayerTypeIPv4, &e.ip4, &e.udp)
	e.parser.IgnoreUnsupported = true
	return e
}

// SetAddress changes the address of the engine, as a DHCP client would once it has a lease. Like every other method,
// it must be serialized with Poll, e.g. by calling it from [stack.Stack.WithEngine].
func (e *Engine) SetAddress(addr netip.Addr) error {
	if addr.IsValid() && !addr.Unmap().Is4() {
		return errUnsupportedAddr
	}
	e.addr = addr.Unmap()
	return nil
}

// Address returns the current address, which is not valid while unconfigured.
func (e *Engine) Address() netip.Addr { return e.addr }

// ConfigUp implements [engine.ConfigReporter].
func (e *Engine) ConfigUp() bool { return e.addr.IsValid() }

// Stats returns the frame counters.
func (e *Engine) Stats() Stats { return e.stats }

// Poll implements [engine.Engine].
func (e *Engine) Poll(now time.Time, port network.Port) (time.Time, bool) {
	for i := 0; i < e.cfg.RxBatch; i++ {
		frame, ok := port.TryReceive()
		if !ok {
			break
		}
		e.input(frame)
	}

	e.buildOutgoing()

	for len(e.out) > 0 {
		err := port.TryTransmit(e.out[0])
		if err == nil {
			e.stats.TxFrames++
			e.out = e.out[1:]
			continue
		}
		if errors.Is(err, network.ErrMsgSize) {
			e.stats.TxDropped++
			e.out = e.out[1:]
			continue
		}
		break
	}
	if len(e.out) == 0 {
		e.out = nil
		e.retryAt = time.Time{}
		if e.txPending() {
			// The frame limit cut this round short; build the rest on the next poll.
			return now, true
		}
		return time.Time{}, false
	}
	e.retryAt = now.Add(e.cfg.RetryInterval)
	return e.retryAt, true
}

// buildOutgoing moves queued datagrams into frames, in socket order, until the outgoing frame buffer is full.
func (e *Engine) buildOutgoing() {
	for _, s := range e.sockets {
		if s == nil {
			continue
		}
		for s.tx.Length() > 0 && len(e.out) < defaultOutLimit {
			dg := s.tx.Remove().(datagram)
			if s.kind == engine.KindRaw {
				e.out = append(e.out, dg.payload)
				continue
			}
			frame, err := e.buildUDP(s.local.Port(), dg.addr, dg.payload)
			if err != nil {
				e.stats.TxDropped++
				continue
			}
			e.out = append(e.out, frame)
		}
		if s.shutdown && s.tx.Length() == 0 {
			s.closed = true
		}
	}
}

// txPending reports whether any socket still has datagrams waiting to be built into frames.
func (e *Engine) txPending() bool {
	for _, s := range e.sockets {
		if s != nil && s.tx.Length() > 0 {
			return true
		}
	}
	return false
}

func (e *Engine) nextIPID() uint16 {
	e.ipID++
	return e.ipID
}

func (e *Engine) srcAddr() netip.Addr {
	if e.addr.IsValid() {
		return e.addr
	}
	return netip.IPv4Unspecified()
}

func (e *Engine) buildUDP(srcPort uint16, to netip.AddrPort, payload []byte) ([]byte, error) {
	ip := &layers.IPv4{
		Version:  4,
		Id:       e.nextIPID(),
		TTL:      e.cfg.TTL,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    e.srcAddr().AsSlice(),
		DstIP:    to.Addr().AsSlice(),
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(srcPort),
		DstPort: layers.UDPPort(to.Port()),
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, err
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload(payload)); err != nil {
		return nil, fmt.Errorf("failed to build UDP frame: %w", err)
	}
	return buf.Bytes(), nil
}

func (e *Engine) input(frame []byte) {
	e.stats.RxFrames++
	e.deliverRaw(frame)

	if err := e.parser.DecodeLayers(frame, &e.decoded); err != nil || len(e.decoded) == 0 {
		e.stats.RxMalformed++
		return
	}
	if e.ip4.Flags&layers.IPv4MoreFragments != 0 || e.ip4.FragOffset != 0 {
		e.stats.RxDropped++
		return
	}
	src, _ := netip.AddrFromSlice(e.ip4.SrcIP)
	dst, _ := netip.AddrFromSlice(e.ip4.DstIP)
	if !e.acceptsDst(dst) {
		e.stats.RxDropped++
		return
	}

	switch e.ip4.Protocol {
	case layers.IPProtocolUDP:
		if len(e.decoded) < 2 {
			e.stats.RxMalformed++
			return
		}
		e.deliverUDP(src, dst, e.udp)
	case layers.IPProtocolICMPv4:
		if e.cfg.DisableEcho || !e.addr.IsValid() || dst != e.addr {
			e.stats.RxDropped++
			return
		}
		e.answerEcho(src, e.ip4.Payload)
	default:
		e.stats.RxDropped++
	}
}

func (e *Engine) acceptsDst(dst netip.Addr) bool {
	if !e.addr.IsValid() {
		return true
	}
	return dst == e.addr || dst == netip.AddrFrom4([4]byte{255, 255, 255, 255})
}

func (e *Engine) deliverRaw(frame []byte) {
	for _, s := range e.sockets {
		if s == nil || s.kind != engine.KindRaw || s.shutdown || s.rx.Length() >= e.cfg.QueueLen {
			continue
		}
		s.rx.Add(datagram{payload: append([]byte(nil), frame...)})
	}
}

func (e *Engine) deliverUDP(src, dst netip.Addr, udp layers.UDP) {
	idx, ok := e.ports[uint16(udp.DstPort)]
	if !ok {
		e.stats.RxDropped++
		return
	}
	s := e.sockets[idx]
	if s.shutdown || s.rx.Length() >= e.cfg.QueueLen {
		e.stats.RxDropped++
		return
	}
	if la := s.local.Addr(); la.IsValid() && !la.IsUnspecified() && la != dst {
		e.stats.RxDropped++
		return
	}
	s.rx.Add(datagram{
		payload: append([]byte(nil), udp.Payload...),
		addr:    netip.AddrPortFrom(src, uint16(udp.SrcPort)),
	})
}

func (e *Engine) socket(h engine.Handle) (*socket, error) {
	if int(h.Index) >= len(e.sockets) || e.sockets[h.Index] == nil {
		return nil, engine.ErrUnknownHandle
	}
	return e.sockets[h.Index], nil
}

// Open implements [engine.Engine]. Datagram and raw sockets are supported.
func (e *Engine) Open(h engine.Handle, kind engine.Kind) error {
	if kind != engine.KindDatagram && kind != engine.KindRaw {
		return fmt.Errorf("udpengine cannot open %v sockets: %w", kind, engine.ErrUnsupportedKind)
	}
	for int(h.Index) >= len(e.sockets) {
		e.sockets = append(e.sockets, nil)
	}
	e.sockets[h.Index] = &socket{
		kind: kind,
		rx:   queue.New(),
		tx:   queue.New(),
	}
	return nil
}

// Abort implements [engine.Engine].
func (e *Engine) Abort(h engine.Handle) {
	s, err := e.socket(h)
	if err != nil {
		return
	}
	if s.local.IsValid() {
		delete(e.ports, s.local.Port())
	}
	e.sockets[h.Index] = nil
}

// Readiness implements [engine.Engine]. Unknown handles are reported as Closed.
func (e *Engine) Readiness(h engine.Handle) engine.Readiness {
	s, err := e.socket(h)
	if err != nil {
		return engine.Closed
	}
	var r engine.Readiness
	if s.rx.Length() > 0 {
		r |= engine.Readable
	}
	if !s.shutdown && s.tx.Length() < e.cfg.QueueLen {
		r |= engine.Writable
	}
	if s.closed {
		r |= engine.Closed
	}
	return r
}

// LocalAddr implements [engine.LocalAddrReporter].
func (e *Engine) LocalAddr(h engine.Handle) (netip.AddrPort, bool) {
	s, err := e.socket(h)
	if err != nil || !s.local.IsValid() {
		return netip.AddrPort{}, false
	}
	return s.local, true
}

// Bind implements [engine.Engine]. The address must be unspecified or the engine's own address.
func (e *Engine) Bind(h engine.Handle, local netip.AddrPort) error {
	s, err := e.socket(h)
	if err != nil {
		return err
	}
	if s.kind == engine.KindRaw {
		return nil
	}
	if s.local.IsValid() {
		return fmt.Errorf("socket %v is already bound to %v", h, s.local)
	}
	addr := local.Addr().Unmap()
	if !addr.IsValid() {
		addr = netip.IPv4Unspecified()
	}
	if !addr.Is4() {
		return errUnsupportedAddr
	}
	if !addr.IsUnspecified() && addr != e.addr {
		return fmt.Errorf("cannot bind to %v, which is not the engine address", addr)
	}
	port := local.Port()
	if port == 0 {
		if port, err = e.ephemeralPort(); err != nil {
			return err
		}
	} else if _, taken := e.ports[port]; taken {
		return fmt.Errorf("port %d: %w", port, engine.ErrAddrInUse)
	}
	s.local = netip.AddrPortFrom(addr, port)
	e.ports[port] = int(h.Index)
	return nil
}

func (e *Engine) ephemeralPort() (uint16, error) {
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

// Connect implements [engine.Engine]. It sets the default destination and binds an ephemeral port if needed.
func (e *Engine) Connect(h engine.Handle, remote netip.AddrPort) error {
	s, err := e.socket(h)
	if err != nil {
		return err
	}
	remote = netip.AddrPortFrom(remote.Addr().Unmap(), remote.Port())
	if !remote.Addr().Is4() {
		return errUnsupportedAddr
	}
	if !s.local.IsValid() && s.kind == engine.KindDatagram {
		if err := e.Bind(h, netip.AddrPort{}); err != nil {
			return err
		}
	}
	s.remote = remote
	return nil
}

// Send implements [engine.Engine]. For raw sockets p is a whole IP packet and `to` is ignored.
func (e *Engine) Send(h engine.Handle, p []byte, to netip.AddrPort) (int, error) {
	s, err := e.socket(h)
	if err != nil {
		return 0, err
	}
	if s.shutdown {
		return 0, network.ErrClosed
	}
	if s.kind == engine.KindRaw {
		if len(p) > e.cfg.MTU {
			return 0, network.ErrMsgSize
		}
		if s.tx.Length() >= e.cfg.QueueLen {
			return 0, engine.ErrWouldBlock
		}
		s.tx.Add(datagram{payload: append([]byte(nil), p...)})
		return len(p), nil
	}

	if len(p)+ipv4HeaderLen+udpHeaderLen > e.cfg.MTU {
		return 0, network.ErrMsgSize
	}
	if !to.IsValid() {
		to = s.remote
	}
	if !to.IsValid() {
		return 0, engine.ErrNoRemote
	}
	to = netip.AddrPortFrom(to.Addr().Unmap(), to.Port())
	if !to.Addr().Is4() {
		return 0, errUnsupportedAddr
	}
	if s.tx.Length() >= e.cfg.QueueLen {
		return 0, engine.ErrWouldBlock
	}
	if !s.local.IsValid() {
		if err := e.Bind(h, netip.AddrPort{}); err != nil {
			return 0, err
		}
	}
	s.tx.Add(datagram{payload: append([]byte(nil), p...), addr: to})
	return len(p), nil
}

// Receive implements [engine.Engine]. Like recvfrom, a datagram larger than p is truncated.
func (e *Engine) Receive(h engine.Handle, p []byte) (int, netip.AddrPort, error) {
	s, err := e.socket(h)
	if err != nil {
		return 0, netip.AddrPort{}, err
	}
	if s.rx.Length() == 0 {
		if s.closed {
			return 0, netip.AddrPort{}, network.ErrClosed
		}
		return 0, netip.AddrPort{}, engine.ErrWouldBlock
	}
	dg := s.rx.Remove().(datagram)
	return copy(p, dg.payload), dg.addr, nil
}

// Shutdown implements [engine.Engine]. The socket is Closed once its queued datagrams are turned into frames.
func (e *Engine) Shutdown(h engine.Handle) error {
	s, err := e.socket(h)
	if err != nil {
		return err
	}
	s.shutdown = true
	if s.tx.Length() == 0 {
		s.closed = true
	}
	return nil
}
