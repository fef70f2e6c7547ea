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
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/Jigsaw-Code/outline-netstack/engine"
	"github.com/Jigsaw-Code/outline-netstack/engine/udpengine"
	"github.com/Jigsaw-Code/outline-netstack/network"
	"github.com/Jigsaw-Code/outline-netstack/network/memport"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var stackAddr = netip.MustParseAddr("10.0.0.2")

func buildUDPFrame(t *testing.T, src, dst netip.AddrPort, payload []byte) []byte {
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    src.Addr().AsSlice(),
		DstIP:    dst.Addr().AsSlice(),
	}
	udp := &layers.UDP{SrcPort: layers.UDPPort(src.Port()), DstPort: layers.UDPPort(dst.Port())}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload(payload)))
	return buf.Bytes()
}

func parseUDPFrame(t *testing.T, frame []byte) (src, dst netip.AddrPort, payload []byte) {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeIPv4, gopacket.Default)
	ip, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	require.True(t, ok)
	udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
	require.True(t, ok)
	srcAddr, _ := netip.AddrFromSlice(ip.SrcIP.To4())
	dstAddr, _ := netip.AddrFromSlice(ip.DstIP.To4())
	return netip.AddrPortFrom(srcAddr, uint16(udp.SrcPort)), netip.AddrPortFrom(dstAddr, uint16(udp.DstPort)), udp.Payload
}

func newUDPStack(t *testing.T, capacity int) (*Stack, *memport.Port) {
	port, err := memport.New()
	require.NoError(t, err)
	eng := udpengine.New(udpengine.Config{Address: stackAddr})
	st := newTestStack(t, port, eng, map[engine.Kind]int{engine.KindDatagram: capacity})
	runStack(t, st)
	return st, port
}

func TestDatagramRoundTrip(t *testing.T) {
	st, port := newUDPStack(t, 2)
	ctx := testContext(t)
	require.NoError(t, st.WaitConfigUp(ctx))

	sock, err := st.Open(engine.KindDatagram)
	require.NoError(t, err)
	require.NoError(t, sock.Bind(ctx, netip.AddrPortFrom(netip.IPv4Unspecified(), 7)))
	local, ok := sock.LocalAddr()
	require.True(t, ok)
	assert.Equal(t, uint16(7), local.Port())

	type result struct {
		n    int
		from netip.AddrPort
		err  error
	}
	done := make(chan result, 1)
	buf := make([]byte, 1500)
	go func() {
		n, from, err := sock.Receive(ctx, buf)
		done <- result{n, from, err}
	}()
	require.Eventually(t, func() bool { return sock.State() == OpSuspended }, time.Second, time.Millisecond)

	polls := st.Stats().Polls
	peer := netip.AddrPortFrom(netip.MustParseAddr("10.0.0.1"), 40000)
	require.NoError(t, port.Inject(buildUDPFrame(t, peer, netip.AddrPortFrom(stackAddr, 7), []byte("ping"))))
	r := <-done
	require.NoError(t, r.err)
	assert.Equal(t, "ping", string(buf[:r.n]))
	assert.Equal(t, peer, r.from)
	assert.Equal(t, uint64(1), st.Stats().Polls-polls, "the datagram must be delivered by a single poll")

	_, err = sock.SendTo(ctx, []byte("pong"), r.from)
	require.NoError(t, err)
	frame, err := port.NextTransmitted(ctx)
	require.NoError(t, err)
	src, dst, payload := parseUDPFrame(t, frame)
	assert.Equal(t, netip.AddrPortFrom(stackAddr, 7), src)
	assert.Equal(t, peer, dst)
	assert.Equal(t, "pong", string(payload))

	require.NoError(t, sock.Close(ctx))
	assert.Equal(t, 2, st.Free(engine.KindDatagram))
	_, _, err = sock.Receive(ctx, buf)
	require.ErrorIs(t, err, network.ErrClosed)
}

func TestSendBlocksWhileTransmitBusy(t *testing.T) {
	port, err := memport.New()
	require.NoError(t, err)
	port.SetTransmitBlocked(true)
	eng := udpengine.New(udpengine.Config{Address: stackAddr, QueueLen: 1})
	st := newTestStack(t, port, eng, map[engine.Kind]int{engine.KindDatagram: 1})
	runStack(t, st)
	ctx := testContext(t)

	sock, err := st.Open(engine.KindDatagram)
	require.NoError(t, err)
	require.NoError(t, sock.Connect(ctx, netip.MustParseAddrPort("10.0.0.1:53")))

	// The engine keeps refused frames, so its frame buffer and then the socket queue fill up and Send blocks.
	go func() {
		for i := 0; ; i++ {
			if _, err := sock.Send(ctx, []byte{byte(i)}); err != nil {
				return
			}
		}
	}()
	require.Eventually(t, func() bool {
		return sock.Readiness()&engine.Writable == 0 && st.Stats().TransmitErrors > 0
	}, time.Second, time.Millisecond)

	port.SetTransmitBlocked(false)
	_, err = port.NextTransmitted(ctx)
	require.NoError(t, err)
	assert.Equal(t, engine.KindDatagram, sock.Kind())
	sock.Abort()
}

type responseRecorder struct {
	mu      sync.Mutex
	packets chan []byte
	sources []netip.AddrPort
	closed  chan struct{}
}

func newResponseRecorder() *responseRecorder {
	return &responseRecorder{packets: make(chan []byte, 8), closed: make(chan struct{})}
}

func (r *responseRecorder) WriteFrom(p []byte, source netip.AddrPort) (int, error) {
	r.mu.Lock()
	r.sources = append(r.sources, source)
	r.mu.Unlock()
	r.packets <- append([]byte(nil), p...)
	return len(p), nil
}

func (r *responseRecorder) Close() error {
	close(r.closed)
	return nil
}

func TestPacketProxySession(t *testing.T) {
	st, port := newUDPStack(t, 1)
	ctx := testContext(t)
	proxy, err := NewPacketProxy(st, WithSessionCloseTimeout(time.Second))
	require.NoError(t, err)

	resp := newResponseRecorder()
	req, err := proxy.NewSession(resp)
	require.NoError(t, err)

	_, err = proxy.NewSession(newResponseRecorder())
	require.ErrorIs(t, err, ErrResourceExhausted)

	n, err := req.WriteTo(nil, netip.MustParseAddrPort("10.0.0.1:53"))
	require.NoError(t, err)
	assert.Zero(t, n)

	server := netip.MustParseAddrPort("10.0.0.1:53")
	n, err = req.WriteTo([]byte("query"), server)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	frame, err := port.NextTransmitted(ctx)
	require.NoError(t, err)
	src, dst, payload := parseUDPFrame(t, frame)
	assert.Equal(t, server, dst)
	assert.Equal(t, "query", string(payload))

	require.NoError(t, port.Inject(buildUDPFrame(t, server, src, []byte("answer"))))
	select {
	case p := <-resp.packets:
		assert.Equal(t, "answer", string(p))
	case <-ctx.Done():
		t.Fatal("no response relayed")
	}
	resp.mu.Lock()
	assert.Equal(t, server, resp.sources[0])
	resp.mu.Unlock()

	require.NoError(t, req.Close())
	<-resp.closed
	_, err = req.WriteTo([]byte("late"), server)
	require.ErrorIs(t, err, network.ErrClosed)
	assert.Equal(t, 1, st.Free(engine.KindDatagram))
}

func TestNewPacketProxyValidation(t *testing.T) {
	_, err := NewPacketProxy(nil)
	require.Error(t, err)
	st, _ := newUDPStack(t, 1)
	_, err = NewPacketProxy(st, WithSessionCloseTimeout(0))
	require.Error(t, err)
	p, err := NewPacketProxy(st)
	require.NoError(t, err)
	_, err = p.NewSession(nil)
	require.Error(t, err)
}
