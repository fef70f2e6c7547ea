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
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

// protocolICMP is the IANA protocol number of ICMPv4, as expected by [icmp.ParseMessage].
const protocolICMP = 1

// answerEcho queues an echo reply for an ICMP echo request. Other ICMP messages are ignored.
func (e *Engine) answerEcho(src netip.Addr, body []byte) {
	msg, err := icmp.ParseMessage(protocolICMP, body)
	if err != nil {
		e.stats.RxMalformed++
		return
	}
	if msg.Type != ipv4.ICMPTypeEcho || len(e.out) >= defaultOutLimit {
		e.stats.RxDropped++
		return
	}
	reply := icmp.Message{Type: ipv4.ICMPTypeEchoReply, Code: 0, Body: msg.Body}
	payload, err := reply.Marshal(nil)
	if err != nil {
		e.stats.RxDropped++
		return
	}
	ip := &layers.IPv4{
		Version:  4,
		Id:       e.nextIPID(),
		TTL:      e.cfg.TTL,
		Protocol: layers.IPProtocolICMPv4,
		SrcIP:    e.addr.AsSlice(),
		DstIP:    src.AsSlice(),
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, gopacket.Payload(payload)); err != nil {
		e.stats.RxDropped++
		return
	}
	e.out = append(e.out, buf.Bytes())
	e.stats.EchoReplies++
}
