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
Package udpengine is a small IPv4 protocol engine written in Go. It implements datagram (UDP) and raw sockets, and
answers ICMP echo requests addressed to it. Frames are decoded and built with [gopacket]; ICMP messages with
[golang.org/x/net/icmp].

The engine is not safe for concurrent use. It is meant to be driven by a [stack.Stack], which serializes every call:

	eng := udpengine.New(udpengine.Config{Address: netip.MustParseAddr("10.0.0.2")})
	s, err := stack.New(port, eng, stack.Config{Capacity: map[engine.Kind]int{engine.KindDatagram: 4}})

IP fragments are dropped; there is no reassembly.

[gopacket]: https://github.com/google/gopacket
*/
package udpengine
