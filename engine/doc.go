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
Package engine defines the boundary between the stack and a protocol engine. An [Engine] holds all IP/UDP/TCP state
and is driven by explicit Poll calls from a single goroutine at a time.

Available engines:
  - [engine/udpengine]: a pure Go IPv4 datagram engine with an ICMP echo responder.
  - [engine/lwipengine]: the lwIP stack from [go-tun2socks], exposing inbound UDP flows as datagram sockets.
  - [engine/enginetest]: a scripted engine for tests, which asserts that it is never entered concurrently.

[go-tun2socks]: https://github.com/eycorsican/go-tun2socks
*/
package engine
