// Copyright 2023 The Outline Authors
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
The network package defines the link layer seen by a user-space network stack. A [Port] is the non-blocking frame
interface the stack runner drives: it never blocks in TryReceive or TryTransmit and announces new work through its
Activity channel. An [IPDevice] is the familiar blocking read/write device (a TUN adapter, a UDP tunnel); [NewPort]
turns one into a Port.

The sub-packages provide concrete links: [network/memport] is an in-memory link for tests and demos,
[network/tun] a Linux TUN adapter, and [network/udplink] a tunnel that carries IP frames in UDP datagrams.

[PacketProxy] lets datagram sockets of a stack be plugged into code that expects a UDP proxy.
*/
package network
