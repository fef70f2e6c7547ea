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
Package lwipengine runs the [lwIP library], through the [modified lwIP go library], as an [engine.Engine].

lwIP acts as a transparent UDP endpoint: it accepts datagrams for any destination address. A datagram socket bound to
port P receives every datagram sent to port P, and Receive reports the sender. Replies sent to that sender appear to
come from the address the sender used. Stream sockets are not supported, and inbound TCP connections are refused.

lwIP is a process-wide singleton, so only one Engine can be live at a time. Creating a new one closes the previous
one:

	eng, err := lwipengine.New(lwipengine.Config{})
	if err != nil {
		// handle error
	}
	defer eng.Close()

[modified lwIP go library]: https://github.com/eycorsican/go-tun2socks
[lwIP library]: https://savannah.nongnu.org/projects/lwip/
*/
package lwipengine
