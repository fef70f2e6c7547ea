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

package network

// IPDevice is a generic, blocking network device that reads and writes IP packets. It extends the
// [io.ReadWriteCloser] interface. Use [NewPort] to drive an IPDevice from a stack runner, which only performs
// non-blocking frame I/O.
//
// Some examples of IPDevices are a TUN adapter or a UDP tunnel to a peer.
type IPDevice interface {
	// Close closes this device. Any future Read will return io.EOF and Write will return ErrClosed.
	Close() error

	// Read reads an IP packet from this device into p, returning the number of bytes read. It blocks until a full IP
	// packet has been received. Fragmented packets are returned as they are, without reassembly.
	//
	// If len(p) is smaller than the incoming IP packet, only len(p) bytes will be copied to p, the excess bytes are
	// discarded (this aligns with the socket recvfrom function), and nil error will be returned. You can use MTU to
	// get the maximum size of the packets.
	Read(p []byte) (int, error)

	// Write writes an IP packet p to this device and returns the number of bytes written. len(p) must not exceed MTU.
	//
	// Write will return (0, ErrMsgSize) if len(p) > MTU(). This aligns with the socket sendto function.
	Write(b []byte) (int, error)

	// MTU returns the size of the Maximum Transmission Unit for this device, which is the maximum size of a single IP
	// packet that can be received/sent.
	MTU() int
}

// LinkMonitor is implemented by IPDevices that can observe their carrier state, such as a TUN adapter watched through
// netlink. Devices that do not implement it are considered up until they are closed.
type LinkMonitor interface {
	// LinkUp reports whether the link is currently operational.
	LinkUp() bool

	// LinkChanges returns a channel that receives a value every time LinkUp may have changed.
	LinkChanges() <-chan struct{}
}
