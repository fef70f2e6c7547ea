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

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/Jigsaw-Code/outline-netstack/engine"
	"github.com/Jigsaw-Code/outline-netstack/stack"
)

const maxDatagramSize = 65507

// serveEcho sends every datagram received on port back to its sender, until ctx is done.
func serveEcho(ctx context.Context, st *stack.Stack, port uint16) error {
	if err := st.WaitLinkUp(ctx); err != nil {
		return err
	}
	slog.Info("Link is up")
	if err := st.WaitConfigUp(ctx); err != nil {
		return err
	}
	slog.Info("Address is configured")

	sock, err := st.Open(engine.KindDatagram)
	if err != nil {
		return err
	}
	defer sock.Abort()
	if err := sock.Bind(ctx, netip.AddrPortFrom(netip.IPv4Unspecified(), port)); err != nil {
		return fmt.Errorf("could not bind echo port %d: %w", port, err)
	}
	local, _ := sock.LocalAddr()
	slog.Info("Echo service is listening", "address", local)

	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := sock.Receive(ctx, buf)
		if err != nil {
			return err
		}
		slog.Debug("Echoing datagram", "from", from, "size", n)
		if _, err := sock.SendTo(ctx, buf[:n], from); err != nil {
			return err
		}
	}
}
