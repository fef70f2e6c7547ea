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
	"errors"
	"net"

	lwip "github.com/eycorsican/go-tun2socks/core"
)

var errStreamUnsupported = errors.New("lwipengine does not accept TCP connections")

// Compilation guard against interface implementation
var _ lwip.TCPConnHandler = (*tcpHandler)(nil)

// tcpHandler refuses every inbound TCP connection. lwIP requires a handler to be registered.
type tcpHandler struct{}

func (tcpHandler) Handle(conn net.Conn, target *net.TCPAddr) error {
	conn.Close()
	return errStreamUnsupported
}
