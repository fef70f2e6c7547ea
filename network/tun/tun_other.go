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

//go:build !linux

package tun

import (
	"errors"

	"github.com/Jigsaw-Code/outline-netstack/network"
)

// Compilation guard against interface implementation
var _ network.IPDevice = (*Device)(nil)

// Device is a TUN adapter. It is only implemented on Linux.
type Device struct{}

// NewDevice returns [errors.ErrUnsupported] on this platform.
func NewDevice(cfg Config) (*Device, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return nil, errors.ErrUnsupported
}

func (*Device) MTU() int                    { return DefaultMTU }
func (*Device) Read(p []byte) (int, error)  { return 0, errors.ErrUnsupported }
func (*Device) Write(b []byte) (int, error) { return 0, errors.ErrUnsupported }
func (*Device) Close() error                { return nil }
