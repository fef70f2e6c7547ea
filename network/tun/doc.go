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
Package tun provides a TUN adapter as a [network.IPDevice]. On Linux the adapter is created with water, addressed and
brought up through netlink, and it reports its carrier state as a [network.LinkMonitor], so a stack driven by it sees
the link go down when the interface is set down.

	dev, err := tun.NewDevice(tun.Config{Name: "netstack0", Address: netip.MustParsePrefix("10.0.85.1/24")})
	if err != nil {
		// handle error
	}
	port, err := network.NewPort(dev)

Creating a TUN adapter requires CAP_NET_ADMIN.
*/
package tun

import (
	"errors"
	"fmt"
	"net/netip"
)

// DefaultMTU is the MTU used when [Config] does not set one.
const DefaultMTU = 1500

// Config describes the TUN adapter to create.
type Config struct {
	// Name of the interface. Required.
	Name string
	// Address assigned to the interface. Optional.
	Address netip.Prefix
	// MTU of the interface. Zero selects DefaultMTU.
	MTU int
}

func (c *Config) validate() error {
	if len(c.Name) == 0 {
		return errors.New("name is required for TUN device")
	}
	if len(c.Name) > 15 {
		return fmt.Errorf("TUN device name '%s' is longer than 15 characters", c.Name)
	}
	if c.Address.IsValid() && !c.Address.Addr().Is4() {
		return fmt.Errorf("TUN device address %v is not IPv4", c.Address)
	}
	if c.MTU == 0 {
		c.MTU = DefaultMTU
	}
	if c.MTU < 68 || c.MTU > 65535 {
		return fmt.Errorf("TUN device MTU %d is out of range", c.MTU)
	}
	return nil
}
