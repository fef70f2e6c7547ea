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

package tun

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/Jigsaw-Code/outline-netstack/network"
	"github.com/songgao/water"
	"github.com/vishvananda/netlink"
)

// Compilation guard against interface implementation
var (
	_ network.IPDevice    = (*Device)(nil)
	_ network.LinkMonitor = (*Device)(nil)
)

// Device is a Linux TUN adapter.
type Device struct {
	*water.Interface
	link netlink.Link
	mtu  int

	up      atomic.Bool
	changes chan struct{}
	done    chan struct{}
	closed  atomic.Bool
	once    sync.Once
}

// NewDevice creates the TUN adapter described by cfg, assigns its address and brings it up.
func NewDevice(cfg Config) (d *Device, err error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	tun, err := water.New(water.Config{
		DeviceType: water.TUN,
		PlatformSpecificParams: water.PlatformSpecificParams{
			Name:    cfg.Name,
			Persist: false,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create TUN device: %w", err)
	}
	defer func() {
		if err != nil {
			tun.Close()
		}
	}()

	tunLink, err := netlink.LinkByName(cfg.Name)
	if err != nil {
		return nil, fmt.Errorf("newly created TUN device '%s' not found: %w", cfg.Name, err)
	}
	d = &Device{
		Interface: tun,
		link:      tunLink,
		mtu:       cfg.MTU,
		changes:   make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	if err := netlink.LinkSetMTU(tunLink, cfg.MTU); err != nil {
		return nil, fmt.Errorf("failed to set MTU of TUN device '%s': %w", cfg.Name, err)
	}
	if cfg.Address.IsValid() {
		addr, err := netlink.ParseAddr(cfg.Address.String())
		if err != nil {
			return nil, fmt.Errorf("address '%v' is not valid: %w", cfg.Address, err)
		}
		if err := netlink.AddrAdd(tunLink, addr); err != nil {
			return nil, fmt.Errorf("failed to add address to TUN device '%s': %w", cfg.Name, err)
		}
	}

	updates := make(chan netlink.LinkUpdate, 8)
	if err := netlink.LinkSubscribe(updates, d.done); err != nil {
		return nil, fmt.Errorf("failed to watch TUN device '%s': %w", cfg.Name, err)
	}
	go d.watch(updates)

	if err := netlink.LinkSetUp(tunLink); err != nil {
		d.once.Do(func() { close(d.done) })
		return nil, fmt.Errorf("failed to bring TUN device '%s' up: %w", cfg.Name, err)
	}
	d.up.Store(true)
	return d, nil
}

func (d *Device) watch(updates <-chan netlink.LinkUpdate) {
	index := d.link.Attrs().Index
	for update := range updates {
		attrs := update.Link.Attrs()
		if attrs == nil || attrs.Index != index {
			continue
		}
		up := attrs.Flags&net.FlagUp != 0 && attrs.OperState != netlink.OperDown
		if d.up.Swap(up) != up {
			network.Notify(d.changes)
		}
	}
}

// MTU implements [network.IPDevice].
func (d *Device) MTU() int { return d.mtu }

// Read implements [network.IPDevice]. It returns [io.EOF] once the device is closed.
func (d *Device) Read(p []byte) (int, error) {
	n, err := d.Interface.Read(p)
	if err != nil && d.closed.Load() {
		return 0, io.EOF
	}
	return n, err
}

// Write implements [network.IPDevice].
func (d *Device) Write(b []byte) (int, error) {
	if d.closed.Load() {
		return 0, network.ErrClosed
	}
	if len(b) > d.mtu {
		return 0, network.ErrMsgSize
	}
	n, err := d.Interface.Write(b)
	if err != nil && errors.Is(err, net.ErrClosed) {
		return 0, network.ErrClosed
	}
	return n, err
}

// LinkUp implements [network.LinkMonitor].
func (d *Device) LinkUp() bool { return d.up.Load() && !d.closed.Load() }

// LinkChanges implements [network.LinkMonitor].
func (d *Device) LinkChanges() <-chan struct{} { return d.changes }

// Close stops the link watch and removes the TUN device.
func (d *Device) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	d.once.Do(func() { close(d.done) })
	network.Notify(d.changes)
	return d.Interface.Close()
}
