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
Package config loads the YAML configuration of a netstack command:

	version: 1.0
	log_level: info
	capacity:
	  datagram: 8
	  raw: 1
	device:
	  type: udp
	  local: 0.0.0.0:7000
	  remote: 203.0.113.1:7000
	  cipher: chacha20-ietf-poly1305
	  secret: Secret0
	engine:
	  type: udp
	  address: 10.0.85.2
	echo:
	  port: 7

Unknown fields are rejected. The version must satisfy [SupportedVersions].
*/
package config

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"time"

	"github.com/Jigsaw-Code/outline-netstack/engine"
	"github.com/Jigsaw-Code/outline-netstack/network/udplink"
	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// SupportedVersions is the constraint on the version field.
const SupportedVersions = "^1.0"

// MaxSockets bounds the sum of all capacities.
const MaxSockets = 1 << 16

// Device types.
const (
	DeviceTUN = "tun"
	DeviceUDP = "udp"
)

// Engine types.
const (
	EngineUDP  = "udp"
	EngineLWIP = "lwip"
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("invalid config")

// Config is the root of the configuration file.
type Config struct {
	Version  string         `yaml:"version"`
	LogLevel string         `yaml:"log_level"`
	Capacity map[string]int `yaml:"capacity"`
	Device   DeviceConfig   `yaml:"device"`
	Engine   EngineConfig   `yaml:"engine"`
	Echo     EchoConfig     `yaml:"echo"`
}

// DeviceConfig selects the link the stack runs on.
type DeviceConfig struct {
	Type string `yaml:"type"`
	MTU  int    `yaml:"mtu"`

	// TUN devices.
	Name    string `yaml:"name"`
	Address string `yaml:"address"`

	// UDP links.
	Local  string `yaml:"local"`
	Remote string `yaml:"remote"`
	Cipher string `yaml:"cipher"`
	Secret string `yaml:"secret"`
}

// EngineConfig selects the protocol engine.
type EngineConfig struct {
	Type        string        `yaml:"type"`
	Address     string        `yaml:"address"`
	QueueLen    int           `yaml:"queue_len"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	DisableEcho bool          `yaml:"disable_echo"`
}

// EchoConfig configures the UDP echo service.
type EchoConfig struct {
	Port uint16 `yaml:"port"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Version:  "1.0",
		LogLevel: "info",
		Capacity: map[string]int{engine.KindDatagram.String(): 8},
		Device:   DeviceConfig{Type: DeviceTUN, Name: "netstack0", Address: "10.0.85.1/24"},
		Engine:   EngineConfig{Type: EngineUDP, Address: "10.0.85.2"},
		Echo:     EchoConfig{Port: 7},
	}
}

// Parse decodes and validates a configuration.
func Parse(data []byte) (*Config, error) {
	var c Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&c); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

func invalid(format string, a ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, a...))
}

// Validate checks every field of c.
func (c *Config) Validate() error {
	constraint, err := semver.NewConstraint(SupportedVersions)
	if err != nil {
		return err
	}
	v, err := semver.NewVersion(c.Version)
	if err != nil {
		return invalid("version %q: %v", c.Version, err)
	}
	if !constraint.Check(v) {
		return invalid("version %v does not satisfy %v", v, SupportedVersions)
	}
	if _, err := c.Level(); err != nil {
		return invalid("log_level %q", c.LogLevel)
	}
	if _, err := c.Capacities(); err != nil {
		return err
	}
	if err := c.Device.validate(); err != nil {
		return err
	}
	return c.Engine.validate()
}

// Level returns the parsed log level. An empty level is Info.
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if c.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	err := level.UnmarshalText([]byte(c.LogLevel))
	return level, err
}

// Capacities returns the socket pool sizes keyed by kind.
func (c *Config) Capacities() (map[engine.Kind]int, error) {
	capacity := make(map[engine.Kind]int, len(c.Capacity))
	total := 0
	for name, n := range c.Capacity {
		kind, err := engine.ParseKind(name)
		if err != nil {
			return nil, invalid("capacity: %v", err)
		}
		if n < 0 {
			return nil, invalid("capacity of %v is negative", kind)
		}
		capacity[kind] = n
		total += n
	}
	if total == 0 {
		return nil, invalid("capacity: at least one socket is required")
	}
	if total > MaxSockets {
		return nil, invalid("capacity: %d sockets exceed the maximum of %d", total, MaxSockets)
	}
	return capacity, nil
}

func (d *DeviceConfig) validate() error {
	if d.MTU != 0 && (d.MTU < 68 || d.MTU > 65535) {
		return invalid("device.mtu %d is out of range", d.MTU)
	}
	switch d.Type {
	case DeviceTUN:
		if d.Name == "" {
			return invalid("device.name is required for %v devices", d.Type)
		}
		if d.Address != "" {
			if _, err := d.Prefix(); err != nil {
				return invalid("device.address: %v", err)
			}
		}
	case DeviceUDP:
		if d.Local == "" || d.Remote == "" {
			return invalid("device.local and device.remote are required for %v devices", d.Type)
		}
		if (d.Cipher == "") != (d.Secret == "") {
			return invalid("device.cipher and device.secret must be set together")
		}
		if d.Cipher != "" {
			if _, err := udplink.CipherByName(d.Cipher); err != nil {
				return invalid("device.cipher: %v", err)
			}
		}
	default:
		return invalid("device.type %q is not one of %v, %v", d.Type, DeviceTUN, DeviceUDP)
	}
	return nil
}

// Prefix returns the parsed TUN address.
func (d *DeviceConfig) Prefix() (netip.Prefix, error) {
	return netip.ParsePrefix(d.Address)
}

// Key derives the sealing key of a UDP link, or returns nil if the link is not sealed.
func (d *DeviceConfig) Key() (*udplink.Key, error) {
	if d.Cipher == "" {
		return nil, nil
	}
	c, err := udplink.CipherByName(d.Cipher)
	if err != nil {
		return nil, err
	}
	return udplink.NewKey(c, d.Secret)
}

func (e *EngineConfig) validate() error {
	switch e.Type {
	case EngineUDP:
		if e.Address != "" {
			addr, err := netip.ParseAddr(e.Address)
			if err != nil {
				return invalid("engine.address: %v", err)
			}
			if !addr.Is4() {
				return invalid("engine.address %v is not IPv4", addr)
			}
		}
	case EngineLWIP:
		if e.Address != "" {
			return invalid("engine.address is not supported by the %v engine", e.Type)
		}
	default:
		return invalid("engine.type %q is not one of %v, %v", e.Type, EngineUDP, EngineLWIP)
	}
	if e.QueueLen < 0 {
		return invalid("engine.queue_len is negative")
	}
	if e.IdleTimeout < 0 {
		return invalid("engine.idle_timeout is negative")
	}
	return nil
}

// Addr returns the parsed engine address, or the zero Addr if none is set.
func (e *EngineConfig) Addr() netip.Addr {
	addr, _ := netip.ParseAddr(e.Address)
	return addr
}
