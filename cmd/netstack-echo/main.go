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

// The netstack-echo command runs a user-space network stack on a TUN device or a UDP link and answers UDP datagrams
// sent to its echo port, as well as ICMP echo requests when the datagram engine is used.
//
//	netstack-echo -config netstack.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path"

	"github.com/Jigsaw-Code/outline-netstack/config"
	"github.com/Jigsaw-Code/outline-netstack/engine"
	"github.com/Jigsaw-Code/outline-netstack/engine/lwipengine"
	"github.com/Jigsaw-Code/outline-netstack/engine/udpengine"
	"github.com/Jigsaw-Code/outline-netstack/network"
	"github.com/Jigsaw-Code/outline-netstack/network/tun"
	"github.com/Jigsaw-Code/outline-netstack/network/udplink"
	"github.com/Jigsaw-Code/outline-netstack/stack"
	"github.com/lmittmann/tint"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

func init() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags...]\n", path.Base(os.Args[0]))
		flag.PrintDefaults()
	}
}

func newDevice(cfg config.DeviceConfig) (network.IPDevice, error) {
	switch cfg.Type {
	case config.DeviceTUN:
		tunCfg := tun.Config{Name: cfg.Name, MTU: cfg.MTU}
		if cfg.Address != "" {
			prefix, err := cfg.Prefix()
			if err != nil {
				return nil, err
			}
			tunCfg.Address = prefix
		}
		return tun.NewDevice(tunCfg)
	case config.DeviceUDP:
		var options []func(*udplink.Link) error
		key, err := cfg.Key()
		if err != nil {
			return nil, err
		}
		if key != nil {
			options = append(options, udplink.WithKey(key))
		}
		if cfg.MTU != 0 {
			options = append(options, udplink.WithMTU(cfg.MTU))
		}
		return udplink.Dial(cfg.Local, cfg.Remote, options...)
	default:
		return nil, fmt.Errorf("unsupported device type %q", cfg.Type)
	}
}

func newEngine(cfg config.EngineConfig, mtu int) (engine.Engine, func(), error) {
	switch cfg.Type {
	case config.EngineUDP:
		eng := udpengine.New(udpengine.Config{
			Address:     cfg.Addr(),
			MTU:         mtu,
			QueueLen:    cfg.QueueLen,
			DisableEcho: cfg.DisableEcho,
		})
		return eng, func() {}, nil
	case config.EngineLWIP:
		eng, err := lwipengine.New(lwipengine.Config{IdleTimeout: cfg.IdleTimeout, QueueLen: cfg.QueueLen})
		if err != nil {
			return nil, nil, err
		}
		return eng, func() { eng.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported engine type %q", cfg.Type)
	}
}

func main() {
	configFlag := flag.String("config", "", "YAML configuration file. If empty, use a TUN device with the default configuration")
	verboseFlag := flag.Bool("v", false, "Enable debug output")
	portFlag := flag.Uint("port", 0, "Override the UDP echo port")
	flag.Parse()

	var logLevel slog.LevelVar
	slog.SetDefault(slog.New(tint.NewHandler(
		os.Stderr,
		&tint.Options{NoColor: !term.IsTerminal(int(os.Stderr.Fd())), Level: &logLevel},
	)))

	cfg := config.Default()
	if *configFlag != "" {
		var err error
		if cfg, err = config.Load(*configFlag); err != nil {
			slog.Error("Could not load config", "error", err)
			os.Exit(1)
		}
	}
	if level, err := cfg.Level(); err == nil {
		logLevel.Set(level)
	}
	if *verboseFlag {
		logLevel.Set(slog.LevelDebug)
	}
	if *portFlag != 0 {
		if *portFlag > 65535 {
			slog.Error("Invalid echo port", "port", *portFlag)
			os.Exit(1)
		}
		cfg.Echo.Port = uint16(*portFlag)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()

	if *configFlag != "" {
		watcher, err := watchLogLevel(ctx, *configFlag, &logLevel, *verboseFlag)
		if err != nil {
			slog.Warn("Could not watch config file", "error", err)
		} else {
			defer watcher.Close()
		}
	}

	if err := run(ctx, cfg); err != nil {
		slog.Error("Stack failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	dev, err := newDevice(cfg.Device)
	if err != nil {
		return fmt.Errorf("could not create device: %w", err)
	}
	port, err := network.NewPort(dev)
	if err != nil {
		dev.Close()
		return err
	}
	defer port.Close()

	eng, closeEngine, err := newEngine(cfg.Engine, port.MTU())
	if err != nil {
		return fmt.Errorf("could not create engine: %w", err)
	}
	defer closeEngine()

	capacity, err := cfg.Capacities()
	if err != nil {
		return err
	}
	st, err := stack.New(port, eng, stack.Config{Capacity: capacity, Logger: slog.Default()})
	if err != nil {
		return err
	}

	// The runner stops with the echo service, whichever way it ends.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- st.Run(ctx) }()

	echoErr := serveEcho(ctx, st, cfg.Echo.Port)
	cancel()
	if errors.Is(echoErr, context.Canceled) {
		echoErr = nil
	}
	err = <-runErr
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	stats := st.Stats()
	slog.Info("Stack stopped", "polls", stats.Polls, "wakes", stats.Wakes, "transmitErrors", stats.TransmitErrors,
		"linkDownEvents", stats.LinkDownEvents, "rxDropped", port.Dropped())
	return errors.Join(echoErr, err)
}
