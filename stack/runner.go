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

package stack

import (
	"context"
	"time"

	"github.com/Jigsaw-Code/outline-netstack/internal/ddltimer"
	"github.com/Jigsaw-Code/outline-netstack/network"
)

// meteredPort counts and logs the transmit failures of the port it wraps.
type meteredPort struct {
	network.Port
	s *Stack
}

func (p meteredPort) TryTransmit(frame []byte) error {
	err := p.Port.TryTransmit(frame)
	if err != nil {
		p.s.stats.transmitErrors.Add(1)
		p.s.log.Debug("transmit failed", "size", len(frame), "err", err)
	}
	return err
}

// Run drives the engine until ctx is done, and returns ctx.Err(). Only one Run may be active on a Stack at a time;
// a concurrent call returns [ErrRunnerActive] immediately.
//
// Each cycle polls the engine, wakes the sockets whose waiters are satisfied, and then sleeps until the engine
// deadline, port activity, or a socket operation, whichever comes first. If the port still has frames to receive,
// the next cycle starts right away.
func (s *Stack) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrRunnerActive
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	s.log.Debug("stack runner started")
	defer s.log.Debug("stack runner stopped")

	timer := ddltimer.NewWithClock(s.clock)
	defer timer.Stop()
	port := meteredPort{Port: s.port, s: s}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		timer.SetDeadline(s.cycle(s.clock.Now(), port))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.Timeout():
		case <-s.port.Activity():
		case <-s.kickC:
		}
	}
}

// cycle runs one poll and wake fan-out. It returns when the next cycle must start at the latest, or the zero time if
// only an event can trigger it.
func (s *Stack) cycle(now time.Time, port network.Port) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.observeLinkLocked()
	next, ok := s.eng.Poll(now, port)
	s.stats.polls.Add(1)
	s.observeConfigLocked()

	if woken := s.reg.WakeReady(); woken > 0 {
		s.stats.wakes.Add(uint64(woken))
	}

	if !ok {
		next = time.Time{}
	}
	if s.port.CanReceive() && (next.IsZero() || now.Before(next)) {
		next = now
	}
	return next
}

func (s *Stack) observeLinkLocked() {
	up := s.port.LinkUp()
	if up == s.linkUp {
		return
	}
	s.linkUp = up
	s.reg.SetLinkDown(!up)
	if up {
		s.log.Info("link up")
	} else {
		s.stats.linkDownEvents.Add(1)
		s.log.Warn("link down")
	}
	s.broadcastLocked()
}

func (s *Stack) observeConfigLocked() {
	up := s.engineConfigUpLocked()
	if up == s.configUp {
		return
	}
	s.configUp = up
	s.log.Info("engine configuration changed", "up", up)
	s.broadcastLocked()
}
