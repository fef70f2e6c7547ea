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
	"errors"
	"fmt"
	"math"

	"github.com/Jigsaw-Code/outline-netstack/engine"
)

type slot struct {
	kind     engine.Kind
	used     bool
	gen      uint16
	waker    Waker
	interest Interest
	snapshot engine.Readiness
}

type kindRange struct {
	start, end int
	inUse      int
}

// Registry is the fixed-capacity arena of socket slots. Every slot belongs to the pool of one [engine.Kind]; the
// pools are sized when the Registry is created and never grow.
//
// A Registry is not safe for concurrent use. The [Stack] calls it with its engine lock held, which also serializes it
// with [engine.Engine] calls.
type Registry struct {
	eng      engine.Engine
	slots    []slot
	pools    map[engine.Kind]*kindRange
	linkDown bool
}

// NewRegistry creates a Registry over eng with capacity[k] slots for each kind k. Kinds missing from capacity get no
// slots.
func NewRegistry(eng engine.Engine, capacity map[engine.Kind]int) (*Registry, error) {
	if eng == nil {
		return nil, errors.New("engine is required")
	}
	r := &Registry{eng: eng, pools: make(map[engine.Kind]*kindRange)}
	total := 0
	for _, k := range engine.Kinds {
		n := capacity[k]
		if n < 0 {
			return nil, fmt.Errorf("negative capacity %d for %v sockets", n, k)
		}
		r.pools[k] = &kindRange{start: total, end: total + n}
		total += n
	}
	for k := range capacity {
		if _, ok := r.pools[k]; !ok {
			return nil, fmt.Errorf("unknown socket kind %v", k)
		}
	}
	if total == 0 {
		return nil, errors.New("capacity must allow at least one socket")
	}
	if total > math.MaxUint16+1 {
		return nil, fmt.Errorf("total capacity %d exceeds %d sockets", total, math.MaxUint16+1)
	}
	r.slots = make([]slot, total)
	for k, p := range r.pools {
		for i := p.start; i < p.end; i++ {
			r.slots[i].kind = k
		}
	}
	return r, nil
}

// Allocate reserves a free slot of the given kind and opens the engine-side socket for it. It fails with
// [ErrResourceExhausted] when the pool is full, and returns the engine error if Open fails.
func (r *Registry) Allocate(kind engine.Kind) (engine.Handle, error) {
	p, ok := r.pools[kind]
	if !ok {
		return engine.Handle{}, fmt.Errorf("unknown socket kind %v", kind)
	}
	for i := p.start; i < p.end; i++ {
		s := &r.slots[i]
		if s.used {
			continue
		}
		s.gen++
		h := engine.Handle{Index: uint16(i), Gen: s.gen}
		if err := r.eng.Open(h, kind); err != nil {
			return engine.Handle{}, err
		}
		s.used = true
		p.inUse++
		return h, nil
	}
	return engine.Handle{}, fmt.Errorf("no free %v socket out of %d: %w", kind, p.end-p.start, ErrResourceExhausted)
}

// slot returns the slot of h. A handle that was released is a programming error, so it panics.
func (r *Registry) slot(h engine.Handle) *slot {
	if int(h.Index) >= len(r.slots) {
		panic(fmt.Sprintf("stack: socket handle %v out of range", h))
	}
	s := &r.slots[h.Index]
	if !s.used || s.gen != h.Gen {
		panic(fmt.Sprintf("stack: stale socket handle %v", h))
	}
	return s
}

// Readiness returns the engine readiness of h, plus [engine.LinkDown] while the link is down.
func (r *Registry) Readiness(h engine.Handle) engine.Readiness {
	r.slot(h)
	ready := r.eng.Readiness(h)
	if r.linkDown {
		ready |= engine.LinkDown
	}
	return ready
}

// RegisterWaiter makes w the waiter of h, to be woken once interest is satisfied. It replaces any previous waiter;
// a replaced waiter that is not w is woken so that its owner can check the socket again.
func (r *Registry) RegisterWaiter(h engine.Handle, interest Interest, w Waker) {
	s := r.slot(h)
	old := s.waker
	s.waker = w
	s.interest = interest
	s.snapshot = r.Readiness(h)
	if old != nil && !sameWaker(old, w) {
		old.Wake()
	}
}

// ClearWaiter removes the registration of h if its waiter is w.
func (r *Registry) ClearWaiter(h engine.Handle, w Waker) {
	s := r.slot(h)
	if sameWaker(s.waker, w) {
		s.waker = nil
		s.interest = 0
	}
}

// Release aborts the engine socket of h and frees its slot. A registered waiter is woken, so that whoever was
// blocked on h finds out it is gone.
func (r *Registry) Release(h engine.Handle) {
	s := r.slot(h)
	r.eng.Abort(h)
	w := s.waker
	s.used = false
	s.waker = nil
	s.interest = 0
	r.pools[s.kind].inUse--
	if w != nil {
		w.Wake()
	}
}

// Free returns the number of unused slots of the given kind.
func (r *Registry) Free(kind engine.Kind) int {
	p, ok := r.pools[kind]
	if !ok {
		return 0
	}
	return p.end - p.start - p.inUse
}

// Capacity returns the number of slots of the given kind.
func (r *Registry) Capacity(kind engine.Kind) int {
	p, ok := r.pools[kind]
	if !ok {
		return 0
	}
	return p.end - p.start
}

// SetLinkDown changes the link state reported by Readiness.
func (r *Registry) SetLinkDown(down bool) {
	r.linkDown = down
}

// WakeReady wakes, in slot order, every waiter whose interest is satisfied by the current readiness of its socket.
// Woken registrations are cleared. It returns the number of waiters woken.
func (r *Registry) WakeReady() int {
	woken := 0
	for i := range r.slots {
		s := &r.slots[i]
		if !s.used || s.waker == nil {
			continue
		}
		h := engine.Handle{Index: uint16(i), Gen: s.gen}
		if !s.interest.SatisfiedBy(r.Readiness(h), s.snapshot) {
			continue
		}
		w := s.waker
		s.waker = nil
		s.interest = 0
		w.Wake()
		woken++
	}
	return woken
}
