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
	"testing"

	"github.com/Jigsaw-Code/outline-netstack/engine"
	"github.com/stretchr/testify/assert"
)

func TestInterestSatisfiedBy(t *testing.T) {
	tests := []struct {
		name     string
		interest Interest
		ready    engine.Readiness
		snapshot engine.Readiness
		want     bool
	}{
		{"readable", Readable, engine.Readable, 0, true},
		{"level triggered", Readable, engine.Readable, engine.Readable, true},
		{"other bit", Readable, engine.Writable, 0, false},
		{"any of several", Readable | Closed, engine.Closed, 0, true},
		{"link down", LinkDown, engine.LinkDown | engine.Writable, 0, true},
		{"any change, changed", AnyChange, engine.Writable, 0, true},
		{"any change, unchanged", AnyChange, engine.Writable, engine.Writable, false},
		{"any change, lost a bit", AnyChange, 0, engine.Writable, true},
		{"nothing", 0, engine.Readable | engine.Writable | engine.Closed, 0, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.interest.SatisfiedBy(tc.ready, tc.snapshot))
		})
	}
}

func TestChanWakerCoalesces(t *testing.T) {
	w := NewChanWaker()
	w.Wake()
	w.Wake()
	<-w
	select {
	case <-w:
		t.Fatal("wakes should coalesce")
	default:
	}
}

type sliceWaker []int

func (sliceWaker) Wake() {}

type countWaker struct{ n *int }

func (w countWaker) Wake() { *w.n++ }

func TestSameWaker(t *testing.T) {
	c := NewChanWaker()
	f := NewFuncWaker(func() {})
	assert.True(t, sameWaker(c, c))
	assert.False(t, sameWaker(c, NewChanWaker()))
	assert.True(t, sameWaker(f, f))
	assert.False(t, sameWaker(f, NewFuncWaker(func() {})))
	assert.True(t, sameWaker(NopWaker{}, NopWaker{}))
	assert.False(t, sameWaker(c, f))
	assert.False(t, sameWaker(nil, f))
	assert.True(t, sameWaker(nil, nil))
	assert.False(t, sameWaker(sliceWaker{1}, sliceWaker{1}))
	assert.False(t, sameWaker(f, c))
	assert.False(t, sameWaker(NopWaker{}, nil))

	n := 0
	assert.False(t, sameWaker(countWaker{&n}, countWaker{&n}), "foreign wakers are never the same")
}
