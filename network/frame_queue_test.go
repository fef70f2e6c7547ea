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

package network

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameQueueIsBounded(t *testing.T) {
	fq := NewFrameQueue(2)
	require.True(t, fq.IsEmpty())
	require.Equal(t, 2, fq.FreeCapacity())

	require.True(t, fq.TryPush([]byte{1}))
	require.True(t, fq.TryPush([]byte{2}))
	require.True(t, fq.IsFull())
	require.False(t, fq.TryPush([]byte{3}))
	require.Equal(t, 2, fq.Len())
	require.Equal(t, 0, fq.FreeCapacity())

	head, ok := fq.Peek()
	require.True(t, ok)
	require.Equal(t, []byte{1}, head)

	frame, ok := fq.TryPop()
	require.True(t, ok)
	require.Equal(t, []byte{1}, frame)
	frame, ok = fq.TryPop()
	require.True(t, ok)
	require.Equal(t, []byte{2}, frame)
	_, ok = fq.TryPop()
	require.False(t, ok)
}

func TestFrameQueueClear(t *testing.T) {
	fq := NewFrameQueue(4)
	for i := 0; i < 4; i++ {
		require.True(t, fq.TryPush([]byte{byte(i)}))
	}
	fq.Clear()
	require.True(t, fq.IsEmpty())
	require.Equal(t, 4, fq.Capacity())
	_, ok := fq.Peek()
	require.False(t, ok)
}

func TestFrameQueueRejectsZeroCapacity(t *testing.T) {
	require.Panics(t, func() { NewFrameQueue(0) })
}
