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
Package slicepool wraps [sync.Pool] to hand out fixed-size frame buffers without allocating on every read:

	var framePool = slicepool.MakePool(1500)

	slice := framePool.LazySlice()
	buf := slice.Acquire()
	defer slice.Release()
*/
package slicepool

import "sync"

// Pool is a pool of byte slices of one fixed length. The zero value is not usable, use [MakePool].
type Pool struct {
	pool    sync.Pool
	bufSize int
}

// MakePool returns a Pool of slices with the specified length.
func MakePool(bufSize int) Pool {
	return Pool{
		pool: sync.Pool{
			New: func() any {
				buf := make([]byte, bufSize)
				return &buf
			},
		},
		bufSize: bufSize,
	}
}

// BufferSize returns the length of every slice handed out by this pool.
func (p *Pool) BufferSize() int {
	return p.bufSize
}

// LazySlice returns a LazySlice tied to this pool. No slice is taken from the pool until Acquire is called.
func (p *Pool) LazySlice() *LazySlice {
	return &LazySlice{pool: p}
}

// LazySlice holds at most one slice borrowed from a Pool.
type LazySlice struct {
	pool  *Pool
	slice *[]byte
}

// Acquire borrows a slice from the pool. It panics if the slice is already acquired.
func (b *LazySlice) Acquire() []byte {
	if b.slice != nil {
		panic("slicepool: buffer already acquired")
	}
	b.slice = b.pool.pool.Get().(*[]byte)
	return (*b.slice)[:b.pool.bufSize]
}

// Release returns the slice to the pool. It is a no-op if nothing was acquired.
func (b *LazySlice) Release() {
	if b.slice == nil {
		return
	}
	b.pool.pool.Put(b.slice)
	b.slice = nil
}
