// Copyright 2026 The DisaggOS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package atomicbitops provides typed atomic integers and atomic bitwise
// operations for the frame and page-table state that is shared between
// execution contexts.
package atomicbitops

import (
	"sync/atomic"

	"disaggos.dev/disaggos/pkg/sync"
)

// Int32 is an atomic int32.
//
// The default value is zero.
type Int32 struct {
	_     sync.NoCopy
	value int32
}

// FromInt32 returns an Int32 initialized to value v.
func FromInt32(v int32) Int32 {
	return Int32{value: v}
}

// Load is analogous to atomic.LoadInt32.
func (i *Int32) Load() int32 {
	return atomic.LoadInt32(&i.value)
}

// RacyLoad is analogous to reading an atomic value without using
// synchronization.
//
// It may be helpful to document why a racy operation is permitted.
func (i *Int32) RacyLoad() int32 {
	return i.value
}

// Store is analogous to atomic.StoreInt32.
func (i *Int32) Store(v int32) {
	atomic.StoreInt32(&i.value, v)
}

// Add is analogous to atomic.AddInt32.
func (i *Int32) Add(v int32) int32 {
	return atomic.AddInt32(&i.value, v)
}

// Swap is analogous to atomic.SwapInt32.
func (i *Int32) Swap(v int32) int32 {
	return atomic.SwapInt32(&i.value, v)
}

// CompareAndSwap is analogous to atomic.CompareAndSwapInt32.
func (i *Int32) CompareAndSwap(oldVal, newVal int32) bool {
	return atomic.CompareAndSwapInt32(&i.value, oldVal, newVal)
}

// Int64 is an atomic int64 that is guaranteed to be 64-bit aligned.
//
// The default value is zero.
type Int64 struct {
	_     sync.NoCopy
	value atomic.Int64
}

// Load is analogous to atomic.LoadInt64.
func (i *Int64) Load() int64 {
	return i.value.Load()
}

// Store is analogous to atomic.StoreInt64.
func (i *Int64) Store(v int64) {
	i.value.Store(v)
}

// Add is analogous to atomic.AddInt64.
func (i *Int64) Add(v int64) int64 {
	return i.value.Add(v)
}

// CompareAndSwap is analogous to atomic.CompareAndSwapInt64.
func (i *Int64) CompareAndSwap(oldVal, newVal int64) bool {
	return i.value.CompareAndSwap(oldVal, newVal)
}

// Uint64 is an atomic uint64 that is guaranteed to be 64-bit aligned.
//
// The default value is zero.
type Uint64 struct {
	_     sync.NoCopy
	value atomic.Uint64
}

// Load is analogous to atomic.LoadUint64.
func (u *Uint64) Load() uint64 {
	return u.value.Load()
}

// Store is analogous to atomic.StoreUint64.
func (u *Uint64) Store(v uint64) {
	u.value.Store(v)
}

// Add is analogous to atomic.AddUint64.
func (u *Uint64) Add(v uint64) uint64 {
	return u.value.Add(v)
}

// Swap is analogous to atomic.SwapUint64.
func (u *Uint64) Swap(v uint64) uint64 {
	return u.value.Swap(v)
}

// CompareAndSwap is analogous to atomic.CompareAndSwapUint64.
func (u *Uint64) CompareAndSwap(oldVal, newVal uint64) bool {
	return u.value.CompareAndSwap(oldVal, newVal)
}

// Or atomically sets the bits in mask and returns the previous value.
func (u *Uint64) Or(mask uint64) uint64 {
	for {
		o := u.value.Load()
		if u.value.CompareAndSwap(o, o|mask) {
			return o
		}
	}
}

// And atomically clears every bit not in mask and returns the previous value.
func (u *Uint64) And(mask uint64) uint64 {
	for {
		o := u.value.Load()
		if u.value.CompareAndSwap(o, o&mask) {
			return o
		}
	}
}

// Bool is an atomic Boolean.
type Bool struct {
	value atomic.Bool
}

// Load is analogous to atomic.LoadBool, if such a thing existed.
func (b *Bool) Load() bool {
	return b.value.Load()
}

// Store is analogous to atomic.StoreBool, if such a thing existed.
func (b *Bool) Store(val bool) {
	b.value.Store(val)
}

// Swap is analogous to atomic.SwapBool, if such a thing existed.
func (b *Bool) Swap(val bool) bool {
	return b.value.Swap(val)
}
