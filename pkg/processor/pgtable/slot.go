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

package pgtable

import (
	"disaggos.dev/disaggos/pkg/atomicbitops"
)

// Slot is the location of one page-table entry. Its identity (the pointer) is
// what reverse mappings record; its value may be changed concurrently by
// faults, unmaps and hardware-style accessed/dirty updates, so every access is
// atomic.
type Slot struct {
	v atomicbitops.Uint64
}

// Load returns the current entry.
func (s *Slot) Load() PTE {
	return PTE(s.v.Load())
}

// Store unconditionally replaces the entry.
func (s *Slot) Store(p PTE) {
	s.v.Store(uint64(p))
}

// GetAndClear atomically replaces the entry with the empty entry and returns
// the prior value.
func (s *Slot) GetAndClear() PTE {
	return PTE(s.v.Swap(0))
}

// CompareAndSwap replaces old with new iff the slot still holds old.
func (s *Slot) CompareAndSwap(old, new PTE) bool {
	return s.v.CompareAndSwap(uint64(old), uint64(new))
}

// MarkDirty sets FlagDirty and FlagAccessed on a present entry, as the MMU
// would on a write through it. It returns false if the entry is not present.
func (s *Slot) MarkDirty() bool {
	for {
		old := s.Load()
		if !old.Present() {
			return false
		}
		if s.CompareAndSwap(old, old|FlagDirty|FlagAccessed) {
			return true
		}
	}
}
