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
	"disaggos.dev/disaggos/pkg/errors/linuxerr"
	"disaggos.dev/disaggos/pkg/hostarch"
	"disaggos.dev/disaggos/pkg/sync"
)

const (
	entriesShift = 9
	entries      = 1 << entriesShift
	entryMask    = entries - 1

	// levels is the number of table levels below the root pointer.
	levels = 4

	// MaxAddr is one past the highest user address the table can map.
	MaxAddr = hostarch.Addr(1) << (hostarch.PageShift + levels*entriesShift)
)

// leaf is a last-level table. Its slots never move once allocated.
type leaf struct {
	slots [entries]Slot
}

// dir is an upper-level table. Exactly one of the child arrays is used,
// depending on the level.
type dir struct {
	dirs   [entries]*dir
	leaves [entries]*leaf
}

// PageTable is a four-level radix page table. Upper levels are allocated
// lazily and are never freed before the table itself, so a *Slot returned by
// Walk remains valid for the life of the table.
//
// The table structure is protected by mu. Entry values are not: they are
// read and written atomically through the slots.
type PageTable struct {
	mu   sync.RWMutex
	root dir
	// leaves counts allocated last-level tables.
	leaves int
}

// New returns an empty page table.
func New() *PageTable {
	return &PageTable{}
}

func index(addr hostarch.Addr, level int) int {
	return int(uint64(addr)>>(hostarch.PageShift+uint(level)*entriesShift)) & entryMask
}

// lookupLocked returns the leaf covering addr. If there is none, it also
// returns the size of the aligned region around addr known to be unmapped.
//
// Preconditions: pt.mu must be locked.
func (pt *PageTable) lookupLocked(addr hostarch.Addr) (*leaf, hostarch.Addr) {
	d := &pt.root
	for level := levels - 1; level > 1; level-- {
		d = d.dirs[index(addr, level)]
		if d == nil {
			return nil, span(level)
		}
	}
	return d.leaves[index(addr, 1)], span(1)
}

// span returns the address range covered by one entry at level.
func span(level int) hostarch.Addr {
	return hostarch.Addr(1) << (hostarch.PageShift + uint(level)*entriesShift)
}

// Walk returns the slot for the page containing addr. If create is true,
// missing intermediate tables are allocated; otherwise a missing table
// yields EFAULT. Addresses beyond MaxAddr yield EFAULT.
func (pt *PageTable) Walk(addr hostarch.Addr, create bool) (*Slot, error) {
	if addr >= MaxAddr {
		return nil, linuxerr.EFAULT
	}
	pt.mu.RLock()
	l, _ := pt.lookupLocked(addr)
	pt.mu.RUnlock()
	if l != nil {
		return &l.slots[index(addr, 0)], nil
	}
	if !create {
		return nil, linuxerr.EFAULT
	}

	pt.mu.Lock()
	defer pt.mu.Unlock()
	d := &pt.root
	for level := levels - 1; level > 1; level-- {
		i := index(addr, level)
		if d.dirs[i] == nil {
			d.dirs[i] = &dir{}
		}
		d = d.dirs[i]
	}
	i := index(addr, 1)
	if d.leaves[i] == nil {
		d.leaves[i] = &leaf{}
		pt.leaves++
	}
	return &d.leaves[i].slots[index(addr, 0)], nil
}

// Lookup returns the current entry for addr, or the empty entry if no table
// covers it.
func (pt *PageTable) Lookup(addr hostarch.Addr) PTE {
	s, err := pt.Walk(addr, false)
	if err != nil {
		return 0
	}
	return s.Load()
}

// Range calls fn for every present entry in ar, in ascending address order.
// Iteration stops early if fn returns false. fn is called without pt.mu held
// and may modify the slot.
func (pt *PageTable) Range(ar hostarch.AddrRange, fn func(addr hostarch.Addr, s *Slot) bool) {
	if ar.End > MaxAddr {
		ar.End = MaxAddr
	}
	for addr := ar.Start.RoundDown(); addr < ar.End; {
		pt.mu.RLock()
		l, size := pt.lookupLocked(addr)
		pt.mu.RUnlock()

		next := (addr | (size - 1)) + 1
		if l == nil {
			addr = next
			continue
		}
		for ; addr < next && addr < ar.End; addr += hostarch.PageSize {
			s := &l.slots[index(addr, 0)]
			if !s.Load().Present() {
				continue
			}
			if !fn(addr, s) {
				return
			}
		}
	}
}

// Leaves returns the number of allocated last-level tables.
func (pt *PageTable) Leaves() int {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	return pt.leaves
}

// Release frees every table and returns the number of entries that were
// still present.
func (pt *PageTable) Release() int {
	leaked := 0
	pt.Range(hostarch.AddrRange{Start: 0, End: MaxAddr}, func(hostarch.Addr, *Slot) bool {
		leaked++
		return true
	})
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.root = dir{}
	pt.leaves = 0
	return leaked
}
