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

// Package mm provides the processor-side model of a task's address space.
//
// A MemoryManager owns an arena of VMA records indexed twice: by
// application-view start address and by local-resident-view start address.
// Both indices are updated under one lock, so a VMA is never visible in one
// view without the other.
//
// Lock order:
//
//	MemoryManager.mappingMu
//	  pcache.Set.mu
package mm

import (
	"fmt"

	"disaggos.dev/disaggos/pkg/atomicbitops"
	"disaggos.dev/disaggos/pkg/hostarch"
	"disaggos.dev/disaggos/pkg/log"
	"disaggos.dev/disaggos/pkg/processor/pgtable"
	"disaggos.dev/disaggos/pkg/processor/tlb"
	"disaggos.dev/disaggos/pkg/sync"
	"github.com/google/btree"
)

// Counter is an RSS counter.
type Counter int

// RSS counters.
const (
	MMFilePages Counter = iota
	MMAnonPages
	MMSwapEnts
	MMShmemPages
	numCounters
)

var counterNames = [numCounters]string{"file", "anon", "swap", "shmem"}

// String implements fmt.Stringer.String.
func (c Counter) String() string {
	if c < 0 || c >= numCounters {
		return fmt.Sprintf("Counter(%d)", int(c))
	}
	return counterNames[c]
}

// DefaultTaskSize is the default upper bound of user addresses.
const DefaultTaskSize = pgtable.MaxAddr

// btreeDegree is the degree of both VMA indices.
const btreeDegree = 8

// UnmapFunc clears the page-table entries in ar, along with any state that
// refers to them. It is called with the mapping lock held for writing.
type UnmapFunc func(mm *MemoryManager, ar hostarch.AddrRange)

// Options configures a MemoryManager.
type Options struct {
	// ASID tags the address space's translations in the TLB.
	ASID tlb.ASID

	// TaskSize bounds user addresses. Zero selects DefaultTaskSize.
	TaskSize hostarch.Addr

	// Unmap is called when a VMA is removed. It may be nil.
	Unmap UnmapFunc
}

// MemoryManager implements a task's address space.
type MemoryManager struct {
	opts Options

	// pt is the page table. It is immutable; its tables are released when
	// count reaches zero.
	pt *pgtable.PageTable

	// users is the number of references to the MemoryManager held by tasks
	// sharing it. When users reaches zero, all VMAs are removed and one
	// count reference is dropped.
	users atomicbitops.Int32

	// count is the number of references keeping the MemoryManager record
	// itself alive. Tasks hold one collectively through users. When count
	// reaches zero, the page table is released.
	count atomicbitops.Int32

	destroyed atomicbitops.Bool

	// counters are the RSS counters. They are accessed atomically.
	counters [numCounters]atomicbitops.Int64

	// mappingMu protects all fields below.
	mappingMu sync.RWMutex

	// vmas is the VMA arena. free lists reusable handles.
	vmas []vmaSlot
	free []VMAID

	// appIndex orders VMAs by Start, localIndex by LocalStart.
	appIndex   *btree.BTreeG[vmaKey]
	localIndex *btree.BTreeG[vmaKey]

	// mapCount is the number of live VMAs.
	mapCount int

	// totalVM, dataVM, execVM and stackVM count mapped pages.
	totalVM int64
	dataVM  int64
	execVM  int64
	stackVM int64

	// highestVMEnd is the highest End of any live VMA.
	highestVMEnd hostarch.Addr

	// findCache is the last result of FindVMA, or InvalidVMAID. It is
	// accessed atomically since FindVMA holds mappingMu only for reading.
	findCache atomicbitops.Int32
}

// NewMemoryManager returns an empty address space with one user and one
// count reference.
func NewMemoryManager(opts Options) *MemoryManager {
	if opts.TaskSize == 0 {
		opts.TaskSize = DefaultTaskSize
	}
	return &MemoryManager{
		opts:       opts,
		pt:         pgtable.New(),
		users:      atomicbitops.FromInt32(1),
		count:      atomicbitops.FromInt32(1),
		appIndex:   btree.NewG(btreeDegree, lessVMAKey),
		localIndex: btree.NewG(btreeDegree, lessVMAKey),
		findCache:  atomicbitops.FromInt32(int32(InvalidVMAID)),
	}
}

// ASID returns the address space's TLB tag.
func (mm *MemoryManager) ASID() tlb.ASID {
	return mm.opts.ASID
}

// PageTable returns the page table.
func (mm *MemoryManager) PageTable() *pgtable.PageTable {
	return mm.pt
}

// IncCounter increments an RSS counter.
func (mm *MemoryManager) IncCounter(c Counter) {
	mm.counters[c].Add(1)
}

// DecCounter decrements an RSS counter.
func (mm *MemoryManager) DecCounter(c Counter) {
	mm.counters[c].Add(-1)
}

// AddCounter adds delta to an RSS counter.
func (mm *MemoryManager) AddCounter(c Counter, delta int64) {
	mm.counters[c].Add(delta)
}

// Counter returns the value of an RSS counter.
func (mm *MemoryManager) Counter(c Counter) int64 {
	return mm.counters[c].Load()
}

// RSS returns the number of resident pages.
func (mm *MemoryManager) RSS() int64 {
	return mm.Counter(MMFilePages) + mm.Counter(MMAnonPages) + mm.Counter(MMShmemPages)
}

// Stats is a snapshot of an address space's accounting.
type Stats struct {
	MapCount     int
	TotalVM      int64
	DataVM       int64
	ExecVM       int64
	StackVM      int64
	HighestVMEnd hostarch.Addr
	RSS          int64
	Swap         int64
}

// Stats returns a snapshot of the accounting.
func (mm *MemoryManager) Stats() Stats {
	mm.mappingMu.RLock()
	defer mm.mappingMu.RUnlock()
	return Stats{
		MapCount:     mm.mapCount,
		TotalVM:      mm.totalVM,
		DataVM:       mm.dataVM,
		ExecVM:       mm.execVM,
		StackVM:      mm.stackVM,
		HighestVMEnd: mm.highestVMEnd,
		RSS:          mm.RSS(),
		Swap:         mm.Counter(MMSwapEnts),
	}
}

// IncUsers increments mm's user count and returns true. If the user count is
// already zero, IncUsers does nothing and returns false.
func (mm *MemoryManager) IncUsers() bool {
	for {
		users := mm.users.Load()
		if users == 0 {
			return false
		}
		if mm.users.CompareAndSwap(users, users+1) {
			return true
		}
	}
}

// DecUsers decrements mm's user count. If the user count reaches zero, all
// VMAs are removed and the users' count reference is dropped.
func (mm *MemoryManager) DecUsers() {
	switch users := mm.users.Add(-1); {
	case users > 0:
		return
	case users < 0:
		panic(fmt.Sprintf("Invalid MemoryManager.users: %d", users))
	}

	mm.mappingMu.Lock()
	// The index cannot be mutated during iteration; collect handles first.
	var ids []VMAID
	mm.appIndex.Ascend(func(k vmaKey) bool {
		ids = append(ids, k.id)
		return true
	})
	for _, id := range ids {
		if err := mm.removeVMALocked(id); err != nil {
			panic(fmt.Sprintf("removing vma %d: %v", id, err))
		}
	}
	mm.mappingMu.Unlock()
	mm.DecCount()
}

// IncCount takes a count reference. It returns false if mm was already
// destroyed.
func (mm *MemoryManager) IncCount() bool {
	for {
		count := mm.count.Load()
		if count == 0 {
			return false
		}
		if mm.count.CompareAndSwap(count, count+1) {
			return true
		}
	}
}

// DecCount drops a count reference. The last reference releases the page
// table.
func (mm *MemoryManager) DecCount() {
	switch count := mm.count.Add(-1); {
	case count > 0:
		return
	case count < 0:
		panic(fmt.Sprintf("Invalid MemoryManager.count: %d", count))
	}
	if users := mm.users.Load(); users != 0 {
		panic(fmt.Sprintf("MemoryManager destroyed with %d users", users))
	}

	mm.mappingMu.Lock()
	defer mm.mappingMu.Unlock()
	mm.destroyed.Store(true)
	if leaked := mm.pt.Release(); leaked != 0 {
		log.Warningf("mm %d: destroyed with %d entries still mapped", mm.opts.ASID, leaked)
	}
	log.Debugf("mm %d: destroyed", mm.opts.ASID)
}

// Users returns the user count.
func (mm *MemoryManager) Users() int32 {
	return mm.users.Load()
}

// Destroyed returns true once both reference counts have reached zero.
func (mm *MemoryManager) Destroyed() bool {
	return mm.destroyed.Load()
}
