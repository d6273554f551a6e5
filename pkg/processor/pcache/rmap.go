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

package pcache

import (
	"context"
	"fmt"

	"disaggos.dev/disaggos/pkg/errors/linuxerr"
	"disaggos.dev/disaggos/pkg/hostarch"
	"disaggos.dev/disaggos/pkg/log"
	"disaggos.dev/disaggos/pkg/mm"
	"disaggos.dev/disaggos/pkg/processor/pgtable"
	"disaggos.dev/disaggos/pkg/processor/task"
	"disaggos.dev/disaggos/pkg/processor/tlb"
)

// rmapHandle indexes a set's reverse-mapping arena.
type rmapHandle int32

const nilRmap rmapHandle = -1

// rmap records one page-table entry that maps a line.
type rmap struct {
	// slot is the mapping entry. It is owned by the owner's page table and
	// stays valid until the owner's MemoryManager releases its tables,
	// which happens only after all of its mappings were removed.
	slot  *pgtable.Slot
	owner task.ID
	addr  hostarch.Addr

	// next links the line's list, or the free list.
	next rmapHandle
}

// RmapStatus is the result of TryToUnmap.
type RmapStatus int

const (
	// RmapSucceeded means every mapping of the line was cleared and its
	// translation invalidated. The frame may be reused.
	RmapSucceeded RmapStatus = iota

	// RmapAgain means some cleared translations could not be invalidated
	// yet. The caller must retry before reusing the frame.
	RmapAgain

	// RmapFailed means the set is poisoned by an invariant violation. It is
	// always returned with the *InvariantViolation and must not be retried.
	RmapFailed
)

// String implements fmt.Stringer.String.
func (s RmapStatus) String() string {
	switch s {
	case RmapSucceeded:
		return "succeeded"
	case RmapAgain:
		return "again"
	case RmapFailed:
		return "failed"
	default:
		return fmt.Sprintf("RmapStatus(%d)", int(s))
	}
}

func (s *Set) initArena(n int) {
	s.rmaps = make([]rmap, n)
	for i := range s.rmaps {
		s.rmaps[i].next = rmapHandle(i + 1)
	}
	if n > 0 {
		s.rmaps[n-1].next = nilRmap
		s.freeRmap = 0
	} else {
		s.freeRmap = nilRmap
	}
}

// +checklocks:s.mu
func (s *Set) allocRmapLocked() (rmapHandle, bool) {
	h := s.freeRmap
	if h == nilRmap {
		return nilRmap, false
	}
	s.freeRmap = s.rmaps[h].next
	s.nrRmaps++
	return h, true
}

// +checklocks:s.mu
func (s *Set) freeRmapLocked(h rmapHandle) {
	s.rmaps[h] = rmap{next: s.freeRmap}
	s.freeRmap = h
	s.nrRmaps--
}

// poisonLocked records v as the set's violation.
//
// +checklocks:s.mu
func (s *Set) poisonLocked(v *InvariantViolation) *InvariantViolation {
	if s.violation == nil {
		s.violation = v
	}
	violations.Increment(v.Kind.String())
	log.Warningf("%v", v)
	return v
}

// owner returns the memory manager of task id, or nil if it is gone.
func (s *Set) owner(id task.ID) *mm.MemoryManager {
	if s.cache.opts.Owners == nil {
		return nil
	}
	t, ok := s.cache.opts.Owners.Lookup(id)
	if !ok {
		return nil
	}
	return t.MM
}

func rssCounter(pte pgtable.PTE) mm.Counter {
	if pte.File() {
		return mm.MMFilePages
	}
	return mm.MMAnonPages
}

// AddRmap records that slot, the entry of task owner's page table for addr,
// maps meta. It must be called exactly once per installed mapping, after the
// entry is written.
//
// It returns an error wrapping linuxerr.ENOMEM if the set's arena is full;
// the caller must then roll back the entry. Adding a slot that is already
// recorded for meta poisons the set and returns an *InvariantViolation.
func (s *Set) AddRmap(meta *Meta, slot *pgtable.Slot, owner task.ID, addr hostarch.Addr) error {
	s.checkOwned(meta)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.violation != nil {
		rmapAddFailures.Increment("poisoned")
		return s.violation
	}
	for h := meta.rmap; h != nilRmap; h = s.rmaps[h].next {
		if s.rmaps[h].slot == slot {
			rmapAddFailures.Increment("duplicate")
			return s.poisonLocked(&InvariantViolation{
				Kind:  DuplicateMapping,
				Set:   s.index,
				PFN:   meta.PFN(),
				Found: slot.Load(),
				Owner: owner,
				Addr:  addr,
			})
		}
	}
	h, ok := s.allocRmapLocked()
	if !ok {
		rmapAddFailures.Increment("nomem")
		return fmt.Errorf("set %d has no free reverse mappings for %v: %w", s.index, meta, linuxerr.ENOMEM)
	}
	s.rmaps[h] = rmap{slot: slot, owner: owner, addr: addr, next: meta.rmap}
	meta.rmap = h
	meta.rmapLen++
	meta.mapcount.Add(1)
	if m := s.owner(owner); m != nil {
		m.IncCounter(rssCounter(slot.Load()))
	}
	rmapAdds.Increment()
	return nil
}

// clearLocked clears the entry of r, which must map meta, and accounts for
// it. It returns the prior entry, or a violation if the entry did not map
// meta.
//
// +checklocks:s.mu
func (s *Set) clearLocked(meta *Meta, r *rmap) (pgtable.PTE, *InvariantViolation) {
	old := r.slot.GetAndClear()
	meta.mapcount.Add(-1)
	meta.rmapLen--
	if !old.Present() || old.PFN() != meta.PFN() {
		return old, &InvariantViolation{
			Kind:  PFNMismatch,
			Set:   s.index,
			PFN:   meta.PFN(),
			Found: old,
			Owner: r.owner,
			Addr:  r.addr,
		}
	}
	if old.Dirty() {
		meta.SetDirty()
	}
	asid := tlb.AnyASID
	if m := s.owner(r.owner); m != nil {
		m.DecCounter(rssCounter(old))
		asid = m.ASID()
	}
	meta.pending = append(meta.pending, tlb.Invalidation{ASID: asid, Addr: r.addr})
	return old, nil
}

// TryToUnmap clears every page-table entry mapping meta.
//
// The set lock is held while entries are cleared and dropped while their
// translations are flushed. RmapSucceeded means no entry maps meta and no
// stale translation of it remains; RmapAgain means a flush failed or is
// still in progress elsewhere, and the cleared entries' invalidations stay
// pending for the next call. An entry that did not map meta when cleared
// poisons the set and returns RmapFailed with an *InvariantViolation.
func (s *Set) TryToUnmap(ctx context.Context, meta *Meta) (RmapStatus, error) {
	s.checkOwned(meta)

	s.mu.Lock()
	if s.violation != nil {
		s.mu.Unlock()
		unmaps.Increment("violation")
		return RmapFailed, s.violation
	}
	n := 0
	for meta.rmap != nilRmap {
		h := meta.rmap
		r := &s.rmaps[h]
		meta.rmap = r.next
		_, v := s.clearLocked(meta, r)
		s.freeRmapLocked(h)
		n++
		if v != nil {
			s.poisonLocked(v)
			s.mu.Unlock()
			unmaps.Increment("violation")
			return RmapFailed, v
		}
	}
	unmappedEntries.IncrementBy(uint64(n))
	if len(meta.pending) == 0 {
		busy := meta.flushing > 0
		s.mu.Unlock()
		if busy {
			unmaps.Increment("again")
			return RmapAgain, nil
		}
		unmaps.Increment("succeeded")
		return RmapSucceeded, nil
	}
	invs := meta.pending
	meta.pending = nil
	meta.flushing++
	s.mu.Unlock()

	err := s.flush(ctx, invs)

	s.mu.Lock()
	meta.flushing--
	if err != nil {
		meta.pending = append(invs, meta.pending...)
	}
	busy := meta.flushing > 0 || len(meta.pending) > 0
	s.mu.Unlock()

	if err != nil {
		log.Debugf("pcache set %d: flush of %d invalidations for %v failed: %v", s.index, len(invs), meta, err)
		unmaps.Increment("again")
		return RmapAgain, nil
	}
	if busy {
		unmaps.Increment("again")
		return RmapAgain, nil
	}
	unmaps.Increment("succeeded")
	return RmapSucceeded, nil
}

func (s *Set) flush(ctx context.Context, invs []tlb.Invalidation) error {
	if s.cache.opts.Flusher == nil {
		return nil
	}
	return s.cache.opts.Flusher.Flush(ctx, invs)
}

// RemoveRmap clears slot, which maps meta, and drops its reverse mapping. It
// is the teardown counterpart of AddRmap, used when a single mapping goes
// away. The returned invalidation must be flushed by the caller before the
// slot's address is reused for another frame.
//
// If slot has no reverse mapping, RemoveRmap returns a zero PTE and false,
// unless slot still maps meta, which poisons the set.
func (s *Set) RemoveRmap(meta *Meta, slot *pgtable.Slot) (pgtable.PTE, tlb.Invalidation, bool, error) {
	s.checkOwned(meta)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.violation != nil {
		return 0, tlb.Invalidation{}, false, s.violation
	}
	prev := nilRmap
	for h := meta.rmap; h != nilRmap; prev, h = h, s.rmaps[h].next {
		r := &s.rmaps[h]
		if r.slot != slot {
			continue
		}
		if prev == nilRmap {
			meta.rmap = r.next
		} else {
			s.rmaps[prev].next = r.next
		}
		old, v := s.clearLocked(meta, r)
		s.freeRmapLocked(h)
		if v != nil {
			return old, tlb.Invalidation{}, false, s.poisonLocked(v)
		}
		// The invalidation is handed to the caller instead.
		inv := meta.pending[len(meta.pending)-1]
		meta.pending = meta.pending[:len(meta.pending)-1]
		return old, inv, true, nil
	}
	if p := slot.Load(); p.Present() && p.PFN() == meta.PFN() {
		return p, tlb.Invalidation{}, false, s.poisonLocked(&InvariantViolation{
			Kind:  MissingRmap,
			Set:   s.index,
			PFN:   meta.PFN(),
			Found: p,
		})
	}
	return 0, tlb.Invalidation{}, false, nil
}

// DeferInvalidations queues invs on meta after the caller failed to flush
// them, for example following RemoveRmap. TryToUnmap reports RmapAgain until
// they are flushed, so meta's frame is not reused while they are stale.
func (s *Set) DeferInvalidations(meta *Meta, invs ...tlb.Invalidation) {
	s.checkOwned(meta)
	if len(invs) == 0 {
		return
	}
	s.mu.Lock()
	meta.pending = append(meta.pending, invs...)
	s.mu.Unlock()
}

// RmapLen returns the number of reverse mappings of meta.
func (s *Set) RmapLen(meta *Meta) int {
	s.checkOwned(meta)
	s.mu.Lock()
	defer s.mu.Unlock()
	return meta.rmapLen
}

// ForEachRmap calls fn for each reverse mapping of meta, most recent first,
// with the set lock held. fn must not call back into s.
func (s *Set) ForEachRmap(meta *Meta, fn func(owner task.ID, addr hostarch.Addr, slot *pgtable.Slot)) {
	s.checkOwned(meta)
	s.mu.Lock()
	defer s.mu.Unlock()
	for h := meta.rmap; h != nilRmap; h = s.rmaps[h].next {
		r := &s.rmaps[h]
		fn(r.owner, r.addr, r.slot)
	}
}

// Check verifies that each line's map count equals the length of its
// reverse-mapping list and that the arena accounts for every entry. It
// returns the set's violation if it is poisoned.
func (s *Set) Check() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.violation != nil {
		return s.violation
	}
	total := 0
	for i := range s.ways {
		m := &s.ways[i]
		n := 0
		for h := m.rmap; h != nilRmap; h = s.rmaps[h].next {
			n++
		}
		if n != m.rmapLen || int32(n) != m.mapcount.Load() {
			return fmt.Errorf("%v: %d reverse mappings, length %d, map count %d", m, n, m.rmapLen, m.mapcount.Load())
		}
		total += n
	}
	if total != s.nrRmaps {
		return fmt.Errorf("pcache set %d: %d reverse mappings linked, %d allocated", s.index, total, s.nrRmaps)
	}
	return nil
}
