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

// Package fault resolves page faults of tasks by mapping lines of the
// processor cache into their page tables, and tears those mappings down.
//
// A fault holds the address space's mapping lock for reading and a
// reference on the line for the whole installation, so the line cannot be
// evicted and the VMA cannot be unmapped while the entry and its reverse
// mapping are being established.
package fault

import (
	"context"
	"errors"
	"fmt"

	"disaggos.dev/disaggos/pkg/errors/linuxerr"
	"disaggos.dev/disaggos/pkg/hostarch"
	"disaggos.dev/disaggos/pkg/log"
	"disaggos.dev/disaggos/pkg/metric"
	"disaggos.dev/disaggos/pkg/mm"
	"disaggos.dev/disaggos/pkg/processor/node"
	"disaggos.dev/disaggos/pkg/processor/pcache"
	"disaggos.dev/disaggos/pkg/processor/pgtable"
	"disaggos.dev/disaggos/pkg/processor/task"
	"disaggos.dev/disaggos/pkg/processor/tlb"
)

var (
	faults        = metric.MustCreateNewUint64Metric("fault_total", "Number of page faults handled by result.", metric.NewField("result", []string{"mapped", "present", "efault", "enomem", "error"}))
	faultDuration = metric.MustCreateNewTimerMetric("fault_seconds", "Latency of page fault handling.", nil)
	unmapped      = metric.MustCreateNewUint64Metric("fault_unmapped_total", "Number of entries cleared by unmap.")
)

// Handler handles page faults.
type Handler struct {
	// Cache holds the lines mapped by faults.
	Cache *pcache.Cache

	// Resolver supplies the home nodes of faulting tasks.
	Resolver *node.Resolver

	// Flusher invalidates translations of entries cleared by the handler.
	// If nil, there are no TLBs to flush.
	Flusher tlb.Flusher
}

func (h *Handler) flush(ctx context.Context, invs []tlb.Invalidation) error {
	if h.Flusher == nil || len(invs) == 0 {
		return nil
	}
	return h.Flusher.Flush(ctx, invs)
}

// flushLine flushes invs, the invalidations of entries that mapped meta. If
// the flush fails they are left pending on meta, so the line cannot be
// evicted until they are flushed.
func (h *Handler) flushLine(ctx context.Context, meta *pcache.Meta, invs ...tlb.Invalidation) error {
	err := h.flush(ctx, invs)
	if err != nil {
		h.Cache.SetFor(meta).DeferInvalidations(meta, invs...)
	}
	return err
}

// HandleFault maps the line backing addr into t's page table for an access
// of type at.
//
// It returns an error wrapping linuxerr.EFAULT if no VMA of t contains addr,
// the VMA does not permit at, or t has no memory home node; linuxerr.ENOMEM
// if the reverse mapping cannot be recorded, in which case no entry is left
// installed; and an *pcache.InvariantViolation, which is fatal, if page
// tables and the cache disagree.
func (h *Handler) HandleFault(ctx context.Context, t *task.Task, addr hostarch.Addr, at hostarch.AccessType) error {
	timer := faultDuration.Start()
	defer timer.Finish()

	err := t.MM.WithVMA(addr, func(_ mm.VMAID, v mm.VMA) error {
		return h.handleLocked(ctx, t, &v, addr.RoundDown(), at)
	})
	switch {
	case err == nil:
	case linuxerr.Equals(linuxerr.EFAULT, err):
		faults.Increment("efault")
	case linuxerr.Equals(linuxerr.ENOMEM, err):
		faults.Increment("enomem")
	default:
		faults.Increment("error")
	}
	return err
}

// Preconditions: t.MM's mapping lock is held for reading and v contains
// addr, which is page aligned.
func (h *Handler) handleLocked(ctx context.Context, t *task.Task, v *mm.VMA, addr hostarch.Addr, at hostarch.AccessType) error {
	if !v.Perms().SupersetOf(at) {
		return fmt.Errorf("%v access at %v denied by %v: %w", at, addr, v, linuxerr.EFAULT)
	}
	home := h.Resolver.CurrentMemoryHomeNode(t)
	if !home.Valid() {
		return fmt.Errorf("task %v has no memory home node: %w", t, linuxerr.EFAULT)
	}

	key := pcache.Key{Home: home, Addr: v.LocalStart + (addr - v.Start)}
	meta, err := h.Cache.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to get line %v: %w", key, err)
	}
	defer h.Cache.Put(meta)

	slot, err := t.MM.PageTable().Walk(addr, true)
	if err != nil {
		return err
	}

	want := pgtable.FlagsFor(v.Perms())
	if !v.Anonymous() {
		want |= pgtable.FlagFile
	}
	if at.Write {
		want |= pgtable.FlagAccessed | pgtable.FlagDirty
	}
	pte := pgtable.MakePTE(meta.PFN(), want)

	for {
		old := slot.Load()
		if old.Present() {
			if old.PFN() == meta.PFN() {
				if at.Write {
					slot.MarkDirty()
				}
				faults.Increment("present")
				return nil
			}
			if err := h.replace(ctx, t.MM, addr, slot, old); err != nil {
				return err
			}
			continue
		}
		if !slot.CompareAndSwap(old, pte) {
			continue
		}
		break
	}

	if err := h.Cache.SetFor(meta).AddRmap(meta, slot, t.ID, addr); err != nil {
		if old := slot.GetAndClear(); old.Dirty() {
			meta.SetDirty()
		}
		if ferr := h.flushLine(ctx, meta, tlb.Invalidation{ASID: t.MM.ASID(), Addr: addr}); ferr != nil {
			log.Warningf("Flush after failed fault at %v: %v", addr, ferr)
		}
		return err
	}
	faults.Increment("mapped")
	return nil
}

// replace drops the mapping old held by slot so that another frame can be
// installed.
func (h *Handler) replace(ctx context.Context, m *mm.MemoryManager, addr hostarch.Addr, slot *pgtable.Slot, old pgtable.PTE) error {
	meta, ok := h.Cache.MetaFor(old.PFN())
	if !ok {
		// Not a cache frame, so there is no reverse mapping to drop.
		if slot.CompareAndSwap(old, 0) {
			return h.flush(ctx, []tlb.Invalidation{{ASID: m.ASID(), Addr: addr}})
		}
		return nil
	}
	_, inv, removed, err := h.Cache.SetFor(meta).RemoveRmap(meta, slot)
	if err != nil {
		return err
	}
	if removed {
		return h.flushLine(ctx, meta, inv)
	}
	return nil
}

// Unmap clears every entry of m's page table in ar and drops the entries'
// reverse mappings.
//
// Preconditions: no fault on m may be installing an entry in ar, as is the
// case when m's mapping lock is held for writing.
func (h *Handler) Unmap(ctx context.Context, m *mm.MemoryManager, ar hostarch.AddrRange) error {
	var (
		invs  []tlb.Invalidation
		// lines[i] is the line invs[i] unmapped, or nil for a foreign
		// frame.
		lines []*pcache.Meta
		err   error
	)
	m.PageTable().Range(ar, func(addr hostarch.Addr, slot *pgtable.Slot) bool {
		p := slot.Load()
		meta, ok := h.Cache.MetaFor(p.PFN())
		if !ok {
			if slot.CompareAndSwap(p, 0) {
				invs = append(invs, tlb.Invalidation{ASID: m.ASID(), Addr: addr})
				lines = append(lines, nil)
			}
			return true
		}
		var (
			inv     tlb.Invalidation
			removed bool
		)
		_, inv, removed, err = h.Cache.SetFor(meta).RemoveRmap(meta, slot)
		if err != nil {
			return false
		}
		if removed {
			invs = append(invs, inv)
			lines = append(lines, meta)
		}
		return true
	})
	unmapped.IncrementBy(uint64(len(invs)))
	if ferr := h.flush(ctx, invs); ferr != nil {
		for i, meta := range lines {
			if meta != nil {
				h.Cache.SetFor(meta).DeferInvalidations(meta, invs[i])
			}
		}
		if err == nil {
			err = fmt.Errorf("failed to flush %d invalidations for %v: %w", len(invs), ar, ferr)
		}
	}
	return err
}

// UnmapFunc returns an unmap hook for mm.Options that calls Unmap. An
// invariant violation is fatal.
func (h *Handler) UnmapFunc() mm.UnmapFunc {
	return func(m *mm.MemoryManager, ar hostarch.AddrRange) {
		err := h.Unmap(context.Background(), m, ar)
		if errors.Is(err, pcache.ErrInvariant) {
			panic(fmt.Sprintf("unmap of %v: %v", ar, err))
		}
		if err != nil {
			log.Warningf("Unmap of %v failed: %v", ar, err)
		}
	}
}

// Munmap removes the VMAs of t that lie within ar, unmapping their pages. It
// returns an error wrapping linuxerr.EINVAL if a VMA only partially
// overlaps ar.
func (h *Handler) Munmap(t *task.Task, ar hostarch.AddrRange) error {
	for _, v := range t.MM.VMAs() {
		if !v.Range().Overlaps(ar) {
			continue
		}
		if !ar.IsSupersetOf(v.Range()) {
			return fmt.Errorf("%v partially overlaps %v: %w", v, ar, linuxerr.EINVAL)
		}
	}
	for _, v := range t.MM.VMAs() {
		if !ar.IsSupersetOf(v.Range()) {
			continue
		}
		id, _, ok := t.MM.FindVMA(v.Start)
		if !ok {
			continue
		}
		if err := t.MM.RemoveVMA(id); err != nil {
			return err
		}
	}
	return nil
}
