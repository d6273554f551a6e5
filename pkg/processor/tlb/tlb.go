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

// Package tlb models per-CPU translation caches and the invalidation
// contract between clearing a page-table entry and reusing its frame.
//
// A cleared entry may still be cached by a TLB. The frame behind it must not
// be reused until every such cached translation has been invalidated. Callers
// that clear entries collect one Invalidation per entry and hand the batch to
// a Flusher; only after Flush returns nil is the frame free.
package tlb

import (
	"context"
	"fmt"

	"disaggos.dev/disaggos/pkg/hostarch"
	"disaggos.dev/disaggos/pkg/metric"
	"disaggos.dev/disaggos/pkg/processor/pgtable"
	"disaggos.dev/disaggos/pkg/sync"
)

// ASID identifies an address space in the TLB.
type ASID uint32

// AnyASID matches every address space. It is used when the owner of a
// cleared entry can no longer be identified.
const AnyASID = ASID(0)

// Invalidation names one cached translation to drop.
type Invalidation struct {
	ASID ASID
	Addr hostarch.Addr
}

// String implements fmt.Stringer.String.
func (i Invalidation) String() string {
	return fmt.Sprintf("asid %d addr %v", i.ASID, i.Addr)
}

// Flusher invalidates translations on every CPU that may cache them.
//
// Flush must not return nil until every invalidation in invs has taken
// effect.
type Flusher interface {
	Flush(ctx context.Context, invs []Invalidation) error
}

var (
	invalidations = metric.MustCreateNewUint64Metric("tlb_invalidations_total", "Number of TLB entries invalidated.")
	flushes       = metric.MustCreateNewUint64Metric("tlb_flushes_total", "Number of flush requests.", metric.NewField("result", []string{"ok", "error"}))
)

type key struct {
	asid ASID
	page hostarch.Addr
}

// TLB is a bounded software translation cache for one CPU. When full, the
// oldest insertion is replaced.
type TLB struct {
	mu sync.Mutex

	// entries and fifo are protected by mu. fifo holds keys in insertion
	// order; it may hold stale keys for entries already invalidated.
	entries map[key]pgtable.PTE
	fifo    []key

	capacity int
}

// New returns an empty TLB holding at most capacity translations.
func New(capacity int) *TLB {
	if capacity <= 0 {
		panic(fmt.Sprintf("invalid TLB capacity %d", capacity))
	}
	return &TLB{
		entries:  make(map[key]pgtable.PTE, capacity),
		capacity: capacity,
	}
}

// Lookup returns the cached translation for addr in asid.
func (t *TLB) Lookup(asid ASID, addr hostarch.Addr) (pgtable.PTE, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pte, ok := t.entries[key{asid, addr.RoundDown()}]
	return pte, ok
}

// Insert caches a translation.
func (t *TLB) Insert(asid ASID, addr hostarch.Addr, pte pgtable.PTE) {
	k := key{asid, addr.RoundDown()}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[k]; ok {
		t.entries[k] = pte
		return
	}
	for len(t.entries) >= t.capacity {
		victim := t.fifo[0]
		t.fifo = t.fifo[1:]
		delete(t.entries, victim)
	}
	t.entries[k] = pte
	t.fifo = append(t.fifo, k)
}

// Invalidate drops the translation for addr. AnyASID drops it in every
// address space.
func (t *TLB) Invalidate(asid ASID, addr hostarch.Addr) {
	page := addr.RoundDown()
	t.mu.Lock()
	defer t.mu.Unlock()
	if asid != AnyASID {
		t.removeLocked(key{asid, page})
		return
	}
	for k := range t.entries {
		if k.page == page {
			t.removeLocked(k)
		}
	}
}

// InvalidateAll drops every translation for asid.
func (t *TLB) InvalidateAll(asid ASID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.entries {
		if k.asid == asid || asid == AnyASID {
			t.removeLocked(k)
		}
	}
}

// Len returns the number of cached translations.
func (t *TLB) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// removeLocked drops k from entries and fifo.
//
// Preconditions: t.mu must be locked.
func (t *TLB) removeLocked(k key) {
	if _, ok := t.entries[k]; !ok {
		return
	}
	delete(t.entries, k)
	for i, f := range t.fifo {
		if f == k {
			t.fifo = append(t.fifo[:i], t.fifo[i+1:]...)
			break
		}
	}
	invalidations.Increment()
}
