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
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"disaggos.dev/disaggos/pkg/errors/linuxerr"
	"disaggos.dev/disaggos/pkg/hostarch"
	"disaggos.dev/disaggos/pkg/mm"
	"disaggos.dev/disaggos/pkg/processor/pgtable"
	"disaggos.dev/disaggos/pkg/processor/task"
	"disaggos.dev/disaggos/pkg/processor/tlb"
	"disaggos.dev/disaggos/pkg/sync"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"golang.org/x/sync/errgroup"
)

const home = task.NodeID(1)

func newTestCache(t *testing.T, opts Options) (*Cache, *MemoryBackend) {
	t.Helper()
	b := NewMemoryBackend()
	opts.Backend = b
	c, err := New(opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return c, b
}

func mapLine(slot *pgtable.Slot, m *Meta) pgtable.PTE {
	p := pgtable.MakePTE(m.PFN(), pgtable.FlagsFor(hostarch.ReadWrite))
	slot.Store(p)
	return p
}

func lineKey(i int) Key {
	return Key{Home: home, Addr: hostarch.Addr(i * LineSize)}
}

// recordingFlusher records flushed invalidations and fails while failures
// is positive.
type recordingFlusher struct {
	mu       sync.Mutex
	invs     []tlb.Invalidation
	calls    int
	failures int
}

func (f *recordingFlusher) Flush(_ context.Context, invs []tlb.Invalidation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return fmt.Errorf("flush failed: %w", linuxerr.EIO)
	}
	f.invs = append(f.invs, invs...)
	return nil
}

func TestNew(t *testing.T) {
	if _, err := New(Options{NumSets: 3, Backend: NewMemoryBackend()}); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("New with 3 sets got %v want EINVAL", err)
	}
	if _, err := New(Options{}); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("New without backend got %v want EINVAL", err)
	}
	c, _ := newTestCache(t, Options{NumSets: 4, Ways: 2})
	if got, want := c.NumLines(), 8; got != want {
		t.Errorf("NumLines got %d want %d", got, want)
	}
	if got := c.Options().RmapsPerSet; got != DefaultOptions.RmapsPerSet {
		t.Errorf("RmapsPerSet got %d want default %d", got, DefaultOptions.RmapsPerSet)
	}
}

func TestMetaPFN(t *testing.T) {
	c, _ := newTestCache(t, Options{NumSets: 4, Ways: 2, BasePFN: 0x800})
	for i := 0; i < c.NumLines(); i++ {
		m := c.Meta(i)
		if got, want := m.PFN(), pgtable.PFN(0x800+i); got != want {
			t.Errorf("line %d PFN got %#x want %#x", i, got, want)
		}
		if got, ok := c.MetaFor(m.PFN()); !ok || got != m {
			t.Errorf("MetaFor(%#x) got (%v, %t) want line %d", m.PFN(), got, ok, i)
		}
		if got, want := c.SetFor(m).Index(), i/2; got != want {
			t.Errorf("line %d set got %d want %d", i, got, want)
		}
	}
	if _, ok := c.MetaFor(0x800 + 8); ok {
		t.Errorf("MetaFor past the last line succeeded")
	}
	if _, ok := c.MetaFor(0x7ff); ok {
		t.Errorf("MetaFor before the first line succeeded")
	}
	for i := 0; i < 9; i++ {
		if got, want := c.AddrToSet(lineKey(i).Addr+5).Index(), i%4; got != want {
			t.Errorf("AddrToSet(line %d) got set %d want %d", i, got, want)
		}
	}
}

func TestAddRmapMapCount(t *testing.T) {
	c, _ := newTestCache(t, Options{NumSets: 1, Ways: 2})
	m := c.Meta(0)
	s := c.SetFor(m)
	slots := make([]pgtable.Slot, 3)
	for i := range slots {
		mapLine(&slots[i], m)
		if err := s.AddRmap(m, &slots[i], 1, hostarch.Addr(i*LineSize)); err != nil {
			t.Fatalf("AddRmap %d failed: %v", i, err)
		}
		if got, want := m.MapCount(), int32(i+1); got != want {
			t.Errorf("MapCount after %d adds got %d want %d", i+1, got, want)
		}
		if got := s.RmapLen(m); int32(got) != m.MapCount() {
			t.Errorf("RmapLen %d != MapCount %d", got, m.MapCount())
		}
	}
	if err := s.Check(); err != nil {
		t.Errorf("Check failed: %v", err)
	}
	st, err := s.TryToUnmap(context.Background(), m)
	if err != nil || st != RmapSucceeded {
		t.Fatalf("TryToUnmap got (%v, %v) want (succeeded, nil)", st, err)
	}
	if got := m.MapCount(); got != 0 {
		t.Errorf("MapCount after unmap got %d want 0", got)
	}
	if got := s.RmapsInUse(); got != 0 {
		t.Errorf("RmapsInUse after unmap got %d want 0", got)
	}
	if err := s.Check(); err != nil {
		t.Errorf("Check failed: %v", err)
	}
}

func TestAddRmapDuplicate(t *testing.T) {
	c, _ := newTestCache(t, Options{NumSets: 1, Ways: 2})
	m := c.Meta(0)
	s := c.SetFor(m)
	var slot, other pgtable.Slot
	mapLine(&slot, m)
	mapLine(&other, m)
	if err := s.AddRmap(m, &slot, 1, 0x1000); err != nil {
		t.Fatalf("AddRmap failed: %v", err)
	}
	err := s.AddRmap(m, &slot, 1, 0x1000)
	if !errors.Is(err, ErrInvariant) {
		t.Fatalf("duplicate AddRmap got %v want invariant violation", err)
	}
	var v *InvariantViolation
	if !errors.As(err, &v) || v.Kind != DuplicateMapping || v.PFN != m.PFN() {
		t.Errorf("duplicate AddRmap got %v want duplicate mapping of %#x", err, m.PFN())
	}
	if got := s.RmapLen(m); got != 1 {
		t.Errorf("RmapLen after duplicate got %d want 1", got)
	}
	if got := m.MapCount(); got != 1 {
		t.Errorf("MapCount after duplicate got %d want 1", got)
	}

	// The set stays poisoned.
	if err := s.AddRmap(m, &other, 1, 0x2000); !errors.Is(err, ErrInvariant) {
		t.Errorf("AddRmap on poisoned set got %v want invariant violation", err)
	}
	if _, err := s.TryToUnmap(context.Background(), m); !errors.Is(err, ErrInvariant) {
		t.Errorf("TryToUnmap on poisoned set got %v want invariant violation", err)
	}
	if s.Violation() != v {
		t.Errorf("Violation got %v want %v", s.Violation(), v)
	}
}

func TestAddRmapNoMem(t *testing.T) {
	c, _ := newTestCache(t, Options{NumSets: 1, Ways: 2, RmapsPerSet: 2})
	m := c.Meta(1)
	s := c.SetFor(m)
	slots := make([]pgtable.Slot, 3)
	for i := range slots {
		mapLine(&slots[i], m)
	}
	for i := 0; i < 2; i++ {
		if err := s.AddRmap(m, &slots[i], 1, 0); err != nil {
			t.Fatalf("AddRmap %d failed: %v", i, err)
		}
	}
	if err := s.AddRmap(m, &slots[2], 1, 0); !linuxerr.Equals(linuxerr.ENOMEM, err) {
		t.Errorf("AddRmap on full arena got %v want ENOMEM", err)
	}
	if got := m.MapCount(); got != 2 {
		t.Errorf("MapCount got %d want 2", got)
	}
	if s.Violation() != nil {
		t.Errorf("ENOMEM poisoned the set")
	}
}

func TestTryToUnmapEmpty(t *testing.T) {
	f := &recordingFlusher{}
	c, _ := newTestCache(t, Options{NumSets: 2, Ways: 2, Flusher: f})
	m := c.Meta(3)
	st, err := c.SetFor(m).TryToUnmap(context.Background(), m)
	if err != nil || st != RmapSucceeded {
		t.Errorf("TryToUnmap got (%v, %v) want (succeeded, nil)", st, err)
	}
	if got := m.MapCount(); got != 0 {
		t.Errorf("MapCount got %d want 0", got)
	}
	if f.calls != 0 {
		t.Errorf("empty unmap flushed %d times", f.calls)
	}
}

func TestTryToUnmapClearsAll(t *testing.T) {
	const n = 5
	reg := task.NewRegistry()
	owner := mm.NewMemoryManager(mm.Options{ASID: 9})
	if err := reg.Register(task.New(10, 10, "owner", 0, owner)); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	f := &recordingFlusher{}
	c, _ := newTestCache(t, Options{NumSets: 1, Ways: 1, Flusher: f, Owners: reg})
	m := c.Meta(0)
	s := c.SetFor(m)

	slots := make([]pgtable.Slot, n)
	var want []tlb.Invalidation
	for i := range slots {
		addr := hostarch.Addr(0x10000 + i*LineSize)
		mapLine(&slots[i], m)
		if err := s.AddRmap(m, &slots[i], 10, addr); err != nil {
			t.Fatalf("AddRmap failed: %v", err)
		}
		want = append(want, tlb.Invalidation{ASID: 9, Addr: addr})
	}
	// An unknown owner is invalidated in every address space.
	var orphan pgtable.Slot
	mapLine(&orphan, m)
	if err := s.AddRmap(m, &orphan, 99, 0x90000); err != nil {
		t.Fatalf("AddRmap failed: %v", err)
	}
	want = append(want, tlb.Invalidation{ASID: tlb.AnyASID, Addr: 0x90000})
	slots[2].MarkDirty()

	if got := owner.Counter(mm.MMAnonPages); got != n {
		t.Errorf("owner anon pages got %d want %d", got, n)
	}
	before := m.MapCount()
	st, err := s.TryToUnmap(context.Background(), m)
	if err != nil || st != RmapSucceeded {
		t.Fatalf("TryToUnmap got (%v, %v) want (succeeded, nil)", st, err)
	}
	if got := before - m.MapCount(); got != n+1 {
		t.Errorf("MapCount dropped by %d want %d", got, n+1)
	}
	for i := range slots {
		if p := slots[i].Load(); p != 0 {
			t.Errorf("slot %d still holds %v", i, p)
		}
	}
	if !m.Dirty() {
		t.Errorf("dirty mapping not propagated to %v", m)
	}
	if got := owner.Counter(mm.MMAnonPages); got != 0 {
		t.Errorf("owner anon pages after unmap got %d want 0", got)
	}
	less := func(a, b tlb.Invalidation) bool { return a.Addr < b.Addr }
	if diff := cmp.Diff(want, f.invs, cmpopts.SortSlices(less)); diff != "" {
		t.Errorf("invalidations mismatch (-want +got):\n%s", diff)
	}
}

func TestTryToUnmapPFNMismatch(t *testing.T) {
	for _, test := range []struct {
		name  string
		found func(m *Meta) pgtable.PTE
	}{
		{
			name: "other frame",
			found: func(m *Meta) pgtable.PTE {
				return pgtable.MakePTE(m.PFN()+1, pgtable.FlagsFor(hostarch.Read))
			},
		},
		{
			name:  "cleared behind the cache",
			found: func(*Meta) pgtable.PTE { return 0 },
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			c, _ := newTestCache(t, Options{NumSets: 1, Ways: 2})
			m := c.Meta(0)
			s := c.SetFor(m)
			var good, bad pgtable.Slot
			mapLine(&good, m)
			mapLine(&bad, m)
			if err := s.AddRmap(m, &good, 1, 0x1000); err != nil {
				t.Fatalf("AddRmap failed: %v", err)
			}
			if err := s.AddRmap(m, &bad, 1, 0x2000); err != nil {
				t.Fatalf("AddRmap failed: %v", err)
			}
			bad.Store(test.found(m))

			st, err := s.TryToUnmap(context.Background(), m)
			var v *InvariantViolation
			if !errors.As(err, &v) || v.Kind != PFNMismatch {
				t.Fatalf("TryToUnmap got (%v, %v) want pfn mismatch", st, err)
			}
			if st != RmapFailed {
				t.Errorf("TryToUnmap got status %v with a violation, want %v", st, RmapFailed)
			}
			if v.Addr != 0x2000 || v.Found != test.found(m) {
				t.Errorf("violation got %+v want addr 0x2000 found %v", v, test.found(m))
			}
			if s.Violation() == nil {
				t.Errorf("set not poisoned")
			}
		})
	}
}

func TestTryToUnmapFlushFailure(t *testing.T) {
	f := &recordingFlusher{failures: 1}
	c, _ := newTestCache(t, Options{NumSets: 1, Ways: 1, Flusher: f})
	m := c.Meta(0)
	s := c.SetFor(m)
	var slot pgtable.Slot
	mapLine(&slot, m)
	if err := s.AddRmap(m, &slot, 1, 0x4000); err != nil {
		t.Fatalf("AddRmap failed: %v", err)
	}

	st, err := s.TryToUnmap(context.Background(), m)
	if err != nil || st != RmapAgain {
		t.Fatalf("TryToUnmap with failing flusher got (%v, %v) want (again, nil)", st, err)
	}
	if p := slot.Load(); p != 0 {
		t.Errorf("slot still holds %v", p)
	}
	if got := m.MapCount(); got != 0 {
		t.Errorf("MapCount got %d want 0", got)
	}

	st, err = s.TryToUnmap(context.Background(), m)
	if err != nil || st != RmapSucceeded {
		t.Fatalf("TryToUnmap retry got (%v, %v) want (succeeded, nil)", st, err)
	}
	if diff := cmp.Diff([]tlb.Invalidation{{ASID: tlb.AnyASID, Addr: 0x4000}}, f.invs); diff != "" {
		t.Errorf("invalidations mismatch (-want +got):\n%s", diff)
	}
}

func TestConcurrentAddRmap(t *testing.T) {
	const (
		workers   = 8
		perWorker = 8
		capacity  = 48
	)
	for round := 0; round < 20; round++ {
		c, _ := newTestCache(t, Options{NumSets: 1, Ways: 2, RmapsPerSet: capacity})
		m := c.Meta(1)
		s := c.SetFor(m)
		slots := make([]pgtable.Slot, workers*perWorker)
		for i := range slots {
			mapLine(&slots[i], m)
		}

		var mu sync.Mutex
		added := 0
		var g errgroup.Group
		for w := 0; w < workers; w++ {
			w := w
			g.Go(func() error {
				for i := w * perWorker; i < (w+1)*perWorker; i++ {
					err := s.AddRmap(m, &slots[i], task.ID(w+1), hostarch.Addr(i*LineSize))
					switch {
					case err == nil:
						mu.Lock()
						added++
						mu.Unlock()
					case linuxerr.Equals(linuxerr.ENOMEM, err):
					default:
						return err
					}
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			t.Fatalf("round %d: AddRmap failed: %v", round, err)
		}
		if added != capacity {
			t.Errorf("round %d: %d adds succeeded want %d", round, added, capacity)
		}
		if got := s.RmapLen(m); got != added {
			t.Errorf("round %d: RmapLen got %d want %d", round, got, added)
		}
		seen := make(map[*pgtable.Slot]bool)
		s.ForEachRmap(m, func(_ task.ID, _ hostarch.Addr, slot *pgtable.Slot) {
			if seen[slot] {
				t.Errorf("round %d: slot %p recorded twice", round, slot)
			}
			seen[slot] = true
		})
		if err := s.Check(); err != nil {
			t.Errorf("round %d: Check failed: %v", round, err)
		}
	}
}

func TestRemoveRmap(t *testing.T) {
	c, _ := newTestCache(t, Options{NumSets: 1, Ways: 2})
	m := c.Meta(0)
	s := c.SetFor(m)
	var a, b pgtable.Slot
	pa := mapLine(&a, m)
	mapLine(&b, m)
	if err := s.AddRmap(m, &a, 1, 0x1000); err != nil {
		t.Fatalf("AddRmap failed: %v", err)
	}
	if err := s.AddRmap(m, &b, 1, 0x2000); err != nil {
		t.Fatalf("AddRmap failed: %v", err)
	}

	old, inv, ok, err := s.RemoveRmap(m, &a)
	if err != nil || !ok || old != pa {
		t.Fatalf("RemoveRmap got (%v, %t, %v) want (%v, true, nil)", old, ok, err, pa)
	}
	if want := (tlb.Invalidation{ASID: tlb.AnyASID, Addr: 0x1000}); inv != want {
		t.Errorf("RemoveRmap invalidation got %v want %v", inv, want)
	}
	if got := s.RmapLen(m); got != 1 || m.MapCount() != 1 {
		t.Errorf("after RemoveRmap RmapLen %d MapCount %d want 1, 1", got, m.MapCount())
	}
	if _, _, ok, err := s.RemoveRmap(m, &a); ok || err != nil {
		t.Errorf("second RemoveRmap got (%t, %v) want (false, nil)", ok, err)
	}

	// A slot that maps the line without a reverse mapping is a violation.
	var stray pgtable.Slot
	mapLine(&stray, m)
	if _, _, _, err := s.RemoveRmap(m, &stray); !errors.Is(err, ErrInvariant) {
		t.Errorf("RemoveRmap of unrecorded mapping got %v want invariant violation", err)
	}
	var v *InvariantViolation
	if !errors.As(s.Violation(), &v) || v.Kind != MissingRmap {
		t.Errorf("set violation got %v want missing rmap", s.Violation())
	}
}

func TestDeferInvalidations(t *testing.T) {
	f := &recordingFlusher{failures: 1}
	c, _ := newTestCache(t, Options{NumSets: 1, Ways: 1, Flusher: f})
	m := c.Meta(0)
	s := c.SetFor(m)
	var slot pgtable.Slot
	mapLine(&slot, m)
	if err := s.AddRmap(m, &slot, 1, 0x4000); err != nil {
		t.Fatalf("AddRmap failed: %v", err)
	}
	_, inv, ok, err := s.RemoveRmap(m, &slot)
	if err != nil || !ok {
		t.Fatalf("RemoveRmap got (%t, %v) want (true, nil)", ok, err)
	}
	// The caller could not flush inv, so the line holds it.
	s.DeferInvalidations(m, inv)

	st, err := s.TryToUnmap(context.Background(), m)
	if err != nil || st != RmapAgain {
		t.Fatalf("TryToUnmap with failing flusher got (%v, %v) want (again, nil)", st, err)
	}
	st, err = s.TryToUnmap(context.Background(), m)
	if err != nil || st != RmapSucceeded {
		t.Fatalf("TryToUnmap retry got (%v, %v) want (succeeded, nil)", st, err)
	}
	if diff := cmp.Diff([]tlb.Invalidation{inv}, f.invs); diff != "" {
		t.Errorf("invalidations mismatch (-want +got):\n%s", diff)
	}
}

func TestGetFillAndHit(t *testing.T) {
	ctx := context.Background()
	c, b := newTestCache(t, Options{NumSets: 2, Ways: 2})
	content := bytes.Repeat([]byte{0xab}, LineSize)
	if err := b.WriteLine(ctx, lineKey(3), content); err != nil {
		t.Fatalf("WriteLine failed: %v", err)
	}

	m, err := c.Get(ctx, Key{Home: home, Addr: lineKey(3).Addr + 17})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !m.Valid() || m.Locked() {
		t.Errorf("line after fill %v, want valid and unlocked", m)
	}
	if got := m.Key(); got != lineKey(3) {
		t.Errorf("Key got %v want %v", got, lineKey(3))
	}
	if !bytes.Equal(c.Data(m), content) {
		t.Errorf("line content does not match backend")
	}
	if c.SetFor(m) != c.AddrToSet(lineKey(3).Addr) {
		t.Errorf("line filled in set %d, want %d", c.SetFor(m).Index(), c.AddrToSet(lineKey(3).Addr).Index())
	}

	again, err := c.Get(ctx, lineKey(3))
	if err != nil || again != m {
		t.Fatalf("second Get got (%v, %v) want (%v, nil)", again, err, m)
	}
	if reads, _ := b.Counts(); reads != 1 {
		t.Errorf("backend reads got %d want 1", reads)
	}
	if got := m.RefCount(); got != 2 {
		t.Errorf("RefCount got %d want 2", got)
	}
	c.Put(m)
	c.Put(m)
	if _, ok := c.Lookup(lineKey(4)); ok {
		t.Errorf("Lookup of uncached line succeeded")
	}
}

func TestEvictWriteback(t *testing.T) {
	ctx := context.Background()
	f := &recordingFlusher{}
	c, b := newTestCache(t, Options{NumSets: 1, Ways: 2, Flusher: f})
	m, err := c.Get(ctx, lineKey(5))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	var slot pgtable.Slot
	mapLine(&slot, m)
	if err := c.SetFor(m).AddRmap(m, &slot, 1, 0x7000); err != nil {
		t.Fatalf("AddRmap failed: %v", err)
	}
	copy(c.Data(m), "hello")

	if err := c.Evict(ctx, m); !linuxerr.Equals(linuxerr.EBUSY, err) {
		t.Errorf("Evict of referenced line got %v want EBUSY", err)
	}
	c.Put(m)
	slot.MarkDirty()

	if err := c.Evict(ctx, m); err != nil {
		t.Fatalf("Evict failed: %v", err)
	}
	if p := slot.Load(); p != 0 {
		t.Errorf("slot after eviction holds %v", p)
	}
	if got := m.Flags(); got != 0 {
		t.Errorf("flags after eviction got %s want none", flagString(got))
	}
	if _, writes := b.Counts(); writes != 1 {
		t.Errorf("backend writes got %d want 1", writes)
	}
	dst := make([]byte, LineSize)
	if err := b.ReadLine(ctx, lineKey(5), dst); err != nil {
		t.Fatalf("ReadLine failed: %v", err)
	}
	if !bytes.HasPrefix(dst, []byte("hello")) {
		t.Errorf("written back content %q, want prefix hello", dst[:8])
	}
	if len(f.invs) != 1 {
		t.Errorf("flushed %d invalidations want 1", len(f.invs))
	}
	if err := c.Evict(ctx, m); !linuxerr.Equals(linuxerr.EBUSY, err) {
		t.Errorf("Evict of free line got %v want EBUSY", err)
	}
}

func TestGetEvictsVictim(t *testing.T) {
	ctx := context.Background()
	c, b := newTestCache(t, Options{NumSets: 1, Ways: 2})
	for i := 0; i < 3; i++ {
		m, err := c.Get(ctx, lineKey(i))
		if err != nil {
			t.Fatalf("Get(%d) failed: %v", i, err)
		}
		m.SetDirty()
		c.Put(m)
	}
	if m, ok := c.Lookup(lineKey(0)); ok {
		c.Put(m)
		t.Errorf("line 0 still cached")
	}
	for _, i := range []int{1, 2} {
		m, ok := c.Lookup(lineKey(i))
		if !ok {
			t.Errorf("line %d not cached", i)
			continue
		}
		c.Put(m)
	}
	if _, writes := b.Counts(); writes != 1 {
		t.Errorf("backend writes got %d want 1", writes)
	}
}

func TestGetBusy(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, Options{NumSets: 1, Ways: 1, GetRetries: 2})
	m, err := c.Get(ctx, lineKey(0))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if _, err := c.Get(ctx, lineKey(1)); !linuxerr.Equals(linuxerr.EBUSY, err) {
		t.Errorf("Get with every way referenced got %v want EBUSY", err)
	}
	c.Put(m)
	m, err = c.Get(ctx, lineKey(1))
	if err != nil {
		t.Fatalf("Get after Put failed: %v", err)
	}
	c.Put(m)
}

func TestEvictRetries(t *testing.T) {
	ctx := context.Background()
	for _, test := range []struct {
		name     string
		failures int
		wantErr  bool
	}{
		{name: "transient", failures: 2},
		{name: "persistent", failures: 1000, wantErr: true},
	} {
		t.Run(test.name, func(t *testing.T) {
			f := &recordingFlusher{failures: test.failures}
			c, _ := newTestCache(t, Options{NumSets: 1, Ways: 1, Flusher: f, UnmapRetries: 4})
			m, err := c.Get(ctx, lineKey(0))
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			var slot pgtable.Slot
			mapLine(&slot, m)
			if err := c.SetFor(m).AddRmap(m, &slot, 1, 0); err != nil {
				t.Fatalf("AddRmap failed: %v", err)
			}
			c.Put(m)

			err = c.Evict(ctx, m)
			if test.wantErr {
				if !linuxerr.Equals(linuxerr.EAGAIN, err) {
					t.Errorf("Evict got %v want EAGAIN", err)
				}
				if !m.Valid() || m.Locked() {
					t.Errorf("line after failed eviction %v, want valid and unlocked", m)
				}
				return
			}
			if err != nil {
				t.Fatalf("Evict failed: %v", err)
			}
			if f.calls != test.failures+1 {
				t.Errorf("flusher called %d times want %d", f.calls, test.failures+1)
			}
		})
	}
}
