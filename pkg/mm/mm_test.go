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

package mm

import (
	"testing"

	"disaggos.dev/disaggos/pkg/errors"
	"disaggos.dev/disaggos/pkg/errors/linuxerr"
	"disaggos.dev/disaggos/pkg/hostarch"
	"github.com/google/go-cmp/cmp"
)

const page = hostarch.PageSize

func testMemoryManager(t *testing.T, unmapped *[]hostarch.AddrRange) *MemoryManager {
	t.Helper()
	return NewMemoryManager(Options{
		ASID:     7,
		TaskSize: 1 << 32,
		Unmap: func(_ *MemoryManager, ar hostarch.AddrRange) {
			if unmapped != nil {
				*unmapped = append(*unmapped, ar)
			}
		},
	})
}

func mustInsert(t *testing.T, mm *MemoryManager, v VMA) VMAID {
	t.Helper()
	id, err := mm.InsertVMA(v)
	if err != nil {
		t.Fatalf("InsertVMA(%v) failed: %v", &v, err)
	}
	return id
}

func TestInsertVMAErrors(t *testing.T) {
	mm := testMemoryManager(t, nil)
	defer mm.DecUsers()
	mustInsert(t, mm, VMA{Start: 0x10000, End: 0x20000, LocalStart: 0x80000, LocalEnd: 0x90000, Flags: VMRead})

	for _, test := range []struct {
		name string
		vma  VMA
		want *errors.Error
	}{
		{name: "empty", vma: VMA{Start: 0x30000, End: 0x30000, Flags: VMRead}, want: linuxerr.EINVAL},
		{name: "unaligned", vma: VMA{Start: 0x30001, End: 0x40000, Flags: VMRead}, want: linuxerr.EINVAL},
		{name: "inverted", vma: VMA{Start: 0x40000, End: 0x30000, Flags: VMRead}, want: linuxerr.EINVAL},
		{name: "beyond task size", vma: VMA{Start: 1 << 32, End: 1<<32 + page, Flags: VMRead}, want: linuxerr.EINVAL},
		{name: "local length mismatch", vma: VMA{Start: 0x30000, End: 0x40000, LocalStart: 0xa0000, LocalEnd: 0xa1000, Flags: VMRead}, want: linuxerr.EINVAL},
		{name: "write only", vma: VMA{Start: 0x30000, End: 0x40000, Flags: VMWrite}, want: linuxerr.EINVAL},
		{name: "app overlap", vma: VMA{Start: 0x1f000, End: 0x21000, LocalStart: 0xa0000, LocalEnd: 0xa2000, Flags: VMRead}, want: linuxerr.EEXIST},
		{name: "local overlap", vma: VMA{Start: 0x30000, End: 0x32000, LocalStart: 0x8f000, LocalEnd: 0x91000, Flags: VMRead}, want: linuxerr.EEXIST},
		{name: "identity local overlap", vma: VMA{Start: 0x80000, End: 0x81000, Flags: VMRead}, want: linuxerr.EEXIST},
	} {
		t.Run(test.name, func(t *testing.T) {
			if _, err := mm.InsertVMA(test.vma); !linuxerr.Equals(test.want, err) {
				t.Errorf("InsertVMA got err %v want %v", err, test.want)
			}
		})
	}
	if got := mm.Stats().MapCount; got != 1 {
		t.Errorf("MapCount after failed inserts got %d want 1", got)
	}
}

func TestFindVMA(t *testing.T) {
	mm := testMemoryManager(t, nil)
	defer mm.DecUsers()
	a := mustInsert(t, mm, VMA{Start: 0x10000, End: 0x20000, LocalStart: 0x900000, LocalEnd: 0x910000, Flags: VMRead})
	b := mustInsert(t, mm, VMA{Start: 0x30000, End: 0x31000, LocalStart: 0x100000, LocalEnd: 0x101000, Flags: VMRead | VMWrite})

	for _, test := range []struct {
		addr hostarch.Addr
		want VMAID
		ok   bool
	}{
		{addr: 0xffff, ok: false},
		{addr: 0x10000, want: a, ok: true},
		{addr: 0x1ffff, want: a, ok: true},
		{addr: 0x20000, ok: false},
		{addr: 0x30800, want: b, ok: true},
		// Repeat to go through the cache.
		{addr: 0x30000, want: b, ok: true},
		{addr: 0x31000, ok: false},
	} {
		id, _, ok := mm.FindVMA(test.addr)
		if ok != test.ok || (ok && id != test.want) {
			t.Errorf("FindVMA(%v) got (%d, %t) want (%d, %t)", test.addr, id, ok, test.want, test.ok)
		}
	}

	if id, _, ok := mm.FindLocalVMA(0x100800); !ok || id != b {
		t.Errorf("FindLocalVMA(0x100800) got (%d, %t) want (%d, true)", id, ok, b)
	}
	if _, _, ok := mm.FindLocalVMA(0x10000); ok {
		t.Errorf("FindLocalVMA found an application-view address")
	}
}

func TestDualIndexOrder(t *testing.T) {
	mm := testMemoryManager(t, nil)
	defer mm.DecUsers()
	mustInsert(t, mm, VMA{Start: 0x10000, End: 0x11000, LocalStart: 0x30000, LocalEnd: 0x31000, Flags: VMRead})
	mustInsert(t, mm, VMA{Start: 0x20000, End: 0x21000, LocalStart: 0x10000, LocalEnd: 0x11000, Flags: VMRead})

	starts := func(vmas []VMA) []hostarch.Addr {
		var s []hostarch.Addr
		for _, v := range vmas {
			s = append(s, v.Start)
		}
		return s
	}
	if diff := cmp.Diff([]hostarch.Addr{0x10000, 0x20000}, starts(mm.VMAs())); diff != "" {
		t.Errorf("VMAs order mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]hostarch.Addr{0x20000, 0x10000}, starts(mm.LocalVMAs())); diff != "" {
		t.Errorf("LocalVMAs order mismatch (-want +got):\n%s", diff)
	}
}

func TestRemoveVMA(t *testing.T) {
	var unmapped []hostarch.AddrRange
	mm := testMemoryManager(t, &unmapped)
	defer mm.DecUsers()
	a := mustInsert(t, mm, VMA{Start: 0x10000, End: 0x12000, Flags: VMRead | VMWrite})
	b := mustInsert(t, mm, VMA{Start: 0x40000, End: 0x41000, Flags: VMRead | VMExec})

	// Prime the find cache with the VMA about to go away.
	if _, _, ok := mm.FindVMA(0x40000); !ok {
		t.Fatalf("FindVMA(0x40000) missed")
	}
	if err := mm.RemoveVMA(b); err != nil {
		t.Fatalf("RemoveVMA failed: %v", err)
	}
	if err := mm.RemoveVMA(b); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("second RemoveVMA got %v want EINVAL", err)
	}
	if _, _, ok := mm.FindVMA(0x40000); ok {
		t.Errorf("removed VMA still found in application view")
	}
	if _, _, ok := mm.FindLocalVMA(0x40000); ok {
		t.Errorf("removed VMA still found in local view")
	}
	if _, ok := mm.Get(b); ok {
		t.Errorf("Get of removed handle succeeded")
	}
	if diff := cmp.Diff([]hostarch.AddrRange{{Start: 0x40000, End: 0x41000}}, unmapped); diff != "" {
		t.Errorf("unmapped ranges mismatch (-want +got):\n%s", diff)
	}

	want := Stats{MapCount: 1, TotalVM: 2, DataVM: 2, HighestVMEnd: 0x12000}
	if diff := cmp.Diff(want, mm.Stats()); diff != "" {
		t.Errorf("Stats mismatch (-want +got):\n%s", diff)
	}

	// The handle is reused.
	if c := mustInsert(t, mm, VMA{Start: 0x50000, End: 0x51000, Flags: VMRead}); c != b {
		t.Errorf("InsertVMA after remove got handle %d want reused %d", c, b)
	}
	if _, ok := mm.Get(a); !ok {
		t.Errorf("Get(%d) of live VMA failed", a)
	}
}

func TestLifetime(t *testing.T) {
	var unmapped []hostarch.AddrRange
	mm := testMemoryManager(t, &unmapped)
	mustInsert(t, mm, VMA{Start: 0x10000, End: 0x11000, Flags: VMRead})
	mustInsert(t, mm, VMA{Start: 0x20000, End: 0x21000, Flags: VMRead})

	if !mm.IncUsers() {
		t.Fatalf("IncUsers on live mm failed")
	}
	if !mm.IncCount() {
		t.Fatalf("IncCount on live mm failed")
	}
	mm.DecUsers()
	if len(unmapped) != 0 {
		t.Errorf("VMAs torn down with users remaining")
	}

	mm.DecUsers()
	if got := len(mm.VMAs()); got != 0 {
		t.Errorf("VMAs after last user got %d want 0", got)
	}
	if len(unmapped) != 2 {
		t.Errorf("unmap hook ran %d times want 2", len(unmapped))
	}
	if mm.Destroyed() {
		t.Errorf("mm destroyed with a count reference outstanding")
	}
	if mm.IncUsers() {
		t.Errorf("IncUsers after last user succeeded")
	}

	mm.DecCount()
	if !mm.Destroyed() {
		t.Errorf("mm not destroyed after last count reference")
	}
	if _, err := mm.InsertVMA(VMA{Start: 0x10000, End: 0x11000, Flags: VMRead}); !linuxerr.Equals(linuxerr.EFAULT, err) {
		t.Errorf("InsertVMA on destroyed mm got %v want EFAULT", err)
	}
}

func TestCounters(t *testing.T) {
	mm := testMemoryManager(t, nil)
	defer mm.DecUsers()
	mm.IncCounter(MMAnonPages)
	mm.IncCounter(MMAnonPages)
	mm.AddCounter(MMFilePages, 3)
	mm.IncCounter(MMSwapEnts)
	mm.DecCounter(MMAnonPages)
	if got := mm.RSS(); got != 4 {
		t.Errorf("RSS got %d want 4", got)
	}
	if got := mm.Counter(MMSwapEnts); got != 1 {
		t.Errorf("Counter(%v) got %d want 1", MMSwapEnts, got)
	}
}
