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
	"fmt"
	"math"
	"strings"

	"disaggos.dev/disaggos/pkg/errors/linuxerr"
	"disaggos.dev/disaggos/pkg/hostarch"
	"disaggos.dev/disaggos/pkg/log"
)

// VMAFlags are the permission and sharing bits of a VMA.
type VMAFlags uint32

// VMA flags.
const (
	VMRead VMAFlags = 1 << iota
	VMWrite
	VMExec
	VMShared
	VMGrowsDown
)

// String implements fmt.Stringer.String in the style of /proc/[pid]/maps.
func (f VMAFlags) String() string {
	var b strings.Builder
	for _, c := range []struct {
		flag VMAFlags
		ch   byte
	}{{VMRead, 'r'}, {VMWrite, 'w'}, {VMExec, 'x'}} {
		if f&c.flag != 0 {
			b.WriteByte(c.ch)
		} else {
			b.WriteByte('-')
		}
	}
	if f&VMShared != 0 {
		b.WriteByte('s')
	} else {
		b.WriteByte('p')
	}
	return b.String()
}

// VMA is a virtual memory area. The same area is visible at [Start, End) in
// the application's address space and at [LocalStart, LocalEnd) in the
// local-resident view; both ranges have the same length.
type VMA struct {
	Start hostarch.Addr
	End   hostarch.Addr

	LocalStart hostarch.Addr
	LocalEnd   hostarch.Addr

	Flags VMAFlags

	// File names the backing store. It is empty for anonymous memory.
	File string

	// PgOff is the offset into File, in pages.
	PgOff uint64
}

// Range returns the application-view range.
func (v *VMA) Range() hostarch.AddrRange {
	return hostarch.AddrRange{Start: v.Start, End: v.End}
}

// LocalRange returns the local-resident-view range.
func (v *VMA) LocalRange() hostarch.AddrRange {
	return hostarch.AddrRange{Start: v.LocalStart, End: v.LocalEnd}
}

// Perms returns the access the VMA permits.
func (v *VMA) Perms() hostarch.AccessType {
	return hostarch.AccessType{
		Read:    v.Flags&VMRead != 0,
		Write:   v.Flags&VMWrite != 0,
		Execute: v.Flags&VMExec != 0,
	}
}

// Anonymous returns true if the VMA has no backing file.
func (v *VMA) Anonymous() bool {
	return v.File == ""
}

// Pages returns the number of pages spanned.
func (v *VMA) Pages() uint64 {
	return uint64(v.End-v.Start) >> hostarch.PageShift
}

// String implements fmt.Stringer.String.
func (v *VMA) String() string {
	return fmt.Sprintf("%08x-%08x %s %08x %s (local %08x-%08x)", uint64(v.Start), uint64(v.End), v.Flags, v.PgOff<<hostarch.PageShift, v.File, uint64(v.LocalStart), uint64(v.LocalEnd))
}

// VMAID is a stable handle to a VMA in its MemoryManager's arena. Handles are
// reused after RemoveVMA.
type VMAID int32

// InvalidVMAID is never a live handle.
const InvalidVMAID VMAID = -1

// vmaKey orders VMAs in one of the two indices.
type vmaKey struct {
	start hostarch.Addr
	id    VMAID
}

func lessVMAKey(a, b vmaKey) bool {
	if a.start != b.start {
		return a.start < b.start
	}
	return a.id < b.id
}

// pivot returns the greatest possible key starting at addr.
func pivot(addr hostarch.Addr) vmaKey {
	return vmaKey{start: addr, id: math.MaxInt32}
}

// vmaSlot is an arena entry.
type vmaSlot struct {
	vma  VMA
	live bool
}

// checkVMA validates v, filling in an identity local view if none is given.
func (mm *MemoryManager) checkVMA(v *VMA) error {
	if v.LocalStart == 0 && v.LocalEnd == 0 {
		v.LocalStart, v.LocalEnd = v.Start, v.End
	}
	ar, lr := v.Range(), v.LocalRange()
	switch {
	case !ar.WellFormed() || ar.Length() == 0 || !ar.IsPageAligned():
		return linuxerr.EINVAL
	case !lr.WellFormed() || !lr.IsPageAligned() || lr.Length() != ar.Length():
		return linuxerr.EINVAL
	case v.End > mm.opts.TaskSize:
		return linuxerr.EINVAL
	case v.Flags&VMWrite != 0 && v.Flags&VMRead == 0:
		return linuxerr.EINVAL
	}
	return nil
}

// overlapsLocked returns true if ar overlaps any VMA in the index.
//
// Preconditions: mm.mappingMu must be locked.
func (mm *MemoryManager) overlapsLocked(local bool, ar hostarch.AddrRange) bool {
	index, rangeOf := mm.appIndex, (*VMA).Range
	if local {
		index, rangeOf = mm.localIndex, (*VMA).LocalRange
	}
	overlaps := false
	// The only candidates are the last VMA starting before ar.End and,
	// since VMAs in one view never overlap, nothing earlier.
	index.DescendLessOrEqual(pivot(ar.End-1), func(k vmaKey) bool {
		overlaps = rangeOf(&mm.vmas[k.id].vma).Overlaps(ar)
		return false
	})
	return overlaps
}

// InsertVMA adds v to the address space and returns its handle. It returns
// EINVAL if v is malformed and EEXIST if v overlaps an existing VMA in either
// view. v becomes visible in both views at once.
func (mm *MemoryManager) InsertVMA(v VMA) (VMAID, error) {
	if err := mm.checkVMA(&v); err != nil {
		return InvalidVMAID, err
	}

	mm.mappingMu.Lock()
	defer mm.mappingMu.Unlock()
	if mm.destroyed.Load() {
		return InvalidVMAID, linuxerr.EFAULT
	}
	if mm.overlapsLocked(false, v.Range()) || mm.overlapsLocked(true, v.LocalRange()) {
		return InvalidVMAID, linuxerr.EEXIST
	}

	var id VMAID
	if n := len(mm.free); n > 0 {
		id = mm.free[n-1]
		mm.free = mm.free[:n-1]
	} else {
		id = VMAID(len(mm.vmas))
		mm.vmas = append(mm.vmas, vmaSlot{})
	}
	mm.vmas[id] = vmaSlot{vma: v, live: true}
	mm.appIndex.ReplaceOrInsert(vmaKey{start: v.Start, id: id})
	mm.localIndex.ReplaceOrInsert(vmaKey{start: v.LocalStart, id: id})

	mm.mapCount++
	mm.addVMStatsLocked(&v, 1)
	if v.End > mm.highestVMEnd {
		mm.highestVMEnd = v.End
	}
	log.Debugf("mm %d: inserted vma %d: %v", mm.opts.ASID, id, &v)
	return id, nil
}

// addVMStatsLocked adds sign times v's pages to the VM accounting.
//
// Preconditions: mm.mappingMu must be locked for writing.
func (mm *MemoryManager) addVMStatsLocked(v *VMA, sign int64) {
	pages := int64(v.Pages()) * sign
	mm.totalVM += pages
	switch {
	case v.Flags&VMGrowsDown != 0:
		mm.stackVM += pages
	case v.Flags&VMWrite != 0 && v.Flags&VMShared == 0:
		mm.dataVM += pages
	case v.Flags&VMExec != 0 && v.Flags&VMWrite == 0:
		mm.execVM += pages
	}
}

// findLocked returns the VMA containing addr in the given view.
//
// Preconditions: mm.mappingMu must be locked.
func (mm *MemoryManager) findLocked(local bool, addr hostarch.Addr) (VMAID, bool) {
	index, rangeOf := mm.appIndex, (*VMA).Range
	if local {
		index, rangeOf = mm.localIndex, (*VMA).LocalRange
	}
	found := InvalidVMAID
	index.DescendLessOrEqual(pivot(addr), func(k vmaKey) bool {
		if rangeOf(&mm.vmas[k.id].vma).Contains(addr) {
			found = k.id
		}
		return false
	})
	return found, found != InvalidVMAID
}

// FindVMA returns the VMA whose application-view range contains addr.
func (mm *MemoryManager) FindVMA(addr hostarch.Addr) (VMAID, VMA, bool) {
	mm.mappingMu.RLock()
	defer mm.mappingMu.RUnlock()
	return mm.findVMALocked(addr)
}

// findVMALocked implements FindVMA, consulting the last result first.
//
// Preconditions: mm.mappingMu must be locked.
func (mm *MemoryManager) findVMALocked(addr hostarch.Addr) (VMAID, VMA, bool) {
	if id := VMAID(mm.findCache.Load()); id != InvalidVMAID {
		if s := &mm.vmas[id]; s.live && s.vma.Range().Contains(addr) {
			return id, s.vma, true
		}
	}
	id, ok := mm.findLocked(false, addr)
	if !ok {
		return InvalidVMAID, VMA{}, false
	}
	mm.findCache.Store(int32(id))
	return id, mm.vmas[id].vma, true
}

// FindLocalVMA returns the VMA whose local-view range contains addr.
func (mm *MemoryManager) FindLocalVMA(addr hostarch.Addr) (VMAID, VMA, bool) {
	mm.mappingMu.RLock()
	defer mm.mappingMu.RUnlock()
	id, ok := mm.findLocked(true, addr)
	if !ok {
		return InvalidVMAID, VMA{}, false
	}
	return id, mm.vmas[id].vma, true
}

// WithVMA calls fn with the VMA containing addr while holding the mapping
// lock for reading, so that the VMA cannot be removed until fn returns. It
// returns EFAULT if no VMA contains addr.
//
// fn must not call methods of mm that take the mapping lock for writing.
func (mm *MemoryManager) WithVMA(addr hostarch.Addr, fn func(id VMAID, v VMA) error) error {
	mm.mappingMu.RLock()
	defer mm.mappingMu.RUnlock()
	if mm.destroyed.Load() {
		return linuxerr.EFAULT
	}
	id, v, ok := mm.findVMALocked(addr)
	if !ok {
		return linuxerr.EFAULT
	}
	return fn(id, v)
}

// Get returns the VMA with the given handle.
func (mm *MemoryManager) Get(id VMAID) (VMA, bool) {
	mm.mappingMu.RLock()
	defer mm.mappingMu.RUnlock()
	if id < 0 || int(id) >= len(mm.vmas) || !mm.vmas[id].live {
		return VMA{}, false
	}
	return mm.vmas[id].vma, true
}

// RemoveVMA removes the VMA from both views, unmaps its pages through the
// unmap hook, and then reclaims the handle. It returns EINVAL for a handle
// that is not live.
func (mm *MemoryManager) RemoveVMA(id VMAID) error {
	mm.mappingMu.Lock()
	defer mm.mappingMu.Unlock()
	return mm.removeVMALocked(id)
}

// Preconditions: mm.mappingMu must be locked for writing.
func (mm *MemoryManager) removeVMALocked(id VMAID) error {
	if id < 0 || int(id) >= len(mm.vmas) || !mm.vmas[id].live {
		return linuxerr.EINVAL
	}
	v := mm.vmas[id].vma
	if _, ok := mm.appIndex.Delete(vmaKey{start: v.Start, id: id}); !ok {
		panic(fmt.Sprintf("vma %d (%v) missing from application index", id, &v))
	}
	if _, ok := mm.localIndex.Delete(vmaKey{start: v.LocalStart, id: id}); !ok {
		panic(fmt.Sprintf("vma %d (%v) missing from local index", id, &v))
	}
	if mm.opts.Unmap != nil {
		mm.opts.Unmap(mm, v.Range())
	}

	mm.vmas[id] = vmaSlot{}
	mm.free = append(mm.free, id)
	mm.findCache.CompareAndSwap(int32(id), int32(InvalidVMAID))
	mm.mapCount--
	mm.addVMStatsLocked(&v, -1)
	if v.End == mm.highestVMEnd {
		mm.highestVMEnd = 0
		mm.appIndex.Descend(func(k vmaKey) bool {
			mm.highestVMEnd = mm.vmas[k.id].vma.End
			return false
		})
	}
	log.Debugf("mm %d: removed vma %d: %v", mm.opts.ASID, id, &v)
	return nil
}

// VMAs returns the live VMAs in application-view address order.
func (mm *MemoryManager) VMAs() []VMA {
	mm.mappingMu.RLock()
	defer mm.mappingMu.RUnlock()
	vmas := make([]VMA, 0, mm.appIndex.Len())
	mm.appIndex.Ascend(func(k vmaKey) bool {
		vmas = append(vmas, mm.vmas[k.id].vma)
		return true
	})
	return vmas
}

// LocalVMAs returns the live VMAs in local-view address order.
func (mm *MemoryManager) LocalVMAs() []VMA {
	mm.mappingMu.RLock()
	defer mm.mappingMu.RUnlock()
	vmas := make([]VMA, 0, mm.localIndex.Len())
	mm.localIndex.Ascend(func(k vmaKey) bool {
		vmas = append(vmas, mm.vmas[k.id].vma)
		return true
	})
	return vmas
}
