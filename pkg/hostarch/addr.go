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

// Package hostarch describes the virtual address layout shared by compute
// and memory nodes.
package hostarch

import (
	"fmt"
)

const (
	// PageShift is the binary log of the system page size.
	PageShift = 12

	// PageSize is the system page size.
	PageSize = 1 << PageShift

	// HugePageShift is the binary log of the system huge page size.
	HugePageShift = 21

	// HugePageSize is the system huge page size.
	HugePageSize = 1 << HugePageShift
)

// Addr represents a virtual address.
type Addr uintptr

// AddLength adds the given length to start and returns the result. ok is true
// iff adding the length did not overflow the range of Addr.
func (v Addr) AddLength(length uint64) (end Addr, ok bool) {
	end = v + Addr(length)
	// The second half of the following check is needed in case uintptr is
	// smaller than 64 bits.
	ok = end >= v && length <= uint64(^Addr(0))
	return
}

// RoundDown returns the address rounded down to the nearest page boundary.
func (v Addr) RoundDown() Addr {
	return v & ^Addr(PageSize-1)
}

// RoundUp returns the address rounded up to the nearest page boundary. ok is
// true iff rounding up did not wrap around.
func (v Addr) RoundUp() (addr Addr, ok bool) {
	addr = Addr(v + PageSize - 1).RoundDown()
	ok = addr >= v
	return
}

// MustRoundUp is equivalent to RoundUp, but panics if rounding up wraps
// around.
func (v Addr) MustRoundUp() Addr {
	addr, ok := v.RoundUp()
	if !ok {
		panic(fmt.Sprintf("hostarch.Addr(%d).RoundUp() wraps", v))
	}
	return addr
}

// PageOffset returns the offset of v into the current page.
func (v Addr) PageOffset() uint64 {
	return uint64(v & Addr(PageSize-1))
}

// IsPageAligned returns true if v.PageOffset() == 0.
func (v Addr) IsPageAligned() bool {
	return v.PageOffset() == 0
}

// ToRange returns [v, v+length).
func (v Addr) ToRange(length uint64) (AddrRange, bool) {
	end, ok := v.AddLength(length)
	return AddrRange{v, end}, ok
}

// String implements fmt.Stringer.String.
func (v Addr) String() string {
	return fmt.Sprintf("%#x", uintptr(v))
}

// AddrRange is a range of Addrs.
//
// type AddrRange <generated by go_generics>
type AddrRange struct {
	// Start is the inclusive start of the range.
	Start Addr

	// End is the exclusive end of the range.
	End Addr
}

// WellFormed returns true if r.Start <= r.End. All other methods on a Range
// require that the Range is well-formed.
func (r AddrRange) WellFormed() bool {
	return r.Start <= r.End
}

// Length returns the length of the range.
func (r AddrRange) Length() Addr {
	return r.End - r.Start
}

// Contains returns true if r contains x.
func (r AddrRange) Contains(x Addr) bool {
	return r.Start <= x && x < r.End
}

// Overlaps returns true if r and r2 overlap.
func (r AddrRange) Overlaps(r2 AddrRange) bool {
	return r.Start < r2.End && r2.Start < r.End
}

// IsSupersetOf returns true if r is a superset of r2; that is, the range r2 is
// contained within r.
func (r AddrRange) IsSupersetOf(r2 AddrRange) bool {
	return r.Start <= r2.Start && r.End >= r2.End
}

// IsPageAligned returns true if both Start and End are page-aligned.
func (r AddrRange) IsPageAligned() bool {
	return r.Start.IsPageAligned() && r.End.IsPageAligned()
}

// String implements fmt.Stringer.String.
func (r AddrRange) String() string {
	return fmt.Sprintf("[%#x, %#x)", uintptr(r.Start), uintptr(r.End))
}
