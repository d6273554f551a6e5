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

// Package pgtable models the compute node's page tables: entry values, the
// slots that hold them, and a four-level radix table per address space.
//
// The pcache treats entries as opaque beyond two operations: atomically
// reading-and-clearing a slot, and extracting the frame number from a value.
package pgtable

import (
	"fmt"
	"math"

	"disaggos.dev/disaggos/pkg/hostarch"
)

// PFN is a physical frame number.
type PFN uint64

// InvalidPFN is never the frame number of a real frame.
const InvalidPFN = PFN(math.MaxUint64)

// Valid returns true if this is a valid frame number.
func (p PFN) Valid() bool {
	return p != InvalidPFN
}

// PFNFromAddr returns the frame containing the given physical address.
func PFNFromAddr(phys uint64) PFN {
	return PFN(phys >> hostarch.PageShift)
}

// Address returns the physical address of the start of the frame.
func (p PFN) Address() uint64 {
	return uint64(p) << hostarch.PageShift
}

// Entry flag bits, laid out like x86-64.
const (
	FlagPresent  PTE = 1 << 0
	FlagWrite    PTE = 1 << 1
	FlagUser     PTE = 1 << 2
	FlagAccessed PTE = 1 << 5
	FlagDirty    PTE = 1 << 6
	FlagNoExec   PTE = 1 << 63

	// FlagFile is a software bit marking entries that map file-backed
	// memory.
	FlagFile PTE = 1 << 9

	flagMask = FlagPresent | FlagWrite | FlagUser | FlagAccessed | FlagDirty | FlagNoExec | FlagFile

	// addrMask selects bits 12..51, the frame address.
	addrMask PTE = ((1 << 52) - 1) &^ (hostarch.PageSize - 1)
)

// PTE is a page-table entry value.
type PTE uint64

// MakePTE returns an entry mapping pfn with the given flags.
func MakePTE(pfn PFN, flags PTE) PTE {
	return PTE(pfn.Address())&addrMask | flags&flagMask
}

// FlagsFor returns the present entry flags granting access at.
func FlagsFor(at hostarch.AccessType) PTE {
	f := FlagPresent | FlagUser
	if at.Write {
		f |= FlagWrite
	}
	if !at.Execute {
		f |= FlagNoExec
	}
	return f
}

// Present returns true if the entry maps a frame.
func (p PTE) Present() bool {
	return p&FlagPresent != 0
}

// Writable returns true if the entry permits writes.
func (p PTE) Writable() bool {
	return p&FlagWrite != 0
}

// Dirty returns true if the hardware has recorded a write through the entry.
func (p PTE) Dirty() bool {
	return p&FlagDirty != 0
}

// PFN extracts the frame number from the entry.
func (p PTE) PFN() PFN {
	return PFN(uint64(p&addrMask) >> hostarch.PageShift)
}

// File returns true if the entry maps file-backed memory.
func (p PTE) File() bool {
	return p&FlagFile != 0
}

// Perms returns the access permitted by the entry.
func (p PTE) Perms() hostarch.AccessType {
	if !p.Present() {
		return hostarch.NoAccess
	}
	return hostarch.AccessType{
		Read:    true,
		Write:   p.Writable(),
		Execute: p&FlagNoExec == 0,
	}
}

// String implements fmt.Stringer.String.
func (p PTE) String() string {
	if p == 0 {
		return "pte(none)"
	}
	present := "-"
	if p.Present() {
		present = "P"
	}
	return fmt.Sprintf("pte(pfn=%#x %s %s)", uint64(p.PFN()), present, p.Perms())
}
