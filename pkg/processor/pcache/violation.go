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
	"errors"
	"fmt"

	"disaggos.dev/disaggos/pkg/hostarch"
	"disaggos.dev/disaggos/pkg/processor/pgtable"
	"disaggos.dev/disaggos/pkg/processor/task"
)

// ErrInvariant matches every *InvariantViolation with errors.Is.
var ErrInvariant = errors.New("pcache invariant violation")

// ViolationKind classifies an invariant violation.
type ViolationKind int

// Violation kinds.
const (
	// DuplicateMapping means a slot was about to be added twice to one
	// line's reverse mappings.
	DuplicateMapping ViolationKind = iota

	// PFNMismatch means a slot recorded in a line's reverse mappings did
	// not map that line when it was cleared.
	PFNMismatch

	// MissingRmap means a slot maps a line that has no reverse mapping for
	// it.
	MissingRmap
)

// String implements fmt.Stringer.String.
func (k ViolationKind) String() string {
	switch k {
	case DuplicateMapping:
		return "duplicate_mapping"
	case PFNMismatch:
		return "pfn_mismatch"
	case MissingRmap:
		return "missing_rmap"
	default:
		return fmt.Sprintf("ViolationKind(%d)", int(k))
	}
}

// InvariantViolation reports that page tables and cache metadata have
// diverged. It cannot be repaired locally: the set it occurred in is
// poisoned and every later operation on that set returns the same
// violation. Callers must treat it as fatal.
type InvariantViolation struct {
	Kind ViolationKind

	// Set is the index of the poisoned set.
	Set int

	// PFN is the frame of the line involved.
	PFN pgtable.PFN

	// Found is the prior entry of the slot, for PFNMismatch and
	// MissingRmap.
	Found pgtable.PTE

	// Owner and Addr describe the offending mapping.
	Owner task.ID
	Addr  hostarch.Addr
}

// Error implements error.Error.
func (v *InvariantViolation) Error() string {
	switch v.Kind {
	case DuplicateMapping:
		return fmt.Sprintf("pcache set %d: duplicate mapping of pfn %#x by task %d at %v", v.Set, uint64(v.PFN), v.Owner, v.Addr)
	case PFNMismatch:
		return fmt.Sprintf("pcache set %d: pfn %#x unmapped from task %d at %v, but slot held %v", v.Set, uint64(v.PFN), v.Owner, v.Addr, v.Found)
	default:
		return fmt.Sprintf("pcache set %d: %v for pfn %#x at %v (slot %v)", v.Set, v.Kind, uint64(v.PFN), v.Addr, v.Found)
	}
}

// Is implements errors.Is.
func (v *InvariantViolation) Is(target error) bool {
	return target == ErrInvariant
}
