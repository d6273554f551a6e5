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
	"fmt"
	"strings"

	"disaggos.dev/disaggos/pkg/atomicbitops"
	"disaggos.dev/disaggos/pkg/processor/pgtable"
	"disaggos.dev/disaggos/pkg/processor/tlb"
)

// Line flags.
const (
	// PcacheValid is set while the line holds the content of its key.
	PcacheValid uint64 = 1 << iota

	// PcacheDirty is set when the line has been written since it was
	// filled.
	PcacheDirty

	// PcacheWriteback is set while a dirty line is being written back.
	PcacheWriteback

	// PcacheLocked is set while the line is being filled or evicted.
	PcacheLocked
)

// flagString formats line flags.
func flagString(f uint64) string {
	var names []string
	for _, fl := range []struct {
		bit  uint64
		name string
	}{
		{PcacheValid, "valid"},
		{PcacheDirty, "dirty"},
		{PcacheWriteback, "writeback"},
		{PcacheLocked, "locked"},
	} {
		if f&fl.bit != 0 {
			names = append(names, fl.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// Meta is the metadata of one cache line, which occupies one physical frame.
//
// flags, mapcount and refcount are atomic so they can be read without the
// set lock, but they are only authoritative under it. All other mutable
// fields are protected by the set lock.
type Meta struct {
	// set and index are immutable.
	set   *Set
	index int

	flags    atomicbitops.Uint64
	mapcount atomicbitops.Int32
	refcount atomicbitops.Int32

	// key is the content's home location. It is meaningful while the line
	// is valid or locked for fill.
	key Key

	// rmap is the head of the line's reverse-mapping list in the set's
	// arena. rmapLen is its length.
	rmap    rmapHandle
	rmapLen int

	// pending are invalidations of cleared entries not yet flushed.
	// flushing counts unmap calls flushing outside the lock.
	pending  []tlb.Invalidation
	flushing int
}

// PFN returns the frame backing the line.
func (m *Meta) PFN() pgtable.PFN {
	return m.set.cache.opts.BasePFN + pgtable.PFN(m.index)
}

// Index returns the line's index in the cache.
func (m *Meta) Index() int {
	return m.index
}

// Flags returns the line flags.
func (m *Meta) Flags() uint64 {
	return m.flags.Load()
}

// Valid returns true if the line holds content.
func (m *Meta) Valid() bool {
	return m.flags.Load()&PcacheValid != 0
}

// Dirty returns true if the line must be written back before reuse.
func (m *Meta) Dirty() bool {
	return m.flags.Load()&PcacheDirty != 0
}

// Locked returns true while the line is being filled or evicted.
func (m *Meta) Locked() bool {
	return m.flags.Load()&PcacheLocked != 0
}

// SetDirty marks the line dirty.
func (m *Meta) SetDirty() {
	m.flags.Or(PcacheDirty)
}

// MapCount returns the number of page-table entries mapping the line. It is
// exact only under the set lock; otherwise it may lag by one pending
// operation.
func (m *Meta) MapCount() int32 {
	return m.mapcount.Load()
}

// RefCount returns the number of outstanding Get references.
func (m *Meta) RefCount() int32 {
	return m.refcount.Load()
}

// Key returns the line's key.
//
// Preconditions: the caller must hold a reference or the set lock.
func (m *Meta) Key() Key {
	return m.key
}

// String implements fmt.Stringer.String.
func (m *Meta) String() string {
	return fmt.Sprintf("pcm[%d pfn=%#x %s map=%d ref=%d]", m.index, uint64(m.PFN()), flagString(m.Flags()), m.MapCount(), m.RefCount())
}
