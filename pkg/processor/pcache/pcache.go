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

// Package pcache implements the processor cache: a set-associative cache of
// remote memory lines kept in local frames, and the reverse mappings from
// each line to the page-table entries that map it.
//
// Each Set owns one lock. It serializes every reverse-mapping operation on
// the set's lines and is held for the whole of AddRmap, TryToUnmap and
// RemoveRmap. It is never held across a blocking operation: GSM queries,
// backend I/O and TLB flushes all happen outside it.
//
// Lock order:
//
//	mm.MemoryManager.mappingMu
//	  Set.mu
//	    task.Registry.mu
package pcache

import (
	"context"
	"fmt"
	"math/bits"
	"time"

	"disaggos.dev/disaggos/pkg/errors/linuxerr"
	"disaggos.dev/disaggos/pkg/hostarch"
	"disaggos.dev/disaggos/pkg/metric"
	"disaggos.dev/disaggos/pkg/processor/pgtable"
	"disaggos.dev/disaggos/pkg/processor/task"
	"disaggos.dev/disaggos/pkg/processor/tlb"
	"disaggos.dev/disaggos/pkg/sync"
)

// LineSize is the size of a cache line. A line is one page.
const LineSize = hostarch.PageSize

// Key names the home location of a line: the memory node holding it and
// the line's address there.
type Key struct {
	Home task.NodeID
	Addr hostarch.Addr
}

// String implements fmt.Stringer.String.
func (k Key) String() string {
	return fmt.Sprintf("%v@node%v", k.Addr, k.Home)
}

// Backend moves line content to and from memory home nodes.
type Backend interface {
	// ReadLine fills dst, which is LineSize bytes, with the line at key.
	ReadLine(ctx context.Context, key Key, dst []byte) error

	// WriteLine stores src, which is LineSize bytes, as the line at key.
	WriteLine(ctx context.Context, key Key, src []byte) error
}

// Owners resolves the task IDs recorded in reverse mappings.
// *task.Registry implements it.
type Owners interface {
	Lookup(id task.ID) (*task.Task, bool)
}

// Options configures a Cache.
type Options struct {
	// NumSets is the number of sets. It must be a power of two.
	NumSets int

	// Ways is the number of lines per set.
	Ways int

	// RmapsPerSet is the capacity of each set's reverse-mapping arena.
	// AddRmap fails with ENOMEM when it is exhausted.
	RmapsPerSet int

	// BasePFN is the frame of line 0. Line i is at BasePFN+i.
	BasePFN pgtable.PFN

	// Backend holds line content. It must not be nil.
	Backend Backend

	// Flusher invalidates the translations of cleared entries. If nil,
	// there are no TLBs to flush.
	Flusher tlb.Flusher

	// Owners resolves mapping owners for TLB tags and RSS accounting. If
	// nil, invalidations match any address space and RSS is not tracked.
	Owners Owners

	// UnmapRetries and UnmapInterval bound the retries of TryToUnmap when
	// evicting a line.
	UnmapRetries  uint64
	UnmapInterval time.Duration

	// GetRetries and GetInterval bound the waits of Get for a line that is
	// being filled or evicted, or for a set with no evictable line.
	GetRetries  uint64
	GetInterval time.Duration
}

// DefaultOptions are the geometry and policies used when fields are zero.
var DefaultOptions = Options{
	NumSets:       64,
	Ways:          8,
	RmapsPerSet:   256,
	BasePFN:       0x100000,
	UnmapRetries:  8,
	UnmapInterval: 10 * time.Microsecond,
	GetRetries:    64,
	GetInterval:   10 * time.Microsecond,
}

func (o *Options) setDefaults() error {
	if o.NumSets == 0 {
		o.NumSets = DefaultOptions.NumSets
	}
	if o.Ways == 0 {
		o.Ways = DefaultOptions.Ways
	}
	if o.RmapsPerSet == 0 {
		o.RmapsPerSet = DefaultOptions.RmapsPerSet
	}
	if o.BasePFN == 0 {
		o.BasePFN = DefaultOptions.BasePFN
	}
	if o.UnmapRetries == 0 {
		o.UnmapRetries = DefaultOptions.UnmapRetries
	}
	if o.UnmapInterval == 0 {
		o.UnmapInterval = DefaultOptions.UnmapInterval
	}
	if o.GetRetries == 0 {
		o.GetRetries = DefaultOptions.GetRetries
	}
	if o.GetInterval == 0 {
		o.GetInterval = DefaultOptions.GetInterval
	}
	switch {
	case o.NumSets < 0 || bits.OnesCount(uint(o.NumSets)) != 1:
		return fmt.Errorf("number of sets %d is not a power of two: %w", o.NumSets, linuxerr.EINVAL)
	case o.Ways < 0 || o.RmapsPerSet < 0:
		return fmt.Errorf("invalid geometry %d ways, %d rmaps per set: %w", o.Ways, o.RmapsPerSet, linuxerr.EINVAL)
	case o.Backend == nil:
		return fmt.Errorf("no backend: %w", linuxerr.EINVAL)
	}
	return nil
}

var (
	rmapAdds         = metric.MustCreateNewUint64Metric("pcache_rmap_add_total", "Number of reverse mappings added.")
	rmapAddFailures  = metric.MustCreateNewUint64Metric("pcache_rmap_add_failures_total", "Number of reverse mappings refused.", metric.NewField("reason", []string{"nomem", "duplicate", "poisoned"}))
	unmaps           = metric.MustCreateNewUint64Metric("pcache_unmap_total", "Number of try-to-unmap calls by result.", metric.NewField("status", []string{"succeeded", "again", "violation"}))
	unmappedEntries  = metric.MustCreateNewUint64Metric("pcache_unmapped_entries_total", "Number of page-table entries cleared by try-to-unmap.")
	violations       = metric.MustCreateNewUint64Metric("pcache_invariant_violations_total", "Number of invariant violations detected.", metric.NewField("kind", []string{DuplicateMapping.String(), PFNMismatch.String(), MissingRmap.String()}))
	evictions        = metric.MustCreateNewUint64Metric("pcache_evictions_total", "Number of lines evicted.")
	writebacks       = metric.MustCreateNewUint64Metric("pcache_writebacks_total", "Number of dirty lines written back.")
	fills            = metric.MustCreateNewUint64Metric("pcache_fills_total", "Number of lines filled from a memory home node.")
	lookups          = metric.MustCreateNewUint64Metric("pcache_lookups_total", "Number of line lookups by result.", metric.NewField("result", []string{"hit", "miss", "busy"}))
	evictionDuration = metric.MustCreateNewTimerMetric("pcache_eviction_seconds", "Latency of line eviction.", nil, metric.NewField("result", []string{"ok", "error"}))
)

// Cache is a set-associative cache of remote memory lines.
type Cache struct {
	opts  Options
	sets  []Set
	metas []Meta

	// data holds line content; line i is data[i*LineSize:(i+1)*LineSize].
	data []byte
}

// New returns an empty cache.
func New(opts Options) (*Cache, error) {
	if err := opts.setDefaults(); err != nil {
		return nil, err
	}
	n := opts.NumSets * opts.Ways
	c := &Cache{
		opts:  opts,
		sets:  make([]Set, opts.NumSets),
		metas: make([]Meta, n),
		data:  make([]byte, n*LineSize),
	}
	for i := range c.sets {
		s := &c.sets[i]
		s.cache = c
		s.index = i
		s.ways = c.metas[i*opts.Ways : (i+1)*opts.Ways]
		s.initArena(opts.RmapsPerSet)
	}
	for i := range c.metas {
		m := &c.metas[i]
		m.set = &c.sets[i/opts.Ways]
		m.index = i
		m.rmap = nilRmap
	}
	return c, nil
}

// Options returns the cache's effective options.
func (c *Cache) Options() Options {
	return c.opts
}

// NumSets returns the number of sets.
func (c *Cache) NumSets() int {
	return len(c.sets)
}

// Set returns set i.
func (c *Cache) Set(i int) *Set {
	return &c.sets[i]
}

// SetFor returns the set owning meta.
func (c *Cache) SetFor(meta *Meta) *Set {
	return meta.set
}

// AddrToSet returns the set that caches the line containing addr.
func (c *Cache) AddrToSet(addr hostarch.Addr) *Set {
	return &c.sets[int(uint64(addr)>>hostarch.PageShift)&(len(c.sets)-1)]
}

// MetaFor returns the line backed by pfn.
func (c *Cache) MetaFor(pfn pgtable.PFN) (*Meta, bool) {
	if pfn < c.opts.BasePFN || pfn-c.opts.BasePFN >= pgtable.PFN(len(c.metas)) {
		return nil, false
	}
	return &c.metas[pfn-c.opts.BasePFN], true
}

// Meta returns line i.
func (c *Cache) Meta(i int) *Meta {
	return &c.metas[i]
}

// NumLines returns the number of lines.
func (c *Cache) NumLines() int {
	return len(c.metas)
}

// Data returns the content of meta's line.
//
// Preconditions: the caller must hold a reference to meta.
func (c *Cache) Data(meta *Meta) []byte {
	return c.data[meta.index*LineSize : (meta.index+1)*LineSize]
}

// Set is a set of the cache. It owns Ways lines and the reverse mappings of
// all of them.
type Set struct {
	cache *Cache
	index int

	// ways are the set's lines. The slice is immutable; the lines' own
	// fields follow the rules documented on Meta.
	ways []Meta

	// mu protects the arena, every line's reverse mappings and pending
	// invalidations, and the fields below.
	mu sync.Mutex

	rmaps    []rmap
	freeRmap rmapHandle
	nrRmaps  int

	// hand is the next way considered for eviction.
	hand int

	// violation is the violation that poisoned the set, or nil.
	violation *InvariantViolation
}

// Index returns the set's index.
func (s *Set) Index() int {
	return s.index
}

// Ways returns the set's lines.
func (s *Set) Ways() []Meta {
	return s.ways
}

// Violation returns the violation that poisoned the set, or nil.
func (s *Set) Violation() *InvariantViolation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.violation
}

// RmapsInUse returns the number of allocated reverse mappings.
func (s *Set) RmapsInUse() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nrRmaps
}

// checkOwned panics if meta does not belong to s.
func (s *Set) checkOwned(meta *Meta) {
	if meta.set != s {
		panic(fmt.Sprintf("%v belongs to set %d, not %d", meta, meta.set.index, s.index))
	}
}
