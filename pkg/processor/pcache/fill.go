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
	"context"
	"errors"
	"fmt"
	"time"

	"disaggos.dev/disaggos/pkg/errors/linuxerr"
	"github.com/cenkalti/backoff"
)

type acquireResult int

const (
	acquireHit acquireResult = iota
	acquireFill
	acquireEvict
	acquireBusy
)

// lookupLocked returns the way holding key, valid or being filled.
//
// +checklocks:s.mu
func (s *Set) lookupLocked(key Key) *Meta {
	for i := range s.ways {
		m := &s.ways[i]
		if m.flags.Load()&(PcacheValid|PcacheLocked) != 0 && m.key == key {
			return m
		}
	}
	return nil
}

// victimLocked returns the next evictable way after the clock hand, or nil.
//
// +checklocks:s.mu
func (s *Set) victimLocked() *Meta {
	for i := 0; i < len(s.ways); i++ {
		m := &s.ways[(s.hand+i)%len(s.ways)]
		if m.flags.Load()&(PcacheValid|PcacheLocked) == PcacheValid && m.refcount.Load() == 0 {
			s.hand = (s.hand + i + 1) % len(s.ways)
			return m
		}
	}
	return nil
}

// acquire finds or reserves the way for key. On acquireHit and acquireFill
// the way is returned with a reference held; on acquireFill and
// acquireEvict it is returned locked.
func (s *Set) acquire(key Key) (*Meta, acquireResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m := s.lookupLocked(key); m != nil {
		if m.flags.Load()&PcacheLocked != 0 {
			return m, acquireBusy
		}
		m.refcount.Add(1)
		return m, acquireHit
	}
	for i := range s.ways {
		m := &s.ways[i]
		if m.flags.Load() == 0 && m.refcount.Load() == 0 {
			m.key = key
			m.flags.Store(PcacheLocked)
			m.refcount.Store(1)
			return m, acquireFill
		}
	}
	if m := s.victimLocked(); m != nil {
		m.flags.Or(PcacheLocked)
		return m, acquireEvict
	}
	return nil, acquireBusy
}

// release frees a locked way.
func (s *Set) release(m *Meta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.key = Key{}
	m.flags.Store(0)
}

// unlock clears PcacheLocked on m.
func (s *Set) unlock(m *Meta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.flags.And(^(PcacheLocked | PcacheWriteback))
}

func (c *Cache) backOff(ctx context.Context, interval time.Duration, retries uint64) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = interval
	b.MaxInterval = 100 * interval
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, retries), ctx)
}

// Lookup returns the valid line holding key with a reference held, or false
// if the line is not cached. The caller must Put the line.
func (c *Cache) Lookup(key Key) (*Meta, bool) {
	key.Addr = key.Addr.RoundDown()
	s := c.AddrToSet(key.Addr)
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.lookupLocked(key)
	if m == nil || m.flags.Load()&PcacheLocked != 0 {
		return nil, false
	}
	m.refcount.Add(1)
	return m, true
}

// Get returns the line holding key with a reference held, filling it from
// the backend if it is not cached. If the set is full, a line is evicted to
// make room. The caller must Put the line.
//
// Get waits, within the cache's retry bounds, for a line that is being
// filled or evicted. It returns an error wrapping linuxerr.EBUSY if the wait
// is exhausted.
func (c *Cache) Get(ctx context.Context, key Key) (*Meta, error) {
	key.Addr = key.Addr.RoundDown()
	s := c.AddrToSet(key.Addr)

	var meta *Meta
	op := func() error {
		m, res := s.acquire(key)
		switch res {
		case acquireHit:
			lookups.Increment("hit")
			meta = m
			return nil
		case acquireFill:
			lookups.Increment("miss")
			if err := c.fill(ctx, m); err != nil {
				return backoff.Permanent(err)
			}
			meta = m
			return nil
		case acquireEvict:
			if err := c.evictLocked(ctx, m); err != nil {
				if errors.Is(err, ErrInvariant) {
					return backoff.Permanent(err)
				}
				return err
			}
			return fmt.Errorf("evicted %v for %v: %w", m, key, linuxerr.EAGAIN)
		default:
			lookups.Increment("busy")
			return fmt.Errorf("set %d busy for %v: %w", s.index, key, linuxerr.EBUSY)
		}
	}
	if err := backoff.Retry(op, c.backOff(ctx, c.opts.GetInterval, c.opts.GetRetries)); err != nil {
		return nil, err
	}
	return meta, nil
}

// fill reads m's content from the backend. m is locked with a reference
// held; on failure the way is freed.
func (c *Cache) fill(ctx context.Context, m *Meta) error {
	if err := c.opts.Backend.ReadLine(ctx, m.key, c.Data(m)); err != nil {
		m.refcount.Store(0)
		m.set.release(m)
		return fmt.Errorf("failed to fill %v: %w", m.key, err)
	}
	s := m.set
	s.mu.Lock()
	m.flags.Store(PcacheValid)
	s.mu.Unlock()
	fills.Increment()
	return nil
}

// Put drops a reference taken by Get or Lookup.
func (c *Cache) Put(m *Meta) {
	if m.refcount.Add(-1) < 0 {
		panic(fmt.Sprintf("%v: reference count underflow", m))
	}
}

// Evict unmaps m from every page table, writes it back if dirty, and frees
// the way. It returns an error wrapping linuxerr.EBUSY if m is not a valid,
// unreferenced line.
func (c *Cache) Evict(ctx context.Context, m *Meta) error {
	s := m.set
	s.mu.Lock()
	if m.flags.Load()&(PcacheValid|PcacheLocked) != PcacheValid || m.refcount.Load() != 0 {
		s.mu.Unlock()
		return fmt.Errorf("cannot evict %v: %w", m, linuxerr.EBUSY)
	}
	m.flags.Or(PcacheLocked)
	s.mu.Unlock()
	return c.evictLocked(ctx, m)
}

// evictLocked evicts m, which the caller has locked.
func (c *Cache) evictLocked(ctx context.Context, m *Meta) error {
	timer := evictionDuration.Start()
	if err := c.unmapAll(ctx, m); err != nil {
		m.set.unlock(m)
		timer.Finish("error")
		return err
	}
	if m.flags.Load()&PcacheDirty != 0 {
		m.flags.Or(PcacheWriteback)
		if err := c.opts.Backend.WriteLine(ctx, m.key, c.Data(m)); err != nil {
			m.set.unlock(m)
			timer.Finish("error")
			return fmt.Errorf("failed to write back %v: %w", m.key, err)
		}
		writebacks.Increment()
	}
	m.set.release(m)
	evictions.Increment()
	timer.Finish("ok")
	return nil
}

// unmapAll calls TryToUnmap until it succeeds, within the cache's retry
// bounds.
func (c *Cache) unmapAll(ctx context.Context, m *Meta) error {
	op := func() error {
		st, err := m.set.TryToUnmap(ctx, m)
		if err != nil {
			return backoff.Permanent(err)
		}
		if st == RmapAgain {
			return fmt.Errorf("unmap of %v incomplete: %w", m, linuxerr.EAGAIN)
		}
		return nil
	}
	return backoff.Retry(op, c.backOff(ctx, c.opts.UnmapInterval, c.opts.UnmapRetries))
}
