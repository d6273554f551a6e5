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

package tlb

import (
	"context"
	"fmt"
)

// LocalFlusher shoots down translations in the TLBs of the local node's CPUs.
// Each invalidation is applied synchronously to every CPU.
type LocalFlusher struct {
	cpus []*TLB
}

// NewLocalFlusher returns a flusher over ncpu TLBs of the given capacity.
func NewLocalFlusher(ncpu, capacity int) *LocalFlusher {
	f := &LocalFlusher{cpus: make([]*TLB, ncpu)}
	for i := range f.cpus {
		f.cpus[i] = New(capacity)
	}
	return f
}

// CPU returns the TLB of cpu.
func (f *LocalFlusher) CPU(cpu int) *TLB {
	return f.cpus[cpu]
}

// NumCPU returns the number of CPUs.
func (f *LocalFlusher) NumCPU() int {
	return len(f.cpus)
}

// Flush implements Flusher.Flush.
func (f *LocalFlusher) Flush(ctx context.Context, invs []Invalidation) error {
	if err := ctx.Err(); err != nil {
		flushes.Increment("error")
		return fmt.Errorf("flushing %d invalidations: %w", len(invs), err)
	}
	for _, t := range f.cpus {
		for _, inv := range invs {
			t.Invalidate(inv.ASID, inv.Addr)
		}
	}
	flushes.Increment("ok")
	return nil
}

// FlusherFunc adapts a function to the Flusher interface.
type FlusherFunc func(ctx context.Context, invs []Invalidation) error

// Flush implements Flusher.Flush.
func (fn FlusherFunc) Flush(ctx context.Context, invs []Invalidation) error {
	return fn(ctx, invs)
}
