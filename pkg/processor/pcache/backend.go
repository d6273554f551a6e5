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
	"fmt"

	"disaggos.dev/disaggos/pkg/errors/linuxerr"
	"disaggos.dev/disaggos/pkg/sync"
)

// MemoryBackend simulates memory home nodes in process. Lines never written
// read as zeroes.
type MemoryBackend struct {
	mu     sync.Mutex
	lines  map[Key][]byte
	reads  int
	writes int
}

// NewMemoryBackend returns an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{lines: make(map[Key][]byte)}
}

func checkLine(key Key, b []byte) error {
	if !key.Home.Valid() {
		return fmt.Errorf("line %v has no home node: %w", key, linuxerr.EINVAL)
	}
	if len(b) != LineSize || !key.Addr.IsPageAligned() {
		return fmt.Errorf("misaligned line %v of %d bytes: %w", key, len(b), linuxerr.EINVAL)
	}
	return nil
}

// ReadLine implements Backend.ReadLine.
func (b *MemoryBackend) ReadLine(ctx context.Context, key Key, dst []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkLine(key, dst); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reads++
	if src, ok := b.lines[key]; ok {
		copy(dst, src)
	} else {
		clear(dst)
	}
	return nil
}

// WriteLine implements Backend.WriteLine.
func (b *MemoryBackend) WriteLine(ctx context.Context, key Key, src []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkLine(key, src); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writes++
	dst, ok := b.lines[key]
	if !ok {
		dst = make([]byte, LineSize)
		b.lines[key] = dst
	}
	copy(dst, src)
	return nil
}

// Counts returns the number of reads and writes served.
func (b *MemoryBackend) Counts() (reads, writes int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reads, b.writes
}

// Lines returns the number of lines stored.
func (b *MemoryBackend) Lines() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.lines)
}
