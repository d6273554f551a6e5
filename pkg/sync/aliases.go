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

// Package sync provides the synchronization primitives used throughout the
// processor manager. Code outside this package should import it instead of
// the standard library's sync so that lock types can be swapped in one place.
package sync

import (
	"sync"
)

// Aliases of standard library types.
type (
	// Mutex is an alias of sync.Mutex.
	Mutex = sync.Mutex

	// RWMutex is an alias of sync.RWMutex.
	RWMutex = sync.RWMutex
)

// NoCopy may be embedded into structs which must not be copied after first
// use. go vet's copylocks check reports copies of any type with Lock and
// Unlock methods.
type NoCopy struct{}

// Lock is a no-op used by the copylocks checker.
func (*NoCopy) Lock() {}

// Unlock is a no-op used by the copylocks checker.
func (*NoCopy) Unlock() {}
