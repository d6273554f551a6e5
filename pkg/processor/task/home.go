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

package task

import (
	"fmt"
	"strconv"

	"disaggos.dev/disaggos/pkg/atomicbitops"
	"disaggos.dev/disaggos/pkg/errors/linuxerr"
)

// NodeID identifies a node in the cluster.
type NodeID int32

// Unset is the NodeID of a home node that has not been resolved.
const Unset NodeID = -1

// Valid returns true if n names a node.
func (n NodeID) Valid() bool {
	return n >= 0
}

// String implements fmt.Stringer.String.
func (n NodeID) String() string {
	if n == Unset {
		return "unset"
	}
	return strconv.Itoa(int(n))
}

// VNodeID identifies a virtual node, the unit the GSM assigns home nodes to.
type VNodeID int32

// Field names one of the home-node fields.
type Field int

// Home-node fields.
const (
	MemoryHome Field = iota
	ReplicaHome
	PgcacheHome
	StorageHome
	NumFields
)

var fieldNames = [NumFields]string{"memory", "replica", "pgcache", "storage"}

// String implements fmt.Stringer.String.
func (f Field) String() string {
	if f < 0 || f >= NumFields {
		return fmt.Sprintf("Field(%d)", int(f))
	}
	return fieldNames[f]
}

// HomeNodes holds a task's four home nodes. Each field starts Unset and, once
// resolved, never returns to Unset. Fields are read and written atomically
// without a lock.
type HomeNodes struct {
	nodes [NumFields]atomicbitops.Int32
}

// NewHomeNodes returns HomeNodes with every field Unset.
func NewHomeNodes() *HomeNodes {
	h := &HomeNodes{}
	h.Reset()
	return h
}

// Reset sets every field to Unset. It is only for use before the HomeNodes
// is shared, e.g. when a task is created.
func (h *HomeNodes) Reset() {
	for i := range h.nodes {
		h.nodes[i].Store(int32(Unset))
	}
}

// Get returns the field's current value.
func (h *HomeNodes) Get(f Field) NodeID {
	return NodeID(h.nodes[f].Load())
}

// Set stores n in the field. It returns EINVAL if n is not a valid node,
// which includes any attempt to revert a field to Unset.
func (h *HomeNodes) Set(f Field, n NodeID) error {
	if !n.Valid() {
		return linuxerr.EINVAL
	}
	h.nodes[f].Store(int32(n))
	return nil
}

// MemoryHomeNode returns the node holding the task's memory.
func (h *HomeNodes) MemoryHomeNode() NodeID { return h.Get(MemoryHome) }

// SetMemoryHomeNode sets the node holding the task's memory.
func (h *HomeNodes) SetMemoryHomeNode(n NodeID) error { return h.Set(MemoryHome, n) }

// ReplicaNode returns the node holding the replica of the task's memory.
func (h *HomeNodes) ReplicaNode() NodeID { return h.Get(ReplicaHome) }

// SetReplicaNode sets the node holding the replica of the task's memory.
func (h *HomeNodes) SetReplicaNode(n NodeID) error { return h.Set(ReplicaHome, n) }

// PgcacheHomeNode returns the node hosting the task's page cache.
func (h *HomeNodes) PgcacheHomeNode() NodeID { return h.Get(PgcacheHome) }

// SetPgcacheHomeNode sets the node hosting the task's page cache.
func (h *HomeNodes) SetPgcacheHomeNode(n NodeID) error { return h.Set(PgcacheHome, n) }

// StorageHomeNode returns the node hosting the task's storage.
func (h *HomeNodes) StorageHomeNode() NodeID { return h.Get(StorageHome) }

// SetStorageHomeNode sets the node hosting the task's storage.
func (h *HomeNodes) SetStorageHomeNode(n NodeID) error { return h.Set(StorageHome, n) }

// String implements fmt.Stringer.String.
func (h *HomeNodes) String() string {
	return fmt.Sprintf("memory=%v replica=%v pgcache=%v storage=%v",
		h.MemoryHomeNode(), h.ReplicaNode(), h.PgcacheHomeNode(), h.StorageHomeNode())
}
