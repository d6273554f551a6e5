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

// Package task provides the processor manager's task records: identity,
// address space, and home nodes.
//
// Cache metadata refers to tasks by ID only. A Registry resolves IDs to
// tasks for as long as they are registered.
package task

import (
	"context"
	"fmt"
	"slices"

	"disaggos.dev/disaggos/pkg/errors/linuxerr"
	"disaggos.dev/disaggos/pkg/mm"
	"disaggos.dev/disaggos/pkg/sync"
)

// ID identifies a task. IDs are never zero.
type ID int32

// Task is a thread of execution on this processor node.
type Task struct {
	// ID is the task's unique identifier. It is immutable.
	ID ID

	// TGID is the ID of the thread group leader. It is immutable.
	TGID ID

	// Comm is the task's command name.
	Comm string

	// VNode is the virtual node the task belongs to. It is immutable.
	VNode VNodeID

	// Home holds the task's home nodes.
	Home HomeNodes

	// MM is the task's address space. Tasks in one thread group share it,
	// each holding a user reference.
	MM *mm.MemoryManager

	// CPU is the CPU the task last ran on.
	CPU int
}

// New returns a task with Unset home nodes.
func New(id, tgid ID, comm string, vnode VNodeID, m *mm.MemoryManager) *Task {
	t := &Task{ID: id, TGID: tgid, Comm: comm, VNode: vnode, MM: m}
	t.Home.Reset()
	return t
}

// String implements fmt.Stringer.String.
func (t *Task) String() string {
	return fmt.Sprintf("%s[%d]", t.Comm, t.ID)
}

// Registry maps task IDs to live tasks.
type Registry struct {
	mu    sync.RWMutex
	tasks map[ID]*Task
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[ID]*Task)}
}

// Register adds t. It returns EINVAL for a zero ID and EEXIST if the ID is
// already registered.
func (r *Registry) Register(t *Task) error {
	if t.ID == 0 {
		return linuxerr.EINVAL
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[t.ID]; ok {
		return linuxerr.EEXIST
	}
	r.tasks[t.ID] = t
	return nil
}

// Unregister removes the task with the given ID. It returns ESRCH if none
// is registered.
func (r *Registry) Unregister(id ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[id]; !ok {
		return linuxerr.ESRCH
	}
	delete(r.tasks, id)
	return nil
}

// Lookup returns the task with the given ID.
func (r *Registry) Lookup(id ID) (*Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	return t, ok
}

// Len returns the number of registered tasks.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}

// ForEach calls fn for every registered task in ID order. fn is called
// without the registry lock held.
func (r *Registry) ForEach(fn func(t *Task)) {
	r.mu.RLock()
	tasks := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		tasks = append(tasks, t)
	}
	r.mu.RUnlock()
	slices.SortFunc(tasks, func(a, b *Task) int { return int(a.ID) - int(b.ID) })
	for _, t := range tasks {
		fn(t)
	}
}

type contextID int

const ctxTask contextID = iota

// WithTask returns a context carrying t as the current task.
func WithTask(ctx context.Context, t *Task) context.Context {
	return context.WithValue(ctx, ctxTask, t)
}

// FromContext returns the current task, or nil if ctx carries none.
func FromContext(ctx context.Context) *Task {
	if t, ok := ctx.Value(ctxTask).(*Task); ok {
		return t
	}
	return nil
}
