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

package node

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"

	"disaggos.dev/disaggos/pkg/errors/linuxerr"
	"disaggos.dev/disaggos/pkg/processor/task"
)

var fastPolicy = Policy{
	InitialInterval: time.Microsecond,
	MaxInterval:     time.Millisecond,
	MaxRetries:      5,
	MaxElapsed:      time.Second,
}

// scriptedGSM answers the n'th query with answers[n]. A negative answer
// leaves the fields untouched; past the end of the script the last answer
// repeats.
type scriptedGSM struct {
	answers []task.NodeID
	errs    []error
	calls   int
	vnodes  []task.VNodeID
}

func (g *scriptedGSM) Resolve(_ context.Context, vnode task.VNodeID, home *task.HomeNodes) error {
	i := min(g.calls, len(g.answers)-1)
	g.calls++
	g.vnodes = append(g.vnodes, vnode)
	if i < len(g.errs) && g.errs[i] != nil {
		return g.errs[i]
	}
	if n := g.answers[i]; n.Valid() {
		home.SetPgcacheHomeNode(n)
		home.SetStorageHomeNode(n + 100)
	}
	return nil
}

func newTask() *task.Task {
	return task.New(1, 1, "test", 4, nil)
}

func TestResolveAfterUnset(t *testing.T) {
	for _, attemptsBeforeAnswer := range []int{1, 2, 4} {
		t.Run(fmt.Sprintf("unset x%d", attemptsBeforeAnswer), func(t *testing.T) {
			answers := make([]task.NodeID, attemptsBeforeAnswer)
			for i := range answers {
				answers[i] = task.Unset
			}
			gsm := &scriptedGSM{answers: append(answers, 7)}
			r := NewResolver(gsm, Options{Policy: fastPolicy})
			tk := newTask()

			got, err := r.CurrentPgcacheHomeNode(context.Background(), tk)
			if err != nil {
				t.Fatalf("CurrentPgcacheHomeNode failed: %v", err)
			}
			if got != 7 {
				t.Errorf("CurrentPgcacheHomeNode got %v want 7", got)
			}
			if gsm.calls != attemptsBeforeAnswer+1 {
				t.Errorf("GSM queried %d times want %d", gsm.calls, attemptsBeforeAnswer+1)
			}

			// Resolved fields are served without a query.
			if got, err := r.CurrentStorageHomeNode(context.Background(), tk); err != nil || got != 107 {
				t.Errorf("CurrentStorageHomeNode got (%v, %v) want (107, nil)", got, err)
			}
			if gsm.calls != attemptsBeforeAnswer+1 {
				t.Errorf("resolved field triggered another query")
			}
		})
	}
}

func TestResolveTransportErrorsRetried(t *testing.T) {
	gsm := &scriptedGSM{
		answers: []task.NodeID{task.Unset, task.Unset, 2},
		errs:    []error{errors.New("connection refused"), linuxerr.EIO},
	}
	r := NewResolver(gsm, Options{Policy: fastPolicy})
	got, err := r.CurrentPgcacheHomeNode(context.Background(), newTask())
	if err != nil || got != 2 {
		t.Errorf("CurrentPgcacheHomeNode got (%v, %v) want (2, nil)", got, err)
	}
}

func TestResolveBounded(t *testing.T) {
	gsm := &scriptedGSM{answers: []task.NodeID{task.Unset}}
	r := NewResolver(gsm, Options{Policy: fastPolicy})
	got, err := r.CurrentPgcacheHomeNode(context.Background(), newTask())
	if got != task.Unset {
		t.Errorf("failed resolution returned node %v", got)
	}
	if !errors.Is(err, ErrUnresolved) || !linuxerr.Equals(linuxerr.ETIMEDOUT, err) {
		t.Errorf("CurrentPgcacheHomeNode got err %v want ErrUnresolved wrapping ETIMEDOUT", err)
	}
	if want := int(fastPolicy.MaxRetries) + 1; gsm.calls != want {
		t.Errorf("GSM queried %d times want %d", gsm.calls, want)
	}
}

func TestResolveUnknownVNodeIsPermanent(t *testing.T) {
	gsm := &scriptedGSM{
		answers: []task.NodeID{task.Unset},
		errs:    []error{fmt.Errorf("vnode 4: %w", linuxerr.ESRCH)},
	}
	r := NewResolver(gsm, Options{Policy: fastPolicy})
	_, err := r.CurrentStorageHomeNode(context.Background(), newTask())
	if !errors.Is(err, ErrUnresolved) || !linuxerr.Equals(linuxerr.ESRCH, err) {
		t.Errorf("got err %v want ErrUnresolved wrapping ESRCH", err)
	}
	if gsm.calls != 1 {
		t.Errorf("GSM queried %d times want 1", gsm.calls)
	}
}

func TestResolveQueriesCurrentVNode(t *testing.T) {
	gsm := &scriptedGSM{answers: []task.NodeID{task.Unset, 5}}
	r := NewResolver(gsm, Options{VNode: 9, Policy: fastPolicy})
	// The task was created on vnode 4 but runs on this node's vnode.
	if got, err := r.CurrentPgcacheHomeNode(context.Background(), newTask()); err != nil || got != 5 {
		t.Fatalf("CurrentPgcacheHomeNode got (%v, %v) want (5, nil)", got, err)
	}
	if want := []task.VNodeID{9, 9}; !slices.Equal(gsm.vnodes, want) {
		t.Errorf("GSM queried for vnodes %v want %v", gsm.vnodes, want)
	}
}

func TestResolveCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	gsm := GSMFunc(func(ctx context.Context, _ task.VNodeID, _ *task.HomeNodes) error {
		cancel()
		return ctx.Err()
	})
	r := NewResolver(gsm, Options{Policy: Policy{InitialInterval: time.Hour, MaxInterval: time.Hour, MaxRetries: 100}})
	start := time.Now()
	_, err := r.CurrentPgcacheHomeNode(ctx, newTask())
	if !errors.Is(err, context.Canceled) || !errors.Is(err, ErrUnresolved) {
		t.Errorf("got err %v want ErrUnresolved wrapping context.Canceled", err)
	}
	if elapsed := time.Since(start); elapsed > time.Minute {
		t.Errorf("cancelled resolution took %v", elapsed)
	}
}

func TestStaticHomes(t *testing.T) {
	r := NewResolver(nil, Options{Node: 3, VNode: 9})
	tk := newTask()
	if got := r.CurrentMemoryHomeNode(tk); got != task.Unset {
		t.Errorf("CurrentMemoryHomeNode got %v want unset", got)
	}
	tk.Home.SetMemoryHomeNode(1)
	tk.Home.SetReplicaNode(2)
	if got := r.CurrentMemoryHomeNode(tk); got != 1 {
		t.Errorf("CurrentMemoryHomeNode got %v want 1", got)
	}
	if got := r.CurrentReplicaNode(tk); got != 2 {
		t.Errorf("CurrentReplicaNode got %v want 2", got)
	}
	if r.CurrentNodeID() != 3 || r.CurrentVNodeID() != 9 {
		t.Errorf("node ids got (%v, %v) want (3, 9)", r.CurrentNodeID(), r.CurrentVNodeID())
	}
}
