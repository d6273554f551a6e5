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

package gsm

import (
	"context"
	"net"
	"testing"
	"time"

	"disaggos.dev/disaggos/pkg/errors/linuxerr"
	"disaggos.dev/disaggos/pkg/processor/node"
	"disaggos.dev/disaggos/pkg/processor/task"
	"github.com/google/go-cmp/cmp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

var (
	_ node.GSM = (*Client)(nil)
	_ node.GSM = (*Local)(nil)
)

// startServer serves s over an in-memory listener and returns a client
// connected to it.
func startServer(t *testing.T, s *Server) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 16)
	go s.Serve(lis)
	t.Cleanup(s.Stop)

	c, err := Dial("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestAssignMerges(t *testing.T) {
	s := NewServer()
	s.Assign(1, Assignment{Memory: 2, Replica: 3, Pgcache: task.Unset, Storage: task.Unset})
	s.Assign(1, Assignment{Memory: task.Unset, Replica: task.Unset, Pgcache: 4, Storage: 5})
	got, ok := s.Lookup(1)
	if !ok {
		t.Fatalf("Lookup(1) missed")
	}
	if diff := cmp.Diff(Assignment{Memory: 2, Replica: 3, Pgcache: 4, Storage: 5}, got); diff != "" {
		t.Errorf("assignment mismatch (-want +got):\n%s", diff)
	}
	s.Assign(0, Unassigned)
	if diff := cmp.Diff([]task.VNodeID{0, 1}, s.VNodes()); diff != "" {
		t.Errorf("VNodes mismatch (-want +got):\n%s", diff)
	}
}

func TestAssignmentApply(t *testing.T) {
	for _, test := range []struct {
		name    string
		a       Assignment
		want    string
		wantErr bool
	}{
		{
			name: "partial",
			a:    Assignment{Memory: 1, Replica: task.Unset, Pgcache: 4, Storage: task.Unset},
			want: "memory=1 replica=unset pgcache=4 storage=unset",
		},
		{
			name:    "malformed node",
			a:       Assignment{Memory: 1, Replica: task.Unset, Pgcache: -7, Storage: 5},
			want:    "memory=1 replica=unset pgcache=unset storage=unset",
			wantErr: true,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			home := task.NewHomeNodes()
			err := test.a.Apply(home)
			if got := linuxerr.Equals(linuxerr.EINVAL, err); got != test.wantErr {
				t.Errorf("Apply got err %v want EINVAL: %t", err, test.wantErr)
			}
			if got := home.String(); got != test.want {
				t.Errorf("home nodes got %q want %q", got, test.want)
			}
		})
	}
}

func TestClientResolve(t *testing.T) {
	s := NewServer()
	s.Assign(7, Assignment{Memory: 1, Replica: 2, Pgcache: 3, Storage: task.Unset})
	c := startServer(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	home := task.NewHomeNodes()
	if err := c.Resolve(ctx, 7, home); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got, want := home.String(), "memory=1 replica=2 pgcache=3 storage=unset"; got != want {
		t.Errorf("home after Resolve got %q want %q", got, want)
	}

	if err := c.Resolve(ctx, 8, home); !linuxerr.Equals(linuxerr.ESRCH, err) {
		t.Errorf("Resolve unknown vnode got %v want ESRCH", err)
	}
}

func TestClientWithResolver(t *testing.T) {
	s := NewServer()
	s.Assign(3, Unassigned)
	c := startServer(t, s)

	// The storage home is assigned while the resolver is retrying.
	go func() {
		time.Sleep(5 * time.Millisecond)
		s.Assign(3, Assignment{Memory: task.Unset, Replica: task.Unset, Pgcache: task.Unset, Storage: 9})
	}()

	r := node.NewResolver(c, node.Options{VNode: 3, Policy: node.Policy{
		InitialInterval: time.Millisecond,
		MaxInterval:     10 * time.Millisecond,
		MaxElapsed:      10 * time.Second,
	}})
	tk := task.New(1, 1, "t", 3, nil)
	got, err := r.CurrentStorageHomeNode(context.Background(), tk)
	if err != nil || got != 9 {
		t.Errorf("CurrentStorageHomeNode got (%v, %v) want (9, nil)", got, err)
	}
}

func TestLocalLag(t *testing.T) {
	s := NewServer()
	s.Assign(2, Assignment{Memory: 1, Replica: 1, Pgcache: 4, Storage: 6})
	l := NewLocal(s, 2)
	home := task.NewHomeNodes()
	for i := 0; i < 2; i++ {
		if err := l.Resolve(context.Background(), 2, home); err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if home.PgcacheHomeNode().Valid() {
			t.Fatalf("query %d resolved before lag elapsed", i)
		}
	}
	if err := l.Resolve(context.Background(), 2, home); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got := home.PgcacheHomeNode(); got != 4 {
		t.Errorf("pgcache home got %v want 4", got)
	}
	if err := l.Resolve(context.Background(), 5, home); !linuxerr.Equals(linuxerr.ESRCH, err) {
		t.Errorf("Resolve unknown vnode got %v want ESRCH", err)
	}
}
