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
	"fmt"

	"disaggos.dev/disaggos/pkg/errors/linuxerr"
	"disaggos.dev/disaggos/pkg/processor/task"
	"disaggos.dev/disaggos/pkg/sync"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// Client queries a remote GSM. It implements node.GSM.
type Client struct {
	conn *grpc.ClientConn
}

// Dial returns a client for the GSM at target. The connection is established
// lazily on the first query.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GSM client for %q: %w", target, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Lookup returns the GSM's current assignment of vnode. It returns an error
// wrapping linuxerr.ESRCH if the GSM does not know vnode.
func (c *Client) Lookup(ctx context.Context, vnode task.VNodeID) (Assignment, error) {
	var reply ResolveReply
	if err := c.conn.Invoke(ctx, resolveMethod, &ResolveRequest{VNode: vnode}, &reply); err != nil {
		return Unassigned, fromStatus(err)
	}
	return reply.Assignment, nil
}

// Resolve implements node.GSM.Resolve.
func (c *Client) Resolve(ctx context.Context, vnode task.VNodeID, home *task.HomeNodes) error {
	a, err := c.Lookup(ctx, vnode)
	if err != nil {
		return err
	}
	return a.Apply(home)
}

// fromStatus maps a gRPC error to the matching errno.
func fromStatus(err error) error {
	switch status.Code(err) {
	case codes.NotFound:
		return fmt.Errorf("%v: %w", err, linuxerr.ESRCH)
	case codes.DeadlineExceeded:
		return fmt.Errorf("%v: %w", err, linuxerr.ETIMEDOUT)
	case codes.Canceled:
		return fmt.Errorf("%v: %w", err, linuxerr.ECANCELED)
	case codes.Unavailable:
		return fmt.Errorf("%v: %w", err, linuxerr.EAGAIN)
	default:
		return fmt.Errorf("%v: %w", err, linuxerr.EIO)
	}
}

// Local answers queries from a Server's table in process. It implements
// node.GSM.
type Local struct {
	server *Server

	// lag is the number of queries per vnode answered with Unassigned before
	// the real assignment is returned.
	lag int

	mu      sync.Mutex
	queries map[task.VNodeID]int
}

// NewLocal returns a Local over s. The first lag queries for each vnode see
// no assignment, as if the GSM had not decided yet.
func NewLocal(s *Server, lag int) *Local {
	return &Local{server: s, lag: lag, queries: make(map[task.VNodeID]int)}
}

// Resolve implements node.GSM.Resolve.
func (l *Local) Resolve(ctx context.Context, vnode task.VNodeID, home *task.HomeNodes) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a, ok := l.server.Lookup(vnode)
	if !ok {
		return fmt.Errorf("unknown vnode %d: %w", vnode, linuxerr.ESRCH)
	}
	l.mu.Lock()
	n := l.queries[vnode]
	l.queries[vnode] = n + 1
	l.mu.Unlock()
	if n < l.lag {
		return nil
	}
	return a.Apply(home)
}
