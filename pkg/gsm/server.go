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

// Package gsm implements the Global State Manager: the cluster service that
// assigns each virtual node its memory, replica, pgcache and storage homes.
//
// The GSM is served over gRPC as gsm.GlobalStateManager/Resolve with JSON
// messages. Client and Local both implement node.GSM.
package gsm

import (
	"context"
	"fmt"
	"net"
	"sort"
	"time"

	"disaggos.dev/disaggos/pkg/log"
	"disaggos.dev/disaggos/pkg/metric"
	"disaggos.dev/disaggos/pkg/processor/task"
	"disaggos.dev/disaggos/pkg/sync"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	serviceName   = "gsm.GlobalStateManager"
	resolveMethod = "/" + serviceName + "/Resolve"
)

// Assignment is the set of home nodes of one virtual node. Fields not yet
// assigned are task.Unset.
type Assignment struct {
	Memory  task.NodeID `json:"memory" toml:"memory" yaml:"memory"`
	Replica task.NodeID `json:"replica" toml:"replica" yaml:"replica"`
	Pgcache task.NodeID `json:"pgcache" toml:"pgcache" yaml:"pgcache"`
	Storage task.NodeID `json:"storage" toml:"storage" yaml:"storage"`
}

// Unassigned is an Assignment with every field Unset.
var Unassigned = Assignment{Memory: task.Unset, Replica: task.Unset, Pgcache: task.Unset, Storage: task.Unset}

// Apply stores every assigned field of a in home. Unset fields leave home
// untouched; any other invalid node is an error and stops the update.
func (a Assignment) Apply(home *task.HomeNodes) error {
	for f, n := range a.fields() {
		if n == task.Unset {
			continue
		}
		if err := home.Set(task.Field(f), n); err != nil {
			return fmt.Errorf("%v home node %d: %w", task.Field(f), n, err)
		}
	}
	return nil
}

// fields returns the nodes indexed by task.Field.
func (a Assignment) fields() [task.NumFields]task.NodeID {
	var nodes [task.NumFields]task.NodeID
	nodes[task.MemoryHome] = a.Memory
	nodes[task.ReplicaHome] = a.Replica
	nodes[task.PgcacheHome] = a.Pgcache
	nodes[task.StorageHome] = a.Storage
	return nodes
}

// String implements fmt.Stringer.String.
func (a Assignment) String() string {
	return fmt.Sprintf("memory=%v replica=%v pgcache=%v storage=%v", a.Memory, a.Replica, a.Pgcache, a.Storage)
}

// ResolveRequest is the request of gsm.GlobalStateManager/Resolve.
type ResolveRequest struct {
	VNode task.VNodeID `json:"vnode"`
}

// ResolveReply is the reply of gsm.GlobalStateManager/Resolve.
type ResolveReply struct {
	Assignment Assignment `json:"assignment"`
}

var requests = metric.MustCreateNewUint64Metric("gsm_requests_total", "Number of Resolve requests served.", metric.NewField("result", []string{"ok", "unknown"}))

// resolver is the handler type of the service.
type resolver interface {
	resolve(ctx context.Context, req *ResolveRequest) (*ResolveReply, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*resolver)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Resolve",
			Handler:    resolveHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "gsm",
}

func resolveHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ResolveRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(resolver).resolve(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: resolveMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(resolver).resolve(ctx, req.(*ResolveRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// logRequests logs every call at debug level.
func logRequests(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	log.Debugf("GSM %s %+v -> %+v, err: %v (%v)", info.FullMethod, req, resp, err, time.Since(start))
	return resp, err
}

// Server holds the assignment table and serves it over gRPC.
type Server struct {
	mu    sync.RWMutex
	table map[task.VNodeID]Assignment

	grpc *grpc.Server
}

// NewServer returns a server with an empty table.
func NewServer(opts ...grpc.ServerOption) *Server {
	s := &Server{
		table: make(map[task.VNodeID]Assignment),
		grpc:  grpc.NewServer(append(opts, grpc.ChainUnaryInterceptor(logRequests))...),
	}
	s.grpc.RegisterService(&serviceDesc, s)
	return s
}

// Assign sets the assignment of vnode. Unset fields in a leave the current
// assignment of that field unchanged.
func (s *Server) Assign(vnode task.VNodeID, a Assignment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.table[vnode]
	if !ok {
		cur = Unassigned
	}
	if a.Memory.Valid() {
		cur.Memory = a.Memory
	}
	if a.Replica.Valid() {
		cur.Replica = a.Replica
	}
	if a.Pgcache.Valid() {
		cur.Pgcache = a.Pgcache
	}
	if a.Storage.Valid() {
		cur.Storage = a.Storage
	}
	s.table[vnode] = cur
	log.Infof("GSM: vnode %d assigned %v", vnode, cur)
}

// Lookup returns the assignment of vnode.
func (s *Server) Lookup(vnode task.VNodeID) (Assignment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.table[vnode]
	return a, ok
}

// VNodes returns every known vnode in ascending order.
func (s *Server) VNodes() []task.VNodeID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vnodes := make([]task.VNodeID, 0, len(s.table))
	for v := range s.table {
		vnodes = append(vnodes, v)
	}
	sort.Slice(vnodes, func(i, j int) bool { return vnodes[i] < vnodes[j] })
	return vnodes
}

func (s *Server) resolve(_ context.Context, req *ResolveRequest) (*ResolveReply, error) {
	a, ok := s.Lookup(req.VNode)
	if !ok {
		requests.Increment("unknown")
		return nil, status.Errorf(codes.NotFound, "unknown vnode %d", req.VNode)
	}
	requests.Increment("ok")
	return &ResolveReply{Assignment: a}, nil
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	log.Infof("GSM serving on %v", lis.Addr())
	return s.grpc.Serve(lis)
}

// Stop stops the server, waiting for pending requests to complete.
func (s *Server) Stop() {
	s.grpc.GracefulStop()
}
