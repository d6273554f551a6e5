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

// Package node resolves the home nodes of the current task.
//
// Memory and replica homes are assigned when a task is created and are read
// directly. Pgcache and storage homes are resolved lazily through the Global
// State Manager the first time they are needed. Resolution is bounded: it
// either yields a valid node or fails with ErrUnresolved. It never returns
// task.Unset.
//
// Resolution may block. It must not be called while holding a pcache set
// lock.
package node

import (
	"context"
	"errors"
	"fmt"
	"time"

	"disaggos.dev/disaggos/pkg/errors/linuxerr"
	"disaggos.dev/disaggos/pkg/log"
	"disaggos.dev/disaggos/pkg/metric"
	"disaggos.dev/disaggos/pkg/processor/task"
	"github.com/cenkalti/backoff"
)

// ErrUnresolved is returned when a home node could not be resolved within
// the resolution policy. Errors wrapping it also wrap linuxerr.ETIMEDOUT.
var ErrUnresolved = errors.New("home node unresolved")

// errStillUnset is returned by a resolution attempt after which the field is
// still Unset.
var errStillUnset = errors.New("GSM answered but field is still unset")

// GSM is the Global State Manager as seen by a processor node.
type GSM interface {
	// Resolve asks the GSM for the home nodes of vnode and stores every
	// resolved node in home. Fields the GSM cannot resolve yet are left
	// unchanged. It returns an error wrapping linuxerr.ESRCH if the GSM does
	// not know vnode.
	Resolve(ctx context.Context, vnode task.VNodeID, home *task.HomeNodes) error
}

// GSMFunc adapts a function to the GSM interface.
type GSMFunc func(ctx context.Context, vnode task.VNodeID, home *task.HomeNodes) error

// Resolve implements GSM.Resolve.
func (f GSMFunc) Resolve(ctx context.Context, vnode task.VNodeID, home *task.HomeNodes) error {
	return f(ctx, vnode, home)
}

// Policy bounds lazy resolution.
type Policy struct {
	// InitialInterval is the delay before the first retry.
	InitialInterval time.Duration

	// MaxInterval caps the delay between retries.
	MaxInterval time.Duration

	// MaxRetries is the number of retries after the first attempt. Zero
	// means no bound other than MaxElapsed.
	MaxRetries uint64

	// MaxElapsed bounds the total time spent resolving. Zero means no
	// bound other than MaxRetries. At least one of the two is always set.
	MaxElapsed time.Duration
}

// DefaultPolicy is used when Options.Policy is zero.
var DefaultPolicy = Policy{
	InitialInterval: time.Millisecond,
	MaxInterval:     100 * time.Millisecond,
	MaxRetries:      10,
	MaxElapsed:      2 * time.Second,
}

var (
	fieldValues = []string{
		task.MemoryHome.String(),
		task.ReplicaHome.String(),
		task.PgcacheHome.String(),
		task.StorageHome.String(),
	}

	resolveAttempts = metric.MustCreateNewUint64Metric("gsm_resolve_attempts_total", "Number of GSM resolution queries.", metric.NewField("field", fieldValues))
	resolveFailures = metric.MustCreateNewUint64Metric("gsm_resolve_failures_total", "Number of resolutions that ended without a home node.", metric.NewField("field", fieldValues))
	resolveLatency  = metric.MustCreateNewTimerMetric("gsm_resolve_seconds", "Latency of lazy home node resolution.", nil, metric.NewField("result", []string{"ok", "error"}))
)

// Options configures a Resolver.
type Options struct {
	// Node is this processor node's ID.
	Node task.NodeID

	// VNode is the virtual node served by this processor node.
	VNode task.VNodeID

	// Policy bounds lazy resolution.
	Policy Policy
}

// Resolver answers home-node queries for tasks on this node.
type Resolver struct {
	gsm    GSM
	opts   Options
	logger log.Logger
}

// NewResolver returns a Resolver querying gsm.
func NewResolver(gsm GSM, opts Options) *Resolver {
	if opts.Policy == (Policy{}) {
		opts.Policy = DefaultPolicy
	}
	if opts.Policy.MaxRetries == 0 && opts.Policy.MaxElapsed == 0 {
		opts.Policy.MaxElapsed = DefaultPolicy.MaxElapsed
	}
	return &Resolver{
		gsm:    gsm,
		opts:   opts,
		logger: log.BasicRateLimitedLogger(time.Second),
	}
}

// CurrentNodeID returns this processor node's ID.
func (r *Resolver) CurrentNodeID() task.NodeID {
	return r.opts.Node
}

// CurrentVNodeID returns the virtual node served by this processor node.
func (r *Resolver) CurrentVNodeID() task.VNodeID {
	return r.opts.VNode
}

// CurrentMemoryHomeNode returns t's memory home node. It is assigned at task
// creation and may be task.Unset if it never was.
func (r *Resolver) CurrentMemoryHomeNode(t *task.Task) task.NodeID {
	return t.Home.MemoryHomeNode()
}

// CurrentReplicaNode returns t's replica node, or task.Unset.
func (r *Resolver) CurrentReplicaNode(t *task.Task) task.NodeID {
	return t.Home.ReplicaNode()
}

// CurrentPgcacheHomeNode returns t's pgcache home node, resolving it through
// the GSM if necessary.
func (r *Resolver) CurrentPgcacheHomeNode(ctx context.Context, t *task.Task) (task.NodeID, error) {
	return r.resolve(ctx, t, task.PgcacheHome)
}

// CurrentStorageHomeNode returns t's storage home node, resolving it through
// the GSM if necessary.
func (r *Resolver) CurrentStorageHomeNode(ctx context.Context, t *task.Task) (task.NodeID, error) {
	return r.resolve(ctx, t, task.StorageHome)
}

// resolve returns the field's value once it is valid. On failure the
// returned node is task.Unset and the error is non-nil.
func (r *Resolver) resolve(ctx context.Context, t *task.Task, field task.Field) (task.NodeID, error) {
	if n := t.Home.Get(field); n.Valid() {
		return n, nil
	}

	vnode := r.CurrentVNodeID()
	timer := resolveLatency.Start()
	attempts := 0
	resolved := task.Unset
	op := func() error {
		attempts++
		resolveAttempts.Increment(field.String())
		if err := r.gsm.Resolve(ctx, vnode, &t.Home); err != nil {
			if linuxerr.Equals(linuxerr.ESRCH, err) {
				return backoff.Permanent(err)
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return backoff.Permanent(ctxErr)
			}
			r.logger.Debugf("GSM query for vnode %d failed: %v", vnode, err)
			return err
		}
		if n := t.Home.Get(field); n.Valid() {
			resolved = n
			return nil
		}
		return errStillUnset
	}

	p := r.opts.Policy
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialInterval
	eb.MaxInterval = p.MaxInterval
	eb.MaxElapsedTime = p.MaxElapsed
	b := backoff.WithContext(backoff.WithMaxRetries(eb, p.MaxRetries), ctx)

	if err := backoff.Retry(op, b); err != nil || !resolved.Valid() {
		if err == nil {
			err = errStillUnset
		}
		timer.Finish("error")
		resolveFailures.Increment(field.String())
		r.logger.Warningf("Unable to resolve %v home of task %v (vnode %d) after %d attempts: %v", field, t, vnode, attempts, err)
		return task.Unset, fmt.Errorf("%w: %v home of vnode %d after %d attempts: %w: %w", ErrUnresolved, field, vnode, attempts, err, linuxerr.ETIMEDOUT)
	}
	timer.Finish("ok")
	return resolved, nil
}
