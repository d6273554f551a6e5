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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"disaggos.dev/disaggos/pkg/gsm"
	"disaggos.dev/disaggos/pkg/processor/node"
	"disaggos.dev/disaggos/pkg/processor/task"
	"disaggos.dev/disaggos/procmgr/cmd/util"
	"disaggos.dev/disaggos/procmgr/config"
	"github.com/google/subcommands"
)

// Resolve implements subcommands.Command for the "resolve" command.
type Resolve struct{}

// Name implements subcommands.Command.Name.
func (*Resolve) Name() string {
	return "resolve"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Resolve) Synopsis() string {
	return "query the GSM for the home nodes of a virtual node"
}

// Usage implements subcommands.Command.Usage.
func (*Resolve) Usage() string {
	return `resolve [flags] <vnode> - print the home nodes of vnode.

The pgcache and storage homes are resolved lazily with the configured retry
policy, so the command fails instead of waiting forever for an assignment.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Resolve) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Resolve) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	vnode, err := strconv.ParseInt(f.Arg(0), 10, 32)
	if err != nil || vnode < 0 {
		return util.Errorf("invalid vnode %q", f.Arg(0))
	}

	c, err := gsm.Dial(conf.GSMAddr)
	if err != nil {
		return util.Errorf("%v", err)
	}
	defer c.Close()

	if err := resolveHomes(ctx, c, conf, task.VNodeID(vnode), os.Stdout); err != nil {
		return util.Errorf("resolving vnode %d: %v", vnode, err)
	}
	return subcommands.ExitSuccess
}

// resolveHomes resolves every home node of vnode through g and prints them
// to w.
func resolveHomes(ctx context.Context, g node.GSM, conf *config.Config, vnode task.VNodeID, w io.Writer) error {
	// Memory and replica homes are assigned when a task is created, so
	// they are read once; the others go through the resolver.
	t := task.New(1, 1, "resolve", vnode, nil)
	if err := g.Resolve(ctx, vnode, &t.Home); err != nil {
		return err
	}
	opts := conf.ResolverOptions()
	opts.VNode = vnode
	r := node.NewResolver(g, opts)
	pgcache, err := r.CurrentPgcacheHomeNode(ctx, t)
	if err != nil {
		return err
	}
	storage, err := r.CurrentStorageHomeNode(ctx, t)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 8, 1, ' ', 0)
	fmt.Fprintf(tw, "VNODE\t%d\n", vnode)
	fmt.Fprintf(tw, "MEMORY\t%v\n", r.CurrentMemoryHomeNode(t))
	fmt.Fprintf(tw, "REPLICA\t%v\n", r.CurrentReplicaNode(t))
	fmt.Fprintf(tw, "PGCACHE\t%v\n", pgcache)
	fmt.Fprintf(tw, "STORAGE\t%v\n", storage)
	return tw.Flush()
}
