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
	"net"
	"os"
	"os/signal"

	"disaggos.dev/disaggos/pkg/gsm"
	"disaggos.dev/disaggos/pkg/log"
	"disaggos.dev/disaggos/procmgr/cmd/util"
	"disaggos.dev/disaggos/procmgr/config"
	"github.com/google/subcommands"
	"golang.org/x/sys/unix"
)

// GSM implements subcommands.Command for the "gsm" command.
type GSM struct {
	addr string
}

// Name implements subcommands.Command.Name.
func (*GSM) Name() string {
	return "gsm"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*GSM) Synopsis() string {
	return "serve the global state manager"
}

// Usage implements subcommands.Command.Usage.
func (*GSM) Usage() string {
	return `gsm [flags] - serve home node assignments from the configuration until interrupted.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (g *GSM) SetFlags(f *flag.FlagSet) {
	f.StringVar(&g.addr, "addr", "", "address to listen on. Defaults to --gsm-addr.")
}

// Execute implements subcommands.Command.Execute.
func (g *GSM) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	addr := g.addr
	if addr == "" {
		addr = conf.GSMAddr
	}
	s := newGSMServer(conf)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return util.Errorf("listening on %q: %v", addr, err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, unix.SIGINT, unix.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			log.Infof("Received %v, stopping GSM", sig)
		case <-ctx.Done():
		}
		s.Stop()
	}()

	log.Infof("Serving GSM on %s with %d vnodes", lis.Addr(), len(s.VNodes()))
	if err := s.Serve(lis); err != nil {
		return util.Errorf("serving GSM: %v", err)
	}
	return subcommands.ExitSuccess
}

// newGSMServer returns a GSM server holding the configured assignments.
func newGSMServer(conf *config.Config) *gsm.Server {
	s := gsm.NewServer()
	for _, a := range conf.GSM.Assignments {
		s.Assign(a.GSMAssignment())
	}
	return s
}
