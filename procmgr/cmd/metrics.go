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
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"time"

	"disaggos.dev/disaggos/pkg/log"
	"disaggos.dev/disaggos/pkg/metric"
	"disaggos.dev/disaggos/procmgr/cmd/util"
	"disaggos.dev/disaggos/procmgr/config"
	"github.com/google/subcommands"
	"golang.org/x/sys/unix"
)

const httpTimeout = 10 * time.Second

// Metrics implements subcommands.Command for the "metrics" command.
type Metrics struct {
	simulate bool
}

// Name implements subcommands.Command.Name.
func (*Metrics) Name() string {
	return "metrics"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Metrics) Synopsis() string {
	return "serve Prometheus metrics over HTTP"
}

// Usage implements subcommands.Command.Usage.
func (*Metrics) Usage() string {
	return `--metrics-addr=<addr> metrics [flags] - serve /metrics until interrupted.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *Metrics) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&m.simulate, "simulate", false, "run a simulation in the background so the counters move.")
}

// Execute implements subcommands.Command.Execute.
func (m *Metrics) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	ctx, cancel := signal.NotifyContext(ctx, unix.SIGINT, unix.SIGTERM)
	defer cancel()

	lis, err := (&net.ListenConfig{}).Listen(ctx, "tcp", conf.MetricsAddr)
	if err != nil {
		return util.Errorf("cannot listen on TCP address %q: %v", conf.MetricsAddr, err)
	}
	if m.simulate {
		go func() {
			if _, err := runSimulation(ctx, conf); err != nil && ctx.Err() == nil {
				log.Warningf("Simulation failed: %v", err)
			}
		}()
	}
	if err := serveMetrics(ctx, lis); err != nil {
		return util.Errorf("%v", err)
	}
	return subcommands.ExitSuccess
}

// serveMetrics serves the metric handler on lis until ctx is done.
func serveMetrics(ctx context.Context, lis net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metric.Handler())
	mux.HandleFunc("/healthcheck", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, "ok")
	})
	srv := &http.Server{
		Handler:      mux,
		ReadTimeout:  httpTimeout,
		WriteTimeout: httpTimeout,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpTimeout)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Infof("Serving metrics on %s", lis.Addr())
	err := srv.Serve(lis)
	log.Infof("Metrics server has stopped accepting requests.")
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return fmt.Errorf("cannot serve on address %s: %w", lis.Addr(), err)
}

func init() {
	metric.MustRegisterGauge("procmgr_start_time_seconds", "Unix time the process manager started.", func() float64 {
		return float64(startTime.Unix())
	})
}

var startTime = time.Now()
