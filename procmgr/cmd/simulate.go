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
	"io"
	"math/rand"
	"os"

	"disaggos.dev/disaggos/pkg/atomicbitops"
	"disaggos.dev/disaggos/pkg/errors/linuxerr"
	"disaggos.dev/disaggos/pkg/gsm"
	"disaggos.dev/disaggos/pkg/hostarch"
	"disaggos.dev/disaggos/pkg/log"
	"disaggos.dev/disaggos/pkg/metric"
	"disaggos.dev/disaggos/pkg/mm"
	"disaggos.dev/disaggos/pkg/processor/fault"
	"disaggos.dev/disaggos/pkg/processor/node"
	"disaggos.dev/disaggos/pkg/processor/pcache"
	"disaggos.dev/disaggos/pkg/processor/pgtable"
	"disaggos.dev/disaggos/pkg/processor/task"
	"disaggos.dev/disaggos/pkg/processor/tlb"
	"disaggos.dev/disaggos/procmgr/cmd/util"
	"disaggos.dev/disaggos/procmgr/config"
	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
)

// Simulate implements subcommands.Command for the "simulate" command.
type Simulate struct {
	metrics bool
}

// Name implements subcommands.Command.Name.
func (*Simulate) Name() string {
	return "simulate"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Simulate) Synopsis() string {
	return "run concurrent faults and evictions against an in-process cache"
}

// Usage implements subcommands.Command.Usage.
func (*Simulate) Usage() string {
	return `simulate [flags] - fault and evict pages from several tasks at once, then
check that page tables and the cache's reverse mappings agree.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Simulate) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&s.metrics, "metrics", false, "print metrics in the Prometheus text format when done.")
}

// Execute implements subcommands.Command.Execute.
func (s *Simulate) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	res, err := runSimulation(ctx, conf)
	if errors.Is(err, pcache.ErrInvariant) {
		util.Fatalf("simulation hit an invariant violation: %v", err)
	}
	if err != nil {
		return util.Errorf("simulation failed: %v", err)
	}
	res.write(os.Stdout)
	if s.metrics {
		if err := metric.WriteText(os.Stdout); err != nil {
			return util.Errorf("writing metrics: %v", err)
		}
	}
	return subcommands.ExitSuccess
}

// simResult summarizes a simulation.
type simResult struct {
	Faults     int64
	Failed     int64
	Evictions  int64
	EvictBusy  int64
	Mapped     int64
	ValidLines int
	Reads      int
	Writes     int
}

func (r *simResult) write(w io.Writer) {
	fmt.Fprintf(w, "faults:      %d (%d failed)\n", r.Faults, r.Failed)
	fmt.Fprintf(w, "evictions:   %d (%d busy)\n", r.Evictions, r.EvictBusy)
	fmt.Fprintf(w, "mapped:      %d entries in %d valid lines\n", r.Mapped, r.ValidLines)
	fmt.Fprintf(w, "backend:     %d reads, %d writes\n", r.Reads, r.Writes)
}

const (
	// appBase is where each task's VMAs start.
	appBase = hostarch.Addr(0x400000)

	// sharedLocal is the local view shared by every task's second VMA.
	sharedLocal = hostarch.Addr(0x10000000)

	// privateLocal is the base of each task's private local view.
	privateLocal = hostarch.Addr(0x40000000)
)

type simulation struct {
	conf    *config.Config
	cache   *pcache.Cache
	backend *pcache.MemoryBackend
	flusher *tlb.LocalFlusher
	handler *fault.Handler
	tasks   []*task.Task

	faults    atomicbitops.Int64
	failed    atomicbitops.Int64
	evictions atomicbitops.Int64
	evictBusy atomicbitops.Int64
}

// newSimulation builds a GSM, a cache and conf.Simulate.Tasks tasks, each
// with a private VMA and a VMA whose local view all tasks share.
func newSimulation(ctx context.Context, conf *config.Config) (*simulation, error) {
	vnode := task.VNodeID(conf.VNode)
	server := newGSMServer(conf)
	if _, ok := server.Lookup(vnode); !ok {
		n := task.NodeID(conf.Node)
		server.Assign(vnode, gsm.Assignment{Memory: n + 1, Replica: n + 2, Pgcache: n + 3, Storage: n + 4})
	}
	assigned, _ := server.Lookup(vnode)
	if !assigned.Memory.Valid() {
		return nil, fmt.Errorf("vnode %d has no memory home: %w", vnode, linuxerr.EINVAL)
	}

	reg := task.NewRegistry()
	sim := &simulation{
		conf:    conf,
		backend: pcache.NewMemoryBackend(),
		flusher: tlb.NewLocalFlusher(conf.TLB.CPUs, conf.TLB.Entries),
	}
	opts := conf.PcacheOptions()
	opts.Backend = sim.backend
	opts.Flusher = sim.flusher
	opts.Owners = reg
	c, err := pcache.New(opts)
	if err != nil {
		return nil, err
	}
	sim.cache = c
	sim.handler = &fault.Handler{
		Cache:    c,
		Resolver: node.NewResolver(gsm.NewLocal(server, conf.Simulate.GSMLag), conf.ResolverOptions()),
		Flusher:  sim.flusher,
	}

	size := hostarch.Addr(conf.Simulate.Pages * hostarch.PageSize)
	for i := 0; i < conf.Simulate.Tasks; i++ {
		m := mm.NewMemoryManager(mm.Options{ASID: tlb.ASID(i + 1), Unmap: sim.handler.UnmapFunc()})
		private := mm.VMA{
			Start:      appBase,
			End:        appBase + size,
			LocalStart: privateLocal + hostarch.Addr(i)*size,
			LocalEnd:   privateLocal + hostarch.Addr(i+1)*size,
			Flags:      mm.VMRead | mm.VMWrite,
		}
		shared := mm.VMA{
			Start:      appBase + 2*size,
			End:        appBase + 3*size,
			LocalStart: sharedLocal,
			LocalEnd:   sharedLocal + size,
			Flags:      mm.VMRead | mm.VMWrite | mm.VMShared,
			File:       "shm",
		}
		for _, v := range []mm.VMA{private, shared} {
			if _, err := m.InsertVMA(v); err != nil {
				return nil, fmt.Errorf("inserting %v: %w", v, err)
			}
		}
		id := task.ID(i + 1)
		t := task.New(id, id, fmt.Sprintf("sim%d", i), vnode, m)
		t.CPU = i % conf.TLB.CPUs
		if err := t.Home.SetMemoryHomeNode(assigned.Memory); err != nil {
			return nil, err
		}
		if assigned.Replica.Valid() {
			if err := t.Home.SetReplicaNode(assigned.Replica); err != nil {
				return nil, err
			}
		}
		if err := reg.Register(t); err != nil {
			return nil, err
		}
		sim.tasks = append(sim.tasks, t)
	}
	return sim, nil
}

// run faults conf.Simulate.Faults pages in total, spread over the tasks, and
// evicts a random line every conf.Simulate.EvictEvery faults.
func (sim *simulation) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	perTask := sim.conf.Simulate.Faults / len(sim.tasks)
	for i, t := range sim.tasks {
		t := t
		rng := rand.New(rand.NewSource(sim.conf.Simulate.Seed + int64(i)))
		g.Go(func() error {
			if _, err := sim.handler.Resolver.CurrentPgcacheHomeNode(ctx, t); err != nil {
				return fmt.Errorf("task %v: %w", t, err)
			}
			for n := 0; n < perTask; n++ {
				if err := sim.fault(ctx, t, rng); err != nil {
					return err
				}
				if every := sim.conf.Simulate.EvictEvery; every > 0 && n%every == every-1 {
					if err := sim.evict(ctx, rng); err != nil {
						return err
					}
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func (sim *simulation) fault(ctx context.Context, t *task.Task, rng *rand.Rand) error {
	size := sim.conf.Simulate.Pages * hostarch.PageSize
	addr := appBase + hostarch.Addr(rng.Intn(size))
	if rng.Intn(2) == 1 {
		addr += hostarch.Addr(2 * size)
	}
	at := hostarch.Read
	if rng.Intn(4) == 0 {
		at = hostarch.Write
	}
	sim.faults.Add(1)
	err := sim.handler.HandleFault(ctx, t, addr, at)
	switch {
	case err == nil:
		if pte := t.MM.PageTable().Lookup(addr.RoundDown()); pte.Present() {
			sim.flusher.CPU(t.CPU).Insert(t.MM.ASID(), addr.RoundDown(), pte)
		}
		return nil
	case errors.Is(err, pcache.ErrInvariant):
		return err
	case linuxerr.Equals(linuxerr.EBUSY, err), linuxerr.Equals(linuxerr.ENOMEM, err), linuxerr.Equals(linuxerr.EAGAIN, err):
		sim.failed.Add(1)
		log.Debugf("Fault of %v at %v failed: %v", t, addr, err)
		return nil
	default:
		return fmt.Errorf("fault of %v at %v: %w", t, addr, err)
	}
}

func (sim *simulation) evict(ctx context.Context, rng *rand.Rand) error {
	m := sim.cache.Meta(rng.Intn(sim.cache.NumLines()))
	err := sim.cache.Evict(ctx, m)
	switch {
	case err == nil:
		sim.evictions.Add(1)
		return nil
	case errors.Is(err, pcache.ErrInvariant):
		return err
	case linuxerr.Equals(linuxerr.EBUSY, err), linuxerr.Equals(linuxerr.EAGAIN, err):
		sim.evictBusy.Add(1)
		return nil
	default:
		return fmt.Errorf("evicting %v: %w", m, err)
	}
}

// check verifies that every set is consistent and that the cache's map
// counts account for exactly the present entries of all page tables.
func (sim *simulation) check() (int64, error) {
	for i := 0; i < sim.cache.NumSets(); i++ {
		if err := sim.cache.Set(i).Check(); err != nil {
			return 0, err
		}
	}
	var mapped int64
	for i := 0; i < sim.cache.NumLines(); i++ {
		mapped += int64(sim.cache.Meta(i).MapCount())
	}
	var present, rss int64
	for _, t := range sim.tasks {
		t.MM.PageTable().Range(hostarch.AddrRange{Start: 0, End: pgtable.MaxAddr}, func(hostarch.Addr, *pgtable.Slot) bool {
			present++
			return true
		})
		rss += t.MM.RSS()
	}
	if mapped != present || mapped != rss {
		return mapped, fmt.Errorf("cache map counts total %d, page tables hold %d entries, RSS is %d", mapped, present, rss)
	}
	return mapped, nil
}

// teardown drops every task's address space and checks that no line is
// left mapped.
func (sim *simulation) teardown() error {
	for _, t := range sim.tasks {
		t.MM.DecUsers()
	}
	for i := 0; i < sim.cache.NumLines(); i++ {
		if m := sim.cache.Meta(i); m.MapCount() != 0 {
			return fmt.Errorf("%v still mapped after teardown", m)
		}
	}
	return nil
}

func runSimulation(ctx context.Context, conf *config.Config) (*simResult, error) {
	sim, err := newSimulation(ctx, conf)
	if err != nil {
		return nil, err
	}
	if err := sim.run(ctx); err != nil {
		return nil, err
	}
	mapped, err := sim.check()
	if err != nil {
		return nil, err
	}
	res := &simResult{
		Faults:    sim.faults.Load(),
		Failed:    sim.failed.Load(),
		Evictions: sim.evictions.Load(),
		EvictBusy: sim.evictBusy.Load(),
		Mapped:    mapped,
	}
	for i := 0; i < sim.cache.NumLines(); i++ {
		if sim.cache.Meta(i).Valid() {
			res.ValidLines++
		}
	}
	res.Reads, res.Writes = sim.backend.Counts()
	if err := sim.teardown(); err != nil {
		return nil, err
	}
	log.Infof("Simulation done: %+v", *res)
	return res, nil
}
