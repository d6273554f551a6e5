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

// Package config provides basic infrastructure to set configuration settings
// for procmgr. Each setting that can be changed from the command line has
// its flag name in the field's "flag" tag. Settings can also be read from a
// TOML or YAML file named by --config; flags given on the command line take
// precedence over the file.
package config

import (
	"bytes"
	"fmt"
	"math/bits"
	"os"
	"path/filepath"
	"time"

	"disaggos.dev/disaggos/pkg/errors/linuxerr"
	"disaggos.dev/disaggos/pkg/gsm"
	"disaggos.dev/disaggos/pkg/log"
	"disaggos.dev/disaggos/pkg/processor/node"
	"disaggos.dev/disaggos/pkg/processor/pcache"
	"disaggos.dev/disaggos/pkg/processor/pgtable"
	"disaggos.dev/disaggos/pkg/processor/task"
	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"
	"gopkg.in/yaml.v3"
)

// Config holds configuration that is not part of the cluster's GSM state.
type Config struct {
	// ConfigFile is the file the configuration was loaded from, if any.
	ConfigFile string `flag:"config" toml:"-" yaml:"-"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug" toml:"debug" yaml:"debug"`

	// LogFormat is the log format: text or json.
	LogFormat string `flag:"log-format" toml:"log_format" yaml:"log_format"`

	// DebugLog is the path to log debug information to, if not empty.
	DebugLog string `flag:"debug-log" toml:"debug_log" yaml:"debug_log"`

	// AlsoLogToStderr allows to send log messages to stderr.
	AlsoLogToStderr bool `flag:"alsologtostderr" toml:"alsologtostderr" yaml:"alsologtostderr"`

	// Node is this processor node's ID.
	Node int `flag:"node" toml:"node" yaml:"node"`

	// VNode is the virtual node served by this processor node.
	VNode int `flag:"vnode" toml:"vnode" yaml:"vnode"`

	// GSMAddr is the address of the global state manager.
	GSMAddr string `flag:"gsm-addr" toml:"gsm_addr" yaml:"gsm_addr"`

	// MetricsAddr is the address the metrics endpoint listens on.
	MetricsAddr string `flag:"metrics-addr" toml:"metrics_addr" yaml:"metrics_addr"`

	Pcache   PcacheConfig   `toml:"pcache" yaml:"pcache"`
	Resolve  ResolveConfig  `toml:"resolve" yaml:"resolve"`
	TLB      TLBConfig      `toml:"tlb" yaml:"tlb"`
	GSM      GSMConfig      `toml:"gsm" yaml:"gsm"`
	Simulate SimulateConfig `toml:"simulate" yaml:"simulate"`
}

// PcacheConfig is the processor cache geometry and eviction policy.
type PcacheConfig struct {
	Sets          int           `toml:"sets" yaml:"sets"`
	Ways          int           `toml:"ways" yaml:"ways"`
	RmapsPerSet   int           `toml:"rmaps_per_set" yaml:"rmaps_per_set"`
	BasePFN       uint64        `toml:"base_pfn" yaml:"base_pfn"`
	UnmapRetries  uint64        `toml:"unmap_retries" yaml:"unmap_retries"`
	UnmapInterval time.Duration `toml:"unmap_interval" yaml:"unmap_interval"`
}

// ResolveConfig bounds lazy home node resolution.
type ResolveConfig struct {
	InitialInterval time.Duration `toml:"initial_interval" yaml:"initial_interval"`
	MaxInterval     time.Duration `toml:"max_interval" yaml:"max_interval"`
	MaxRetries      uint64        `toml:"max_retries" yaml:"max_retries"`
	MaxElapsed      time.Duration `toml:"max_elapsed" yaml:"max_elapsed"`
}

// TLBConfig describes the simulated translation caches.
type TLBConfig struct {
	CPUs    int `toml:"cpus" yaml:"cpus"`
	Entries int `toml:"entries" yaml:"entries"`
}

// GSMConfig is the initial state served by "procmgr gsm".
type GSMConfig struct {
	Assignments []Assignment `toml:"assignment" yaml:"assignments"`
}

// Assignment assigns home nodes to a virtual node. A negative node is
// unassigned.
type Assignment struct {
	VNode   int `toml:"vnode" yaml:"vnode"`
	Memory  int `toml:"memory" yaml:"memory"`
	Replica int `toml:"replica" yaml:"replica"`
	Pgcache int `toml:"pgcache" yaml:"pgcache"`
	Storage int `toml:"storage" yaml:"storage"`
}

// SimulateConfig drives "procmgr simulate".
type SimulateConfig struct {
	Tasks      int   `toml:"tasks" yaml:"tasks"`
	Pages      int   `toml:"pages" yaml:"pages"`
	Faults     int   `toml:"faults" yaml:"faults"`
	EvictEvery int   `toml:"evict_every" yaml:"evict_every"`
	GSMLag     int   `toml:"gsm_lag" yaml:"gsm_lag"`
	Seed       int64 `toml:"seed" yaml:"seed"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		LogFormat:   "text",
		Node:        0,
		VNode:       0,
		GSMAddr:     "localhost:7070",
		MetricsAddr: "localhost:9090",
		Pcache: PcacheConfig{
			Sets:          pcache.DefaultOptions.NumSets,
			Ways:          pcache.DefaultOptions.Ways,
			RmapsPerSet:   pcache.DefaultOptions.RmapsPerSet,
			BasePFN:       uint64(pcache.DefaultOptions.BasePFN),
			UnmapRetries:  pcache.DefaultOptions.UnmapRetries,
			UnmapInterval: pcache.DefaultOptions.UnmapInterval,
		},
		Resolve: ResolveConfig{
			InitialInterval: node.DefaultPolicy.InitialInterval,
			MaxInterval:     node.DefaultPolicy.MaxInterval,
			MaxRetries:      node.DefaultPolicy.MaxRetries,
			MaxElapsed:      node.DefaultPolicy.MaxElapsed,
		},
		TLB: TLBConfig{
			CPUs:    4,
			Entries: 64,
		},
		Simulate: SimulateConfig{
			Tasks:      4,
			Pages:      64,
			Faults:     10000,
			EvictEvery: 16,
			GSMLag:     2,
			Seed:       1,
		},
	}
}

// Load reads the file at path into c. The format is chosen by the file's
// extension: .toml, or .yaml and .yml.
func (c *Config) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file %q: %w", path, err)
	}
	switch ext := filepath.Ext(path); ext {
	case ".toml":
		md, err := toml.Decode(string(data), c)
		if err != nil {
			return fmt.Errorf("parsing config file %q: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("config file %q has unknown keys %v: %w", path, undecoded, linuxerr.EINVAL)
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(c); err != nil {
			return fmt.Errorf("parsing config file %q: %w", path, err)
		}
	default:
		return fmt.Errorf("config file %q has unknown extension %q: %w", path, ext, linuxerr.EINVAL)
	}
	c.ConfigFile = path
	return nil
}

// Validate checks that the configuration is consistent.
func (c *Config) Validate() error {
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text' or 'json'", c.LogFormat)
	}
	if c.Node < 0 || c.VNode < 0 {
		return fmt.Errorf("invalid node %d, vnode %d: must not be negative", c.Node, c.VNode)
	}
	if c.Pcache.Sets <= 0 || bits.OnesCount(uint(c.Pcache.Sets)) != 1 {
		return fmt.Errorf("pcache sets %d must be a positive power of two", c.Pcache.Sets)
	}
	if c.Pcache.Ways <= 0 || c.Pcache.RmapsPerSet <= 0 {
		return fmt.Errorf("pcache ways %d and rmaps per set %d must be positive", c.Pcache.Ways, c.Pcache.RmapsPerSet)
	}
	if c.Pcache.BasePFN == 0 {
		return fmt.Errorf("pcache base pfn must not be zero")
	}
	if c.Resolve.MaxRetries == 0 && c.Resolve.MaxElapsed == 0 {
		return fmt.Errorf("resolve policy is unbounded: set max_retries or max_elapsed")
	}
	if c.TLB.CPUs <= 0 || c.TLB.Entries <= 0 {
		return fmt.Errorf("tlb cpus %d and entries %d must be positive", c.TLB.CPUs, c.TLB.Entries)
	}
	seen := make(map[int]bool)
	for _, a := range c.GSM.Assignments {
		if a.VNode < 0 {
			return fmt.Errorf("gsm assignment for negative vnode %d", a.VNode)
		}
		if seen[a.VNode] {
			return fmt.Errorf("duplicate gsm assignment for vnode %d", a.VNode)
		}
		seen[a.VNode] = true
	}
	if s := c.Simulate; s.Tasks <= 0 || s.Pages <= 0 || s.Faults < 0 || s.EvictEvery < 0 || s.GSMLag < 0 {
		return fmt.Errorf("invalid simulation parameters %+v", s)
	}
	return nil
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	return deepcopy.Copy(c).(*Config)
}

// ToTOML renders c as a TOML document.
func (c *Config) ToTOML() (string, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// ToYAML renders c as a YAML document.
func (c *Config) ToYAML() (string, error) {
	b, err := yaml.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config.ConfigFile: %q", c.ConfigFile)
	log.Infof("Config.Node: %d, VNode: %d", c.Node, c.VNode)
	log.Infof("Config.GSMAddr: %s", c.GSMAddr)
	log.Infof("Config.Debug: %t, LogFormat: %s", c.Debug, c.LogFormat)
	log.Infof("Config.Pcache: %d sets x %d ways, %d rmaps per set, base pfn %#x", c.Pcache.Sets, c.Pcache.Ways, c.Pcache.RmapsPerSet, c.Pcache.BasePFN)
	log.Infof("Config.Resolve: %+v", c.Resolve)
	log.Infof("Config.TLB: %+v", c.TLB)
	log.Infof("Config.GSM: %d assignments", len(c.GSM.Assignments))
}

// PcacheOptions returns the cache options described by c. Backend, Flusher
// and Owners are left for the caller.
func (c *Config) PcacheOptions() pcache.Options {
	return pcache.Options{
		NumSets:       c.Pcache.Sets,
		Ways:          c.Pcache.Ways,
		RmapsPerSet:   c.Pcache.RmapsPerSet,
		BasePFN:       pgtable.PFN(c.Pcache.BasePFN),
		UnmapRetries:  c.Pcache.UnmapRetries,
		UnmapInterval: c.Pcache.UnmapInterval,
	}
}

// ResolverOptions returns the resolver options described by c.
func (c *Config) ResolverOptions() node.Options {
	return node.Options{
		Node:  task.NodeID(c.Node),
		VNode: task.VNodeID(c.VNode),
		Policy: node.Policy{
			InitialInterval: c.Resolve.InitialInterval,
			MaxInterval:     c.Resolve.MaxInterval,
			MaxRetries:      c.Resolve.MaxRetries,
			MaxElapsed:      c.Resolve.MaxElapsed,
		},
	}
}

func nodeOrUnset(n int) task.NodeID {
	if n < 0 {
		return task.Unset
	}
	return task.NodeID(n)
}

// GSMAssignment converts a.
func (a Assignment) GSMAssignment() (task.VNodeID, gsm.Assignment) {
	return task.VNodeID(a.VNode), gsm.Assignment{
		Memory:  nodeOrUnset(a.Memory),
		Replica: nodeOrUnset(a.Replica),
		Pgcache: nodeOrUnset(a.Pgcache),
		Storage: nodeOrUnset(a.Storage),
	}
}
