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
	"os"

	"disaggos.dev/disaggos/procmgr/cmd/util"
	"disaggos.dev/disaggos/procmgr/config"
	"github.com/google/subcommands"
)

// Config implements subcommands.Command for the "config" command.
type Config struct {
	yaml bool
}

// Name implements subcommands.Command.Name.
func (*Config) Name() string {
	return "config"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Config) Synopsis() string {
	return "print the effective configuration"
}

// Usage implements subcommands.Command.Usage.
func (*Config) Usage() string {
	return `config [flags] - print the configuration after applying the file and flags.

The output can be passed back with --config.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *Config) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.yaml, "yaml", false, "print YAML instead of TOML.")
}

// Execute implements subcommands.Command.Execute.
func (c *Config) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	render := conf.ToTOML
	if c.yaml {
		render = conf.ToYAML
	}
	out, err := render()
	if err != nil {
		return util.Errorf("rendering config: %v", err)
	}
	fmt.Fprint(os.Stdout, out)
	return subcommands.ExitSuccess
}
