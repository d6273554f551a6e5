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

// Package cli is the main entrypoint for procmgr.
package cli

import (
	"context"
	"flag"
	"io"
	"os"
	"runtime"
	"strconv"
	"time"

	"disaggos.dev/disaggos/pkg/log"
	"disaggos.dev/disaggos/procmgr/cmd"
	"disaggos.dev/disaggos/procmgr/cmd/util"
	"disaggos.dev/disaggos/procmgr/config"
	"github.com/google/subcommands"
)

// Main is the main entrypoint.
func Main() {
	// Register all commands.
	forEachCmd(subcommands.Register)

	// Register with the main command line.
	config.RegisterFlags(flag.CommandLine)

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	// Create a new Config from the flags.
	conf, err := config.NewFromFlags(flag.CommandLine)
	if err != nil {
		util.Fatalf("%v", err)
	}

	subcommand := flag.CommandLine.Arg(0)
	if conf.Debug {
		log.SetLevel(log.Debug)
	}

	var emitters log.MultiEmitter
	if conf.DebugLog != "" {
		f, err := log.OpenFile(conf.DebugLog, subcommand, time.Now(), os.O_CREATE|os.O_WRONLY|os.O_APPEND)
		if err != nil {
			util.Fatalf("error opening debug log file in %q: %v", conf.DebugLog, err)
		}
		emitters = append(emitters, newEmitter(conf.LogFormat, f, conf.Node))
	}
	if conf.AlsoLogToStderr {
		emitters = append(emitters, newEmitter(conf.LogFormat, os.Stderr, conf.Node))
	}
	switch len(emitters) {
	case 0:
		// Discard logs unless asked for; stdout carries command output.
		log.SetTarget(newEmitter("text", io.Discard, conf.Node))
	case 1:
		log.SetTarget(emitters[0])
	default:
		log.SetTarget(&emitters)
	}

	const delimString = `**************** procmgr ****************`
	log.Infof(delimString)
	log.Infof("%s, %s, %d CPUs, %s, PID %d, PPID %d", runtime.Version(), runtime.GOARCH, runtime.NumCPU(), runtime.GOOS, os.Getpid(), os.Getppid())
	log.Infof("Args: %v", os.Args)
	conf.Log()
	log.Infof(delimString)

	// Call the subcommand and pass in the configuration.
	subcmdCode := subcommands.Execute(context.Background(), conf)
	if subcmdCode == subcommands.ExitSuccess {
		log.Infof("Exiting with status: %v", subcmdCode)
		os.Exit(0)
	}
	log.Warningf("Failure to execute command, err: %v", subcmdCode)
	os.Exit(int(subcmdCode))
}

// forEachCmd invokes the passed callback for each command supported by
// procmgr.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	// Help and flags commands are generated automatically.
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")
	cb(subcommands.CommandsCommand(), "")

	cb(new(cmd.Simulate), "")
	cb(new(cmd.Resolve), "")
	cb(new(cmd.Config), "")

	const serverGroup = "servers"
	cb(new(cmd.GSM), serverGroup)
	cb(new(cmd.Metrics), serverGroup)
}

func newEmitter(format string, logFile io.Writer, node int) log.Emitter {
	switch format {
	case "text":
		return log.GoogleEmitter{Emitter: &log.Writer{Next: logFile}}
	case "json":
		return log.JSONEmitter{Writer: &log.Writer{Next: logFile}, Node: "node" + strconv.Itoa(node)}
	}
	util.Fatalf("invalid log format %q, must be 'text' or 'json'", format)
	panic("unreachable")
}
