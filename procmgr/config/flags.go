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

package config

import (
	"flag"
	"fmt"
	"reflect"
	"strconv"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	def := Default()

	// Debugging flags.
	flagSet.String("config", "", "path to a TOML (.toml) or YAML (.yaml, .yml) configuration file. Flags given on the command line override it.")
	flagSet.Bool("debug", def.Debug, "enable debug logging.")
	flagSet.String("log-format", def.LogFormat, "log format: text (default) or json.")
	flagSet.String("debug-log", def.DebugLog, "additional location for logs. If it ends with '/', log files are created inside the directory with default names. The following variables are available: %TIMESTAMP%, %COMMAND%.")
	flagSet.Bool("alsologtostderr", def.AlsoLogToStderr, "send log messages to stderr.")

	// Node identity and cluster endpoints.
	flagSet.Int("node", def.Node, "ID of this processor node.")
	flagSet.Int("vnode", def.VNode, "virtual node served by this processor node.")
	flagSet.String("gsm-addr", def.GSMAddr, "address of the global state manager.")
	flagSet.String("metrics-addr", def.MetricsAddr, "address the metrics endpoint listens on.")
}

// getter returns the value held by v.
func getter(v flag.Value) any {
	return v.(flag.Getter).Get()
}

// NewFromFlags creates a new Config with values coming from command line
// flags. If --config is set, the file is loaded first and only flags set on
// the command line override it.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := Default()

	if fl := flagSet.Lookup("config"); fl != nil {
		if path := getter(fl.Value).(string); path != "" {
			if err := conf.Load(path); err != nil {
				return nil, err
			}
		}
	}

	set := make(map[string]bool)
	flagSet.Visit(func(fl *flag.Flag) { set[fl.Name] = true })

	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if conf.ConfigFile != "" && !set[name] && name != "config" {
			// Keep the file's value.
			continue
		}
		obj.Field(i).Set(reflect.ValueOf(getter(fl.Value)))
	}

	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// ToFlags returns a slice of flags that correspond to the given Config.
// Settings that can only come from a file are not included.
func (c *Config) ToFlags() []string {
	var rv []string

	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			continue
		}
		val := getVal(obj.Field(i))

		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if val == fl.DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", fl.Name, val))
	}
	return rv
}

func getVal(field reflect.Value) string {
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(field.Uint(), 10)
	case reflect.String:
		return field.String()
	default:
		panic("unknown type " + field.Kind().String())
	}
}
