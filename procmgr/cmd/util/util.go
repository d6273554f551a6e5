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

// Package util groups a bunch of common helper functions used by commands.
package util

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"disaggos.dev/disaggos/pkg/log"
	"github.com/google/subcommands"
)

// ErrorLogger is where error messages should be written to. These messages
// are consumed by whatever supervises procmgr.
var ErrorLogger io.Writer

// Writer writes to log and stderr.
type Writer struct{}

// Write implements io.Writer.
func (i *Writer) Write(data []byte) (n int, err error) {
	log.Warningf("%s", data)
	if n, err := os.Stderr.Write(data); err != nil {
		return n, err
	}
	return len(data), nil
}

// Errorf logs error to the debug log, to stderr, and to ErrorLogger in JSON.
// It returns subcommands.ExitFailure for convenience with
// subcommand.Execute() methods:
//
//	return util.Errorf("failed to dial GSM: %v", err)
func Errorf(format string, args ...any) subcommands.ExitStatus {
	fmt.Fprintf(&Writer{}, format+"\n", args...)
	writeError(format, args...)
	return subcommands.ExitFailure
}

// Fatalf logs the same way as Errorf() does, plus *exits* the process.
func Fatalf(format string, args ...any) {
	Errorf(format, args...)
	os.Exit(128)
}

func writeError(format string, args ...any) {
	if ErrorLogger == nil {
		return
	}
	b, err := json.Marshal(struct {
		Msg   string    `json:"msg"`
		Level string    `json:"level"`
		Time  time.Time `json:"time"`
	}{
		Msg:   fmt.Sprintf(format, args...),
		Level: "error",
		Time:  time.Now(),
	})
	if err != nil {
		panic(err)
	}
	ErrorLogger.Write(append(b, '\n'))
}
