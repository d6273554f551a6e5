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

package log

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// BuildPath expands the variables a log pattern may contain: %COMMAND% is
// replaced with command and %TIMESTAMP% with start formatted as
// YYYYMMDD-HHMMSS.uuuuuu. A pattern ending in '/' names a directory in which
// a default file name is created.
func BuildPath(logPattern, command string, start time.Time) string {
	if strings.HasSuffix(logPattern, "/") {
		logPattern += "procmgr.log.%TIMESTAMP%.%COMMAND%"
	}
	r := strings.NewReplacer(
		"%COMMAND%", command,
		"%TIMESTAMP%", start.Format("20060102-150405.000000"),
	)
	return r.Replace(logPattern)
}

// OpenFile opens a log file using the specified flags. The path is derived
// from logPattern with BuildPath. An empty pattern returns (nil, nil).
func OpenFile(logPattern, command string, start time.Time, flags int) (*os.File, error) {
	if len(logPattern) == 0 {
		return nil, nil
	}

	logPath := BuildPath(logPattern, command, start)

	// Create parent directory if it doesn't exist.
	dir := filepath.Dir(logPath)
	if err := os.MkdirAll(dir, 0775); err != nil {
		return nil, fmt.Errorf("error creating dir %q: %v", dir, err)
	}

	f, err := os.OpenFile(logPath, flags, 0664)
	if err != nil {
		return nil, fmt.Errorf("error opening file %q: %v", logPath, err)
	}
	return f, nil
}
