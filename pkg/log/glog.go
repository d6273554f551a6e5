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
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// GoogleEmitter is a wrapper that emits logs in a format compatible with
// package github.com/golang/glog.
type GoogleEmitter struct {
	// Emitter is the underlying emitter.
	Emitter
}

// glogTime is the timestamp layout of a glog header.
const glogTime = "0102 15:04:05.000000"

// pid is the right-aligned threadid column of the header.
var pid = padLeft(strconv.Itoa(os.Getpid()), 7)

func padLeft(s string, n int) string {
	if len(s) >= n {
		return s
	}
	return strings.Repeat(" ", n-len(s)) + s
}

// levelChar maps levels to the first header column.
var levelChar = [...]byte{Warning: 'W', Info: 'I', Debug: 'D'}

// caller returns "file:line" of the frame depth+1 levels up, with the
// directory trimmed.
func caller(depth int) string {
	_, file, line, ok := runtime.Caller(depth + 1)
	if !ok {
		return "???:0"
	}
	if slash := strings.LastIndexByte(file, '/'); slash >= 0 {
		file = file[slash+1:]
	}
	return file + ":" + strconv.Itoa(line)
}

// Emit emits the message with a glog header:
//
//	Lmmdd hh:mm:ss.uuuuuu threadid file:line] msg...
//
// L is the level ('W', 'I' or 'D') and threadid the space-padded process ID.
func (g GoogleEmitter) Emit(depth int, level Level, timestamp time.Time, format string, args ...any) {
	var local [256]byte
	b := local[:0]
	if int(level) < len(levelChar) {
		b = append(b, levelChar[level])
	}
	b = timestamp.AppendFormat(b, glogTime)
	b = append(b, ' ')
	b = append(b, pid...)
	b = append(b, ' ')
	b = append(b, caller(depth+1)...)
	b = append(b, "] "...)

	// The format string is passed on unexpanded.
	b = append(b, format...)
	b = append(b, '\n')
	g.Emitter.Emit(depth+1, level, timestamp, string(b), args...)
}
