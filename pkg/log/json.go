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
	"encoding/json"
	"fmt"
	"time"
)

// jsonLog is one line of JSONEmitter output.
type jsonLog struct {
	Msg    string    `json:"msg"`
	Level  Level     `json:"level"`
	Time   time.Time `json:"time"`
	Caller string    `json:"caller,omitempty"`
	Node   string    `json:"node,omitempty"`
}

// MarshalJSON implements json.Marshaler.MarshalJSON.
func (l Level) MarshalJSON() ([]byte, error) {
	switch l {
	case Warning, Info, Debug:
		return json.Marshal(levelNames[l])
	}
	return nil, fmt.Errorf("unknown level %v", l)
}

// UnmarshalJSON implements json.Unmarshaler.UnmarshalJSON. It accepts level
// names and their numeric values.
func (l *Level) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		// Not a string; try the numeric form.
		s = string(b)
	}
	lvl, err := ParseLevel(s)
	if err != nil {
		return err
	}
	*l = lvl
	return nil
}

var levelNames = [...]string{Warning: "warning", Info: "info", Debug: "debug"}

// JSONEmitter logs messages as one JSON object per line.
type JSONEmitter struct {
	*Writer

	// Node, if set, tags every line with the emitting node's name.
	Node string
}

// Emit implements Emitter.Emit.
func (e JSONEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	b, err := json.Marshal(jsonLog{
		Msg:    fmt.Sprintf(format, v...),
		Level:  level,
		Time:   timestamp,
		Caller: caller(depth + 1),
		Node:   e.Node,
	})
	if err != nil {
		panic(err)
	}
	e.Writer.Write(append(b, '\n'))
}
