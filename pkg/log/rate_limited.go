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
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// rateLimitedLogger drops messages that exceed its limiter. The number of
// dropped messages is appended to the next message that gets through.
type rateLimitedLogger struct {
	logger  Logger
	limit   *rate.Limiter
	dropped atomic.Uint64
}

// allow reports whether a message may be logged now, and if so returns its
// format and arguments. The suppressed count is appended to a copy of v.
func (rl *rateLimitedLogger) allow(format string, v []any) (string, []any, bool) {
	if !rl.limit.Allow() {
		rl.dropped.Add(1)
		return "", nil, false
	}
	if n := rl.dropped.Swap(0); n > 0 {
		return format + " (%d similar messages suppressed)", append(v[:len(v):len(v)], n), true
	}
	return format, v, true
}

func (rl *rateLimitedLogger) Debugf(format string, v ...any) {
	if f, args, ok := rl.allow(format, v); ok {
		rl.logger.Debugf(f, args...)
	}
}

func (rl *rateLimitedLogger) Infof(format string, v ...any) {
	if f, args, ok := rl.allow(format, v); ok {
		rl.logger.Infof(f, args...)
	}
}

func (rl *rateLimitedLogger) Warningf(format string, v ...any) {
	if f, args, ok := rl.allow(format, v); ok {
		rl.logger.Warningf(f, args...)
	}
}

func (rl *rateLimitedLogger) IsLogging(level Level) bool {
	return rl.logger.IsLogging(level)
}

// BasicRateLimitedLogger returns a Logger that logs to the global logger no
// more than once per the provided duration.
func BasicRateLimitedLogger(every time.Duration) Logger {
	return RateLimitedLogger(Log(), every)
}

// RateLimitedLogger returns a Logger that logs to the provided logger no more
// than once per the provided duration.
func RateLimitedLogger(logger Logger, every time.Duration) Logger {
	return &rateLimitedLogger{
		logger: logger,
		limit:  rate.NewLimiter(rate.Every(every), 1),
	}
}
