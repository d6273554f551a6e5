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

// Package errors holds the standardized error definition for the processor
// manager.
package errors

import (
	"golang.org/x/sys/unix"
)

// Error represents an errno with a descriptive message.
type Error struct {
	errno   unix.Errno
	message string
}

// New creates a new *Error.
func New(err unix.Errno, message string) *Error {
	return &Error{
		errno:   err,
		message: message,
	}
}

// Error implements error.Error.
func (e *Error) Error() string { return e.message }

// Errno returns the underlying unix.Errno value.
func (e *Error) Errno() unix.Errno { return e.errno }

// Is reports whether target is the same errno, so that wrapped *Errors and
// raw unix.Errno values both match with errors.Is.
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case *Error:
		return t != nil && t.errno == e.errno
	case unix.Errno:
		return t == e.errno
	}
	return false
}
