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

// Package linuxerr contains error codes exported as error interface pointers.
// This allows for fast comparison and return operations comparable to
// unix.Errno constants.
package linuxerr

import (
	goerrors "errors"

	"disaggos.dev/disaggos/pkg/errors"
	"golang.org/x/sys/unix"
)

// The following errors are semantically identical to Errno of type
// unix.Errno. However, since the types are distinct (these are
// *errors.Error), they are not directly comparable; use Equals.
var (
	ESRCH     = errors.New(unix.ESRCH, "no such process")
	EINTR     = errors.New(unix.EINTR, "interrupted system call")
	EIO       = errors.New(unix.EIO, "I/O error")
	EAGAIN    = errors.New(unix.EAGAIN, "try again")
	ENOMEM    = errors.New(unix.ENOMEM, "out of memory")
	EACCES    = errors.New(unix.EACCES, "permission denied")
	EFAULT    = errors.New(unix.EFAULT, "bad address")
	EBUSY     = errors.New(unix.EBUSY, "device or resource busy")
	EEXIST    = errors.New(unix.EEXIST, "file exists")
	EINVAL    = errors.New(unix.EINVAL, "invalid argument")
	ENOSPC    = errors.New(unix.ENOSPC, "no space left on device")
	ETIMEDOUT = errors.New(unix.ETIMEDOUT, "connection timed out")
	ECANCELED = errors.New(unix.ECANCELED, "operation canceled")

	// ENOTRECOVERABLE marks state that cannot be repaired in place.
	ENOTRECOVERABLE = errors.New(unix.ENOTRECOVERABLE, "state not recoverable")

	// Errors equivalent to other errors.
	EWOULDBLOCK = EAGAIN
)

var errorsByErrno = map[unix.Errno]*errors.Error{
	unix.ESRCH:           ESRCH,
	unix.EINTR:           EINTR,
	unix.EIO:             EIO,
	unix.EAGAIN:          EAGAIN,
	unix.ENOMEM:          ENOMEM,
	unix.EACCES:          EACCES,
	unix.EFAULT:          EFAULT,
	unix.EBUSY:           EBUSY,
	unix.EEXIST:          EEXIST,
	unix.EINVAL:          EINVAL,
	unix.ENOSPC:          ENOSPC,
	unix.ETIMEDOUT:       ETIMEDOUT,
	unix.ECANCELED:       ECANCELED,
	unix.ENOTRECOVERABLE: ENOTRECOVERABLE,
}

// ErrorFromUnix returns the *errors.Error for the given errno, or nil if the
// errno is zero or unknown.
func ErrorFromUnix(err unix.Errno) *errors.Error {
	return errorsByErrno[err]
}

// Equals compares a linuxerr to a given error. It unwraps err, so a
// linuxerr wrapped with fmt.Errorf("...: %w") still matches.
func Equals(e *errors.Error, err error) bool {
	if e == nil {
		return err == nil
	}
	if goerrors.Is(err, e) {
		return true
	}
	var errno unix.Errno
	return goerrors.As(err, &errno) && errno == e.Errno()
}

// ToErrno returns the errno carried by err, or zero if err does not carry
// one.
func ToErrno(err error) unix.Errno {
	var e *errors.Error
	if goerrors.As(err, &e) {
		return e.Errno()
	}
	var errno unix.Errno
	if goerrors.As(err, &errno) {
		return errno
	}
	return 0
}
