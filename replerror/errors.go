// Copyright 2024-2025 ApeCloud, Ltd.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package replerror classifies errors raised while applying replicated events
// and decides whether replay may continue, must retry, or must halt.
package replerror

import (
	"errors"

	"github.com/apecloud/binlogreplay/binlog"
	"github.com/go-sql-driver/mysql"
	goerrors "gopkg.in/src-d/go-errors.v1"
	"vitess.io/vitess/go/mysql/sqlerror"
)

var (
	// ErrRowNotFound is raised when no stored row matches a before-image.
	ErrRowNotFound = goerrors.NewKind("replay: can't find record in '%s.%s'")
	// ErrDuplicateKey is raised when an insert collides on a unique key.
	ErrDuplicateKey = goerrors.NewKind("replay: duplicate entry in '%s.%s'")
	// ErrEndOfFile is raised when a key read runs past the last row.
	ErrEndOfFile = goerrors.NewKind("replay: end of file reading '%s.%s'")

	ErrLockWaitTimeout = goerrors.NewKind("replay: lock wait timeout exceeded")
	ErrDeadlock        = goerrors.NewKind("replay: deadlock found when trying to get lock")
	// ErrKilledForRetry is raised in a group killed so that an earlier group
	// it blocks can commit.
	ErrKilledForRetry = goerrors.NewKind("replay: killed to resolve a retry")

	// ErrUnexpectedExecutorError is raised when a statement fails differently
	// on the replica than on the primary.
	ErrUnexpectedExecutorError = goerrors.NewKind("replay: statement %q: error on primary %d, error on replica %d")
	// ErrSchemaMismatch is raised when a row image does not fit the local table.
	ErrSchemaMismatch = goerrors.NewKind("replay: table '%s.%s' does not match the logged row image: %s")
)

// codedKinds maps the engine-level kinds to the MySQL error they stand for.
var codedKinds = []struct {
	kind *goerrors.Kind
	code uint16
}{
	{ErrRowNotFound, CodeKeyNotFound},
	{ErrDuplicateKey, CodeDupEntry},
	{ErrEndOfFile, CodeEndOfFile},
	{ErrLockWaitTimeout, CodeLockWaitTimeout},
	{ErrDeadlock, CodeLockDeadlock},
	{ErrKilledForRetry, CodeQueryKilled},
}

// Is reports whether err or anything it wraps is of kind k. Unlike k.Is it
// follows fmt.Errorf wrapping as well as go-errors causes.
func Is(k *goerrors.Kind, err error) bool {
	for err != nil {
		if k.Is(err) {
			return true
		}
		err = next(err)
	}
	return false
}

func next(err error) error {
	if e, ok := err.(*goerrors.Error); ok {
		return e.Cause()
	}
	return errors.Unwrap(err)
}

// Code returns the MySQL error number carried by err, or 0 if it carries none.
func Code(err error) uint16 {
	for ; err != nil; err = next(err) {
		switch e := err.(type) {
		case *sqlerror.SQLError:
			return uint16(e.Number())
		case *mysql.MySQLError:
			return e.Number
		case interface{ ErrorCode() uint16 }:
			return e.ErrorCode()
		case *goerrors.Error:
			for _, ck := range codedKinds {
				if ck.kind.Is(e) {
					if code := Code(e.Cause()); code != 0 {
						return code
					}
					return ck.code
				}
			}
		}
	}
	return 0
}

// IsCodecError reports whether err was raised decoding the log. Such errors
// leave no safe position to continue from.
func IsCodecError(err error) bool {
	return Is(binlog.ErrMalformedFrame, err) ||
		Is(binlog.ErrChecksumMismatch, err) ||
		Is(binlog.ErrDecryptionFailure, err)
}
