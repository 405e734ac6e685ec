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
package handler

import (
	"errors"
	"fmt"
)

// MySQL error numbers produced by storage engines.
const (
	CodeEndOfFile       uint16 = 137
	CodeDbCreateExists  uint16 = 1007
	CodeDbDropExists    uint16 = 1008
	CodeDupKey          uint16 = 1022
	CodeKeyNotFound     uint16 = 1032
	CodeBadNull         uint16 = 1048
	CodeBadDb           uint16 = 1049
	CodeBadField        uint16 = 1054
	CodeTableExists     uint16 = 1050
	CodeBadTable        uint16 = 1051
	CodeDupEntry        uint16 = 1062
	CodeParseError      uint16 = 1064
	CodeCantDropKey     uint16 = 1091
	CodeWrongValueCount uint16 = 1136
	CodeNoSuchTable     uint16 = 1146
	CodeDupUnique       uint16 = 1169
	CodeLockWaitTimeout uint16 = 1205
	CodeLockDeadlock    uint16 = 1213
	CodeNotSupportedYet uint16 = 1235
	CodeQueryKilled     uint16 = 1317
	CodeForeignDupKey   uint16 = 1557
	CodeDupEntryWithKey uint16 = 1586
)

// NoKey is the KeyNo of errors not tied to an index.
const NoKey = -1

// Error is a storage-engine failure.
type Error struct {
	Code uint16
	// KeyNo is the index that caused a duplicate-key error, or NoKey.
	KeyNo   int
	Message string
}

// NewError returns an Error not tied to an index.
func NewError(code uint16, format string, args ...any) *Error {
	return &Error{Code: code, KeyNo: NoKey, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (errno %d)", e.Message, e.Code)
}

// ErrorCode returns the MySQL error number.
func (e *Error) ErrorCode() uint16 { return e.Code }

// ErrNotFound is returned by seeks that find no row.
var ErrNotFound = &Error{Code: CodeKeyNotFound, KeyNo: NoKey, Message: "can't find record"}

// IsNotFound reports whether err is a key-not-found or end-of-file error.
func IsNotFound(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Code == CodeKeyNotFound || e.Code == CodeEndOfFile
}
