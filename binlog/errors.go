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
package binlog

import "gopkg.in/src-d/go-errors.v1"

var (
	// ErrMalformedFrame is returned when a frame's length fields are inconsistent with
	// the available bytes, or a body is shorter than its type requires.
	ErrMalformedFrame = errors.NewKind("binlog: malformed %s frame at %d: %s")

	// ErrChecksumMismatch is returned when the CRC32 trailer does not match the frame.
	ErrChecksumMismatch = errors.NewKind("binlog: checksum mismatch at %d: stored 0x%08x, computed 0x%08x")

	// ErrUnknownEventType is returned for a type code this decoder does not know.
	// It is not fatal: readers skip the frame.
	ErrUnknownEventType = errors.NewKind("binlog: unknown event type %d at %d")

	// ErrDecryptionFailure is returned when the cipher context for an encrypted log
	// cannot be initialized.
	ErrDecryptionFailure = errors.NewKind("binlog: cannot decrypt frame at %d: %v")

	// ErrUnsupportedValue is returned when a cell cannot be encoded for a column type.
	ErrUnsupportedValue = errors.NewKind("binlog: unsupported value %T for column type %d")

	// ErrUnsupportedColumn is returned for a column type or metadata word the cell codec cannot handle.
	ErrUnsupportedColumn = errors.NewKind("binlog: unsupported column type %d with metadata %d")
)
