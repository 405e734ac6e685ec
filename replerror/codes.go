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
package replerror

import (
	"fmt"
	"strings"
)

// MySQL error numbers the classifier knows about.
const (
	CodeUnknown         uint16 = 1105
	CodeEndOfFile       uint16 = 137
	CodeDbCreateExists  uint16 = 1007
	CodeDbDropExists    uint16 = 1008
	CodeDupKey          uint16 = 1022
	CodeKeyNotFound     uint16 = 1032
	CodeTableExists     uint16 = 1050
	CodeBadTable        uint16 = 1051
	CodeDupEntry        uint16 = 1062
	CodeCantDropKey     uint16 = 1091
	CodeUnknownTable    uint16 = 1109
	CodeNoSuchTable     uint16 = 1146
	CodeDupUnique       uint16 = 1169
	CodeLockWaitTimeout uint16 = 1205
	CodeLockDeadlock    uint16 = 1213
	CodeQueryKilled     uint16 = 1317
	CodeForeignDupKey   uint16 = 1557
	CodeDupEntryWithKey uint16 = 1586
)

// Class is the outcome of classifying an error.
type Class uint8

const (
	// None is the class of a nil error.
	None Class = iota
	// Idempotent errors are absorbed when re-applying a log in idempotent mode.
	Idempotent
	// Ignorable errors are absorbed because the operator asked for it.
	Ignorable
	// Temporary errors roll the group back and retry it. Only parallel
	// replay produces them.
	Temporary
	// Fatal errors halt replay.
	Fatal
)

func (c Class) String() string {
	switch c {
	case None:
		return "none"
	case Idempotent:
		return "idempotent"
	case Ignorable:
		return "ignorable"
	case Temporary:
		return "temporary"
	case Fatal:
		return "fatal"
	}
	return fmt.Sprintf("Class(%d)", uint8(c))
}

// Absorbed reports whether replay continues past an error of this class.
func (c Class) Absorbed() bool { return c == None || c == Idempotent || c == Ignorable }

// Mode is the execution mode of the apply engine.
type Mode uint8

const (
	ModeStrict Mode = iota
	ModeIdempotent
)

func (m Mode) String() string {
	if m == ModeIdempotent {
		return "idempotent"
	}
	return "strict"
}

// ParseMode parses "strict" or "idempotent".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "strict":
		return ModeStrict, nil
	case "idempotent":
		return ModeIdempotent, nil
	}
	return ModeStrict, fmt.Errorf("unknown execution mode %q", s)
}

var (
	idempotentCodes = codeSet(
		CodeDupKey, CodeDupEntry, CodeDupUnique, CodeDupEntryWithKey, CodeForeignDupKey,
		CodeKeyNotFound, CodeEndOfFile,
		// DDL that already happened, or whose target is already gone.
		CodeDbCreateExists, CodeDbDropExists, CodeTableExists, CodeBadTable, CodeCantDropKey,
	)
	temporaryCodes = codeSet(CodeLockWaitTimeout, CodeLockDeadlock, CodeQueryKilled)

	equivalenceGroups = []map[uint16]struct{}{
		codeSet(CodeDupKey, CodeDupEntry, CodeDupUnique, CodeDupEntryWithKey),
		codeSet(CodeKeyNotFound, CodeEndOfFile),
		codeSet(CodeBadTable, CodeUnknownTable),
	}
)

func codeSet(codes ...uint16) map[uint16]struct{} {
	m := make(map[uint16]struct{}, len(codes))
	for _, c := range codes {
		m[c] = struct{}{}
	}
	return m
}

// IsTemporaryCode reports whether code is a lock conflict or a kill.
func IsTemporaryCode(code uint16) bool {
	_, ok := temporaryCodes[code]
	return ok
}

// Equivalent reports whether the error the primary reported and the one the
// replica observed count as the same outcome.
func Equivalent(expected, actual uint16) bool {
	if expected == actual {
		return true
	}
	for _, group := range equivalenceGroups {
		_, a := group[expected]
		_, b := group[actual]
		if a && b {
			return true
		}
	}
	return false
}
