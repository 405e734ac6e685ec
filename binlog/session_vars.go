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

import "fmt"

// SessionVariableKind distinguishes the three events that carry session state
// for exactly one following statement.
type SessionVariableKind uint8

const (
	// IntVar sets LAST_INSERT_ID() or INSERT_ID. https://mariadb.com/kb/en/intvar_event/
	IntVar SessionVariableKind = iota
	// Rand sets rand_seed1 and rand_seed2. https://mariadb.com/kb/en/rand_event/
	Rand
	// UserVar sets a user variable. https://mariadb.com/kb/en/user_var_event/
	UserVar
)

func (k SessionVariableKind) String() string {
	switch k {
	case IntVar:
		return "IntVar"
	case Rand:
		return "Rand"
	case UserVar:
		return "UserVar"
	default:
		return "Unknown"
	}
}

// SessionVariable is deferred by the replayer until the next Statement or
// RowChange consumes it.
type SessionVariable struct {
	Kind SessionVariableKind

	// IntVar
	IntVarType uint8
	Value      uint64

	// Rand
	Seed1 uint64
	Seed2 uint64

	// UserVar
	Name      string
	Null      bool
	ValueType uint8
	Charset   uint32
	Data      []byte
	// UserFlags is optional; UserFlagsSet reports whether it was written.
	UserFlags    uint8
	UserFlagsSet bool
}

func (v *SessionVariable) Type() EventType {
	switch v.Kind {
	case Rand:
		return RandEvent
	case UserVar:
		return UserVarEvent
	default:
		return IntVarEvent
	}
}

func (*SessionVariable) isEvent() {}

func decodeSessionVariable(_ *FormatDescription, t EventType, body []byte) (Event, error) {
	r := newBodyReader(body)
	v := &SessionVariable{}
	switch t {
	case IntVarEvent:
		v.Kind = IntVar
		v.IntVarType = r.uint8()
		v.Value = r.uint64()
	case RandEvent:
		v.Kind = Rand
		v.Seed1 = r.uint64()
		v.Seed2 = r.uint64()
	case UserVarEvent:
		v.Kind = UserVar
		v.Name = r.string(int(r.uint32()))
		v.Null = r.uint8() != 0
		if !v.Null {
			v.ValueType = r.uint8()
			v.Charset = r.uint32()
			v.Data = r.bytes(int(r.uint32()))
			if r.remaining() > 0 {
				v.UserFlags = r.uint8()
				v.UserFlagsSet = true
			}
		}
	default:
		return nil, fmt.Errorf("not a session variable event: %v", t)
	}
	return v, r.err
}

func encodeSessionVariable(_ *FormatDescription, ev Event) ([]byte, error) {
	v := ev.(*SessionVariable)
	var b []byte
	switch v.Kind {
	case IntVar:
		b = appendUint64(append(b, v.IntVarType), v.Value)
	case Rand:
		b = appendUint64(appendUint64(b, v.Seed1), v.Seed2)
	case UserVar:
		b = append(appendUint32(b, uint32(len(v.Name))), v.Name...)
		if v.Null {
			return append(b, 1), nil
		}
		b = append(b, 0, v.ValueType)
		b = appendUint32(b, v.Charset)
		b = append(appendUint32(b, uint32(len(v.Data))), v.Data...)
		if v.UserFlagsSet {
			b = append(b, v.UserFlags)
		}
	}
	return b, nil
}
