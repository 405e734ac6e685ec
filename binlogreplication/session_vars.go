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
package binlogreplication

import (
	"encoding/binary"
	"math"

	"github.com/apecloud/binlogreplay/binlog"
	"github.com/apecloud/binlogreplay/charset"
	"github.com/apecloud/binlogreplay/handler"
	"github.com/sirupsen/logrus"
	vtbinlog "vitess.io/vitess/go/mysql/binlog"
)

// User variable value types, as in Item_result.
const (
	stringResult  = 0
	realResult    = 1
	intResult     = 2
	decimalResult = 4
)

// userVarUnsigned is set in a user variable's flags for unsigned integers.
const userVarUnsigned = 0x01

// sessionVars builds the session state a statement must run under from its
// status variables, the event header and the deferred session variable
// events that preceded it.
func sessionVars(h binlog.Header, s *binlog.Statement, deferred []*binlog.SessionVariable) handler.SessionVars {
	st := s.Status
	vars := handler.SessionVars{
		SQLMode:  st.SQLMode,
		TimeZone: st.TimeZone,
	}
	ts := h.Timestamp
	vars.Timestamp = &ts
	if st.AutoIncrement != nil {
		vars.AutoIncrementInc = &st.AutoIncrement.Increment
		vars.AutoIncrementOffset = &st.AutoIncrement.Offset
	}
	if st.Charset != nil {
		vars.CharsetClient = &st.Charset.Client
		vars.CollationConnection = &st.Charset.Connection
		vars.CollationServer = &st.Charset.Server
	}
	if st.Flags2 != nil {
		flags := *st.Flags2
		autoIsNull := flags&binlog.Flags2AutoIsNull != 0
		fkChecks := flags&binlog.Flags2NoForeignKeyChecks == 0
		uniqueChecks := flags&binlog.Flags2RelaxedUniqueChecks == 0
		vars.AutoIsNull = &autoIsNull
		vars.ForeignKeyChecks = &fkChecks
		vars.UniqueChecks = &uniqueChecks
	}

	for _, v := range deferred {
		switch v.Kind {
		case binlog.IntVar:
			value := v.Value
			switch v.IntVarType {
			case binlog.IntVarLastInsertID:
				vars.LastInsertID = &value
			case binlog.IntVarInsertID:
				vars.InsertID = &value
			}
		case binlog.Rand:
			seed1, seed2 := v.Seed1, v.Seed2
			vars.RandSeed1, vars.RandSeed2 = &seed1, &seed2
		case binlog.UserVar:
			vars.UserVars = append(vars.UserVars, handler.UserVar{Name: v.Name, Value: userVarValue(v)})
		}
	}
	return vars
}

// userVarValue decodes the value of a USER_VAR event. NULL and values of
// unknown type decode to nil.
func userVarValue(v *binlog.SessionVariable) any {
	if v.Null {
		return nil
	}
	switch v.ValueType {
	case stringResult:
		return charset.DecodeCollation(uint64(v.Charset), string(v.Data))
	case realResult:
		if len(v.Data) < 8 {
			return nil
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(v.Data))
	case intResult:
		if len(v.Data) < 8 {
			return nil
		}
		u := binary.LittleEndian.Uint64(v.Data)
		if v.UserFlagsSet && v.UserFlags&userVarUnsigned != 0 {
			return u
		}
		return int64(u)
	case decimalResult:
		// precision(1) scale(1) packed decimal
		if len(v.Data) < 2 {
			return nil
		}
		meta := uint16(v.Data[0])<<8 | uint16(v.Data[1])
		value, _, err := binlog.DecodeCell(v.Data[2:], 0, vtbinlog.TypeNewDecimal, meta, false)
		if err != nil {
			logrus.WithField("variable", v.Name).Warnf("unable to decode decimal user variable: %v", err)
			return nil
		}
		return value
	}
	return nil
}
