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

import (
	"bytes"
	"fmt"
	"strings"
)

// queryPostHeaderLen is thread_id(4) + exec_time(4) + db_len(1) + error_code(2) + status_vars_len(2).
const queryPostHeaderLen = 13

// Statement is a Query event carrying SQL text to re-execute on the replica.
// Used for all statements with statement-based replication, DDL statements with
// row-based replication and COMMITs for non-transactional engines.
// For more details, see: https://mariadb.com/kb/en/query_event/
type Statement struct {
	ThreadID uint32
	ExecTime uint32
	Database string
	// ErrorCode is the error the statement produced on the primary.
	ErrorCode uint16
	Status    StatusVars
	Text      string
}

func (*Statement) Type() EventType { return QueryEvent }
func (*Statement) isEvent()        {}

// IsBegin reports whether the statement opens a transaction group.
func (s *Statement) IsBegin() bool {
	return strings.EqualFold(strings.TrimSpace(s.Text), "BEGIN")
}

// StartAlter, CommitAlter and RollbackAlter report the phase of a split ALTER.
func (s *Statement) StartAlter() bool {
	return s.Status.GTIDFlags3 != nil && *s.Status.GTIDFlags3&GTIDExtraStartAlter != 0
}

func (s *Statement) CommitAlter() bool {
	return s.Status.GTIDFlags3 != nil && *s.Status.GTIDFlags3&GTIDExtraCommitAlter != 0
}

func (s *Statement) RollbackAlter() bool {
	return s.Status.GTIDFlags3 != nil && *s.Status.GTIDFlags3&GTIDExtraRollbackAlter != 0
}

// AutoIncrement holds the auto_increment_increment and auto_increment_offset session variables.
type AutoIncrement struct {
	Increment uint16
	Offset    uint16
}

// Charset holds the client, connection and server collation ids.
type Charset struct {
	Client     uint16
	Connection uint16
	Server     uint16
}

// Invoker is the definer of a stored routine or view.
type Invoker struct {
	User string
	Host string
}

// StatusVars is the status-variable block of a Query event. A nil pointer
// (or empty string) means the variable was not written.
type StatusVars struct {
	Flags2            *uint32
	SQLMode           *uint64
	Catalog           *string
	AutoIncrement     *AutoIncrement
	Charset           *Charset
	TimeZone          *string
	LCTimeNames       *uint16
	CharsetDatabase   *uint16
	TableMapForUpdate *uint64
	MasterDataWritten *uint32
	Invoker           *Invoker
	UpdatedDBs        []string
	// HRNow is the microsecond part of the statement start time.
	HRNow *uint32
	XID   *uint64
	// GTIDFlags3 carries the split ALTER flags; StartAlterSeq is present when
	// it marks a commit or rollback of a previously started ALTER.
	GTIDFlags3    *uint8
	StartAlterSeq *uint64
}

func ptr[T any](v T) *T { return &v }

func decodeStatusVars(data []byte) (StatusVars, error) {
	var vars StatusVars
	r := newBodyReader(data)
varsLoop:
	for r.remaining() > 0 {
		switch code := r.uint8(); code {
		case qFlags2:
			vars.Flags2 = ptr(r.uint32())
		case qSQLMode:
			vars.SQLMode = ptr(r.uint64())
		case qCatalog:
			vars.Catalog = ptr(r.zString())
		case qCatalogNZ:
			vars.Catalog = ptr(r.lenString())
		case qAutoIncrement:
			vars.AutoIncrement = &AutoIncrement{Increment: r.uint16(), Offset: r.uint16()}
		case qCharset:
			vars.Charset = &Charset{Client: r.uint16(), Connection: r.uint16(), Server: r.uint16()}
		case qTimeZone:
			vars.TimeZone = ptr(r.lenString())
		case qLCTimeNames:
			vars.LCTimeNames = ptr(r.uint16())
		case qCharsetDatabase:
			vars.CharsetDatabase = ptr(r.uint16())
		case qTableMapForUpdate:
			vars.TableMapForUpdate = ptr(r.uint64())
		case qMasterDataWritten:
			vars.MasterDataWritten = ptr(r.uint32())
		case qInvoker:
			vars.Invoker = &Invoker{User: r.lenString(), Host: r.lenString()}
		case qUpdatedDBNames:
			n := int(r.uint8())
			if n == overMaxDBs {
				vars.UpdatedDBs = []string{}
				continue
			}
			for i := 0; i < n && r.err == nil; i++ {
				rest := r.data[r.pos:]
				end := bytes.IndexByte(rest, 0)
				if end < 0 {
					return vars, fmt.Errorf("unterminated database name in status vars")
				}
				vars.UpdatedDBs = append(vars.UpdatedDBs, r.string(end))
				r.skip(1)
			}
		case qHRNow:
			vars.HRNow = ptr(r.uint24())
		case qXID:
			vars.XID = ptr(r.uint64())
		case qGTIDFlags3:
			flags := r.uint8()
			vars.GTIDFlags3 = &flags
			if flags&(GTIDExtraCommitAlter|GTIDExtraRollbackAlter) != 0 {
				vars.StartAlterSeq = ptr(r.uint64())
			}
		default:
			// Codes are written in ascending order, so an unknown one means the
			// rest of the block is from a newer server and cannot be parsed.
			break varsLoop
		}
	}
	return vars, r.err
}

func encodeStatusVars(vars StatusVars) []byte {
	var b []byte
	if vars.Flags2 != nil {
		b = appendUint32(append(b, qFlags2), *vars.Flags2)
	}
	if vars.SQLMode != nil {
		b = appendUint64(append(b, qSQLMode), *vars.SQLMode)
	}
	if vars.AutoIncrement != nil {
		b = append(b, qAutoIncrement)
		b = appendUint16(b, vars.AutoIncrement.Increment)
		b = appendUint16(b, vars.AutoIncrement.Offset)
	}
	if vars.Charset != nil {
		b = append(b, qCharset)
		b = appendUint16(b, vars.Charset.Client)
		b = appendUint16(b, vars.Charset.Connection)
		b = appendUint16(b, vars.Charset.Server)
	}
	if vars.TimeZone != nil {
		b = appendLenString(append(b, qTimeZone), *vars.TimeZone)
	}
	if vars.Catalog != nil {
		b = appendLenString(append(b, qCatalogNZ), *vars.Catalog)
	}
	if vars.LCTimeNames != nil {
		b = appendUint16(append(b, qLCTimeNames), *vars.LCTimeNames)
	}
	if vars.CharsetDatabase != nil {
		b = appendUint16(append(b, qCharsetDatabase), *vars.CharsetDatabase)
	}
	if vars.TableMapForUpdate != nil {
		b = appendUint64(append(b, qTableMapForUpdate), *vars.TableMapForUpdate)
	}
	if vars.MasterDataWritten != nil {
		b = appendUint32(append(b, qMasterDataWritten), *vars.MasterDataWritten)
	}
	if vars.Invoker != nil {
		b = append(b, qInvoker)
		b = appendLenString(b, vars.Invoker.User)
		b = appendLenString(b, vars.Invoker.Host)
	}
	if vars.UpdatedDBs != nil {
		b = append(b, qUpdatedDBNames)
		if len(vars.UpdatedDBs) == 0 {
			b = append(b, overMaxDBs)
		} else {
			b = append(b, byte(len(vars.UpdatedDBs)))
			for _, db := range vars.UpdatedDBs {
				b = append(append(b, db...), 0)
			}
		}
	}
	if vars.HRNow != nil {
		b = appendUint24(append(b, qHRNow), *vars.HRNow)
	}
	if vars.XID != nil {
		b = appendUint64(append(b, qXID), *vars.XID)
	}
	if vars.GTIDFlags3 != nil {
		b = append(b, qGTIDFlags3, *vars.GTIDFlags3)
		if *vars.GTIDFlags3&(GTIDExtraCommitAlter|GTIDExtraRollbackAlter) != 0 {
			var seq uint64
			if vars.StartAlterSeq != nil {
				seq = *vars.StartAlterSeq
			}
			b = appendUint64(b, seq)
		}
	}
	return b
}

func decodeQuery(f *FormatDescription, _ EventType, body []byte) (Event, error) {
	postHeaderLen, _ := f.postHeaderLen(QueryEvent)
	r := newBodyReader(body)
	s := &Statement{}
	s.ThreadID = r.uint32()
	s.ExecTime = r.uint32()
	dbLen := int(r.uint8())
	s.ErrorCode = r.uint16()
	statusLen := int(r.uint16())
	r.skip(postHeaderLen - queryPostHeaderLen)
	status := r.take(statusLen)
	s.Database = r.string(dbLen)
	r.skip(1)
	s.Text = string(r.rest())
	if r.err != nil {
		return nil, r.err
	}
	vars, err := decodeStatusVars(status)
	if err != nil {
		return nil, fmt.Errorf("status vars: %w", err)
	}
	s.Status = vars

	switch strings.ToUpper(strings.TrimSpace(s.Text)) {
	case "COMMIT":
		return &TransactionEnd{XID: vars.XID}, nil
	case "ROLLBACK":
		return &TransactionEnd{Rollback: true, XID: vars.XID}, nil
	}
	return s, nil
}

func encodeQuery(f *FormatDescription, ev Event) ([]byte, error) {
	s, ok := ev.(*Statement)
	if !ok {
		// COMMIT and ROLLBACK markers share the Query type code.
		return encodeTransactionEnd(f, ev)
	}
	if len(s.Database) > 0xff {
		return nil, fmt.Errorf("database name too long: %d bytes", len(s.Database))
	}
	status := encodeStatusVars(s.Status)
	b := make([]byte, 0, queryPostHeaderLen+len(status)+len(s.Database)+1+len(s.Text))
	b = appendUint32(b, s.ThreadID)
	b = appendUint32(b, s.ExecTime)
	b = append(b, byte(len(s.Database)))
	b = appendUint16(b, s.ErrorCode)
	b = appendUint16(b, uint16(len(status)))
	b = append(b, status...)
	b = append(append(b, s.Database...), 0)
	b = append(b, s.Text...)
	return b, nil
}
