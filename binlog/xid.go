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

// TransactionEnd terminates a transaction group. With an XID it is written as an
// XID event, generated for a COMMIT of a transaction that modifies tables of an
// XA-capable storage engine (https://mariadb.com/kb/en/xid_event/). Without one it
// is written as a "COMMIT" or "ROLLBACK" Query event; a rolled back XA
// transaction keeps its XID in the Query event's status variables.
type TransactionEnd struct {
	Rollback bool
	XID      *uint64
}

func (e *TransactionEnd) Type() EventType {
	if e.XID != nil && !e.Rollback {
		return XIDEvent
	}
	return QueryEvent
}

func (*TransactionEnd) isEvent() {}

func decodeXID(_ *FormatDescription, _ EventType, body []byte) (Event, error) {
	r := newBodyReader(body)
	xid := r.uint64()
	if r.err != nil {
		return nil, r.err
	}
	return &TransactionEnd{XID: &xid}, nil
}

func encodeTransactionEnd(f *FormatDescription, ev Event) ([]byte, error) {
	e := ev.(*TransactionEnd)
	if e.Type() == XIDEvent {
		return appendUint64(nil, *e.XID), nil
	}
	text := "COMMIT"
	if e.Rollback {
		text = "ROLLBACK"
	}
	return encodeQuery(f, &Statement{Text: text, Status: StatusVars{XID: e.XID}})
}
