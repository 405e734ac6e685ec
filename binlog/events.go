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

// RowEventType is the kind of change carried by a rows event.
type RowEventType int8

const (
	DeleteRowEvent RowEventType = iota
	UpdateRowEvent
	InsertRowEvent
)

func (e RowEventType) String() string {
	switch e {
	case DeleteRowEvent:
		return "DELETE"
	case UpdateRowEvent:
		return "UPDATE"
	case InsertRowEvent:
		return "INSERT"
	default:
		return "UNKNOWN"
	}
}

// typeCode returns the wire type of a rows event of this kind.
func (e RowEventType) typeCode(v2 bool) EventType {
	var t EventType
	switch e {
	case DeleteRowEvent:
		t = DeleteRowsEventV1
	case UpdateRowEvent:
		t = UpdateRowsEventV1
	default:
		t = WriteRowsEventV1
	}
	if v2 {
		t += WriteRowsEventV2 - WriteRowsEventV1
	}
	return t
}

func rowEventTypeOf(t EventType) (kind RowEventType, v2 bool) {
	switch t {
	case WriteRowsEventV1:
		return InsertRowEvent, false
	case UpdateRowsEventV1:
		return UpdateRowEvent, false
	case DeleteRowsEventV1:
		return DeleteRowEvent, false
	case WriteRowsEventV2:
		return InsertRowEvent, true
	case UpdateRowsEventV2:
		return UpdateRowEvent, true
	default:
		return DeleteRowEvent, true
	}
}
