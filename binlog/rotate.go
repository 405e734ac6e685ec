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

// Rotate points to the next log file. It is written at the end of a log that
// reached its size limit, on FLUSH LOGS, and sent first on a new replication
// connection. For more details, see: https://mariadb.com/kb/en/rotate_event/
type Rotate struct {
	Position uint64
	NextLog  string
}

func (*Rotate) Type() EventType { return RotateEvent }
func (*Rotate) isEvent()        {}

func decodeRotate(_ *FormatDescription, _ EventType, body []byte) (Event, error) {
	r := newBodyReader(body)
	ev := &Rotate{Position: r.uint64()}
	ev.NextLog = string(r.rest())
	return ev, r.err
}

func encodeRotate(_ *FormatDescription, ev Event) ([]byte, error) {
	rot := ev.(*Rotate)
	return append(appendUint64(nil, rot.Position), rot.NextLog...), nil
}
