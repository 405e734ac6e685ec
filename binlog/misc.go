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

// Incident marks a point from which replication is no longer exact, e.g. a lost
// event. For more details, see: https://mariadb.com/kb/en/incident_event/
type Incident struct {
	Code    uint16
	Message string
}

func (*Incident) Type() EventType { return IncidentEvent }
func (*Incident) isEvent()        {}

func decodeIncident(_ *FormatDescription, body []byte) (Event, error) {
	r := newBodyReader(body)
	ev := &Incident{Code: r.uint16()}
	if r.remaining() > 0 {
		ev.Message = r.lenString()
	}
	return ev, r.err
}

func encodeIncident(_ *FormatDescription, ev Event) ([]byte, error) {
	inc := ev.(*Incident)
	if len(inc.Message) > 0xff {
		return nil, fmt.Errorf("incident message too long: %d bytes", len(inc.Message))
	}
	return appendLenString(appendUint16(nil, inc.Code), inc.Message), nil
}

// AnnotateRows carries the text of the statement that produced the following
// row events. For more details, see: https://mariadb.com/kb/en/annotate_rows_event/
type AnnotateRows struct {
	Text string
}

func (*AnnotateRows) Type() EventType { return AnnotateRowsEvent }
func (*AnnotateRows) isEvent()        {}

func decodeAnnotateRows(_ *FormatDescription, body []byte) (Event, error) {
	return &AnnotateRows{Text: string(body)}, nil
}

func encodeAnnotateRows(_ *FormatDescription, ev Event) ([]byte, error) {
	return []byte(ev.(*AnnotateRows).Text), nil
}

// BinlogCheckpoint names the oldest log file still needed for crash recovery.
// For more details, see: https://mariadb.com/kb/en/binlog_checkpoint_event/
type BinlogCheckpoint struct {
	LogName string
}

func (*BinlogCheckpoint) Type() EventType { return BinlogCheckpointEvent }
func (*BinlogCheckpoint) isEvent()        {}

func decodeBinlogCheckpoint(_ *FormatDescription, body []byte) (Event, error) {
	r := newBodyReader(body)
	ev := &BinlogCheckpoint{LogName: r.string(int(r.uint32()))}
	return ev, r.err
}

func encodeBinlogCheckpoint(_ *FormatDescription, ev Event) ([]byte, error) {
	name := ev.(*BinlogCheckpoint).LogName
	return append(appendUint32(nil, uint32(len(name))), name...), nil
}

// StartEncryption switches every following frame of the log into encrypted
// form. For more details, see: https://mariadb.com/kb/en/start_encryption_event/
type StartEncryption struct {
	Scheme     uint8
	KeyVersion uint32
	Nonce      [12]byte
}

func (*StartEncryption) Type() EventType { return StartEncryptionEvent }
func (*StartEncryption) isEvent()        {}

func decodeStartEncryption(_ *FormatDescription, body []byte) (Event, error) {
	r := newBodyReader(body)
	ev := &StartEncryption{Scheme: r.uint8(), KeyVersion: r.uint32()}
	copy(ev.Nonce[:], r.take(len(ev.Nonce)))
	return ev, r.err
}

func encodeStartEncryption(_ *FormatDescription, ev Event) ([]byte, error) {
	se := ev.(*StartEncryption)
	b := appendUint32([]byte{se.Scheme}, se.KeyVersion)
	return append(b, se.Nonce[:]...), nil
}
