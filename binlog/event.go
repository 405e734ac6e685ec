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

// Event is one decoded event body. The set of implementations is closed: every
// variant lives in this package and is registered in the codecs table below.
type Event interface {
	// Type returns the type code the event is written with.
	Type() EventType
	isEvent()
}

type eventCodec struct {
	decode func(f *FormatDescription, t EventType, body []byte) (Event, error)
	encode func(f *FormatDescription, ev Event) ([]byte, error)
}

var codecs = map[EventType]eventCodec{
	QueryEvent:             {decode: decodeQuery, encode: encodeQuery},
	StopEvent:              {decode: decodeEmpty, encode: encodeEmpty},
	RotateEvent:            {decode: decodeRotate, encode: encodeRotate},
	IntVarEvent:            {decode: decodeSessionVariable, encode: encodeSessionVariable},
	RandEvent:              {decode: decodeSessionVariable, encode: encodeSessionVariable},
	UserVarEvent:           {decode: decodeSessionVariable, encode: encodeSessionVariable},
	FormatDescriptionEvent: {decode: ignoreType(decodeFormatDescription), encode: encodeFormatDescription},
	XIDEvent:               {decode: decodeXID, encode: encodeTransactionEnd},
	TableMapEvent:          {decode: ignoreType(decodeTableMap), encode: encodeTableMap},
	WriteRowsEventV1:       {decode: decodeRows, encode: encodeRows},
	UpdateRowsEventV1:      {decode: decodeRows, encode: encodeRows},
	DeleteRowsEventV1:      {decode: decodeRows, encode: encodeRows},
	WriteRowsEventV2:       {decode: decodeRows, encode: encodeRows},
	UpdateRowsEventV2:      {decode: decodeRows, encode: encodeRows},
	DeleteRowsEventV2:      {decode: decodeRows, encode: encodeRows},
	IncidentEvent:          {decode: ignoreType(decodeIncident), encode: encodeIncident},
	HeartbeatEvent:         {decode: decodeHeartbeat, encode: encodeHeartbeat},
	AnnotateRowsEvent:      {decode: ignoreType(decodeAnnotateRows), encode: encodeAnnotateRows},
	BinlogCheckpointEvent:  {decode: ignoreType(decodeBinlogCheckpoint), encode: encodeBinlogCheckpoint},
	GTIDEvent:              {decode: ignoreType(decodeGTID), encode: encodeGTID},
	GTIDListEvent:          {decode: ignoreType(decodeGTIDList), encode: encodeGTIDList},
	StartEncryptionEvent:   {decode: ignoreType(decodeStartEncryption), encode: encodeStartEncryption},
}

func ignoreType(fn func(f *FormatDescription, body []byte) (Event, error)) func(*FormatDescription, EventType, []byte) (Event, error) {
	return func(f *FormatDescription, _ EventType, body []byte) (Event, error) {
		return fn(f, body)
	}
}

// Known reports whether this package can decode events of type t.
func Known(t EventType) bool {
	_, ok := codecs[t]
	return ok
}

// Stop is written when the server shuts down. For more details, see: https://mariadb.com/kb/en/stop_event/
type Stop struct{}

func (Stop) Type() EventType { return StopEvent }
func (Stop) isEvent()        {}

func decodeEmpty(_ *FormatDescription, _ EventType, _ []byte) (Event, error) {
	return Stop{}, nil
}

func encodeEmpty(_ *FormatDescription, _ Event) ([]byte, error) {
	return nil, nil
}

// Heartbeat is sent by a primary with nothing to send. It never appears in a log file.
// For more details, see: https://mariadb.com/kb/en/heartbeat_log_event/
type Heartbeat struct {
	LogName string
}

func (Heartbeat) Type() EventType { return HeartbeatEvent }
func (Heartbeat) isEvent()        {}

func decodeHeartbeat(_ *FormatDescription, _ EventType, body []byte) (Event, error) {
	return Heartbeat{LogName: string(body)}, nil
}

func encodeHeartbeat(_ *FormatDescription, ev Event) ([]byte, error) {
	return []byte(ev.(Heartbeat).LogName), nil
}
