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

import "strings"

const (
	serverVersionLen = 50
	// fdeFixedLen is binlog_version(2) + server_version(50) + create_timestamp(4) + header_length(1).
	fdeFixedLen = 2 + serverVersionLen + 4 + 1
)

// FormatDescription is the descriptor event written at the beginning of every
// log, at position 4. It describes how every following event is framed: the
// common header length, the post-header length of each event type and the
// checksum algorithm. For more details, see: https://mariadb.com/kb/en/format_description_event/
//
// A FormatDescription always carries its own algorithm byte followed by a
// 4-byte trailer; the trailer is verified only when the algorithm is CRC32.
type FormatDescription struct {
	BinlogVersion     uint16
	ServerVersion     string
	CreateTimestamp   uint32
	HeaderLength      uint8
	PostHeaderLengths []byte
	ChecksumAlg       ChecksumAlg
}

// NewFormatDescription returns the dialect written by this package.
func NewFormatDescription(serverVersion string, alg ChecksumAlg) *FormatDescription {
	return &FormatDescription{
		BinlogVersion:     4,
		ServerVersion:     serverVersion,
		HeaderLength:      HeaderLen,
		PostHeaderLengths: defaultPostHeaderLengths(),
		ChecksumAlg:       alg,
	}
}

func defaultPostHeaderLengths() []byte {
	t := make([]byte, numEventTypes)
	set := func(et EventType, n int) { t[et-1] = byte(n) }
	set(StartEventV3, 56)
	set(QueryEvent, queryPostHeaderLen)
	set(RotateEvent, 8)
	set(FormatDescriptionEvent, fdeFixedLen+numEventTypes)
	set(TableMapEvent, 8)
	set(WriteRowsEventV1, 8)
	set(UpdateRowsEventV1, 8)
	set(DeleteRowsEventV1, 8)
	set(IncidentEvent, 2)
	set(WriteRowsEventV2, 10)
	set(UpdateRowsEventV2, 10)
	set(DeleteRowsEventV2, 10)
	set(BinlogCheckpointEvent, 4)
	set(GTIDEvent, gtidPostHeaderLen)
	set(GTIDListEvent, 4)
	return t
}

func (f *FormatDescription) Type() EventType { return FormatDescriptionEvent }
func (*FormatDescription) isEvent()          {}

// headerLen returns the length of a header of the given shape under this dialect.
func (f *FormatDescription) headerLen(shape HeaderShape) int {
	if shape == Minimal || f == nil || int(f.HeaderLength) < HeaderLen {
		return HeaderLen
	}
	return int(f.HeaderLength)
}

// postHeaderLen returns the declared post-header length of t, and false when
// t is not in the dialect's table.
func (f *FormatDescription) postHeaderLen(t EventType) (int, bool) {
	if t == UnknownEvent || int(t) > len(f.PostHeaderLengths) {
		return 0, false
	}
	return int(f.PostHeaderLengths[t-1]), true
}

// checksummed reports whether frames of type t carry a trailer under this dialect.
func (f *FormatDescription) checksummed(t EventType) bool {
	if t == FormatDescriptionEvent {
		return true
	}
	return f != nil && f.ChecksumAlg == ChecksumCRC32
}

func decodeFormatDescription(_ *FormatDescription, body []byte) (Event, error) {
	r := newBodyReader(body)
	f := &FormatDescription{}
	f.BinlogVersion = r.uint16()
	f.ServerVersion = strings.TrimRight(r.string(serverVersionLen), "\x00")
	f.CreateTimestamp = r.uint32()
	f.HeaderLength = r.uint8()
	n := r.remaining() - 1
	f.PostHeaderLengths = r.bytes(n)
	f.ChecksumAlg = ChecksumAlg(r.uint8())
	return f, r.err
}

func encodeFormatDescription(_ *FormatDescription, ev Event) ([]byte, error) {
	f := ev.(*FormatDescription)
	b := make([]byte, 0, fdeFixedLen+len(f.PostHeaderLengths)+1)
	b = appendUint16(b, f.BinlogVersion)
	var version [serverVersionLen]byte
	copy(version[:], f.ServerVersion)
	b = append(b, version[:]...)
	b = appendUint32(b, f.CreateTimestamp)
	b = append(b, f.HeaderLength)
	b = append(b, f.PostHeaderLengths...)
	b = append(b, byte(f.ChecksumAlg))
	return b, nil
}
