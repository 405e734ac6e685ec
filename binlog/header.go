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

import "encoding/binary"

// HeaderShape selects how many header bytes precede an event body.
type HeaderShape uint8

const (
	// Standard headers use the common header length declared by the active
	// FormatDescription; bytes beyond the first 19 are carried in Header.Extra.
	Standard HeaderShape = iota
	// Minimal headers are always 19 bytes. They are used by events that can be
	// read before the log's dialect is known.
	Minimal
)

// Shape returns the header shape used by events of this type.
func (t EventType) Shape() HeaderShape {
	switch t {
	case FormatDescriptionEvent, RotateEvent, StartEventV3:
		return Minimal
	default:
		return Standard
	}
}

// Header is the common event header.
// For more details, see: https://mariadb.com/kb/en/2-binlog-event-header/
type Header struct {
	Timestamp    uint32
	Type         EventType
	ServerID     uint32
	EventLength  uint32
	NextPosition uint32
	Flags        uint16
	// Extra holds header bytes beyond the 19 common ones, if the dialect declares any.
	Extra []byte
}

// SkipReplication reports whether the event carries the skip-replication flag.
func (h Header) SkipReplication() bool {
	return h.Flags&FlagSkipReplication != 0
}

func parseHeader(frame []byte, headerLen int) Header {
	h := Header{
		Timestamp:    binary.LittleEndian.Uint32(frame),
		Type:         EventType(frame[offsetType]),
		ServerID:     binary.LittleEndian.Uint32(frame[offsetServerID:]),
		EventLength:  binary.LittleEndian.Uint32(frame[offsetEventLength:]),
		NextPosition: binary.LittleEndian.Uint32(frame[offsetNextPosition:]),
		Flags:        binary.LittleEndian.Uint16(frame[offsetFlags:]),
	}
	if headerLen > HeaderLen {
		h.Extra = append([]byte(nil), frame[HeaderLen:headerLen]...)
	}
	return h
}

// putHeader writes the common header into the first 19 bytes of frame and
// Extra (zero-padded) up to headerLen.
func putHeader(frame []byte, h Header, headerLen int) {
	binary.LittleEndian.PutUint32(frame, h.Timestamp)
	frame[offsetType] = byte(h.Type)
	binary.LittleEndian.PutUint32(frame[offsetServerID:], h.ServerID)
	binary.LittleEndian.PutUint32(frame[offsetEventLength:], h.EventLength)
	binary.LittleEndian.PutUint32(frame[offsetNextPosition:], h.NextPosition)
	binary.LittleEndian.PutUint16(frame[offsetFlags:], h.Flags)
	if headerLen > HeaderLen {
		extra := frame[HeaderLen:headerLen]
		clear(extra)
		copy(extra, h.Extra)
	}
}
