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

// EventType is the type code carried in byte 4 of every event header.
// For the full list, see: https://mariadb.com/kb/en/2-binlog-event-header/
type EventType uint8

const (
	UnknownEvent           EventType = 0
	StartEventV3           EventType = 1
	QueryEvent             EventType = 2
	StopEvent              EventType = 3
	RotateEvent            EventType = 4
	IntVarEvent            EventType = 5
	RandEvent              EventType = 13
	UserVarEvent           EventType = 14
	FormatDescriptionEvent EventType = 15
	XIDEvent               EventType = 16
	TableMapEvent          EventType = 19
	WriteRowsEventV1       EventType = 23
	UpdateRowsEventV1      EventType = 24
	DeleteRowsEventV1      EventType = 25
	IncidentEvent          EventType = 26
	HeartbeatEvent         EventType = 27
	WriteRowsEventV2       EventType = 30
	UpdateRowsEventV2      EventType = 31
	DeleteRowsEventV2      EventType = 32

	AnnotateRowsEvent     EventType = 160
	BinlogCheckpointEvent EventType = 161
	GTIDEvent             EventType = 162
	GTIDListEvent         EventType = 163
	StartEncryptionEvent  EventType = 164

	// numEventTypes is the length of the post-header table written by this package.
	numEventTypes = 164
)

var eventTypeNames = map[EventType]string{
	StartEventV3:           "StartV3",
	QueryEvent:             "Query",
	StopEvent:              "Stop",
	RotateEvent:            "Rotate",
	IntVarEvent:            "IntVar",
	RandEvent:              "Rand",
	UserVarEvent:           "UserVar",
	FormatDescriptionEvent: "FormatDescription",
	XIDEvent:               "XID",
	TableMapEvent:          "TableMap",
	WriteRowsEventV1:       "WriteRowsV1",
	UpdateRowsEventV1:      "UpdateRowsV1",
	DeleteRowsEventV1:      "DeleteRowsV1",
	IncidentEvent:          "Incident",
	HeartbeatEvent:         "Heartbeat",
	WriteRowsEventV2:       "WriteRowsV2",
	UpdateRowsEventV2:      "UpdateRowsV2",
	DeleteRowsEventV2:      "DeleteRowsV2",
	AnnotateRowsEvent:      "AnnotateRows",
	BinlogCheckpointEvent:  "BinlogCheckpoint",
	GTIDEvent:              "GTID",
	GTIDListEvent:          "GTIDList",
	StartEncryptionEvent:   "StartEncryption",
}

func (t EventType) String() string {
	if name, ok := eventTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", uint8(t))
}

// Header flag bits.
const (
	FlagBinlogInUse     uint16 = 0x0001
	FlagThreadSpecific  uint16 = 0x0004
	FlagSuppressUse     uint16 = 0x0008
	FlagArtificial      uint16 = 0x0020
	FlagRelayLog        uint16 = 0x0040
	FlagIgnorable       uint16 = 0x0080
	FlagSkipReplication uint16 = 0x8000
)

// ChecksumAlg is the checksum algorithm declared by a FormatDescription event.
type ChecksumAlg uint8

const (
	ChecksumOff   ChecksumAlg = 0
	ChecksumCRC32 ChecksumAlg = 1
	ChecksumUndef ChecksumAlg = 255
)

func (a ChecksumAlg) String() string {
	switch a {
	case ChecksumOff:
		return "OFF"
	case ChecksumCRC32:
		return "CRC32"
	case ChecksumUndef:
		return "UNDEF"
	default:
		return fmt.Sprintf("ChecksumAlg(%d)", uint8(a))
	}
}

const (
	// HeaderLen is the length of the common header (the "minimal" shape).
	HeaderLen = 19
	// ChecksumLen is the length of the CRC32 trailer.
	ChecksumLen = 4

	offsetType         = 4
	offsetServerID     = 5
	offsetEventLength  = 9
	offsetNextPosition = 13
	offsetFlags        = 17
)

// Row event flags. For more details, see: https://mariadb.com/kb/en/rows_event_v1v2-rows_compressed_event_v1/
const (
	RowsFlagStmtEnd       uint16 = 0x0001
	RowsFlagNoForeignKeys uint16 = 0x0002
	RowsFlagRelaxedUnique uint16 = 0x0004
	RowsFlagComplete      uint16 = 0x0008
)

// FlushTableID is the reserved table id of a dummy rows event that only
// signals "statement end, free the table maps".
const FlushTableID uint64 = 0x00FFFFFF

// GTID flags (flags2 byte of the GTID event).
const (
	GTIDStandalone    uint8 = 1
	GTIDGroupCommitID uint8 = 2
	GTIDTransactional uint8 = 4
	GTIDAllowParallel uint8 = 8
	GTIDWaited        uint8 = 16
	GTIDDDL           uint8 = 32
	GTIDPreparedXA    uint8 = 64
	GTIDCompletedXA   uint8 = 128
)

// GTID extra flags, also carried by the GTID_FLAGS3 status variable of a Query event.
const (
	GTIDExtraMultiEngine   uint8 = 1
	GTIDExtraStartAlter    uint8 = 2
	GTIDExtraCommitAlter   uint8 = 4
	GTIDExtraRollbackAlter uint8 = 8
	GTIDExtraThreadID      uint8 = 16
)

// Query event status variable codes.
// For more details, see: https://mariadb.com/kb/en/query_event/
const (
	qFlags2            = 0
	qSQLMode           = 1
	qCatalog           = 2
	qAutoIncrement     = 3
	qCharset           = 4
	qTimeZone          = 5
	qCatalogNZ         = 6
	qLCTimeNames       = 7
	qCharsetDatabase   = 8
	qTableMapForUpdate = 9
	qMasterDataWritten = 10
	qInvoker           = 11
	qUpdatedDBNames    = 12
	qHRNow             = 128
	qXID               = 129
	qGTIDFlags3        = 130

	// overMaxDBs marks an UPDATED_DB_NAMES block that lists no names.
	overMaxDBs = 254
)

// Query flags2 bits restored into the replaying session.
const (
	Flags2AutoIsNull          uint32 = 0x00004000
	Flags2NotAutocommit       uint32 = 0x00080000
	Flags2NoForeignKeyChecks  uint32 = 0x04000000
	Flags2RelaxedUniqueChecks uint32 = 0x08000000
)

// IntVar event sub-types.
const (
	IntVarLastInsertID uint8 = 1
	IntVarInsertID     uint8 = 2
)

// encryptionKeyID is the key id used for binary log encryption.
const encryptionKeyID = 1
