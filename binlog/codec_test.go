package binlog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, ev Event) Event {
	t.Helper()
	enc := NewEncoder(NewFormatDescription("10.11.6-MariaDB-log", ChecksumCRC32), nil, CipherCBC)
	dec := NewDecoder(NewFormatDescription("10.11.6-MariaDB-log", ChecksumCRC32), nil, CipherCBC)
	frame, err := enc.Encode(256, Header{Timestamp: 1700000000, ServerID: 7, Flags: FlagThreadSpecific}, ev)
	require.NoError(t, err)
	h, got, err := dec.Decode(256, frame)
	require.NoError(t, err)
	assert.Equal(t, ev.Type(), h.Type)
	assert.Equal(t, uint32(len(frame)), h.EventLength)
	assert.Equal(t, uint32(256+len(frame)), h.NextPosition)
	assert.Equal(t, uint32(7), h.ServerID)
	return got
}

func TestEventRoundTrip(t *testing.T) {
	xid := uint64(42)
	testCases := []struct {
		name string
		ev   Event
	}{
		{"statement", &Statement{
			ThreadID:  12,
			ExecTime:  1,
			Database:  "db1",
			ErrorCode: 1051,
			Status: StatusVars{
				Flags2:          ptr(Flags2NoForeignKeyChecks),
				SQLMode:         ptr(uint64(0x5420_0000)),
				AutoIncrement:   &AutoIncrement{Increment: 2, Offset: 1},
				Charset:         &Charset{Client: 33, Connection: 33, Server: 8},
				TimeZone:        ptr("SYSTEM"),
				Catalog:         ptr("std"),
				LCTimeNames:     ptr(uint16(0)),
				CharsetDatabase: ptr(uint16(45)),
				Invoker:         &Invoker{User: "root", Host: "localhost"},
				UpdatedDBs:      []string{"db1", "db2"},
				HRNow:           ptr(uint32(123456)),
				XID:             ptr(uint64(9)),
			},
			Text: "DROP TABLE t",
		}},
		{"start alter", &Statement{
			Database: "db1",
			Status:   StatusVars{GTIDFlags3: ptr(GTIDExtraStartAlter)},
			Text:     "ALTER TABLE t ADD COLUMN c INT",
		}},
		{"commit alter", &Statement{
			Database: "db1",
			Status:   StatusVars{GTIDFlags3: ptr(GTIDExtraCommitAlter), StartAlterSeq: ptr(uint64(100))},
			Text:     "COMMIT ALTER",
		}},
		{"xid", &TransactionEnd{XID: &xid}},
		{"commit", &TransactionEnd{}},
		{"rollback", &TransactionEnd{Rollback: true}},
		{"rollback with xid", &TransactionEnd{Rollback: true, XID: &xid}},
		{"rotate", &Rotate{Position: 4, NextLog: "mysql-bin.000002"}},
		{"intvar", &SessionVariable{Kind: IntVar, IntVarType: IntVarInsertID, Value: 100}},
		{"rand", &SessionVariable{Kind: Rand, Seed1: 1, Seed2: 2}},
		{"user var", &SessionVariable{Kind: UserVar, Name: "a", ValueType: 0, Charset: 33, Data: []byte("abc")}},
		{"null user var", &SessionVariable{Kind: UserVar, Name: "b", Null: true}},
		{"incident", &Incident{Code: 1, Message: "LOST_EVENTS"}},
		{"annotate", &AnnotateRows{Text: "INSERT INTO t VALUES (1)"}},
		{"checkpoint", &BinlogCheckpoint{LogName: "mysql-bin.000001"}},
		{"gtid list", &GTIDList{Entries: []GTIDListEntry{{Domain: 0, ServerID: 1, Sequence: 10}, {Domain: 1, ServerID: 2, Sequence: 3}}}},
		{"gtid", &GTID{Sequence: 100, Domain: 1, Flags: GTIDTransactional | GTIDAllowParallel}},
		{"gtid full", &GTID{
			Sequence:      101,
			Domain:        1,
			Flags:         GTIDGroupCommitID | GTIDPreparedXA | GTIDDDL,
			CommitID:      99,
			XA:            &XID{FormatID: 1, GTrid: []byte("trx"), BQual: []byte("b")},
			FlagsExtra:    GTIDExtraMultiEngine | GTIDExtraCommitAlter | GTIDExtraThreadID,
			ExtraEngines:  1,
			StartAlterSeq: 100,
			ThreadID:      77,
		}},
		{"stop", Stop{}},
		{"heartbeat", Heartbeat{LogName: "mysql-bin.000003"}},
		{"table map", testTableMap()},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.ev, roundTrip(t, tc.ev))
		})
	}
}

func TestFormatDescriptionReplacesDialect(t *testing.T) {
	enc := NewEncoder(NewFormatDescription("", ChecksumOff), nil, CipherCBC)
	dec := NewDecoder(nil, nil, CipherCBC)

	fde := NewFormatDescription("10.11.6-MariaDB", ChecksumCRC32)
	frame, err := enc.Encode(4, Header{}, fde)
	require.NoError(t, err)
	_, ev, err := dec.Decode(4, frame)
	require.NoError(t, err)
	require.Equal(t, fde, ev)
	require.Equal(t, ChecksumCRC32, dec.Format().ChecksumAlg)

	// Both sides now frame with a trailer.
	frame, err = enc.Encode(200, Header{}, &Rotate{Position: 4, NextLog: "log.2"})
	require.NoError(t, err)
	require.Len(t, frame, HeaderLen+8+len("log.2")+ChecksumLen)
	_, _, err = dec.Decode(200, frame)
	require.NoError(t, err)
}

func TestFormatDescriptionWithoutChecksum(t *testing.T) {
	enc := NewEncoder(NewFormatDescription("", ChecksumOff), nil, CipherCBC)
	dec := NewDecoder(nil, nil, CipherCBC)
	fde := NewFormatDescription("10.11.6-MariaDB", ChecksumOff)
	frame, err := enc.Encode(4, Header{}, fde)
	require.NoError(t, err)
	// The trailer is present but not verified.
	frame[len(frame)-1] ^= 0xff
	_, ev, err := dec.Decode(4, frame)
	require.NoError(t, err)
	require.Equal(t, fde, ev)
}

func TestHeaderShapes(t *testing.T) {
	fde := NewFormatDescription("", ChecksumOff)
	fde.HeaderLength = HeaderLen + 4
	enc := NewEncoder(fde, nil, CipherCBC)
	dec := NewDecoder(fde, nil, CipherCBC)

	frame, err := enc.Encode(10, Header{Extra: []byte{1, 2, 3, 4}}, &Incident{Code: 2})
	require.NoError(t, err)
	h, ev, err := dec.Decode(10, frame)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4}, h.Extra)
	require.Equal(t, &Incident{Code: 2}, ev)

	// Rotate always uses the minimal header.
	frame, err = enc.Encode(10, Header{}, &Rotate{Position: 4, NextLog: "x"})
	require.NoError(t, err)
	require.Len(t, frame, HeaderLen+8+1)
	h, ev, err = dec.Decode(10, frame)
	require.NoError(t, err)
	require.Nil(t, h.Extra)
	require.Equal(t, &Rotate{Position: 4, NextLog: "x"}, ev)
}

func TestDecodeErrors(t *testing.T) {
	fde := NewFormatDescription("", ChecksumCRC32)
	enc := NewEncoder(fde, nil, CipherCBC)
	frame, err := enc.Encode(4, Header{}, &Rotate{Position: 4, NextLog: "log"})
	require.NoError(t, err)

	t.Run("short", func(t *testing.T) {
		_, _, err := NewDecoder(fde, nil, CipherCBC).Decode(4, frame[:10])
		require.True(t, ErrMalformedFrame.Is(err), "%v", err)
	})
	t.Run("length mismatch", func(t *testing.T) {
		_, _, err := NewDecoder(fde, nil, CipherCBC).Decode(4, frame[:len(frame)-1])
		require.True(t, ErrMalformedFrame.Is(err), "%v", err)
	})
	t.Run("checksum", func(t *testing.T) {
		bad := append([]byte(nil), frame...)
		bad[HeaderLen] ^= 1
		_, _, err := NewDecoder(fde, nil, CipherCBC).Decode(4, bad)
		require.True(t, ErrChecksumMismatch.Is(err), "%v", err)
	})
	t.Run("unknown type", func(t *testing.T) {
		unknown := append([]byte(nil), frame...)
		unknown[offsetType] = 200
		copy(unknown[len(unknown)-ChecksumLen:], appendUint32(nil, Checksum(unknown[:len(unknown)-ChecksumLen])))
		h, ev, err := NewDecoder(fde, nil, CipherCBC).Decode(4, unknown)
		require.True(t, ErrUnknownEventType.Is(err), "%v", err)
		require.Nil(t, ev)
		require.Equal(t, EventType(200), h.Type)
	})
	t.Run("short post-header", func(t *testing.T) {
		// A GTID body shorter than its post-header.
		body := []byte{1, 2, 3}
		frame := make([]byte, HeaderLen, HeaderLen+len(body)+ChecksumLen)
		putHeader(frame, Header{Type: GTIDEvent, EventLength: uint32(HeaderLen + len(body) + ChecksumLen)}, HeaderLen)
		frame = appendChecksum(append(frame, body...))
		_, _, err := NewDecoder(fde, nil, CipherCBC).Decode(4, frame)
		require.True(t, ErrMalformedFrame.Is(err), "%v", err)
	})
}

func TestChecksumMasksInUseFlag(t *testing.T) {
	fde := NewFormatDescription("10.11.6-MariaDB", ChecksumCRC32)
	enc := NewEncoder(fde, nil, CipherCBC)
	open, err := enc.Encode(4, Header{Flags: FlagBinlogInUse}, fde)
	require.NoError(t, err)
	closed, err := NewEncoder(fde, nil, CipherCBC).Encode(4, Header{}, fde)
	require.NoError(t, err)
	require.Equal(t, open[len(open)-ChecksumLen:], closed[len(closed)-ChecksumLen:])

	// Clearing the flag after the fact keeps the frame valid.
	open[offsetFlags] &^= byte(FlagBinlogInUse)
	require.NoError(t, VerifyChecksum(4, open))
}

func TestEventTypeString(t *testing.T) {
	assert.Equal(t, "GTID", GTIDEvent.String())
	assert.Equal(t, "Unknown(200)", EventType(200).String())
	assert.Equal(t, "UPDATE", UpdateRowEvent.String())
	assert.True(t, Known(QueryEvent))
	assert.False(t, Known(EventType(200)))
}
