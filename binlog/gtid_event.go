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

// gtidPostHeaderLen is seq_no(8) + domain_id(4) + flags2(1) + commit_id or padding(6).
const gtidPostHeaderLen = 19

// XID is an XA transaction identifier.
type XID struct {
	FormatID int32
	GTrid    []byte
	BQual    []byte
}

// GTID starts a new transaction group, or marks a standalone (DDL) statement.
// The origin server id is taken from the event header.
// For more details, see: https://mariadb.com/kb/en/gtid_event/
type GTID struct {
	Sequence uint64
	Domain   uint32
	Flags    uint8
	// CommitID is present when Flags has GTIDGroupCommitID.
	CommitID uint64
	// XA is present when Flags has GTIDPreparedXA or GTIDCompletedXA.
	XA *XID
	// FlagsExtra is written only when non-zero.
	FlagsExtra   uint8
	ExtraEngines uint8
	// StartAlterSeq names the start-alter this commit or rollback resolves.
	StartAlterSeq uint64
	ThreadID      uint32
}

func (*GTID) Type() EventType { return GTIDEvent }
func (*GTID) isEvent()        {}

// Standalone reports whether the event is not followed by a BEGIN-equivalent group.
func (g *GTID) Standalone() bool { return g.Flags&GTIDStandalone != 0 }

func (g *GTID) StartAlter() bool    { return g.FlagsExtra&GTIDExtraStartAlter != 0 }
func (g *GTID) CommitAlter() bool   { return g.FlagsExtra&GTIDExtraCommitAlter != 0 }
func (g *GTID) RollbackAlter() bool { return g.FlagsExtra&GTIDExtraRollbackAlter != 0 }

func decodeGTID(_ *FormatDescription, body []byte) (Event, error) {
	r := newBodyReader(body)
	g := &GTID{}
	g.Sequence = r.uint64()
	g.Domain = r.uint32()
	g.Flags = r.uint8()
	if g.Flags&GTIDGroupCommitID != 0 {
		g.CommitID = r.uint64()
	} else {
		r.skip(6)
	}
	if g.Flags&(GTIDPreparedXA|GTIDCompletedXA) != 0 {
		xid := &XID{FormatID: int32(r.uint32())}
		gtridLen := int(r.uint8())
		bqualLen := int(r.uint8())
		xid.GTrid = r.bytes(gtridLen)
		xid.BQual = r.bytes(bqualLen)
		g.XA = xid
	}
	if r.err != nil {
		return nil, r.err
	}
	// Extensions are written in ascending order; a reader stops at the end of
	// the body and ignores what it does not know.
	if r.remaining() == 0 {
		return g, nil
	}
	g.FlagsExtra = r.uint8()
	if g.FlagsExtra&GTIDExtraMultiEngine != 0 {
		g.ExtraEngines = r.uint8()
	}
	if g.FlagsExtra&(GTIDExtraCommitAlter|GTIDExtraRollbackAlter) != 0 {
		g.StartAlterSeq = r.uint64()
	}
	if g.FlagsExtra&GTIDExtraThreadID != 0 {
		g.ThreadID = r.uint32()
	}
	return g, r.err
}

func encodeGTID(_ *FormatDescription, ev Event) ([]byte, error) {
	g := ev.(*GTID)
	b := make([]byte, 0, gtidPostHeaderLen+8)
	b = appendUint64(b, g.Sequence)
	b = appendUint32(b, g.Domain)
	b = append(b, g.Flags)
	if g.Flags&GTIDGroupCommitID != 0 {
		b = appendUint64(b, g.CommitID)
	} else {
		b = append(b, 0, 0, 0, 0, 0, 0)
	}
	if g.Flags&(GTIDPreparedXA|GTIDCompletedXA) != 0 {
		if g.XA == nil {
			return nil, fmt.Errorf("GTID %d-%d flagged XA without an xid", g.Domain, g.Sequence)
		}
		b = appendUint32(b, uint32(g.XA.FormatID))
		b = append(b, byte(len(g.XA.GTrid)), byte(len(g.XA.BQual)))
		b = append(append(b, g.XA.GTrid...), g.XA.BQual...)
	}
	if g.FlagsExtra == 0 {
		return b, nil
	}
	b = append(b, g.FlagsExtra)
	if g.FlagsExtra&GTIDExtraMultiEngine != 0 {
		b = append(b, g.ExtraEngines)
	}
	if g.FlagsExtra&(GTIDExtraCommitAlter|GTIDExtraRollbackAlter) != 0 {
		b = appendUint64(b, g.StartAlterSeq)
	}
	if g.FlagsExtra&GTIDExtraThreadID != 0 {
		b = appendUint32(b, g.ThreadID)
	}
	return b, nil
}

// GTIDListEntry is the last GTID of one replication domain.
type GTIDListEntry struct {
	Domain   uint32
	ServerID uint32
	Sequence uint64
}

// GTIDList is logged at the start of every log to record the replication state,
// one entry per domain. For more details, see: https://mariadb.com/kb/en/gtid_list_event/
type GTIDList struct {
	// Flags are the upper 4 bits of the count word.
	Flags   uint8
	Entries []GTIDListEntry
}

func (*GTIDList) Type() EventType { return GTIDListEvent }
func (*GTIDList) isEvent()        {}

func decodeGTIDList(_ *FormatDescription, body []byte) (Event, error) {
	r := newBodyReader(body)
	word := r.uint32()
	l := &GTIDList{Flags: uint8(word >> 28)}
	n := int(word & 0x0fffffff)
	if n*16 > r.remaining() {
		return nil, fmt.Errorf("GTID list declares %d entries in %d bytes", n, r.remaining())
	}
	for i := 0; i < n; i++ {
		l.Entries = append(l.Entries, GTIDListEntry{Domain: r.uint32(), ServerID: r.uint32(), Sequence: r.uint64()})
	}
	return l, r.err
}

func encodeGTIDList(_ *FormatDescription, ev Event) ([]byte, error) {
	l := ev.(*GTIDList)
	b := appendUint32(nil, uint32(l.Flags)<<28|uint32(len(l.Entries)))
	for _, e := range l.Entries {
		b = appendUint32(b, e.Domain)
		b = appendUint32(b, e.ServerID)
		b = appendUint64(b, e.Sequence)
	}
	return b, nil
}
