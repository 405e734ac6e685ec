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

import (
	"fmt"
	"io"
)

// Row is one decoded row image with one entry per table column. Columns that
// are NULL, or absent from the image, are nil.
type Row []any

// RowChange is a WRITE_ROWS, UPDATE_ROWS or DELETE_ROWS event. Row images are
// kept packed; they can only be decoded against the TableMap of TableID.
// For more details, see: https://mariadb.com/kb/en/rows_event_v1v2-rows_compressed_event_v1/
type RowChange struct {
	Kind    RowEventType
	V2      bool
	TableID uint64
	Flags   uint16
	// Extra is the v2 extra-data block, without its length prefix.
	Extra       []byte
	ColumnCount int
	// Present is the column bitmap of the before image (of the only image for
	// writes); PresentAfter is the bitmap of the after image of updates.
	Present      Bitmap
	PresentAfter Bitmap
	Data         []byte
}

func (e *RowChange) Type() EventType { return e.Kind.typeCode(e.V2) }
func (*RowChange) isEvent()          {}

// IsFlush reports whether this is the dummy event marking the end of a
// statement, which only frees the table maps.
func (e *RowChange) IsFlush() bool {
	return e.TableID == FlushTableID && e.ColumnCount == 0
}

// StmtEnd reports whether this is the last rows event of its statement.
func (e *RowChange) StmtEnd() bool {
	return e.Flags&RowsFlagStmtEnd != 0
}

// NewRowChange returns an empty rows event for tm, with the given column bitmaps.
// after is only used for updates.
func NewRowChange(kind RowEventType, tm *TableMap, present, after Bitmap) *RowChange {
	e := &RowChange{
		Kind:        kind,
		TableID:     tm.TableID,
		ColumnCount: tm.ColumnCount(),
		Present:     present,
	}
	if kind == UpdateRowEvent {
		e.PresentAfter = after
	}
	return e
}

// AppendRow packs one row into the event. Writes take the after image,
// deletes the before image, updates both.
func (e *RowChange) AppendRow(tm *TableMap, before, after Row) error {
	var err error
	switch e.Kind {
	case InsertRowEvent:
		e.Data, err = appendRowImage(e.Data, tm, e.Present, after)
	case DeleteRowEvent:
		e.Data, err = appendRowImage(e.Data, tm, e.Present, before)
	case UpdateRowEvent:
		if e.Data, err = appendRowImage(e.Data, tm, e.Present, before); err == nil {
			e.Data, err = appendRowImage(e.Data, tm, e.PresentAfter, after)
		}
	}
	return err
}

// RowCursor walks the row images of a rows event.
type RowCursor struct {
	ev  *RowChange
	tm  *TableMap
	pos int
	row int
}

// Cursor returns a cursor over the images of e, decoded with tm.
func (e *RowChange) Cursor(tm *TableMap) (*RowCursor, error) {
	if tm.TableID != e.TableID {
		return nil, fmt.Errorf("rows event for table %d decoded with map of table %d", e.TableID, tm.TableID)
	}
	if e.ColumnCount > tm.ColumnCount() {
		return nil, fmt.Errorf("rows event has %d columns, table map %s.%s has %d",
			e.ColumnCount, tm.Database, tm.Name, tm.ColumnCount())
	}
	return &RowCursor{ev: e, tm: tm}, nil
}

// Index returns the number of rows already returned.
func (c *RowCursor) Index() int { return c.row }

// Next returns the next row. For writes only after is set, for deletes only
// before. It returns io.EOF after the last row.
func (c *RowCursor) Next() (before, after Row, err error) {
	if c.pos >= len(c.ev.Data) {
		return nil, nil, io.EOF
	}
	var image Row
	switch c.ev.Kind {
	case InsertRowEvent:
		after, c.pos, err = decodeRowImage(c.ev.Data, c.pos, c.tm, c.ev.Present)
	case DeleteRowEvent:
		before, c.pos, err = decodeRowImage(c.ev.Data, c.pos, c.tm, c.ev.Present)
	case UpdateRowEvent:
		image, c.pos, err = decodeRowImage(c.ev.Data, c.pos, c.tm, c.ev.Present)
		if err == nil {
			before = image
			after, c.pos, err = decodeRowImage(c.ev.Data, c.pos, c.tm, c.ev.PresentAfter)
		}
	}
	if err != nil {
		return nil, nil, fmt.Errorf("row %d of %s.%s: %w", c.row, c.tm.Database, c.tm.Name, err)
	}
	c.row++
	return before, after, nil
}

func decodeRowImage(data []byte, pos int, tm *TableMap, present Bitmap) (Row, int, error) {
	n := tm.ColumnCount()
	nullBytes := (present.BitCount() + 7) / 8
	if pos+nullBytes > len(data) {
		return nil, pos, fmt.Errorf("truncated null bitmap at offset %d", pos)
	}
	nulls := bitmapFromBytes(data[pos:pos+nullBytes], present.BitCount())
	pos += nullBytes

	row := make(Row, n)
	nullIdx := 0
	for i := 0; i < present.Count() && i < n; i++ {
		if !present.Bit(i) {
			continue
		}
		isNull := nulls.Bit(nullIdx)
		nullIdx++
		if isNull {
			continue
		}
		v, l, err := DecodeCell(data, pos, tm.Types[i], tm.Metadata[i], tm.IsUnsigned(i))
		if err != nil {
			return nil, pos, fmt.Errorf("column %d: %w", i, err)
		}
		row[i] = v
		pos += l
	}
	return row, pos, nil
}

func appendRowImage(b []byte, tm *TableMap, present Bitmap, row Row) ([]byte, error) {
	nulls := NewBitmap(present.BitCount())
	var cells []byte
	nullIdx := 0
	for i := 0; i < present.Count(); i++ {
		if !present.Bit(i) {
			continue
		}
		if i >= len(row) || row[i] == nil {
			nulls.Set(nullIdx, true)
		} else {
			var err error
			if cells, err = EncodeCell(cells, row[i], tm.Types[i], tm.Metadata[i]); err != nil {
				return b, fmt.Errorf("column %d: %w", i, err)
			}
		}
		nullIdx++
	}
	return append(append(b, nulls.Bytes()...), cells...), nil
}

func decodeRows(f *FormatDescription, t EventType, body []byte) (Event, error) {
	postHeaderLen, _ := f.postHeaderLen(t)
	e := &RowChange{}
	e.Kind, e.V2 = rowEventTypeOf(t)
	r := newBodyReader(body)
	e.TableID = readTableID(r, postHeaderLen)
	e.Flags = r.uint16()
	if e.V2 {
		extraLen := int(r.uint16())
		if extraLen < 2 {
			return nil, fmt.Errorf("invalid v2 extra data length %d", extraLen)
		}
		if extraLen > 2 {
			e.Extra = r.bytes(extraLen - 2)
		}
	}
	e.ColumnCount = int(r.packedInt())
	if r.err == nil && (e.ColumnCount+7)/8 > r.remaining() {
		return nil, fmt.Errorf("rows event declares %d columns in %d bytes", e.ColumnCount, r.remaining())
	}
	e.Present = bitmapFromBytes(r.bytes((e.ColumnCount+7)/8), e.ColumnCount)
	if e.Kind == UpdateRowEvent {
		e.PresentAfter = bitmapFromBytes(r.bytes((e.ColumnCount+7)/8), e.ColumnCount)
	}
	if r.remaining() > 0 {
		e.Data = r.bytes(r.remaining())
	}
	return e, r.err
}

func encodeRows(_ *FormatDescription, ev Event) ([]byte, error) {
	e := ev.(*RowChange)
	var b []byte
	b = appendUint48(b, e.TableID)
	b = appendUint16(b, e.Flags)
	if e.V2 {
		b = appendUint16(b, uint16(len(e.Extra)+2))
		b = append(b, e.Extra...)
	}
	b = appendPackedInt(b, uint64(e.ColumnCount))
	present := e.Present
	if present.Count() != e.ColumnCount {
		return nil, fmt.Errorf("rows event has %d columns and a %d-bit bitmap", e.ColumnCount, present.Count())
	}
	b = append(b, present.Bytes()...)
	if e.Kind == UpdateRowEvent {
		if e.PresentAfter.Count() != e.ColumnCount {
			return nil, fmt.Errorf("update rows event has %d columns and a %d-bit after bitmap", e.ColumnCount, e.PresentAfter.Count())
		}
		b = append(b, e.PresentAfter.Bytes()...)
	}
	return append(b, e.Data...), nil
}
