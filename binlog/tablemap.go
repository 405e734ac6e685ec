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

	vtbinlog "vitess.io/vitess/go/mysql/binlog"
)

// Optional table map metadata field types.
// For more details, see: https://mariadb.com/kb/en/table_map_event/#optional-metadata-fields
const (
	metaSignedness     = 1
	metaDefaultCharset = 2
	metaColumnCharset  = 3
	metaColumnName     = 4
	metaSetStrValue    = 5
	metaEnumStrValue   = 6
	metaGeometryType   = 7
	metaSimplePK       = 8
	metaPKWithPrefix   = 9
)

// TableMap precedes every rows event and maps a table id to a table definition:
// database and table names and the shape of every column.
// For more details, see: https://mariadb.com/kb/en/table_map_event/
type TableMap struct {
	TableID  uint64
	Flags    uint16
	Database string
	Name     string
	Types    []byte
	// Metadata is the per-column metadata word, 0 for types that carry none.
	Metadata  []uint16
	CanBeNull Bitmap

	Optional TableMapOptional
}

// TableMapOptional holds the optional metadata fields, present when the primary
// logs with binlog_row_metadata=FULL (or MINIMAL for the subset it covers).
// They are only used to make row matching robust to schema differences.
type TableMapOptional struct {
	// Unsigned has one entry per numeric column, in column order.
	Unsigned       []bool
	DefaultCharset *DefaultCharset
	ColumnCharsets []uint64
	ColumnNames    []string
	SetValues      [][]string
	EnumValues     [][]string
	GeometryTypes  []uint64
	// PrimaryKey lists the primary key column indexes.
	PrimaryKey []uint64
	// PrimaryKeyPrefixes has one entry per primary key column: 0 for a full column.
	PrimaryKeyPrefixes []uint64
}

// DefaultCharset is the most used collation of the table's character columns
// with the exceptions listed per column index.
type DefaultCharset struct {
	Default    uint64
	Exceptions [][2]uint64
}

func (*TableMap) Type() EventType { return TableMapEvent }
func (*TableMap) isEvent()        {}

// ColumnCount returns the number of columns described by the map.
func (m *TableMap) ColumnCount() int { return len(m.Types) }

// IsUnsigned reports whether column i was declared unsigned on the primary.
func (m *TableMap) IsUnsigned(i int) bool {
	n := 0
	for c := 0; c < len(m.Types) && c <= i; c++ {
		if !isNumericType(m.Types[c]) {
			continue
		}
		if c == i {
			return n < len(m.Optional.Unsigned) && m.Optional.Unsigned[n]
		}
		n++
	}
	return false
}

func isNumericType(t byte) bool {
	switch t {
	case vtbinlog.TypeTiny, vtbinlog.TypeShort, vtbinlog.TypeInt24, vtbinlog.TypeLong,
		vtbinlog.TypeLongLong, vtbinlog.TypeFloat, vtbinlog.TypeDouble, vtbinlog.TypeNewDecimal:
		return true
	}
	return false
}

// metadataSize returns the number of metadata bytes written for a column type.
func metadataSize(t byte) int {
	switch t {
	case vtbinlog.TypeFloat, vtbinlog.TypeDouble, vtbinlog.TypeBlob, vtbinlog.TypeGeometry,
		vtbinlog.TypeJSON, vtbinlog.TypeTinyBlob, vtbinlog.TypeMediumBlob, vtbinlog.TypeLongBlob,
		vtbinlog.TypeTimestamp2, vtbinlog.TypeDateTime2, vtbinlog.TypeTime2:
		return 1
	case vtbinlog.TypeVarchar, vtbinlog.TypeVarString, vtbinlog.TypeBit,
		vtbinlog.TypeNewDecimal, vtbinlog.TypeString, vtbinlog.TypeEnum, vtbinlog.TypeSet:
		return 2
	default:
		return 0
	}
}

func readMetadata(r *bodyReader, t byte) uint16 {
	switch metadataSize(t) {
	case 1:
		return uint16(r.uint8())
	case 2:
		b := r.take(2)
		if b == nil {
			return 0
		}
		switch t {
		case vtbinlog.TypeNewDecimal, vtbinlog.TypeString, vtbinlog.TypeEnum, vtbinlog.TypeSet:
			// precision/scale and real-type/length are stored big-endian.
			return uint16(b[0])<<8 | uint16(b[1])
		default:
			return uint16(b[0]) | uint16(b[1])<<8
		}
	default:
		return 0
	}
}

func appendMetadata(b []byte, t byte, m uint16) []byte {
	switch metadataSize(t) {
	case 1:
		return append(b, byte(m))
	case 2:
		switch t {
		case vtbinlog.TypeNewDecimal, vtbinlog.TypeString, vtbinlog.TypeEnum, vtbinlog.TypeSet:
			return append(b, byte(m>>8), byte(m))
		default:
			return append(b, byte(m), byte(m>>8))
		}
	default:
		return b
	}
}

// readTableID reads a 6-byte table id, or a 4-byte one from old dialects
// declaring a 6-byte post-header.
func readTableID(r *bodyReader, postHeaderLen int) uint64 {
	if postHeaderLen == 6 {
		return uint64(r.uint32())
	}
	return r.uint48()
}

func decodeTableMap(f *FormatDescription, body []byte) (Event, error) {
	postHeaderLen, _ := f.postHeaderLen(TableMapEvent)
	r := newBodyReader(body)
	m := &TableMap{}
	m.TableID = readTableID(r, postHeaderLen)
	m.Flags = r.uint16()
	m.Database = r.zString()
	m.Name = r.zString()
	n := int(r.packedInt())
	if r.err == nil && n > r.remaining() {
		return nil, fmt.Errorf("table map declares %d columns in %d bytes", n, r.remaining())
	}
	m.Types = r.bytes(n)
	metaLen := int(r.packedInt())
	meta := newBodyReader(r.take(metaLen))
	m.Metadata = make([]uint16, n)
	for i, t := range m.Types {
		m.Metadata[i] = readMetadata(meta, t)
	}
	if meta.err != nil {
		return nil, fmt.Errorf("column metadata: %w", meta.err)
	}
	m.CanBeNull = bitmapFromBytes(r.bytes((n+7)/8), n)
	if r.err != nil {
		return nil, r.err
	}
	opt, err := decodeOptionalMetadata(r.rest())
	if err != nil {
		return nil, fmt.Errorf("optional metadata: %w", err)
	}
	m.Optional = opt
	return m, nil
}

func encodeTableMap(_ *FormatDescription, ev Event) ([]byte, error) {
	m := ev.(*TableMap)
	n := len(m.Types)
	if len(m.Metadata) != n {
		return nil, fmt.Errorf("table map %s.%s has %d types and %d metadata entries", m.Database, m.Name, n, len(m.Metadata))
	}
	var b []byte
	b = appendUint48(b, m.TableID)
	b = appendUint16(b, m.Flags)
	b = appendZString(b, m.Database)
	b = appendZString(b, m.Name)
	b = appendPackedInt(b, uint64(n))
	b = append(b, m.Types...)
	var meta []byte
	for i, t := range m.Types {
		meta = appendMetadata(meta, t, m.Metadata[i])
	}
	b = appendPackedInt(b, uint64(len(meta)))
	b = append(b, meta...)
	nulls := m.CanBeNull
	if nulls.Count() != n {
		nulls = NewBitmap(n)
	}
	b = append(b, nulls.Bytes()...)
	return append(b, encodeOptionalMetadata(m.Optional)...), nil
}

func decodeOptionalMetadata(data []byte) (TableMapOptional, error) {
	var opt TableMapOptional
	r := newBodyReader(data)
	for r.remaining() > 0 {
		typ := r.uint8()
		field := newBodyReader(r.take(int(r.packedInt())))
		if r.err != nil {
			return opt, r.err
		}
		switch typ {
		case metaSignedness:
			for _, v := range field.rest() {
				for bit := 7; bit >= 0; bit-- {
					opt.Unsigned = append(opt.Unsigned, v&(1<<bit) != 0)
				}
			}
		case metaDefaultCharset:
			dc := &DefaultCharset{Default: field.packedInt()}
			for field.remaining() > 0 {
				dc.Exceptions = append(dc.Exceptions, [2]uint64{field.packedInt(), field.packedInt()})
			}
			opt.DefaultCharset = dc
		case metaColumnCharset:
			opt.ColumnCharsets = readPackedInts(field)
		case metaColumnName:
			for field.remaining() > 0 {
				opt.ColumnNames = append(opt.ColumnNames, field.string(int(field.packedInt())))
			}
		case metaSetStrValue, metaEnumStrValue:
			var lists [][]string
			for field.remaining() > 0 {
				n := field.packedInt()
				if n > uint64(field.remaining()) {
					return opt, fmt.Errorf("value list of %d entries in %d bytes", n, field.remaining())
				}
				values := make([]string, n)
				for i := range values {
					values[i] = field.string(int(field.packedInt()))
				}
				lists = append(lists, values)
			}
			if typ == metaSetStrValue {
				opt.SetValues = lists
			} else {
				opt.EnumValues = lists
			}
		case metaGeometryType:
			opt.GeometryTypes = readPackedInts(field)
		case metaSimplePK:
			opt.PrimaryKey = readPackedInts(field)
		case metaPKWithPrefix:
			for field.remaining() > 0 {
				opt.PrimaryKey = append(opt.PrimaryKey, field.packedInt())
				opt.PrimaryKeyPrefixes = append(opt.PrimaryKeyPrefixes, field.packedInt())
			}
		default:
			// Fields from newer servers are skipped.
		}
		if field.err != nil {
			return opt, fmt.Errorf("field %d: %w", typ, field.err)
		}
	}
	return opt, r.err
}

func readPackedInts(r *bodyReader) []uint64 {
	var out []uint64
	for r.remaining() > 0 {
		out = append(out, r.packedInt())
	}
	return out
}

func appendField(b []byte, typ byte, value []byte) []byte {
	b = append(b, typ)
	b = appendPackedInt(b, uint64(len(value)))
	return append(b, value...)
}

func encodeOptionalMetadata(opt TableMapOptional) []byte {
	var b []byte
	if len(opt.Unsigned) > 0 {
		v := make([]byte, (len(opt.Unsigned)+7)/8)
		for i, u := range opt.Unsigned {
			if u {
				v[i/8] |= 1 << (7 - uint(i)%8)
			}
		}
		b = appendField(b, metaSignedness, v)
	}
	if dc := opt.DefaultCharset; dc != nil {
		v := appendPackedInt(nil, dc.Default)
		for _, e := range dc.Exceptions {
			v = appendPackedInt(appendPackedInt(v, e[0]), e[1])
		}
		b = appendField(b, metaDefaultCharset, v)
	}
	if len(opt.ColumnCharsets) > 0 {
		b = appendField(b, metaColumnCharset, appendPackedInts(nil, opt.ColumnCharsets))
	}
	if len(opt.ColumnNames) > 0 {
		var v []byte
		for _, name := range opt.ColumnNames {
			v = append(appendPackedInt(v, uint64(len(name))), name...)
		}
		b = appendField(b, metaColumnName, v)
	}
	for _, f := range []struct {
		typ   byte
		lists [][]string
	}{{metaSetStrValue, opt.SetValues}, {metaEnumStrValue, opt.EnumValues}} {
		if len(f.lists) == 0 {
			continue
		}
		var v []byte
		for _, values := range f.lists {
			v = appendPackedInt(v, uint64(len(values)))
			for _, s := range values {
				v = append(appendPackedInt(v, uint64(len(s))), s...)
			}
		}
		b = appendField(b, f.typ, v)
	}
	if len(opt.GeometryTypes) > 0 {
		b = appendField(b, metaGeometryType, appendPackedInts(nil, opt.GeometryTypes))
	}
	if len(opt.PrimaryKey) > 0 {
		if len(opt.PrimaryKeyPrefixes) == len(opt.PrimaryKey) {
			var v []byte
			for i, c := range opt.PrimaryKey {
				v = appendPackedInt(appendPackedInt(v, c), opt.PrimaryKeyPrefixes[i])
			}
			b = appendField(b, metaPKWithPrefix, v)
		} else {
			b = appendField(b, metaSimplePK, appendPackedInts(nil, opt.PrimaryKey))
		}
	}
	return b
}

func appendPackedInts(b []byte, values []uint64) []byte {
	for _, v := range values {
		b = appendPackedInt(b, v)
	}
	return b
}
