package binlog

import (
	"io"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	vtbinlog "vitess.io/vitess/go/mysql/binlog"
)

func testTableMap() *TableMap {
	return &TableMap{
		TableID:   7,
		Flags:     1,
		Database:  "db1",
		Name:      "t",
		Types:     []byte{vtbinlog.TypeLong, vtbinlog.TypeVarchar},
		Metadata:  []uint16{0, 64},
		CanBeNull: bitmapFromBytes([]byte{0x02}, 2),
		Optional: TableMapOptional{
			Unsigned:       []bool{false, false, false, false, false, false, false, false},
			ColumnCharsets: []uint64{45},
			ColumnNames:    []string{"id", "v"},
			PrimaryKey:     []uint64{0},
		},
	}
}

func TestRowChangeUpdate(t *testing.T) {
	tm := testTableMap()
	ev := NewRowChange(UpdateRowEvent, tm, NewFullBitmap(2), NewFullBitmap(2))
	ev.Flags = RowsFlagStmtEnd
	require.NoError(t, ev.AppendRow(tm, Row{int64(1), []byte("a")}, Row{int64(1), []byte("b")}))
	require.NoError(t, ev.AppendRow(tm, Row{int64(2), nil}, Row{int64(2), []byte("c")}))

	got := roundTrip(t, ev).(*RowChange)
	require.Equal(t, ev, got)
	require.True(t, got.StmtEnd())
	require.Equal(t, UpdateRowsEventV1, got.Type())

	cur, err := got.Cursor(tm)
	require.NoError(t, err)
	before, after, err := cur.Next()
	require.NoError(t, err)
	require.Equal(t, Row{int64(1), []byte("a")}, before)
	require.Equal(t, Row{int64(1), []byte("b")}, after)
	before, after, err = cur.Next()
	require.NoError(t, err)
	require.Equal(t, Row{int64(2), nil}, before)
	require.Equal(t, Row{int64(2), []byte("c")}, after)
	_, _, err = cur.Next()
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, 2, cur.Index())
}

func TestRowChangePartialImage(t *testing.T) {
	tm := testTableMap()
	present := NewBitmap(2)
	present.Set(0, true)
	ev := NewRowChange(DeleteRowEvent, tm, present, Bitmap{})
	ev.V2 = true
	ev.Extra = []byte{0, 1}
	require.NoError(t, ev.AppendRow(tm, Row{int64(-5), []byte("ignored")}, nil))

	got := roundTrip(t, ev).(*RowChange)
	require.Equal(t, DeleteRowsEventV2, got.Type())
	require.Equal(t, []byte{0, 1}, got.Extra)
	cur, err := got.Cursor(tm)
	require.NoError(t, err)
	before, after, err := cur.Next()
	require.NoError(t, err)
	require.Nil(t, after)
	require.Equal(t, Row{int64(-5), nil}, before)
}

func TestRowChangeFlush(t *testing.T) {
	ev := &RowChange{Kind: InsertRowEvent, TableID: FlushTableID, Flags: RowsFlagStmtEnd, Present: NewBitmap(0)}
	got := roundTrip(t, ev).(*RowChange)
	require.True(t, got.IsFlush())
	require.Equal(t, ev, got)
}

func TestRowCursorRejectsWrongMap(t *testing.T) {
	tm := testTableMap()
	ev := NewRowChange(InsertRowEvent, tm, NewFullBitmap(2), Bitmap{})
	other := testTableMap()
	other.TableID = 8
	_, err := ev.Cursor(other)
	require.Error(t, err)

	narrow := testTableMap()
	narrow.Types = narrow.Types[:1]
	narrow.Metadata = narrow.Metadata[:1]
	_, err = ev.Cursor(narrow)
	require.Error(t, err)
}

func TestCellRoundTrip(t *testing.T) {
	testCases := []struct {
		name     string
		typ      byte
		meta     uint16
		unsigned bool
		value    any
	}{
		{"tiny", vtbinlog.TypeTiny, 0, false, int64(-128)},
		{"tiny unsigned", vtbinlog.TypeTiny, 0, true, uint64(255)},
		{"short", vtbinlog.TypeShort, 0, false, int64(-300)},
		{"int24", vtbinlog.TypeInt24, 0, false, int64(-8388608)},
		{"int24 unsigned", vtbinlog.TypeInt24, 0, true, uint64(16777215)},
		{"long", vtbinlog.TypeLong, 0, false, int64(-2147483648)},
		{"longlong", vtbinlog.TypeLongLong, 0, true, uint64(1) << 63},
		{"year", vtbinlog.TypeYear, 0, false, int64(2024)},
		{"float", vtbinlog.TypeFloat, 4, false, float32(1.5)},
		{"double", vtbinlog.TypeDouble, 8, false, float64(-2.25)},
		{"decimal", vtbinlog.TypeNewDecimal, 18<<8 | 6, false, decimal.RequireFromString("123456789012.345678")},
		{"negative decimal", vtbinlog.TypeNewDecimal, 10<<8 | 2, false, decimal.RequireFromString("-1234.56")},
		{"decimal no scale", vtbinlog.TypeNewDecimal, 5 << 8, false, decimal.RequireFromString("99999")},
		{"decimal only fraction", vtbinlog.TypeNewDecimal, 4<<8 | 4, false, decimal.RequireFromString("0.1234")},
		{"date", vtbinlog.TypeDate, 0, false, time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC)},
		{"zero date", vtbinlog.TypeDate, 0, false, time.Time{}},
		{"datetime", vtbinlog.TypeDateTime, 0, false, time.Date(1999, 12, 31, 23, 59, 58, 0, time.UTC)},
		{"timestamp", vtbinlog.TypeTimestamp, 0, false, time.Unix(1700000000, 0).UTC()},
		{"timestamp2", vtbinlog.TypeTimestamp2, 3, false, time.Unix(1700000000, 123000000).UTC()},
		{"datetime2", vtbinlog.TypeDateTime2, 6, false, time.Date(2024, 5, 6, 7, 8, 9, 123456000, time.UTC)},
		{"datetime2 odd precision", vtbinlog.TypeDateTime2, 1, false, time.Date(2024, 5, 6, 7, 8, 9, 100000000, time.UTC)},
		{"time", vtbinlog.TypeTime, 0, false, -(12*time.Hour + 34*time.Minute + 56*time.Second)},
		{"time2", vtbinlog.TypeTime2, 0, false, 838*time.Hour + 59*time.Minute + 59*time.Second},
		{"time2 negative fraction", vtbinlog.TypeTime2, 2, false, -(time.Second + 500*time.Millisecond)},
		{"time2 micros", vtbinlog.TypeTime2, 4, false, -(time.Hour + 1234*100*time.Microsecond)},
		{"time2 six", vtbinlog.TypeTime2, 6, false, -(time.Minute + 654321*time.Microsecond)},
		{"varchar", vtbinlog.TypeVarchar, 10, false, []byte("hello")},
		{"long varchar", vtbinlog.TypeVarchar, 1000, false, []byte("hello world")},
		{"char", vtbinlog.TypeString, uint16(vtbinlog.TypeString)<<8 | 20, false, []byte("fixed")},
		{"enum in string", vtbinlog.TypeString, uint16(vtbinlog.TypeEnum)<<8 | 1, false, uint64(3)},
		{"set in string", vtbinlog.TypeString, uint16(vtbinlog.TypeSet)<<8 | 2, false, uint64(0x0101)},
		{"bit", vtbinlog.TypeBit, 2<<8 | 3, false, uint64(0x5ff)},
		{"blob", vtbinlog.TypeBlob, 2, false, []byte{0, 1, 2, 3}},
		{"json", vtbinlog.TypeJSON, 4, false, []byte(`{"a":1}`)},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := EncodeCell([]byte{0xaa}, tc.value, tc.typ, tc.meta)
			require.NoError(t, err)
			l, err := CellLength(data, 1, tc.typ, tc.meta)
			require.NoError(t, err)
			require.Equal(t, len(data)-1, l)
			got, n, err := DecodeCell(data, 1, tc.typ, tc.meta, tc.unsigned)
			require.NoError(t, err)
			require.Equal(t, l, n)
			if d, ok := tc.value.(decimal.Decimal); ok {
				require.True(t, d.Equal(got.(decimal.Decimal)), "want %s, got %s", d, got)
				return
			}
			require.Equal(t, tc.value, got)
		})
	}
}

func TestCellErrors(t *testing.T) {
	_, err := EncodeCell(nil, "x", vtbinlog.TypeLong, 0)
	require.True(t, ErrUnsupportedValue.Is(err))
	_, _, err = DecodeCell([]byte{5, 'a'}, 0, vtbinlog.TypeVarchar, 10, false)
	require.Error(t, err)
	_, err = CellLength(nil, 0, vtbinlog.TypeDecimal, 0)
	require.True(t, ErrUnsupportedColumn.Is(err))
	_, err = EncodeCell(nil, decimal.RequireFromString("123456"), vtbinlog.TypeNewDecimal, 5<<8|2)
	require.Error(t, err)
}
