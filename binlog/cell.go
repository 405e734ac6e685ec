/*
Copyright 2023 The Vitess Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package binlog

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	vtbinlog "vitess.io/vitess/go/mysql/binlog"
)

var dig2bytes = []int{0, 1, 1, 2, 2, 3, 3, 4, 4, 4}

var pow10 = [10]int64{1, 10, 100, 1000, 10000, 100000, 1000000, 10000000, 100000000, 1000000000}

// Offsets of the biased big-endian integers used by the temporal "2" types.
const (
	datetimeIntOfs = 0x8000000000
	timeIntOfs     = 0x800000
	timePackedOfs  = 0x800000000000
)

// CellLength returns the number of bytes the cell of the given type
// starting at data[pos] occupies.
func CellLength(data []byte, pos int, typ byte, metadata uint16) (int, error) {
	switch typ {
	case vtbinlog.TypeNull:
		return 0, nil
	case vtbinlog.TypeTiny, vtbinlog.TypeYear:
		return 1, nil
	case vtbinlog.TypeShort:
		return 2, nil
	case vtbinlog.TypeInt24:
		return 3, nil
	case vtbinlog.TypeLong, vtbinlog.TypeFloat, vtbinlog.TypeTimestamp:
		return 4, nil
	case vtbinlog.TypeLongLong, vtbinlog.TypeDouble:
		return 8, nil
	case vtbinlog.TypeDate, vtbinlog.TypeTime, vtbinlog.TypeNewDate:
		return 3, nil
	case vtbinlog.TypeDateTime:
		return 8, nil
	case vtbinlog.TypeVarchar, vtbinlog.TypeVarString:
		return prefixedLength(data, pos, lengthPrefixSize(int(metadata)))
	case vtbinlog.TypeBit:
		// upper 8 bits: bytes length, lower 8 bits: bit length
		nbits := ((metadata >> 8) * 8) + (metadata & 0xFF)
		return (int(nbits) + 7) / 8, nil
	case vtbinlog.TypeTimestamp2:
		// One byte encodes two decimals.
		return 4 + fracBytes(metadata), nil
	case vtbinlog.TypeDateTime2:
		return 5 + fracBytes(metadata), nil
	case vtbinlog.TypeTime2:
		return 3 + fracBytes(metadata), nil
	case vtbinlog.TypeNewDecimal:
		return decimalLength(int(metadata>>8), int(metadata&0xff)), nil
	case vtbinlog.TypeEnum, vtbinlog.TypeSet:
		return int(metadata & 0xff), nil
	case vtbinlog.TypeJSON, vtbinlog.TypeTinyBlob, vtbinlog.TypeMediumBlob, vtbinlog.TypeLongBlob,
		vtbinlog.TypeBlob, vtbinlog.TypeGeometry:
		// Of the Blobs, only TypeBlob is used in binary logs,
		// but supports others just in case.
		if metadata < 1 || metadata > 4 {
			return 0, ErrUnsupportedColumn.New(typ, metadata)
		}
		return prefixedLength(data, pos, int(metadata))
	case vtbinlog.TypeString:
		// This may do String, Enum, and Set. The type is in
		// metadata. If it's a string, then there will be more bits.
		t := metadata >> 8
		if t == vtbinlog.TypeEnum || t == vtbinlog.TypeSet {
			return int(metadata & 0xff), nil
		}
		return prefixedLength(data, pos, lengthPrefixSize(stringMaxLength(metadata)))
	default:
		return 0, ErrUnsupportedColumn.New(typ, metadata)
	}
}

func fracBytes(metadata uint16) int {
	return (int(metadata) + 1) / 2
}

func lengthPrefixSize(maxLength int) int {
	if maxLength > 255 {
		return 2
	}
	return 1
}

// stringMaxLength returns the declared maximum byte length of a CHAR column.
func stringMaxLength(metadata uint16) int {
	return int((((metadata >> 4) & 0x300) ^ 0x300) + (metadata & 0xff))
}

func readUintLE(b []byte) uint64 {
	var v uint64
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func readUintBE(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

func appendUintLE(b []byte, v uint64, n int) []byte {
	for i := 0; i < n; i++ {
		b = append(b, byte(v>>(8*i)))
	}
	return b
}

func appendUintBE(b []byte, v uint64, n int) []byte {
	for i := n - 1; i >= 0; i-- {
		b = append(b, byte(v>>(8*i)))
	}
	return b
}

func prefixedLength(data []byte, pos, prefix int) (int, error) {
	if pos+prefix > len(data) {
		return 0, fmt.Errorf("truncated length prefix at offset %d", pos)
	}
	return prefix + int(readUintLE(data[pos:pos+prefix])), nil
}

func decimalLength(precision, scale int) int {
	intg := precision - scale
	intg0, frac0 := intg/9, scale/9
	return intg0*4 + dig2bytes[intg-intg0*9] + frac0*4 + dig2bytes[scale-frac0*9]
}

// DecodeCell decodes the cell of the given type starting at data[pos] and
// returns it with its length. Values are normalized so that rows from the log
// compare with rows read back from a storage engine:
//
//	integer types, YEAR          int64 (uint64 when unsigned)
//	ENUM, SET, BIT               uint64
//	FLOAT, DOUBLE                float32, float64
//	DECIMAL                      decimal.Decimal
//	DATE, DATETIME, TIMESTAMP    time.Time in UTC (zero dates are the zero time.Time)
//	TIME                         time.Duration
//	strings, BLOB, JSON, GEOMETRY []byte
func DecodeCell(data []byte, pos int, typ byte, metadata uint16, unsigned bool) (any, int, error) {
	l, err := CellLength(data, pos, typ, metadata)
	if err != nil {
		return nil, 0, err
	}
	if pos+l > len(data) {
		return nil, 0, fmt.Errorf("truncated cell of type %d at offset %d: need %d bytes, have %d", typ, pos, l, len(data)-pos)
	}
	b := data[pos : pos+l]

	switch typ {
	case vtbinlog.TypeNull:
		return nil, 0, nil
	case vtbinlog.TypeTiny, vtbinlog.TypeShort, vtbinlog.TypeInt24, vtbinlog.TypeLong, vtbinlog.TypeLongLong:
		v := readUintLE(b)
		if unsigned {
			return v, l, nil
		}
		// Extend the sign.
		shift := 64 - 8*uint(l)
		return int64(v<<shift) >> shift, l, nil
	case vtbinlog.TypeYear:
		if b[0] == 0 {
			return int64(0), l, nil
		}
		return int64(b[0]) + 1900, l, nil
	case vtbinlog.TypeFloat:
		return math.Float32frombits(binary.LittleEndian.Uint32(b)), l, nil
	case vtbinlog.TypeDouble:
		return math.Float64frombits(binary.LittleEndian.Uint64(b)), l, nil
	case vtbinlog.TypeTimestamp:
		return time.Unix(int64(binary.LittleEndian.Uint32(b)), 0).UTC(), l, nil
	case vtbinlog.TypeDate, vtbinlog.TypeNewDate:
		val := readUintLE(b)
		if val == 0 {
			return time.Time{}, l, nil
		}
		return time.Date(int(val>>9), time.Month(val>>5&15), int(val&31), 0, 0, 0, 0, time.UTC), l, nil
	case vtbinlog.TypeTime:
		val := int64(readUintLE(b)<<40) >> 40
		sign := time.Duration(1)
		if val < 0 {
			sign, val = -1, -val
		}
		hour, minute, second := val/10000, (val%10000)/100, val%100
		return sign * (time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute + time.Duration(second)*time.Second), l, nil
	case vtbinlog.TypeDateTime:
		val := binary.LittleEndian.Uint64(b)
		if val == 0 {
			return time.Time{}, l, nil
		}
		d, t := val/1000000, val%1000000
		return time.Date(int(d/10000), time.Month((d%10000)/100), int(d%100),
			int(t/10000), int((t%10000)/100), int(t%100), 0, time.UTC), l, nil
	case vtbinlog.TypeTimestamp2:
		second := binary.BigEndian.Uint32(b)
		micros := readFracMicros(b[4:], metadata)
		return time.Unix(int64(second), micros*1000).UTC(), l, nil
	case vtbinlog.TypeDateTime2:
		ymdhms := readUintBE(b[:5]) - datetimeIntOfs
		if ymdhms == 0 {
			return time.Time{}, l, nil
		}
		ymd := ymdhms >> 17
		ym := ymd >> 5
		hms := ymdhms % (1 << 17)
		micros := readFracMicros(b[5:], metadata)
		return time.Date(int(ym/13), time.Month(ym%13), int(ymd%(1<<5)),
			int(hms>>12), int((hms>>6)%(1<<6)), int(hms%(1<<6)), int(micros*1000), time.UTC), l, nil
	case vtbinlog.TypeTime2:
		return durationFromPacked(readTime2Packed(b, metadata)), l, nil
	case vtbinlog.TypeNewDecimal:
		d, err := decodeDecimal(b, int(metadata>>8), int(metadata&0xff))
		return d, l, err
	case vtbinlog.TypeEnum, vtbinlog.TypeSet, vtbinlog.TypeBit:
		if typ == vtbinlog.TypeBit {
			return readUintBE(b), l, nil
		}
		return readUintLE(b), l, nil
	case vtbinlog.TypeString:
		if t := metadata >> 8; t == vtbinlog.TypeEnum || t == vtbinlog.TypeSet {
			return readUintLE(b), l, nil
		}
		prefix := lengthPrefixSize(stringMaxLength(metadata))
		return append([]byte(nil), b[prefix:]...), l, nil
	case vtbinlog.TypeVarchar, vtbinlog.TypeVarString:
		prefix := lengthPrefixSize(int(metadata))
		return append([]byte(nil), b[prefix:]...), l, nil
	case vtbinlog.TypeJSON, vtbinlog.TypeTinyBlob, vtbinlog.TypeMediumBlob, vtbinlog.TypeLongBlob,
		vtbinlog.TypeBlob, vtbinlog.TypeGeometry:
		return append([]byte(nil), b[metadata:]...), l, nil
	default:
		return nil, 0, ErrUnsupportedColumn.New(typ, metadata)
	}
}

// readFracMicros converts the fractional-second bytes of a temporal "2" type
// with the given precision into microseconds.
func readFracMicros(b []byte, metadata uint16) int64 {
	n := fracBytes(metadata)
	if n == 0 {
		return 0
	}
	stored := int64(readUintBE(b[:n]))
	return stored / pow10[2*n-int(metadata)] * pow10[6-int(metadata)]
}

func appendFracMicros(b []byte, micros int64, metadata uint16) []byte {
	n := fracBytes(metadata)
	if n == 0 {
		return b
	}
	stored := micros / pow10[6-int(metadata)] * pow10[2*n-int(metadata)]
	return appendUintBE(b, uint64(stored), n)
}

// readTime2Packed returns a TIME2 value as (hms << 24) + microseconds, signed.
func readTime2Packed(b []byte, metadata uint16) int64 {
	switch fracBytes(metadata) {
	case 0:
		return (int64(readUintBE(b[:3])) - timeIntOfs) << 24
	case 1:
		intpart := int64(readUintBE(b[:3])) - timeIntOfs
		frac := int64(b[3])
		if intpart < 0 && frac != 0 {
			// Shift to the next integer value.
			intpart++
			frac -= 0x100
		}
		return intpart<<24 + frac*10000
	case 2:
		intpart := int64(readUintBE(b[:3])) - timeIntOfs
		frac := int64(readUintBE(b[3:5]))
		if intpart < 0 && frac != 0 {
			intpart++
			frac -= 0x10000
		}
		return intpart<<24 + frac*100
	default:
		return int64(readUintBE(b[:6])) - timePackedOfs
	}
}

func durationFromPacked(packed int64) time.Duration {
	sign := time.Duration(1)
	if packed < 0 {
		sign, packed = -1, -packed
	}
	hms := packed >> 24
	micros := packed % (1 << 24)
	hour := (hms >> 12) % (1 << 10)
	minute := (hms >> 6) % (1 << 6)
	second := hms % (1 << 6)
	return sign * (time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute +
		time.Duration(second)*time.Second + time.Duration(micros)*time.Microsecond)
}

func packedFromDuration(d time.Duration) int64 {
	sign := int64(1)
	if d < 0 {
		sign, d = -1, -d
	}
	hour := int64(d / time.Hour)
	minute := int64(d % time.Hour / time.Minute)
	second := int64(d % time.Minute / time.Second)
	micros := int64(d % time.Second / time.Microsecond)
	return sign * ((hour<<12|minute<<6|second)<<24 + micros)
}

func appendTime2(b []byte, d time.Duration, metadata uint16) []byte {
	packed := packedFromDuration(d)
	intpart := packed >> 24
	frac := packed % (1 << 24)
	switch fracBytes(metadata) {
	case 0:
		return appendUintBE(b, uint64(intpart+timeIntOfs), 3)
	case 1:
		b = appendUintBE(b, uint64(intpart+timeIntOfs), 3)
		return append(b, byte(int8(frac/10000)))
	case 2:
		b = appendUintBE(b, uint64(intpart+timeIntOfs), 3)
		return appendUintBE(b, uint64(uint16(int16(frac/100))), 2)
	default:
		return appendUintBE(b, uint64(packed+timePackedOfs), 6)
	}
}

// decodeDecimal reads the binary DECIMAL format: groups of 9 digits in 4 bytes
// on both sides of the point, leftover digits in the fewest bytes that hold
// them, sign in the inverted top bit, negative numbers stored inverted.
func decodeDecimal(data []byte, precision, scale int) (decimal.Decimal, error) {
	intg := precision - scale
	intg0, frac0 := intg/9, scale/9
	intg0x, frac0x := intg-intg0*9, scale-frac0*9

	// Copy the data so we can change it.
	d := append(make([]byte, 0, 40), data...)
	if len(d) == 0 {
		return decimal.Zero, nil
	}
	isNegative := (d[0] & 0x80) == 0
	d[0] ^= 0x80
	if isNegative {
		for i := range d {
			d[i] ^= 0xff
		}
	}

	var txt strings.Builder
	if isNegative {
		txt.WriteByte('-')
	}
	pos := dig2bytes[intg0x]
	txt.WriteString(strconv.FormatUint(readUintBE(d[:pos]), 10))
	for range intg0 {
		fmt.Fprintf(&txt, "%09d", binary.BigEndian.Uint32(d[pos:pos+4]))
		pos += 4
	}
	if scale > 0 {
		txt.WriteByte('.')
		for range frac0 {
			fmt.Fprintf(&txt, "%09d", binary.BigEndian.Uint32(d[pos:pos+4]))
			pos += 4
		}
		if frac0x > 0 {
			n := dig2bytes[frac0x]
			fmt.Fprintf(&txt, "%0*d", frac0x, readUintBE(d[pos:pos+n]))
		}
	}
	return decimal.NewFromString(txt.String())
}

func appendDecimal(b []byte, v decimal.Decimal, precision, scale int) ([]byte, error) {
	intg := precision - scale
	intg0, frac0 := intg/9, scale/9
	intg0x, frac0x := intg-intg0*9, scale-frac0*9

	digits := v.Abs().StringFixed(int32(scale))
	intPart, fracPart, _ := strings.Cut(digits, ".")
	if intPart == "0" {
		intPart = ""
	}
	if len(intPart) > intg {
		return b, fmt.Errorf("decimal %s out of range for DECIMAL(%d,%d)", v, precision, scale)
	}
	intPart = strings.Repeat("0", intg-len(intPart)) + intPart

	start := len(b)
	group := func(s string, size int) {
		n, _ := strconv.ParseUint(s, 10, 64)
		b = appendUintBE(b, n, size)
	}
	if intg0x > 0 {
		group(intPart[:intg0x], dig2bytes[intg0x])
	}
	for i := 0; i < intg0; i++ {
		group(intPart[intg0x+i*9:intg0x+(i+1)*9], 4)
	}
	for i := 0; i < frac0; i++ {
		group(fracPart[i*9:(i+1)*9], 4)
	}
	if frac0x > 0 {
		group(fracPart[frac0*9:], dig2bytes[frac0x])
	}
	out := b[start:]
	if len(out) == 0 {
		return b, nil
	}
	if v.Sign() < 0 {
		for i := range out {
			out[i] ^= 0xff
		}
	}
	out[0] ^= 0x80
	return b, nil
}

// EncodeCell appends the binary form of v for a column of the given type. It
// accepts the types DecodeCell returns as well as any Go integer type, string
// for character and blob columns and float64 for FLOAT columns.
func EncodeCell(b []byte, v any, typ byte, metadata uint16) ([]byte, error) {
	unsupported := func() ([]byte, error) { return b, ErrUnsupportedValue.New(v, typ) }

	switch typ {
	case vtbinlog.TypeTiny, vtbinlog.TypeShort, vtbinlog.TypeInt24, vtbinlog.TypeLong, vtbinlog.TypeLongLong:
		n, ok := toUint64(v)
		if !ok {
			return unsupported()
		}
		size, _ := CellLength(nil, 0, typ, metadata)
		return appendUintLE(b, n, size), nil
	case vtbinlog.TypeYear:
		n, ok := toUint64(v)
		if !ok {
			return unsupported()
		}
		if n == 0 {
			return append(b, 0), nil
		}
		return append(b, byte(n-1900)), nil
	case vtbinlog.TypeFloat:
		switch f := v.(type) {
		case float32:
			return appendUint32(b, math.Float32bits(f)), nil
		case float64:
			return appendUint32(b, math.Float32bits(float32(f))), nil
		}
		return unsupported()
	case vtbinlog.TypeDouble:
		f, ok := v.(float64)
		if !ok {
			return unsupported()
		}
		return appendUint64(b, math.Float64bits(f)), nil
	case vtbinlog.TypeNewDecimal:
		d, ok := v.(decimal.Decimal)
		if !ok {
			return unsupported()
		}
		return appendDecimal(b, d, int(metadata>>8), int(metadata&0xff))
	case vtbinlog.TypeTimestamp, vtbinlog.TypeTimestamp2:
		t, ok := v.(time.Time)
		if !ok {
			return unsupported()
		}
		sec := t.Unix()
		if sec < 0 {
			sec = 0
		}
		if typ == vtbinlog.TypeTimestamp {
			return appendUint32(b, uint32(sec)), nil
		}
		b = appendUintBE(b, uint64(sec), 4)
		return appendFracMicros(b, int64(t.Nanosecond()/1000), metadata), nil
	case vtbinlog.TypeDate, vtbinlog.TypeNewDate:
		t, ok := v.(time.Time)
		if !ok {
			return unsupported()
		}
		if t.IsZero() {
			return appendUint24(b, 0), nil
		}
		return appendUint24(b, uint32(t.Year())<<9|uint32(t.Month())<<5|uint32(t.Day())), nil
	case vtbinlog.TypeDateTime:
		t, ok := v.(time.Time)
		if !ok {
			return unsupported()
		}
		if t.IsZero() {
			return appendUint64(b, 0), nil
		}
		d := uint64(t.Year())*10000 + uint64(t.Month())*100 + uint64(t.Day())
		hms := uint64(t.Hour())*10000 + uint64(t.Minute())*100 + uint64(t.Second())
		return appendUint64(b, d*1000000+hms), nil
	case vtbinlog.TypeDateTime2:
		t, ok := v.(time.Time)
		if !ok {
			return unsupported()
		}
		var ymdhms uint64
		if !t.IsZero() {
			ym := uint64(t.Year())*13 + uint64(t.Month())
			ymd := ym<<5 | uint64(t.Day())
			hms := uint64(t.Hour())<<12 | uint64(t.Minute())<<6 | uint64(t.Second())
			ymdhms = ymd<<17 | hms
		}
		b = appendUintBE(b, ymdhms+datetimeIntOfs, 5)
		return appendFracMicros(b, int64(t.Nanosecond()/1000), metadata), nil
	case vtbinlog.TypeTime:
		d, ok := v.(time.Duration)
		if !ok {
			return unsupported()
		}
		sign := int64(1)
		if d < 0 {
			sign, d = -1, -d
		}
		val := int64(d/time.Hour)*10000 + int64(d%time.Hour/time.Minute)*100 + int64(d%time.Minute/time.Second)
		return appendUint24(b, uint32(sign*val)), nil
	case vtbinlog.TypeTime2:
		d, ok := v.(time.Duration)
		if !ok {
			return unsupported()
		}
		return appendTime2(b, d, metadata), nil
	case vtbinlog.TypeEnum, vtbinlog.TypeSet:
		n, ok := toUint64(v)
		if !ok {
			return unsupported()
		}
		return appendUintLE(b, n, int(metadata&0xff)), nil
	case vtbinlog.TypeBit:
		n, ok := toUint64(v)
		if !ok {
			return unsupported()
		}
		size, _ := CellLength(nil, 0, typ, metadata)
		return appendUintBE(b, n, size), nil
	case vtbinlog.TypeString:
		if t := metadata >> 8; t == vtbinlog.TypeEnum || t == vtbinlog.TypeSet {
			n, ok := toUint64(v)
			if !ok {
				return unsupported()
			}
			return appendUintLE(b, n, int(metadata&0xff)), nil
		}
		return appendPrefixed(b, v, lengthPrefixSize(stringMaxLength(metadata)), typ)
	case vtbinlog.TypeVarchar, vtbinlog.TypeVarString:
		return appendPrefixed(b, v, lengthPrefixSize(int(metadata)), typ)
	case vtbinlog.TypeJSON, vtbinlog.TypeTinyBlob, vtbinlog.TypeMediumBlob, vtbinlog.TypeLongBlob,
		vtbinlog.TypeBlob, vtbinlog.TypeGeometry:
		if metadata < 1 || metadata > 4 {
			return b, ErrUnsupportedColumn.New(typ, metadata)
		}
		return appendPrefixed(b, v, int(metadata), typ)
	default:
		return b, ErrUnsupportedColumn.New(typ, metadata)
	}
}

func appendPrefixed(b []byte, v any, prefix int, typ byte) ([]byte, error) {
	var data []byte
	switch s := v.(type) {
	case []byte:
		data = s
	case string:
		data = []byte(s)
	default:
		return b, ErrUnsupportedValue.New(v, typ)
	}
	if uint64(len(data)) >= uint64(1)<<(8*uint(prefix)) {
		return b, fmt.Errorf("value of %d bytes does not fit a %d-byte length prefix", len(data), prefix)
	}
	b = appendUintLE(b, uint64(len(data)), prefix)
	return append(b, data...), nil
}

func toUint64(v any) (uint64, bool) {
	switch n := v.(type) {
	case int:
		return uint64(n), true
	case int8:
		return uint64(n), true
	case int16:
		return uint64(n), true
	case int32:
		return uint64(n), true
	case int64:
		return uint64(n), true
	case uint:
		return uint64(n), true
	case uint8:
		return uint64(n), true
	case uint16:
		return uint64(n), true
	case uint32:
		return uint64(n), true
	case uint64:
		return n, true
	default:
		return 0, false
	}
}
