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
package handler

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Equal compares two cell values. Values of different numeric widths compare
// by value; nil equals only nil.
func Equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch x := a.(type) {
	case []byte:
		switch y := b.(type) {
		case []byte:
			return bytes.Equal(x, y)
		case string:
			return string(x) == y
		}
		return false
	case string:
		if y, ok := b.([]byte); ok {
			return x == string(y)
		}
	case decimal.Decimal:
		if y, ok := b.(decimal.Decimal); ok {
			return x.Equal(y)
		}
		return false
	case time.Time:
		if y, ok := b.(time.Time); ok {
			return x.Equal(y)
		}
		return false
	}
	if x, ok := asInt(a); ok {
		if y, ok := asInt(b); ok {
			return x == y
		}
	}
	return a == b
}

func asInt(v any) (int64, bool) {
	switch v := v.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case uint64:
		if v > 1<<63-1 {
			return 0, false
		}
		return int64(v), true
	case uint32:
		return int64(v), true
	}
	return 0, false
}

// Fingerprint returns a string identifying the values of row at cols. Rows
// with Equal values at cols have the same fingerprint.
func Fingerprint(row Row, cols []int) string {
	var sb strings.Builder
	for _, c := range cols {
		var v any
		if c < len(row) {
			v = row[c]
		}
		switch v := v.(type) {
		case nil:
			sb.WriteString("N")
		case []byte:
			sb.WriteString("s")
			sb.WriteString(strconv.Itoa(len(v)))
			sb.WriteByte(':')
			sb.Write(v)
		case string:
			sb.WriteString("s")
			sb.WriteString(strconv.Itoa(len(v)))
			sb.WriteByte(':')
			sb.WriteString(v)
		case decimal.Decimal:
			sb.WriteString("d")
			sb.WriteString(v.String())
		case time.Time:
			sb.WriteString("t")
			sb.WriteString(strconv.FormatInt(v.UnixNano(), 10))
		default:
			if i, ok := asInt(v); ok {
				sb.WriteString("i")
				sb.WriteString(strconv.FormatInt(i, 10))
			} else {
				fmt.Fprintf(&sb, "%T%v", v, v)
			}
		}
		sb.WriteByte('|')
	}
	return sb.String()
}

// HasNull reports whether any of row's values at cols is nil.
func HasNull(row Row, cols []int) bool {
	for _, c := range cols {
		if c >= len(row) || row[c] == nil {
			return true
		}
	}
	return false
}
