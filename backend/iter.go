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
package backend

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/apecloud/binlogreplay/handler"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

// rowCursor reads rows of a query over a whole table row. Values are
// normalized to the types the binlog codec decodes cells to, so stored rows
// compare equal to logged images.
type rowCursor struct {
	rows     *sqlx.Rows
	schema   *tableSchema
	buffer   []any // pre-allocated buffer for scanning values
	pointers []any // pointers to the buffer
}

var _ handler.Cursor = (*rowCursor)(nil)

func newRowCursor(rows *sqlx.Rows, schema *tableSchema) *rowCursor {
	n := len(schema.Columns)
	c := &rowCursor{
		rows:     rows,
		schema:   schema,
		buffer:   make([]any, n),
		pointers: make([]any, n),
	}
	for i := range c.buffer {
		c.pointers[i] = &c.buffer[i]
	}
	return c
}

func (c *rowCursor) Next(ctx context.Context) (handler.Record, error) {
	if err := ctx.Err(); err != nil {
		return handler.Record{}, err
	}
	if !c.rows.Next() {
		if err := c.rows.Err(); err != nil {
			return handler.Record{}, toSQLError(err)
		}
		return handler.Record{}, io.EOF
	}
	if err := c.rows.Scan(c.pointers...); err != nil {
		return handler.Record{}, toSQLError(err)
	}
	row := make(handler.Row, len(c.buffer))
	for i, v := range c.buffer {
		nv, err := normalize(v, c.schema.dataTypes[i], c.schema.unsigned[i])
		if err != nil {
			return handler.Record{}, fmt.Errorf("column %s: %w", c.schema.Columns[i].Name, err)
		}
		row[i] = nv
	}
	return handler.Record{Row: row}, nil
}

func (c *rowCursor) Close() error {
	return c.rows.Close()
}

// normalize converts a scanned value of a column of dataType.
func normalize(v any, dataType string, unsigned bool) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, isBytes := v.([]byte)
	switch dataType {
	case "tinyint", "smallint", "mediumint", "int", "integer", "bigint", "year", "enum", "set", "bit":
		if isBytes {
			s := string(b)
			if unsigned || dataType == "enum" || dataType == "set" || dataType == "bit" {
				return strconv.ParseUint(s, 10, 64)
			}
			return strconv.ParseInt(s, 10, 64)
		}
		if n, ok := v.(int64); ok && unsigned {
			return uint64(n), nil
		}
		return v, nil
	case "float":
		switch n := v.(type) {
		case []byte:
			f, err := strconv.ParseFloat(string(n), 32)
			return float32(f), err
		case float64:
			return float32(n), nil
		}
		return v, nil
	case "double", "real":
		if isBytes {
			return strconv.ParseFloat(string(b), 64)
		}
		return v, nil
	case "decimal", "numeric":
		switch n := v.(type) {
		case []byte:
			return decimal.NewFromString(string(n))
		case float64:
			return decimal.NewFromFloat(n), nil
		}
		return v, nil
	case "time":
		if isBytes {
			return parseTime(string(b))
		}
		return v, nil
	case "date", "datetime", "timestamp":
		if t, ok := v.(time.Time); ok {
			return t.UTC(), nil
		}
		return v, nil
	}
	if s, ok := v.(string); ok {
		return []byte(s), nil
	}
	if isBytes {
		// The driver reuses its buffer between rows.
		return append([]byte(nil), b...), nil
	}
	return v, nil
}

// parseTime parses a TIME value such as -838:59:59.000000.
func parseTime(s string) (time.Duration, error) {
	sign := time.Duration(1)
	if strings.HasPrefix(s, "-") {
		sign, s = -1, s[1:]
	}
	var frac time.Duration
	if i := strings.IndexByte(s, '.'); i >= 0 {
		digits := (s[i+1:] + "000000")[:6]
		us, err := strconv.Atoi(digits)
		if err != nil {
			return 0, fmt.Errorf("invalid TIME value %q", s)
		}
		frac, s = time.Duration(us)*time.Microsecond, s[:i]
	}
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("invalid TIME value %q", s)
	}
	var hms [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return 0, fmt.Errorf("invalid TIME value %q", s)
		}
		hms[i] = n
	}
	d := time.Duration(hms[0])*time.Hour + time.Duration(hms[1])*time.Minute + time.Duration(hms[2])*time.Second + frac
	return sign * d, nil
}

// toArg converts a row value to a statement argument.
func toArg(v any) any {
	switch v := v.(type) {
	case time.Duration:
		return formatTime(v)
	case decimal.Decimal:
		return v.String()
	}
	return v
}

func formatTime(d time.Duration) string {
	sign := ""
	if d < 0 {
		sign, d = "-", -d
	}
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second
	d -= s * time.Second
	return fmt.Sprintf("%s%02d:%02d:%02d.%06d", sign, h, m, s, d/time.Microsecond)
}
