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
package memory

import (
	"context"
	"io"
	"slices"

	"github.com/apecloud/binlogreplay/handler"
)

type index map[string]map[uint64]struct{}

type table struct {
	db, name string
	schema   handler.Schema
	rows     map[uint64]handler.Row
	indexes  []index

	// owner holds the write lock; released is closed when it lets go.
	owner    *Session
	released chan struct{}
}

func newTable(db, name string, schema handler.Schema) *table {
	t := &table{
		db:       db,
		name:     name,
		schema:   schema,
		released: make(chan struct{}),
	}
	t.truncate()
	return t
}

func (t *table) truncate() {
	t.rows = make(map[uint64]handler.Row)
	t.indexes = make([]index, len(t.schema.Keys))
	for i := range t.indexes {
		t.indexes[i] = make(index)
	}
}

func (t *table) allPositions() []uint64 {
	positions := make([]uint64, 0, len(t.rows))
	for pos := range t.rows {
		positions = append(positions, pos)
	}
	slices.Sort(positions)
	return positions
}

func (t *table) snapshot(positions []uint64) []handler.Record {
	records := make([]handler.Record, 0, len(positions))
	for _, pos := range positions {
		if row, ok := t.rows[pos]; ok {
			records = append(records, handler.Record{Pos: pos, Row: slices.Clone(row)})
		}
	}
	return records
}

// schemaWithStats returns the schema with RecPerKey refreshed from the indexes.
func (t *table) schemaWithStats() *handler.Schema {
	s := handler.Schema{
		Columns: slices.Clone(t.schema.Columns),
		Keys:    make([]handler.Key, len(t.schema.Keys)),
	}
	for i, k := range t.schema.Keys {
		k.Columns = slices.Clone(k.Columns)
		k.RecPerKey = 1
		if distinct := len(t.indexes[i]); distinct > 0 {
			k.RecPerKey = float64(len(t.rows)) / float64(distinct)
		}
		s.Keys[i] = k
	}
	return &s
}

func (t *table) check(row handler.Row, self uint64) error {
	if len(row) != len(t.schema.Columns) {
		return handler.NewError(handler.CodeWrongValueCount, "Column count doesn't match value count: table %s has %d columns, row has %d",
			t.name, len(t.schema.Columns), len(row))
	}
	for i, c := range t.schema.Columns {
		if row[i] == nil && !c.Nullable {
			return handler.NewError(handler.CodeBadNull, "Column '%s' cannot be null", c.Name)
		}
	}
	for i, k := range t.schema.Keys {
		if !k.Unique && !k.Primary || handler.HasNull(row, k.Columns) {
			continue
		}
		for pos := range t.indexes[i][handler.Fingerprint(row, k.Columns)] {
			if pos != self {
				return &handler.Error{
					Code:    handler.CodeDupEntry,
					KeyNo:   i,
					Message: "Duplicate entry for key '" + k.Name + "'",
				}
			}
		}
	}
	return nil
}

func (t *table) link(pos uint64, row handler.Row) {
	t.rows[pos] = row
	for i, k := range t.schema.Keys {
		fp := handler.Fingerprint(row, k.Columns)
		set, ok := t.indexes[i][fp]
		if !ok {
			set = make(map[uint64]struct{})
			t.indexes[i][fp] = set
		}
		set[pos] = struct{}{}
	}
}

func (t *table) unlink(pos uint64) handler.Row {
	row, ok := t.rows[pos]
	if !ok {
		return nil
	}
	delete(t.rows, pos)
	for i, k := range t.schema.Keys {
		fp := handler.Fingerprint(row, k.Columns)
		delete(t.indexes[i][fp], pos)
		if len(t.indexes[i][fp]) == 0 {
			delete(t.indexes[i], fp)
		}
	}
	return row
}

// handle is a table opened by a session.
type handle struct {
	sess *Session
	t    *table
}

var _ handler.Table = (*handle)(nil)

func (h *handle) Database() string { return h.t.db }
func (h *handle) Name() string     { return h.t.name }

func (h *handle) Schema() *handler.Schema {
	h.sess.engine.mu.Lock()
	defer h.sess.engine.mu.Unlock()
	return h.t.schemaWithStats()
}

func (h *handle) HasPositionSeek() bool { return h.t.schema.PrimaryKey() >= 0 }

func (h *handle) SeekByPosition(ctx context.Context, image handler.Row) (handler.Record, error) {
	pk := h.t.schema.PrimaryKey()
	if pk < 0 {
		return handler.Record{}, handler.NewError(handler.CodeNotSupportedYet, "table %s has no primary key", h.t.name)
	}
	c, err := h.SeekByKey(ctx, pk, image)
	if err != nil {
		return handler.Record{}, err
	}
	defer c.Close()
	rec, err := c.Next(ctx)
	if err == io.EOF {
		return handler.Record{}, handler.ErrNotFound
	}
	return rec, err
}

func (h *handle) SeekByKey(ctx context.Context, keyNo int, image handler.Row) (handler.Cursor, error) {
	if keyNo < 0 || keyNo >= len(h.t.schema.Keys) {
		return nil, handler.NewError(handler.CodeKeyNotFound, "table %s has no key %d", h.t.name, keyNo)
	}
	e := h.sess.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	set := h.t.indexes[keyNo][handler.Fingerprint(image, h.t.schema.Keys[keyNo].Columns)]
	positions := make([]uint64, 0, len(set))
	for pos := range set {
		positions = append(positions, pos)
	}
	slices.Sort(positions)
	return &cursor{records: h.t.snapshot(positions)}, nil
}

func (h *handle) Scan(ctx context.Context) (handler.Cursor, error) {
	e := h.sess.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	return &cursor{records: h.t.snapshot(h.t.allPositions())}, nil
}

func (h *handle) Insert(ctx context.Context, row handler.Row) error {
	return h.sess.write(ctx, h.t, func(e *Engine) (func(), error) {
		row := slices.Clone(row)
		if err := h.t.check(row, 0); err != nil {
			return nil, err
		}
		e.nextPos++
		pos := e.nextPos
		h.t.link(pos, row)
		return func() { h.t.unlink(pos) }, nil
	})
}

func (h *handle) Update(ctx context.Context, old handler.Record, row handler.Row) error {
	return h.sess.write(ctx, h.t, func(*Engine) (func(), error) {
		row := slices.Clone(row)
		if _, ok := h.t.rows[old.Pos]; !ok {
			return nil, handler.ErrNotFound
		}
		if err := h.t.check(row, old.Pos); err != nil {
			return nil, err
		}
		prev := h.t.unlink(old.Pos)
		h.t.link(old.Pos, row)
		return func() {
			h.t.unlink(old.Pos)
			h.t.link(old.Pos, prev)
		}, nil
	})
}

func (h *handle) Delete(ctx context.Context, old handler.Record) error {
	return h.sess.write(ctx, h.t, func(*Engine) (func(), error) {
		prev := h.t.unlink(old.Pos)
		if prev == nil {
			return nil, handler.ErrNotFound
		}
		return func() { h.t.link(old.Pos, prev) }, nil
	})
}

type cursor struct {
	records []handler.Record
	next    int
}

func (c *cursor) Next(ctx context.Context) (handler.Record, error) {
	if err := ctx.Err(); err != nil {
		return handler.Record{}, handler.NewError(handler.CodeQueryKilled, "Query execution was interrupted: %v", context.Cause(ctx))
	}
	if c.next >= len(c.records) {
		return handler.Record{}, io.EOF
	}
	c.next++
	return c.records[c.next-1], nil
}

func (c *cursor) Close() error { return nil }
