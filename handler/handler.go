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

// Package handler defines the storage-engine and statement-executor contracts
// the replay engine applies events through.
package handler

import (
	"context"
)

// Row is one table row; NULL and absent columns are nil. Cell values use the
// normalized Go types produced by the binlog cell codec.
type Row []any

// Column describes one table column.
type Column struct {
	Name     string
	Nullable bool
	// System columns (row versioning, invisible identity) never take part in
	// before-image comparison.
	System bool
}

// Key describes one index of a table.
type Key struct {
	Name     string
	Columns  []int
	Primary  bool
	Unique   bool
	Nullable bool
	// Ordered keys support range access and can be read in key order.
	Ordered bool
	// RecPerKey is the estimated number of rows sharing one key value.
	RecPerKey float64
}

// Schema is the shape of a table.
type Schema struct {
	Columns []Column
	Keys    []Key
}

// PrimaryKey returns the index of the primary key in Keys, or -1.
func (s *Schema) PrimaryKey() int {
	for i, k := range s.Keys {
		if k.Primary {
			return i
		}
	}
	return -1
}

// ColumnIndex returns the position of the named column, or -1.
func (s *Schema) ColumnIndex(name string) int {
	for i, c := range s.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// Record is a stored row together with the engine's position for it.
type Record struct {
	Pos uint64
	Row Row
}

// Cursor iterates over stored rows. Next returns io.EOF after the last row.
type Cursor interface {
	Next(ctx context.Context) (Record, error)
	Close() error
}

// Table is an open table handle. Handles belong to one Session and are not
// safe for concurrent use.
type Table interface {
	Database() string
	Name() string
	Schema() *Schema

	// HasPositionSeek reports whether rows can be re-read directly by the
	// primary-key values of an image.
	HasPositionSeek() bool
	// SeekByPosition returns the row whose primary key equals that of image.
	SeekByPosition(ctx context.Context, image Row) (Record, error)
	// SeekByKey returns the rows whose key columns equal those of image.
	SeekByKey(ctx context.Context, keyNo int, image Row) (Cursor, error)
	// Scan returns all rows of the table.
	Scan(ctx context.Context) (Cursor, error)

	Insert(ctx context.Context, row Row) error
	Update(ctx context.Context, old Record, row Row) error
	Delete(ctx context.Context, old Record) error
}

// Session is one transactional connection to a storage engine.
type Session interface {
	OpenTable(ctx context.Context, database, name string) (Table, error)
	Begin(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	Close() error
}

// Engine opens sessions.
type Engine interface {
	NewSession(ctx context.Context) (Session, error)
}
