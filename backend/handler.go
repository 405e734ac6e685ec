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
	stdsql "database/sql"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"

	"github.com/apecloud/binlogreplay/handler"
	"github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"
)

// Engine is a storage handler backed by tables on a MySQL-protocol replica.
// Table schemas are read from information_schema and cached until Forget.
type Engine struct {
	pool *ConnectionPool

	mu      sync.Mutex
	schemas map[string]*tableSchema
}

var _ handler.Engine = (*Engine)(nil)

func NewEngine(pool *ConnectionPool) *Engine {
	return &Engine{pool: pool, schemas: make(map[string]*tableSchema)}
}

func (e *Engine) Pool() *ConnectionPool {
	return e.pool
}

func (e *Engine) NewSession(ctx context.Context) (handler.Session, error) {
	id := e.pool.newID()
	if _, err := e.pool.GetConn(ctx, id); err != nil {
		return nil, toSQLError(err)
	}
	return &Session{
		engine: e,
		id:     id,
		log:    logrus.WithField("session", id),
	}, nil
}

// Forget drops the cached schema of database.table, or of every table of
// database when table is empty, or of everything when both are empty.
func (e *Engine) Forget(database, table string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case database == "" && table == "":
		clear(e.schemas)
	case table == "":
		prefix := database + "\x00"
		for k := range e.schemas {
			if strings.HasPrefix(k, prefix) {
				delete(e.schemas, k)
			}
		}
	default:
		delete(e.schemas, database+"\x00"+table)
	}
}

// tableSchema is a handler schema plus what the backend needs to read and
// write the columns.
type tableSchema struct {
	handler.Schema
	// dataTypes are information_schema DATA_TYPE values, lower case.
	dataTypes []string
	unsigned  []bool
	// writable are the columns a write may name; generated columns are not.
	writable []int
}

type columnInfo struct {
	Name       string `db:"name"`
	Nullable   string `db:"nullable"`
	DataType   string `db:"data_type"`
	ColumnType string `db:"column_type"`
	Extra      string `db:"extra"`
}

type indexInfo struct {
	Name        string           `db:"name"`
	NonUnique   int              `db:"non_unique"`
	Column      string           `db:"column_name"`
	IndexType   string           `db:"index_type"`
	Cardinality stdsql.NullInt64 `db:"cardinality"`
	TableRows   stdsql.NullInt64 `db:"table_rows"`
}

const (
	columnsQuery = `SELECT COLUMN_NAME AS name, IS_NULLABLE AS nullable, DATA_TYPE AS data_type,
  COLUMN_TYPE AS column_type, EXTRA AS extra
FROM information_schema.COLUMNS
WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?
ORDER BY ORDINAL_POSITION`

	indexesQuery = `SELECT s.INDEX_NAME AS name, s.NON_UNIQUE AS non_unique, s.COLUMN_NAME AS column_name,
  s.INDEX_TYPE AS index_type, s.CARDINALITY AS cardinality, t.TABLE_ROWS AS table_rows
FROM information_schema.STATISTICS s
JOIN information_schema.TABLES t ON t.TABLE_SCHEMA = s.TABLE_SCHEMA AND t.TABLE_NAME = s.TABLE_NAME
WHERE s.TABLE_SCHEMA = ? AND s.TABLE_NAME = ?
ORDER BY s.INDEX_NAME <> 'PRIMARY', s.INDEX_NAME, s.SEQ_IN_INDEX`
)

func (e *Engine) schema(ctx context.Context, database, table string) (*tableSchema, error) {
	key := database + "\x00" + table
	e.mu.Lock()
	s, ok := e.schemas[key]
	e.mu.Unlock()
	if ok {
		return s, nil
	}
	s, err := e.loadSchema(ctx, database, table)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.schemas[key] = s
	e.mu.Unlock()
	return s, nil
}

func (e *Engine) loadSchema(ctx context.Context, database, table string) (*tableSchema, error) {
	var columns []columnInfo
	if err := e.pool.SelectContext(ctx, &columns, columnsQuery, database, table); err != nil {
		return nil, toSQLError(err)
	}
	if len(columns) == 0 {
		return nil, handler.NewError(handler.CodeNoSuchTable, "Table '%s.%s' doesn't exist", database, table)
	}
	s := &tableSchema{}
	for i, c := range columns {
		extra := strings.ToUpper(c.Extra)
		generated := strings.Contains(extra, "GENERATED")
		s.Columns = append(s.Columns, handler.Column{
			Name:     c.Name,
			Nullable: c.Nullable == "YES",
			System:   generated || strings.Contains(extra, "INVISIBLE"),
		})
		s.dataTypes = append(s.dataTypes, strings.ToLower(c.DataType))
		s.unsigned = append(s.unsigned, strings.Contains(strings.ToLower(c.ColumnType), "unsigned"))
		if !generated {
			s.writable = append(s.writable, i)
		}
	}

	var indexes []indexInfo
	if err := e.pool.SelectContext(ctx, &indexes, indexesQuery, database, table); err != nil {
		return nil, toSQLError(err)
	}
	for _, ix := range indexes {
		col := s.ColumnIndex(ix.Column)
		if col < 0 {
			// Functional key parts have no column.
			continue
		}
		n := len(s.Keys)
		if n == 0 || s.Keys[n-1].Name != ix.Name {
			k := handler.Key{
				Name:    ix.Name,
				Primary: ix.Name == "PRIMARY",
				Unique:  ix.NonUnique == 0,
				Ordered: ix.IndexType == "BTREE",
			}
			k.RecPerKey = 1
			if !k.Unique && ix.Cardinality.Valid && ix.Cardinality.Int64 > 0 && ix.TableRows.Valid {
				k.RecPerKey = max(1, float64(ix.TableRows.Int64)/float64(ix.Cardinality.Int64))
			}
			s.Keys = append(s.Keys, k)
			n++
		}
		k := &s.Keys[n-1]
		k.Columns = append(k.Columns, col)
		if s.Columns[col].Nullable {
			k.Nullable = true
		}
	}
	return s, nil
}

// Table is a replica table accessed through one session.
type Table struct {
	sess     *Session
	database string
	name     string
	schema   *tableSchema
}

var _ handler.Table = (*Table)(nil)

func (t *Table) Database() string        { return t.database }
func (t *Table) Name() string            { return t.name }
func (t *Table) Schema() *handler.Schema { return &t.schema.Schema }
func (t *Table) fullName() string        { return qualifiedName(t.database, t.name) }
func (t *Table) HasPositionSeek() bool   { return t.schema.PrimaryKey() >= 0 }

// selectExpr reads ENUM, SET and BIT columns by their numeric value, the way
// they are logged.
func (t *Table) selectExpr() string {
	var b strings.Builder
	for i, c := range t.schema.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(quoteIdentifier(c.Name))
		switch t.schema.dataTypes[i] {
		case "enum", "set", "bit":
			b.WriteString("+0")
		}
	}
	return b.String()
}

func (t *Table) query(ctx context.Context, where []int, image handler.Row, limit bool) (handler.Cursor, error) {
	q, err := t.sess.queryer(ctx)
	if err != nil {
		return nil, err
	}
	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(t.selectExpr())
	sb.WriteString(" FROM ")
	sb.WriteString(t.fullName())
	names, args := t.match(where, image)
	if len(names) > 0 {
		writeMatch(&sb, names)
	}
	if limit {
		sb.WriteString(" LIMIT 1")
	}
	rows, err := q.QueryxContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, toSQLError(err)
	}
	return newRowCursor(rows, t.schema), nil
}

func (t *Table) match(columns []int, image handler.Row) ([]string, []any) {
	names := make([]string, len(columns))
	args := make([]any, len(columns))
	for i, c := range columns {
		names[i] = t.schema.Columns[c].Name
		args[i] = toArg(image[c])
	}
	return names, args
}

// identity returns the columns that identify a stored row: the primary key,
// or every non-system column when there is none.
func (t *Table) identity() []int {
	if pk := t.schema.PrimaryKey(); pk >= 0 {
		return t.schema.Keys[pk].Columns
	}
	var cols []int
	for i, c := range t.schema.Columns {
		if !c.System {
			cols = append(cols, i)
		}
	}
	return cols
}

func (t *Table) SeekByPosition(ctx context.Context, image handler.Row) (handler.Record, error) {
	pk := t.schema.PrimaryKey()
	if pk < 0 {
		return handler.Record{}, handler.NewError(handler.CodeNotSupportedYet, "table %s has no primary key", t.fullName())
	}
	c, err := t.query(ctx, t.schema.Keys[pk].Columns, image, true)
	if err != nil {
		return handler.Record{}, err
	}
	defer c.Close()
	rec, err := c.Next(ctx)
	if err != nil {
		if err == io.EOF {
			return handler.Record{}, handler.ErrNotFound
		}
		return handler.Record{}, err
	}
	return rec, nil
}

func (t *Table) SeekByKey(ctx context.Context, keyNo int, image handler.Row) (handler.Cursor, error) {
	if keyNo < 0 || keyNo >= len(t.schema.Keys) {
		return nil, fmt.Errorf("table %s has no key %d", t.fullName(), keyNo)
	}
	return t.query(ctx, t.schema.Keys[keyNo].Columns, image, false)
}

func (t *Table) Scan(ctx context.Context) (handler.Cursor, error) {
	return t.query(ctx, nil, nil, false)
}

func (t *Table) Insert(ctx context.Context, row handler.Row) error {
	names, args := t.match(t.schema.writable, row)
	sql, _ := buildInsertTemplate(t.fullName(), names)
	return t.exec(ctx, sql, args)
}

func (t *Table) Update(ctx context.Context, old handler.Record, row handler.Row) error {
	names, args := t.match(t.schema.writable, row)
	matchNames, matchArgs := t.match(t.identity(), old.Row)
	sql, _ := buildUpdateTemplate(t.fullName(), names, matchNames)
	return t.exec(ctx, sql, append(args, matchArgs...))
}

func (t *Table) Delete(ctx context.Context, old handler.Record) error {
	matchNames, matchArgs := t.match(t.identity(), old.Row)
	sql, _ := buildDeleteTemplate(t.fullName(), matchNames)
	return t.exec(ctx, sql, matchArgs)
}

func (t *Table) exec(ctx context.Context, sql string, args []any) error {
	q, err := t.sess.queryer(ctx)
	if err != nil {
		return err
	}
	logrus.WithField("table", t.fullName()).Traceln("Executing:", sql)
	if _, err := q.ExecContext(ctx, sql, args...); err != nil {
		return t.writeError(err)
	}
	return nil
}

var dupKeyPattern = regexp.MustCompile(`for key '([^']*)'`)

// writeError converts a driver error from a write. Duplicate-key errors carry
// the number of the conflicting key.
func (t *Table) writeError(err error) error {
	var me *mysql.MySQLError
	if !errors.As(err, &me) {
		return toSQLError(err)
	}
	switch me.Number {
	case handler.CodeDupEntry, handler.CodeDupEntryWithKey, handler.CodeDupKey:
	default:
		return toSQLError(err)
	}
	herr := &handler.Error{Code: me.Number, KeyNo: handler.NoKey, Message: me.Message}
	if m := dupKeyPattern.FindStringSubmatch(me.Message); m != nil {
		herr.KeyNo = t.keyByName(m[1])
	}
	return herr
}

func (t *Table) keyByName(name string) int {
	for i, k := range t.schema.Keys {
		// MySQL 8 qualifies the key with the table name.
		if k.Name == name || t.name+"."+k.Name == name {
			return i
		}
	}
	return handler.NoKey
}
