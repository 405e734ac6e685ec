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
	"fmt"
	"io"
	"strconv"

	"github.com/apecloud/binlogreplay/handler"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"vitess.io/vitess/go/vt/sqlparser"
)

// Executor runs the subset of SQL a replication stream carries for schema
// setup: database and table DDL, INSERT/REPLACE with literal rows, and
// unconditional DELETE. Anything else fails with ER_NOT_SUPPORTED_YET.
type Executor struct {
	engine *Engine
	parser *sqlparser.Parser
}

var _ handler.Executor = (*Executor)(nil)

// NewExecutor returns an executor over engine.
func NewExecutor(engine *Engine) (*Executor, error) {
	parser, err := sqlparser.New(sqlparser.Options{MySQLServerVersion: "8.0.30"})
	if err != nil {
		return nil, err
	}
	return &Executor{engine: engine, parser: parser}, nil
}

func (x *Executor) Execute(ctx context.Context, sess handler.Session, stmt handler.Statement) error {
	s, ok := sess.(*Session)
	if !ok || s.engine != x.engine {
		return fmt.Errorf("memory: session %T does not belong to this engine", sess)
	}
	parsed, err := x.parser.Parse(stmt.Text)
	if err != nil {
		return handler.NewError(handler.CodeParseError, "%v", err)
	}
	logrus.WithFields(logrus.Fields{
		"database": stmt.Database,
		"type":     fmt.Sprintf("%T", parsed),
	}).Traceln("Executing statement")

	qualify := func(tn sqlparser.TableName) (string, string) {
		if !tn.Qualifier.IsEmpty() {
			return tn.Qualifier.String(), tn.Name.String()
		}
		return stmt.Database, tn.Name.String()
	}

	switch node := parsed.(type) {
	case *sqlparser.Begin:
		return s.Begin(ctx)
	case *sqlparser.Commit:
		return s.Commit(ctx)
	case *sqlparser.Rollback:
		return s.Rollback(ctx)
	case *sqlparser.Use, *sqlparser.Set:
		return nil
	case *sqlparser.CreateDatabase:
		s.Commit(ctx)
		return x.engine.CreateDatabase(node.DBName.String(), node.IfNotExists)
	case *sqlparser.DropDatabase:
		s.Commit(ctx)
		return x.engine.DropDatabase(node.DBName.String(), node.IfExists)
	case *sqlparser.CreateTable:
		s.Commit(ctx)
		if node.TableSpec == nil {
			return handler.NewError(handler.CodeNotSupportedYet, "CREATE TABLE ... LIKE is not supported")
		}
		db, name := qualify(node.Table)
		return x.engine.CreateTable(db, name, schemaOf(node.TableSpec), node.IfNotExists)
	case *sqlparser.DropTable:
		s.Commit(ctx)
		for _, tn := range node.FromTables {
			db, name := qualify(tn)
			if err := x.engine.DropTable(db, name, node.IfExists); err != nil {
				return err
			}
		}
		return nil
	case *sqlparser.TruncateTable:
		s.Commit(ctx)
		db, name := qualify(node.Table)
		return x.engine.TruncateTable(db, name)
	case *sqlparser.Insert:
		tn, err := node.Table.TableName()
		if err != nil {
			return handler.NewError(handler.CodeNotSupportedYet, "%v", err)
		}
		db, name := qualify(tn)
		return x.insert(ctx, s, db, name, node)
	case *sqlparser.Delete:
		if node.Where != nil || len(node.TableExprs) != 1 {
			return handler.NewError(handler.CodeNotSupportedYet, "only unconditional single-table DELETE is supported")
		}
		aliased, ok := node.TableExprs[0].(*sqlparser.AliasedTableExpr)
		if !ok {
			return handler.NewError(handler.CodeNotSupportedYet, "unsupported DELETE target")
		}
		tn, err := aliased.TableName()
		if err != nil {
			return handler.NewError(handler.CodeNotSupportedYet, "%v", err)
		}
		db, name := qualify(tn)
		return x.deleteAll(ctx, s, db, name)
	}
	return handler.NewError(handler.CodeNotSupportedYet, "statement %T is not supported", parsed)
}

func schemaOf(spec *sqlparser.TableSpec) handler.Schema {
	var schema handler.Schema
	for _, col := range spec.Columns {
		c := handler.Column{Name: col.Name.String(), Nullable: true}
		if opts := col.Type.Options; opts != nil {
			if opts.Null != nil {
				c.Nullable = *opts.Null
			}
			switch opts.KeyOpt {
			case sqlparser.ColKeyPrimary:
				c.Nullable = false
				schema.Keys = append(schema.Keys, handler.Key{
					Name: "PRIMARY", Columns: []int{len(schema.Columns)}, Primary: true, Unique: true, Ordered: true,
				})
			case sqlparser.ColKeyUnique, sqlparser.ColKeyUniqueKey:
				schema.Keys = append(schema.Keys, handler.Key{
					Name: c.Name, Columns: []int{len(schema.Columns)}, Unique: true, Ordered: true,
				})
			}
		}
		schema.Columns = append(schema.Columns, c)
	}
	for _, idx := range spec.Indexes {
		k := handler.Key{Name: idx.Info.Name.String(), Ordered: true}
		switch idx.Info.Type {
		case sqlparser.IndexTypePrimary:
			k.Name, k.Primary, k.Unique = "PRIMARY", true, true
		case sqlparser.IndexTypeUnique:
			k.Unique = true
		}
		for _, ic := range idx.Columns {
			if i := schema.ColumnIndex(ic.Column.String()); i >= 0 {
				k.Columns = append(k.Columns, i)
			}
		}
		schema.Keys = append(schema.Keys, k)
	}
	for i := range schema.Keys {
		k := &schema.Keys[i]
		for _, c := range k.Columns {
			if k.Primary {
				schema.Columns[c].Nullable = false
			}
			if schema.Columns[c].Nullable {
				k.Nullable = true
			}
		}
	}
	return schema
}

func (x *Executor) insert(ctx context.Context, s *Session, db, name string, node *sqlparser.Insert) error {
	values, ok := node.Rows.(sqlparser.Values)
	if !ok {
		return handler.NewError(handler.CodeNotSupportedYet, "only INSERT ... VALUES is supported")
	}
	t, err := s.OpenTable(ctx, db, name)
	if err != nil {
		return err
	}
	schema := t.Schema()
	targets := make([]int, len(node.Columns))
	for i, c := range node.Columns {
		if targets[i] = schema.ColumnIndex(c.String()); targets[i] < 0 {
			return handler.NewError(handler.CodeBadField, "Unknown column '%s' in 'field list'", c.String())
		}
	}
	for _, tuple := range values {
		row := make(handler.Row, len(schema.Columns))
		if len(targets) == 0 && len(tuple) != len(row) || len(targets) > 0 && len(tuple) != len(targets) {
			return handler.NewError(handler.CodeWrongValueCount, "Column count doesn't match value count")
		}
		for i, expr := range tuple {
			v, err := literalValue(expr)
			if err != nil {
				return err
			}
			if len(targets) > 0 {
				row[targets[i]] = v
			} else {
				row[i] = v
			}
		}
		err := t.Insert(ctx, row)
		if herr, ok := err.(*handler.Error); ok && herr.Code == handler.CodeDupEntry && node.Action == sqlparser.ReplaceAct {
			err = replaceRow(ctx, t, herr.KeyNo, row)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// replaceRow overwrites the row conflicting with row on keyNo.
func replaceRow(ctx context.Context, t handler.Table, keyNo int, row handler.Row) error {
	c, err := t.SeekByKey(ctx, keyNo, row)
	if err != nil {
		return err
	}
	defer c.Close()
	old, err := c.Next(ctx)
	if err == io.EOF {
		return handler.ErrNotFound
	} else if err != nil {
		return err
	}
	return t.Update(ctx, old, row)
}

func (x *Executor) deleteAll(ctx context.Context, s *Session, db, name string) error {
	t, err := s.OpenTable(ctx, db, name)
	if err != nil {
		return err
	}
	c, err := t.Scan(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	for {
		rec, err := c.Next(ctx)
		if err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}
		if err := t.Delete(ctx, rec); err != nil {
			return err
		}
	}
}

func literalValue(expr sqlparser.Expr) (any, error) {
	switch e := expr.(type) {
	case *sqlparser.NullVal:
		return nil, nil
	case *sqlparser.UnaryExpr:
		if e.Operator == sqlparser.UMinusOp {
			v, err := literalValue(e.Expr)
			if err != nil {
				return nil, err
			}
			switch v := v.(type) {
			case int64:
				return -v, nil
			case uint64:
				return -int64(v), nil
			case float64:
				return -v, nil
			case decimal.Decimal:
				return v.Neg(), nil
			}
		}
	case sqlparser.BoolVal:
		if e {
			return int64(1), nil
		}
		return int64(0), nil
	case *sqlparser.Literal:
		switch e.Type {
		case sqlparser.StrVal:
			return []byte(e.Val), nil
		case sqlparser.IntVal:
			if v, err := strconv.ParseInt(e.Val, 10, 64); err == nil {
				return v, nil
			}
			return strconv.ParseUint(e.Val, 10, 64)
		case sqlparser.FloatVal:
			return strconv.ParseFloat(e.Val, 64)
		case sqlparser.DecimalVal:
			return decimal.NewFromString(e.Val)
		}
	}
	return nil, handler.NewError(handler.CodeNotSupportedYet, "unsupported value expression %s", sqlparser.String(expr))
}
