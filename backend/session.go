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

	"github.com/apecloud/binlogreplay/handler"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

// queryer is what a session runs SQL on: its transaction when one is open,
// its connection otherwise.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (stdsql.Result, error)
	QueryxContext(ctx context.Context, query string, args ...any) (*sqlx.Rows, error)
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
}

// Session is a replay session on its own replica connection.
type Session struct {
	engine *Engine
	id     uint32
	tx     *sqlx.Tx
	log    *logrus.Entry
}

var _ handler.Session = (*Session)(nil)

func (s *Session) conn(ctx context.Context, schema string) (*pooledConn, error) {
	return s.engine.pool.GetConnForSchema(ctx, s.id, schema)
}

func (s *Session) queryer(ctx context.Context) (queryer, error) {
	if s.tx != nil {
		return s.tx, nil
	}
	return s.conn(ctx, "")
}

// use selects schema on the session's connection and returns where to run
// statements.
func (s *Session) use(ctx context.Context, schema string) (queryer, error) {
	if s.tx == nil {
		return s.conn(ctx, schema)
	}
	conn, err := s.engine.pool.GetConn(ctx, s.id)
	if err != nil {
		return nil, toSQLError(err)
	}
	if schema != "" && conn.schema != schema {
		if _, err := s.tx.ExecContext(ctx, "USE "+quoteIdentifier(schema)); err != nil {
			return nil, toSQLError(err)
		}
		conn.schema = schema
	}
	return s.tx, nil
}

func (s *Session) OpenTable(ctx context.Context, database, name string) (handler.Table, error) {
	schema, err := s.engine.schema(ctx, database, name)
	if err != nil {
		return nil, err
	}
	return &Table{sess: s, database: database, name: name, schema: schema}, nil
}

func (s *Session) Begin(ctx context.Context) error {
	if s.tx != nil {
		// BEGIN inside a transaction commits the open one, as MySQL does.
		if err := s.Commit(ctx); err != nil {
			return err
		}
	}
	conn, err := s.conn(ctx, "")
	if err != nil {
		return err
	}
	tx, err := conn.BeginTxx(ctx, nil)
	if err != nil {
		return toSQLError(err)
	}
	s.tx = tx
	return nil
}

func (s *Session) Commit(context.Context) error {
	if s.tx == nil {
		return nil
	}
	tx := s.tx
	s.tx = nil
	return toSQLError(tx.Commit())
}

func (s *Session) Rollback(context.Context) error {
	if s.tx == nil {
		return nil
	}
	tx := s.tx
	s.tx = nil
	if err := tx.Rollback(); err != nil && !errors.Is(err, stdsql.ErrTxDone) {
		return toSQLError(err)
	}
	return nil
}

// Close rolls back any open transaction and returns the connection.
func (s *Session) Close() error {
	if err := s.Rollback(context.Background()); err != nil {
		s.log.WithError(err).Warn("Failed to roll back transaction")
	}
	return s.engine.pool.CloseConn(s.id)
}
