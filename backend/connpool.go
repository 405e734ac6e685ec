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

// Package backend applies replicated events to a MySQL-protocol replica over
// database/sql: a statement executor and a SQL-backed storage handler.
package backend

import (
	"context"
	stdsql "database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

// pooledConn is a connection pinned to one replay session.
type pooledConn struct {
	*sqlx.Conn
	// schema is the database selected with USE, if any.
	schema string
}

// ConnectionPool hands out one dedicated connection per replay session, so
// session variables and transactions stay on the connection they were set on.
type ConnectionPool struct {
	*sqlx.DB
	conns  sync.Map // concurrent-safe map[uint32]*pooledConn
	nextID atomic.Uint32
}

func NewConnectionPool(db *sqlx.DB) *ConnectionPool {
	return &ConnectionPool{DB: db}
}

// Open connects to the replica at dsn, a go-sql-driver/mysql data source
// name. Statement text is sent as UTF-8.
func Open(dsn string) (*ConnectionPool, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid replica DSN: %w", err)
	}
	cfg.Collation = "utf8mb4_general_ci"
	cfg.ParseTime = true
	cfg.MultiStatements = false
	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, err
	}
	return NewConnectionPool(sqlx.NewDb(stdsql.OpenDB(connector), "mysql")), nil
}

// newID returns the id of a new session.
func (p *ConnectionPool) newID() uint32 {
	return p.nextID.Add(1)
}

func (p *ConnectionPool) GetConn(ctx context.Context, id uint32) (*pooledConn, error) {
	entry, ok := p.conns.Load(id)
	if ok {
		return entry.(*pooledConn), nil
	}
	c, err := p.DB.Connx(ctx)
	if err != nil {
		return nil, err
	}
	conn := &pooledConn{Conn: c}
	p.conns.Store(id, conn)
	return conn, nil
}

// GetConnForSchema returns the connection of session id with schemaName
// selected.
func (p *ConnectionPool) GetConnForSchema(ctx context.Context, id uint32, schemaName string) (*pooledConn, error) {
	conn, err := p.GetConn(ctx, id)
	if err != nil {
		return nil, err
	}
	if schemaName != "" && conn.schema != schemaName {
		if _, err := conn.ExecContext(ctx, "USE "+quoteIdentifier(schemaName)); err != nil {
			logrus.WithField("schema", schemaName).WithError(err).Error("Failed to switch schema")
			return nil, toSQLError(err)
		}
		conn.schema = schemaName
	}
	return conn, nil
}

func (p *ConnectionPool) CloseConn(id uint32) error {
	defer p.conns.Delete(id)
	entry, ok := p.conns.Load(id)
	if ok {
		conn := entry.(*pooledConn)
		if err := conn.Close(); err != nil && !errors.Is(err, stdsql.ErrConnDone) {
			logrus.WithError(err).Warn("Failed to close connection")
			return err
		}
	}
	return nil
}

func (p *ConnectionPool) Close() error {
	var conns []*pooledConn
	p.conns.Range(func(_, value any) bool {
		conns = append(conns, value.(*pooledConn))
		return true
	})
	var lastErr error
	for _, conn := range conns {
		if err := conn.Close(); err != nil && !errors.Is(err, stdsql.ErrConnDone) {
			logrus.WithError(err).Warn("Failed to close connection")
			lastErr = err
		}
	}
	p.conns.Clear()
	return errors.Join(lastErr, p.DB.Close())
}
