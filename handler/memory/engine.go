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

// Package memory is an in-memory transactional storage engine. Writers take
// an exclusive table lock held until commit or rollback; readers never block.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/apecloud/binlogreplay/handler"
	"github.com/sirupsen/logrus"
)

// DefaultLockWaitTimeout matches innodb_lock_wait_timeout's default.
const DefaultLockWaitTimeout = 50 * time.Second

// Engine holds databases in memory.
type Engine struct {
	mu       sync.Mutex
	dbs      map[string]map[string]*table
	nextPos  uint64
	lockWait time.Duration
	log      *logrus.Entry
}

var _ handler.Engine = (*Engine)(nil)

// NewEngine returns an empty engine. A lockWait of zero means DefaultLockWaitTimeout.
func NewEngine(lockWait time.Duration) *Engine {
	if lockWait <= 0 {
		lockWait = DefaultLockWaitTimeout
	}
	return &Engine{
		dbs:      make(map[string]map[string]*table),
		lockWait: lockWait,
		log:      logrus.WithField("component", "memory-engine"),
	}
}

// CreateDatabase creates an empty database.
func (e *Engine) CreateDatabase(name string, ifNotExists bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.dbs[name]; ok {
		if ifNotExists {
			return nil
		}
		return handler.NewError(handler.CodeDbCreateExists, "Can't create database '%s'; database exists", name)
	}
	e.dbs[name] = make(map[string]*table)
	return nil
}

// DropDatabase drops a database and its tables.
func (e *Engine) DropDatabase(name string, ifExists bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.dbs[name]; !ok {
		if ifExists {
			return nil
		}
		return handler.NewError(handler.CodeDbDropExists, "Can't drop database '%s'; database doesn't exist", name)
	}
	delete(e.dbs, name)
	return nil
}

// CreateTable creates an empty table. The database is created if missing.
func (e *Engine) CreateTable(database, name string, schema handler.Schema, ifNotExists bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	tables, ok := e.dbs[database]
	if !ok {
		tables = make(map[string]*table)
		e.dbs[database] = tables
	}
	if _, ok := tables[name]; ok {
		if ifNotExists {
			return nil
		}
		return handler.NewError(handler.CodeTableExists, "Table '%s' already exists", name)
	}
	tables[name] = newTable(database, name, schema)
	return nil
}

// DropTable drops a table.
func (e *Engine) DropTable(database, name string, ifExists bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.dbs[database][name]; !ok {
		if ifExists {
			return nil
		}
		return handler.NewError(handler.CodeBadTable, "Unknown table '%s.%s'", database, name)
	}
	delete(e.dbs[database], name)
	return nil
}

// TruncateTable removes every row of a table.
func (e *Engine) TruncateTable(database, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.dbs[database][name]
	if !ok {
		return handler.NewError(handler.CodeNoSuchTable, "Table '%s.%s' doesn't exist", database, name)
	}
	t.truncate()
	return nil
}

// Tables returns the sorted table names of a database.
func (e *Engine) Tables(database string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, 0, len(e.dbs[database]))
	for name := range e.dbs[database] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Rows returns a committed-or-not snapshot of a table's rows in insertion order.
func (e *Engine) Rows(database, name string) ([]handler.Row, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.dbs[database][name]
	if !ok {
		return nil, handler.NewError(handler.CodeNoSuchTable, "Table '%s.%s' doesn't exist", database, name)
	}
	records := t.snapshot(t.allPositions())
	rows := make([]handler.Row, len(records))
	for i, r := range records {
		rows[i] = r.Row
	}
	return rows, nil
}

func (e *Engine) lookup(database, name string) (*table, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.dbs[database][name]
	if !ok {
		return nil, handler.NewError(handler.CodeNoSuchTable, "Table '%s.%s' doesn't exist", database, name)
	}
	return t, nil
}

// NewSession opens a session.
func (e *Engine) NewSession(context.Context) (handler.Session, error) {
	return &Session{engine: e, locks: make(map[*table]struct{})}, nil
}

// acquire takes t's write lock for s, waiting up to the lock-wait timeout.
func (e *Engine) acquire(ctx context.Context, s *Session, t *table) error {
	timer := time.NewTimer(e.lockWait)
	defer timer.Stop()
	for {
		e.mu.Lock()
		if t.owner == nil || t.owner == s {
			t.owner = s
			s.locks[t] = struct{}{}
			s.waiting = nil
			e.mu.Unlock()
			return nil
		}
		if holder := t.owner; holder.waiting != nil && holder.waiting.owner == s {
			e.mu.Unlock()
			e.log.WithFields(logrus.Fields{"table": t.name}).Debug("Deadlock detected, rolling back the requester")
			return handler.NewError(handler.CodeLockDeadlock, "Deadlock found when trying to get lock; try restarting transaction")
		}
		s.waiting = t
		released := t.released
		e.mu.Unlock()

		select {
		case <-released:
		case <-timer.C:
			e.clearWait(s)
			return handler.NewError(handler.CodeLockWaitTimeout, "Lock wait timeout exceeded; try restarting transaction")
		case <-ctx.Done():
			e.clearWait(s)
			return handler.NewError(handler.CodeQueryKilled, "Query execution was interrupted: %v", context.Cause(ctx))
		}
	}
}

func (e *Engine) clearWait(s *Session) {
	e.mu.Lock()
	s.waiting = nil
	e.mu.Unlock()
}

// release drops every lock s holds.
func (e *Engine) release(s *Session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for t := range s.locks {
		if t.owner == s {
			t.owner = nil
			close(t.released)
			t.released = make(chan struct{})
		}
		delete(s.locks, t)
	}
}
