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
	"errors"

	"github.com/apecloud/binlogreplay/handler"
)

var errSessionClosed = errors.New("memory: session is closed")

// Session is a connection to an Engine. Writes outside Begin/Commit are
// committed immediately.
type Session struct {
	engine  *Engine
	inTx    bool
	undo    []func()
	locks   map[*table]struct{}
	waiting *table
	closed  bool
}

var _ handler.Session = (*Session)(nil)

func (s *Session) OpenTable(ctx context.Context, database, name string) (handler.Table, error) {
	if s.closed {
		return nil, errSessionClosed
	}
	t, err := s.engine.lookup(database, name)
	if err != nil {
		return nil, err
	}
	return &handle{sess: s, t: t}, nil
}

func (s *Session) Begin(ctx context.Context) error {
	if s.closed {
		return errSessionClosed
	}
	if s.inTx {
		// BEGIN inside a transaction commits the open one, as MySQL does.
		if err := s.Commit(ctx); err != nil {
			return err
		}
	}
	s.inTx = true
	return nil
}

func (s *Session) Commit(context.Context) error {
	if s.closed {
		return errSessionClosed
	}
	s.undo = nil
	s.inTx = false
	s.engine.release(s)
	return nil
}

func (s *Session) Rollback(context.Context) error {
	if s.closed {
		return errSessionClosed
	}
	s.rollback()
	return nil
}

func (s *Session) rollback() {
	e := s.engine
	e.mu.Lock()
	for i := len(s.undo) - 1; i >= 0; i-- {
		s.undo[i]()
	}
	e.mu.Unlock()
	s.undo = nil
	s.inTx = false
	e.release(s)
}

// Close rolls back any open transaction.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.rollback()
	s.closed = true
	return nil
}

// InTransaction reports whether Begin has been called without a matching
// Commit or Rollback.
func (s *Session) InTransaction() bool { return s.inTx }

// write runs op under the engine mutex holding t's write lock. op returns the
// function undoing its change.
func (s *Session) write(ctx context.Context, t *table, op func(*Engine) (func(), error)) error {
	if s.closed {
		return errSessionClosed
	}
	if err := s.engine.acquire(ctx, s, t); err != nil {
		return err
	}
	e := s.engine
	e.mu.Lock()
	undo, err := op(e)
	e.mu.Unlock()
	if err == nil && s.inTx {
		s.undo = append(s.undo, undo)
	}
	if !s.inTx {
		s.engine.release(s)
	}
	return err
}
