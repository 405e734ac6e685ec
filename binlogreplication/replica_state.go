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
package binlogreplication

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/apecloud/binlogreplay/gtid"
	"github.com/apecloud/binlogreplay/handler"
)

// replicaStateID is the key of the single row of the state table.
const replicaStateID = 1

// replicaState keeps the durable position in a table of the replica, in the
// manner of mysql.gtid_slave_pos. The row is written on the session of the
// group it follows, before that group commits, so the group and its position
// become durable together.
type replicaState struct {
	database string
	name     string
}

func newReplicaState(table string) (*replicaState, error) {
	db, name, ok := strings.Cut(table, ".")
	if !ok || db == "" || name == "" {
		return nil, fmt.Errorf("replica state table %q is not db.table", table)
	}
	return &replicaState{database: db, name: name}, nil
}

func (st *replicaState) String() string {
	return st.database + "." + st.name
}

// create creates the state table if it does not exist.
func (st *replicaState) create(ctx context.Context, exec handler.Executor, sess handler.Session) error {
	stmts := []string{
		fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", st.database),
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS `%s`.`%s` ("+
			"id INT UNSIGNED NOT NULL PRIMARY KEY, "+
			"log_file VARCHAR(512) NOT NULL, "+
			"log_pos BIGINT UNSIGNED NOT NULL, "+
			"gtid_pos VARCHAR(4096) NOT NULL)", st.database, st.name),
	}
	for _, text := range stmts {
		if err := exec.Execute(ctx, sess, handler.Statement{Database: st.database, Text: text}); err != nil {
			return fmt.Errorf("creating replica state table %s: %w", st, err)
		}
	}
	return nil
}

// find returns the state row, or handler.ErrNotFound.
func (st *replicaState) find(ctx context.Context, t handler.Table) (handler.Record, error) {
	c, err := t.Scan(ctx)
	if err != nil {
		return handler.Record{}, err
	}
	defer c.Close()
	for {
		rec, err := c.Next(ctx)
		if errors.Is(err, io.EOF) {
			return handler.Record{}, handler.ErrNotFound
		} else if err != nil {
			return handler.Record{}, err
		}
		if len(rec.Row) > 0 && handler.Equal(rec.Row[0], int64(replicaStateID)) {
			return rec, nil
		}
	}
}

// load reads the stored position. ok is false when none was stored.
func (st *replicaState) load(ctx context.Context, sess handler.Session) (pos LogPosition, ok bool, err error) {
	t, err := sess.OpenTable(ctx, st.database, st.name)
	if err != nil {
		return LogPosition{}, false, err
	}
	rec, err := st.find(ctx, t)
	if handler.IsNotFound(err) {
		return LogPosition{}, false, nil
	} else if err != nil {
		return LogPosition{}, false, err
	}
	if len(rec.Row) < 4 {
		return LogPosition{}, false, fmt.Errorf("replica state table %s has %d columns", st, len(rec.Row))
	}
	pos.File = cellString(rec.Row[1])
	if pos.Offset, err = cellUint(rec.Row[2]); err != nil {
		return LogPosition{}, false, fmt.Errorf("replica state table %s: log_pos: %w", st, err)
	}
	if pos.GTID, err = gtid.ParsePosition(cellString(rec.Row[3])); err != nil {
		return LogPosition{}, false, fmt.Errorf("replica state table %s: gtid_pos: %w", st, err)
	}
	return pos, true, nil
}

// save writes pos on sess, inside its open transaction if there is one.
func (st *replicaState) save(ctx context.Context, sess handler.Session, pos LogPosition) error {
	t, err := sess.OpenTable(ctx, st.database, st.name)
	if err != nil {
		return err
	}
	row := handler.Row{int64(replicaStateID), []byte(pos.File), pos.Offset, []byte(pos.GTID.String())}
	old, err := st.find(ctx, t)
	switch {
	case handler.IsNotFound(err):
		return t.Insert(ctx, row)
	case err != nil:
		return err
	}
	return t.Update(ctx, old, row)
}

// clear removes the stored position.
func (st *replicaState) clear(ctx context.Context, sess handler.Session) error {
	t, err := sess.OpenTable(ctx, st.database, st.name)
	if err != nil {
		return err
	}
	old, err := st.find(ctx, t)
	if handler.IsNotFound(err) {
		return nil
	} else if err != nil {
		return err
	}
	return t.Delete(ctx, old)
}

func cellString(v any) string {
	switch v := v.(type) {
	case []byte:
		return string(v)
	case string:
		return v
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}

func cellUint(v any) (uint64, error) {
	switch v := v.(type) {
	case uint64:
		return v, nil
	case int64:
		if v < 0 {
			return 0, fmt.Errorf("negative value %d", v)
		}
		return uint64(v), nil
	case []byte:
		return strconv.ParseUint(string(v), 10, 64)
	case string:
		return strconv.ParseUint(v, 10, 64)
	}
	return 0, fmt.Errorf("unexpected value %v (%T)", v, v)
}
