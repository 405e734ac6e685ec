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
	"errors"
	"fmt"
	"strings"

	"github.com/apecloud/binlogreplay/handler"
	"github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"
	"vitess.io/vitess/go/mysql/sqlerror"
	"vitess.io/vitess/go/vt/sqlparser"
)

// Executor runs logged statements on the replica, on the connection of the
// session they are applied in.
type Executor struct {
	engine *Engine
}

var _ handler.Executor = (*Executor)(nil)

func NewExecutor(engine *Engine) *Executor {
	return &Executor{engine: engine}
}

func (x *Executor) Execute(ctx context.Context, sess handler.Session, stmt handler.Statement) error {
	s, ok := sess.(*Session)
	if !ok || s.engine != x.engine {
		return fmt.Errorf("backend: session %T does not belong to this engine", sess)
	}

	kind := sqlparser.Preview(stmt.Text)
	switch kind {
	case sqlparser.StmtBegin:
		return s.Begin(ctx)
	case sqlparser.StmtCommit:
		return s.Commit(ctx)
	case sqlparser.StmtRollback:
		return s.Rollback(ctx)
	}

	q, err := s.use(ctx, stmt.Database)
	if err != nil {
		return err
	}
	if set, args := buildSetStatement(&stmt.Vars); set != "" {
		if _, err := q.ExecContext(ctx, set, args...); err != nil {
			s.log.WithError(err).Warnln("Failed to restore session variables:", set)
			return toSQLError(err)
		}
	}

	s.log.WithFields(logrus.Fields{
		"database": stmt.Database,
		"kind":     kind.String(),
	}).Traceln("Executing statement:", stmt.Text)
	_, err = q.ExecContext(ctx, stmt.Text)
	if kind == sqlparser.StmtDDL {
		// The statement may have changed any table, whatever its outcome.
		x.engine.Forget("", "")
		// DDL commits implicitly; close the transaction the server ended.
		if cerr := s.Commit(ctx); err == nil {
			err = cerr
		}
	}
	return toSQLError(err)
}

// buildSetStatement returns the SET statement restoring vars, or "" if vars
// is empty. Values are passed as arguments.
func buildSetStatement(vars *handler.SessionVars) (string, []any) {
	var (
		assignments []string
		args        []any
	)
	set := func(name string, v any) {
		assignments = append(assignments, name+" = ?")
		args = append(args, v)
	}
	if vars.SQLMode != nil {
		set("@@session.sql_mode", *vars.SQLMode)
	}
	if vars.AutoIncrementInc != nil {
		set("@@session.auto_increment_increment", *vars.AutoIncrementInc)
	}
	if vars.AutoIncrementOffset != nil {
		set("@@session.auto_increment_offset", *vars.AutoIncrementOffset)
	}
	// The statement text is sent as UTF-8, so character_set_client stays
	// as the connection set it.
	if vars.CollationConnection != nil {
		set("@@session.collation_connection", *vars.CollationConnection)
	}
	if vars.CollationServer != nil {
		set("@@session.collation_server", *vars.CollationServer)
	}
	if vars.TimeZone != nil {
		set("@@session.time_zone", *vars.TimeZone)
	}
	if vars.ForeignKeyChecks != nil {
		set("@@session.foreign_key_checks", *vars.ForeignKeyChecks)
	}
	if vars.UniqueChecks != nil {
		set("@@session.unique_checks", *vars.UniqueChecks)
	}
	if vars.AutoIsNull != nil {
		set("@@session.sql_auto_is_null", *vars.AutoIsNull)
	}
	if vars.InsertID != nil {
		set("@@session.insert_id", *vars.InsertID)
	}
	if vars.LastInsertID != nil {
		set("@@session.last_insert_id", *vars.LastInsertID)
	}
	if vars.RandSeed1 != nil {
		set("@@session.rand_seed1", *vars.RandSeed1)
	}
	if vars.RandSeed2 != nil {
		set("@@session.rand_seed2", *vars.RandSeed2)
	}
	if vars.Timestamp != nil {
		set("@@session.timestamp", *vars.Timestamp)
	}
	for _, uv := range vars.UserVars {
		set("@"+quoteIdentifier(uv.Name), toArg(uv.Value))
	}
	if len(assignments) == 0 {
		return "", nil
	}
	return "SET " + strings.Join(assignments, ", "), args
}

// toSQLError converts a driver error to a *sqlerror.SQLError carrying the
// server's error number. Other errors are returned unchanged.
func toSQLError(err error) error {
	if err == nil {
		return nil
	}
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		state := string(me.SQLState[:])
		if me.SQLState == [5]byte{} {
			state = sqlerror.SSUnknownSQLState
		}
		return sqlerror.NewSQLError(sqlerror.ErrorCode(me.Number), state, me.Message)
	}
	return err
}
