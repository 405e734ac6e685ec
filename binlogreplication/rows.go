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
	"slices"

	"github.com/apecloud/binlogreplay/binlog"
	"github.com/apecloud/binlogreplay/handler"
	"github.com/apecloud/binlogreplay/replerror"
	"github.com/sirupsen/logrus"
)

// applyTableMap installs a table map for the open group.
func (a *Applier) applyTableMap(ctx context.Context, rc *ReplayContext, tm *binlog.TableMap) error {
	// Used for row-based binary logging beginning (binlog_format=ROW or MIXED). This event precedes each row
	// operation event and maps a table definition to a number, where the table definition consists of database
	// and table names. For more details, see: https://mariadb.com/kb/en/table_map_event/
	rc.log.WithFields(logrus.Fields{
		"id":        tm.TableID,
		"tableName": tm.Name,
		"database":  tm.Database,
		"flags":     fmt.Sprintf("0x%x", tm.Flags),
		"types":     tm.Types,
	}).Trace("Received binlog event: TableMap")

	if tm.TableID == binlog.FlushTableID {
		// Table ID 0xFFFFFF is a special value that indicates table maps can be freed.
		rc.log.Debug("binlog protocol message: table ID '0xFFFFFF'; clearing table maps")
		rc.clearTables()
		return nil
	}

	b := &tableBinding{tm: tm}
	rc.table = b.name()
	if a.filters.isTableFilteredOut(tm.Database, tm.Name) {
		b.filtered = true
		rc.tables[tm.TableID] = b
		return nil
	}
	t, err := rc.sess.OpenTable(ctx, tm.Database, tm.Name)
	if err != nil {
		class := a.classifier.Classify(err, rc.situation())
		if !class.Absorbed() {
			return &applyError{class: class, err: err}
		}
		a.absorbed(rc, class, replerror.Code(err), "table map for "+b.name())
		b.filtered = true
		rc.tables[tm.TableID] = b
		return nil
	}
	b.table = t
	b.schema = t.Schema()
	rc.tables[tm.TableID] = b
	return nil
}

// applyRows applies a WriteRows, DeleteRows, or UpdateRows event row by row.
func (a *Applier) applyRows(ctx context.Context, rc *ReplayContext, ev *binlog.RowChange) error {
	// A ROWS_EVENT is written for row based replication if data is inserted, deleted or updated.
	// For more details, see: https://mariadb.com/kb/en/rows_event_v1v2-rows_compressed_event_v1/
	rc.log.WithFields(logrus.Fields{
		"id":                ev.TableID,
		"kind":              ev.Kind.String(),
		"endOfStatement":    ev.Flags&binlog.RowsFlagStmtEnd != 0,
		"noForeignKeyCheck": ev.Flags&binlog.RowsFlagNoForeignKeys != 0,
		"noUniqueKeyCheck":  ev.Flags&binlog.RowsFlagRelaxedUnique != 0,
		"rowsAreComplete":   ev.Flags&binlog.RowsFlagComplete != 0,
	}).Tracef("Received binlog event: %sRows", ev.Kind)

	// Row images carry their own values; session variables logged ahead of
	// a rows event apply to nothing and must not leak into the next statement.
	if vars := rc.takeVars(); len(vars) > 0 {
		rc.log.WithField("count", len(vars)).Trace("Dropping session variables before rows event")
	}
	if ev.StmtEnd() {
		defer rc.clearTables()
	}
	if ev.IsFlush() {
		return nil
	}
	b, ok := rc.tables[ev.TableID]
	if !ok {
		return ErrNoTableMap.New(ev.TableID)
	}
	rc.table = b.name()
	if b.filtered {
		return nil
	}

	cursor, err := ev.Cursor(b.tm)
	if err != nil {
		return err
	}
	for {
		if ctx.Err() != nil {
			return replerror.ErrKilledForRetry.Wrap(context.Cause(ctx))
		}
		before, after, err := cursor.Next()
		if errors.Is(err, io.EOF) {
			return nil
		} else if err != nil {
			return err
		}

		switch ev.Kind {
		case binlog.InsertRowEvent:
			err = a.writeRow(ctx, b, ev, after)
		case binlog.UpdateRowEvent:
			err = a.updateRow(ctx, b, ev, before, after)
		case binlog.DeleteRowEvent:
			err = a.deleteRow(ctx, b, ev, before)
		}
		if err != nil {
			class := a.classifier.Classify(err, rc.situation())
			if !class.Absorbed() {
				return &applyError{class: class, err: err}
			}
			a.absorbed(rc, class, replerror.Code(err), fmt.Sprintf("%s row %d", ev.Kind, cursor.Index()))
			continue
		}
		rc.Counters.Rows++
	}
}

// localRow maps a logged row image onto the local table's columns. Local
// columns the image lacks are nil; a logged value for a column the local
// table does not have is a schema mismatch.
func localRow(b *tableBinding, image binlog.Row, present binlog.Bitmap) (handler.Row, error) {
	n := len(b.schema.Columns)
	row := make(handler.Row, n)
	for i, v := range image {
		if i < n {
			row[i] = v
			continue
		}
		if present.Bit(i) && v != nil {
			return nil, replerror.ErrSchemaMismatch.New(b.tm.Database, b.tm.Name,
				fmt.Sprintf("column %d is logged but the table has %d columns", i, n))
		}
	}
	return row, nil
}

func (a *Applier) writeRow(ctx context.Context, b *tableBinding, ev *binlog.RowChange, after binlog.Row) error {
	row, err := localRow(b, after, ev.Present)
	if err != nil {
		return err
	}
	err = b.table.Insert(ctx, row)
	if err == nil || a.cfg.Mode != replerror.ModeIdempotent {
		return err
	}
	var herr *handler.Error
	if !errors.As(err, &herr) || herr.KeyNo == handler.NoKey || !replerror.Equivalent(replerror.CodeDupEntry, herr.Code) {
		return err
	}
	// Idempotent replay overwrites the row holding the key.
	cursor, serr := b.table.SeekByKey(ctx, herr.KeyNo, row)
	if serr != nil {
		return err
	}
	defer cursor.Close()
	old, serr := cursor.Next(ctx)
	if serr != nil {
		return err
	}
	return b.table.Update(ctx, old, row)
}

func (a *Applier) updateRow(ctx context.Context, b *tableBinding, ev *binlog.RowChange, before, after binlog.Row) error {
	image, err := localRow(b, before, ev.Present)
	if err != nil {
		return err
	}
	changes, err := localRow(b, after, ev.PresentAfter)
	if err != nil {
		return err
	}
	old, err := a.matcher.FindRow(ctx, b.table, image, ev.Present)
	if err != nil {
		return err
	}
	// Columns missing from the after image keep their stored value.
	row := slices.Clone(old.Row)
	for i := range row {
		if ev.PresentAfter.Bit(i) {
			row[i] = changes[i]
		}
	}
	return b.table.Update(ctx, old, row)
}

func (a *Applier) deleteRow(ctx context.Context, b *tableBinding, ev *binlog.RowChange, before binlog.Row) error {
	image, err := localRow(b, before, ev.Present)
	if err != nil {
		return err
	}
	old, err := a.matcher.FindRow(ctx, b.table, image, ev.Present)
	if err != nil {
		return err
	}
	return b.table.Delete(ctx, old)
}
