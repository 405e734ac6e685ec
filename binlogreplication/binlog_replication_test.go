// Copyright 2022 Dolthub, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package binlogreplication

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/apecloud/binlogreplay/binlog"
	"github.com/apecloud/binlogreplay/gtid"
	"github.com/apecloud/binlogreplay/handler"
	"github.com/apecloud/binlogreplay/handler/memory"
	"github.com/apecloud/binlogreplay/replerror"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	vtbinlog "vitess.io/vitess/go/mysql/binlog"
)

const testLog = "mariadb-bin.000001"

func TestMain(m *testing.M) {
	// glog, pulled in by the vitess binlog package, flushes from a daemon.
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("github.com/golang/glog.(*fileSink).flushDaemon"))
}

// replica is an applier over an in-memory engine holding db1.t(id, v).
type replica struct {
	t       *testing.T
	engine  *memory.Engine
	applier *Applier
	alters  atomic.Int32
	pos     uint32
}

func tableSchema() handler.Schema {
	return handler.Schema{
		Columns: []handler.Column{{Name: "id"}, {Name: "v", Nullable: true}},
		Keys:    []handler.Key{{Name: "PRIMARY", Columns: []int{0}, Primary: true, Unique: true, Ordered: true}},
	}
}

func newEngine(t *testing.T, lockWait time.Duration, rows ...handler.Row) *memory.Engine {
	t.Helper()
	ctx := context.Background()
	engine := memory.NewEngine(lockWait)
	require.NoError(t, engine.CreateDatabase("db1", true))
	require.NoError(t, engine.CreateTable("db1", "t", tableSchema(), false))
	sess, err := engine.NewSession(ctx)
	require.NoError(t, err)
	defer sess.Close()
	tbl, err := sess.OpenTable(ctx, "db1", "t")
	require.NoError(t, err)
	for _, row := range rows {
		require.NoError(t, tbl.Insert(ctx, row))
	}
	return engine
}

func newReplica(t *testing.T, cfg Config, rows ...handler.Row) *replica {
	t.Helper()
	r := &replica{t: t, engine: newEngine(t, time.Second, rows...), pos: 4}
	r.applier = r.newApplier(cfg)
	return r
}

func (r *replica) newApplier(cfg Config) *Applier {
	exec, err := memory.NewExecutor(r.engine)
	require.NoError(r.t, err)
	// The memory engine has no ALTER TABLE: count executions instead.
	counting := handler.ExecutorFunc(func(ctx context.Context, sess handler.Session, stmt handler.Statement) error {
		if strings.HasPrefix(strings.ToUpper(stmt.Text), "ALTER") {
			r.alters.Add(1)
			return nil
		}
		return exec.Execute(ctx, sess, stmt)
	})
	a, err := NewApplier(context.Background(), r.engine, counting, cfg)
	require.NoError(r.t, err)
	r.t.Cleanup(func() { _ = a.Close() })
	return a
}

// header returns the header of the next event, which is 50 bytes long.
func (r *replica) header(ev binlog.Event, flags uint16) binlog.Header {
	r.pos += 50
	return binlog.Header{
		Timestamp:    1700000000,
		Type:         ev.Type(),
		ServerID:     1,
		EventLength:  50,
		NextPosition: r.pos,
		Flags:        flags,
	}
}

func (r *replica) apply(events ...binlog.Event) ApplyResult {
	r.t.Helper()
	var res ApplyResult
	for _, ev := range events {
		var err error
		res, err = r.applier.ApplyEvent(context.Background(), r.header(ev, 0), ev)
		require.NoError(r.t, err)
	}
	return res
}

func (r *replica) applyFlagged(ev binlog.Event) ApplyResult {
	r.t.Helper()
	res, err := r.applier.ApplyEvent(context.Background(), r.header(ev, binlog.FlagSkipReplication), ev)
	require.NoError(r.t, err)
	return res
}

func (r *replica) rows() []handler.Row {
	r.t.Helper()
	rows, err := r.engine.Rows("db1", "t")
	require.NoError(r.t, err)
	return rows
}

func testTableMap() *binlog.TableMap {
	return &binlog.TableMap{
		TableID:   7,
		Flags:     1,
		Database:  "db1",
		Name:      "t",
		Types:     []byte{vtbinlog.TypeLong, vtbinlog.TypeVarchar},
		Metadata:  []uint16{0, 64},
		CanBeNull: binlog.NewFullBitmap(2),
	}
}

func gtidEvent(seq uint64) *binlog.GTID {
	return &binlog.GTID{Sequence: seq, Flags: binlog.GTIDTransactional}
}

func xid(n uint64) *binlog.TransactionEnd {
	return &binlog.TransactionEnd{XID: &n}
}

func rowsEvent(t *testing.T, kind binlog.RowEventType, before, after binlog.Row) *binlog.RowChange {
	t.Helper()
	tm := testTableMap()
	ev := binlog.NewRowChange(kind, tm, binlog.NewFullBitmap(2), binlog.NewFullBitmap(2))
	ev.Flags = binlog.RowsFlagStmtEnd
	require.NoError(t, ev.AppendRow(tm, before, after))
	return ev
}

func insertGroup(t *testing.T, seq uint64, id int64, v string) []binlog.Event {
	return []binlog.Event{
		gtidEvent(seq),
		testTableMap(),
		rowsEvent(t, binlog.InsertRowEvent, nil, binlog.Row{id, []byte(v)}),
		xid(seq),
	}
}

func updateGroup(t *testing.T, seq uint64, id int64, from, to string) []binlog.Event {
	return []binlog.Event{
		gtidEvent(seq),
		testTableMap(),
		rowsEvent(t, binlog.UpdateRowEvent, binlog.Row{id, []byte(from)}, binlog.Row{id, []byte(to)}),
		xid(seq),
	}
}

func TestApplyUpdateGroup(t *testing.T) {
	r := newReplica(t, Config{}, handler.Row{int64(1), "a"})

	r.apply(gtidEvent(1), testTableMap())
	require.Equal(t, GroupOpen, r.applier.Status().State)
	res := r.apply(rowsEvent(t, binlog.UpdateRowEvent, binlog.Row{int64(1), []byte("a")}, binlog.Row{int64(1), []byte("b")}))
	require.False(t, res.Committed)
	require.Equal(t, Executing, r.applier.Status().State)

	res = r.apply(xid(1))
	require.True(t, res.Committed)
	require.Equal(t, binlog.XIDEvent, res.Type)
	require.EqualValues(t, r.pos, res.Position)
	require.EqualValues(t, r.pos, r.applier.CurrentPosition())

	pos := r.applier.LogPosition()
	require.EqualValues(t, r.pos, pos.Offset)
	require.Equal(t, "0-1-1", pos.GTID.String())

	rows := r.rows()
	require.Len(t, rows, 1)
	require.True(t, handler.Equal(int64(1), rows[0][0]))
	require.True(t, handler.Equal("b", rows[0][1]))

	st := r.applier.Status()
	require.True(t, st.Running)
	require.Equal(t, Idle, st.State)
	require.EqualValues(t, 1, st.Counters.Groups)
	require.EqualValues(t, 1, st.Counters.Rows)
}

func TestDurablePositionStaysAtGroupStart(t *testing.T) {
	r := newReplica(t, Config{})
	r.apply(insertGroup(t, 1, 1, "a")...)
	committed := r.applier.LogPosition().Offset

	r.apply(gtidEvent(2), testTableMap())
	require.Equal(t, committed, r.applier.LogPosition().Offset)
	require.Greater(t, r.applier.CurrentPosition(), committed)
}

func TestIdempotentReapply(t *testing.T) {
	r := newReplica(t, Config{Mode: replerror.ModeIdempotent})
	r.apply(insertGroup(t, 1, 2, "x")...)
	// The same rows logged again under a new GTID, as after restoring a
	// backup taken mid-log.
	res := r.apply(insertGroup(t, 2, 2, "y")...)
	require.True(t, res.Committed)
	r.apply(
		gtidEvent(3),
		testTableMap(),
		rowsEvent(t, binlog.DeleteRowEvent, binlog.Row{int64(9), []byte("z")}, nil),
		xid(3),
	)

	rows := r.rows()
	require.Len(t, rows, 1)
	require.True(t, handler.Equal("y", rows[0][1]))
	st := r.applier.Status()
	require.True(t, st.Running)
	// Only the delete of the missing row is absorbed; the duplicate insert
	// overwrites the stored row.
	require.EqualValues(t, 1, st.Counters.Absorbed)
}

func TestStrictDuplicateHalts(t *testing.T) {
	r := newReplica(t, Config{}, handler.Row{int64(2), "x"})
	r.apply(gtidEvent(1), testTableMap())

	ev := rowsEvent(t, binlog.InsertRowEvent, nil, binlog.Row{int64(2), []byte("y")})
	_, err := r.applier.ApplyEvent(context.Background(), r.header(ev, 0), ev)
	require.Error(t, err)

	st := r.applier.Status()
	require.False(t, st.Running)
	require.NotNil(t, st.Halt)
	require.Equal(t, binlog.WriteRowsEventV1, st.Halt.EventType)
	require.Equal(t, "db1.t", st.Halt.Table)
	require.Equal(t, replerror.Fatal, st.Halt.Class)
	require.Zero(t, st.Halt.Position.Offset)
	require.Equal(t, Idle, st.State)

	_, err = r.applier.ApplyEvent(context.Background(), r.header(xid(1), 0), xid(1))
	require.True(t, ErrHalted.Is(err))
	require.Len(t, r.rows(), 1)
}

func TestStatementErrorReconciliation(t *testing.T) {
	drop := &binlog.Statement{Database: "db1", Text: "DELETE FROM missing", ErrorCode: replerror.CodeBadTable}

	t.Run("strict", func(t *testing.T) {
		r := newReplica(t, Config{})
		_, err := r.applier.ApplyEvent(context.Background(), r.header(drop, 0), drop)
		require.Error(t, err)
		st := r.applier.Status()
		require.NotNil(t, st.Halt)
		require.True(t, replerror.Is(replerror.ErrUnexpectedExecutorError, st.Halt.Err))
		require.Equal(t, binlog.QueryEvent, st.Halt.EventType)
	})

	t.Run("idempotent", func(t *testing.T) {
		r := newReplica(t, Config{Mode: replerror.ModeIdempotent})
		res := r.apply(drop)
		require.Equal(t, 1, res.Absorbed)
		require.True(t, res.Committed)
		require.True(t, r.applier.Status().Running)
	})

	t.Run("ignored", func(t *testing.T) {
		r := newReplica(t, Config{IgnoredErrors: []uint16{replerror.CodeNoSuchTable}})
		res := r.apply(drop)
		require.Equal(t, 1, res.Absorbed)
		require.True(t, r.applier.Status().Running)
	})

	t.Run("equivalent", func(t *testing.T) {
		r := newReplica(t, Config{}, handler.Row{int64(1), "a"})
		stmt := &binlog.Statement{Database: "db1", Text: "INSERT INTO t VALUES (1, 'a')", ErrorCode: replerror.CodeDupKey}
		res := r.apply(stmt)
		require.Zero(t, res.Absorbed)
		require.True(t, r.applier.Status().Running)
	})
}

func TestSkipCounterAndSkipReplication(t *testing.T) {
	r := newReplica(t, Config{SkipCounter: 1})

	// A group whose first event carries the flag is dropped whole and
	// leaves the skip counter alone.
	first := insertGroup(t, 1, 1, "flagged")
	res := r.applyFlagged(first[0])
	require.True(t, res.Skipped)
	for _, ev := range first[1:] {
		require.True(t, r.apply(ev).Skipped)
	}
	require.EqualValues(t, 1, r.applier.Status().SkipCounter)
	require.EqualValues(t, r.pos, r.applier.LogPosition().Offset)

	// The next group is taken by the counter.
	for _, ev := range insertGroup(t, 2, 2, "counted") {
		require.True(t, r.apply(ev).Skipped)
	}
	require.Zero(t, r.applier.Status().SkipCounter)

	res = r.apply(insertGroup(t, 3, 3, "applied")...)
	require.True(t, res.Committed)
	require.False(t, res.Skipped)

	rows := r.rows()
	require.Len(t, rows, 1)
	require.True(t, handler.Equal(int64(3), rows[0][0]))

	r.applier.Skip(2)
	require.EqualValues(t, 2, r.applier.Status().SkipCounter)
}

func TestReplicateSkippedAppliesFlaggedEvents(t *testing.T) {
	r := newReplica(t, Config{ReplicateSkipped: true})
	group := insertGroup(t, 1, 1, "a")
	r.applyFlagged(group[0])
	r.apply(group[1:]...)
	require.Len(t, r.rows(), 1)
}

func TestDuplicateGTIDSkipped(t *testing.T) {
	r := newReplica(t, Config{})
	r.apply(insertGroup(t, 1, 1, "a")...)

	for _, ev := range insertGroup(t, 1, 1, "a") {
		require.True(t, r.apply(ev).Skipped)
	}
	require.Len(t, r.rows(), 1)
	require.True(t, r.applier.Status().Running)
	require.EqualValues(t, r.pos, r.applier.LogPosition().Offset)
}

func TestStrayCommitSkipped(t *testing.T) {
	r := newReplica(t, Config{})
	res := r.apply(xid(1))
	require.True(t, res.Skipped)
	require.EqualValues(t, r.pos, r.applier.CurrentPosition())
}

func TestIgnoredTables(t *testing.T) {
	r := newReplica(t, Config{IgnoreTables: []string{"db1.t*"}})
	res := r.apply(insertGroup(t, 1, 1, "a")...)
	require.True(t, res.Committed)
	require.Empty(t, r.rows())
	require.Equal(t, "0-1-1", r.applier.LogPosition().GTID.String())
}

func TestRowsEventWithoutTableMap(t *testing.T) {
	r := newReplica(t, Config{})
	r.apply(gtidEvent(1))
	ev := rowsEvent(t, binlog.InsertRowEvent, nil, binlog.Row{int64(1), []byte("a")})
	_, err := r.applier.ApplyEvent(context.Background(), r.header(ev, 0), ev)
	require.True(t, replerror.Is(ErrNoTableMap, err))
}

func TestAbandonedGroupRolledBack(t *testing.T) {
	r := newReplica(t, Config{})
	r.apply(gtidEvent(1), testTableMap(), rowsEvent(t, binlog.InsertRowEvent, nil, binlog.Row{int64(1), []byte("lost")}))
	// The primary crashed before the XID: a new group starts.
	r.apply(insertGroup(t, 2, 2, "b")...)

	rows := r.rows()
	require.Len(t, rows, 1)
	require.True(t, handler.Equal(int64(2), rows[0][0]))
}

func TestIncidentHalts(t *testing.T) {
	r := newReplica(t, Config{})
	ev := &binlog.Incident{Code: 1, Message: "lost events"}
	_, err := r.applier.ApplyEvent(context.Background(), r.header(ev, 0), ev)
	require.Error(t, err)
	st := r.applier.Status()
	require.NotNil(t, st.Halt)
	require.True(t, replerror.Is(ErrIncident, st.Halt.Err))
}

func TestHaltAndResume(t *testing.T) {
	r := newReplica(t, Config{})
	r.apply(insertGroup(t, 1, 1, "a")...)

	r.applier.Halt()
	st := r.applier.Status()
	require.False(t, st.Running)
	require.True(t, ErrStopped.Is(st.Halt.Err))

	group := insertGroup(t, 2, 2, "b")
	_, err := r.applier.ApplyEvent(context.Background(), r.header(group[0], 0), group[0])
	require.True(t, ErrHalted.Is(err))

	r.applier.Resume()
	require.True(t, r.applier.Status().Running)
	r.apply(group...)
	require.Len(t, r.rows(), 2)
}

func TestTwoPhaseAlter(t *testing.T) {
	alter := "ALTER TABLE t ADD COLUMN c INT"
	startAlter := func(seq uint64) []binlog.Event {
		return []binlog.Event{
			&binlog.GTID{Sequence: seq, Flags: binlog.GTIDStandalone | binlog.GTIDDDL, FlagsExtra: binlog.GTIDExtraStartAlter},
			&binlog.Statement{Database: "db1", Text: alter},
		}
	}
	resolve := func(seq, start uint64, extra uint8) []binlog.Event {
		return []binlog.Event{
			&binlog.GTID{Sequence: seq, Flags: binlog.GTIDStandalone | binlog.GTIDDDL, FlagsExtra: extra, StartAlterSeq: start},
			&binlog.Statement{Database: "db1", Text: alter},
		}
	}

	t.Run("commit", func(t *testing.T) {
		r := newReplica(t, Config{ParallelAlter: true})
		r.apply(startAlter(1)...)
		require.Zero(t, r.alters.Load())
		require.Equal(t, 1, r.applier.Status().Pending)

		r.apply(resolve(2, 1, binlog.GTIDExtraCommitAlter)...)
		require.EqualValues(t, 1, r.alters.Load())
		require.Zero(t, r.applier.Status().Pending)
		require.Equal(t, "0-1-2", r.applier.LogPosition().GTID.String())
	})

	t.Run("rollback", func(t *testing.T) {
		r := newReplica(t, Config{ParallelAlter: true})
		r.apply(startAlter(1)...)
		r.apply(resolve(2, 1, binlog.GTIDExtraRollbackAlter)...)
		require.Zero(t, r.alters.Load())
		require.Zero(t, r.applier.Status().Pending)
	})

	t.Run("reconnect", func(t *testing.T) {
		r := newReplica(t, Config{ParallelAlter: true})
		r.apply(startAlter(1)...)
		r.applier.Reconnect(context.Background())
		require.NoError(t, r.applier.Close())
		require.Zero(t, r.alters.Load())
		require.Zero(t, r.applier.Status().Pending)
	})

	t.Run("serial", func(t *testing.T) {
		r := newReplica(t, Config{})
		r.apply(startAlter(1)...)
		require.EqualValues(t, 1, r.alters.Load())
		r.apply(resolve(2, 1, binlog.GTIDExtraCommitAlter)...)
		require.EqualValues(t, 1, r.alters.Load())
	})

	t.Run("commit without start", func(t *testing.T) {
		r := newReplica(t, Config{ParallelAlter: true})
		r.apply(resolve(5, 4, binlog.GTIDExtraCommitAlter)...)
		require.EqualValues(t, 1, r.alters.Load())
	})
}

func TestSessionVariablesReachStatement(t *testing.T) {
	r := newReplica(t, Config{})
	var got handler.Statement
	exec := handler.ExecutorFunc(func(_ context.Context, _ handler.Session, stmt handler.Statement) error {
		got = stmt
		return nil
	})
	a, err := NewApplier(context.Background(), r.engine, exec, Config{})
	require.NoError(t, err)
	defer a.Close()
	r.applier = a

	mode := uint64(0x200000)
	r.apply(
		&binlog.SessionVariable{Kind: binlog.IntVar, IntVarType: binlog.IntVarInsertID, Value: 42},
		&binlog.Statement{Database: "db1", Text: "INSERT INTO t (v) VALUES ('a')", Status: binlog.StatusVars{SQLMode: &mode}},
	)
	require.Equal(t, "db1", got.Database)
	require.NotNil(t, got.Vars.InsertID)
	require.EqualValues(t, 42, *got.Vars.InsertID)
	require.Equal(t, &mode, got.Vars.SQLMode)
	require.EqualValues(t, 1700000000, *got.Vars.Timestamp)
}

func TestPositionStore(t *testing.T) {
	dir := t.TempDir()
	store := newBinlogPositionStore(dir)

	_, ok, err := store.Load()
	require.NoError(t, err)
	require.False(t, ok)

	gtids, err := gtid.ParsePosition("0-1-10,2-3-7")
	require.NoError(t, err)
	want := LogPosition{File: testLog, Offset: 1234, GTID: gtids}
	require.NoError(t, store.Save(want))

	data, err := os.ReadFile(filepath.Join(dir, binlogPositionDirectory, binlogPositionFilename))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(data), "MariaDB/"+testLog+":1234/"))

	got, ok, err := store.Load()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, want, got)

	require.NoError(t, store.Delete())
	require.NoError(t, store.Delete())
	_, ok, err = store.Load()
	require.NoError(t, err)
	require.False(t, ok)

	_, err = decodeLogPosition("MySQL/x:1/")
	require.Error(t, err)
}

func TestRestartFromDurablePosition(t *testing.T) {
	dir := t.TempDir()
	r := newReplica(t, Config{PositionDir: dir})
	r.apply(insertGroup(t, 1, 1, "a")...)
	pos := r.applier.LogPosition()

	restarted := r.newApplier(Config{PositionDir: dir})
	require.Equal(t, pos, restarted.LogPosition())
	require.Equal(t, uint64(pos.Offset), restarted.CurrentPosition())
	require.True(t, restarted.Coordinator().IsDuplicate(gtid.GTID{Domain: 0, Server: 1, Sequence: 1}))
}

// writeLog encodes events into a log file image.
func writeLog(t *testing.T, events ...binlog.Event) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := binlog.NewWriter(&buf, binlog.NewEncoder(binlog.NewFormatDescription("", binlog.ChecksumOff), nil, binlog.CipherCBC))
	require.NoError(t, err)
	_, err = w.Write(binlog.Header{ServerID: 1}, binlog.NewFormatDescription("10.11.6-MariaDB-log", binlog.ChecksumCRC32))
	require.NoError(t, err)
	for _, ev := range events {
		_, err := w.Write(binlog.Header{Timestamp: 1700000000, ServerID: 1}, ev)
		require.NoError(t, err)
	}
	return buf.Bytes()
}

func newLogReader(t *testing.T, data []byte) *binlog.Reader {
	t.Helper()
	reader, err := binlog.NewReader(bytes.NewReader(data), binlog.NewDecoder(nil, nil, binlog.CipherCBC))
	require.NoError(t, err)
	return reader
}

func TestApplyNextEventFromLog(t *testing.T) {
	var events []binlog.Event
	events = append(events, insertGroup(t, 1, 1, "a")...)
	events = append(events, updateGroup(t, 2, 1, "a", "b")...)
	data := writeLog(t, events...)

	metrics := NewMetrics()
	dir := t.TempDir()
	r := newReplica(t, Config{Metrics: metrics, PositionDir: dir})
	r.applier.SetSource(newLogReader(t, data), testLog)
	for {
		_, err := r.applier.ApplyNextEvent(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
	}

	rows := r.rows()
	require.Len(t, rows, 1)
	require.True(t, handler.Equal("b", rows[0][1]))
	require.EqualValues(t, len(data), r.applier.CurrentPosition())
	require.Equal(t, LogPosition{File: testLog, Offset: uint64(len(data)), GTID: gtid.Position{0: {Domain: 0, Server: 1, Sequence: 2}}}, r.applier.LogPosition())
	require.EqualValues(t, 2, testutil.ToFloat64(metrics.GroupsCommitted))
	require.EqualValues(t, len(data), testutil.ToFloat64(metrics.Position))

	// A restarted replica reading the same log from the start skips what
	// it already applied.
	restarted := r.newApplier(Config{Metrics: metrics, PositionDir: dir})
	restarted.SetSource(newLogReader(t, data), testLog)
	for {
		res, err := restarted.ApplyNextEvent(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		if res.Type != binlog.FormatDescriptionEvent {
			require.True(t, res.Skipped)
		}
	}
	require.Positive(t, testutil.ToFloat64(metrics.EventsSkipped.WithLabelValues("applied")))
}

func TestApplyNextEventTruncatedFrame(t *testing.T) {
	data := writeLog(t, insertGroup(t, 1, 1, "a")...)
	r := newReplica(t, Config{})
	r.applier.SetSource(newLogReader(t, data[:len(data)-3]), testLog)

	var err error
	for err == nil {
		_, err = r.applier.ApplyNextEvent(context.Background())
	}
	require.NotErrorIs(t, err, io.EOF)
	require.False(t, r.applier.Status().Running)
	require.Empty(t, r.rows())
}

func TestSchedulerAppliesInCommitOrder(t *testing.T) {
	for _, mode := range []ParallelMode{ParallelNone, Conservative, Optimistic} {
		t.Run(mode.String(), func(t *testing.T) {
			var events []binlog.Event
			events = append(events, insertGroup(t, 1, 1, "a")...)
			// Both updates touch the same row: run out of order they conflict
			// and the later one is retried.
			events = append(events, updateGroup(t, 2, 1, "a", "b")...)
			events = append(events, updateGroup(t, 3, 1, "b", "c")...)
			events = append(events, insertGroup(t, 4, 2, "d")...)
			data := writeLog(t, events...)

			engine := newEngine(t, 100*time.Millisecond)
			exec, err := memory.NewExecutor(engine)
			require.NoError(t, err)
			metrics := NewMetrics()
			a, err := NewApplier(context.Background(), engine, exec, Config{
				Metrics: metrics,
				Retry:   replerror.RetryPolicy{Limit: 50, Backoff: time.Millisecond, MaxBackoff: 10 * time.Millisecond},
			})
			require.NoError(t, err)
			defer a.Close()

			s := NewScheduler(a, mode, 4)
			require.NoError(t, s.Run(context.Background(), newLogReader(t, data), testLog))

			rows, err := engine.Rows("db1", "t")
			require.NoError(t, err)
			require.Len(t, rows, 2)
			byID := make(map[int64]any)
			for _, row := range rows {
				byID[row[0].(int64)] = row[1]
			}
			require.True(t, handler.Equal("c", byID[1]))
			require.True(t, handler.Equal("d", byID[2]))
			require.Equal(t, "0-1-4", a.LogPosition().GTID.String())
			require.EqualValues(t, len(data), a.LogPosition().Offset)
			require.EqualValues(t, 4, testutil.ToFloat64(metrics.GroupsCommitted))
			require.True(t, a.Status().Running)
		})
	}
}

func TestSchedulerHaltsOnFatalError(t *testing.T) {
	var events []binlog.Event
	events = append(events, insertGroup(t, 1, 1, "a")...)
	events = append(events, updateGroup(t, 2, 9, "x", "y")...)
	events = append(events, insertGroup(t, 3, 2, "b")...)
	data := writeLog(t, events...)

	engine := newEngine(t, 100*time.Millisecond)
	exec, err := memory.NewExecutor(engine)
	require.NoError(t, err)
	a, err := NewApplier(context.Background(), engine, exec, Config{
		Retry: replerror.RetryPolicy{Limit: 3, Backoff: time.Millisecond},
	})
	require.NoError(t, err)
	defer a.Close()

	err = NewScheduler(a, Optimistic, 2).Run(context.Background(), newLogReader(t, data), testLog)
	require.Error(t, err)

	st := a.Status()
	require.NotNil(t, st.Halt)
	require.Equal(t, "db1.t", st.Halt.Table)
	require.Equal(t, "0-1-1", st.Position.GTID.String())
	rows, err := engine.Rows("db1", "t")
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestCommitOrder(t *testing.T) {
	o := newCommitOrder()
	require.NoError(t, o.wait(context.Background(), 0))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, o.wait(ctx, 1), context.DeadlineExceeded)

	done := make(chan error)
	go func() { done <- o.wait(context.Background(), 2) }()
	o.done(1)
	o.done(2)
	require.NoError(t, <-done)
	require.EqualValues(t, 2, o.last())
}

func TestParseParallelMode(t *testing.T) {
	for s, want := range map[string]ParallelMode{"": ParallelNone, "NONE": ParallelNone, "conservative": Conservative, "Optimistic": Optimistic} {
		got, err := ParseParallelMode(s)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := ParseParallelMode("aggressive")
	require.Error(t, err)
}

func TestGroupTracker(t *testing.T) {
	stmt := &binlog.Statement{Text: "CREATE TABLE x (id INT)"}
	begin := &binlog.Statement{Text: "BEGIN"}
	standalone := &binlog.GTID{Sequence: 1, Flags: binlog.GTIDStandalone}
	rows := &binlog.RowChange{TableID: 7, Flags: binlog.RowsFlagStmtEnd}
	midRows := &binlog.RowChange{TableID: 7}

	tests := []struct {
		name   string
		events []binlog.Event
		want   []boundary
	}{
		{
			name:   "transactional gtid",
			events: []binlog.Event{gtidEvent(1), testTableMap(), rows, xid(1)},
			want:   []boundary{{starts: true}, {}, {}, {ends: true}},
		},
		{
			name:   "standalone gtid",
			events: []binlog.Event{standalone, stmt},
			want:   []boundary{{starts: true}, {ends: true}},
		},
		{
			name:   "begin",
			events: []binlog.Event{begin, stmt, xid(1)},
			want:   []boundary{{starts: true}, {}, {ends: true}},
		},
		{
			name:   "lone statement",
			events: []binlog.Event{stmt},
			want:   []boundary{{starts: true, ends: true}},
		},
		{
			name:   "implicit rows group",
			events: []binlog.Event{testTableMap(), midRows, rows},
			want:   []boundary{{starts: true}, {}, {ends: true}},
		},
		{
			name:   "stray commit",
			events: []binlog.Event{xid(1)},
			want:   []boundary{{stray: true}},
		},
		{
			name:   "abandoned",
			events: []binlog.Event{gtidEvent(1), testTableMap(), gtidEvent(2)},
			want:   []boundary{{starts: true}, {}, {starts: true, abandoned: true}},
		},
		{
			name:   "session variables",
			events: []binlog.Event{&binlog.SessionVariable{Kind: binlog.Rand}, stmt},
			want:   []boundary{{starts: true}, {ends: true}},
		},
		{
			name:   "admin",
			events: []binlog.Event{&binlog.Rotate{NextLog: "x"}},
			want:   []boundary{{admin: true}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var g groupTracker
			for i, ev := range tt.events {
				require.Equal(t, tt.want[i], g.step(ev), "event %d", i)
			}
		})
	}
}

func TestThrottledLogger(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	tl := newThrottledLogger(logrus.NewEntry(logger), time.Minute)
	now := time.Unix(1700000000, 0)
	tl.now = func() time.Time { return now }

	require.True(t, tl.Warn(1062, nil, "dup %d", 1))
	require.False(t, tl.Warn(1062, nil, "dup %d", 2))
	require.False(t, tl.Warn(1062, nil, "dup %d", 3))
	require.True(t, tl.Warn(1032, nil, "missing"))
	require.Len(t, hook.AllEntries(), 2)

	now = now.Add(time.Minute)
	require.True(t, tl.Warn(1062, logrus.Fields{"table": "db1.t"}, "dup %d", 4))
	last := hook.LastEntry()
	require.Equal(t, logrus.WarnLevel, last.Level)
	require.Equal(t, "dup 4", last.Message)
	require.EqualValues(t, 2, last.Data["suppressed"])
	require.EqualValues(t, 1062, last.Data["errno"])
	require.Equal(t, "db1.t", last.Data["table"])
}

func TestFilterConfiguration(t *testing.T) {
	f, err := newFilterConfiguration([]string{"db1.t*", "Logs.audit"})
	require.NoError(t, err)
	require.True(t, f.isTableFilteredOut("DB1", "t2"))
	require.True(t, f.isTableFilteredOut("logs", "AUDIT"))
	require.False(t, f.isTableFilteredOut("db2", "t"))

	var none *filterConfiguration
	require.False(t, none.isTableFilteredOut("db1", "t"))

	for _, bad := range []string{"nodot", ".t", "db.", "db.[x"} {
		_, err := newFilterConfiguration([]string{bad})
		require.Error(t, err, bad)
	}
}

func TestUserVarValue(t *testing.T) {
	intData := []byte{0xfe, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	require.Equal(t, int64(-2), userVarValue(&binlog.SessionVariable{ValueType: intResult, Data: intData}))
	require.Equal(t, uint64(1<<64-2), userVarValue(&binlog.SessionVariable{
		ValueType: intResult, Data: intData, UserFlagsSet: true, UserFlags: userVarUnsigned,
	}))
	require.Equal(t, "abc", userVarValue(&binlog.SessionVariable{ValueType: stringResult, Charset: 45, Data: []byte("abc")}))
	require.Equal(t, 1.5, userVarValue(&binlog.SessionVariable{ValueType: realResult, Data: []byte{0, 0, 0, 0, 0, 0, 0xf8, 0x3f}}))
	require.Nil(t, userVarValue(&binlog.SessionVariable{ValueType: stringResult, Null: true}))
	require.Nil(t, userVarValue(&binlog.SessionVariable{ValueType: 9}))
}

func TestRowsEventConsumesSessionVariables(t *testing.T) {
	r := newReplica(t, Config{})
	var got handler.Statement
	exec := handler.ExecutorFunc(func(_ context.Context, _ handler.Session, stmt handler.Statement) error {
		got = stmt
		return nil
	})
	a, err := NewApplier(context.Background(), r.engine, exec, Config{})
	require.NoError(t, err)
	defer a.Close()
	r.applier = a

	r.apply(
		gtidEvent(1),
		&binlog.SessionVariable{Kind: binlog.IntVar, IntVarType: binlog.IntVarInsertID, Value: 42},
		testTableMap(),
		rowsEvent(t, binlog.InsertRowEvent, nil, binlog.Row{int64(1), []byte("a")}),
		&binlog.Statement{Database: "db1", Text: "UPDATE t SET v = 'b'"},
		xid(1),
	)
	require.Equal(t, "UPDATE t SET v = 'b'", got.Text)
	require.Nil(t, got.Vars.InsertID)
	require.Len(t, r.rows(), 1)
}

func implicitGroup(t *testing.T, id int64, v string) []binlog.Event {
	return []binlog.Event{
		testTableMap(),
		rowsEvent(t, binlog.InsertRowEvent, nil, binlog.Row{id, []byte(v)}),
	}
}

func TestRestartSkipsGroupsWithoutGTID(t *testing.T) {
	var events []binlog.Event
	events = append(events, implicitGroup(t, 1, "a")...)
	events = append(events, implicitGroup(t, 2, "b")...)
	data := writeLog(t, events...)

	dir := t.TempDir()
	r := newReplica(t, Config{PositionDir: dir})
	r.applier.SetSource(newLogReader(t, data), testLog)
	for {
		_, err := r.applier.ApplyNextEvent(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
	}
	pos := r.applier.LogPosition()
	require.Equal(t, LogPosition{File: testLog, Offset: uint64(len(data)), GTID: gtid.Position{}}, pos)

	// Without GTIDs only the durable offset keeps the rows from being
	// inserted twice, so the format description must not move it back.
	metrics := NewMetrics()
	restarted := r.newApplier(Config{PositionDir: dir, Metrics: metrics})
	restarted.SetSource(newLogReader(t, data), testLog)
	for {
		res, err := restarted.ApplyNextEvent(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		require.Equal(t, pos, restarted.LogPosition(), "after %s", res.Type)
	}
	require.Len(t, r.rows(), 2)
	require.True(t, restarted.Status().Running)
	require.EqualValues(t, 4, testutil.ToFloat64(metrics.EventsSkipped.WithLabelValues("applied")))

	stored, ok, err := newBinlogPositionStore(dir).Load()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, pos, stored)
}

func TestSetSourceKeepsLaterPosition(t *testing.T) {
	dir := t.TempDir()
	later := LogPosition{File: "mariadb-bin.000002", Offset: 300, GTID: gtid.Position{}}
	require.NoError(t, newBinlogPositionStore(dir).Save(later))

	r := newReplica(t, Config{PositionDir: dir})
	require.Equal(t, later, r.applier.LogPosition())

	// An earlier log was applied in full already.
	r.applier.SetSource(newLogReader(t, writeLog(t, implicitGroup(t, 1, "a")...)), testLog)
	for {
		res, err := r.applier.ApplyNextEvent(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		require.True(t, res.Skipped, "%s", res.Type)
	}
	require.Empty(t, r.rows())
	require.Equal(t, later, r.applier.LogPosition())

	r.applier.SetSource(newLogReader(t, writeLog(t)), "mariadb-bin.000003")
	require.Equal(t, LogPosition{File: "mariadb-bin.000003", GTID: gtid.Position{}}, r.applier.LogPosition())
}

func TestRotateNeverMovesPositionBack(t *testing.T) {
	r := newReplica(t, Config{})
	r.apply(&binlog.Rotate{NextLog: "mariadb-bin.000002", Position: 4})
	r.apply(insertGroup(t, 1, 1, "a")...)
	pos := r.applier.LogPosition()
	require.Equal(t, "mariadb-bin.000002", pos.File)

	r.apply(&binlog.Rotate{NextLog: "mariadb-bin.000001", Position: 4})
	require.Equal(t, pos, r.applier.LogPosition())
	r.apply(&binlog.Rotate{NextLog: "mariadb-bin.000010", Position: 4})
	require.Equal(t, "mariadb-bin.000010:4", r.applier.LogPosition().String())
}

func TestCompareLogNames(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"mariadb-bin.000001", "mariadb-bin.000001", 0},
		{"mariadb-bin.000001", "mariadb-bin.000002", -1},
		{"mariadb-bin.999999", "mariadb-bin.1000000", -1},
		{"mariadb-bin.000010", "mariadb-bin.000009", 1},
		{"a-bin.000002", "b-bin.000001", -1},
		{"", "mariadb-bin.000001", -1},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, compareLogNames(tt.a, tt.b), "%s vs %s", tt.a, tt.b)
	}
}

// flakyEngine wraps a memory engine. Its tables fail the next failInserts
// inserts with a lock wait timeout and its sessions fail the next
// failCommits commits.
type flakyEngine struct {
	*memory.Engine
	failInserts atomic.Int32
	failCommits atomic.Int32
}

func (e *flakyEngine) NewSession(ctx context.Context) (handler.Session, error) {
	sess, err := e.Engine.NewSession(ctx)
	if err != nil {
		return nil, err
	}
	return &flakySession{Session: sess, engine: e}, nil
}

// executor runs statements through the memory executor on the wrapped
// session.
func (e *flakyEngine) executor(t *testing.T) handler.Executor {
	exec, err := memory.NewExecutor(e.Engine)
	require.NoError(t, err)
	return handler.ExecutorFunc(func(ctx context.Context, sess handler.Session, stmt handler.Statement) error {
		return exec.Execute(ctx, sess.(*flakySession).Session, stmt)
	})
}

type flakySession struct {
	handler.Session
	engine *flakyEngine
}

func (s *flakySession) OpenTable(ctx context.Context, database, name string) (handler.Table, error) {
	tbl, err := s.Session.OpenTable(ctx, database, name)
	if err != nil {
		return nil, err
	}
	return &flakyTable{Table: tbl, engine: s.engine}, nil
}

func (s *flakySession) Commit(ctx context.Context) error {
	if s.engine.failCommits.Add(-1) >= 0 {
		return errors.New("commit failed")
	}
	return s.Session.Commit(ctx)
}

type flakyTable struct {
	handler.Table
	engine *flakyEngine
}

func (t *flakyTable) Insert(ctx context.Context, row handler.Row) error {
	if t.engine.failInserts.Add(-1) >= 0 {
		return handler.NewError(handler.CodeLockWaitTimeout, "Lock wait timeout exceeded; try restarting transaction")
	}
	return t.Table.Insert(ctx, row)
}

func TestSchedulerRetriesTemporaryError(t *testing.T) {
	hook := logtest.NewGlobal()
	defer hook.Reset()

	var events []binlog.Event
	events = append(events, insertGroup(t, 1, 1, "a")...)
	events = append(events, insertGroup(t, 2, 2, "b")...)
	data := writeLog(t, events...)

	engine := &flakyEngine{Engine: newEngine(t, 100*time.Millisecond)}
	engine.failInserts.Store(1)
	metrics := NewMetrics()
	a, err := NewApplier(context.Background(), engine, engine.executor(t), Config{
		Metrics: metrics,
		Retry:   replerror.RetryPolicy{Limit: 5, Backoff: time.Millisecond},
	})
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, NewScheduler(a, Conservative, 2).Run(context.Background(), newLogReader(t, data), testLog))

	rows, err := engine.Rows("db1", "t")
	require.NoError(t, err)
	require.Len(t, rows, 2)

	st := a.Status()
	require.True(t, st.Running)
	require.Nil(t, st.Halt)
	require.Equal(t, "0-1-2", st.Position.GTID.String())
	require.EqualValues(t, 1, st.Counters.Retries)
	require.EqualValues(t, 2, st.Counters.Groups)
	require.EqualValues(t, 2, st.Counters.Rows)
	require.EqualValues(t, 1, testutil.ToFloat64(metrics.Retries))
	require.Zero(t, testutil.ToFloat64(metrics.Errors.WithLabelValues(replerror.Temporary.String())))
	require.Zero(t, testutil.ToFloat64(metrics.Halted))
	for _, e := range hook.AllEntries() {
		require.Greater(t, e.Level, logrus.ErrorLevel, e.Message)
	}
}
