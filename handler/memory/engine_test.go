package memory

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/apecloud/binlogreplay/handler"
	"github.com/stretchr/testify/require"
)

func testSchema() handler.Schema {
	return handler.Schema{
		Columns: []handler.Column{{Name: "id"}, {Name: "email", Nullable: true}, {Name: "grp", Nullable: true}},
		Keys: []handler.Key{
			{Name: "PRIMARY", Columns: []int{0}, Primary: true, Unique: true, Ordered: true},
			{Name: "email", Columns: []int{1}, Unique: true, Nullable: true, Ordered: true},
			{Name: "grp", Columns: []int{2}, Nullable: true, Ordered: true},
		},
	}
}

func newTestTable(t *testing.T, lockWait time.Duration) (*Engine, handler.Session, handler.Table) {
	t.Helper()
	ctx := context.Background()
	e := NewEngine(lockWait)
	require.NoError(t, e.CreateTable("db", "t", testSchema(), false))
	sess, err := e.NewSession(ctx)
	require.NoError(t, err)
	tbl, err := sess.OpenTable(ctx, "db", "t")
	require.NoError(t, err)
	return e, sess, tbl
}

func errCode(err error) uint16 {
	var herr *handler.Error
	if errors.As(err, &herr) {
		return herr.Code
	}
	return 0
}

func drain(t *testing.T, c handler.Cursor) []handler.Record {
	t.Helper()
	var out []handler.Record
	for {
		rec, err := c.Next(context.Background())
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, rec)
	}
}

func TestInsertAndSeek(t *testing.T) {
	ctx := context.Background()
	_, _, tbl := newTestTable(t, time.Second)

	require.NoError(t, tbl.Insert(ctx, handler.Row{int64(1), []byte("a@x"), int64(10)}))
	require.NoError(t, tbl.Insert(ctx, handler.Row{int64(2), nil, int64(10)}))
	require.NoError(t, tbl.Insert(ctx, handler.Row{int64(3), nil, int64(20)}))

	rec, err := tbl.SeekByPosition(ctx, handler.Row{int64(2), nil, nil})
	require.NoError(t, err)
	require.Equal(t, handler.Row{int64(2), nil, int64(10)}, rec.Row)

	_, err = tbl.SeekByPosition(ctx, handler.Row{int64(9), nil, nil})
	require.True(t, handler.IsNotFound(err))

	c, err := tbl.SeekByKey(ctx, 2, handler.Row{nil, nil, int64(10)})
	require.NoError(t, err)
	require.Len(t, drain(t, c), 2)

	err = tbl.Insert(ctx, handler.Row{int64(4), []byte("a@x"), nil})
	var herr *handler.Error
	require.ErrorAs(t, err, &herr)
	require.Equal(t, handler.CodeDupEntry, herr.Code)
	require.Equal(t, 1, herr.KeyNo)

	// NULLs never collide on a unique key.
	require.NoError(t, tbl.Insert(ctx, handler.Row{int64(5), nil, nil}))

	err = tbl.Insert(ctx, handler.Row{nil, nil, nil})
	require.Equal(t, handler.CodeBadNull, errCode(err))
	err = tbl.Insert(ctx, handler.Row{int64(6)})
	require.Equal(t, handler.CodeWrongValueCount, errCode(err))

	schema := tbl.Schema()
	require.InDelta(t, 4.0/3, schema.Keys[2].RecPerKey, 1e-9)
	require.Equal(t, 1.0, schema.Keys[0].RecPerKey)
}

func TestRollbackRestoresRows(t *testing.T) {
	ctx := context.Background()
	e, sess, tbl := newTestTable(t, time.Second)
	require.NoError(t, tbl.Insert(ctx, handler.Row{int64(1), []byte("a"), nil}))

	require.NoError(t, sess.Begin(ctx))
	rec, err := tbl.SeekByPosition(ctx, handler.Row{int64(1)})
	require.NoError(t, err)
	require.NoError(t, tbl.Update(ctx, rec, handler.Row{int64(1), []byte("b"), nil}))
	require.NoError(t, tbl.Insert(ctx, handler.Row{int64(2), nil, nil}))
	rec, err = tbl.SeekByPosition(ctx, handler.Row{int64(1)})
	require.NoError(t, err)
	require.NoError(t, tbl.Delete(ctx, rec))
	require.NoError(t, sess.Rollback(ctx))

	rows, err := e.Rows("db", "t")
	require.NoError(t, err)
	require.Equal(t, []handler.Row{{int64(1), []byte("a"), nil}}, rows)

	// The unique index was restored too.
	err = tbl.Insert(ctx, handler.Row{int64(3), []byte("a"), nil})
	require.Equal(t, handler.CodeDupEntry, errCode(err))
}

func TestLockWaitTimeout(t *testing.T) {
	ctx := context.Background()
	e, sess, tbl := newTestTable(t, 20*time.Millisecond)
	require.NoError(t, sess.Begin(ctx))
	require.NoError(t, tbl.Insert(ctx, handler.Row{int64(1), nil, nil}))

	other, err := e.NewSession(ctx)
	require.NoError(t, err)
	otherTbl, err := other.OpenTable(ctx, "db", "t")
	require.NoError(t, err)
	err = otherTbl.Insert(ctx, handler.Row{int64(2), nil, nil})
	require.Equal(t, handler.CodeLockWaitTimeout, errCode(err))

	// Once the holder commits, the other session proceeds.
	require.NoError(t, sess.Commit(ctx))
	require.NoError(t, otherTbl.Insert(ctx, handler.Row{int64(2), nil, nil}))
}

func TestLockWaitReleasedByCommit(t *testing.T) {
	ctx := context.Background()
	e, sess, tbl := newTestTable(t, time.Minute)
	require.NoError(t, sess.Begin(ctx))
	require.NoError(t, tbl.Insert(ctx, handler.Row{int64(1), nil, nil}))

	other, _ := e.NewSession(ctx)
	otherTbl, _ := other.OpenTable(ctx, "db", "t")
	done := make(chan error, 1)
	go func() { done <- otherTbl.Insert(ctx, handler.Row{int64(2), nil, nil}) }()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, sess.Commit(ctx))
	require.NoError(t, <-done)
}

func TestDeadlockDetected(t *testing.T) {
	ctx := context.Background()
	e := NewEngine(time.Minute)
	require.NoError(t, e.CreateTable("db", "a", testSchema(), false))
	require.NoError(t, e.CreateTable("db", "b", testSchema(), false))

	s1, _ := e.NewSession(ctx)
	s2, _ := e.NewSession(ctx)
	a1, _ := s1.OpenTable(ctx, "db", "a")
	b1, _ := s1.OpenTable(ctx, "db", "b")
	a2, _ := s2.OpenTable(ctx, "db", "a")
	b2, _ := s2.OpenTable(ctx, "db", "b")
	require.NoError(t, s1.Begin(ctx))
	require.NoError(t, s2.Begin(ctx))
	require.NoError(t, a1.Insert(ctx, handler.Row{int64(1), nil, nil}))
	require.NoError(t, b2.Insert(ctx, handler.Row{int64(1), nil, nil}))

	done := make(chan error, 1)
	go func() { done <- b1.Insert(ctx, handler.Row{int64(2), nil, nil}) }()
	require.Eventually(t, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return s1.(*Session).waiting != nil
	}, time.Second, time.Millisecond)

	err := a2.Insert(ctx, handler.Row{int64(2), nil, nil})
	require.Equal(t, handler.CodeLockDeadlock, errCode(err))
	require.NoError(t, s2.Rollback(ctx))
	require.NoError(t, <-done)
	require.NoError(t, s1.Commit(ctx))
}

func TestLockWaitKilled(t *testing.T) {
	e, sess, tbl := newTestTable(t, time.Minute)
	ctx := context.Background()
	require.NoError(t, sess.Begin(ctx))
	require.NoError(t, tbl.Insert(ctx, handler.Row{int64(1), nil, nil}))

	other, _ := e.NewSession(ctx)
	otherTbl, _ := other.OpenTable(ctx, "db", "t")
	killCtx, cancel := context.WithCancel(ctx)
	cancel()
	err := otherTbl.Insert(killCtx, handler.Row{int64(2), nil, nil})
	require.Equal(t, handler.CodeQueryKilled, errCode(err))
}

func TestDDL(t *testing.T) {
	e := NewEngine(0)
	require.NoError(t, e.CreateDatabase("db", false))
	require.Equal(t, handler.CodeDbCreateExists, errCode(e.CreateDatabase("db", false)))
	require.NoError(t, e.CreateDatabase("db", true))
	require.NoError(t, e.CreateTable("db", "t", testSchema(), false))
	require.Equal(t, handler.CodeTableExists, errCode(e.CreateTable("db", "t", testSchema(), false)))
	require.Equal(t, []string{"t"}, e.Tables("db"))
	require.NoError(t, e.TruncateTable("db", "t"))
	require.NoError(t, e.DropTable("db", "t", false))
	require.Equal(t, handler.CodeBadTable, errCode(e.DropTable("db", "t", false)))
	require.NoError(t, e.DropTable("db", "t", true))

	sess, _ := e.NewSession(context.Background())
	_, err := sess.OpenTable(context.Background(), "db", "t")
	require.Equal(t, handler.CodeNoSuchTable, errCode(err))
	require.NoError(t, e.DropDatabase("db", false))
	require.Equal(t, handler.CodeDbDropExists, errCode(e.DropDatabase("db", false)))
}
