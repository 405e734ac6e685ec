package main

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/apecloud/binlogreplay/binlog"
	"github.com/apecloud/binlogreplay/binlogreplication"
	"github.com/apecloud/binlogreplay/configuration"
	"github.com/apecloud/binlogreplay/replerror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	vtbinlog "vitess.io/vitess/go/mysql/binlog"
)

func tableMap() *binlog.TableMap {
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

func insertGroup(t *testing.T, seq uint64, id int64, v string) []binlog.Event {
	tm := tableMap()
	rows := binlog.NewRowChange(binlog.InsertRowEvent, tm, binlog.NewFullBitmap(2), binlog.NewFullBitmap(2))
	rows.Flags = binlog.RowsFlagStmtEnd
	require.NoError(t, rows.AppendRow(tm, nil, binlog.Row{id, []byte(v)}))
	return []binlog.Event{
		&binlog.GTID{Sequence: seq, Flags: binlog.GTIDTransactional},
		tm,
		rows,
		&binlog.TransactionEnd{XID: &seq},
	}
}

// writeTestLog writes a log creating db1.t and inserting ids into it.
func writeTestLog(t *testing.T, dir string, ids ...int64) (string, int) {
	t.Helper()
	events := []binlog.Event{
		&binlog.GTID{Sequence: 1, Flags: binlog.GTIDStandalone | binlog.GTIDDDL},
		&binlog.Statement{Text: "CREATE DATABASE db1"},
		&binlog.GTID{Sequence: 2, Flags: binlog.GTIDStandalone | binlog.GTIDDDL},
		&binlog.Statement{Database: "db1", Text: "CREATE TABLE t (id INT PRIMARY KEY, v VARCHAR(16))"},
	}
	for i, id := range ids {
		events = append(events, insertGroup(t, uint64(3+i), id, fmt.Sprint("v", id))...)
	}

	var buf bytes.Buffer
	w, err := binlog.NewWriter(&buf, binlog.NewEncoder(binlog.NewFormatDescription("", binlog.ChecksumOff), nil, binlog.CipherCBC))
	require.NoError(t, err)
	_, err = w.Write(binlog.Header{ServerID: 1}, binlog.NewFormatDescription("10.11.6-MariaDB-log", binlog.ChecksumCRC32))
	require.NoError(t, err)
	for _, ev := range events {
		_, err := w.Write(binlog.Header{Timestamp: 1700000000, ServerID: 1}, ev)
		require.NoError(t, err)
	}
	path := filepath.Join(dir, "mysql-bin.000001")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path, buf.Len()
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestDump(t *testing.T) {
	path, _ := writeTestLog(t, t.TempDir(), 1)
	out, err := run(t, "dump", path)
	require.NoError(t, err)
	assert.Contains(t, out, "server version 10.11.6-MariaDB-log")
	assert.Contains(t, out, "GTID 0-1-1 flags")
	assert.Contains(t, out, "use `db1`; CREATE TABLE t")
	assert.Contains(t, out, "Table_map: `db1`.`t` mapped to number 7")
	assert.Contains(t, out, "COMMIT /* xid=3 */")

	_, err = run(t, "dump", filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestApplyInMemory(t *testing.T) {
	dir := t.TempDir()
	path, size := writeTestLog(t, dir, 1, 2, 3)

	out, err := run(t, "apply", "--memory", path)
	require.NoError(t, err)
	assert.Contains(t, out, fmt.Sprintf("position: mysql-bin.000001:%d", size))
	assert.NotContains(t, out, "halted")

	// Speculative groups conflict on the table lock; keep the wait short.
	config := filepath.Join(dir, "replay.yaml")
	require.NoError(t, os.WriteFile(config, []byte("lock_wait_timeout: 100ms\nretry_backoff: 1ms\n"), 0o644))
	out, err = run(t, "--config", config, "apply", "--memory", "--workers", "4", "--parallel-mode", "optimistic", path)
	require.NoError(t, err)
	assert.Contains(t, out, fmt.Sprintf("position: mysql-bin.000001:%d", size))
}

func TestApplyHaltsOnDuplicate(t *testing.T) {
	dir := t.TempDir()
	path, _ := writeTestLog(t, dir, 1, 1)

	out, err := run(t, "apply", "--memory", path)
	require.Error(t, err)
	assert.Contains(t, out, "halted: ")
	assert.Contains(t, out, "on db1.t")

	config := filepath.Join(dir, "replay.yaml")
	require.NoError(t, os.WriteFile(config, []byte("exec_mode: idempotent\n"), 0o644))
	out, err = run(t, "--config", config, "apply", "--memory", path)
	require.NoError(t, err)
	assert.NotContains(t, out, "halted")
}

func TestApplyReset(t *testing.T) {
	dir := t.TempDir()
	path, size := writeTestLog(t, dir, 1, 2)
	config := filepath.Join(dir, "replay.yaml")
	require.NoError(t, os.WriteFile(config, []byte(fmt.Sprintf("position_dir: %s\n", dir)), 0o644))

	out, err := run(t, "--config", config, "apply", "--memory", path)
	require.NoError(t, err)
	assert.Contains(t, out, "groups: 4 ")

	// The stored position covers the whole log.
	out, err = run(t, "--config", config, "apply", "--memory", path)
	require.NoError(t, err)
	assert.Contains(t, out, fmt.Sprintf("position: mysql-bin.000001:%d", size))
	assert.Contains(t, out, "groups: 0 ")

	out, err = run(t, "--config", config, "apply", "--memory", "--reset", path)
	require.NoError(t, err)
	assert.Contains(t, out, "groups: 4 ")
	assert.NotContains(t, out, "halted")
}

func TestApplyWithoutReplica(t *testing.T) {
	path, _ := writeTestLog(t, t.TempDir(), 1)
	_, err := run(t, "apply", path)
	assert.ErrorContains(t, err, "replica_dsn")
}

func TestApplierConfig(t *testing.T) {
	cfg := configuration.Default()
	cfg.ExecMode = "idempotent"
	cfg.ParallelMode = "conservative"
	cfg.Workers = 4
	cfg.IgnoredErrors = []uint16{1146}
	cfg.RetryLimit = 3

	acfg, parallel, err := applierConfig(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, replerror.ModeIdempotent, acfg.Mode)
	assert.Equal(t, binlogreplication.Conservative, parallel)
	assert.True(t, acfg.ParallelAlter)
	assert.Equal(t, []uint16{1146}, acfg.IgnoredErrors)
	assert.Equal(t, 3, acfg.Retry.Limit)
	assert.Equal(t, "binlogreplay.replay_position", acfg.StateTable)

	cfg.Workers = 1
	acfg, _, err = applierConfig(cfg, nil)
	require.NoError(t, err)
	assert.False(t, acfg.ParallelAlter)

	cfg.ExecMode = "lenient"
	_, _, err = applierConfig(cfg, nil)
	assert.Error(t, err)
}

func TestArchiveAndApplyFromObjectStorage(t *testing.T) {
	var (
		mu      sync.Mutex
		objects = make(map[string][]byte)
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		switch r.Method {
		case http.MethodPut:
			objects[r.URL.Path], _ = io.ReadAll(r.Body)
		case http.MethodGet:
			body, ok := objects[r.URL.Path]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Write(body)
		}
	}))
	defer srv.Close()

	dir := t.TempDir()
	path, size := writeTestLog(t, dir, 1, 2)
	config := filepath.Join(dir, "replay.yaml")
	require.NoError(t, os.WriteFile(config, []byte(fmt.Sprintf(`
object_storage:
  endpoint: %s
  access_key_id: id
  secret_access_key: secret
`, srv.URL)), 0o644))

	out, err := run(t, "--config", config, "archive", path, "s3c://logs/prod/")
	require.NoError(t, err)
	assert.Contains(t, out, "s3c://logs/prod/mysql-bin.000001")

	out, err = run(t, "--config", config, "apply", "--memory", "s3c://logs/prod/mysql-bin.000001")
	require.NoError(t, err)
	assert.Contains(t, out, fmt.Sprintf("position: mysql-bin.000001:%d", size))

	// Logs that do not decode are not archived.
	bad := filepath.Join(dir, "mysql-bin.000002")
	require.NoError(t, os.WriteFile(bad, []byte("garbage"), 0o644))
	_, err = run(t, "--config", config, "archive", bad, "s3c://logs/prod/")
	assert.Error(t, err)
}
