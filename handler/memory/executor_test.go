package memory

import (
	"context"
	"testing"

	"github.com/apecloud/binlogreplay/handler"
	"github.com/stretchr/testify/require"
)

func TestExecutor(t *testing.T) {
	ctx := context.Background()
	e := NewEngine(0)
	x, err := NewExecutor(e)
	require.NoError(t, err)
	sess, err := e.NewSession(ctx)
	require.NoError(t, err)

	run := func(db, text string) error {
		return x.Execute(ctx, sess, handler.Statement{Database: db, Text: text})
	}

	require.NoError(t, run("", "CREATE DATABASE shop"))
	require.NoError(t, run("shop", "CREATE TABLE items (id INT NOT NULL, sku VARCHAR(20), qty INT, PRIMARY KEY (id), UNIQUE KEY uk_sku (sku), KEY k_qty (qty))"))
	require.NoError(t, run("shop", "INSERT INTO items VALUES (1, 'a', 5), (2, 'b', -3)"))
	require.NoError(t, run("shop", "INSERT INTO items (id, qty) VALUES (3, NULL)"))
	require.NoError(t, run("shop", "REPLACE INTO items VALUES (1, 'a', 7)"))

	rows, err := e.Rows("shop", "items")
	require.NoError(t, err)
	require.Equal(t, []handler.Row{
		{int64(1), []byte("a"), int64(7)},
		{int64(2), []byte("b"), int64(-3)},
		{int64(3), nil, nil},
	}, rows)

	tbl, err := sess.OpenTable(ctx, "shop", "items")
	require.NoError(t, err)
	schema := tbl.Schema()
	require.Len(t, schema.Keys, 3)
	require.True(t, schema.Keys[0].Primary)
	require.False(t, schema.Columns[0].Nullable)
	require.True(t, schema.Keys[1].Unique)
	require.True(t, schema.Keys[1].Nullable)
	require.False(t, schema.Keys[2].Unique)

	err = run("shop", "INSERT INTO items VALUES (4, 'a', 1)")
	require.Equal(t, handler.CodeDupEntry, errCode(err))

	require.NoError(t, run("shop", "BEGIN"))
	require.NoError(t, run("shop", "DELETE FROM items"))
	require.NoError(t, run("shop", "ROLLBACK"))
	rows, _ = e.Rows("shop", "items")
	require.Len(t, rows, 3)

	require.NoError(t, run("shop", "DELETE FROM items"))
	rows, _ = e.Rows("shop", "items")
	require.Empty(t, rows)

	require.Equal(t, handler.CodeNoSuchTable, errCode(run("shop", "DELETE FROM missing")))
	require.Equal(t, handler.CodeBadTable, errCode(run("shop", "DROP TABLE missing")))
	require.NoError(t, run("shop", "DROP TABLE IF EXISTS missing"))
	require.Equal(t, handler.CodeNotSupportedYet, errCode(run("shop", "UPDATE items SET qty = 1")))
	require.Equal(t, handler.CodeParseError, errCode(run("shop", "NOT SQL AT ALL")))
	require.NoError(t, run("shop", "DROP TABLE shop.items"))
	require.NoError(t, run("", "DROP DATABASE shop"))
}
