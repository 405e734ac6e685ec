package replerror

import (
	"fmt"
	"testing"
	"time"

	"github.com/apecloud/binlogreplay/binlog"
	"github.com/apecloud/binlogreplay/handler"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/require"
	"vitess.io/vitess/go/mysql/sqlerror"
)

func TestCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code uint16
	}{
		{"nil", nil, 0},
		{"plain", fmt.Errorf("boom"), 0},
		{"handler", handler.NewError(handler.CodeDupEntry, "dup"), CodeDupEntry},
		{"wrapped handler", fmt.Errorf("insert: %w", handler.ErrNotFound), CodeKeyNotFound},
		{"sqlerror", sqlerror.NewSQLError(sqlerror.ERNoSuchTable, sqlerror.SSUnknownSQLState, "no table"), CodeNoSuchTable},
		{"driver", &mysql.MySQLError{Number: 1213, Message: "deadlock"}, CodeLockDeadlock},
		{"kind", ErrRowNotFound.New("db", "t"), CodeKeyNotFound},
		{"kind with cause", ErrDuplicateKey.Wrap(handler.NewError(CodeDupUnique, "x"), "db", "t"), CodeDupUnique},
		{"kind behind fmt", fmt.Errorf("apply: %w", ErrDeadlock.New()), CodeLockDeadlock},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.code, Code(tt.err))
		})
	}
}

func TestIsFollowsWrapping(t *testing.T) {
	err := fmt.Errorf("event at 120: %w", binlog.ErrChecksumMismatch.New(120, 1, 2))
	require.False(t, binlog.ErrChecksumMismatch.Is(err))
	require.True(t, Is(binlog.ErrChecksumMismatch, err))
	require.True(t, IsCodecError(err))
	require.False(t, IsCodecError(ErrRowNotFound.New("a", "b")))
}

func TestClassify(t *testing.T) {
	strict := NewClassifier(ModeStrict)
	idem := NewClassifier(ModeIdempotent)
	ignoring := NewClassifier(ModeStrict, CodeNoSuchTable)

	dup := handler.NewError(handler.CodeDupEntry, "dup")
	deadlock := handler.NewError(handler.CodeLockDeadlock, "deadlock")
	serial, parallel, speculative := Situation{}, Situation{Parallel: true}, Situation{Parallel: true, Speculative: true}

	require.Equal(t, None, strict.Classify(nil, serial))
	require.Equal(t, Fatal, strict.Classify(dup, serial))
	require.Equal(t, Idempotent, idem.Classify(dup, serial))
	require.Equal(t, Idempotent, idem.Classify(ErrRowNotFound.New("db", "t"), serial))
	require.Equal(t, Fatal, strict.Classify(deadlock, serial))
	require.Equal(t, Temporary, strict.Classify(deadlock, parallel))
	require.Equal(t, Temporary, strict.Classify(ErrKilledForRetry.New(), parallel))
	require.Equal(t, Ignorable, ignoring.Classify(sqlerror.NewSQLError(sqlerror.ERNoSuchTable, "42S02", "t"), serial))
	require.Equal(t, Fatal, strict.Classify(fmt.Errorf("connection refused"), parallel))

	// Decoding errors halt even in idempotent, speculative replay.
	require.Equal(t, Fatal, idem.Classify(binlog.ErrMalformedFrame.New(binlog.QueryEvent, 4, "short"), speculative))
	// Speculation turns what would halt into a retry.
	require.Equal(t, Temporary, strict.Classify(dup, speculative))
	require.Equal(t, Temporary, strict.Classify(fmt.Errorf("odd"), speculative))
	require.Equal(t, Fatal, strict.Classify(ErrSchemaMismatch.New("db", "t", "x"), parallel))
}

func TestEquivalent(t *testing.T) {
	require.True(t, Equivalent(0, 0))
	require.True(t, Equivalent(CodeDupEntry, CodeDupEntry))
	require.True(t, Equivalent(CodeDupKey, CodeDupEntryWithKey))
	require.True(t, Equivalent(CodeDupUnique, CodeDupEntry))
	require.True(t, Equivalent(CodeKeyNotFound, CodeEndOfFile))
	require.True(t, Equivalent(CodeBadTable, CodeUnknownTable))
	require.False(t, Equivalent(CodeBadTable, CodeNoSuchTable))
	require.False(t, Equivalent(0, CodeDupEntry))
	require.False(t, Equivalent(CodeDupEntry, CodeKeyNotFound))
}

func TestCheckStatement(t *testing.T) {
	noTable := handler.NewError(handler.CodeNoSuchTable, "Table 'db.t' doesn't exist")
	badTable := handler.NewError(handler.CodeBadTable, "Unknown table 't'")

	// The replica reproduced the primary's error.
	class, err := NewClassifier(ModeStrict).CheckStatement("DROP TABLE t", CodeBadTable, badTable, Situation{})
	require.NoError(t, err)
	require.Equal(t, None, class)

	// DELETE FROM t expected to fail with 1051 fails with 1146 here.
	class, err = NewClassifier(ModeStrict).CheckStatement("DELETE FROM t", CodeBadTable, noTable, Situation{})
	require.Equal(t, Fatal, class)
	require.True(t, ErrUnexpectedExecutorError.Is(err))
	require.Equal(t, CodeNoSuchTable, Code(err))

	class, err = NewClassifier(ModeStrict, CodeBadTable).CheckStatement("DELETE FROM t", CodeBadTable, noTable, Situation{})
	require.NoError(t, err)
	require.Equal(t, Ignorable, class)

	class, err = NewClassifier(ModeIdempotent).CheckStatement("DELETE FROM t", CodeBadTable, noTable, Situation{})
	require.NoError(t, err)
	require.Equal(t, Idempotent, class)

	// Succeeding where the primary failed is unexpected too.
	class, err = NewClassifier(ModeStrict).CheckStatement("INSERT INTO t VALUES (1)", CodeDupEntry, nil, Situation{})
	require.Equal(t, Fatal, class)
	require.True(t, ErrUnexpectedExecutorError.Is(err))

	// Lock conflicts under parallel replay are retried, not reported.
	deadlock := &mysql.MySQLError{Number: 1213}
	class, err = NewClassifier(ModeStrict).CheckStatement("UPDATE t SET a = 1", 0, deadlock, Situation{Parallel: true})
	require.Equal(t, Temporary, class)
	require.Equal(t, deadlock, err)
}

func TestRetryPolicy(t *testing.T) {
	p := RetryPolicy{Limit: 3, Backoff: 10 * time.Millisecond, MaxBackoff: 25 * time.Millisecond}
	d, ok := p.Next(1)
	require.True(t, ok)
	require.Equal(t, 10*time.Millisecond, d)
	d, ok = p.Next(3)
	require.True(t, ok)
	require.Equal(t, 25*time.Millisecond, d)
	_, ok = p.Next(4)
	require.False(t, ok)
	_, ok = p.Next(0)
	require.False(t, ok)

	mode, err := ParseMode("IDEMPOTENT")
	require.NoError(t, err)
	require.Equal(t, ModeIdempotent, mode)
	_, err = ParseMode("lenient")
	require.Error(t, err)
	require.Equal(t, "temporary", Temporary.String())
}
