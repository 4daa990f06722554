package postgres

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

type migrateTx struct {
	pgx.Tx
	execs     []string
	failOn    string
	committed bool
}

func (t *migrateTx) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	t.execs = append(t.execs, sql)
	if t.failOn != "" && strings.Contains(sql, t.failOn) {
		return pgconn.CommandTag{}, errors.New("syntax error")
	}
	return pgconn.NewCommandTag("CREATE TABLE"), nil
}

func (t *migrateTx) Commit(context.Context) error {
	t.committed = true
	return nil
}

func (t *migrateTx) Rollback(context.Context) error { return nil }

type migrateConn struct{ tx *migrateTx }

func (c migrateConn) BeginTx(context.Context, pgx.TxOptions) (pgx.Tx, error) { return c.tx, nil }

func TestMigrateAppliesSchemaUnderLock(t *testing.T) {
	tx := &migrateTx{}
	require.NoError(t, Migrate(context.Background(), migrateConn{tx: tx}))
	require.True(t, tx.committed)
	require.Len(t, tx.execs, 2)
	require.Contains(t, tx.execs[0], "pg_advisory_xact_lock")
	require.Contains(t, tx.execs[1], "CREATE TABLE IF NOT EXISTS reaction_role_change")
}

func TestMigrateFailureRollsBack(t *testing.T) {
	tx := &migrateTx{failOn: "CREATE TABLE"}
	err := Migrate(context.Background(), migrateConn{tx: tx})
	require.ErrorContains(t, err, "apply schema")
	require.False(t, tx.committed)

	require.Error(t, Migrate(context.Background(), nil))
}
