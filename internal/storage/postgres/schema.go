package postgres

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/vivibot/vivibot/internal/platform/db"
)

//go:embed schema.sql
var schemaSQL string

// migrateLockID serialises concurrent migrations from the bot and the worker.
const migrateLockID int64 = 0x76697669626f74

// Migrate creates the reaction role tables when they do not exist.
func Migrate(ctx context.Context, conn db.TxBeginner) error {
	if conn == nil {
		return fmt.Errorf("storage/postgres: migrate: nil pool")
	}
	err := db.WithTx(ctx, conn, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", migrateLockID); err != nil {
			return fmt.Errorf("lock: %w", err)
		}
		if _, err := tx.Exec(ctx, schemaSQL); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("storage/postgres: migrate: %w", err)
	}
	return nil
}
