// Package sqlite provides a SQLite-backed row store for single node deployments.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/vivibot/vivibot/internal/storage"
)

//go:embed schema.sql
var schemaSQL string

// Store persists reaction role rows in SQLite.
type Store struct {
	sqlDB *sql.DB
}

// Open opens a SQLite store and applies the embedded schema. Use ":memory:" for a throwaway database.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("storage/sqlite: path is required")
	}
	dsn := ":memory:"
	if path != ":memory:" {
		dsn = filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	}
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage/sqlite: open: %w", err)
	}
	if path == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		sqlDB.SetMaxOpenConns(1)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("storage/sqlite: ping: %w", err)
	}
	if _, err := sqlDB.Exec(schemaSQL); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("storage/sqlite: apply schema: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.sqlDB == nil {
		return storage.ErrNotConfigured
	}
	return s.sqlDB.PingContext(ctx)
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func quote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// Insert implements storage.Store.
func (s *Store) Insert(ctx context.Context, table, idColumn string, fields storage.Fields) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, storage.ErrNotConfigured
	}
	if err := storage.ValidateWrite(table, idColumn, fields); err != nil {
		return 0, err
	}
	cols := fields.Columns()
	var query string
	args := make([]any, 0, len(cols))
	if len(cols) == 0 {
		query = fmt.Sprintf("INSERT INTO %s DEFAULT VALUES RETURNING %s", quote(table), quote(idColumn))
	} else {
		names := make([]string, len(cols))
		for i, col := range cols {
			names[i] = quote(col)
			args = append(args, fields[col])
		}
		query = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING %s",
			quote(table), strings.Join(names, ", "), strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "), quote(idColumn))
	}
	var id int64
	if err := s.sqlDB.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("storage/sqlite: insert %s: %w", table, mapError(err))
	}
	return id, nil
}

// Update implements storage.Store.
func (s *Store) Update(ctx context.Context, table, idColumn string, id int64, fields storage.Fields) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return storage.ErrNotConfigured
	}
	if err := storage.ValidateWrite(table, idColumn, fields); err != nil {
		return err
	}
	cols := fields.Columns()
	if len(cols) == 0 {
		return nil
	}
	sets := make([]string, len(cols))
	args := make([]any, 0, len(cols)+1)
	for i, col := range cols {
		sets[i] = quote(col) + " = ?"
		args = append(args, fields[col])
	}
	args = append(args, id)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?", quote(table), strings.Join(sets, ", "), quote(idColumn))
	res, err := s.sqlDB.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("storage/sqlite: update %s: %w", table, mapError(err))
	}
	return requireAffected(res, table)
}

// Delete implements storage.Store.
func (s *Store) Delete(ctx context.Context, table, idColumn string, ids []int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return storage.ErrNotConfigured
	}
	if table == "" || idColumn == "" {
		return storage.ErrInvalidArgument
	}
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE %s IN (%s)",
		quote(table), quote(idColumn), strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", "))
	res, err := s.sqlDB.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("storage/sqlite: delete %s: %w", table, mapError(err))
	}
	return requireAffected(res, table)
}

// DeleteDetached implements storage.DetachedDeleter.
func (s *Store) DeleteDetached(ctx context.Context, table, idColumn string, id int64, parentTable, parentColumn string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return storage.ErrNotConfigured
	}
	if err := storage.ValidateDetached(table, idColumn, parentTable, parentColumn); err != nil {
		return err
	}
	query := fmt.Sprintf("DELETE FROM %[1]s WHERE %[2]s = ? AND NOT EXISTS (SELECT 1 FROM %[3]s WHERE %[3]s.%[4]s = %[1]s.%[4]s)",
		quote(table), quote(idColumn), quote(parentTable), quote(parentColumn))
	res, err := s.sqlDB.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("storage/sqlite: delete detached %s: %w", table, mapError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage/sqlite: rows affected %s: %w", table, err)
	}
	if n > 0 {
		return nil
	}
	var exists bool
	check := fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE %s = ?)", quote(table), quote(idColumn))
	if err := s.sqlDB.QueryRowContext(ctx, check, id).Scan(&exists); err != nil {
		return fmt.Errorf("storage/sqlite: delete detached %s: %w", table, err)
	}
	if exists {
		return fmt.Errorf("storage/sqlite: delete detached %s id=%d: %w", table, id, storage.ErrAttached)
	}
	return fmt.Errorf("storage/sqlite: delete detached %s id=%d: %w", table, id, storage.ErrNotFound)
}

// Select implements storage.Reader. Rows are ordered by the first column.
func (s *Store) Select(ctx context.Context, table string, columns []string) ([]storage.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, storage.ErrNotConfigured
	}
	if table == "" || len(columns) == 0 {
		return nil, storage.ErrInvalidArgument
	}
	names := make([]string, len(columns))
	for i, col := range columns {
		names[i] = quote(col)
	}
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY %s", strings.Join(names, ", "), quote(table), names[0])
	rows, err := s.sqlDB.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("storage/sqlite: select %s: %w", table, err)
	}
	defer rows.Close()

	var out []storage.Row
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("storage/sqlite: scan %s: %w", table, err)
		}
		row := make(storage.Row, len(columns))
		for i, col := range columns {
			row[col] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage/sqlite: select %s: %w", table, err)
	}
	return out, nil
}

func requireAffected(res sql.Result, table string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage/sqlite: rows affected %s: %w", table, err)
	}
	if n == 0 {
		return fmt.Errorf("storage/sqlite: %s: %w", table, storage.ErrNotFound)
	}
	return nil
}

func mapError(err error) error {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_UNIQUE, sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_FOREIGNKEY:
			return errors.Join(storage.ErrConflict, err)
		}
	}
	return err
}
