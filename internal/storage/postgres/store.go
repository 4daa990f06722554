// Package postgres implements the row store on PostgreSQL through pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vivibot/vivibot/internal/storage"
)

type dbtx interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// Store is a storage.ReadStore backed by a pgx pool.
type Store struct {
	db dbtx
}

// New constructs a store on top of pool.
func New(pool *pgxpool.Pool) *Store {
	if pool == nil {
		return &Store{}
	}
	return &Store{db: pool}
}

func newWithDB(db dbtx) *Store {
	return &Store{db: db}
}

func ident(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// Insert implements storage.Store.
func (s *Store) Insert(ctx context.Context, table, idColumn string, fields storage.Fields) (int64, error) {
	if s == nil || s.db == nil {
		return 0, storage.ErrNotConfigured
	}
	if err := storage.ValidateWrite(table, idColumn, fields); err != nil {
		return 0, err
	}
	cols := fields.Columns()
	var query string
	args := make([]interface{}, 0, len(cols))
	if len(cols) == 0 {
		query = fmt.Sprintf("INSERT INTO %s DEFAULT VALUES RETURNING %s", ident(table), ident(idColumn))
	} else {
		names := make([]string, len(cols))
		params := make([]string, len(cols))
		for i, col := range cols {
			names[i] = ident(col)
			params[i] = fmt.Sprintf("$%d", i+1)
			args = append(args, fields[col])
		}
		query = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING %s",
			ident(table), strings.Join(names, ", "), strings.Join(params, ", "), ident(idColumn))
	}
	var id int64
	if err := s.db.QueryRow(ctx, query, args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("storage/postgres: insert %s: %w", table, mapError(err))
	}
	return id, nil
}

// Update implements storage.Store.
func (s *Store) Update(ctx context.Context, table, idColumn string, id int64, fields storage.Fields) error {
	if s == nil || s.db == nil {
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
	args := make([]interface{}, 0, len(cols)+1)
	for i, col := range cols {
		sets[i] = fmt.Sprintf("%s = $%d", ident(col), i+1)
		args = append(args, fields[col])
	}
	args = append(args, id)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = $%d",
		ident(table), strings.Join(sets, ", "), ident(idColumn), len(args))
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("storage/postgres: update %s: %w", table, mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage/postgres: update %s id=%d: %w", table, id, storage.ErrNotFound)
	}
	return nil
}

// Delete implements storage.Store.
func (s *Store) Delete(ctx context.Context, table, idColumn string, ids []int64) error {
	if s == nil || s.db == nil {
		return storage.ErrNotConfigured
	}
	if table == "" || idColumn == "" {
		return storage.ErrInvalidArgument
	}
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE %s = ANY($1)", ident(table), ident(idColumn))
	tag, err := s.db.Exec(ctx, query, ids)
	if err != nil {
		return fmt.Errorf("storage/postgres: delete %s: %w", table, mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage/postgres: delete %s: %w", table, storage.ErrNotFound)
	}
	return nil
}

// DeleteDetached implements storage.DetachedDeleter.
func (s *Store) DeleteDetached(ctx context.Context, table, idColumn string, id int64, parentTable, parentColumn string) error {
	if s == nil || s.db == nil {
		return storage.ErrNotConfigured
	}
	if err := storage.ValidateDetached(table, idColumn, parentTable, parentColumn); err != nil {
		return err
	}
	query := fmt.Sprintf("DELETE FROM %[1]s WHERE %[2]s = $1 AND NOT EXISTS (SELECT 1 FROM %[3]s WHERE %[3]s.%[4]s = %[1]s.%[4]s)",
		ident(table), ident(idColumn), ident(parentTable), ident(parentColumn))
	tag, err := s.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("storage/postgres: delete detached %s: %w", table, mapError(err))
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	check := fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE %s = $1)", ident(table), ident(idColumn))
	if err := s.db.QueryRow(ctx, check, id).Scan(&exists); err != nil {
		return fmt.Errorf("storage/postgres: delete detached %s: %w", table, mapError(err))
	}
	if exists {
		return fmt.Errorf("storage/postgres: delete detached %s id=%d: %w", table, id, storage.ErrAttached)
	}
	return fmt.Errorf("storage/postgres: delete detached %s id=%d: %w", table, id, storage.ErrNotFound)
}

// Select implements storage.Reader. Rows are ordered by the first column.
func (s *Store) Select(ctx context.Context, table string, columns []string) ([]storage.Row, error) {
	if s == nil || s.db == nil {
		return nil, storage.ErrNotConfigured
	}
	if table == "" || len(columns) == 0 {
		return nil, storage.ErrInvalidArgument
	}
	names := make([]string, len(columns))
	for i, col := range columns {
		names[i] = ident(col)
	}
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY %s", strings.Join(names, ", "), ident(table), names[0])
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("storage/postgres: select %s: %w", table, mapError(err))
	}
	defer rows.Close()
	var out []storage.Row
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("storage/postgres: scan %s: %w", table, err)
		}
		row := make(storage.Row, len(columns))
		for i, col := range columns {
			row[col] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage/postgres: select %s: %w", table, mapError(err))
	}
	return out, nil
}

func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505", "23503":
			return errors.Join(storage.ErrConflict, err)
		}
	}
	return err
}
