// Package storage defines the row-store contract consumed by the reaction role aggregate.
package storage

import (
	"context"
	"errors"
	"sort"
)

// Table and column names of the reaction role schema.
const (
	TableRule       = "reaction_role"
	ColumnRuleID    = "reaction_role_id"
	ColumnMessageID = "message_id"
	ColumnName      = "name"
	ColumnReaction  = "reaction"
	ColumnIsActive  = "is_active"

	TableChange       = "reaction_role_change"
	ColumnChangeID    = "reaction_role_change_id"
	ColumnRoleID      = "role_id"
	ColumnAdd         = "add"
	ColumnAllowToggle = "allow_toggle"
	ColumnChannelID   = "message_channel_id"
	ColumnContent     = "message_content"

	TableRequirement    = "reaction_role_requirement"
	ColumnRequirementID = "reaction_role_requirement_id"
)

var (
	// ErrNotFound indicates no row matched the given id.
	ErrNotFound = errors.New("storage: row not found")
	// ErrConflict indicates a uniqueness or foreign key violation.
	ErrConflict = errors.New("storage: conflict")
	// ErrNotConfigured indicates a store used without a backing connection.
	ErrNotConfigured = errors.New("storage: not configured")
	// ErrInvalidArgument indicates a malformed table, column or field set.
	ErrInvalidArgument = errors.New("storage: invalid argument")
	// ErrAttached indicates a child row whose parent row still exists.
	ErrAttached = errors.New("storage: row still attached to its parent")
)

// Fields maps column names to values for inserts and updates.
type Fields map[string]any

// Columns returns the column names in a stable order.
func (f Fields) Columns() []string {
	cols := make([]string, 0, len(f))
	for col := range f {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return cols
}

// Row is one record returned by Select, keyed by column name. NULL is nil.
type Row map[string]any

// Store is the write side of the row store.
type Store interface {
	// Insert persists a row and returns the id assigned to idColumn.
	Insert(ctx context.Context, table, idColumn string, fields Fields) (int64, error)
	// Update overwrites the given fields of the row identified by id.
	Update(ctx context.Context, table, idColumn string, id int64, fields Fields) error
	// Delete removes every row whose idColumn is in ids.
	Delete(ctx context.Context, table, idColumn string, ids []int64) error
}

// Reader is the read side used to rebuild aggregates on startup.
type Reader interface {
	Select(ctx context.Context, table string, columns []string) ([]Row, error)
}

// DetachedDeleter removes child rows left behind by their parent.
type DetachedDeleter interface {
	// DeleteDetached removes the row of table identified by id only when no row of
	// parentTable carries the same parentColumn value. The check and the delete are one
	// statement. It returns ErrNotFound when the row is gone and ErrAttached when the
	// parent row still exists.
	DeleteDetached(ctx context.Context, table, idColumn string, id int64, parentTable, parentColumn string) error
}

// ReadStore is the full contract every storage driver implements.
type ReadStore interface {
	Store
	Reader
	DetachedDeleter
}

func validate(table, idColumn string) error {
	if table == "" || idColumn == "" {
		return ErrInvalidArgument
	}
	return nil
}

// ValidateDetached checks the arguments of DeleteDetached.
func ValidateDetached(table, idColumn, parentTable, parentColumn string) error {
	if err := validate(table, idColumn); err != nil {
		return err
	}
	if parentTable == "" || parentColumn == "" || parentTable == table {
		return ErrInvalidArgument
	}
	return nil
}

// ValidateWrite checks the arguments shared by every write call.
func ValidateWrite(table, idColumn string, fields Fields) error {
	if err := validate(table, idColumn); err != nil {
		return err
	}
	for col := range fields {
		if col == "" || col == idColumn {
			return ErrInvalidArgument
		}
	}
	return nil
}
