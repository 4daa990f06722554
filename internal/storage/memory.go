package storage

import (
	"context"
	"sort"
	"sync"
)

// Op names a storage operation, used by Memory hooks.
type Op string

// Storage operations.
const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
	OpSelect Op = "select"
)

// Hook runs before every Memory operation. A non-nil error aborts the call.
type Hook func(ctx context.Context, op Op, table string) error

// Memory is an in-process row store. It backs the memory storage driver and tests.
type Memory struct {
	mu     sync.RWMutex
	tables map[string]map[int64]Row
	nextID map[string]int64
	hook   Hook
}

// NewMemory constructs an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		tables: make(map[string]map[int64]Row),
		nextID: make(map[string]int64),
	}
}

// SetHook installs a hook invoked before each operation.
func (m *Memory) SetHook(h Hook) {
	m.mu.Lock()
	m.hook = h
	m.mu.Unlock()
}

func (m *Memory) before(ctx context.Context, op Op, table string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	h := m.hook
	m.mu.RUnlock()
	if h == nil {
		return nil
	}
	return h(ctx, op, table)
}

// Insert implements Store.
func (m *Memory) Insert(ctx context.Context, table, idColumn string, fields Fields) (int64, error) {
	if err := ValidateWrite(table, idColumn, fields); err != nil {
		return 0, err
	}
	if err := m.before(ctx, OpInsert, table); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rows, ok := m.tables[table]
	if !ok {
		rows = make(map[int64]Row)
		m.tables[table] = rows
	}
	m.nextID[table]++
	id := m.nextID[table]
	row := Row{idColumn: id}
	for col, v := range fields {
		row[col] = v
	}
	rows[id] = row
	return id, nil
}

// Update implements Store.
func (m *Memory) Update(ctx context.Context, table, idColumn string, id int64, fields Fields) error {
	if err := ValidateWrite(table, idColumn, fields); err != nil {
		return err
	}
	if err := m.before(ctx, OpUpdate, table); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.tables[table][id]
	if !ok {
		return ErrNotFound
	}
	for col, v := range fields {
		row[col] = v
	}
	return nil
}

// Delete implements Store. Missing ids are ignored unless none matched.
func (m *Memory) Delete(ctx context.Context, table, idColumn string, ids []int64) error {
	if err := validate(table, idColumn); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	if err := m.before(ctx, OpDelete, table); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for _, id := range ids {
		if _, ok := m.tables[table][id]; ok {
			delete(m.tables[table], id)
			removed++
		}
	}
	if removed == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteDetached implements DetachedDeleter.
func (m *Memory) DeleteDetached(ctx context.Context, table, idColumn string, id int64, parentTable, parentColumn string) error {
	if err := ValidateDetached(table, idColumn, parentTable, parentColumn); err != nil {
		return err
	}
	if err := m.before(ctx, OpDelete, table); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.tables[table][id]
	if !ok {
		return ErrNotFound
	}
	parentID := row[parentColumn]
	for _, parent := range m.tables[parentTable] {
		if parent[parentColumn] == parentID {
			return ErrAttached
		}
	}
	delete(m.tables[table], id)
	return nil
}

// Select implements Reader. Rows are returned ordered by id.
func (m *Memory) Select(ctx context.Context, table string, columns []string) ([]Row, error) {
	if table == "" {
		return nil, ErrInvalidArgument
	}
	if err := m.before(ctx, OpSelect, table); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]int64, 0, len(m.tables[table]))
	for id := range m.tables[table] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]Row, 0, len(ids))
	for _, id := range ids {
		src := m.tables[table][id]
		row := make(Row, len(columns))
		for _, col := range columns {
			row[col] = src[col]
		}
		out = append(out, row)
	}
	return out, nil
}

// Get returns a copy of a stored row.
func (m *Memory) Get(table string, id int64) (Row, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src, ok := m.tables[table][id]
	if !ok {
		return nil, false
	}
	row := make(Row, len(src))
	for k, v := range src {
		row[k] = v
	}
	return row, true
}

// Count reports the number of rows in table.
func (m *Memory) Count(table string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tables[table])
}
