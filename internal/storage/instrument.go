package storage

import (
	"context"
	"errors"
	"time"
)

// Observer receives one event per storage call.
type Observer interface {
	ObserveStorage(op Op, table, status string, dur time.Duration)
}

type instrumented struct {
	next     ReadStore
	observer Observer
}

// Instrument wraps a store so every call is reported to observer.
func Instrument(next ReadStore, observer Observer) ReadStore {
	if observer == nil {
		return next
	}
	return &instrumented{next: next, observer: observer}
}

func (s *instrumented) observe(op Op, table string, start time.Time, err error) {
	s.observer.ObserveStorage(op, table, Status(err), time.Since(start))
}

// Status classifies a storage error for metrics labels.
func Status(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrAttached):
		return "attached"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "failure"
	}
}

func (s *instrumented) Insert(ctx context.Context, table, idColumn string, fields Fields) (int64, error) {
	start := time.Now()
	id, err := s.next.Insert(ctx, table, idColumn, fields)
	s.observe(OpInsert, table, start, err)
	return id, err
}

func (s *instrumented) Update(ctx context.Context, table, idColumn string, id int64, fields Fields) error {
	start := time.Now()
	err := s.next.Update(ctx, table, idColumn, id, fields)
	s.observe(OpUpdate, table, start, err)
	return err
}

func (s *instrumented) Delete(ctx context.Context, table, idColumn string, ids []int64) error {
	start := time.Now()
	err := s.next.Delete(ctx, table, idColumn, ids)
	s.observe(OpDelete, table, start, err)
	return err
}

func (s *instrumented) DeleteDetached(ctx context.Context, table, idColumn string, id int64, parentTable, parentColumn string) error {
	start := time.Now()
	err := s.next.DeleteDetached(ctx, table, idColumn, id, parentTable, parentColumn)
	s.observe(OpDelete, table, start, err)
	return err
}

func (s *instrumented) Select(ctx context.Context, table string, columns []string) ([]Row, error) {
	start := time.Now()
	rows, err := s.next.Select(ctx, table, columns)
	s.observe(OpSelect, table, start, err)
	return rows, err
}
