package reactionrole

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// record is the identity and soft-delete state shared by Rule, Change and Requirement.
// mu also guards the embedding entity's mutable fields.
type record struct {
	id      int64
	mu      sync.RWMutex
	deleted bool
}

// ID returns the storage-assigned identity. It never changes and stays readable after delete.
func (r *record) ID() int64 {
	return r.id
}

// Deleted reports whether the entity reached its terminal state.
func (r *record) Deleted() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.deleted
}

// assertLive must be called with mu held.
func (r *record) assertLive() error {
	if r.deleted {
		return ErrUseAfterDelete
	}
	return nil
}

func (r *record) live() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.assertLive()
}

func (r *record) markDeleted() {
	r.mu.Lock()
	r.deleted = true
	r.mu.Unlock()
}

// get reads one field of the embedding entity under the read lock.
func get[T any](r *record, field *T) (T, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.assertLive(); err != nil {
		var zero T
		return zero, err
	}
	return *field, nil
}

// section is a context aware mutual exclusion region that may be held across storage calls.
type section struct {
	sem *semaphore.Weighted
}

func newSection() section {
	return section{sem: semaphore.NewWeighted(1)}
}

func (s section) lock(ctx context.Context) error {
	return s.sem.Acquire(ctx, 1)
}

func (s section) unlock() {
	s.sem.Release(1)
}
