package reactionrole

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vivibot/vivibot/internal/storage"
)

func TestConcurrentAddChangeCreatesOneRow(t *testing.T) {
	ctx := context.Background()
	rule, store := newTestRule(t)
	store.SetHook(func(context.Context, storage.Op, string) error {
		time.Sleep(time.Millisecond)
		return nil
	})

	const workers = 16
	results := make([]*Change, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := rule.AddChange(ctx, ChangeInput{RoleID: 42, Add: true})
			if err == nil {
				results[i] = c
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, 1, store.Count(storage.TableChange))
	for _, c := range results {
		require.Same(t, results[0], c)
	}
	changes, err := rule.Changes()
	require.NoError(t, err)
	require.Len(t, changes, 1)
}

func TestAddRacingDeleteLeavesNoRows(t *testing.T) {
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		rule, store := newTestRule(t)

		var (
			wg          sync.WaitGroup
			change      *Change
			addErr      error
			requirement *Requirement
			reqErr      error
			deleteErr   error
		)
		wg.Add(3)
		go func() {
			defer wg.Done()
			change, addErr = rule.AddChange(ctx, ChangeInput{RoleID: 7, Add: true})
		}()
		go func() {
			defer wg.Done()
			requirement, reqErr = rule.AddRequirement(ctx, 8)
		}()
		go func() {
			defer wg.Done()
			deleteErr = rule.Delete(ctx)
		}()
		wg.Wait()

		require.NoError(t, deleteErr)
		require.True(t, rule.Deleted())
		if addErr != nil {
			require.ErrorIs(t, addErr, ErrUseAfterDelete)
		} else {
			require.True(t, change.Deleted())
		}
		if reqErr != nil {
			require.ErrorIs(t, reqErr, ErrUseAfterDelete)
		} else {
			require.True(t, requirement.Deleted())
		}
		require.Equal(t, 0, store.Count(storage.TableChange))
		require.Equal(t, 0, store.Count(storage.TableRequirement))
	}
}

func TestSectionsAreIndependentAndCancelable(t *testing.T) {
	rule, store := newTestRule(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	store.SetHook(func(_ context.Context, op storage.Op, table string) error {
		if op == storage.OpInsert && table == storage.TableChange {
			once.Do(func() { close(entered) })
			<-release
		}
		return nil
	})

	done := make(chan error, 1)
	go func() {
		_, err := rule.AddChange(context.Background(), ChangeInput{RoleID: 1, Add: true})
		done <- err
	}()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := rule.AddChange(ctx, ChangeInput{RoleID: 2, Add: true})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	ctx2, cancel2 := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel2()
	require.ErrorIs(t, rule.Delete(ctx2), context.DeadlineExceeded)
	require.False(t, rule.Deleted())

	req, err := rule.AddRequirement(context.Background(), 3)
	require.NoError(t, err)
	require.NotNil(t, req)
	require.NoError(t, rule.Update(context.Background(), RuleUpdate{Name: ptr("busy")}))

	close(release)
	require.NoError(t, <-done)
	require.Equal(t, 1, store.Count(storage.TableChange))
}

func TestConcurrentChildUpdatesKeepRolesUnique(t *testing.T) {
	ctx := context.Background()
	rule, _ := newTestRule(t)
	a, err := rule.AddChange(ctx, ChangeInput{RoleID: 1, Add: true})
	require.NoError(t, err)
	b, err := rule.AddChange(ctx, ChangeInput{RoleID: 2, Add: true})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, c := range []*Change{a, b} {
		wg.Add(1)
		go func(i int, c *Change) {
			defer wg.Done()
			errs[i] = c.Update(ctx, ChangeUpdate{RoleID: ptr(int64(99))})
		}(i, c)
	}
	wg.Wait()

	failures := 0
	for _, err := range errs {
		if err != nil {
			require.ErrorIs(t, err, ErrDuplicateRole)
			failures++
		}
	}
	require.Equal(t, 1, failures)
}
