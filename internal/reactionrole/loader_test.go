package reactionrole

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vivibot/vivibot/internal/storage"
)

func TestLoadRebuildsRules(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	deps := Deps{Store: store}

	first, err := Create(ctx, deps, RuleInput{MessageID: 10, Name: "colours", Reaction: "🔴"})
	require.NoError(t, err)
	_, err = first.AddChange(ctx, ChangeInput{RoleID: 100, Add: true, AllowToggle: true, OriginMessage: ptr("pick one")})
	require.NoError(t, err)
	_, err = first.AddRequirement(ctx, 200)
	require.NoError(t, err)
	second, err := Create(ctx, deps, RuleInput{MessageID: 11, Name: "muted", Reaction: "🔇", Active: ptr(false)})
	require.NoError(t, err)

	want := make([]RuleSnapshot, 0, 2)
	for _, r := range []*Rule{first, second} {
		snap, err := r.Snapshot()
		require.NoError(t, err)
		want = append(want, snap)
	}

	loaded, err := Load(ctx, deps, store)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	for i, r := range loaded {
		snap, err := r.Snapshot()
		require.NoError(t, err)
		assert.Equal(t, want[i], snap)
	}

	// Loaded rules are fully operational.
	require.NoError(t, loaded[0].Delete(ctx))
	assert.Equal(t, 0, store.Count(storage.TableChange))
	assert.Equal(t, 0, store.Count(storage.TableRequirement))
}

func TestLoadReportsOrphans(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	sink := &spySink{}
	deps := Deps{Store: store, Orphans: sink}

	rule, err := Create(ctx, deps, RuleInput{MessageID: 10, Name: "r", Reaction: "🙂"})
	require.NoError(t, err)
	_, err = rule.AddChange(ctx, ChangeInput{RoleID: 100, Add: true})
	require.NoError(t, err)

	change := storage.Fields{
		storage.ColumnRoleID:      int64(300),
		storage.ColumnAdd:         true,
		storage.ColumnAllowToggle: false,
		storage.ColumnChannelID:   nil,
		storage.ColumnContent:     nil,
	}
	change[storage.ColumnRuleID] = int64(999)
	strayID, err := store.Insert(ctx, storage.TableChange, storage.ColumnChangeID, change)
	require.NoError(t, err)
	change[storage.ColumnRuleID] = rule.ID()
	change[storage.ColumnRoleID] = int64(100)
	dupID, err := store.Insert(ctx, storage.TableChange, storage.ColumnChangeID, change)
	require.NoError(t, err)
	reqID, err := store.Insert(ctx, storage.TableRequirement, storage.ColumnRequirementID, storage.Fields{
		storage.ColumnRuleID: int64(998),
		storage.ColumnRoleID: int64(5),
	})
	require.NoError(t, err)

	loaded, err := Load(ctx, deps, store)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	changes, err := loaded[0].Changes()
	require.NoError(t, err)
	require.Len(t, changes, 1)

	require.NotEqual(t, dupID, changes[0].ID())

	// A second row for a role already on a live rule is skipped, not handed to cleanup.
	require.ElementsMatch(t, []Orphan{
		{Table: storage.TableChange, IDColumn: storage.ColumnChangeID, ID: strayID, RuleID: 999},
		{Table: storage.TableRequirement, IDColumn: storage.ColumnRequirementID, ID: reqID, RuleID: 998},
	}, sink.orphans)
	_, ok := store.Get(storage.TableChange, dupID)
	require.True(t, ok)
}

func TestLoadSeesChildrenWrittenDuringTheRead(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	sink := &spySink{}
	deps := Deps{Store: store, Orphans: sink}

	var once sync.Once
	var added *Change
	store.SetHook(func(_ context.Context, op storage.Op, table string) error {
		if op != storage.OpSelect || table != storage.TableChange {
			return nil
		}
		once.Do(func() {
			rule, err := Create(ctx, Deps{Store: store}, RuleInput{MessageID: 10, Name: "late", Reaction: "🙂"})
			if !assert.NoError(t, err) {
				return
			}
			added, err = rule.AddChange(ctx, ChangeInput{RoleID: 7, Add: true})
			assert.NoError(t, err)
		})
		return nil
	})

	loaded, err := Load(ctx, deps, store)
	require.NoError(t, err)
	require.Empty(t, sink.orphans)
	require.Len(t, loaded, 1)
	changes, err := loaded[0].Changes()
	require.NoError(t, err)
	require.Len(t, changes, 1)
	require.NotNil(t, added)
	require.Equal(t, added.ID(), changes[0].ID())
}

func TestLoadPropagatesReadFailure(t *testing.T) {
	store := storage.NewMemory()
	store.SetHook(func(_ context.Context, op storage.Op, table string) error {
		if op == storage.OpSelect && table == storage.TableRequirement {
			return errors.New("read failed")
		}
		return nil
	})

	_, err := Load(context.Background(), Deps{Store: store}, store)
	require.ErrorContains(t, err, "read failed")

	_, err = Load(context.Background(), Deps{Store: store}, nil)
	require.ErrorIs(t, err, storage.ErrNotConfigured)
}
