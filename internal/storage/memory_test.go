package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryInsertUpdateDelete(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()

	id, err := mem.Insert(ctx, TableRule, ColumnRuleID, Fields{ColumnName: "RR1", ColumnIsActive: true})
	require.NoError(t, err)
	require.Equal(t, int64(1), id)

	require.NoError(t, mem.Update(ctx, TableRule, ColumnRuleID, id, Fields{ColumnName: "RR2"}))
	row, ok := mem.Get(TableRule, id)
	require.True(t, ok)
	require.Equal(t, "RR2", row[ColumnName])
	require.Equal(t, id, row[ColumnRuleID])

	require.ErrorIs(t, mem.Update(ctx, TableRule, ColumnRuleID, 99, Fields{ColumnName: "x"}), ErrNotFound)

	require.NoError(t, mem.Delete(ctx, TableRule, ColumnRuleID, []int64{id}))
	require.Equal(t, 0, mem.Count(TableRule))
	require.ErrorIs(t, mem.Delete(ctx, TableRule, ColumnRuleID, []int64{id}), ErrNotFound)
}

func TestMemoryDeleteDetached(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	ruleID, err := mem.Insert(ctx, TableRule, ColumnRuleID, Fields{ColumnName: "RR1"})
	require.NoError(t, err)
	changeID, err := mem.Insert(ctx, TableChange, ColumnChangeID, Fields{ColumnRuleID: ruleID, ColumnRoleID: int64(7)})
	require.NoError(t, err)

	require.ErrorIs(t, mem.DeleteDetached(ctx, TableChange, ColumnChangeID, changeID, TableRule, ColumnRuleID), ErrAttached)
	require.Equal(t, 1, mem.Count(TableChange))

	require.NoError(t, mem.Delete(ctx, TableRule, ColumnRuleID, []int64{ruleID}))
	require.NoError(t, mem.DeleteDetached(ctx, TableChange, ColumnChangeID, changeID, TableRule, ColumnRuleID))
	require.Equal(t, 0, mem.Count(TableChange))
	require.ErrorIs(t, mem.DeleteDetached(ctx, TableChange, ColumnChangeID, changeID, TableRule, ColumnRuleID), ErrNotFound)
	require.ErrorIs(t, mem.DeleteDetached(ctx, TableRule, ColumnRuleID, ruleID, TableRule, ColumnRuleID), ErrInvalidArgument)
}

func TestMemoryRejectsIDColumnInFields(t *testing.T) {
	mem := NewMemory()
	_, err := mem.Insert(context.Background(), TableRule, ColumnRuleID, Fields{ColumnRuleID: int64(5)})
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestMemoryHookFailsCall(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	boom := errors.New("boom")
	mem.SetHook(func(_ context.Context, op Op, table string) error {
		if op == OpInsert && table == TableChange {
			return boom
		}
		return nil
	})

	_, err := mem.Insert(ctx, TableChange, ColumnChangeID, Fields{ColumnRoleID: int64(1)})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 0, mem.Count(TableChange))

	_, err = mem.Insert(ctx, TableRule, ColumnRuleID, Fields{ColumnName: "ok"})
	require.NoError(t, err)
}

func TestMemorySelectOrdersByID(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	for i := 0; i < 3; i++ {
		_, err := mem.Insert(ctx, TableRequirement, ColumnRequirementID, Fields{ColumnRuleID: int64(7), ColumnRoleID: int64(100 + i)})
		require.NoError(t, err)
	}
	rows, err := mem.Select(ctx, TableRequirement, []string{ColumnRequirementID, ColumnRoleID})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for i, row := range rows {
		id, err := row.Int64(ColumnRequirementID)
		require.NoError(t, err)
		require.Equal(t, int64(i+1), id)
		_, present := row[ColumnRuleID]
		require.False(t, present)
	}
}

func TestRowConversions(t *testing.T) {
	row := Row{"a": int64(3), "b": int64(1), "c": nil, "d": []byte("hi"), "e": true}

	n, err := row.Int64("a")
	require.NoError(t, err)
	require.Equal(t, int64(3), n)

	b, err := row.Bool("b")
	require.NoError(t, err)
	require.True(t, b)

	b, err = row.Bool("e")
	require.NoError(t, err)
	require.True(t, b)

	ptr, err := row.NullInt64("c")
	require.NoError(t, err)
	require.Nil(t, ptr)

	s, err := row.NullString("d")
	require.NoError(t, err)
	require.Equal(t, "hi", *s)

	_, err = row.Int64("missing")
	require.Error(t, err)
}

type recordingObserver struct {
	statuses []string
}

func (o *recordingObserver) ObserveStorage(op Op, table, status string, _ time.Duration) {
	o.statuses = append(o.statuses, string(op)+":"+table+":"+status)
}

func TestInstrumentReportsStatus(t *testing.T) {
	ctx := context.Background()
	obs := &recordingObserver{}
	store := Instrument(NewMemory(), obs)

	id, err := store.Insert(ctx, TableRule, ColumnRuleID, Fields{ColumnName: "x"})
	require.NoError(t, err)
	require.Error(t, store.Update(ctx, TableRule, ColumnRuleID, id+1, Fields{ColumnName: "y"}))
	changeID, err := store.Insert(ctx, TableChange, ColumnChangeID, Fields{ColumnRuleID: id})
	require.NoError(t, err)
	require.ErrorIs(t, store.DeleteDetached(ctx, TableChange, ColumnChangeID, changeID, TableRule, ColumnRuleID), ErrAttached)

	require.Equal(t, []string{
		"insert:reaction_role:success",
		"update:reaction_role:not_found",
		"insert:reaction_role_change:success",
		"delete:reaction_role_change:attached",
	}, obs.statuses)
}
