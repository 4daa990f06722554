package reactionrole

import (
	"context"
	"log/slog"

	"github.com/vivibot/vivibot/internal/storage"
)

type requirementInput struct {
	RoleID int64 `validate:"gt=0"`
}

// RequirementUpdate lists the fields to overwrite. Nil fields keep their current value.
type RequirementUpdate struct {
	RoleID *int64 `validate:"omitnil,gt=0"`
}

// RequirementSnapshot is a plain copy of a Requirement.
type RequirementSnapshot struct {
	ID     int64 `json:"id"`
	RuleID int64 `json:"rule_id"`
	RoleID int64 `json:"role_id"`
}

// Requirement names a role a member must already hold for the rule's changes to apply.
// Requirements are created and destroyed only through their Rule.
type Requirement struct {
	record
	owner  *Rule
	ruleID int64
	roleID int64
}

func newRequirement(owner *Rule, id, roleID int64) *Requirement {
	return &Requirement{record: record{id: id}, owner: owner, ruleID: owner.id, roleID: roleID}
}

// RuleID returns the id of the owning rule.
func (q *Requirement) RuleID() (int64, error) {
	return get(&q.record, &q.ruleID)
}

// RoleID returns the required role.
func (q *Requirement) RoleID() (int64, error) {
	return get(&q.record, &q.roleID)
}

// Snapshot returns a copy of every field.
func (q *Requirement) Snapshot() (RequirementSnapshot, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if err := q.assertLive(); err != nil {
		return RequirementSnapshot{}, err
	}
	return q.snapshotLocked(), nil
}

func (q *Requirement) snapshotLocked() RequirementSnapshot {
	return RequirementSnapshot{ID: q.id, RuleID: q.ruleID, RoleID: q.roleID}
}

// Update overwrites the required role when set.
func (q *Requirement) Update(ctx context.Context, u RequirementUpdate) error {
	const op = "reactionrole: update requirement"
	if err := q.live(); err != nil {
		return err
	}
	if u.RoleID == nil {
		return nil
	}
	if err := validateInput(u); err != nil {
		return err
	}
	owner := q.owner
	if err := owner.requirementMu.lock(ctx); err != nil {
		return err
	}
	defer owner.requirementMu.unlock()

	if err := q.live(); err != nil {
		return err
	}
	roleID := *u.RoleID
	if other := owner.findRequirementByRole(roleID); other != nil && other != q {
		return ErrDuplicateRole
	}

	deps := owner.deps
	if err := deps.Store.Update(ctx, storage.TableRequirement, storage.ColumnRequirementID, q.id, storage.Fields{
		storage.ColumnRoleID: roleID,
	}); err != nil {
		deps.logger().Error("update reaction role requirement",
			slog.Int64("requirement_id", q.id), slog.Int64("rule_id", q.ruleID), slog.Any("error", err))
		return persistenceError(op, err)
	}

	q.mu.Lock()
	q.roleID = roleID
	q.mu.Unlock()
	return nil
}

// delete removes the row and marks the requirement deleted. Callers hold the owner's requirement section.
func (q *Requirement) delete(ctx context.Context) error {
	const op = "reactionrole: delete requirement"
	if err := q.live(); err != nil {
		return err
	}
	if err := q.owner.deps.Store.Delete(ctx, storage.TableRequirement, storage.ColumnRequirementID, []int64{q.id}); err != nil {
		return persistenceError(op, err)
	}
	q.markDeleted()
	return nil
}
