package reactionrole

import (
	"context"
	"log/slog"

	"github.com/vivibot/vivibot/internal/storage"
)

// ChangeInput describes a role grant or revoke to attach to a rule.
type ChangeInput struct {
	RoleID          int64 `validate:"gt=0"`
	Add             bool
	AllowToggle     bool
	OriginChannelID *int64  `validate:"omitnil,gt=0"`
	OriginMessage   *string `validate:"omitnil,max=2000"`
}

// ChangeUpdate lists the fields to overwrite. Nil fields keep their current value.
type ChangeUpdate struct {
	RoleID          *int64 `validate:"omitnil,gt=0"`
	Add             *bool
	AllowToggle     *bool
	OriginChannelID *int64  `validate:"omitnil,gt=0"`
	OriginMessage   *string `validate:"omitnil,max=2000"`
}

func (u ChangeUpdate) empty() bool {
	return u.RoleID == nil && u.Add == nil && u.AllowToggle == nil && u.OriginChannelID == nil && u.OriginMessage == nil
}

// ChangeSnapshot is a plain copy of a Change.
type ChangeSnapshot struct {
	ID              int64   `json:"id"`
	RuleID          int64   `json:"rule_id"`
	RoleID          int64   `json:"role_id"`
	Add             bool    `json:"add"`
	AllowToggle     bool    `json:"allow_toggle"`
	OriginChannelID *int64  `json:"origin_channel_id,omitempty"`
	OriginMessage   *string `json:"origin_message,omitempty"`
}

type changeState struct {
	roleID          int64
	add             bool
	allowToggle     bool
	originChannelID *int64
	originMessage   *string
}

func (s changeState) merge(u ChangeUpdate) changeState {
	if u.RoleID != nil {
		s.roleID = *u.RoleID
	}
	if u.Add != nil {
		s.add = *u.Add
	}
	if u.AllowToggle != nil {
		s.allowToggle = *u.AllowToggle
	}
	if u.OriginChannelID != nil {
		s.originChannelID = cloneInt64(u.OriginChannelID)
	}
	if u.OriginMessage != nil {
		s.originMessage = cloneString(u.OriginMessage)
	}
	return s
}

func (s changeState) fields() storage.Fields {
	return storage.Fields{
		storage.ColumnRoleID:      s.roleID,
		storage.ColumnAdd:         s.add,
		storage.ColumnAllowToggle: s.allowToggle,
		storage.ColumnChannelID:   nullable(s.originChannelID),
		storage.ColumnContent:     nullable(s.originMessage),
	}
}

// Change grants or revokes one role when the owning rule fires.
// Changes are created and destroyed only through their Rule.
type Change struct {
	record
	owner  *Rule
	ruleID int64
	state  changeState
}

func newChange(owner *Rule, id int64, state changeState) *Change {
	return &Change{record: record{id: id}, owner: owner, ruleID: owner.id, state: state}
}

// RuleID returns the id of the owning rule.
func (c *Change) RuleID() (int64, error) {
	return get(&c.record, &c.ruleID)
}

// RoleID returns the role granted or revoked.
func (c *Change) RoleID() (int64, error) {
	return get(&c.record, &c.state.roleID)
}

// Add reports whether the role is granted (true) or revoked (false).
func (c *Change) Add() (bool, error) {
	return get(&c.record, &c.state.add)
}

// AllowToggle reports whether reacting again reverses the change. The dispatch layer applies it.
func (c *Change) AllowToggle() (bool, error) {
	return get(&c.record, &c.state.allowToggle)
}

// OriginChannelID returns the channel the change was configured from, if any.
func (c *Change) OriginChannelID() (*int64, error) {
	v, err := get(&c.record, &c.state.originChannelID)
	return cloneInt64(v), err
}

// OriginMessage returns the message text the change was configured from, if any.
func (c *Change) OriginMessage() (*string, error) {
	v, err := get(&c.record, &c.state.originMessage)
	return cloneString(v), err
}

// Snapshot returns a copy of every field.
func (c *Change) Snapshot() (ChangeSnapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.assertLive(); err != nil {
		return ChangeSnapshot{}, err
	}
	return c.snapshotLocked(), nil
}

func (c *Change) snapshotLocked() ChangeSnapshot {
	return ChangeSnapshot{
		ID:              c.id,
		RuleID:          c.ruleID,
		RoleID:          c.state.roleID,
		Add:             c.state.add,
		AllowToggle:     c.state.allowToggle,
		OriginChannelID: cloneInt64(c.state.originChannelID),
		OriginMessage:   cloneString(c.state.originMessage),
	}
}

// Update overwrites the fields set in u. The row is written before the in-memory copy.
// Moving the change to a role another live change of the rule already uses fails with ErrDuplicateRole.
func (c *Change) Update(ctx context.Context, u ChangeUpdate) error {
	const op = "reactionrole: update change"
	if err := c.live(); err != nil {
		return err
	}
	if u.empty() {
		return nil
	}
	if err := validateInput(u); err != nil {
		return err
	}
	owner := c.owner
	if err := owner.changeMu.lock(ctx); err != nil {
		return err
	}
	defer owner.changeMu.unlock()

	c.mu.RLock()
	if err := c.assertLive(); err != nil {
		c.mu.RUnlock()
		return err
	}
	current := c.state
	c.mu.RUnlock()

	next := current.merge(u)
	if next.roleID != current.roleID {
		if other := owner.findChangeByRole(next.roleID); other != nil && other != c {
			return ErrDuplicateRole
		}
	}

	deps := owner.deps
	if err := deps.Store.Update(ctx, storage.TableChange, storage.ColumnChangeID, c.id, next.fields()); err != nil {
		deps.logger().Error("update reaction role change",
			slog.Int64("change_id", c.id), slog.Int64("rule_id", c.ruleID), slog.Any("error", err))
		return persistenceError(op, err)
	}

	c.mu.Lock()
	c.state = next
	c.mu.Unlock()
	return nil
}

// delete removes the row and marks the change deleted. Callers hold the owner's change section.
func (c *Change) delete(ctx context.Context) error {
	const op = "reactionrole: delete change"
	if err := c.live(); err != nil {
		return err
	}
	if err := c.owner.deps.Store.Delete(ctx, storage.TableChange, storage.ColumnChangeID, []int64{c.id}); err != nil {
		return persistenceError(op, err)
	}
	c.markDeleted()
	return nil
}

func cloneInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	n := *v
	return &n
}

func cloneString(v *string) *string {
	if v == nil {
		return nil
	}
	s := *v
	return &s
}

// nullable turns a nil pointer into an untyped nil so drivers write NULL.
func nullable[T any](v *T) any {
	if v == nil {
		return nil
	}
	return *v
}
