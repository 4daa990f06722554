package reactionrole

import (
	"context"
	"log/slog"
	"slices"
	"strings"

	"github.com/vivibot/vivibot/internal/storage"
)

// RuleInput describes a new rule. A nil Active creates an active rule.
type RuleInput struct {
	MessageID int64  `validate:"gt=0"`
	Name      string `validate:"required,max=100"`
	Reaction  string `validate:"required,max=64"`
	Active    *bool
}

// RuleUpdate lists the fields to overwrite. Nil fields keep their current value,
// so an explicit false, zero or empty string is applied as given.
type RuleUpdate struct {
	MessageID *int64  `validate:"omitnil,gt=0"`
	Name      *string `validate:"omitnil,min=1,max=100"`
	Reaction  *string `validate:"omitnil,min=1,max=64"`
	Active    *bool
}

func (u RuleUpdate) empty() bool {
	return u.MessageID == nil && u.Name == nil && u.Reaction == nil && u.Active == nil
}

func (u RuleUpdate) normalized() RuleUpdate {
	if u.Name != nil {
		name := strings.TrimSpace(*u.Name)
		u.Name = &name
	}
	if u.Reaction != nil {
		reaction := NormalizeReaction(*u.Reaction)
		u.Reaction = &reaction
	}
	return u
}

// RuleSnapshot is a plain copy of a Rule and its live children.
type RuleSnapshot struct {
	ID           int64                 `json:"id"`
	MessageID    int64                 `json:"message_id"`
	Name         string                `json:"name"`
	Reaction     string                `json:"reaction"`
	Active       bool                  `json:"active"`
	Changes      []ChangeSnapshot      `json:"changes"`
	Requirements []RequirementSnapshot `json:"requirements"`
}

type ruleState struct {
	messageID int64
	name      string
	reaction  string
	active    bool
}

func (s ruleState) merge(u RuleUpdate) ruleState {
	if u.MessageID != nil {
		s.messageID = *u.MessageID
	}
	if u.Name != nil {
		s.name = *u.Name
	}
	if u.Reaction != nil {
		s.reaction = *u.Reaction
	}
	if u.Active != nil {
		s.active = *u.Active
	}
	return s
}

func (s ruleState) fields() storage.Fields {
	return storage.Fields{
		storage.ColumnMessageID: s.messageID,
		storage.ColumnName:      s.name,
		storage.ColumnReaction:  s.reaction,
		storage.ColumnIsActive:  s.active,
	}
}

// Rule is the aggregate root tying a message and reaction to role changes and requirements.
//
// Change mutations and Requirement mutations are serialised by two independent sections;
// Delete holds both, so no child can be added to or removed from a rule being deleted.
type Rule struct {
	record
	deps         Deps
	state        ruleState
	changes      []*Change
	requirements []*Requirement

	changeMu      section
	requirementMu section
	fieldMu       section
}

func newRule(deps Deps, id int64, state ruleState) *Rule {
	return &Rule{
		record:        record{id: id},
		deps:          deps,
		state:         state,
		changeMu:      newSection(),
		requirementMu: newSection(),
		fieldMu:       newSection(),
	}
}

// Create persists a new rule. On failure no rule is returned and no row is left behind.
func Create(ctx context.Context, deps Deps, in RuleInput) (*Rule, error) {
	const op = "reactionrole: create rule"
	if err := deps.check(); err != nil {
		return nil, err
	}
	in.Name = strings.TrimSpace(in.Name)
	in.Reaction = NormalizeReaction(in.Reaction)
	if err := validateInput(in); err != nil {
		return nil, err
	}
	state := ruleState{messageID: in.MessageID, name: in.Name, reaction: in.Reaction, active: true}
	if in.Active != nil {
		state.active = *in.Active
	}
	id, err := deps.Store.Insert(ctx, storage.TableRule, storage.ColumnRuleID, state.fields())
	if err != nil {
		deps.logger().Error("create reaction role",
			slog.Int64("message_id", in.MessageID), slog.String("name", in.Name), slog.Any("error", err))
		return nil, persistenceError(op, err)
	}
	return newRule(deps, id, state), nil
}

// MessageID returns the message the rule listens on.
func (r *Rule) MessageID() (int64, error) {
	return get(&r.record, &r.state.messageID)
}

// Name returns the display name.
func (r *Rule) Name() (string, error) {
	return get(&r.record, &r.state.name)
}

// Reaction returns the normalised reaction symbol.
func (r *Rule) Reaction() (string, error) {
	return get(&r.record, &r.state.reaction)
}

// Active reports whether the rule currently fires.
func (r *Rule) Active() (bool, error) {
	return get(&r.record, &r.state.active)
}

// Changes returns a copy of the live change collection.
func (r *Rule) Changes() ([]*Change, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.assertLive(); err != nil {
		return nil, err
	}
	return slices.Clone(r.changes), nil
}

// Requirements returns a copy of the live requirement collection.
func (r *Rule) Requirements() ([]*Requirement, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.assertLive(); err != nil {
		return nil, err
	}
	return slices.Clone(r.requirements), nil
}

// Snapshot returns plain copies of the rule and its children.
func (r *Rule) Snapshot() (RuleSnapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.assertLive(); err != nil {
		return RuleSnapshot{}, err
	}
	snap := RuleSnapshot{
		ID:           r.id,
		MessageID:    r.state.messageID,
		Name:         r.state.name,
		Reaction:     r.state.reaction,
		Active:       r.state.active,
		Changes:      make([]ChangeSnapshot, 0, len(r.changes)),
		Requirements: make([]RequirementSnapshot, 0, len(r.requirements)),
	}
	for _, c := range r.changes {
		if cs, err := c.Snapshot(); err == nil {
			snap.Changes = append(snap.Changes, cs)
		}
	}
	for _, q := range r.requirements {
		if qs, err := q.Snapshot(); err == nil {
			snap.Requirements = append(snap.Requirements, qs)
		}
	}
	return snap, nil
}

// Change returns the live change with the given id.
func (r *Rule) Change(changeID int64) (*Change, error) {
	if err := r.live(); err != nil {
		return nil, err
	}
	if c := r.findChange(changeID); c != nil {
		return c, nil
	}
	return nil, ErrChildNotFound
}

// Requirement returns the live requirement with the given id.
func (r *Rule) Requirement(requirementID int64) (*Requirement, error) {
	if err := r.live(); err != nil {
		return nil, err
	}
	if q := r.findRequirement(requirementID); q != nil {
		return q, nil
	}
	return nil, ErrChildNotFound
}

// AddChange returns the live change for in.RoleID, creating and persisting one when absent.
func (r *Rule) AddChange(ctx context.Context, in ChangeInput) (*Change, error) {
	c, _, err := r.EnsureChange(ctx, in)
	return c, err
}

// EnsureChange behaves like AddChange and also reports whether a new row was written.
func (r *Rule) EnsureChange(ctx context.Context, in ChangeInput) (*Change, bool, error) {
	const op = "reactionrole: add change"
	if err := r.live(); err != nil {
		return nil, false, err
	}
	if err := validateInput(in); err != nil {
		return nil, false, err
	}
	if err := r.changeMu.lock(ctx); err != nil {
		return nil, false, err
	}
	defer r.changeMu.unlock()
	if err := r.live(); err != nil {
		return nil, false, err
	}

	if existing := r.findChangeByRole(in.RoleID); existing != nil {
		return existing, false, nil
	}

	state := changeState{
		roleID:          in.RoleID,
		add:             in.Add,
		allowToggle:     in.AllowToggle,
		originChannelID: cloneInt64(in.OriginChannelID),
		originMessage:   cloneString(in.OriginMessage),
	}
	fields := state.fields()
	fields[storage.ColumnRuleID] = r.id
	id, err := r.deps.Store.Insert(ctx, storage.TableChange, storage.ColumnChangeID, fields)
	if err != nil {
		r.deps.logger().Error("add reaction role change",
			slog.Int64("rule_id", r.id), slog.Int64("role_id", in.RoleID), slog.Any("error", err))
		return nil, false, persistenceError(op, err)
	}

	c := newChange(r, id, state)
	r.mu.Lock()
	r.changes = append(r.changes, c)
	r.mu.Unlock()
	return c, true, nil
}

// AddRequirement returns the live requirement for roleID, creating and persisting one when absent.
func (r *Rule) AddRequirement(ctx context.Context, roleID int64) (*Requirement, error) {
	q, _, err := r.EnsureRequirement(ctx, roleID)
	return q, err
}

// EnsureRequirement behaves like AddRequirement and also reports whether a new row was written.
func (r *Rule) EnsureRequirement(ctx context.Context, roleID int64) (*Requirement, bool, error) {
	const op = "reactionrole: add requirement"
	if err := r.live(); err != nil {
		return nil, false, err
	}
	if err := validateInput(requirementInput{RoleID: roleID}); err != nil {
		return nil, false, err
	}
	if err := r.requirementMu.lock(ctx); err != nil {
		return nil, false, err
	}
	defer r.requirementMu.unlock()
	if err := r.live(); err != nil {
		return nil, false, err
	}

	if existing := r.findRequirementByRole(roleID); existing != nil {
		return existing, false, nil
	}

	id, err := r.deps.Store.Insert(ctx, storage.TableRequirement, storage.ColumnRequirementID, storage.Fields{
		storage.ColumnRuleID: r.id,
		storage.ColumnRoleID: roleID,
	})
	if err != nil {
		r.deps.logger().Error("add reaction role requirement",
			slog.Int64("rule_id", r.id), slog.Int64("role_id", roleID), slog.Any("error", err))
		return nil, false, persistenceError(op, err)
	}

	q := newRequirement(r, id, roleID)
	r.mu.Lock()
	r.requirements = append(r.requirements, q)
	r.mu.Unlock()
	return q, true, nil
}

// RemoveChange deletes the change with the given id. An absent change is already removed and succeeds.
func (r *Rule) RemoveChange(ctx context.Context, changeID int64) error {
	if err := r.live(); err != nil {
		return err
	}
	if err := r.changeMu.lock(ctx); err != nil {
		return err
	}
	defer r.changeMu.unlock()
	if err := r.live(); err != nil {
		return err
	}

	c := r.findChange(changeID)
	if c == nil {
		return nil
	}
	if err := c.delete(ctx); err != nil {
		r.deps.logger().Error("remove reaction role change",
			slog.Int64("rule_id", r.id), slog.Int64("change_id", changeID), slog.Any("error", err))
		return err
	}
	r.mu.Lock()
	r.changes = slices.DeleteFunc(r.changes, func(other *Change) bool { return other == c })
	r.mu.Unlock()
	return nil
}

// RemoveRequirement deletes the requirement with the given id. An absent requirement succeeds.
func (r *Rule) RemoveRequirement(ctx context.Context, requirementID int64) error {
	if err := r.live(); err != nil {
		return err
	}
	if err := r.requirementMu.lock(ctx); err != nil {
		return err
	}
	defer r.requirementMu.unlock()
	if err := r.live(); err != nil {
		return err
	}

	q := r.findRequirement(requirementID)
	if q == nil {
		return nil
	}
	if err := q.delete(ctx); err != nil {
		r.deps.logger().Error("remove reaction role requirement",
			slog.Int64("rule_id", r.id), slog.Int64("requirement_id", requirementID), slog.Any("error", err))
		return err
	}
	r.mu.Lock()
	r.requirements = slices.DeleteFunc(r.requirements, func(other *Requirement) bool { return other == q })
	r.mu.Unlock()
	return nil
}

// Update overwrites the fields set in u. The row is written before the in-memory copy.
func (r *Rule) Update(ctx context.Context, u RuleUpdate) error {
	const op = "reactionrole: update rule"
	if err := r.live(); err != nil {
		return err
	}
	if u.empty() {
		return nil
	}
	u = u.normalized()
	if err := validateInput(u); err != nil {
		return err
	}
	if err := r.fieldMu.lock(ctx); err != nil {
		return err
	}
	defer r.fieldMu.unlock()

	r.mu.RLock()
	if err := r.assertLive(); err != nil {
		r.mu.RUnlock()
		return err
	}
	next := r.state.merge(u)
	r.mu.RUnlock()

	if err := r.deps.Store.Update(ctx, storage.TableRule, storage.ColumnRuleID, r.id, next.fields()); err != nil {
		r.deps.logger().Error("update reaction role", slog.Int64("rule_id", r.id), slog.Any("error", err))
		return persistenceError(op, err)
	}

	r.mu.Lock()
	r.state = next
	r.mu.Unlock()
	return nil
}

// Delete removes the rule row, then every change and requirement row on a best effort basis.
// The result reflects the rule row only. Child rows that could not be removed are logged and
// handed to the configured OrphanSink; every retained child handle is marked deleted regardless.
func (r *Rule) Delete(ctx context.Context) error {
	const op = "reactionrole: delete rule"
	if err := r.live(); err != nil {
		return err
	}
	if err := r.lockAll(ctx); err != nil {
		return err
	}
	defer r.unlockAll()
	if err := r.live(); err != nil {
		return err
	}

	logger := r.deps.logger()
	if err := r.deps.Store.Delete(ctx, storage.TableRule, storage.ColumnRuleID, []int64{r.id}); err != nil {
		logger.Error("delete reaction role", slog.Int64("rule_id", r.id), slog.Any("error", err))
		return persistenceError(op, err)
	}

	r.mu.RLock()
	changes := slices.Clone(r.changes)
	requirements := slices.Clone(r.requirements)
	r.mu.RUnlock()

	var orphans []Orphan
	for _, c := range changes {
		if err := c.delete(ctx); err != nil {
			logger.Warn("cascade delete reaction role change",
				slog.Int64("rule_id", r.id), slog.Int64("change_id", c.id), slog.Any("error", err))
			orphans = append(orphans, Orphan{Table: storage.TableChange, IDColumn: storage.ColumnChangeID, ID: c.id, RuleID: r.id})
		}
	}
	for _, q := range requirements {
		if err := q.delete(ctx); err != nil {
			logger.Warn("cascade delete reaction role requirement",
				slog.Int64("rule_id", r.id), slog.Int64("requirement_id", q.id), slog.Any("error", err))
			orphans = append(orphans, Orphan{Table: storage.TableRequirement, IDColumn: storage.ColumnRequirementID, ID: q.id, RuleID: r.id})
		}
	}

	r.retire()

	if len(orphans) > 0 && r.deps.Orphans != nil {
		if err := r.deps.Orphans.ReportOrphans(context.WithoutCancel(ctx), orphans); err != nil {
			logger.Error("report reaction role orphans",
				slog.Int64("rule_id", r.id), slog.Int("count", len(orphans)), slog.Any("error", err))
		}
	}
	return nil
}

// lockAll acquires every section in the order Delete uses.
func (r *Rule) lockAll(ctx context.Context) error {
	if err := r.changeMu.lock(ctx); err != nil {
		return err
	}
	if err := r.requirementMu.lock(ctx); err != nil {
		r.changeMu.unlock()
		return err
	}
	if err := r.fieldMu.lock(ctx); err != nil {
		r.requirementMu.unlock()
		r.changeMu.unlock()
		return err
	}
	return nil
}

func (r *Rule) unlockAll() {
	r.fieldMu.unlock()
	r.requirementMu.unlock()
	r.changeMu.unlock()
}

// retire marks the rule and every child deleted without touching storage.
// Callers hold every section.
func (r *Rule) retire() {
	r.mu.Lock()
	changes, requirements := r.changes, r.requirements
	r.changes = nil
	r.requirements = nil
	r.deleted = true
	r.mu.Unlock()
	for _, c := range changes {
		c.markDeleted()
	}
	for _, q := range requirements {
		q.markDeleted()
	}
}

// adopt takes over the fields and children of loaded, a fresh copy of the same rule read
// from storage. Child instances whose id survives are kept and updated in place; children
// missing from loaded were removed elsewhere and are retired. Callers hold every section.
func (r *Rule) adopt(loaded *Rule) {
	r.mu.RLock()
	oldChanges, oldRequirements := r.changes, r.requirements
	r.mu.RUnlock()

	keptChanges := make(map[int64]bool, len(loaded.changes))
	changes := make([]*Change, 0, len(loaded.changes))
	for _, lc := range loaded.changes {
		c := r.findChange(lc.id)
		if c == nil {
			c = newChange(r, lc.id, lc.state)
		} else {
			c.mu.Lock()
			c.state = lc.state
			c.mu.Unlock()
		}
		keptChanges[c.id] = true
		changes = append(changes, c)
	}
	keptRequirements := make(map[int64]bool, len(loaded.requirements))
	requirements := make([]*Requirement, 0, len(loaded.requirements))
	for _, lq := range loaded.requirements {
		q := r.findRequirement(lq.id)
		if q == nil {
			q = newRequirement(r, lq.id, lq.roleID)
		} else {
			q.mu.Lock()
			q.roleID = lq.roleID
			q.mu.Unlock()
		}
		keptRequirements[q.id] = true
		requirements = append(requirements, q)
	}

	r.mu.Lock()
	r.state = loaded.state
	r.changes = changes
	r.requirements = requirements
	r.mu.Unlock()

	for _, c := range oldChanges {
		if !keptChanges[c.id] {
			c.markDeleted()
		}
	}
	for _, q := range oldRequirements {
		if !keptRequirements[q.id] {
			q.markDeleted()
		}
	}
}

func (r *Rule) findChange(id int64) *Change {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.changes {
		if c.id == id {
			return c
		}
	}
	return nil
}

// findChangeByRole must be called with changeMu held.
func (r *Rule) findChangeByRole(roleID int64) *Change {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.changes {
		if got, err := c.RoleID(); err == nil && got == roleID {
			return c
		}
	}
	return nil
}

func (r *Rule) findRequirement(id int64) *Requirement {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, q := range r.requirements {
		if q.id == id {
			return q
		}
	}
	return nil
}

// findRequirementByRole must be called with requirementMu held.
func (r *Rule) findRequirementByRole(roleID int64) *Requirement {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, q := range r.requirements {
		if got, err := q.RoleID(); err == nil && got == roleID {
			return q
		}
	}
	return nil
}
