package reactionrole

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/vivibot/vivibot/internal/storage"
)

var (
	ruleColumns = []string{
		storage.ColumnRuleID, storage.ColumnMessageID, storage.ColumnName, storage.ColumnReaction, storage.ColumnIsActive,
	}
	changeColumns = []string{
		storage.ColumnChangeID, storage.ColumnRuleID, storage.ColumnRoleID, storage.ColumnAdd,
		storage.ColumnAllowToggle, storage.ColumnChannelID, storage.ColumnContent,
	}
	requirementColumns = []string{
		storage.ColumnRequirementID, storage.ColumnRuleID, storage.ColumnRoleID,
	}
)

// Load rebuilds every persisted rule with its children. Child rows pointing at a missing
// rule are reported as orphans. Rows repeating a role already configured on their rule are
// logged and left out of the rule, never reported.
//
// The child tables are read before the rule table. A child row is only written after its
// rule row, so any rule a child saw at read time is still visible to the later rule read
// unless it was deleted in between, which makes the child a real orphan.
func Load(ctx context.Context, deps Deps, reader storage.Reader) ([]*Rule, error) {
	if err := deps.check(); err != nil {
		return nil, err
	}
	if reader == nil {
		return nil, fmt.Errorf("reactionrole: load: %w", storage.ErrNotConfigured)
	}

	var changeRows, requirementRows []storage.Row
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		changeRows, err = reader.Select(gctx, storage.TableChange, changeColumns)
		return err
	})
	g.Go(func() (err error) {
		requirementRows, err = reader.Select(gctx, storage.TableRequirement, requirementColumns)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("reactionrole: load: %w", err)
	}
	ruleRows, err := reader.Select(ctx, storage.TableRule, ruleColumns)
	if err != nil {
		return nil, fmt.Errorf("reactionrole: load: %w", err)
	}

	rules := make(map[int64]*Rule, len(ruleRows))
	ordered := make([]*Rule, 0, len(ruleRows))
	for _, row := range ruleRows {
		rule, err := ruleFromRow(deps, row)
		if err != nil {
			return nil, err
		}
		rules[rule.id] = rule
		ordered = append(ordered, rule)
	}

	var orphans []Orphan
	for _, row := range changeRows {
		id, ruleID, state, err := changeFromRow(row)
		if err != nil {
			return nil, err
		}
		rule, ok := rules[ruleID]
		if !ok {
			orphans = append(orphans, Orphan{Table: storage.TableChange, IDColumn: storage.ColumnChangeID, ID: id, RuleID: ruleID})
			continue
		}
		if rule.findChangeByRole(state.roleID) != nil {
			deps.logger().Warn("duplicate reaction role change skipped",
				slog.Int64("rule_id", ruleID), slog.Int64("change_id", id), slog.Int64("role_id", state.roleID))
			continue
		}
		rule.changes = append(rule.changes, newChange(rule, id, state))
	}
	for _, row := range requirementRows {
		id, ruleID, roleID, err := requirementFromRow(row)
		if err != nil {
			return nil, err
		}
		rule, ok := rules[ruleID]
		if !ok {
			orphans = append(orphans, Orphan{Table: storage.TableRequirement, IDColumn: storage.ColumnRequirementID, ID: id, RuleID: ruleID})
			continue
		}
		if rule.findRequirementByRole(roleID) != nil {
			deps.logger().Warn("duplicate reaction role requirement skipped",
				slog.Int64("rule_id", ruleID), slog.Int64("requirement_id", id), slog.Int64("role_id", roleID))
			continue
		}
		rule.requirements = append(rule.requirements, newRequirement(rule, id, roleID))
	}

	sort.Slice(ordered, func(i, j int) bool { return ordered[i].id < ordered[j].id })

	if len(orphans) > 0 {
		deps.logger().Warn("reaction role orphans found on load", slog.Int("count", len(orphans)))
		if deps.Orphans != nil {
			if err := deps.Orphans.ReportOrphans(ctx, orphans); err != nil {
				deps.logger().Error("report reaction role orphans", slog.Any("error", err))
			}
		}
	}
	return ordered, nil
}

func ruleFromRow(deps Deps, row storage.Row) (*Rule, error) {
	id, err := row.Int64(storage.ColumnRuleID)
	if err != nil {
		return nil, err
	}
	var state ruleState
	if state.messageID, err = row.Int64(storage.ColumnMessageID); err != nil {
		return nil, err
	}
	if state.name, err = row.String(storage.ColumnName); err != nil {
		return nil, err
	}
	if state.reaction, err = row.String(storage.ColumnReaction); err != nil {
		return nil, err
	}
	if state.active, err = row.Bool(storage.ColumnIsActive); err != nil {
		return nil, err
	}
	state.reaction = NormalizeReaction(state.reaction)
	return newRule(deps, id, state), nil
}

func changeFromRow(row storage.Row) (id, ruleID int64, state changeState, err error) {
	if id, err = row.Int64(storage.ColumnChangeID); err != nil {
		return
	}
	if ruleID, err = row.Int64(storage.ColumnRuleID); err != nil {
		return
	}
	if state.roleID, err = row.Int64(storage.ColumnRoleID); err != nil {
		return
	}
	if state.add, err = row.Bool(storage.ColumnAdd); err != nil {
		return
	}
	if state.allowToggle, err = row.Bool(storage.ColumnAllowToggle); err != nil {
		return
	}
	if state.originChannelID, err = row.NullInt64(storage.ColumnChannelID); err != nil {
		return
	}
	state.originMessage, err = row.NullString(storage.ColumnContent)
	return
}

func requirementFromRow(row storage.Row) (id, ruleID, roleID int64, err error) {
	if id, err = row.Int64(storage.ColumnRequirementID); err != nil {
		return
	}
	if ruleID, err = row.Int64(storage.ColumnRuleID); err != nil {
		return
	}
	roleID, err = row.Int64(storage.ColumnRoleID)
	return
}
