package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/vivibot/vivibot/internal/jobs"
	"github.com/vivibot/vivibot/internal/reactionrole"
	"github.com/vivibot/vivibot/internal/storage"
)

// OrphanCleanupJob deletes reaction role child rows reported by a failed cascade delete.
// A row is only removed while its rule row is absent, so a stale report never touches
// the children of a live rule.
type OrphanCleanupJob struct {
	Store   storage.DetachedDeleter
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewOrphanCleanupJob initialises the cleanup handler.
func NewOrphanCleanupJob(store storage.DetachedDeleter, logger *slog.Logger, metrics *jobmetrics.Metrics) *OrphanCleanupJob {
	return &OrphanCleanupJob{Store: store, Logger: logger, Metrics: metrics}
}

// Handle processes TaskOrphanCleanup tasks. Rows already gone or still owned by a rule
// count as done; any other failure fails the task so asynq retries the whole set.
func (j *OrphanCleanupJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Store == nil {
		return errors.New("orphan cleanup: handler not configured")
	}
	var payload OrphanCleanupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("orphan cleanup: decode payload: %v: %w", err, asynq.SkipRetry)
	}

	tracker := j.Metrics.Track(TaskOrphanCleanup)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.Int("orphans", len(payload.Orphans)))
	var failed []error
	for _, o := range payload.Orphans {
		err := deleteOrphan(ctx, j.Store, o)
		switch {
		case err == nil:
			j.Metrics.AddOrphans(o.Table, jobmetrics.OrphanRemoved, 1)
		case errors.Is(err, storage.ErrNotFound):
			j.Metrics.AddOrphans(o.Table, jobmetrics.OrphanGone, 1)
		case errors.Is(err, storage.ErrAttached):
			j.Metrics.AddOrphans(o.Table, jobmetrics.OrphanAttached, 1)
			logger.Warn("orphan still owned by a rule, kept",
				slog.String("table", o.Table), slog.Int64("id", o.ID), slog.Int64("rule_id", o.RuleID))
		case errors.Is(err, storage.ErrInvalidArgument):
			logger.Error("drop malformed orphan", slog.String("table", o.Table), slog.Int64("id", o.ID), slog.Any("error", err))
		default:
			j.Metrics.AddOrphans(o.Table, jobmetrics.OrphanRetry, 1)
			logger.Warn("orphan delete failed",
				slog.String("table", o.Table), slog.Int64("id", o.ID), slog.Int64("rule_id", o.RuleID), slog.Any("error", err))
			failed = append(failed, fmt.Errorf("%s %d: %w", o.Table, o.ID, err))
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("orphan cleanup: %w", errors.Join(failed...))
	}
	logger.Info("orphan cleanup finished")
	return nil
}

func deleteOrphan(ctx context.Context, store storage.DetachedDeleter, o reactionrole.Orphan) error {
	switch {
	case o.Table == storage.TableChange && o.IDColumn == storage.ColumnChangeID,
		o.Table == storage.TableRequirement && o.IDColumn == storage.ColumnRequirementID:
		return store.DeleteDetached(ctx, o.Table, o.IDColumn, o.ID, storage.TableRule, storage.ColumnRuleID)
	default:
		return fmt.Errorf("%s.%s: %w", o.Table, o.IDColumn, storage.ErrInvalidArgument)
	}
}

func (j *OrphanCleanupJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
