package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/vivibot/vivibot/internal/jobs"
	"github.com/vivibot/vivibot/internal/reactionrole"
	"github.com/vivibot/vivibot/internal/storage"
)

// OrphanSweepJob rebuilds every rule from storage and schedules cleanup for the child
// rows no rule owns. It catches orphans whose cleanup report itself was lost.
type OrphanSweepJob struct {
	Store   storage.ReadStore
	Sink    reactionrole.OrphanSink
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewOrphanSweepJob initialises the sweep handler.
func NewOrphanSweepJob(store storage.ReadStore, sink reactionrole.OrphanSink, logger *slog.Logger, metrics *jobmetrics.Metrics) *OrphanSweepJob {
	return &OrphanSweepJob{Store: store, Sink: sink, Logger: logger, Metrics: metrics}
}

type orphanCollector []reactionrole.Orphan

func (c *orphanCollector) ReportOrphans(_ context.Context, orphans []reactionrole.Orphan) error {
	*c = append(*c, orphans...)
	return nil
}

// Handle processes TaskOrphanSweep tasks.
func (j *OrphanSweepJob) Handle(ctx context.Context, _ *asynq.Task) (resultErr error) {
	if j == nil || j.Store == nil || j.Sink == nil {
		return errors.New("orphan sweep: handler not configured")
	}
	tracker := j.Metrics.Track(TaskOrphanSweep)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	start := time.Now()
	logger := j.logger()
	var found orphanCollector
	rules, err := reactionrole.Load(ctx, reactionrole.Deps{Store: j.Store, Logger: logger, Orphans: &found}, j.Store)
	if err != nil {
		return fmt.Errorf("orphan sweep: %w", err)
	}
	if len(found) > 0 {
		if err := j.Sink.ReportOrphans(ctx, found); err != nil {
			return fmt.Errorf("orphan sweep: report: %w", err)
		}
	}
	logger.Info("orphan sweep finished",
		slog.Int("rules", len(rules)),
		slog.Int("orphans", len(found)),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

func (j *OrphanSweepJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
