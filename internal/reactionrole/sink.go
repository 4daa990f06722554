package reactionrole

import (
	"context"
	"log/slog"
)

// LogSink records orphans in the log only. It is used when background cleanup is disabled.
type LogSink struct {
	Logger *slog.Logger
}

// ReportOrphans implements OrphanSink.
func (s LogSink) ReportOrphans(_ context.Context, orphans []Orphan) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	for _, o := range orphans {
		logger.Warn("reaction role orphan left in storage",
			slog.String("table", o.Table), slog.Int64("id", o.ID), slog.Int64("rule_id", o.RuleID))
	}
	return nil
}
