package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"

	"github.com/vivibot/vivibot/internal/reactionrole"
	"github.com/vivibot/vivibot/internal/storage"
)

// SweepOptions defines the flags for the sweep command.
type SweepOptions struct {
	// Sink receives the orphans found. Nil reports them without scheduling cleanup.
	Sink       reactionrole.OrphanSink
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// SweepSummary describes the JSON response for sweep.
type SweepSummary struct {
	OK           bool                  `json:"ok"`
	Rules        int                   `json:"rules"`
	Changes      int                   `json:"changes"`
	Requirements int                   `json:"requirements"`
	Orphans      []reactionrole.Orphan `json:"orphans"`
	Scheduled    bool                  `json:"cleanup_scheduled"`
}

// SweepCLI rebuilds every rule from storage to find child rows no rule owns.
type SweepCLI struct {
	store  storage.ReadStore
	logger *slog.Logger
}

// NewSweepCLI constructs the helper over store.
func NewSweepCLI(store storage.ReadStore, logger *slog.Logger) *SweepCLI {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &SweepCLI{store: store, logger: logger}
}

type collector struct {
	orphans []reactionrole.Orphan
}

func (c *collector) ReportOrphans(_ context.Context, orphans []reactionrole.Orphan) error {
	c.orphans = append(c.orphans, orphans...)
	return nil
}

// Sweep loads every rule and returns the summary. It never modifies storage.
func (c *SweepCLI) Sweep(ctx context.Context) (SweepSummary, error) {
	found := &collector{}
	rules, err := reactionrole.Load(ctx, reactionrole.Deps{Store: c.store, Logger: c.logger, Orphans: found}, c.store)
	if err != nil {
		return SweepSummary{}, err
	}
	summary := SweepSummary{Rules: len(rules), Orphans: found.orphans}
	for _, rule := range rules {
		snap, err := rule.Snapshot()
		if err != nil {
			return SweepSummary{}, err
		}
		summary.Changes += len(snap.Changes)
		summary.Requirements += len(snap.Requirements)
	}
	sort.Slice(summary.Orphans, func(i, j int) bool {
		if summary.Orphans[i].Table == summary.Orphans[j].Table {
			return summary.Orphans[i].ID < summary.Orphans[j].ID
		}
		return summary.Orphans[i].Table < summary.Orphans[j].Table
	})
	if summary.Orphans == nil {
		summary.Orphans = []reactionrole.Orphan{}
	}
	summary.OK = len(summary.Orphans) == 0
	return summary, nil
}

// SweepCommand runs the sweep and prints the outcome. It exits with 10 when orphans remain
// unscheduled.
func (c *SweepCLI) SweepCommand(ctx context.Context, opts SweepOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	summary, err := c.Sweep(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "sweep: %v\n", err)
		return 1
	}
	if len(summary.Orphans) > 0 && opts.Sink != nil {
		if err := opts.Sink.ReportOrphans(ctx, summary.Orphans); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "sweep: schedule cleanup: %v\n", err)
			return 1
		}
		summary.Scheduled = true
	}
	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(summary); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "sweep: encode json: %v\n", err)
			return 1
		}
	} else {
		renderSweepHuman(opts.Stdout, summary)
	}
	if !summary.OK && !summary.Scheduled {
		return 10
	}
	return 0
}

func renderSweepHuman(out io.Writer, summary SweepSummary) {
	_, _ = fmt.Fprintf(out, "%d rule(s), %d change(s), %d requirement(s)\n", summary.Rules, summary.Changes, summary.Requirements)
	if summary.OK {
		_, _ = fmt.Fprintln(out, "No orphan rows found.")
		return
	}
	_, _ = fmt.Fprintf(out, "%d orphan row(s):\n", len(summary.Orphans))
	for _, o := range summary.Orphans {
		_, _ = fmt.Fprintf(out, " - %s %d (rule %d)\n", o.Table, o.ID, o.RuleID)
	}
	if summary.Scheduled {
		_, _ = fmt.Fprintln(out, "Cleanup scheduled.")
	}
}
