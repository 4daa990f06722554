package jobs

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/vivibot/vivibot/internal/reactionrole"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskOrphanCleanup removes reaction role child rows left behind by a failed cascade delete.
	TaskOrphanCleanup = "reactionrole:orphan_cleanup"
	// TaskOrphanSweep scans storage for child rows no rule owns.
	TaskOrphanSweep = "reactionrole:orphan_sweep"
)

const (
	orphanCleanupMaxRetry  = 10
	orphanCleanupRetention = 24 * time.Hour
	orphanSweepMaxRetry    = 3
	orphanSweepTimeout     = 5 * time.Minute
)

// orphanNamespace scopes deterministic task ids for orphan cleanup.
var orphanNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://vivibot.dev/jobs/"+TaskOrphanCleanup))

// OrphanCleanupPayload lists the rows to remove.
type OrphanCleanupPayload struct {
	Orphans []reactionrole.Orphan `json:"orphans"`
}

// NewOrphanCleanupTask constructs the cleanup task. The same orphan set always yields the
// same task id, so repeated reports collapse into one queued task.
func NewOrphanCleanupTask(orphans []reactionrole.Orphan) (*asynq.Task, error) {
	if len(orphans) == 0 {
		return nil, fmt.Errorf("jobs: orphan cleanup: empty payload")
	}
	data, err := json.Marshal(OrphanCleanupPayload{Orphans: orphans})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskOrphanCleanup, data,
		asynq.TaskID(orphanTaskID(orphans)),
		asynq.Queue(QueueDefault),
		asynq.MaxRetry(orphanCleanupMaxRetry),
		asynq.Retention(orphanCleanupRetention),
	), nil
}

func orphanTaskID(orphans []reactionrole.Orphan) string {
	keys := make([]string, 0, len(orphans))
	for _, o := range orphans {
		keys = append(keys, fmt.Sprintf("%s/%s/%d", o.Table, o.IDColumn, o.ID))
	}
	sort.Strings(keys)
	return uuid.NewSHA1(orphanNamespace, []byte(strings.Join(keys, ","))).String()
}

// NewOrphanSweepTask constructs the periodic sweep task.
func NewOrphanSweepTask() *asynq.Task {
	return asynq.NewTask(TaskOrphanSweep, nil,
		asynq.Queue(QueueDefault),
		asynq.MaxRetry(orphanSweepMaxRetry),
		asynq.Timeout(orphanSweepTimeout),
	)
}
