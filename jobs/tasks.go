package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/larder-erp/larder/internal/jobs"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"

	// TaskExpiryScan walks lot balances and reports expiring stock.
	TaskExpiryScan = "stock:expiry_scan"
	// TaskLedgerReconciliation verifies ledger vs cost-layer conservation.
	TaskLedgerReconciliation = "stock:reconciliation"
	// TaskIdempotencyCleanup prunes processed idempotency keys.
	TaskIdempotencyCleanup = "maintenance:idempotency_cleanup"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// ExpiryScanPayload bounds the scan to lots expiring within HorizonDays.
type ExpiryScanPayload struct {
	HorizonDays int `json:"horizon_days"`
}

// NewExpiryScanTask constructs an expiry scan task.
func NewExpiryScanTask(horizonDays int) (*asynq.Task, error) {
	body, err := json.Marshal(ExpiryScanPayload{HorizonDays: horizonDays})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskExpiryScan, body, asynq.Queue(QueueDefault)), nil
}

// LedgerReconciliationPayload carries scheduling metadata.
type LedgerReconciliationPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewLedgerReconciliationTask constructs a reconciliation task.
func NewLedgerReconciliationTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(LedgerReconciliationPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLedgerReconciliation, body, asynq.Queue(QueueDefault)), nil
}

// IdempotencyCleanupPayload overrides the retention window when positive.
type IdempotencyCleanupPayload struct {
	Retention time.Duration `json:"retention"`
}

// NewIdempotencyCleanupTask constructs a cleanup task.
func NewIdempotencyCleanupTask(retention time.Duration) (*asynq.Task, error) {
	body, err := json.Marshal(IdempotencyCleanupPayload{Retention: retention})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, body, asynq.Queue(QueueDefault)), nil
}
