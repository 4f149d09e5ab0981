package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/larder-erp/larder/internal/jobs"
	"github.com/larder-erp/larder/internal/shared"
)

// IdempotencyCleanupJob prunes processed idempotency keys past the retention
// window so the guard table stays small.
type IdempotencyCleanupJob struct {
	Store            *shared.IdempotencyStore
	Logger           *slog.Logger
	Metrics          *jobmetrics.Metrics
	DefaultRetention time.Duration
}

// NewIdempotencyCleanupJob initialises the cleanup handler.
func NewIdempotencyCleanupJob(store *shared.IdempotencyStore, logger *slog.Logger, metrics *jobmetrics.Metrics, retention time.Duration) *IdempotencyCleanupJob {
	return &IdempotencyCleanupJob{Store: store, Logger: logger, Metrics: metrics, DefaultRetention: retention}
}

// Handle executes the cleanup.
func (j *IdempotencyCleanupJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil {
		return errors.New("idempotency cleanup: handler not configured")
	}
	var payload IdempotencyCleanupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	retention := payload.Retention
	if retention <= 0 {
		retention = j.DefaultRetention
	}
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}

	tracker := j.metrics().Track(TaskIdempotencyCleanup)
	err := j.Store.Cleanup(ctx, retention)
	err = tracker.End(err)
	if err != nil {
		j.logger().Error("idempotency cleanup failed", slog.Any("error", err))
		return err
	}
	j.logger().Info("completed idempotency cleanup", slog.Duration("retention", retention))
	return nil
}

func (j *IdempotencyCleanupJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskIdempotencyCleanup))
	}
	return slog.Default().With(slog.String("job", TaskIdempotencyCleanup))
}

func (j *IdempotencyCleanupJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
