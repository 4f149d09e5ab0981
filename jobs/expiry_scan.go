package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	jobmetrics "github.com/larder-erp/larder/internal/jobs"
)

// ExpiryScanJob walks lot balances and reports lots that are expired or will
// expire within the payload horizon while still carrying stock.
type ExpiryScanJob struct {
	Pool    *pgxpool.Pool
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewExpiryScanJob initialises the expiry scan handler.
func NewExpiryScanJob(pool *pgxpool.Pool, logger *slog.Logger, metrics *jobmetrics.Metrics) *ExpiryScanJob {
	return &ExpiryScanJob{
		Pool:    pool,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

type expiringLot struct {
	TenantID   string
	Product    string
	LotNumber  string
	ExpiryDate time.Time
	Balance    string
}

// Handle executes the expiry scan.
func (j *ExpiryScanJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil {
		return errors.New("expiry scan: handler not configured")
	}
	var payload ExpiryScanPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.HorizonDays <= 0 {
		payload.HorizonDays = 7
	}

	tracker := j.metrics().Track(TaskExpiryScan)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	now := j.now()
	expired, expiring, err := j.scan(ctx, now, now.AddDate(0, 0, payload.HorizonDays))
	if err != nil {
		resultErr = err
		j.logger().Error("expiry scan failed", slog.Any("error", err))
		return resultErr
	}

	for _, lot := range expired {
		j.logger().Warn("expired lot still holds stock",
			slog.String("tenant_id", lot.TenantID),
			slog.String("product", lot.Product),
			slog.String("lot_number", lot.LotNumber),
			slog.Time("expiry_date", lot.ExpiryDate),
			slog.String("balance", lot.Balance),
		)
	}
	for _, lot := range expiring {
		j.logger().Info("lot expiring soon",
			slog.String("tenant_id", lot.TenantID),
			slog.String("product", lot.Product),
			slog.String("lot_number", lot.LotNumber),
			slog.Time("expiry_date", lot.ExpiryDate),
			slog.String("balance", lot.Balance),
		)
	}
	j.metrics().SetExpiringLots("expired", len(expired))
	j.metrics().SetExpiringLots("expiring_soon", len(expiring))

	j.logger().Info("completed expiry scan",
		slog.Int("horizon_days", payload.HorizonDays),
		slog.Int("expired", len(expired)),
		slog.Int("expiring_soon", len(expiring)),
	)
	return resultErr
}

func (j *ExpiryScanJob) scan(ctx context.Context, now, horizon time.Time) (expired, expiring []expiringLot, err error) {
	if j.Pool == nil {
		return nil, nil, errors.New("expiry scan: pool not configured")
	}
	rows, err := j.Pool.Query(ctx, `
		SELECT l.tenant_id, p.code, l.lot_number, l.expiry_date, SUM(e.quantity) AS balance
		FROM lots l
		JOIN products p ON p.id = l.product_id
		JOIN stock_ledger e ON e.lot_id = l.id
		WHERE l.expiry_date IS NOT NULL AND l.expiry_date <= $1
		GROUP BY l.tenant_id, p.code, l.lot_number, l.expiry_date
		HAVING SUM(e.quantity) > 0
		ORDER BY l.expiry_date`, horizon)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var lot expiringLot
		if err := rows.Scan(&lot.TenantID, &lot.Product, &lot.LotNumber, &lot.ExpiryDate, &lot.Balance); err != nil {
			return nil, nil, err
		}
		if lot.ExpiryDate.Before(now) {
			expired = append(expired, lot)
		} else {
			expiring = append(expiring, lot)
		}
	}
	return expired, expiring, rows.Err()
}

func (j *ExpiryScanJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskExpiryScan))
	}
	return slog.Default().With(slog.String("job", TaskExpiryScan))
}

func (j *ExpiryScanJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *ExpiryScanJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
