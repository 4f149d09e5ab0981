package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	jobmetrics "github.com/larder-erp/larder/internal/jobs"
)

// LedgerReconciliationJob verifies the conservation laws between the stock
// ledger and the cost layers. Any divergence indicates a posting bug, not a
// user error, so findings are surfaced loudly.
type LedgerReconciliationJob struct {
	Pool    *pgxpool.Pool
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewLedgerReconciliationJob initialises the reconciliation handler.
func NewLedgerReconciliationJob(pool *pgxpool.Pool, logger *slog.Logger, metrics *jobmetrics.Metrics) *LedgerReconciliationJob {
	return &LedgerReconciliationJob{Pool: pool, Logger: logger, Metrics: metrics}
}

type divergence struct {
	TenantID  string
	ProductID string
	Kind      string
	Detail    string
}

// Handle executes the reconciliation checks.
func (j *LedgerReconciliationJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil {
		return errors.New("reconciliation: handler not configured")
	}
	var payload LedgerReconciliationPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskLedgerReconciliation)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	findings, err := j.check(ctx)
	if err != nil {
		resultErr = err
		j.logger().Error("reconciliation failed", slog.Any("error", err))
		return resultErr
	}

	for _, d := range findings {
		j.logger().Error("ledger divergence detected",
			slog.String("tenant_id", d.TenantID),
			slog.String("product_id", d.ProductID),
			slog.String("kind", d.Kind),
			slog.String("detail", d.Detail),
		)
		j.metrics().AddDivergences(d.Kind, d.TenantID, 1)
	}

	j.logger().Info("completed reconciliation", slog.Int("divergences", len(findings)))
	return resultErr
}

func (j *LedgerReconciliationJob) check(ctx context.Context) ([]divergence, error) {
	if j.Pool == nil {
		return nil, errors.New("reconciliation: pool not configured")
	}
	var findings []divergence

	// Negative running balances can only appear if the per-key lock was
	// bypassed.
	rows, err := j.Pool.Query(ctx, `
		SELECT tenant_id, product_id, location_id, SUM(quantity) AS balance
		FROM stock_ledger
		GROUP BY tenant_id, product_id, location_id, lot_id
		HAVING SUM(quantity) < 0`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var tenantID, productID, locationID, balance string
		if err := rows.Scan(&tenantID, &productID, &locationID, &balance); err != nil {
			return nil, err
		}
		findings = append(findings, divergence{
			TenantID:  tenantID,
			ProductID: productID,
			Kind:      "negative_balance",
			Detail:    "location " + locationID + " balance " + balance,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Ledger quantity and cost-layer quantity must agree per key: every
	// inbound creates a layer, every outbound drains one.
	layerRows, err := j.Pool.Query(ctx, `
		SELECT e.tenant_id, e.product_id, e.location_id,
		       SUM(e.quantity) AS ledger_balance,
		       COALESCE(l.remaining, 0) AS layer_balance
		FROM stock_ledger e
		LEFT JOIN (
			SELECT tenant_id, product_id, location_id, SUM(quantity_remaining) AS remaining
			FROM cost_layers
			GROUP BY tenant_id, product_id, location_id
		) l USING (tenant_id, product_id, location_id)
		GROUP BY e.tenant_id, e.product_id, e.location_id, l.remaining
		HAVING SUM(e.quantity) <> COALESCE(l.remaining, 0)`)
	if err != nil {
		return nil, err
	}
	defer layerRows.Close()
	for layerRows.Next() {
		var tenantID, productID, locationID, ledgerBalance, layerBalance string
		if err := layerRows.Scan(&tenantID, &productID, &locationID, &ledgerBalance, &layerBalance); err != nil {
			return nil, err
		}
		findings = append(findings, divergence{
			TenantID:  tenantID,
			ProductID: productID,
			Kind:      "layer_mismatch",
			Detail:    "location " + locationID + " ledger " + ledgerBalance + " layers " + layerBalance,
		})
	}
	if err := layerRows.Err(); err != nil {
		return nil, err
	}

	// Consumptions against a layer must account exactly for what left it.
	consRows, err := j.Pool.Query(ctx, `
		SELECT cl.tenant_id, cl.product_id, cl.id,
		       cl.quantity_received - cl.quantity_remaining AS drained,
		       COALESCE(SUM(c.quantity), 0) AS consumed
		FROM cost_layers cl
		LEFT JOIN cost_layer_consumptions c ON c.layer_id = cl.id
		GROUP BY cl.tenant_id, cl.product_id, cl.id
		HAVING cl.quantity_received - cl.quantity_remaining <> COALESCE(SUM(c.quantity), 0)`)
	if err != nil {
		return nil, err
	}
	defer consRows.Close()
	for consRows.Next() {
		var tenantID, productID, layerID, drained, consumed string
		if err := consRows.Scan(&tenantID, &productID, &layerID, &drained, &consumed); err != nil {
			return nil, err
		}
		findings = append(findings, divergence{
			TenantID:  tenantID,
			ProductID: productID,
			Kind:      "consumption_mismatch",
			Detail:    "layer " + layerID + " drained " + drained + " consumed " + consumed,
		})
	}
	return findings, consRows.Err()
}

func (j *LedgerReconciliationJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskLedgerReconciliation))
	}
	return slog.Default().With(slog.String("job", TaskLedgerReconciliation))
}

func (j *LedgerReconciliationJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
