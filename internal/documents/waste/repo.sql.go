package waste

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/larder-erp/larder/internal/shared"
)

// Repository persists waste reports in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Create(ctx context.Context, doc Report) (Report, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Report{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	doc.ID = uuid.New()
	doc.CreatedAt = now
	doc.UpdatedAt = now
	_, err = tx.Exec(ctx, `
		INSERT INTO waste_reports (id, tenant_id, number, location_id, reason, status, note, created_by, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		doc.ID, doc.TenantID, doc.Number, doc.LocationID, doc.Reason, doc.Status, doc.Note,
		nullUUID(doc.CreatedBy), doc.CreatedAt, doc.UpdatedAt)
	if err != nil {
		return Report{}, fmt.Errorf("insert waste report: %w", err)
	}
	for i := range doc.Lines {
		line := &doc.Lines[i]
		line.ReportID = doc.ID
		err = tx.QueryRow(ctx, `
			INSERT INTO waste_report_lines (report_id, product_id, lot_id, quantity)
			VALUES ($1,$2,$3,$4) RETURNING id`,
			doc.ID, line.ProductID, line.LotID, line.Quantity).Scan(&line.ID)
		if err != nil {
			return Report{}, fmt.Errorf("insert waste report line: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return Report{}, err
	}
	return doc, nil
}

func (r *Repository) Get(ctx context.Context, tenantID, id uuid.UUID) (Report, error) {
	var doc Report
	err := r.pool.QueryRow(ctx, `
		SELECT id, tenant_id, number, location_id, reason, status, note, posted_at, created_by, created_at, updated_at
		FROM waste_reports WHERE tenant_id=$1 AND id=$2`, tenantID, id).
		Scan(&doc.ID, &doc.TenantID, &doc.Number, &doc.LocationID, &doc.Reason, &doc.Status, &doc.Note,
			&doc.PostedAt, &doc.CreatedBy, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Report{}, fmt.Errorf("waste report %s: %w", id, shared.ErrNotFound)
		}
		return Report{}, err
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, report_id, product_id, lot_id, quantity, cost_value
		FROM waste_report_lines WHERE report_id=$1 ORDER BY id`, id)
	if err != nil {
		return Report{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var line Line
		if err := rows.Scan(&line.ID, &line.ReportID, &line.ProductID, &line.LotID, &line.Quantity, &line.CostValue); err != nil {
			return Report{}, err
		}
		doc.Lines = append(doc.Lines, line)
	}
	return doc, rows.Err()
}

func (r *Repository) List(ctx context.Context, tenantID uuid.UUID, status Status, limit, offset int) ([]Report, error) {
	limit, offset = shared.ClampPage(limit, offset)
	query := `
		SELECT id, tenant_id, number, location_id, reason, status, note, posted_at, created_by, created_at, updated_at
		FROM waste_reports WHERE tenant_id=$1`
	args := []any{tenantID}
	if status != "" {
		args = append(args, status)
		query += ` AND status=$2`
	}
	args = append(args, limit, offset)
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var docs []Report
	for rows.Next() {
		var doc Report
		if err := rows.Scan(&doc.ID, &doc.TenantID, &doc.Number, &doc.LocationID, &doc.Reason, &doc.Status,
			&doc.Note, &doc.PostedAt, &doc.CreatedBy, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// SetStatus moves the document from -> to with a compare-and-swap so a
// concurrent transition loses cleanly.
func (r *Repository) SetStatus(ctx context.Context, tenantID, id uuid.UUID, from, to Status, postedAt *time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE waste_reports SET status=$4, posted_at=COALESCE($5, posted_at), updated_at=$6
		WHERE tenant_id=$1 AND id=$2 AND status=$3`,
		tenantID, id, from, to, postedAt, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: waste report %s is no longer %s", shared.ErrInvalidStateTransition, id, from)
	}
	return nil
}

// SetLineCost records the value the approved write-off drained.
func (r *Repository) SetLineCost(ctx context.Context, lineID int64, cost decimal.Decimal) error {
	_, err := r.pool.Exec(ctx, `UPDATE waste_report_lines SET cost_value=$2 WHERE id=$1`, lineID, cost)
	return err
}

func nullUUID(id uuid.NullUUID) any {
	if !id.Valid {
		return nil
	}
	return id.UUID
}
