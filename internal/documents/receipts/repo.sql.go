package receipts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/larder-erp/larder/internal/shared"
)

// Repository persists goods receipts in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Create(ctx context.Context, doc GoodsReceipt) (GoodsReceipt, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return GoodsReceipt{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	doc.ID = uuid.New()
	doc.CreatedAt = now
	doc.UpdatedAt = now
	_, err = tx.Exec(ctx, `
		INSERT INTO goods_receipts (id, tenant_id, number, location_id, supplier_ref, status, received_at, note, created_by, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		doc.ID, doc.TenantID, doc.Number, doc.LocationID, doc.SupplierRef, doc.Status, doc.ReceivedAt, doc.Note,
		nullUUID(doc.CreatedBy), doc.CreatedAt, doc.UpdatedAt)
	if err != nil {
		return GoodsReceipt{}, fmt.Errorf("insert goods receipt: %w", err)
	}
	for i := range doc.Lines {
		line := &doc.Lines[i]
		line.ReceiptID = doc.ID
		err = tx.QueryRow(ctx, `
			INSERT INTO goods_receipt_lines (receipt_id, product_id, quantity, unit_cost, lot_number, expiry_date)
			VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`,
			doc.ID, line.ProductID, line.Quantity, line.UnitCost, line.LotNumber, line.ExpiryDate).Scan(&line.ID)
		if err != nil {
			return GoodsReceipt{}, fmt.Errorf("insert goods receipt line: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return GoodsReceipt{}, err
	}
	return doc, nil
}

func (r *Repository) Get(ctx context.Context, tenantID, id uuid.UUID) (GoodsReceipt, error) {
	var doc GoodsReceipt
	err := r.pool.QueryRow(ctx, `
		SELECT id, tenant_id, number, location_id, supplier_ref, status, received_at, note, posted_at, created_by, created_at, updated_at
		FROM goods_receipts WHERE tenant_id=$1 AND id=$2`, tenantID, id).
		Scan(&doc.ID, &doc.TenantID, &doc.Number, &doc.LocationID, &doc.SupplierRef, &doc.Status, &doc.ReceivedAt,
			&doc.Note, &doc.PostedAt, &doc.CreatedBy, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return GoodsReceipt{}, fmt.Errorf("goods receipt %s: %w", id, shared.ErrNotFound)
		}
		return GoodsReceipt{}, err
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, receipt_id, product_id, quantity, unit_cost, lot_number, expiry_date, lot_id
		FROM goods_receipt_lines WHERE receipt_id=$1 ORDER BY id`, id)
	if err != nil {
		return GoodsReceipt{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var line Line
		if err := rows.Scan(&line.ID, &line.ReceiptID, &line.ProductID, &line.Quantity, &line.UnitCost,
			&line.LotNumber, &line.ExpiryDate, &line.LotID); err != nil {
			return GoodsReceipt{}, err
		}
		doc.Lines = append(doc.Lines, line)
	}
	return doc, rows.Err()
}

func (r *Repository) List(ctx context.Context, tenantID uuid.UUID, status Status, limit, offset int) ([]GoodsReceipt, error) {
	limit, offset = shared.ClampPage(limit, offset)
	query := `
		SELECT id, tenant_id, number, location_id, supplier_ref, status, received_at, note, posted_at, created_by, created_at, updated_at
		FROM goods_receipts WHERE tenant_id=$1`
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
	var docs []GoodsReceipt
	for rows.Next() {
		var doc GoodsReceipt
		if err := rows.Scan(&doc.ID, &doc.TenantID, &doc.Number, &doc.LocationID, &doc.SupplierRef, &doc.Status,
			&doc.ReceivedAt, &doc.Note, &doc.PostedAt, &doc.CreatedBy, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
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
		UPDATE goods_receipts SET status=$4, posted_at=COALESCE($5, posted_at), updated_at=$6
		WHERE tenant_id=$1 AND id=$2 AND status=$3`,
		tenantID, id, from, to, postedAt, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: goods receipt %s is no longer %s", shared.ErrInvalidStateTransition, id, from)
	}
	return nil
}

// SetLineLot records the lot a posted line was received into.
func (r *Repository) SetLineLot(ctx context.Context, lineID int64, lotID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `UPDATE goods_receipt_lines SET lot_id=$2 WHERE id=$1`, lineID, lotID)
	return err
}

func nullUUID(id uuid.NullUUID) any {
	if !id.Valid {
		return nil
	}
	return id.UUID
}
