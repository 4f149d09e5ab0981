package transfers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/larder-erp/larder/internal/platform/db"
	"github.com/larder-erp/larder/internal/shared"
)

// Repository persists stock transfers in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Create(ctx context.Context, doc Transfer) (Transfer, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Transfer{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	doc.ID = uuid.New()
	doc.CreatedAt = now
	doc.UpdatedAt = now
	_, err = tx.Exec(ctx, `
		INSERT INTO stock_transfers (id, tenant_id, number, from_location_id, to_location_id, status, note, created_by, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		doc.ID, doc.TenantID, doc.Number, doc.FromLocationID, doc.ToLocationID, doc.Status, doc.Note,
		nullUUID(doc.CreatedBy), doc.CreatedAt, doc.UpdatedAt)
	if err != nil {
		return Transfer{}, fmt.Errorf("insert stock transfer: %w", err)
	}
	for i := range doc.Lines {
		line := &doc.Lines[i]
		line.TransferID = doc.ID
		err = tx.QueryRow(ctx, `
			INSERT INTO stock_transfer_lines (transfer_id, product_id, quantity)
			VALUES ($1,$2,$3) RETURNING id`,
			doc.ID, line.ProductID, line.Quantity).Scan(&line.ID)
		if err != nil {
			return Transfer{}, fmt.Errorf("insert stock transfer line: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return Transfer{}, err
	}
	return doc, nil
}

func (r *Repository) Get(ctx context.Context, tenantID, id uuid.UUID) (Transfer, error) {
	var doc Transfer
	err := r.pool.QueryRow(ctx, `
		SELECT id, tenant_id, number, from_location_id, to_location_id, status, note, dispatched_at, received_at, created_by, created_at, updated_at
		FROM stock_transfers WHERE tenant_id=$1 AND id=$2`, tenantID, id).
		Scan(&doc.ID, &doc.TenantID, &doc.Number, &doc.FromLocationID, &doc.ToLocationID, &doc.Status, &doc.Note,
			&doc.DispatchedAt, &doc.ReceivedAt, &doc.CreatedBy, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transfer{}, fmt.Errorf("stock transfer %s: %w", id, shared.ErrNotFound)
		}
		return Transfer{}, err
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, transfer_id, product_id, quantity
		FROM stock_transfer_lines WHERE transfer_id=$1 ORDER BY id`, id)
	if err != nil {
		return Transfer{}, err
	}
	defer rows.Close()
	lineIndex := make(map[int64]int)
	for rows.Next() {
		var line Line
		if err := rows.Scan(&line.ID, &line.TransferID, &line.ProductID, &line.Quantity); err != nil {
			return Transfer{}, err
		}
		lineIndex[line.ID] = len(doc.Lines)
		doc.Lines = append(doc.Lines, line)
	}
	if err := rows.Err(); err != nil {
		return Transfer{}, err
	}

	allocRows, err := r.pool.Query(ctx, `
		SELECT a.id, a.line_id, a.lot_id, a.lot_number, a.quantity, a.unit_cost
		FROM stock_transfer_allocations a
		JOIN stock_transfer_lines l ON l.id = a.line_id
		WHERE l.transfer_id=$1 ORDER BY a.id`, id)
	if err != nil {
		return Transfer{}, err
	}
	defer allocRows.Close()
	for allocRows.Next() {
		var alloc LineAllocation
		if err := allocRows.Scan(&alloc.ID, &alloc.LineID, &alloc.LotID, &alloc.LotNumber, &alloc.Quantity, &alloc.UnitCost); err != nil {
			return Transfer{}, err
		}
		if i, ok := lineIndex[alloc.LineID]; ok {
			doc.Lines[i].Allocations = append(doc.Lines[i].Allocations, alloc)
		}
	}
	return doc, allocRows.Err()
}

func (r *Repository) List(ctx context.Context, tenantID uuid.UUID, status Status, limit, offset int) ([]Transfer, error) {
	limit, offset = shared.ClampPage(limit, offset)
	query := `
		SELECT id, tenant_id, number, from_location_id, to_location_id, status, note, dispatched_at, received_at, created_by, created_at, updated_at
		FROM stock_transfers WHERE tenant_id=$1`
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
	var docs []Transfer
	for rows.Next() {
		var doc Transfer
		if err := rows.Scan(&doc.ID, &doc.TenantID, &doc.Number, &doc.FromLocationID, &doc.ToLocationID, &doc.Status,
			&doc.Note, &doc.DispatchedAt, &doc.ReceivedAt, &doc.CreatedBy, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// SetStatus moves the document from -> to with a compare-and-swap so a
// concurrent transition loses cleanly.
func (r *Repository) SetStatus(ctx context.Context, tenantID, id uuid.UUID, from, to Status, at *time.Time) error {
	var column string
	switch to {
	case StatusInTransit:
		column = "dispatched_at"
	case StatusCompleted:
		column = "received_at"
	default:
		column = ""
	}
	query := `UPDATE stock_transfers SET status=$4, updated_at=$5 WHERE tenant_id=$1 AND id=$2 AND status=$3`
	args := []any{tenantID, id, from, to, time.Now().UTC()}
	if column != "" && at != nil {
		query = fmt.Sprintf(`UPDATE stock_transfers SET status=$4, %s=$6, updated_at=$5 WHERE tenant_id=$1 AND id=$2 AND status=$3`, column)
		args = append(args, at)
	}
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: stock transfer %s is no longer %s", shared.ErrInvalidStateTransition, id, from)
	}
	return nil
}

// SaveAllocations replaces the stored lot picks of one line.
func (r *Repository) SaveAllocations(ctx context.Context, lineID int64, allocations []LineAllocation) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM stock_transfer_allocations WHERE line_id=$1`, lineID); err != nil {
			return err
		}
		for _, alloc := range allocations {
			_, err := tx.Exec(ctx, `
				INSERT INTO stock_transfer_allocations (line_id, lot_id, lot_number, quantity, unit_cost)
				VALUES ($1,$2,$3,$4,$5)`,
				lineID, alloc.LotID, alloc.LotNumber, alloc.Quantity, alloc.UnitCost)
			if err != nil {
				return fmt.Errorf("insert transfer allocation: %w", err)
			}
		}
		return nil
	})
}

func nullUUID(id uuid.NullUUID) any {
	if !id.Valid {
		return nil
	}
	return id.UUID
}
