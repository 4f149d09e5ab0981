package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/larder-erp/larder/internal/platform/db"
	"github.com/larder-erp/larder/internal/shared"
)

// Repository persists point-of-sale orders in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Create(ctx context.Context, doc Order) (Order, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Order{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	doc.ID = uuid.New()
	doc.CreatedAt = now
	doc.UpdatedAt = now
	_, err = tx.Exec(ctx, `
		INSERT INTO pos_orders (id, tenant_id, number, location_id, status, note, created_by, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		doc.ID, doc.TenantID, doc.Number, doc.LocationID, doc.Status, doc.Note,
		nullUUID(doc.CreatedBy), doc.CreatedAt, doc.UpdatedAt)
	if err != nil {
		return Order{}, fmt.Errorf("insert pos order: %w", err)
	}
	for i := range doc.Lines {
		line := &doc.Lines[i]
		line.OrderID = doc.ID
		err = tx.QueryRow(ctx, `
			INSERT INTO pos_order_lines (order_id, product_id, lot_id, quantity, unit_price)
			VALUES ($1,$2,$3,$4,$5) RETURNING id`,
			doc.ID, line.ProductID, line.LotID, line.Quantity, line.UnitPrice).Scan(&line.ID)
		if err != nil {
			return Order{}, fmt.Errorf("insert pos order line: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return Order{}, err
	}
	return doc, nil
}

func (r *Repository) Get(ctx context.Context, tenantID, id uuid.UUID) (Order, error) {
	var doc Order
	err := r.pool.QueryRow(ctx, `
		SELECT id, tenant_id, number, location_id, status, note, confirmed_at, completed_at, created_by, created_at, updated_at
		FROM pos_orders WHERE tenant_id=$1 AND id=$2`, tenantID, id).
		Scan(&doc.ID, &doc.TenantID, &doc.Number, &doc.LocationID, &doc.Status, &doc.Note,
			&doc.ConfirmedAt, &doc.CompletedAt, &doc.CreatedBy, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Order{}, fmt.Errorf("pos order %s: %w", id, shared.ErrNotFound)
		}
		return Order{}, err
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, order_id, product_id, lot_id, quantity, unit_price, cost_value
		FROM pos_order_lines WHERE order_id=$1 ORDER BY id`, id)
	if err != nil {
		return Order{}, err
	}
	defer rows.Close()
	lineIndex := make(map[int64]int)
	for rows.Next() {
		var line Line
		if err := rows.Scan(&line.ID, &line.OrderID, &line.ProductID, &line.LotID,
			&line.Quantity, &line.UnitPrice, &line.CostValue); err != nil {
			return Order{}, err
		}
		lineIndex[line.ID] = len(doc.Lines)
		doc.Lines = append(doc.Lines, line)
	}
	if err := rows.Err(); err != nil {
		return Order{}, err
	}

	pickRows, err := r.pool.Query(ctx, `
		SELECT p.id, p.line_id, p.lot_id, p.lot_number, p.quantity
		FROM pos_order_picks p
		JOIN pos_order_lines l ON l.id = p.line_id
		WHERE l.order_id=$1 ORDER BY p.id`, id)
	if err != nil {
		return Order{}, err
	}
	defer pickRows.Close()
	for pickRows.Next() {
		var pick LinePick
		if err := pickRows.Scan(&pick.ID, &pick.LineID, &pick.LotID, &pick.LotNumber, &pick.Quantity); err != nil {
			return Order{}, err
		}
		if i, ok := lineIndex[pick.LineID]; ok {
			doc.Lines[i].Picks = append(doc.Lines[i].Picks, pick)
		}
	}
	return doc, pickRows.Err()
}

func (r *Repository) List(ctx context.Context, tenantID uuid.UUID, status Status, limit, offset int) ([]Order, error) {
	limit, offset = shared.ClampPage(limit, offset)
	query := `
		SELECT id, tenant_id, number, location_id, status, note, confirmed_at, completed_at, created_by, created_at, updated_at
		FROM pos_orders WHERE tenant_id=$1`
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
	var docs []Order
	for rows.Next() {
		var doc Order
		if err := rows.Scan(&doc.ID, &doc.TenantID, &doc.Number, &doc.LocationID, &doc.Status,
			&doc.Note, &doc.ConfirmedAt, &doc.CompletedAt, &doc.CreatedBy, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// SetStatus moves the document from -> to with a compare-and-swap so a
// concurrent transition loses cleanly.
func (r *Repository) SetStatus(ctx context.Context, tenantID, id uuid.UUID, from, to Status, at *time.Time) error {
	column := "confirmed_at"
	if to == StatusCompleted {
		column = "completed_at"
	}
	tag, err := r.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE pos_orders SET status=$4, %s=COALESCE($5, %s), updated_at=$6
		WHERE tenant_id=$1 AND id=$2 AND status=$3`, column, column),
		tenantID, id, from, to, at, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: pos order %s is no longer %s", shared.ErrInvalidStateTransition, id, from)
	}
	return nil
}

// SetLineCost records the cost of goods the confirmation drained for a line.
func (r *Repository) SetLineCost(ctx context.Context, lineID int64, cost decimal.Decimal) error {
	_, err := r.pool.Exec(ctx, `UPDATE pos_order_lines SET cost_value=$2 WHERE id=$1`, lineID, cost)
	return err
}

// SavePicks replaces the recorded lot picks for one line.
func (r *Repository) SavePicks(ctx context.Context, lineID int64, picks []LinePick) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM pos_order_picks WHERE line_id=$1`, lineID); err != nil {
			return err
		}
		for _, pick := range picks {
			_, err := tx.Exec(ctx, `
				INSERT INTO pos_order_picks (line_id, lot_id, lot_number, quantity)
				VALUES ($1,$2,$3,$4)`,
				lineID, pick.LotID, pick.LotNumber, pick.Quantity)
			if err != nil {
				return fmt.Errorf("insert pos order pick: %w", err)
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
