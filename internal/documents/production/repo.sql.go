package production

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

// Repository persists production orders in PostgreSQL.
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
		INSERT INTO production_orders (id, tenant_id, number, location_id, output_product_id, output_quantity, output_lot_number, status, note, created_by, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		doc.ID, doc.TenantID, doc.Number, doc.LocationID, doc.OutputProductID, doc.OutputQuantity, doc.OutputLotNumber,
		doc.Status, doc.Note, nullUUID(doc.CreatedBy), doc.CreatedAt, doc.UpdatedAt)
	if err != nil {
		return Order{}, fmt.Errorf("insert production order: %w", err)
	}
	for i := range doc.Ingredients {
		ing := &doc.Ingredients[i]
		ing.OrderID = doc.ID
		err = tx.QueryRow(ctx, `
			INSERT INTO production_ingredients (order_id, product_id, quantity)
			VALUES ($1,$2,$3) RETURNING id`,
			doc.ID, ing.ProductID, ing.Quantity).Scan(&ing.ID)
		if err != nil {
			return Order{}, fmt.Errorf("insert production ingredient: %w", err)
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
		SELECT id, tenant_id, number, location_id, output_product_id, output_quantity, output_lot_number, output_lot_id, output_unit_cost, status, note, started_at, completed_at, created_by, created_at, updated_at
		FROM production_orders WHERE tenant_id=$1 AND id=$2`, tenantID, id).
		Scan(&doc.ID, &doc.TenantID, &doc.Number, &doc.LocationID, &doc.OutputProductID, &doc.OutputQuantity,
			&doc.OutputLotNumber, &doc.OutputLotID, &doc.OutputUnitCost, &doc.Status, &doc.Note,
			&doc.StartedAt, &doc.CompletedAt, &doc.CreatedBy, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Order{}, fmt.Errorf("production order %s: %w", id, shared.ErrNotFound)
		}
		return Order{}, err
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, order_id, product_id, quantity, consumed_cost
		FROM production_ingredients WHERE order_id=$1 ORDER BY id`, id)
	if err != nil {
		return Order{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var ing Ingredient
		if err := rows.Scan(&ing.ID, &ing.OrderID, &ing.ProductID, &ing.Quantity, &ing.ConsumedCost); err != nil {
			return Order{}, err
		}
		doc.Ingredients = append(doc.Ingredients, ing)
	}
	return doc, rows.Err()
}

func (r *Repository) List(ctx context.Context, tenantID uuid.UUID, status Status, limit, offset int) ([]Order, error) {
	limit, offset = shared.ClampPage(limit, offset)
	query := `
		SELECT id, tenant_id, number, location_id, output_product_id, output_quantity, output_lot_number, output_lot_id, output_unit_cost, status, note, started_at, completed_at, created_by, created_at, updated_at
		FROM production_orders WHERE tenant_id=$1`
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
		if err := rows.Scan(&doc.ID, &doc.TenantID, &doc.Number, &doc.LocationID, &doc.OutputProductID,
			&doc.OutputQuantity, &doc.OutputLotNumber, &doc.OutputLotID, &doc.OutputUnitCost, &doc.Status,
			&doc.Note, &doc.StartedAt, &doc.CompletedAt, &doc.CreatedBy, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
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
	case StatusInProgress:
		column = "started_at"
	case StatusCompleted:
		column = "completed_at"
	}
	query := `UPDATE production_orders SET status=$4, updated_at=$5 WHERE tenant_id=$1 AND id=$2 AND status=$3`
	args := []any{tenantID, id, from, to, time.Now().UTC()}
	if column != "" && at != nil {
		query = fmt.Sprintf(`UPDATE production_orders SET status=$4, %s=$6, updated_at=$5 WHERE tenant_id=$1 AND id=$2 AND status=$3`, column)
		args = append(args, at)
	}
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: production order %s is no longer %s", shared.ErrInvalidStateTransition, id, from)
	}
	return nil
}

// SetOutput records the lot and unit cost the completed run produced.
func (r *Repository) SetOutput(ctx context.Context, tenantID, id uuid.UUID, lotID uuid.NullUUID, unitCost decimal.Decimal) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE production_orders SET output_lot_id=$3, output_unit_cost=$4, updated_at=$5
		WHERE tenant_id=$1 AND id=$2`,
		tenantID, id, lotID, unitCost, time.Now().UTC())
	return err
}

// SetIngredientCost records what one ingredient's picks actually cost.
func (r *Repository) SetIngredientCost(ctx context.Context, ingredientID int64, cost decimal.Decimal) error {
	_, err := r.pool.Exec(ctx, `UPDATE production_ingredients SET consumed_cost=$2 WHERE id=$1`, ingredientID, cost)
	return err
}

func nullUUID(id uuid.NullUUID) any {
	if !id.Valid {
		return nil
	}
	return id.UUID
}
