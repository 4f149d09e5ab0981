package counts

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

// Repository persists stock counts in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Create(ctx context.Context, doc Count) (Count, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Count{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	doc.ID = uuid.New()
	doc.CreatedAt = now
	doc.UpdatedAt = now
	_, err = tx.Exec(ctx, `
		INSERT INTO stock_counts (id, tenant_id, number, location_id, status, note, counted_at, created_by, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		doc.ID, doc.TenantID, doc.Number, doc.LocationID, doc.Status, doc.Note, doc.CountedAt,
		nullUUID(doc.CreatedBy), doc.CreatedAt, doc.UpdatedAt)
	if err != nil {
		return Count{}, fmt.Errorf("insert stock count: %w", err)
	}
	for i := range doc.Lines {
		line := &doc.Lines[i]
		line.CountID = doc.ID
		err = tx.QueryRow(ctx, `
			INSERT INTO stock_count_lines (count_id, product_id, lot_id, counted_quantity)
			VALUES ($1,$2,$3,$4) RETURNING id`,
			doc.ID, line.ProductID, line.LotID, line.CountedQty).Scan(&line.ID)
		if err != nil {
			return Count{}, fmt.Errorf("insert stock count line: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return Count{}, err
	}
	return doc, nil
}

func (r *Repository) Get(ctx context.Context, tenantID, id uuid.UUID) (Count, error) {
	var doc Count
	err := r.pool.QueryRow(ctx, `
		SELECT id, tenant_id, number, location_id, status, note, counted_at, posted_at, created_by, created_at, updated_at
		FROM stock_counts WHERE tenant_id=$1 AND id=$2`, tenantID, id).
		Scan(&doc.ID, &doc.TenantID, &doc.Number, &doc.LocationID, &doc.Status, &doc.Note,
			&doc.CountedAt, &doc.PostedAt, &doc.CreatedBy, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Count{}, fmt.Errorf("stock count %s: %w", id, shared.ErrNotFound)
		}
		return Count{}, err
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, count_id, product_id, lot_id, counted_quantity, book_quantity, delta
		FROM stock_count_lines WHERE count_id=$1 ORDER BY id`, id)
	if err != nil {
		return Count{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var line Line
		if err := rows.Scan(&line.ID, &line.CountID, &line.ProductID, &line.LotID,
			&line.CountedQty, &line.BookQuantity, &line.Delta); err != nil {
			return Count{}, err
		}
		doc.Lines = append(doc.Lines, line)
	}
	return doc, rows.Err()
}

func (r *Repository) List(ctx context.Context, tenantID uuid.UUID, status Status, limit, offset int) ([]Count, error) {
	limit, offset = shared.ClampPage(limit, offset)
	query := `
		SELECT id, tenant_id, number, location_id, status, note, counted_at, posted_at, created_by, created_at, updated_at
		FROM stock_counts WHERE tenant_id=$1`
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
	var docs []Count
	for rows.Next() {
		var doc Count
		if err := rows.Scan(&doc.ID, &doc.TenantID, &doc.Number, &doc.LocationID, &doc.Status,
			&doc.Note, &doc.CountedAt, &doc.PostedAt, &doc.CreatedBy, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
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
		UPDATE stock_counts SET status=$4, posted_at=COALESCE($5, posted_at), updated_at=$6
		WHERE tenant_id=$1 AND id=$2 AND status=$3`,
		tenantID, id, from, to, postedAt, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: stock count %s is no longer %s", shared.ErrInvalidStateTransition, id, from)
	}
	return nil
}

// SetLineResult records the book balance and signed delta the posting
// measured for one line.
func (r *Repository) SetLineResult(ctx context.Context, lineID int64, book, delta decimal.Decimal) error {
	_, err := r.pool.Exec(ctx, `UPDATE stock_count_lines SET book_quantity=$2, delta=$3 WHERE id=$1`, lineID, book, delta)
	return err
}

func nullUUID(id uuid.NullUUID) any {
	if !id.Valid {
		return nil
	}
	return id.UUID
}
