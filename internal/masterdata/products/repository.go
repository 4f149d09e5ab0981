package products

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/larder-erp/larder/internal/masterdata/shared"
	internalShared "github.com/larder-erp/larder/internal/shared"
)

type Repository interface {
	List(ctx context.Context, tenantID uuid.UUID, filters shared.ListFilters) ([]Product, int, error)
	Get(ctx context.Context, tenantID, id uuid.UUID) (Product, error)
	GetByCode(ctx context.Context, tenantID uuid.UUID, code string) (Product, error)
	Create(ctx context.Context, product Product) (Product, error)
	Update(ctx context.Context, product Product) error
	Deactivate(ctx context.Context, tenantID, id uuid.UUID) error
}

type repository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}

const productColumns = `id, tenant_id, code, name, base_unit, standard_cost, lot_tracked, perishable, fefo_policy, shelf_life_days, is_active, created_at, updated_at`

func (r *repository) List(ctx context.Context, tenantID uuid.UUID, filters shared.ListFilters) ([]Product, int, error) {
	filters = filters.Normalize()
	where := ` WHERE tenant_id = $1`
	args := []any{tenantID}

	if filters.Search != "" {
		args = append(args, "%"+filters.Search+"%")
		n := strconv.Itoa(len(args))
		where += ` AND (name ILIKE $` + n + ` OR code ILIKE $` + n + `)`
	}
	if filters.IsActive != nil {
		args = append(args, *filters.IsActive)
		where += ` AND is_active = $` + strconv.Itoa(len(args))
	}
	if filters.LotTracked != nil {
		args = append(args, *filters.LotTracked)
		where += ` AND lot_tracked = $` + strconv.Itoa(len(args))
	}

	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM products`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count products: %w", err)
	}

	query := `SELECT ` + productColumns + ` FROM products` + where + ` ORDER BY ` + sortOrder(filters.SortBy, filters.SortDir)
	args = append(args, filters.Limit, filters.Offset())
	query += ` LIMIT $` + strconv.Itoa(len(args)-1) + ` OFFSET $` + strconv.Itoa(len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	var products []Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, 0, err
		}
		products = append(products, p)
	}
	return products, total, rows.Err()
}

func (r *repository) Get(ctx context.Context, tenantID, id uuid.UUID) (Product, error) {
	row := r.db.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	p, err := scanProduct(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, fmt.Errorf("product %s: %w", id, internalShared.ErrNotFound)
	}
	return p, err
}

func (r *repository) GetByCode(ctx context.Context, tenantID uuid.UUID, code string) (Product, error) {
	row := r.db.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE tenant_id = $1 AND code = $2`, tenantID, code)
	p, err := scanProduct(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, fmt.Errorf("product code %s: %w", code, internalShared.ErrNotFound)
	}
	return p, err
}

func (r *repository) Create(ctx context.Context, product Product) (Product, error) {
	now := time.Now().UTC()
	product.ID = uuid.New()
	product.CreatedAt = now
	product.UpdatedAt = now
	_, err := r.db.Exec(ctx, `
		INSERT INTO products (id, tenant_id, code, name, base_unit, standard_cost, lot_tracked, perishable, fefo_policy, shelf_life_days, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		product.ID, product.TenantID, product.Code, product.Name, product.BaseUnit, product.StandardCost,
		product.LotTracked, product.Perishable, product.FEFOPolicy, product.ShelfLifeDays, product.IsActive,
		product.CreatedAt, product.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return Product{}, fmt.Errorf("%w: product code %q already exists", internalShared.ErrValidation, product.Code)
		}
		return Product{}, fmt.Errorf("create product: %w", err)
	}
	return product, nil
}

func (r *repository) Update(ctx context.Context, product Product) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE products
		SET code = $3, name = $4, base_unit = $5, standard_cost = $6, lot_tracked = $7,
		    perishable = $8, fefo_policy = $9, shelf_life_days = $10, is_active = $11, updated_at = $12
		WHERE tenant_id = $1 AND id = $2`,
		product.TenantID, product.ID, product.Code, product.Name, product.BaseUnit, product.StandardCost,
		product.LotTracked, product.Perishable, product.FEFOPolicy, product.ShelfLifeDays, product.IsActive,
		time.Now().UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: product code %q already exists", internalShared.ErrValidation, product.Code)
		}
		return fmt.Errorf("update product: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("product %s: %w", product.ID, internalShared.ErrNotFound)
	}
	return nil
}

// Deactivate soft-deletes; ledger history must keep resolving product ids.
func (r *repository) Deactivate(ctx context.Context, tenantID, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `UPDATE products SET is_active = false, updated_at = $3 WHERE tenant_id = $1 AND id = $2`, tenantID, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("deactivate product: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("product %s: %w", id, internalShared.ErrNotFound)
	}
	return nil
}

func scanProduct(row pgx.Row) (Product, error) {
	var p Product
	err := row.Scan(&p.ID, &p.TenantID, &p.Code, &p.Name, &p.BaseUnit, &p.StandardCost,
		&p.LotTracked, &p.Perishable, &p.FEFOPolicy, &p.ShelfLifeDays, &p.IsActive, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func sortOrder(sortBy, sortDir string) string {
	dir := "ASC"
	if sortDir == shared.SortDesc {
		dir = "DESC"
	}
	switch sortBy {
	case "code":
		return "code " + dir
	case "created_at":
		return "created_at " + dir
	default:
		return "name " + dir
	}
}
