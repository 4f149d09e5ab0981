package locations

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
	List(ctx context.Context, tenantID uuid.UUID, filters shared.ListFilters) ([]Location, int, error)
	Get(ctx context.Context, tenantID, id uuid.UUID) (Location, error)
	Create(ctx context.Context, location Location) (Location, error)
	Update(ctx context.Context, location Location) error
	Deactivate(ctx context.Context, tenantID, id uuid.UUID) error
}

type repository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}

const locationColumns = `id, tenant_id, code, name, kind, is_active, created_at, updated_at`

func (r *repository) List(ctx context.Context, tenantID uuid.UUID, filters shared.ListFilters) ([]Location, int, error) {
	filters = filters.Normalize()
	where := ` WHERE tenant_id = $1`
	args := []any{tenantID}

	if filters.Search != "" {
		args = append(args, "%"+filters.Search+"%")
		n := strconv.Itoa(len(args))
		where += ` AND (name ILIKE $` + n + ` OR code ILIKE $` + n + `)`
	}
	if filters.Kind != "" {
		args = append(args, filters.Kind)
		where += ` AND kind = $` + strconv.Itoa(len(args))
	}
	if filters.IsActive != nil {
		args = append(args, *filters.IsActive)
		where += ` AND is_active = $` + strconv.Itoa(len(args))
	}

	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM locations`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count locations: %w", err)
	}

	query := `SELECT ` + locationColumns + ` FROM locations` + where + ` ORDER BY code ASC`
	args = append(args, filters.Limit, filters.Offset())
	query += ` LIMIT $` + strconv.Itoa(len(args)-1) + ` OFFSET $` + strconv.Itoa(len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list locations: %w", err)
	}
	defer rows.Close()

	var locs []Location
	for rows.Next() {
		l, err := scanLocation(rows)
		if err != nil {
			return nil, 0, err
		}
		locs = append(locs, l)
	}
	return locs, total, rows.Err()
}

func (r *repository) Get(ctx context.Context, tenantID, id uuid.UUID) (Location, error) {
	row := r.db.QueryRow(ctx, `SELECT `+locationColumns+` FROM locations WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	l, err := scanLocation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Location{}, fmt.Errorf("location %s: %w", id, internalShared.ErrNotFound)
	}
	return l, err
}

func (r *repository) Create(ctx context.Context, location Location) (Location, error) {
	now := time.Now().UTC()
	location.ID = uuid.New()
	location.CreatedAt = now
	location.UpdatedAt = now
	_, err := r.db.Exec(ctx, `
		INSERT INTO locations (id, tenant_id, code, name, kind, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		location.ID, location.TenantID, location.Code, location.Name, location.Kind, location.IsActive,
		location.CreatedAt, location.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return Location{}, fmt.Errorf("%w: location code %q already exists", internalShared.ErrValidation, location.Code)
		}
		return Location{}, fmt.Errorf("create location: %w", err)
	}
	return location, nil
}

func (r *repository) Update(ctx context.Context, location Location) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE locations SET code = $3, name = $4, kind = $5, is_active = $6, updated_at = $7
		WHERE tenant_id = $1 AND id = $2`,
		location.TenantID, location.ID, location.Code, location.Name, location.Kind, location.IsActive,
		time.Now().UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: location code %q already exists", internalShared.ErrValidation, location.Code)
		}
		return fmt.Errorf("update location: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("location %s: %w", location.ID, internalShared.ErrNotFound)
	}
	return nil
}

func (r *repository) Deactivate(ctx context.Context, tenantID, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `UPDATE locations SET is_active = false, updated_at = $3 WHERE tenant_id = $1 AND id = $2`, tenantID, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("deactivate location: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("location %s: %w", id, internalShared.ErrNotFound)
	}
	return nil
}

func scanLocation(row pgx.Row) (Location, error) {
	var l Location
	err := row.Scan(&l.ID, &l.TenantID, &l.Code, &l.Name, &l.Kind, &l.IsActive, &l.CreatedAt, &l.UpdatedAt)
	return l, err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
