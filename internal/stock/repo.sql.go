package stock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/larder-erp/larder/internal/shared"
)

// Repository persists the stock ledger, lots and cost layers in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations used by the posting engine.
// Every mutation of cost layers happens through this interface inside the same
// transaction as the ledger append that triggered it.
type TxRepository interface {
	AcquireKeyLock(ctx context.Context, token string) error
	GetProduct(ctx context.Context, tenantID, productID uuid.UUID) (ProductRef, error)
	LocationExists(ctx context.Context, tenantID, locationID uuid.UUID) error
	GetLot(ctx context.Context, tenantID uuid.UUID, lotID uuid.UUID) (Lot, error)
	FindLot(ctx context.Context, tenantID, productID, locationID uuid.UUID, lotNumber string) (Lot, error)
	InsertLot(ctx context.Context, lot Lot) (Lot, error)
	ClaimReference(ctx context.Context, tenantID uuid.UUID, ref Reference) error
	InsertEntry(ctx context.Context, entry LedgerEntry) (LedgerEntry, error)
	KeyBalance(ctx context.Context, key Key, cutoff time.Time) (decimal.Decimal, error)
	LayersForUpdate(ctx context.Context, key Key) ([]CostLayer, error)
	InsertLayer(ctx context.Context, layer CostLayer) (CostLayer, error)
	UpdateLayerRemaining(ctx context.Context, layerID int64, remaining decimal.Decimal) error
	InsertConsumption(ctx context.Context, consumption CostLayerConsumption) (CostLayerConsumption, error)
	LotBalances(ctx context.Context, tenantID, productID, locationID uuid.UUID) ([]LotBalance, error)
	ActiveLayers(ctx context.Context, tenantID, productID, locationID uuid.UUID) ([]CostLayer, error)
	PostingsByReference(ctx context.Context, tenantID uuid.UUID, ref Reference) ([]PostResult, error)
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes the callback inside one transaction. Per-key serialization
// comes from the advisory xact lock taken via AcquireKeyLock, so plain read
// committed isolation is sufficient for the balance-check-then-append step.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("stock repository not initialised")
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	wrapper := &txRepository{tx: tx}
	if err := fn(ctx, wrapper); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

func (r *txRepository) AcquireKeyLock(ctx context.Context, token string) error {
	_, err := r.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, token)
	return err
}

func (r *txRepository) GetProduct(ctx context.Context, tenantID, productID uuid.UUID) (ProductRef, error) {
	return getProduct(ctx, r.tx, tenantID, productID)
}

func (r *txRepository) LocationExists(ctx context.Context, tenantID, locationID uuid.UUID) error {
	return locationExists(ctx, r.tx, tenantID, locationID)
}

func (r *txRepository) GetLot(ctx context.Context, tenantID uuid.UUID, lotID uuid.UUID) (Lot, error) {
	return getLot(ctx, r.tx, tenantID, lotID)
}

func (r *txRepository) FindLot(ctx context.Context, tenantID, productID, locationID uuid.UUID, lotNumber string) (Lot, error) {
	var lot Lot
	err := r.tx.QueryRow(ctx, `SELECT id, tenant_id, product_id, location_id, lot_number, expiry_date, manufacture_date, received_date, created_at
FROM lots WHERE tenant_id=$1 AND product_id=$2 AND location_id=$3 AND lot_number=$4`,
		tenantID, productID, locationID, lotNumber).
		Scan(&lot.ID, &lot.TenantID, &lot.ProductID, &lot.LocationID, &lot.LotNumber, &lot.ExpiryDate, &lot.ManufactureDate, &lot.ReceivedDate, &lot.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Lot{}, fmt.Errorf("%w: lot %s", shared.ErrNotFound, lotNumber)
		}
		return Lot{}, err
	}
	return lot, nil
}

func (r *txRepository) InsertLot(ctx context.Context, lot Lot) (Lot, error) {
	if lot.ID == uuid.Nil {
		lot.ID = uuid.New()
	}
	err := r.tx.QueryRow(ctx, `INSERT INTO lots (id, tenant_id, product_id, location_id, lot_number, expiry_date, manufacture_date, received_date, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NOW()) RETURNING created_at`,
		lot.ID, lot.TenantID, lot.ProductID, lot.LocationID, lot.LotNumber, lot.ExpiryDate, lot.ManufactureDate, lot.ReceivedDate).
		Scan(&lot.CreatedAt)
	return lot, err
}

func (r *txRepository) ClaimReference(ctx context.Context, tenantID uuid.UUID, ref Reference) error {
	// ON CONFLICT keeps the transaction usable so batch callers can skip
	// already-posted lines on retry.
	tag, err := r.tx.Exec(ctx, `INSERT INTO posting_references (tenant_id, ref_type, ref_id, created_at)
VALUES ($1,$2,$3,NOW()) ON CONFLICT DO NOTHING`, tenantID, ref.Type, ref.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", shared.ErrAlreadyPosted, ref)
	}
	return nil
}

func (r *txRepository) InsertEntry(ctx context.Context, entry LedgerEntry) (LedgerEntry, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO stock_ledger (tenant_id, product_id, location_id, lot_id, movement_type, quantity, unit_cost, ref_type, ref_id, note, created_by, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12) RETURNING id`,
		entry.TenantID, entry.ProductID, entry.LocationID, nullUUID(entry.LotID), string(entry.Type), entry.Quantity,
		nullDecimal(entry.UnitCost), entry.Reference.Type, entry.Reference.ID, entry.Note, nullUUID(entry.CreatedBy), entry.CreatedAt).
		Scan(&entry.ID)
	return entry, err
}

func (r *txRepository) KeyBalance(ctx context.Context, key Key, cutoff time.Time) (decimal.Decimal, error) {
	return keyBalance(ctx, r.tx, key, cutoff)
}

func (r *txRepository) LayersForUpdate(ctx context.Context, key Key) ([]CostLayer, error) {
	// Strict FIFO by creation, ties broken by id for determinism. The row lock
	// pins the layers mutated by this posting.
	rows, err := r.tx.Query(ctx, layerSelect+` WHERE tenant_id=$1 AND product_id=$2 AND location_id=$3 AND lot_id IS NOT DISTINCT FROM $4 AND quantity_remaining > 0
ORDER BY created_at ASC, id ASC FOR UPDATE`, key.TenantID, key.ProductID, key.LocationID, nullUUID(key.LotID))
	if err != nil {
		return nil, err
	}
	return scanLayers(rows)
}

func (r *txRepository) InsertLayer(ctx context.Context, layer CostLayer) (CostLayer, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO cost_layers (tenant_id, product_id, location_id, lot_id, quantity_received, quantity_remaining, unit_cost, source_type, source_id, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10) RETURNING id`,
		layer.TenantID, layer.ProductID, layer.LocationID, nullUUID(layer.LotID), layer.QuantityReceived, layer.QuantityRemaining,
		layer.UnitCost, layer.SourceType, layer.SourceID, layer.CreatedAt).
		Scan(&layer.ID)
	return layer, err
}

func (r *txRepository) UpdateLayerRemaining(ctx context.Context, layerID int64, remaining decimal.Decimal) error {
	tag, err := r.tx.Exec(ctx, `UPDATE cost_layers SET quantity_remaining=$2 WHERE id=$1 AND $2 >= 0`, layerID, remaining)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("stock: cost layer %d not updated", layerID)
	}
	return nil
}

func (r *txRepository) InsertConsumption(ctx context.Context, consumption CostLayerConsumption) (CostLayerConsumption, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO cost_layer_consumptions (layer_id, ref_type, ref_id, quantity, amount, created_at)
VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`,
		consumption.LayerID, consumption.Reference.Type, consumption.Reference.ID, consumption.Quantity, consumption.Amount, consumption.CreatedAt).
		Scan(&consumption.ID)
	return consumption, err
}

func (r *txRepository) LotBalances(ctx context.Context, tenantID, productID, locationID uuid.UUID) ([]LotBalance, error) {
	return lotBalances(ctx, r.tx, tenantID, productID, locationID)
}

func (r *txRepository) ActiveLayers(ctx context.Context, tenantID, productID, locationID uuid.UUID) ([]CostLayer, error) {
	return activeLayers(ctx, r.tx, tenantID, productID, locationID)
}

// PostingsByReference rebuilds the movements a reference booked in an earlier
// committed transaction, one result per ledger entry with the consumptions
// that priced it. Batch callers use it to recover skipped lines on retry.
func (r *txRepository) PostingsByReference(ctx context.Context, tenantID uuid.UUID, ref Reference) ([]PostResult, error) {
	rows, err := r.tx.Query(ctx, `SELECT id, tenant_id, product_id, location_id, lot_id, movement_type, quantity, unit_cost, note, created_by, created_at
FROM stock_ledger WHERE tenant_id=$1 AND ref_type=$2 AND ref_id=$3 ORDER BY id ASC`, tenantID, ref.Type, ref.ID)
	if err != nil {
		return nil, err
	}
	entries := []LedgerEntry{}
	for rows.Next() {
		var e LedgerEntry
		var movementType string
		var lotID, createdBy *uuid.UUID
		var unitCost decimal.NullDecimal
		if err := rows.Scan(&e.ID, &e.TenantID, &e.ProductID, &e.LocationID, &lotID, &movementType, &e.Quantity, &unitCost, &e.Note, &createdBy, &e.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		e.Type = MovementType(movementType)
		e.LotID = toNullUUID(lotID)
		e.CreatedBy = toNullUUID(createdBy)
		e.UnitCost = unitCost
		e.Reference = ref
		entries = append(entries, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	crows, err := r.tx.Query(ctx, `SELECT c.id, c.layer_id, c.quantity, c.amount, c.created_at, cl.lot_id
FROM cost_layer_consumptions c
JOIN cost_layers cl ON cl.id = c.layer_id
WHERE cl.tenant_id=$1 AND c.ref_type=$2 AND c.ref_id=$3
ORDER BY c.id ASC`, tenantID, ref.Type, ref.ID)
	if err != nil {
		return nil, err
	}
	// Allocations write one entry per lot, so the layer's lot keys each
	// consumption back to its entry.
	byLot := map[uuid.NullUUID][]CostLayerConsumption{}
	for crows.Next() {
		var c CostLayerConsumption
		var lotID *uuid.UUID
		if err := crows.Scan(&c.ID, &c.LayerID, &c.Quantity, &c.Amount, &c.CreatedAt, &lotID); err != nil {
			crows.Close()
			return nil, err
		}
		c.Reference = ref
		key := toNullUUID(lotID)
		byLot[key] = append(byLot[key], c)
	}
	crows.Close()
	if err := crows.Err(); err != nil {
		return nil, err
	}

	results := make([]PostResult, 0, len(entries))
	for _, e := range entries {
		results = append(results, PostResult{Entry: e, Consumptions: byLot[e.LotID]})
	}
	return results, nil
}

// Read-side queries below run outside the posting transaction. The ledger is
// append-only, so reads never block writes.

// GetProduct resolves product attributes for validation and valuation.
func (r *Repository) GetProduct(ctx context.Context, tenantID, productID uuid.UUID) (ProductRef, error) {
	return getProduct(ctx, r.pool, tenantID, productID)
}

// LocationExists verifies the location belongs to the tenant.
func (r *Repository) LocationExists(ctx context.Context, tenantID, locationID uuid.UUID) error {
	return locationExists(ctx, r.pool, tenantID, locationID)
}

// GetLot loads one lot by id.
func (r *Repository) GetLot(ctx context.Context, tenantID uuid.UUID, lotID uuid.UUID) (Lot, error) {
	return getLot(ctx, r.pool, tenantID, lotID)
}

// Balance folds ledger deltas for the exact key up to cutoff.
func (r *Repository) Balance(ctx context.Context, key Key, cutoff time.Time) (decimal.Decimal, error) {
	return keyBalance(ctx, r.pool, key, cutoff)
}

// ProductBalance folds ledger deltas for product+location across all lots.
func (r *Repository) ProductBalance(ctx context.Context, tenantID, productID, locationID uuid.UUID, cutoff time.Time) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(SUM(quantity), 0) FROM stock_ledger
WHERE tenant_id=$1 AND product_id=$2 AND location_id=$3 AND created_at <= $4`,
		tenantID, productID, locationID, cutoff).Scan(&balance)
	return balance, err
}

// ActiveLayers lists layers with remaining quantity for product+location,
// oldest first, across lots.
func (r *Repository) ActiveLayers(ctx context.Context, tenantID, productID, locationID uuid.UUID) ([]CostLayer, error) {
	return activeLayers(ctx, r.pool, tenantID, productID, locationID)
}

// LotBalances lists all lots for product+location with their current balances.
func (r *Repository) LotBalances(ctx context.Context, tenantID, productID, locationID uuid.UUID) ([]LotBalance, error) {
	return lotBalances(ctx, r.pool, tenantID, productID, locationID)
}

// Entries lists ledger rows for the stock card, oldest first.
func (r *Repository) Entries(ctx context.Context, filter EntryFilter) ([]LedgerEntry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx, `SELECT id, tenant_id, product_id, location_id, lot_id, movement_type, quantity, unit_cost, ref_type, ref_id, note, created_by, created_at
FROM stock_ledger
WHERE tenant_id=$1 AND product_id=$2 AND location_id=$3
  AND ($4::uuid IS NULL OR lot_id=$4)
  AND created_at BETWEEN COALESCE($5, '-infinity') AND COALESCE($6, 'infinity')
ORDER BY created_at ASC, id ASC
LIMIT $7`, filter.TenantID, filter.ProductID, filter.LocationID, nullUUID(filter.LotID), nullTime(filter.From), nullTime(filter.To), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	entries := []LedgerEntry{}
	for rows.Next() {
		var e LedgerEntry
		var movementType string
		var lotID, createdBy *uuid.UUID
		var unitCost decimal.NullDecimal
		if err := rows.Scan(&e.ID, &e.TenantID, &e.ProductID, &e.LocationID, &lotID, &movementType, &e.Quantity, &unitCost, &e.Reference.Type, &e.Reference.ID, &e.Note, &createdBy, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = MovementType(movementType)
		e.LotID = toNullUUID(lotID)
		e.CreatedBy = toNullUUID(createdBy)
		e.UnitCost = unitCost
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

const layerSelect = `SELECT id, tenant_id, product_id, location_id, lot_id, quantity_received, quantity_remaining, unit_cost, source_type, source_id, created_at
FROM cost_layers`

func getProduct(ctx context.Context, q querier, tenantID, productID uuid.UUID) (ProductRef, error) {
	var p ProductRef
	var policy string
	err := q.QueryRow(ctx, `SELECT id, code, base_unit, standard_cost, lot_tracked, perishable, fefo_policy, shelf_life_days
FROM products WHERE tenant_id=$1 AND id=$2`, tenantID, productID).
		Scan(&p.ID, &p.Code, &p.BaseUnit, &p.StandardCost, &p.LotTracked, &p.Perishable, &policy, &p.ShelfLifeDays)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ProductRef{}, fmt.Errorf("%w: product %s", shared.ErrNotFound, productID)
		}
		return ProductRef{}, err
	}
	p.FEFOPolicy = FEFOPolicy(policy)
	return p, nil
}

func locationExists(ctx context.Context, q querier, tenantID, locationID uuid.UUID) error {
	var exists bool
	err := q.QueryRow(ctx, `SELECT true FROM locations WHERE tenant_id=$1 AND id=$2`, tenantID, locationID).Scan(&exists)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: location %s", shared.ErrNotFound, locationID)
		}
		return err
	}
	return nil
}

func getLot(ctx context.Context, q querier, tenantID uuid.UUID, lotID uuid.UUID) (Lot, error) {
	var lot Lot
	err := q.QueryRow(ctx, `SELECT id, tenant_id, product_id, location_id, lot_number, expiry_date, manufacture_date, received_date, created_at
FROM lots WHERE tenant_id=$1 AND id=$2`, tenantID, lotID).
		Scan(&lot.ID, &lot.TenantID, &lot.ProductID, &lot.LocationID, &lot.LotNumber, &lot.ExpiryDate, &lot.ManufactureDate, &lot.ReceivedDate, &lot.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Lot{}, fmt.Errorf("%w: lot %s", shared.ErrNotFound, lotID)
		}
		return Lot{}, err
	}
	return lot, nil
}

func keyBalance(ctx context.Context, q querier, key Key, cutoff time.Time) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := q.QueryRow(ctx, `SELECT COALESCE(SUM(quantity), 0) FROM stock_ledger
WHERE tenant_id=$1 AND product_id=$2 AND location_id=$3 AND lot_id IS NOT DISTINCT FROM $4 AND created_at <= $5`,
		key.TenantID, key.ProductID, key.LocationID, nullUUID(key.LotID), cutoff).Scan(&balance)
	return balance, err
}

func activeLayers(ctx context.Context, q querier, tenantID, productID, locationID uuid.UUID) ([]CostLayer, error) {
	rows, err := q.Query(ctx, layerSelect+` WHERE tenant_id=$1 AND product_id=$2 AND location_id=$3 AND quantity_remaining > 0
ORDER BY created_at ASC, id ASC`, tenantID, productID, locationID)
	if err != nil {
		return nil, err
	}
	return scanLayers(rows)
}

func lotBalances(ctx context.Context, q querier, tenantID, productID, locationID uuid.UUID) ([]LotBalance, error) {
	rows, err := q.Query(ctx, `SELECT l.id, l.tenant_id, l.product_id, l.location_id, l.lot_number, l.expiry_date, l.manufacture_date, l.received_date, l.created_at,
COALESCE(SUM(e.quantity), 0) AS balance
FROM lots l
LEFT JOIN stock_ledger e ON e.lot_id = l.id
WHERE l.tenant_id=$1 AND l.product_id=$2 AND l.location_id=$3
GROUP BY l.id
ORDER BY l.expiry_date ASC NULLS LAST, l.received_date ASC, l.id ASC`, tenantID, productID, locationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	balances := []LotBalance{}
	for rows.Next() {
		var lb LotBalance
		if err := rows.Scan(&lb.Lot.ID, &lb.Lot.TenantID, &lb.Lot.ProductID, &lb.Lot.LocationID, &lb.Lot.LotNumber,
			&lb.Lot.ExpiryDate, &lb.Lot.ManufactureDate, &lb.Lot.ReceivedDate, &lb.Lot.CreatedAt, &lb.Balance); err != nil {
			return nil, err
		}
		balances = append(balances, lb)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return balances, nil
}

func scanLayers(rows pgx.Rows) ([]CostLayer, error) {
	defer rows.Close()
	layers := []CostLayer{}
	for rows.Next() {
		var layer CostLayer
		var lotID *uuid.UUID
		if err := rows.Scan(&layer.ID, &layer.TenantID, &layer.ProductID, &layer.LocationID, &lotID,
			&layer.QuantityReceived, &layer.QuantityRemaining, &layer.UnitCost, &layer.SourceType, &layer.SourceID, &layer.CreatedAt); err != nil {
			return nil, err
		}
		layer.LotID = toNullUUID(lotID)
		layers = append(layers, layer)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return layers, nil
}

func nullUUID(id uuid.NullUUID) any {
	if !id.Valid {
		return nil
	}
	return id.UUID
}

func toNullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

func nullDecimal(d decimal.NullDecimal) any {
	if !d.Valid {
		return nil
	}
	return d.Decimal
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
