// Package stocktest provides an in-memory stock repository for exercising the
// engine and the document workflows without Postgres.
package stocktest

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/larder-erp/larder/internal/shared"
	"github.com/larder-erp/larder/internal/stock"
)

type state struct {
	products     map[uuid.UUID]stock.ProductRef
	locations    map[uuid.UUID]bool
	lots         map[uuid.UUID]stock.Lot
	entries      []stock.LedgerEntry
	layers       []stock.CostLayer
	consumptions []stock.CostLayerConsumption
	refs         map[string]bool
	nextEntryID  int64
	nextLayerID  int64
	nextConsID   int64
}

func (s *state) clone() *state {
	c := &state{
		products:     make(map[uuid.UUID]stock.ProductRef, len(s.products)),
		locations:    make(map[uuid.UUID]bool, len(s.locations)),
		lots:         make(map[uuid.UUID]stock.Lot, len(s.lots)),
		entries:      append([]stock.LedgerEntry(nil), s.entries...),
		layers:       append([]stock.CostLayer(nil), s.layers...),
		consumptions: append([]stock.CostLayerConsumption(nil), s.consumptions...),
		refs:         make(map[string]bool, len(s.refs)),
		nextEntryID:  s.nextEntryID,
		nextLayerID:  s.nextLayerID,
		nextConsID:   s.nextConsID,
	}
	for k, v := range s.products {
		c.products[k] = v
	}
	for k := range s.locations {
		c.locations[k] = true
	}
	for k, v := range s.lots {
		c.lots[k] = v
	}
	for k := range s.refs {
		c.refs[k] = true
	}
	return c
}

// Repository implements stock.RepositoryPort over process memory.
type Repository struct {
	state *state
}

type memoryTx struct {
	state *state
}

func NewRepository() *Repository {
	return &Repository{state: &state{
		products:  make(map[uuid.UUID]stock.ProductRef),
		locations: make(map[uuid.UUID]bool),
		lots:      make(map[uuid.UUID]stock.Lot),
		refs:      make(map[string]bool),
	}}
}

// AddProduct seeds a product, assigning an ID when missing.
func (r *Repository) AddProduct(p stock.ProductRef) stock.ProductRef {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	r.state.products[p.ID] = p
	return p
}

// AddLocation seeds a location and returns its ID.
func (r *Repository) AddLocation() uuid.UUID {
	id := uuid.New()
	r.state.locations[id] = true
	return id
}

// AddLot seeds a lot, assigning an ID when missing.
func (r *Repository) AddLot(lot stock.Lot) stock.Lot {
	if lot.ID == uuid.Nil {
		lot.ID = uuid.New()
	}
	r.state.lots[lot.ID] = lot
	return lot
}

// LedgerEntries returns a copy of every entry appended so far.
func (r *Repository) LedgerEntries() []stock.LedgerEntry {
	return append([]stock.LedgerEntry(nil), r.state.entries...)
}

// CostLayers returns a copy of every layer created so far.
func (r *Repository) CostLayers() []stock.CostLayer {
	return append([]stock.CostLayer(nil), r.state.layers...)
}

// Consumptions returns a copy of every layer consumption recorded so far.
func (r *Repository) Consumptions() []stock.CostLayerConsumption {
	return append([]stock.CostLayerConsumption(nil), r.state.consumptions...)
}

// WithTx runs fn against a copy and commits it only on success, matching the
// rollback behaviour of the real repository.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, stock.TxRepository) error) error {
	tx := &memoryTx{state: r.state.clone()}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	r.state = tx.state
	return nil
}

func (r *Repository) GetProduct(ctx context.Context, tenantID, productID uuid.UUID) (stock.ProductRef, error) {
	return (&memoryTx{state: r.state}).GetProduct(ctx, tenantID, productID)
}

func (r *Repository) GetLot(ctx context.Context, tenantID uuid.UUID, lotID uuid.UUID) (stock.Lot, error) {
	return (&memoryTx{state: r.state}).GetLot(ctx, tenantID, lotID)
}

func (r *Repository) Balance(ctx context.Context, key stock.Key, cutoff time.Time) (decimal.Decimal, error) {
	return (&memoryTx{state: r.state}).KeyBalance(ctx, key, cutoff)
}

func (r *Repository) ProductBalance(ctx context.Context, tenantID, productID, locationID uuid.UUID, cutoff time.Time) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, e := range r.state.entries {
		if e.TenantID == tenantID && e.ProductID == productID && e.LocationID == locationID && !e.CreatedAt.After(cutoff) {
			total = total.Add(e.Quantity)
		}
	}
	return total, nil
}

func (r *Repository) LocationExists(ctx context.Context, tenantID, locationID uuid.UUID) error {
	return (&memoryTx{state: r.state}).LocationExists(ctx, tenantID, locationID)
}

func (r *Repository) ActiveLayers(ctx context.Context, tenantID, productID, locationID uuid.UUID) ([]stock.CostLayer, error) {
	return (&memoryTx{state: r.state}).ActiveLayers(ctx, tenantID, productID, locationID)
}

func (r *Repository) LotBalances(ctx context.Context, tenantID, productID, locationID uuid.UUID) ([]stock.LotBalance, error) {
	return (&memoryTx{state: r.state}).LotBalances(ctx, tenantID, productID, locationID)
}

func (r *Repository) Entries(ctx context.Context, filter stock.EntryFilter) ([]stock.LedgerEntry, error) {
	var entries []stock.LedgerEntry
	for _, e := range r.state.entries {
		if e.TenantID != filter.TenantID || e.ProductID != filter.ProductID || e.LocationID != filter.LocationID {
			continue
		}
		if filter.LotID.Valid && e.LotID != filter.LotID {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (tx *memoryTx) AcquireKeyLock(ctx context.Context, token string) error { return nil }

func (tx *memoryTx) GetProduct(ctx context.Context, tenantID, productID uuid.UUID) (stock.ProductRef, error) {
	if p, ok := tx.state.products[productID]; ok {
		return p, nil
	}
	return stock.ProductRef{}, shared.ErrNotFound
}

func (tx *memoryTx) LocationExists(ctx context.Context, tenantID, locationID uuid.UUID) error {
	if tx.state.locations[locationID] {
		return nil
	}
	return shared.ErrNotFound
}

func (tx *memoryTx) GetLot(ctx context.Context, tenantID uuid.UUID, lotID uuid.UUID) (stock.Lot, error) {
	if l, ok := tx.state.lots[lotID]; ok {
		return l, nil
	}
	return stock.Lot{}, shared.ErrNotFound
}

func (tx *memoryTx) FindLot(ctx context.Context, tenantID, productID, locationID uuid.UUID, lotNumber string) (stock.Lot, error) {
	for _, l := range tx.state.lots {
		if l.TenantID == tenantID && l.ProductID == productID && l.LocationID == locationID && l.LotNumber == lotNumber {
			return l, nil
		}
	}
	return stock.Lot{}, shared.ErrNotFound
}

func (tx *memoryTx) InsertLot(ctx context.Context, lot stock.Lot) (stock.Lot, error) {
	lot.ID = uuid.New()
	lot.CreatedAt = time.Now().UTC()
	tx.state.lots[lot.ID] = lot
	return lot, nil
}

func (tx *memoryTx) ClaimReference(ctx context.Context, tenantID uuid.UUID, ref stock.Reference) error {
	key := tenantID.String() + "|" + ref.String()
	if tx.state.refs[key] {
		return shared.ErrAlreadyPosted
	}
	tx.state.refs[key] = true
	return nil
}

func (tx *memoryTx) InsertEntry(ctx context.Context, entry stock.LedgerEntry) (stock.LedgerEntry, error) {
	tx.state.nextEntryID++
	entry.ID = tx.state.nextEntryID
	tx.state.entries = append(tx.state.entries, entry)
	return entry, nil
}

func (tx *memoryTx) KeyBalance(ctx context.Context, key stock.Key, cutoff time.Time) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, e := range tx.state.entries {
		if e.Key() == key && !e.CreatedAt.After(cutoff) {
			total = total.Add(e.Quantity)
		}
	}
	return total, nil
}

func (tx *memoryTx) LayersForUpdate(ctx context.Context, key stock.Key) ([]stock.CostLayer, error) {
	var layers []stock.CostLayer
	for _, l := range tx.state.layers {
		lk := stock.Key{TenantID: l.TenantID, ProductID: l.ProductID, LocationID: l.LocationID, LotID: l.LotID}
		if lk == key && l.QuantityRemaining.IsPositive() {
			layers = append(layers, l)
		}
	}
	return layers, nil
}

func (tx *memoryTx) InsertLayer(ctx context.Context, layer stock.CostLayer) (stock.CostLayer, error) {
	tx.state.nextLayerID++
	layer.ID = tx.state.nextLayerID
	tx.state.layers = append(tx.state.layers, layer)
	return layer, nil
}

func (tx *memoryTx) UpdateLayerRemaining(ctx context.Context, layerID int64, remaining decimal.Decimal) error {
	for i := range tx.state.layers {
		if tx.state.layers[i].ID == layerID {
			tx.state.layers[i].QuantityRemaining = remaining
			return nil
		}
	}
	return shared.ErrNotFound
}

func (tx *memoryTx) InsertConsumption(ctx context.Context, consumption stock.CostLayerConsumption) (stock.CostLayerConsumption, error) {
	tx.state.nextConsID++
	consumption.ID = tx.state.nextConsID
	tx.state.consumptions = append(tx.state.consumptions, consumption)
	return consumption, nil
}

func (tx *memoryTx) ActiveLayers(ctx context.Context, tenantID, productID, locationID uuid.UUID) ([]stock.CostLayer, error) {
	var layers []stock.CostLayer
	for _, l := range tx.state.layers {
		if l.TenantID == tenantID && l.ProductID == productID && l.LocationID == locationID && l.QuantityRemaining.IsPositive() {
			layers = append(layers, l)
		}
	}
	return layers, nil
}

func (tx *memoryTx) PostingsByReference(ctx context.Context, tenantID uuid.UUID, ref stock.Reference) ([]stock.PostResult, error) {
	lotByLayer := make(map[int64]uuid.NullUUID, len(tx.state.layers))
	for _, l := range tx.state.layers {
		lotByLayer[l.ID] = l.LotID
	}
	byLot := make(map[uuid.NullUUID][]stock.CostLayerConsumption)
	for _, c := range tx.state.consumptions {
		if c.Reference == ref {
			byLot[lotByLayer[c.LayerID]] = append(byLot[lotByLayer[c.LayerID]], c)
		}
	}
	var results []stock.PostResult
	for _, e := range tx.state.entries {
		if e.TenantID == tenantID && e.Reference == ref {
			results = append(results, stock.PostResult{Entry: e, Consumptions: byLot[e.LotID]})
		}
	}
	return results, nil
}

func (tx *memoryTx) LotBalances(ctx context.Context, tenantID, productID, locationID uuid.UUID) ([]stock.LotBalance, error) {
	var balances []stock.LotBalance
	for _, lot := range tx.state.lots {
		if lot.TenantID != tenantID || lot.ProductID != productID || lot.LocationID != locationID {
			continue
		}
		balance := decimal.Zero
		for _, e := range tx.state.entries {
			if e.LotID.Valid && e.LotID.UUID == lot.ID {
				balance = balance.Add(e.Quantity)
			}
		}
		balances = append(balances, stock.LotBalance{Lot: lot, Balance: balance})
	}
	return balances, nil
}
