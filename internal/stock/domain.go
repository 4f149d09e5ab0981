package stock

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/larder-erp/larder/internal/shared"
)

// MovementType enumerates supported ledger movements. The set is closed;
// corrections are posted as offsetting entries, never as new types.
type MovementType string

const (
	MovementReceipt       MovementType = "receipt"
	MovementIssue         MovementType = "issue"
	MovementTransferIn    MovementType = "transfer_in"
	MovementTransferOut   MovementType = "transfer_out"
	MovementProductionIn  MovementType = "production_in"
	MovementProductionOut MovementType = "production_out"
	MovementAdjustment    MovementType = "adjustment"
)

// IsValid checks membership in the closed movement enum.
func (t MovementType) IsValid() bool {
	switch t {
	case MovementReceipt, MovementIssue, MovementTransferIn, MovementTransferOut,
		MovementProductionIn, MovementProductionOut, MovementAdjustment:
		return true
	default:
		return false
	}
}

// Inbound reports whether the type only admits positive deltas.
func (t MovementType) Inbound() bool {
	switch t {
	case MovementReceipt, MovementTransferIn, MovementProductionIn:
		return true
	default:
		return false
	}
}

// Outbound reports whether the type only admits negative deltas.
func (t MovementType) Outbound() bool {
	switch t {
	case MovementIssue, MovementTransferOut, MovementProductionOut:
		return true
	default:
		return false
	}
}

// Reference identifies the originating document line of a movement.
type Reference struct {
	Type string
	ID   uuid.UUID
}

func (r Reference) String() string {
	return fmt.Sprintf("%s:%s", r.Type, r.ID)
}

// Key addresses a stock position. LotID is unset for non-lot-tracked products,
// in which case quantity is tracked at product+location granularity.
type Key struct {
	TenantID   uuid.UUID
	ProductID  uuid.UUID
	LocationID uuid.UUID
	LotID      uuid.NullUUID
}

// LockToken builds the advisory-lock token serialising postings for this key.
func (k Key) LockToken() string {
	return shared.StockLockKey(k.TenantID, k.ProductID, k.LocationID, k.LotID)
}

// WithoutLot widens the key to the product+location position across lots.
func (k Key) WithoutLot() Key {
	k.LotID = uuid.NullUUID{}
	return k
}

// LedgerEntry is one immutable row of the append-only stock ledger.
type LedgerEntry struct {
	ID         int64
	TenantID   uuid.UUID
	ProductID  uuid.UUID
	LocationID uuid.UUID
	LotID      uuid.NullUUID
	Type       MovementType
	Quantity   decimal.Decimal // signed delta in the product's base unit
	UnitCost   decimal.NullDecimal
	Reference  Reference
	Note       string
	CreatedBy  uuid.NullUUID
	CreatedAt  time.Time
}

// Key returns the stock position the entry moves.
func (e LedgerEntry) Key() Key {
	return Key{TenantID: e.TenantID, ProductID: e.ProductID, LocationID: e.LocationID, LotID: e.LotID}
}

// Lot identifies a receivable batch. Identity is (tenant, product, location,
// lot number); lots are created on receipt and never deleted.
type Lot struct {
	ID              uuid.UUID
	TenantID        uuid.UUID
	ProductID       uuid.UUID
	LocationID      uuid.UUID
	LotNumber       string
	ExpiryDate      *time.Time
	ManufactureDate *time.Time
	ReceivedDate    time.Time
	CreatedAt       time.Time
}

// Expired reports whether the lot's expiry date lies strictly before now.
// Lots without expiry never expire.
func (l Lot) Expired(now time.Time) bool {
	return l.ExpiryDate != nil && l.ExpiryDate.Before(now)
}

// CostLayer is a quantity-at-cost pool created by exactly one inbound entry
// and consumed to zero by outbound entries. Unit cost never changes; retired
// layers (remaining zero) are retained for audit.
type CostLayer struct {
	ID                int64
	TenantID          uuid.UUID
	ProductID         uuid.UUID
	LocationID        uuid.UUID
	LotID             uuid.NullUUID
	QuantityReceived  decimal.Decimal
	QuantityRemaining decimal.Decimal
	UnitCost          decimal.Decimal
	SourceType        string
	SourceID          uuid.UUID
	CreatedAt         time.Time
}

// CostLayerConsumption records one decrement of a layer by an outbound event.
type CostLayerConsumption struct {
	ID        int64
	LayerID   int64
	Reference Reference
	Quantity  decimal.Decimal
	Amount    decimal.Decimal // Quantity x layer unit cost
	CreatedAt time.Time
}

// FEFOPolicy controls whether issue allocation must go through the allocator.
type FEFOPolicy string

const (
	// FEFOMandatory routes every issue for the product through FEFO allocation.
	FEFOMandatory FEFOPolicy = "mandatory"
	// FEFOOptional permits call sites to pick lots explicitly.
	FEFOOptional FEFOPolicy = "optional"
)

// ProductRef carries the product attributes the engine validates against.
type ProductRef struct {
	ID            uuid.UUID
	Code          string
	BaseUnit      string
	StandardCost  decimal.Decimal
	LotTracked    bool
	Perishable    bool
	FEFOPolicy    FEFOPolicy
	ShelfLifeDays *int
}

// LotBalance pairs a lot with its current ledger balance.
type LotBalance struct {
	Lot     Lot
	Balance decimal.Decimal
}

// ExpiryStatus classifies a lot's distance to expiry.
type ExpiryStatus string

const (
	ExpiryStatusExpired       ExpiryStatus = "expired"
	ExpiryStatusExpiringSoon  ExpiryStatus = "expiring_soon"
	ExpiryStatusExpiringMonth ExpiryStatus = "expiring_this_month"
	ExpiryStatusGood          ExpiryStatus = "good"
)

// FEFOCandidate is one pickable lot in expiry order.
type FEFOCandidate struct {
	Lot          Lot
	Balance      decimal.Decimal
	ExpiryStatus ExpiryStatus
	PickPriority int
}

// PostInput describes one posting request for the engine.
type PostInput struct {
	TenantID   uuid.UUID
	ProductID  uuid.UUID
	LocationID uuid.UUID
	LotID      uuid.NullUUID
	Type       MovementType
	Quantity   decimal.Decimal // signed
	UnitCost   decimal.NullDecimal
	Reference  Reference
	Note       string
	ActorID    uuid.NullUUID
}

// PostResult returns the appended entry together with its cost-layer effects.
type PostResult struct {
	Entry        LedgerEntry
	Layer        *CostLayer             // set for inbound postings
	Consumptions []CostLayerConsumption // set for outbound postings
}

// ConsumedCost sums consumption amounts of an outbound posting.
func (r PostResult) ConsumedCost() decimal.Decimal {
	total := decimal.Zero
	for _, c := range r.Consumptions {
		total = total.Add(c.Amount)
	}
	return total
}

// AllocationInput describes a FEFO allocation request.
type AllocationInput struct {
	TenantID     uuid.UUID
	ProductID    uuid.UUID
	LocationID   uuid.UUID
	Quantity     decimal.Decimal // positive quantity needed
	Reference    Reference
	Type         MovementType // outbound type posted per lot, defaults to issue
	AllowPartial bool
	ReserveOnly  bool
	Note         string
	ActorID      uuid.NullUUID
}

// LotAllocation is one planned pick.
type LotAllocation struct {
	LotID     uuid.NullUUID
	LotNumber string
	Quantity  decimal.Decimal
}

// AllocationResult is the outcome of a FEFO allocation.
type AllocationResult struct {
	Allocations       []LotAllocation
	QuantityAllocated decimal.Decimal
	FullyAllocated    bool
	Postings          []PostResult // empty when ReserveOnly
}

// RegisterLotInput describes a lot registration on receipt.
type RegisterLotInput struct {
	TenantID        uuid.UUID
	ProductID       uuid.UUID
	LocationID      uuid.UUID
	LotNumber       string
	ExpiryDate      *time.Time
	ManufactureDate *time.Time
	ReceivedDate    time.Time
}

// EntryFilter filters ledger reads for the stock card.
type EntryFilter struct {
	TenantID   uuid.UUID
	ProductID  uuid.UUID
	LocationID uuid.UUID
	LotID      uuid.NullUUID
	From       time.Time
	To         time.Time
	Limit      int
}

// InsufficientStockError rejects an outbound movement that would drive the
// key's balance negative, or a strict allocation that cannot be satisfied.
type InsufficientStockError struct {
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("stock: insufficient stock: requested %s, available %s", e.Requested, e.Available)
}

// ErrInsufficientCostBasis signals that cost layers ran out before the balance
// check did. Ledger and layers have diverged; treated as fatal, never corrected
// silently.
var ErrInsufficientCostBasis = errors.New("stock: insufficient cost basis, ledger and cost layers diverged")

// ErrInvalidQuantity indicates a zero or wrongly signed quantity.
var ErrInvalidQuantity = fmt.Errorf("%w: quantity must be non zero and match the movement direction", shared.ErrValidation)

// ErrMissingUnitCost indicates an inbound posting without a unit cost.
var ErrMissingUnitCost = fmt.Errorf("%w: unit cost required for inbound movements", shared.ErrValidation)

// ErrInvalidUnitCost indicates a negative unit cost.
var ErrInvalidUnitCost = fmt.Errorf("%w: unit cost must be >= 0", shared.ErrValidation)

// ErrMissingReference indicates a posting without a document reference.
var ErrMissingReference = fmt.Errorf("%w: document reference required", shared.ErrValidation)

// ErrLotRequired indicates a lot-tracked product posted without a lot.
var ErrLotRequired = fmt.Errorf("%w: lot required for lot-tracked product", shared.ErrValidation)

// ErrLotNotTracked indicates a lot supplied for a non-lot-tracked product.
var ErrLotNotTracked = fmt.Errorf("%w: product does not track lots", shared.ErrValidation)

// ErrLotExpired rejects allocation from an expired lot.
var ErrLotExpired = fmt.Errorf("%w: lot is expired", shared.ErrValidation)
