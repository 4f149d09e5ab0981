// Package orders implements point-of-sale orders. Confirming an order issues
// stock FEFO per line and records the cost of goods the layers released;
// completion is the hand-over terminal and moves no stock.
package orders

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/larder-erp/larder/internal/shared"
)

type Status string

const (
	StatusDraft     Status = "draft"
	StatusConfirmed Status = "confirmed"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

var Transitions = shared.TransitionTable[Status]{
	StatusDraft:     {StatusConfirmed, StatusCancelled},
	StatusConfirmed: {StatusCompleted},
}

// Order is one point-of-sale sale fulfilled from a location.
type Order struct {
	ID          uuid.UUID     `json:"id"`
	TenantID    uuid.UUID     `json:"tenant_id"`
	Number      string        `json:"number"`
	LocationID  uuid.UUID     `json:"location_id"`
	Status      Status        `json:"status"`
	Note        string        `json:"note,omitempty"`
	ConfirmedAt *time.Time    `json:"confirmed_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	CreatedBy   uuid.NullUUID `json:"created_by,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	Lines       []Line        `json:"lines,omitempty"`
}

// Line is one sold product. LotID pins the pick to a specific lot; when unset
// the allocator chooses lots in expiry order. UnitPrice is the sale price,
// CostValue the cost of goods captured at confirmation.
type Line struct {
	ID        int64               `json:"id"`
	OrderID   uuid.UUID           `json:"order_id"`
	ProductID uuid.UUID           `json:"product_id"`
	LotID     uuid.NullUUID       `json:"lot_id,omitempty"`
	Quantity  decimal.Decimal     `json:"quantity"`
	UnitPrice decimal.Decimal     `json:"unit_price"`
	CostValue decimal.NullDecimal `json:"cost_value,omitempty"`
	Picks     []LinePick          `json:"picks,omitempty"`
}

// LinePick records which lot actually served a confirmed line.
type LinePick struct {
	ID        int64           `json:"id"`
	LineID    int64           `json:"line_id"`
	LotID     uuid.UUID       `json:"lot_id"`
	LotNumber string          `json:"lot_number"`
	Quantity  decimal.Decimal `json:"quantity"`
}
