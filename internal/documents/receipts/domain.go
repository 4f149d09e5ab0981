// Package receipts implements goods receipts: the inbound document that
// registers lots and feeds the stock ledger with receipt movements.
package receipts

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/larder-erp/larder/internal/shared"
)

// Status is the goods receipt lifecycle state.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusPosted    Status = "posted"
	StatusCancelled Status = "cancelled"
)

// Transitions declares the receipt state machine. Posted and cancelled are
// terminal.
var Transitions = shared.TransitionTable[Status]{
	StatusDraft: {StatusPosted, StatusCancelled},
}

// GoodsReceipt is the document header.
type GoodsReceipt struct {
	ID          uuid.UUID     `json:"id"`
	TenantID    uuid.UUID     `json:"tenant_id"`
	Number      string        `json:"number"`
	LocationID  uuid.UUID     `json:"location_id"`
	SupplierRef string        `json:"supplier_ref"`
	Status      Status        `json:"status"`
	ReceivedAt  time.Time     `json:"received_at"`
	Note        string        `json:"note"`
	PostedAt    *time.Time    `json:"posted_at,omitempty"`
	CreatedBy   uuid.NullUUID `json:"-"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	Lines       []Line        `json:"lines,omitempty"`
}

// Line is one received product. LotID is filled when posting registers the
// lot.
type Line struct {
	ID         int64           `json:"id"`
	ReceiptID  uuid.UUID       `json:"receipt_id"`
	ProductID  uuid.UUID       `json:"product_id"`
	Quantity   decimal.Decimal `json:"quantity"`
	UnitCost   decimal.Decimal `json:"unit_cost"`
	LotNumber  string          `json:"lot_number,omitempty"`
	ExpiryDate *time.Time      `json:"expiry_date,omitempty"`
	LotID      uuid.NullUUID   `json:"-"`
}
