// Package returns implements supplier returns: goods previously received are
// issued back out against the lot they arrived in, at the cost the layers
// actually release.
package returns

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/larder-erp/larder/internal/shared"
)

type Status string

const (
	StatusDraft     Status = "draft"
	StatusPosted    Status = "posted"
	StatusCancelled Status = "cancelled"
)

var Transitions = shared.TransitionTable[Status]{
	StatusDraft: {StatusPosted, StatusCancelled},
}

// Return sends stock back to a supplier.
type Return struct {
	ID          uuid.UUID     `json:"id"`
	TenantID    uuid.UUID     `json:"tenant_id"`
	Number      string        `json:"number"`
	LocationID  uuid.UUID     `json:"location_id"`
	SupplierRef string        `json:"supplier_ref,omitempty"`
	Status      Status        `json:"status"`
	Note        string        `json:"note,omitempty"`
	PostedAt    *time.Time    `json:"posted_at,omitempty"`
	CreatedBy   uuid.NullUUID `json:"created_by,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	Lines       []Line        `json:"lines,omitempty"`
}

// Line is one product to send back. CostValue is filled on posting.
type Line struct {
	ID        int64               `json:"id"`
	ReturnID  uuid.UUID           `json:"return_id"`
	ProductID uuid.UUID           `json:"product_id"`
	LotID     uuid.NullUUID       `json:"lot_id,omitempty"`
	Quantity  decimal.Decimal     `json:"quantity"`
	CostValue decimal.NullDecimal `json:"cost_value,omitempty"`
}
