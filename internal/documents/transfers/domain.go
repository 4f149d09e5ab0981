// Package transfers implements the two-step stock transfer workflow: dispatch
// allocates stock out of the source location FEFO-first, receive books the
// same lots into the destination at the cost actually consumed.
package transfers

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/larder-erp/larder/internal/shared"
)

type Status string

const (
	StatusDraft     Status = "draft"
	StatusInTransit Status = "in_transit"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

var Transitions = shared.TransitionTable[Status]{
	StatusDraft:     {StatusInTransit, StatusCancelled},
	StatusInTransit: {StatusCompleted},
}

// Transfer moves stock between two locations of the same tenant.
type Transfer struct {
	ID             uuid.UUID       `json:"id"`
	TenantID       uuid.UUID       `json:"tenant_id"`
	Number         string          `json:"number"`
	FromLocationID uuid.UUID       `json:"from_location_id"`
	ToLocationID   uuid.UUID       `json:"to_location_id"`
	Status         Status          `json:"status"`
	Note           string          `json:"note,omitempty"`
	DispatchedAt   *time.Time      `json:"dispatched_at,omitempty"`
	ReceivedAt     *time.Time      `json:"received_at,omitempty"`
	CreatedBy      uuid.NullUUID   `json:"created_by,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	Lines          []Line          `json:"lines,omitempty"`
}

// Line is one product to move.
type Line struct {
	ID          int64            `json:"id"`
	TransferID  uuid.UUID        `json:"transfer_id"`
	ProductID   uuid.UUID        `json:"product_id"`
	Quantity    decimal.Decimal  `json:"quantity"`
	Allocations []LineAllocation `json:"allocations,omitempty"`
}

// LineAllocation is one lot picked at dispatch, frozen with the unit cost the
// outbound posting consumed so receive books the destination at the same
// value.
type LineAllocation struct {
	ID        int64           `json:"id"`
	LineID    int64           `json:"line_id"`
	LotID     uuid.NullUUID   `json:"lot_id,omitempty"`
	LotNumber string          `json:"lot_number,omitempty"`
	Quantity  decimal.Decimal `json:"quantity"`
	UnitCost  decimal.Decimal `json:"unit_cost"`
}
