// Package production implements production orders: ingredients are consumed
// expiry-first and the finished output is booked at the total consumed cost
// divided over the output quantity.
package production

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/larder-erp/larder/internal/shared"
)

type Status string

const (
	StatusDraft      Status = "draft"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

var Transitions = shared.TransitionTable[Status]{
	StatusDraft:      {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusCancelled},
}

// Order is one production run.
type Order struct {
	ID              uuid.UUID           `json:"id"`
	TenantID        uuid.UUID           `json:"tenant_id"`
	Number          string              `json:"number"`
	LocationID      uuid.UUID           `json:"location_id"`
	OutputProductID uuid.UUID           `json:"output_product_id"`
	OutputQuantity  decimal.Decimal     `json:"output_quantity"`
	OutputLotNumber string              `json:"output_lot_number,omitempty"`
	OutputLotID     uuid.NullUUID       `json:"output_lot_id,omitempty"`
	OutputUnitCost  decimal.NullDecimal `json:"output_unit_cost,omitempty"`
	Status          Status              `json:"status"`
	Note            string              `json:"note,omitempty"`
	StartedAt       *time.Time          `json:"started_at,omitempty"`
	CompletedAt     *time.Time          `json:"completed_at,omitempty"`
	CreatedBy       uuid.NullUUID       `json:"created_by,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
	Ingredients     []Ingredient        `json:"ingredients,omitempty"`
}

// Ingredient is one input to consume. ConsumedCost is filled at completion
// with the value the expiry-first picks actually drained.
type Ingredient struct {
	ID           int64               `json:"id"`
	OrderID      uuid.UUID           `json:"order_id"`
	ProductID    uuid.UUID           `json:"product_id"`
	Quantity     decimal.Decimal     `json:"quantity"`
	ConsumedCost decimal.NullDecimal `json:"consumed_cost,omitempty"`
}
