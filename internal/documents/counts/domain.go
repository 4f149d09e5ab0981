// Package counts implements physical stock counts. Posting a count compares
// each counted line against the book balance and writes one signed adjustment
// for the difference.
package counts

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

// Count is one physical stock-take at a location.
type Count struct {
	ID         uuid.UUID     `json:"id"`
	TenantID   uuid.UUID     `json:"tenant_id"`
	Number     string        `json:"number"`
	LocationID uuid.UUID     `json:"location_id"`
	Status     Status        `json:"status"`
	Note       string        `json:"note,omitempty"`
	CountedAt  time.Time     `json:"counted_at"`
	PostedAt   *time.Time    `json:"posted_at,omitempty"`
	CreatedBy  uuid.NullUUID `json:"created_by,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
	Lines      []Line        `json:"lines,omitempty"`
}

// Line is one counted position. BookQuantity and Delta are captured at
// posting time so the document records what the adjustment was measured
// against.
type Line struct {
	ID           int64               `json:"id"`
	CountID      uuid.UUID           `json:"count_id"`
	ProductID    uuid.UUID           `json:"product_id"`
	LotID        uuid.NullUUID       `json:"lot_id,omitempty"`
	CountedQty   decimal.Decimal     `json:"counted_quantity"`
	BookQuantity decimal.NullDecimal `json:"book_quantity,omitempty"`
	Delta        decimal.NullDecimal `json:"delta,omitempty"`
}
