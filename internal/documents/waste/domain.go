// Package waste implements disposal reports. Disposals go through an approval
// step before stock is written off, and unlike order picking they may name
// expired lots, since those are exactly what gets thrown away.
package waste

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/larder-erp/larder/internal/shared"
)

type Status string

const (
	StatusDraft           Status = "draft"
	StatusPendingApproval Status = "pending_approval"
	StatusApproved        Status = "approved"
	StatusRejected        Status = "rejected"
	StatusCancelled       Status = "cancelled"
)

var Transitions = shared.TransitionTable[Status]{
	StatusDraft:           {StatusPendingApproval, StatusCancelled},
	StatusPendingApproval: {StatusApproved, StatusRejected},
}

// Reason classifies why stock is written off.
type Reason string

const (
	ReasonSpoilage Reason = "spoilage"
	ReasonExpiry   Reason = "expiry"
	ReasonDamage   Reason = "damage"
	ReasonOther    Reason = "other"
)

func (r Reason) IsValid() bool {
	switch r {
	case ReasonSpoilage, ReasonExpiry, ReasonDamage, ReasonOther:
		return true
	}
	return false
}

// Report is one disposal document.
type Report struct {
	ID         uuid.UUID     `json:"id"`
	TenantID   uuid.UUID     `json:"tenant_id"`
	Number     string        `json:"number"`
	LocationID uuid.UUID     `json:"location_id"`
	Reason     Reason        `json:"reason"`
	Status     Status        `json:"status"`
	Note       string        `json:"note,omitempty"`
	PostedAt   *time.Time    `json:"posted_at,omitempty"`
	CreatedBy  uuid.NullUUID `json:"created_by,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
	Lines      []Line        `json:"lines,omitempty"`
}

// Line is one product or lot to write off. CostValue is filled on approval
// with the value the write-off drained from the cost layers.
type Line struct {
	ID        int64               `json:"id"`
	ReportID  uuid.UUID           `json:"report_id"`
	ProductID uuid.UUID           `json:"product_id"`
	LotID     uuid.NullUUID       `json:"lot_id,omitempty"`
	Quantity  decimal.Decimal     `json:"quantity"`
	CostValue decimal.NullDecimal `json:"cost_value,omitempty"`
}
