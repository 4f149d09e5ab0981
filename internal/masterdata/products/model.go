package products

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// FEFO policies accepted for a product.
const (
	FEFOMandatory = "mandatory"
	FEFOOptional  = "optional"
)

// Product is a stocked item: a raw ingredient, an intermediate or a finished
// good. StandardCost is the valuation fallback when no cost layers remain.
type Product struct {
	ID            uuid.UUID       `json:"id"`
	TenantID      uuid.UUID       `json:"tenant_id"`
	Code          string          `json:"code"`
	Name          string          `json:"name"`
	BaseUnit      string          `json:"base_unit"`
	StandardCost  decimal.Decimal `json:"standard_cost"`
	LotTracked    bool            `json:"lot_tracked"`
	Perishable    bool            `json:"perishable"`
	FEFOPolicy    string          `json:"fefo_policy"`
	ShelfLifeDays *int            `json:"shelf_life_days,omitempty"`
	IsActive      bool            `json:"is_active"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}
