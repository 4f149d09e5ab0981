package locations

import (
	"time"

	"github.com/google/uuid"
)

// Location kinds used by a food-production site.
const (
	KindStorage = "storage"
	KindKitchen = "kitchen"
	KindPOS     = "pos"
)

// Location is a physical stock-keeping place.
type Location struct {
	ID        uuid.UUID `json:"id"`
	TenantID  uuid.UUID `json:"tenant_id"`
	Code      string    `json:"code"`
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
