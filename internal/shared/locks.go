package shared

import (
	"fmt"

	"github.com/google/uuid"
)

// StockLockKey builds the advisory-lock key serialising postings per stock key.
// Postings against different keys take different locks and proceed in parallel.
func StockLockKey(tenantID, productID, locationID uuid.UUID, lotID uuid.NullUUID) string {
	lot := "-"
	if lotID.Valid {
		lot = lotID.UUID.String()
	}
	return fmt.Sprintf("stock:%s:%s:%s:%s", tenantID, productID, locationID, lot)
}
