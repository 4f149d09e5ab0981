package products

import (
	"fmt"
	"strings"

	internalShared "github.com/larder-erp/larder/internal/shared"
)

// withDefaults resolves the FEFO policy when the caller leaves it empty:
// perishable products default to mandatory allocation.
func withDefaults(p Product) Product {
	if p.FEFOPolicy == "" {
		if p.Perishable {
			p.FEFOPolicy = FEFOMandatory
		} else {
			p.FEFOPolicy = FEFOOptional
		}
	}
	return p
}

func validate(p Product) error {
	if strings.TrimSpace(p.Code) == "" {
		return fmt.Errorf("%w: product code is required", internalShared.ErrValidation)
	}
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: product name is required", internalShared.ErrValidation)
	}
	if strings.TrimSpace(p.BaseUnit) == "" {
		return fmt.Errorf("%w: base unit is required", internalShared.ErrValidation)
	}
	if p.StandardCost.IsNegative() {
		return fmt.Errorf("%w: standard cost must be >= 0", internalShared.ErrValidation)
	}
	if p.FEFOPolicy != FEFOMandatory && p.FEFOPolicy != FEFOOptional {
		return fmt.Errorf("%w: fefo_policy must be %q or %q", internalShared.ErrValidation, FEFOMandatory, FEFOOptional)
	}
	if p.ShelfLifeDays != nil && *p.ShelfLifeDays <= 0 {
		return fmt.Errorf("%w: shelf_life_days must be positive", internalShared.ErrValidation)
	}
	return nil
}
