package products

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	internalShared "github.com/larder-erp/larder/internal/shared"
)

func TestWithDefaultsResolvesFEFOPolicy(t *testing.T) {
	p := withDefaults(Product{Perishable: true})
	require.Equal(t, FEFOMandatory, p.FEFOPolicy)

	p = withDefaults(Product{Perishable: false})
	require.Equal(t, FEFOOptional, p.FEFOPolicy)

	p = withDefaults(Product{Perishable: true, FEFOPolicy: FEFOOptional})
	require.Equal(t, FEFOOptional, p.FEFOPolicy)
}

func TestValidate(t *testing.T) {
	valid := Product{Code: "RAW-MILK", Name: "Whole Milk", BaseUnit: "l", FEFOPolicy: FEFOMandatory}
	require.NoError(t, validate(valid))

	missingCode := valid
	missingCode.Code = " "
	require.ErrorIs(t, validate(missingCode), internalShared.ErrValidation)

	negativeCost := valid
	negativeCost.StandardCost = decimal.NewFromInt(-1)
	require.ErrorIs(t, validate(negativeCost), internalShared.ErrValidation)

	badPolicy := valid
	badPolicy.FEFOPolicy = "strict"
	require.ErrorIs(t, validate(badPolicy), internalShared.ErrValidation)

	badShelfLife := valid
	zero := 0
	badShelfLife.ShelfLifeDays = &zero
	require.ErrorIs(t, validate(badShelfLife), internalShared.ErrValidation)
}
