package stock_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/larder-erp/larder/internal/shared"
	"github.com/larder-erp/larder/internal/stock"
	"github.com/larder-erp/larder/internal/stock/stocktest"
)

type fixture struct {
	repo       *stocktest.Repository
	svc        *stock.Service
	tenantID   uuid.UUID
	locationID uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := stocktest.NewRepository()
	return &fixture{
		repo:       repo,
		svc:        stock.NewService(repo, nil, nil, nil, stock.ServiceConfig{}),
		tenantID:   uuid.New(),
		locationID: repo.AddLocation(),
	}
}

func (f *fixture) lotProduct() stock.ProductRef {
	return f.repo.AddProduct(stock.ProductRef{Code: "RAW-FLOUR", BaseUnit: "kg", LotTracked: true, Perishable: true, FEFOPolicy: stock.FEFOMandatory, StandardCost: decimal.NewFromInt(2)})
}

func (f *fixture) plainProduct() stock.ProductRef {
	return f.repo.AddProduct(stock.ProductRef{Code: "PACK-BOX", BaseUnit: "pc", FEFOPolicy: stock.FEFOOptional, StandardCost: decimal.NewFromInt(3)})
}

func (f *fixture) lotIn(t *testing.T, productID uuid.UUID, number string, expiry *time.Time, qty int64, cost string) stock.Lot {
	t.Helper()
	lot := f.repo.AddLot(stock.Lot{
		TenantID:     f.tenantID,
		ProductID:    productID,
		LocationID:   f.locationID,
		LotNumber:    number,
		ExpiryDate:   expiry,
		ReceivedDate: time.Now().UTC(),
	})
	_, err := f.svc.Post(context.Background(), stock.PostInput{
		TenantID:   f.tenantID,
		ProductID:  productID,
		LocationID: f.locationID,
		LotID:      uuid.NullUUID{UUID: lot.ID, Valid: true},
		Type:       stock.MovementReceipt,
		Quantity:   decimal.NewFromInt(qty),
		UnitCost:   decimal.NewNullDecimal(decimal.RequireFromString(cost)),
		Reference:  stock.Reference{Type: "goods_receipt_line", ID: uuid.New()},
	})
	require.NoError(t, err)
	return lot
}

func daysFromNow(d int) *time.Time {
	t := time.Now().UTC().Add(time.Duration(d) * 24 * time.Hour)
	return &t
}

func TestAllocatePicksEarliestExpiryFirst(t *testing.T) {
	f := newFixture(t)
	product := f.lotProduct()
	l1 := f.lotIn(t, product.ID, "L1", daysFromNow(5), 30, "1.00")
	l2 := f.lotIn(t, product.ID, "L2", daysFromNow(25), 50, "1.00")
	f.lotIn(t, product.ID, "L3", daysFromNow(60), 100, "1.00")

	result, err := f.svc.Allocate(context.Background(), stock.AllocationInput{
		TenantID:   f.tenantID,
		ProductID:  product.ID,
		LocationID: f.locationID,
		Quantity:   decimal.NewFromInt(60),
		Reference:  stock.Reference{Type: "order_line", ID: uuid.New()},
	})
	require.NoError(t, err)
	require.True(t, result.FullyAllocated)
	require.Len(t, result.Allocations, 2)
	require.Equal(t, l1.ID, result.Allocations[0].LotID.UUID)
	require.True(t, result.Allocations[0].Quantity.Equal(decimal.NewFromInt(30)))
	require.Equal(t, l2.ID, result.Allocations[1].LotID.UUID)
	require.True(t, result.Allocations[1].Quantity.Equal(decimal.NewFromInt(30)))
	require.Len(t, result.Postings, 2)

	// One outbound ledger entry per picked lot.
	onHand, err := f.svc.OnHand(context.Background(), f.tenantID, product.ID, f.locationID)
	require.NoError(t, err)
	require.True(t, onHand.Equal(decimal.NewFromInt(120)))
}

func TestAllocatePartial(t *testing.T) {
	f := newFixture(t)
	product := f.lotProduct()
	f.lotIn(t, product.ID, "L1", daysFromNow(10), 80, "1.00")
	f.lotIn(t, product.ID, "L2", daysFromNow(20), 100, "1.00")

	result, err := f.svc.Allocate(context.Background(), stock.AllocationInput{
		TenantID:     f.tenantID,
		ProductID:    product.ID,
		LocationID:   f.locationID,
		Quantity:     decimal.NewFromInt(300),
		AllowPartial: true,
		Reference:    stock.Reference{Type: "order_line", ID: uuid.New()},
	})
	require.NoError(t, err)
	require.False(t, result.FullyAllocated)
	require.True(t, result.QuantityAllocated.Equal(decimal.NewFromInt(180)))

	onHand, err := f.svc.OnHand(context.Background(), f.tenantID, product.ID, f.locationID)
	require.NoError(t, err)
	require.True(t, onHand.IsZero())
}

func TestAllocateStrictFailsWithoutSideEffects(t *testing.T) {
	f := newFixture(t)
	product := f.lotProduct()
	f.lotIn(t, product.ID, "L1", daysFromNow(10), 80, "1.00")
	f.lotIn(t, product.ID, "L2", daysFromNow(20), 100, "1.00")
	before := len(f.repo.LedgerEntries())

	_, err := f.svc.Allocate(context.Background(), stock.AllocationInput{
		TenantID:   f.tenantID,
		ProductID:  product.ID,
		LocationID: f.locationID,
		Quantity:   decimal.NewFromInt(1000),
		Reference:  stock.Reference{Type: "order_line", ID: uuid.New()},
	})
	var insufficient *stock.InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	require.True(t, insufficient.Requested.Equal(decimal.NewFromInt(1000)))
	require.True(t, insufficient.Available.Equal(decimal.NewFromInt(180)))
	require.Len(t, f.repo.LedgerEntries(), before)

	onHand, err := f.svc.OnHand(context.Background(), f.tenantID, product.ID, f.locationID)
	require.NoError(t, err)
	require.True(t, onHand.Equal(decimal.NewFromInt(180)))
}

func TestDuplicateReferenceRejected(t *testing.T) {
	f := newFixture(t)
	product := f.plainProduct()
	ref := stock.Reference{Type: "goods_receipt_line", ID: uuid.New()}
	input := stock.PostInput{
		TenantID:   f.tenantID,
		ProductID:  product.ID,
		LocationID: f.locationID,
		Type:       stock.MovementReceipt,
		Quantity:   decimal.NewFromInt(10),
		UnitCost:   decimal.NewNullDecimal(decimal.NewFromInt(4)),
		Reference:  ref,
	}

	_, err := f.svc.Post(context.Background(), input)
	require.NoError(t, err)

	_, err = f.svc.Post(context.Background(), input)
	require.ErrorIs(t, err, shared.ErrAlreadyPosted)
	require.Len(t, f.repo.LedgerEntries(), 1)
}

func TestWeightedAverageCost(t *testing.T) {
	f := newFixture(t)
	product := f.plainProduct()
	ctx := context.Background()

	post := func(qty int64, cost string) {
		_, err := f.svc.Post(ctx, stock.PostInput{
			TenantID:   f.tenantID,
			ProductID:  product.ID,
			LocationID: f.locationID,
			Type:       stock.MovementReceipt,
			Quantity:   decimal.NewFromInt(qty),
			UnitCost:   decimal.NewNullDecimal(decimal.RequireFromString(cost)),
			Reference:  stock.Reference{Type: "goods_receipt_line", ID: uuid.New()},
		})
		require.NoError(t, err)
	}
	post(30, "8.00")
	post(100, "10.00")

	cost, err := f.svc.AverageCost(ctx, f.tenantID, product.ID, f.locationID)
	require.NoError(t, err)
	require.True(t, cost.Equal(decimal.RequireFromString("9.5385")), "got %s", cost)
}

func TestAverageCostFallsBackToStandardCost(t *testing.T) {
	f := newFixture(t)
	product := f.plainProduct()

	cost, err := f.svc.AverageCost(context.Background(), f.tenantID, product.ID, f.locationID)
	require.NoError(t, err)
	require.True(t, cost.Equal(product.StandardCost))
}

func TestAllocateSkipsExpiredLots(t *testing.T) {
	f := newFixture(t)
	product := f.lotProduct()
	f.lotIn(t, product.ID, "OLD", daysFromNow(-1), 40, "1.00")
	fresh := f.lotIn(t, product.ID, "FRESH", daysFromNow(15), 40, "1.00")

	result, err := f.svc.Allocate(context.Background(), stock.AllocationInput{
		TenantID:   f.tenantID,
		ProductID:  product.ID,
		LocationID: f.locationID,
		Quantity:   decimal.NewFromInt(40),
		Reference:  stock.Reference{Type: "order_line", ID: uuid.New()},
	})
	require.NoError(t, err)
	require.Len(t, result.Allocations, 1)
	require.Equal(t, fresh.ID, result.Allocations[0].LotID.UUID)

	// Only the expired lot left; a strict allocation must not touch it.
	_, err = f.svc.Allocate(context.Background(), stock.AllocationInput{
		TenantID:   f.tenantID,
		ProductID:  product.ID,
		LocationID: f.locationID,
		Quantity:   decimal.NewFromInt(10),
		Reference:  stock.Reference{Type: "order_line", ID: uuid.New()},
	})
	var insufficient *stock.InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	require.True(t, insufficient.Available.IsZero())
}

func TestCostLayerConservation(t *testing.T) {
	f := newFixture(t)
	product := f.plainProduct()
	ctx := context.Background()

	post := func(movement stock.MovementType, qty int64, cost string) {
		input := stock.PostInput{
			TenantID:   f.tenantID,
			ProductID:  product.ID,
			LocationID: f.locationID,
			Type:       movement,
			Quantity:   decimal.NewFromInt(qty),
			Reference:  stock.Reference{Type: "line", ID: uuid.New()},
		}
		if cost != "" {
			input.UnitCost = decimal.NewNullDecimal(decimal.RequireFromString(cost))
		}
		_, err := f.svc.Post(ctx, input)
		require.NoError(t, err)
	}
	post(stock.MovementReceipt, 50, "2.00")
	post(stock.MovementReceipt, 25, "2.50")
	post(stock.MovementIssue, -30, "")
	post(stock.MovementProductionOut, -20, "")
	post(stock.MovementTransferIn, 10, "3.00")

	balance, err := f.svc.OnHand(ctx, f.tenantID, product.ID, f.locationID)
	require.NoError(t, err)

	layers, err := f.repo.ActiveLayers(ctx, f.tenantID, product.ID, f.locationID)
	require.NoError(t, err)
	total := decimal.Zero
	for _, l := range layers {
		total = total.Add(l.QuantityRemaining)
	}
	require.True(t, total.Equal(balance), "layers %s vs balance %s", total, balance)

	// FIFO: the 50@2.00 layer drains before the 25@2.50 layer is touched.
	valuations, totalValue, err := f.svc.FIFOValuation(ctx, f.tenantID, product.ID, f.locationID)
	require.NoError(t, err)
	require.Len(t, valuations, 2)
	require.True(t, valuations[0].Layer.QuantityRemaining.Equal(decimal.NewFromInt(25)))
	require.True(t, valuations[0].Layer.UnitCost.Equal(decimal.RequireFromString("2.50")))
	require.True(t, totalValue.Equal(decimal.RequireFromString("92.50")))
}

func TestOutboundNeverDrivesBalanceNegative(t *testing.T) {
	f := newFixture(t)
	product := f.plainProduct()
	ctx := context.Background()

	_, err := f.svc.Post(ctx, stock.PostInput{
		TenantID:   f.tenantID,
		ProductID:  product.ID,
		LocationID: f.locationID,
		Type:       stock.MovementReceipt,
		Quantity:   decimal.NewFromInt(10),
		UnitCost:   decimal.NewNullDecimal(decimal.NewFromInt(1)),
		Reference:  stock.Reference{Type: "line", ID: uuid.New()},
	})
	require.NoError(t, err)

	issue := func(qty int64) error {
		_, err := f.svc.Post(ctx, stock.PostInput{
			TenantID:   f.tenantID,
			ProductID:  product.ID,
			LocationID: f.locationID,
			Type:       stock.MovementIssue,
			Quantity:   decimal.NewFromInt(qty).Neg(),
			Reference:  stock.Reference{Type: "line", ID: uuid.New()},
		})
		return err
	}
	require.NoError(t, issue(6))

	err = issue(6)
	var insufficient *stock.InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	require.True(t, insufficient.Requested.Equal(decimal.NewFromInt(6)))
	require.True(t, insufficient.Available.Equal(decimal.NewFromInt(4)))

	require.NoError(t, issue(4))
	balance, err := f.svc.OnHand(ctx, f.tenantID, product.ID, f.locationID)
	require.NoError(t, err)
	require.True(t, balance.IsZero())
}

func TestRegisterLotReusesIdentity(t *testing.T) {
	f := newFixture(t)
	product := f.lotProduct()
	ctx := context.Background()

	input := stock.RegisterLotInput{
		TenantID:   f.tenantID,
		ProductID:  product.ID,
		LocationID: f.locationID,
		LotNumber:  "B-2026-001",
		ExpiryDate: daysFromNow(30),
	}
	first, err := f.svc.RegisterLot(ctx, input)
	require.NoError(t, err)
	second, err := f.svc.RegisterLot(ctx, input)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	_, err = f.svc.RegisterLot(ctx, stock.RegisterLotInput{
		TenantID:   f.tenantID,
		ProductID:  f.plainProduct().ID,
		LocationID: f.locationID,
		LotNumber:  "B-2026-002",
	})
	require.ErrorIs(t, err, stock.ErrLotNotTracked)
}

func TestLotExpiryClassification(t *testing.T) {
	f := newFixture(t)
	product := f.lotProduct()
	f.lotIn(t, product.ID, "GONE", daysFromNow(-2), 5, "1.00")
	f.lotIn(t, product.ID, "SOON", daysFromNow(3), 5, "1.00")
	f.lotIn(t, product.ID, "MONTH", daysFromNow(20), 5, "1.00")
	f.lotIn(t, product.ID, "FAR", daysFromNow(90), 5, "1.00")

	statuses, err := f.svc.LotBalancesWithStatus(context.Background(), f.tenantID, product.ID, f.locationID)
	require.NoError(t, err)
	byNumber := make(map[string]stock.ExpiryStatus, len(statuses))
	for _, s := range statuses {
		byNumber[s.Lot.LotNumber] = s.ExpiryStatus
	}
	require.Equal(t, stock.ExpiryStatusExpired, byNumber["GONE"])
	require.Equal(t, stock.ExpiryStatusExpiringSoon, byNumber["SOON"])
	require.Equal(t, stock.ExpiryStatusExpiringMonth, byNumber["MONTH"])
	require.Equal(t, stock.ExpiryStatusGood, byNumber["FAR"])
}

func TestAllocateRetryReportsAlreadyPosted(t *testing.T) {
	f := newFixture(t)
	product := f.lotProduct()
	f.lotIn(t, product.ID, "L1", daysFromNow(10), 40, "1.00")
	ref := stock.Reference{Type: "transfer_line_out", ID: uuid.New()}

	input := stock.AllocationInput{
		TenantID:   f.tenantID,
		ProductID:  product.ID,
		LocationID: f.locationID,
		Quantity:   decimal.NewFromInt(40),
		Reference:  ref,
	}
	_, err := f.svc.Allocate(context.Background(), input)
	require.NoError(t, err)
	entries := len(f.repo.LedgerEntries())

	// The whole lot is drained. A retry of the same reference must report the
	// earlier posting, not plan against the empty balance.
	_, err = f.svc.Allocate(context.Background(), input)
	require.ErrorIs(t, err, shared.ErrAlreadyPosted)
	var insufficient *stock.InsufficientStockError
	require.False(t, errors.As(err, &insufficient))
	require.Len(t, f.repo.LedgerEntries(), entries)
}

func TestReserveOnlyUnknownLocation(t *testing.T) {
	f := newFixture(t)
	product := f.lotProduct()
	f.lotIn(t, product.ID, "L1", daysFromNow(5), 30, "1.00")

	_, err := f.svc.Allocate(context.Background(), stock.AllocationInput{
		TenantID:    f.tenantID,
		ProductID:   product.ID,
		LocationID:  uuid.New(),
		Quantity:    decimal.NewFromInt(5),
		ReserveOnly: true,
	})
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestReserveOnlyPlansWithoutPosting(t *testing.T) {
	f := newFixture(t)
	product := f.lotProduct()
	f.lotIn(t, product.ID, "L1", daysFromNow(5), 30, "1.00")
	before := len(f.repo.LedgerEntries())

	result, err := f.svc.Allocate(context.Background(), stock.AllocationInput{
		TenantID:    f.tenantID,
		ProductID:   product.ID,
		LocationID:  f.locationID,
		Quantity:    decimal.NewFromInt(20),
		ReserveOnly: true,
	})
	require.NoError(t, err)
	require.True(t, result.FullyAllocated)
	require.Empty(t, result.Postings)
	require.Len(t, f.repo.LedgerEntries(), before)
}
