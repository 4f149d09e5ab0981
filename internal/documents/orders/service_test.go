package orders

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

type memoryRepo struct {
	docs   map[uuid.UUID]Order
	nextID int64
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{docs: make(map[uuid.UUID]Order)}
}

func (r *memoryRepo) Create(ctx context.Context, doc Order) (Order, error) {
	doc.ID = uuid.New()
	doc.CreatedAt = time.Now().UTC()
	for i := range doc.Lines {
		r.nextID++
		doc.Lines[i].ID = r.nextID
		doc.Lines[i].OrderID = doc.ID
	}
	r.docs[doc.ID] = doc
	return doc, nil
}

func (r *memoryRepo) Get(ctx context.Context, tenantID, id uuid.UUID) (Order, error) {
	doc, ok := r.docs[id]
	if !ok || doc.TenantID != tenantID {
		return Order{}, shared.ErrNotFound
	}
	return doc, nil
}

func (r *memoryRepo) List(ctx context.Context, tenantID uuid.UUID, status Status, limit, offset int) ([]Order, error) {
	var docs []Order
	for _, doc := range r.docs {
		if doc.TenantID == tenantID && (status == "" || doc.Status == status) {
			docs = append(docs, doc)
		}
	}
	return docs, nil
}

func (r *memoryRepo) SetStatus(ctx context.Context, tenantID, id uuid.UUID, from, to Status, at *time.Time) error {
	doc, ok := r.docs[id]
	if !ok || doc.TenantID != tenantID {
		return shared.ErrNotFound
	}
	if doc.Status != from {
		return shared.ErrInvalidStateTransition
	}
	doc.Status = to
	switch to {
	case StatusConfirmed:
		doc.ConfirmedAt = at
	case StatusCompleted:
		doc.CompletedAt = at
	}
	r.docs[id] = doc
	return nil
}

func (r *memoryRepo) SetLineCost(ctx context.Context, lineID int64, cost decimal.Decimal) error {
	for id, doc := range r.docs {
		for i := range doc.Lines {
			if doc.Lines[i].ID == lineID {
				doc.Lines[i].CostValue = decimal.NewNullDecimal(cost)
				r.docs[id] = doc
				return nil
			}
		}
	}
	return shared.ErrNotFound
}

func (r *memoryRepo) SavePicks(ctx context.Context, lineID int64, picks []LinePick) error {
	for id, doc := range r.docs {
		for i := range doc.Lines {
			if doc.Lines[i].ID == lineID {
				doc.Lines[i].Picks = picks
				r.docs[id] = doc
				return nil
			}
		}
	}
	return shared.ErrNotFound
}

type fixture struct {
	repo       *memoryRepo
	stockRepo  *stocktest.Repository
	engine     *stock.Service
	svc        *Service
	tenantID   uuid.UUID
	locationID uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	stockRepo := stocktest.NewRepository()
	engine := stock.NewService(stockRepo, nil, nil, nil, stock.ServiceConfig{})
	repo := newMemoryRepo()
	return &fixture{
		repo:       repo,
		stockRepo:  stockRepo,
		engine:     engine,
		svc:        NewService(repo, engine, nil, nil),
		tenantID:   uuid.New(),
		locationID: stockRepo.AddLocation(),
	}
}

func (f *fixture) receiveLot(t *testing.T, productID uuid.UUID, lotNumber, qty, unitCost string, expiry time.Time) stock.Lot {
	t.Helper()
	lot := f.stockRepo.AddLot(stock.Lot{
		TenantID:     f.tenantID,
		ProductID:    productID,
		LocationID:   f.locationID,
		LotNumber:    lotNumber,
		ExpiryDate:   &expiry,
		ReceivedDate: time.Now().UTC(),
	})
	_, err := f.engine.Post(context.Background(), stock.PostInput{
		TenantID:   f.tenantID,
		ProductID:  productID,
		LocationID: f.locationID,
		LotID:      uuid.NullUUID{UUID: lot.ID, Valid: true},
		Type:       stock.MovementReceipt,
		Quantity:   decimal.RequireFromString(qty),
		UnitCost:   decimal.NewNullDecimal(decimal.RequireFromString(unitCost)),
		Reference:  stock.Reference{Type: "goods_receipt_line", ID: uuid.New()},
	})
	require.NoError(t, err)
	return lot
}

func TestConfirmIssuesEarliestExpiryFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	product := f.stockRepo.AddProduct(stock.ProductRef{
		Code: "DISH-QUICHE", BaseUnit: "pc", LotTracked: true, FEFOPolicy: stock.FEFOMandatory,
	})
	now := time.Now().UTC()
	f.receiveLot(t, product.ID, "Q-LATE", "10", "3.00", now.AddDate(0, 0, 20))
	f.receiveLot(t, product.ID, "Q-SOON", "4", "2.00", now.AddDate(0, 0, 2))

	doc, err := f.svc.Create(ctx, CreateInput{
		TenantID:   f.tenantID,
		LocationID: f.locationID,
		Lines: []LineInput{{
			ProductID: product.ID,
			Quantity:  decimal.NewFromInt(6),
			UnitPrice: decimal.RequireFromString("7.50"),
		}},
	})
	require.NoError(t, err)

	confirmed, err := f.svc.Confirm(ctx, f.tenantID, doc.ID, uuid.NullUUID{})
	require.NoError(t, err)
	require.Equal(t, StatusConfirmed, confirmed.Status)

	line := confirmed.Lines[0]
	require.Len(t, line.Picks, 2)
	require.Equal(t, "Q-SOON", line.Picks[0].LotNumber)
	require.True(t, line.Picks[0].Quantity.Equal(decimal.NewFromInt(4)))
	require.Equal(t, "Q-LATE", line.Picks[1].LotNumber)
	require.True(t, line.Picks[1].Quantity.Equal(decimal.NewFromInt(2)))
	// 4 @ 2.00 + 2 @ 3.00
	require.True(t, line.CostValue.Decimal.Equal(decimal.NewFromInt(14)), "got %s", line.CostValue.Decimal)
}

type flakyRepo struct {
	*memoryRepo
	failCosts int
}

func (r *flakyRepo) SetLineCost(ctx context.Context, lineID int64, cost decimal.Decimal) error {
	if r.failCosts > 0 {
		r.failCosts--
		return errors.New("connection reset")
	}
	return r.memoryRepo.SetLineCost(ctx, lineID, cost)
}

func TestConfirmRetryRecoversCostAndPicks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	repo := &flakyRepo{memoryRepo: f.repo, failCosts: 1}
	f.svc = NewService(repo, f.engine, nil, nil)
	product := f.stockRepo.AddProduct(stock.ProductRef{
		Code: "DISH-QUICHE", BaseUnit: "pc", LotTracked: true, FEFOPolicy: stock.FEFOMandatory,
	})
	now := time.Now().UTC()
	f.receiveLot(t, product.ID, "Q-SOON", "4", "2.00", now.AddDate(0, 0, 2))
	f.receiveLot(t, product.ID, "Q-LATE", "10", "3.00", now.AddDate(0, 0, 20))

	doc, err := f.svc.Create(ctx, CreateInput{
		TenantID:   f.tenantID,
		LocationID: f.locationID,
		Lines: []LineInput{{
			ProductID: product.ID,
			Quantity:  decimal.NewFromInt(6),
			UnitPrice: decimal.RequireFromString("7.50"),
		}},
	})
	require.NoError(t, err)

	// First attempt commits the stock batch, then fails persisting the cost.
	_, err = f.svc.Confirm(ctx, f.tenantID, doc.ID, uuid.NullUUID{})
	require.Error(t, err)
	entries := len(f.stockRepo.LedgerEntries())

	confirmed, err := f.svc.Confirm(ctx, f.tenantID, doc.ID, uuid.NullUUID{})
	require.NoError(t, err)
	require.Equal(t, StatusConfirmed, confirmed.Status)
	require.Len(t, f.stockRepo.LedgerEntries(), entries)

	line := confirmed.Lines[0]
	require.True(t, line.CostValue.Decimal.Equal(decimal.NewFromInt(14)), "got %s", line.CostValue.Decimal)
	require.Len(t, line.Picks, 2)
	require.Equal(t, "Q-SOON", line.Picks[0].LotNumber)
	require.True(t, line.Picks[0].Quantity.Equal(decimal.NewFromInt(4)))
	require.Equal(t, "Q-LATE", line.Picks[1].LotNumber)
	require.True(t, line.Picks[1].Quantity.Equal(decimal.NewFromInt(2)))
}

func TestConfirmRejectsExpiredPinnedLot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	product := f.stockRepo.AddProduct(stock.ProductRef{
		Code: "DISH-TART", BaseUnit: "pc", LotTracked: true, FEFOPolicy: stock.FEFOOptional,
	})
	now := time.Now().UTC()
	expired := f.receiveLot(t, product.ID, "T-OLD", "5", "2.20", now.AddDate(0, 0, -1))

	doc, err := f.svc.Create(ctx, CreateInput{
		TenantID:   f.tenantID,
		LocationID: f.locationID,
		Lines: []LineInput{{
			ProductID: product.ID,
			LotID:     uuid.NullUUID{UUID: expired.ID, Valid: true},
			Quantity:  decimal.NewFromInt(2),
			UnitPrice: decimal.RequireFromString("5.00"),
		}},
	})
	require.NoError(t, err)

	_, err = f.svc.Confirm(ctx, f.tenantID, doc.ID, uuid.NullUUID{})
	require.ErrorIs(t, err, stock.ErrLotExpired)
	require.Len(t, f.stockRepo.LedgerEntries(), 1)

	current, err := f.svc.Get(ctx, f.tenantID, doc.ID)
	require.NoError(t, err)
	require.Equal(t, StatusDraft, current.Status)
}

func TestConfirmInsufficientStockRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	product := f.stockRepo.AddProduct(stock.ProductRef{
		Code: "DISH-PIE", BaseUnit: "pc", LotTracked: true, FEFOPolicy: stock.FEFOMandatory,
	})
	f.receiveLot(t, product.ID, "P-1", "3", "4.00", time.Now().UTC().AddDate(0, 0, 10))

	doc, err := f.svc.Create(ctx, CreateInput{
		TenantID:   f.tenantID,
		LocationID: f.locationID,
		Lines: []LineInput{{
			ProductID: product.ID,
			Quantity:  decimal.NewFromInt(8),
			UnitPrice: decimal.RequireFromString("9.00"),
		}},
	})
	require.NoError(t, err)

	_, err = f.svc.Confirm(ctx, f.tenantID, doc.ID, uuid.NullUUID{})
	var insufficient *stock.InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	require.Len(t, f.stockRepo.LedgerEntries(), 1)
}

func TestCompleteRequiresConfirmation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	product := f.stockRepo.AddProduct(stock.ProductRef{Code: "DRINK-JUICE", BaseUnit: "pc"})

	doc, err := f.svc.Create(ctx, CreateInput{
		TenantID:   f.tenantID,
		LocationID: f.locationID,
		Lines:      []LineInput{{ProductID: product.ID, Quantity: decimal.NewFromInt(1), UnitPrice: decimal.RequireFromString("3.20")}},
	})
	require.NoError(t, err)

	_, err = f.svc.Complete(ctx, f.tenantID, doc.ID, uuid.NullUUID{})
	require.ErrorIs(t, err, shared.ErrInvalidStateTransition)
}

func TestConfirmedOrderCannotBeCancelled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	product := f.stockRepo.AddProduct(stock.ProductRef{Code: "DRINK-JUICE", BaseUnit: "pc"})
	_, err := f.engine.Post(ctx, stock.PostInput{
		TenantID:   f.tenantID,
		ProductID:  product.ID,
		LocationID: f.locationID,
		Type:       stock.MovementReceipt,
		Quantity:   decimal.NewFromInt(5),
		UnitCost:   decimal.NewNullDecimal(decimal.NewFromInt(1)),
		Reference:  stock.Reference{Type: "goods_receipt_line", ID: uuid.New()},
	})
	require.NoError(t, err)

	doc, err := f.svc.Create(ctx, CreateInput{
		TenantID:   f.tenantID,
		LocationID: f.locationID,
		Lines:      []LineInput{{ProductID: product.ID, Quantity: decimal.NewFromInt(2), UnitPrice: decimal.RequireFromString("3.20")}},
	})
	require.NoError(t, err)

	_, err = f.svc.Confirm(ctx, f.tenantID, doc.ID, uuid.NullUUID{})
	require.NoError(t, err)

	err = f.svc.Cancel(ctx, f.tenantID, doc.ID, uuid.NullUUID{})
	require.ErrorIs(t, err, shared.ErrInvalidStateTransition)
}

func TestConfirmRejectsPinnedLotWhenFEFOMandatory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	product := f.stockRepo.AddProduct(stock.ProductRef{
		Code: "RAW-CHICKEN", BaseUnit: "kg", LotTracked: true, FEFOPolicy: stock.FEFOMandatory,
	})
	lot := f.receiveLot(t, product.ID, "C-1", "10", "6.00", time.Now().UTC().AddDate(0, 0, 5))

	doc, err := f.svc.Create(ctx, CreateInput{
		TenantID:   f.tenantID,
		LocationID: f.locationID,
		Lines: []LineInput{{
			ProductID: product.ID,
			LotID:     uuid.NullUUID{UUID: lot.ID, Valid: true},
			Quantity:  decimal.NewFromInt(2),
			UnitPrice: decimal.RequireFromString("11.00"),
		}},
	})
	require.NoError(t, err)

	_, err = f.svc.Confirm(ctx, f.tenantID, doc.ID, uuid.NullUUID{})
	require.ErrorIs(t, err, shared.ErrValidation)
	require.Len(t, f.stockRepo.LedgerEntries(), 1)
}
