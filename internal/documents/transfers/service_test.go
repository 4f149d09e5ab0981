package transfers

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
	docs        map[uuid.UUID]Transfer
	nextLineID  int64
	nextAllocID int64
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{docs: make(map[uuid.UUID]Transfer)}
}

func (r *memoryRepo) Create(ctx context.Context, doc Transfer) (Transfer, error) {
	doc.ID = uuid.New()
	doc.CreatedAt = time.Now().UTC()
	for i := range doc.Lines {
		r.nextLineID++
		doc.Lines[i].ID = r.nextLineID
		doc.Lines[i].TransferID = doc.ID
	}
	r.docs[doc.ID] = doc
	return doc, nil
}

func (r *memoryRepo) Get(ctx context.Context, tenantID, id uuid.UUID) (Transfer, error) {
	doc, ok := r.docs[id]
	if !ok || doc.TenantID != tenantID {
		return Transfer{}, shared.ErrNotFound
	}
	return doc, nil
}

func (r *memoryRepo) List(ctx context.Context, tenantID uuid.UUID, status Status, limit, offset int) ([]Transfer, error) {
	var docs []Transfer
	for _, doc := range r.docs {
		if doc.TenantID != tenantID {
			continue
		}
		if status != "" && doc.Status != status {
			continue
		}
		docs = append(docs, doc)
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
	case StatusInTransit:
		doc.DispatchedAt = at
	case StatusCompleted:
		doc.ReceivedAt = at
	}
	r.docs[id] = doc
	return nil
}

func (r *memoryRepo) SaveAllocations(ctx context.Context, lineID int64, allocations []LineAllocation) error {
	for id, doc := range r.docs {
		for i := range doc.Lines {
			if doc.Lines[i].ID != lineID {
				continue
			}
			stored := make([]LineAllocation, len(allocations))
			copy(stored, allocations)
			for j := range stored {
				r.nextAllocID++
				stored[j].ID = r.nextAllocID
				stored[j].LineID = lineID
			}
			doc.Lines[i].Allocations = stored
			r.docs[id] = doc
			return nil
		}
	}
	return shared.ErrNotFound
}

type fixture struct {
	repo      *memoryRepo
	stockRepo *stocktest.Repository
	engine    *stock.Service
	svc       *Service
	tenantID  uuid.UUID
	fromID    uuid.UUID
	toID      uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	stockRepo := stocktest.NewRepository()
	engine := stock.NewService(stockRepo, nil, nil, nil, stock.ServiceConfig{})
	repo := newMemoryRepo()
	return &fixture{
		repo:      repo,
		stockRepo: stockRepo,
		engine:    engine,
		svc:       NewService(repo, engine, nil, nil),
		tenantID:  uuid.New(),
		fromID:    stockRepo.AddLocation(),
		toID:      stockRepo.AddLocation(),
	}
}

func (f *fixture) receiveLot(t *testing.T, productID uuid.UUID, number string, expiryDays int, qty int64, cost string) stock.Lot {
	t.Helper()
	expiry := time.Now().UTC().AddDate(0, 0, expiryDays)
	lot := f.stockRepo.AddLot(stock.Lot{
		TenantID:     f.tenantID,
		ProductID:    productID,
		LocationID:   f.fromID,
		LotNumber:    number,
		ExpiryDate:   &expiry,
		ReceivedDate: time.Now().UTC(),
	})
	_, err := f.engine.Post(context.Background(), stock.PostInput{
		TenantID:   f.tenantID,
		ProductID:  productID,
		LocationID: f.fromID,
		LotID:      uuid.NullUUID{UUID: lot.ID, Valid: true},
		Type:       stock.MovementReceipt,
		Quantity:   decimal.NewFromInt(qty),
		UnitCost:   decimal.NewNullDecimal(decimal.RequireFromString(cost)),
		Reference:  stock.Reference{Type: "goods_receipt_line", ID: uuid.New()},
	})
	require.NoError(t, err)
	return lot
}

func TestDispatchAndReceivePreservesLotsAndValue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	product := f.stockRepo.AddProduct(stock.ProductRef{
		Code: "RAW-BUTTER", BaseUnit: "kg", LotTracked: true, Perishable: true, FEFOPolicy: stock.FEFOMandatory,
	})
	f.receiveLot(t, product.ID, "B1", 5, 30, "4.00")
	f.receiveLot(t, product.ID, "B2", 40, 50, "5.00")

	doc, err := f.svc.Create(ctx, CreateInput{
		TenantID:       f.tenantID,
		FromLocationID: f.fromID,
		ToLocationID:   f.toID,
		Lines:          []LineInput{{ProductID: product.ID, Quantity: decimal.NewFromInt(50)}},
	})
	require.NoError(t, err)

	dispatched, err := f.svc.Dispatch(ctx, f.tenantID, doc.ID, uuid.NullUUID{})
	require.NoError(t, err)
	require.Equal(t, StatusInTransit, dispatched.Status)
	require.NotNil(t, dispatched.DispatchedAt)

	// Earliest expiry drains first: 30 from B1 at 4.00, 20 from B2 at 5.00.
	picks := dispatched.Lines[0].Allocations
	require.Len(t, picks, 2)
	require.Equal(t, "B1", picks[0].LotNumber)
	require.True(t, picks[0].Quantity.Equal(decimal.NewFromInt(30)))
	require.True(t, picks[0].UnitCost.Equal(decimal.RequireFromString("4")), "got %s", picks[0].UnitCost)
	require.Equal(t, "B2", picks[1].LotNumber)
	require.True(t, picks[1].Quantity.Equal(decimal.NewFromInt(20)))
	require.True(t, picks[1].UnitCost.Equal(decimal.RequireFromString("5")), "got %s", picks[1].UnitCost)

	received, err := f.svc.Receive(ctx, f.tenantID, doc.ID, uuid.NullUUID{})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, received.Status)

	fromBalance, err := f.stockRepo.ProductBalance(ctx, f.tenantID, product.ID, f.fromID, time.Now().UTC())
	require.NoError(t, err)
	require.True(t, fromBalance.Equal(decimal.NewFromInt(30)))
	toBalance, err := f.stockRepo.ProductBalance(ctx, f.tenantID, product.ID, f.toID, time.Now().UTC())
	require.NoError(t, err)
	require.True(t, toBalance.Equal(decimal.NewFromInt(50)))

	// Lot numbers and expiry carried over to the destination.
	balances, err := f.stockRepo.LotBalances(ctx, f.tenantID, product.ID, f.toID)
	require.NoError(t, err)
	byNumber := make(map[string]decimal.Decimal, len(balances))
	for _, b := range balances {
		byNumber[b.Lot.LotNumber] = b.Balance
		require.NotNil(t, b.Lot.ExpiryDate)
	}
	require.True(t, byNumber["B1"].Equal(decimal.NewFromInt(30)))
	require.True(t, byNumber["B2"].Equal(decimal.NewFromInt(20)))

	// Destination layers carry the consumed cost, so value moved 1:1.
	layers, err := f.stockRepo.ActiveLayers(ctx, f.tenantID, product.ID, f.toID)
	require.NoError(t, err)
	value := decimal.Zero
	for _, l := range layers {
		value = value.Add(l.QuantityRemaining.Mul(l.UnitCost))
	}
	require.True(t, value.Equal(decimal.RequireFromString("220")), "got %s", value)
}

func TestDispatchInsufficientStockRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	product := f.stockRepo.AddProduct(stock.ProductRef{
		Code: "RAW-BUTTER", BaseUnit: "kg", LotTracked: true, FEFOPolicy: stock.FEFOMandatory,
	})
	f.receiveLot(t, product.ID, "B1", 10, 10, "4.00")
	before := len(f.stockRepo.LedgerEntries())

	doc, err := f.svc.Create(ctx, CreateInput{
		TenantID:       f.tenantID,
		FromLocationID: f.fromID,
		ToLocationID:   f.toID,
		Lines:          []LineInput{{ProductID: product.ID, Quantity: decimal.NewFromInt(100)}},
	})
	require.NoError(t, err)

	_, err = f.svc.Dispatch(ctx, f.tenantID, doc.ID, uuid.NullUUID{})
	var insufficient *stock.InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	require.Len(t, f.stockRepo.LedgerEntries(), before)

	current, err := f.svc.Get(ctx, f.tenantID, doc.ID)
	require.NoError(t, err)
	require.Equal(t, StatusDraft, current.Status)
}

type flakyRepo struct {
	*memoryRepo
	failSaves int
}

func (r *flakyRepo) SaveAllocations(ctx context.Context, lineID int64, allocations []LineAllocation) error {
	if r.failSaves > 0 {
		r.failSaves--
		return errors.New("connection reset")
	}
	return r.memoryRepo.SaveAllocations(ctx, lineID, allocations)
}

func TestDispatchRetryAfterSaveFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	repo := &flakyRepo{memoryRepo: f.repo, failSaves: 1}
	f.svc = NewService(repo, f.engine, nil, nil)
	product := f.stockRepo.AddProduct(stock.ProductRef{
		Code: "RAW-CREAM", BaseUnit: "l", LotTracked: true, Perishable: true, FEFOPolicy: stock.FEFOMandatory,
	})
	f.receiveLot(t, product.ID, "C1", 7, 40, "3.00")

	doc, err := f.svc.Create(ctx, CreateInput{
		TenantID:       f.tenantID,
		FromLocationID: f.fromID,
		ToLocationID:   f.toID,
		Lines:          []LineInput{{ProductID: product.ID, Quantity: decimal.NewFromInt(40)}},
	})
	require.NoError(t, err)

	// First attempt commits the stock batch, then fails persisting the picks.
	_, err = f.svc.Dispatch(ctx, f.tenantID, doc.ID, uuid.NullUUID{})
	require.Error(t, err)
	balance, err := f.stockRepo.ProductBalance(ctx, f.tenantID, product.ID, f.fromID, time.Now().UTC())
	require.NoError(t, err)
	require.True(t, balance.IsZero())

	// The retry skips the posted line but still records its picks.
	dispatched, err := f.svc.Dispatch(ctx, f.tenantID, doc.ID, uuid.NullUUID{})
	require.NoError(t, err)
	require.Equal(t, StatusInTransit, dispatched.Status)
	picks := dispatched.Lines[0].Allocations
	require.Len(t, picks, 1)
	require.Equal(t, "C1", picks[0].LotNumber)
	require.True(t, picks[0].Quantity.Equal(decimal.NewFromInt(40)))
	require.True(t, picks[0].UnitCost.Equal(decimal.RequireFromString("3")), "got %s", picks[0].UnitCost)

	// No second outbound posting happened.
	outbound := 0
	for _, e := range f.stockRepo.LedgerEntries() {
		if e.Type == stock.MovementTransferOut {
			outbound++
		}
	}
	require.Equal(t, 1, outbound)

	received, err := f.svc.Receive(ctx, f.tenantID, doc.ID, uuid.NullUUID{})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, received.Status)
	toBalance, err := f.stockRepo.ProductBalance(ctx, f.tenantID, product.ID, f.toID, time.Now().UTC())
	require.NoError(t, err)
	require.True(t, toBalance.Equal(decimal.NewFromInt(40)))
}

func TestCreateRejectsSameLocations(t *testing.T) {
	f := newFixture(t)
	loc := f.fromID
	_, err := f.svc.Create(context.Background(), CreateInput{
		TenantID:       f.tenantID,
		FromLocationID: loc,
		ToLocationID:   loc,
		Lines:          []LineInput{{ProductID: uuid.New(), Quantity: decimal.NewFromInt(1)}},
	})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestReceiveRequiresDispatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	product := f.stockRepo.AddProduct(stock.ProductRef{Code: "PACK-BOX", BaseUnit: "pc"})

	doc, err := f.svc.Create(ctx, CreateInput{
		TenantID:       f.tenantID,
		FromLocationID: f.fromID,
		ToLocationID:   f.toID,
		Lines:          []LineInput{{ProductID: product.ID, Quantity: decimal.NewFromInt(5)}},
	})
	require.NoError(t, err)

	_, err = f.svc.Receive(ctx, f.tenantID, doc.ID, uuid.NullUUID{})
	require.ErrorIs(t, err, shared.ErrInvalidStateTransition)
}
