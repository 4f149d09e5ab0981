package returns

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
	docs   map[uuid.UUID]Return
	nextID int64
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{docs: make(map[uuid.UUID]Return)}
}

func (r *memoryRepo) Create(ctx context.Context, doc Return) (Return, error) {
	doc.ID = uuid.New()
	doc.CreatedAt = time.Now().UTC()
	for i := range doc.Lines {
		r.nextID++
		doc.Lines[i].ID = r.nextID
		doc.Lines[i].ReturnID = doc.ID
	}
	r.docs[doc.ID] = doc
	return doc, nil
}

func (r *memoryRepo) Get(ctx context.Context, tenantID, id uuid.UUID) (Return, error) {
	doc, ok := r.docs[id]
	if !ok || doc.TenantID != tenantID {
		return Return{}, shared.ErrNotFound
	}
	return doc, nil
}

func (r *memoryRepo) List(ctx context.Context, tenantID uuid.UUID, status Status, limit, offset int) ([]Return, error) {
	var docs []Return
	for _, doc := range r.docs {
		if doc.TenantID == tenantID && (status == "" || doc.Status == status) {
			docs = append(docs, doc)
		}
	}
	return docs, nil
}

func (r *memoryRepo) SetStatus(ctx context.Context, tenantID, id uuid.UUID, from, to Status, postedAt *time.Time) error {
	doc, ok := r.docs[id]
	if !ok || doc.TenantID != tenantID {
		return shared.ErrNotFound
	}
	if doc.Status != from {
		return shared.ErrInvalidStateTransition
	}
	doc.Status = to
	if postedAt != nil {
		doc.PostedAt = postedAt
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

func TestPostIssuesAgainstReceivedLot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	product := f.stockRepo.AddProduct(stock.ProductRef{
		Code: "RAW-YEAST", BaseUnit: "kg", LotTracked: true, FEFOPolicy: stock.FEFOOptional,
	})
	expiry := time.Now().UTC().AddDate(0, 0, 30)
	lot := f.stockRepo.AddLot(stock.Lot{
		TenantID:     f.tenantID,
		ProductID:    product.ID,
		LocationID:   f.locationID,
		LotNumber:    "Y-100",
		ExpiryDate:   &expiry,
		ReceivedDate: time.Now().UTC(),
	})
	_, err := f.engine.Post(ctx, stock.PostInput{
		TenantID:   f.tenantID,
		ProductID:  product.ID,
		LocationID: f.locationID,
		LotID:      uuid.NullUUID{UUID: lot.ID, Valid: true},
		Type:       stock.MovementReceipt,
		Quantity:   decimal.NewFromInt(8),
		UnitCost:   decimal.NewNullDecimal(decimal.RequireFromString("12.00")),
		Reference:  stock.Reference{Type: "goods_receipt_line", ID: uuid.New()},
	})
	require.NoError(t, err)

	doc, err := f.svc.Create(ctx, CreateInput{
		TenantID:    f.tenantID,
		LocationID:  f.locationID,
		SupplierRef: "SUP-77",
		Lines: []LineInput{{
			ProductID: product.ID,
			LotID:     uuid.NullUUID{UUID: lot.ID, Valid: true},
			Quantity:  decimal.NewFromInt(3),
		}},
	})
	require.NoError(t, err)

	posted, err := f.svc.Post(ctx, f.tenantID, doc.ID, uuid.NullUUID{})
	require.NoError(t, err)
	require.Equal(t, StatusPosted, posted.Status)
	require.True(t, posted.Lines[0].CostValue.Decimal.Equal(decimal.RequireFromString("36")),
		"got %s", posted.Lines[0].CostValue.Decimal)

	balance, err := f.stockRepo.ProductBalance(ctx, f.tenantID, product.ID, f.locationID, time.Now().UTC())
	require.NoError(t, err)
	require.True(t, balance.Equal(decimal.NewFromInt(5)))
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

func TestPostRetryRecoversLineCost(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	repo := &flakyRepo{memoryRepo: f.repo, failCosts: 1}
	f.svc = NewService(repo, f.engine, nil, nil)
	product := f.stockRepo.AddProduct(stock.ProductRef{Code: "PACK-BOX", BaseUnit: "pc"})
	_, err := f.engine.Post(ctx, stock.PostInput{
		TenantID:   f.tenantID,
		ProductID:  product.ID,
		LocationID: f.locationID,
		Type:       stock.MovementReceipt,
		Quantity:   decimal.NewFromInt(10),
		UnitCost:   decimal.NewNullDecimal(decimal.RequireFromString("2.50")),
		Reference:  stock.Reference{Type: "goods_receipt_line", ID: uuid.New()},
	})
	require.NoError(t, err)

	doc, err := f.svc.Create(ctx, CreateInput{
		TenantID:    f.tenantID,
		LocationID:  f.locationID,
		SupplierRef: "SUP-12",
		Lines:       []LineInput{{ProductID: product.ID, Quantity: decimal.NewFromInt(4)}},
	})
	require.NoError(t, err)

	// First attempt commits the issue, then fails persisting the cost.
	_, err = f.svc.Post(ctx, f.tenantID, doc.ID, uuid.NullUUID{})
	require.Error(t, err)
	entries := len(f.stockRepo.LedgerEntries())

	posted, err := f.svc.Post(ctx, f.tenantID, doc.ID, uuid.NullUUID{})
	require.NoError(t, err)
	require.Equal(t, StatusPosted, posted.Status)
	require.True(t, posted.Lines[0].CostValue.Decimal.Equal(decimal.RequireFromString("10")),
		"got %s", posted.Lines[0].CostValue.Decimal)
	require.Len(t, f.stockRepo.LedgerEntries(), entries)

	balance, err := f.stockRepo.ProductBalance(ctx, f.tenantID, product.ID, f.locationID, time.Now().UTC())
	require.NoError(t, err)
	require.True(t, balance.Equal(decimal.NewFromInt(6)))
}

func TestPostRejectsOverdraw(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	product := f.stockRepo.AddProduct(stock.ProductRef{Code: "PACK-BAG", BaseUnit: "pc"})
	_, err := f.engine.Post(ctx, stock.PostInput{
		TenantID:   f.tenantID,
		ProductID:  product.ID,
		LocationID: f.locationID,
		Type:       stock.MovementReceipt,
		Quantity:   decimal.NewFromInt(2),
		UnitCost:   decimal.NewNullDecimal(decimal.NewFromInt(1)),
		Reference:  stock.Reference{Type: "goods_receipt_line", ID: uuid.New()},
	})
	require.NoError(t, err)

	doc, err := f.svc.Create(ctx, CreateInput{
		TenantID:   f.tenantID,
		LocationID: f.locationID,
		Lines:      []LineInput{{ProductID: product.ID, Quantity: decimal.NewFromInt(5)}},
	})
	require.NoError(t, err)

	_, err = f.svc.Post(ctx, f.tenantID, doc.ID, uuid.NullUUID{})
	var insufficient *stock.InsufficientStockError
	require.ErrorAs(t, err, &insufficient)

	current, err := f.svc.Get(ctx, f.tenantID, doc.ID)
	require.NoError(t, err)
	require.Equal(t, StatusDraft, current.Status)
}
