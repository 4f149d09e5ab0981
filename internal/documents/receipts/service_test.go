package receipts

import (
	"context"
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
	docs       map[uuid.UUID]GoodsReceipt
	nextLineID int64
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{docs: make(map[uuid.UUID]GoodsReceipt)}
}

func (r *memoryRepo) Create(ctx context.Context, doc GoodsReceipt) (GoodsReceipt, error) {
	doc.ID = uuid.New()
	doc.CreatedAt = time.Now().UTC()
	for i := range doc.Lines {
		r.nextLineID++
		doc.Lines[i].ID = r.nextLineID
		doc.Lines[i].ReceiptID = doc.ID
	}
	r.docs[doc.ID] = doc
	return doc, nil
}

func (r *memoryRepo) Get(ctx context.Context, tenantID, id uuid.UUID) (GoodsReceipt, error) {
	doc, ok := r.docs[id]
	if !ok || doc.TenantID != tenantID {
		return GoodsReceipt{}, shared.ErrNotFound
	}
	return doc, nil
}

func (r *memoryRepo) List(ctx context.Context, tenantID uuid.UUID, status Status, limit, offset int) ([]GoodsReceipt, error) {
	var docs []GoodsReceipt
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

func (r *memoryRepo) SetLineLot(ctx context.Context, lineID int64, lotID uuid.UUID) error {
	for id, doc := range r.docs {
		for i := range doc.Lines {
			if doc.Lines[i].ID == lineID {
				doc.Lines[i].LotID = uuid.NullUUID{UUID: lotID, Valid: true}
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
		svc:        NewService(repo, engine, nil, nil),
		tenantID:   uuid.New(),
		locationID: stockRepo.AddLocation(),
	}
}

func TestPostRegistersLotsAndPostsLines(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	shelfLife := 14
	tracked := f.stockRepo.AddProduct(stock.ProductRef{
		Code: "RAW-MILK", BaseUnit: "l", LotTracked: true, Perishable: true,
		FEFOPolicy: stock.FEFOMandatory, ShelfLifeDays: &shelfLife,
	})
	plain := f.stockRepo.AddProduct(stock.ProductRef{Code: "PACK-JAR", BaseUnit: "pc"})

	doc, err := f.svc.Create(ctx, CreateInput{
		TenantID:   f.tenantID,
		LocationID: f.locationID,
		Lines: []LineInput{
			{ProductID: tracked.ID, Quantity: decimal.NewFromInt(100), UnitCost: decimal.RequireFromString("0.80"), LotNumber: "MILK-001"},
			{ProductID: plain.ID, Quantity: decimal.NewFromInt(40), UnitCost: decimal.RequireFromString("0.25")},
		},
	})
	require.NoError(t, err)
	require.Equal(t, StatusDraft, doc.Status)
	require.NotEmpty(t, doc.Number)

	posted, err := f.svc.Post(ctx, f.tenantID, doc.ID, uuid.NullUUID{})
	require.NoError(t, err)
	require.Equal(t, StatusPosted, posted.Status)
	require.NotNil(t, posted.PostedAt)
	require.True(t, posted.Lines[0].LotID.Valid)
	require.False(t, posted.Lines[1].LotID.Valid)

	// Lot expiry defaulted from the product's shelf life.
	lot, err := f.stockRepo.GetLot(ctx, f.tenantID, posted.Lines[0].LotID.UUID)
	require.NoError(t, err)
	require.NotNil(t, lot.ExpiryDate)
	require.WithinDuration(t, doc.ReceivedAt.AddDate(0, 0, shelfLife), *lot.ExpiryDate, time.Second)

	require.Len(t, f.stockRepo.LedgerEntries(), 2)
	balance, err := f.stockRepo.ProductBalance(ctx, f.tenantID, tracked.ID, f.locationID, time.Now().UTC())
	require.NoError(t, err)
	require.True(t, balance.Equal(decimal.NewFromInt(100)))
}

func TestPostRequiresLotNumberForTrackedProducts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tracked := f.stockRepo.AddProduct(stock.ProductRef{Code: "RAW-MILK", BaseUnit: "l", LotTracked: true})

	doc, err := f.svc.Create(ctx, CreateInput{
		TenantID:   f.tenantID,
		LocationID: f.locationID,
		Lines:      []LineInput{{ProductID: tracked.ID, Quantity: decimal.NewFromInt(10), UnitCost: decimal.NewFromInt(1)}},
	})
	require.NoError(t, err)

	_, err = f.svc.Post(ctx, f.tenantID, doc.ID, uuid.NullUUID{})
	require.ErrorIs(t, err, shared.ErrValidation)

	// Posting failed atomically: nothing reached the ledger, document stays draft.
	require.Empty(t, f.stockRepo.LedgerEntries())
	current, err := f.svc.Get(ctx, f.tenantID, doc.ID)
	require.NoError(t, err)
	require.Equal(t, StatusDraft, current.Status)
}

func TestPostedReceiptCannotBeCancelled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plain := f.stockRepo.AddProduct(stock.ProductRef{Code: "PACK-JAR", BaseUnit: "pc"})

	doc, err := f.svc.Create(ctx, CreateInput{
		TenantID:   f.tenantID,
		LocationID: f.locationID,
		Lines:      []LineInput{{ProductID: plain.ID, Quantity: decimal.NewFromInt(5), UnitCost: decimal.NewFromInt(2)}},
	})
	require.NoError(t, err)

	_, err = f.svc.Post(ctx, f.tenantID, doc.ID, uuid.NullUUID{})
	require.NoError(t, err)

	err = f.svc.Cancel(ctx, f.tenantID, doc.ID, uuid.NullUUID{})
	require.ErrorIs(t, err, shared.ErrInvalidStateTransition)

	_, err = f.svc.Post(ctx, f.tenantID, doc.ID, uuid.NullUUID{})
	require.ErrorIs(t, err, shared.ErrInvalidStateTransition)
}

func TestCreateRejectsEmptyAndNegativeLines(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, CreateInput{TenantID: f.tenantID, LocationID: f.locationID})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = f.svc.Create(ctx, CreateInput{
		TenantID:   f.tenantID,
		LocationID: f.locationID,
		Lines:      []LineInput{{ProductID: uuid.New(), Quantity: decimal.NewFromInt(1), UnitCost: decimal.NewFromInt(-1)}},
	})
	require.ErrorIs(t, err, shared.ErrValidation)
}
