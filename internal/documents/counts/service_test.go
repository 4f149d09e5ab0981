package counts

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
	docs   map[uuid.UUID]Count
	nextID int64
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{docs: make(map[uuid.UUID]Count)}
}

func (r *memoryRepo) Create(ctx context.Context, doc Count) (Count, error) {
	doc.ID = uuid.New()
	doc.CreatedAt = time.Now().UTC()
	for i := range doc.Lines {
		r.nextID++
		doc.Lines[i].ID = r.nextID
		doc.Lines[i].CountID = doc.ID
	}
	r.docs[doc.ID] = doc
	return doc, nil
}

func (r *memoryRepo) Get(ctx context.Context, tenantID, id uuid.UUID) (Count, error) {
	doc, ok := r.docs[id]
	if !ok || doc.TenantID != tenantID {
		return Count{}, shared.ErrNotFound
	}
	return doc, nil
}

func (r *memoryRepo) List(ctx context.Context, tenantID uuid.UUID, status Status, limit, offset int) ([]Count, error) {
	var docs []Count
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

func (r *memoryRepo) SetLineResult(ctx context.Context, lineID int64, book, delta decimal.Decimal) error {
	for id, doc := range r.docs {
		for i := range doc.Lines {
			if doc.Lines[i].ID == lineID {
				doc.Lines[i].BookQuantity = decimal.NewNullDecimal(book)
				doc.Lines[i].Delta = decimal.NewNullDecimal(delta)
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

func (f *fixture) receive(t *testing.T, productID uuid.UUID, qty, unitCost string) {
	t.Helper()
	_, err := f.engine.Post(context.Background(), stock.PostInput{
		TenantID:   f.tenantID,
		ProductID:  productID,
		LocationID: f.locationID,
		Type:       stock.MovementReceipt,
		Quantity:   decimal.RequireFromString(qty),
		UnitCost:   decimal.NewNullDecimal(decimal.RequireFromString(unitCost)),
		Reference:  stock.Reference{Type: "goods_receipt_line", ID: uuid.New()},
	})
	require.NoError(t, err)
}

func TestPostAdjustsShortageToCountedQuantity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	product := f.stockRepo.AddProduct(stock.ProductRef{Code: "RAW-FLOUR", BaseUnit: "kg"})
	f.receive(t, product.ID, "10", "2.00")

	doc, err := f.svc.Create(ctx, CreateInput{
		TenantID:   f.tenantID,
		LocationID: f.locationID,
		Lines:      []LineInput{{ProductID: product.ID, CountedQty: decimal.NewFromInt(7)}},
	})
	require.NoError(t, err)

	posted, err := f.svc.Post(ctx, f.tenantID, doc.ID, uuid.NullUUID{})
	require.NoError(t, err)
	require.Equal(t, StatusPosted, posted.Status)
	require.True(t, posted.Lines[0].BookQuantity.Decimal.Equal(decimal.NewFromInt(10)))
	require.True(t, posted.Lines[0].Delta.Decimal.Equal(decimal.NewFromInt(-3)))

	balance, err := f.stockRepo.ProductBalance(ctx, f.tenantID, product.ID, f.locationID, time.Now().UTC())
	require.NoError(t, err)
	require.True(t, balance.Equal(decimal.NewFromInt(7)))
}

func TestPostSurplusPricedAtAverageCost(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	product := f.stockRepo.AddProduct(stock.ProductRef{Code: "RAW-SUGAR", BaseUnit: "kg"})
	f.receive(t, product.ID, "10", "2.50")

	doc, err := f.svc.Create(ctx, CreateInput{
		TenantID:   f.tenantID,
		LocationID: f.locationID,
		Lines:      []LineInput{{ProductID: product.ID, CountedQty: decimal.NewFromInt(12)}},
	})
	require.NoError(t, err)

	_, err = f.svc.Post(ctx, f.tenantID, doc.ID, uuid.NullUUID{})
	require.NoError(t, err)

	layers := f.stockRepo.CostLayers()
	require.Len(t, layers, 2)
	surplus := layers[1]
	require.True(t, surplus.QuantityReceived.Equal(decimal.NewFromInt(2)), "got %s", surplus.QuantityReceived)
	require.True(t, surplus.UnitCost.Equal(decimal.RequireFromString("2.50")), "got %s", surplus.UnitCost)
}

func TestPostPricesSurplusAfterShortageInSameDocument(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	product := f.stockRepo.AddProduct(stock.ProductRef{
		Code: "RAW-VANILLA", BaseUnit: "kg", LotTracked: true, FEFOPolicy: stock.FEFOOptional,
	})
	expiry := time.Now().UTC().AddDate(0, 0, 30)
	receiveLot := func(number, cost string) stock.Lot {
		lot := f.stockRepo.AddLot(stock.Lot{
			TenantID:     f.tenantID,
			ProductID:    product.ID,
			LocationID:   f.locationID,
			LotNumber:    number,
			ExpiryDate:   &expiry,
			ReceivedDate: time.Now().UTC(),
		})
		_, err := f.engine.Post(ctx, stock.PostInput{
			TenantID:   f.tenantID,
			ProductID:  product.ID,
			LocationID: f.locationID,
			LotID:      uuid.NullUUID{UUID: lot.ID, Valid: true},
			Type:       stock.MovementReceipt,
			Quantity:   decimal.NewFromInt(10),
			UnitCost:   decimal.NewNullDecimal(decimal.RequireFromString(cost)),
			Reference:  stock.Reference{Type: "goods_receipt_line", ID: uuid.New()},
		})
		require.NoError(t, err)
		return lot
	}
	cheap := receiveLot("V-CHEAP", "2.00")
	dear := receiveLot("V-DEAR", "6.00")

	// The first line wipes out the cheap lot; the surplus on the second line
	// must be priced from what is left, not from the pre-count layers.
	doc, err := f.svc.Create(ctx, CreateInput{
		TenantID:   f.tenantID,
		LocationID: f.locationID,
		Lines: []LineInput{
			{ProductID: product.ID, LotID: uuid.NullUUID{UUID: cheap.ID, Valid: true}, CountedQty: decimal.Zero},
			{ProductID: product.ID, LotID: uuid.NullUUID{UUID: dear.ID, Valid: true}, CountedQty: decimal.NewFromInt(14)},
		},
	})
	require.NoError(t, err)

	_, err = f.svc.Post(ctx, f.tenantID, doc.ID, uuid.NullUUID{})
	require.NoError(t, err)

	layers := f.stockRepo.CostLayers()
	require.Len(t, layers, 3)
	surplus := layers[2]
	require.True(t, surplus.QuantityReceived.Equal(decimal.NewFromInt(4)), "got %s", surplus.QuantityReceived)
	require.True(t, surplus.UnitCost.Equal(decimal.RequireFromString("6")), "got %s", surplus.UnitCost)
}

func TestPostSurplusFallsBackToStandardCost(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	product := f.stockRepo.AddProduct(stock.ProductRef{
		Code: "PACK-LID", BaseUnit: "pc", StandardCost: decimal.RequireFromString("0.35"),
	})

	doc, err := f.svc.Create(ctx, CreateInput{
		TenantID:   f.tenantID,
		LocationID: f.locationID,
		Lines:      []LineInput{{ProductID: product.ID, CountedQty: decimal.NewFromInt(5)}},
	})
	require.NoError(t, err)

	_, err = f.svc.Post(ctx, f.tenantID, doc.ID, uuid.NullUUID{})
	require.NoError(t, err)

	layers := f.stockRepo.CostLayers()
	require.Len(t, layers, 1)
	require.True(t, layers[0].UnitCost.Equal(decimal.RequireFromString("0.35")), "got %s", layers[0].UnitCost)

	balance, err := f.stockRepo.ProductBalance(ctx, f.tenantID, product.ID, f.locationID, time.Now().UTC())
	require.NoError(t, err)
	require.True(t, balance.Equal(decimal.NewFromInt(5)))
}

func TestPostRequiresLotForTrackedProducts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	product := f.stockRepo.AddProduct(stock.ProductRef{Code: "RAW-MILK", BaseUnit: "l", LotTracked: true})

	doc, err := f.svc.Create(ctx, CreateInput{
		TenantID:   f.tenantID,
		LocationID: f.locationID,
		Lines:      []LineInput{{ProductID: product.ID, CountedQty: decimal.NewFromInt(4)}},
	})
	require.NoError(t, err)

	_, err = f.svc.Post(ctx, f.tenantID, doc.ID, uuid.NullUUID{})
	require.ErrorIs(t, err, shared.ErrValidation)
	require.Empty(t, f.stockRepo.LedgerEntries())

	current, err := f.svc.Get(ctx, f.tenantID, doc.ID)
	require.NoError(t, err)
	require.Equal(t, StatusDraft, current.Status)
}

func TestPostZeroDeltaWritesNoAdjustment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	product := f.stockRepo.AddProduct(stock.ProductRef{Code: "RAW-SALT", BaseUnit: "kg"})
	f.receive(t, product.ID, "6", "1.10")

	doc, err := f.svc.Create(ctx, CreateInput{
		TenantID:   f.tenantID,
		LocationID: f.locationID,
		Lines:      []LineInput{{ProductID: product.ID, CountedQty: decimal.NewFromInt(6)}},
	})
	require.NoError(t, err)

	posted, err := f.svc.Post(ctx, f.tenantID, doc.ID, uuid.NullUUID{})
	require.NoError(t, err)
	require.Equal(t, StatusPosted, posted.Status)
	require.True(t, posted.Lines[0].Delta.Decimal.IsZero())
	require.Len(t, f.stockRepo.LedgerEntries(), 1)
}

func TestCreateRejectsDuplicateLines(t *testing.T) {
	f := newFixture(t)
	product := f.stockRepo.AddProduct(stock.ProductRef{Code: "RAW-SALT", BaseUnit: "kg"})
	_, err := f.svc.Create(context.Background(), CreateInput{
		TenantID:   f.tenantID,
		LocationID: f.locationID,
		Lines: []LineInput{
			{ProductID: product.ID, CountedQty: decimal.NewFromInt(3)},
			{ProductID: product.ID, CountedQty: decimal.NewFromInt(4)},
		},
	})
	require.ErrorIs(t, err, shared.ErrValidation)
}
