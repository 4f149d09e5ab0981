package waste

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
	docs   map[uuid.UUID]Report
	nextID int64
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{docs: make(map[uuid.UUID]Report)}
}

func (r *memoryRepo) Create(ctx context.Context, doc Report) (Report, error) {
	doc.ID = uuid.New()
	doc.CreatedAt = time.Now().UTC()
	for i := range doc.Lines {
		r.nextID++
		doc.Lines[i].ID = r.nextID
		doc.Lines[i].ReportID = doc.ID
	}
	r.docs[doc.ID] = doc
	return doc, nil
}

func (r *memoryRepo) Get(ctx context.Context, tenantID, id uuid.UUID) (Report, error) {
	doc, ok := r.docs[id]
	if !ok || doc.TenantID != tenantID {
		return Report{}, shared.ErrNotFound
	}
	return doc, nil
}

func (r *memoryRepo) List(ctx context.Context, tenantID uuid.UUID, status Status, limit, offset int) ([]Report, error) {
	var docs []Report
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

type approvalLog struct {
	records []shared.ApprovalLog
}

func (a *approvalLog) Record(ctx context.Context, log shared.ApprovalLog) error {
	a.records = append(a.records, log)
	return nil
}

func (a *approvalLog) EnsureSubmit(ctx context.Context, module string, ref uuid.UUID, actorID uuid.UUID, note string) error {
	for _, r := range a.records {
		if r.Module == module && r.RefID == ref && r.Action == shared.ApprovalSubmit {
			return nil
		}
	}
	a.records = append(a.records, shared.ApprovalLog{Module: module, RefID: ref, ActorID: actorID, Action: shared.ApprovalSubmit, Note: note})
	return nil
}

type fixture struct {
	repo       *memoryRepo
	stockRepo  *stocktest.Repository
	engine     *stock.Service
	approvals  *approvalLog
	svc        *Service
	tenantID   uuid.UUID
	locationID uuid.UUID
	actorID    uuid.NullUUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	stockRepo := stocktest.NewRepository()
	engine := stock.NewService(stockRepo, nil, nil, nil, stock.ServiceConfig{})
	repo := newMemoryRepo()
	approvals := &approvalLog{}
	return &fixture{
		repo:       repo,
		stockRepo:  stockRepo,
		engine:     engine,
		approvals:  approvals,
		svc:        NewService(repo, engine, approvals, nil, nil),
		tenantID:   uuid.New(),
		locationID: stockRepo.AddLocation(),
		actorID:    uuid.NullUUID{UUID: uuid.New(), Valid: true},
	}
}

func (f *fixture) expiredLot(t *testing.T, productID uuid.UUID, qty int64, cost string) stock.Lot {
	t.Helper()
	expiry := time.Now().UTC().AddDate(0, 0, -2)
	lot := f.stockRepo.AddLot(stock.Lot{
		TenantID:     f.tenantID,
		ProductID:    productID,
		LocationID:   f.locationID,
		LotNumber:    "OLD-001",
		ExpiryDate:   &expiry,
		ReceivedDate: time.Now().UTC().AddDate(0, 0, -10),
	})
	_, err := f.engine.Post(context.Background(), stock.PostInput{
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

func TestApproveWritesOffExpiredLot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	product := f.stockRepo.AddProduct(stock.ProductRef{
		Code: "RAW-CREAM", BaseUnit: "l", LotTracked: true, Perishable: true, FEFOPolicy: stock.FEFOMandatory,
	})
	lot := f.expiredLot(t, product.ID, 12, "3.50")

	doc, err := f.svc.Create(ctx, CreateInput{
		TenantID:   f.tenantID,
		LocationID: f.locationID,
		Reason:     ReasonExpiry,
		Lines: []LineInput{{
			ProductID: product.ID,
			LotID:     uuid.NullUUID{UUID: lot.ID, Valid: true},
			Quantity:  decimal.NewFromInt(12),
		}},
	})
	require.NoError(t, err)

	_, err = f.svc.Submit(ctx, f.tenantID, doc.ID, f.actorID)
	require.NoError(t, err)

	approved, err := f.svc.Approve(ctx, f.tenantID, doc.ID, f.actorID, "confirmed spoiled")
	require.NoError(t, err)
	require.Equal(t, StatusApproved, approved.Status)
	require.True(t, approved.Lines[0].CostValue.Valid)
	require.True(t, approved.Lines[0].CostValue.Decimal.Equal(decimal.RequireFromString("42")),
		"got %s", approved.Lines[0].CostValue.Decimal)

	balance, err := f.stockRepo.ProductBalance(ctx, f.tenantID, product.ID, f.locationID, time.Now().UTC())
	require.NoError(t, err)
	require.True(t, balance.IsZero())

	// Submit and approve both left a trail.
	require.Len(t, f.approvals.records, 2)
	require.Equal(t, shared.ApprovalSubmit, f.approvals.records[0].Action)
	require.Equal(t, shared.ApprovalApprove, f.approvals.records[1].Action)
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

func TestApproveRetryRecoversLineCost(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	repo := &flakyRepo{memoryRepo: f.repo, failCosts: 1}
	f.svc = NewService(repo, f.engine, f.approvals, nil, nil)
	product := f.stockRepo.AddProduct(stock.ProductRef{
		Code: "RAW-CREAM", BaseUnit: "l", LotTracked: true, Perishable: true, FEFOPolicy: stock.FEFOMandatory,
	})
	lot := f.expiredLot(t, product.ID, 12, "3.50")

	doc, err := f.svc.Create(ctx, CreateInput{
		TenantID:   f.tenantID,
		LocationID: f.locationID,
		Reason:     ReasonExpiry,
		Lines: []LineInput{{
			ProductID: product.ID,
			LotID:     uuid.NullUUID{UUID: lot.ID, Valid: true},
			Quantity:  decimal.NewFromInt(12),
		}},
	})
	require.NoError(t, err)
	_, err = f.svc.Submit(ctx, f.tenantID, doc.ID, f.actorID)
	require.NoError(t, err)

	// First attempt commits the write-off, then fails persisting the cost.
	_, err = f.svc.Approve(ctx, f.tenantID, doc.ID, f.actorID, "")
	require.Error(t, err)
	entries := len(f.stockRepo.LedgerEntries())

	approved, err := f.svc.Approve(ctx, f.tenantID, doc.ID, f.actorID, "")
	require.NoError(t, err)
	require.Equal(t, StatusApproved, approved.Status)
	require.True(t, approved.Lines[0].CostValue.Valid)
	require.True(t, approved.Lines[0].CostValue.Decimal.Equal(decimal.RequireFromString("42")),
		"got %s", approved.Lines[0].CostValue.Decimal)
	require.Len(t, f.stockRepo.LedgerEntries(), entries)
}

func TestApproveRequiresLotForTrackedProducts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	product := f.stockRepo.AddProduct(stock.ProductRef{Code: "RAW-CREAM", BaseUnit: "l", LotTracked: true})
	f.expiredLot(t, product.ID, 5, "3.50")

	doc, err := f.svc.Create(ctx, CreateInput{
		TenantID:   f.tenantID,
		LocationID: f.locationID,
		Reason:     ReasonSpoilage,
		Lines:      []LineInput{{ProductID: product.ID, Quantity: decimal.NewFromInt(5)}},
	})
	require.NoError(t, err)
	_, err = f.svc.Submit(ctx, f.tenantID, doc.ID, f.actorID)
	require.NoError(t, err)

	before := len(f.stockRepo.LedgerEntries())
	_, err = f.svc.Approve(ctx, f.tenantID, doc.ID, f.actorID, "")
	require.ErrorIs(t, err, shared.ErrValidation)
	require.Len(t, f.stockRepo.LedgerEntries(), before)
}

func TestRejectLeavesStockUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	product := f.stockRepo.AddProduct(stock.ProductRef{Code: "PACK-BOX", BaseUnit: "pc"})
	_, err := f.engine.Post(ctx, stock.PostInput{
		TenantID:   f.tenantID,
		ProductID:  product.ID,
		LocationID: f.locationID,
		Type:       stock.MovementReceipt,
		Quantity:   decimal.NewFromInt(10),
		UnitCost:   decimal.NewNullDecimal(decimal.NewFromInt(1)),
		Reference:  stock.Reference{Type: "goods_receipt_line", ID: uuid.New()},
	})
	require.NoError(t, err)

	doc, err := f.svc.Create(ctx, CreateInput{
		TenantID:   f.tenantID,
		LocationID: f.locationID,
		Reason:     ReasonDamage,
		Lines:      []LineInput{{ProductID: product.ID, Quantity: decimal.NewFromInt(4)}},
	})
	require.NoError(t, err)
	_, err = f.svc.Submit(ctx, f.tenantID, doc.ID, f.actorID)
	require.NoError(t, err)

	rejected, err := f.svc.Reject(ctx, f.tenantID, doc.ID, f.actorID, "recount first")
	require.NoError(t, err)
	require.Equal(t, StatusRejected, rejected.Status)

	balance, err := f.stockRepo.ProductBalance(ctx, f.tenantID, product.ID, f.locationID, time.Now().UTC())
	require.NoError(t, err)
	require.True(t, balance.Equal(decimal.NewFromInt(10)))

	// Decisions are final.
	_, err = f.svc.Approve(ctx, f.tenantID, doc.ID, f.actorID, "")
	require.ErrorIs(t, err, shared.ErrInvalidStateTransition)
}

func TestApproveRequiresSubmission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	product := f.stockRepo.AddProduct(stock.ProductRef{Code: "PACK-BOX", BaseUnit: "pc"})

	doc, err := f.svc.Create(ctx, CreateInput{
		TenantID:   f.tenantID,
		LocationID: f.locationID,
		Reason:     ReasonOther,
		Lines:      []LineInput{{ProductID: product.ID, Quantity: decimal.NewFromInt(1)}},
	})
	require.NoError(t, err)

	_, err = f.svc.Approve(ctx, f.tenantID, doc.ID, f.actorID, "")
	require.ErrorIs(t, err, shared.ErrInvalidStateTransition)
}
