package receipts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/larder-erp/larder/internal/documents"
	"github.com/larder-erp/larder/internal/shared"
	"github.com/larder-erp/larder/internal/stock"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	Create(ctx context.Context, doc GoodsReceipt) (GoodsReceipt, error)
	Get(ctx context.Context, tenantID, id uuid.UUID) (GoodsReceipt, error)
	List(ctx context.Context, tenantID uuid.UUID, status Status, limit, offset int) ([]GoodsReceipt, error)
	SetStatus(ctx context.Context, tenantID, id uuid.UUID, from, to Status, postedAt *time.Time) error
	SetLineLot(ctx context.Context, lineID int64, lotID uuid.UUID) error
}

// StockPort is the slice of the stock engine the receipt workflow needs.
type StockPort interface {
	InBatch(ctx context.Context, fn func(ctx context.Context, b *stock.Batch) error) error
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service orchestrates the goods receipt workflow.
type Service struct {
	repo        RepositoryPort
	stock       StockPort
	idempotency *shared.IdempotencyStore
	audit       AuditPort
}

func NewService(repo RepositoryPort, stockPort StockPort, idem *shared.IdempotencyStore, audit AuditPort) *Service {
	return &Service{repo: repo, stock: stockPort, idempotency: idem, audit: audit}
}

// CreateInput describes a new goods receipt.
type CreateInput struct {
	TenantID    uuid.UUID
	Number      string
	LocationID  uuid.UUID
	SupplierRef string
	ReceivedAt  time.Time
	Note        string
	ActorID     uuid.NullUUID
	Lines       []LineInput
}

// LineInput is one received product.
type LineInput struct {
	ProductID  uuid.UUID
	Quantity   decimal.Decimal
	UnitCost   decimal.Decimal
	LotNumber  string
	ExpiryDate *time.Time
}

// Create persists a draft receipt.
func (s *Service) Create(ctx context.Context, input CreateInput) (GoodsReceipt, error) {
	if len(input.Lines) == 0 {
		return GoodsReceipt{}, fmt.Errorf("%w: at least one line required", shared.ErrValidation)
	}
	if input.LocationID == uuid.Nil {
		return GoodsReceipt{}, fmt.Errorf("%w: location required", shared.ErrValidation)
	}
	if input.Number == "" {
		input.Number = documents.GenerateNumber("GRN")
	}
	doc := GoodsReceipt{
		TenantID:    input.TenantID,
		Number:      input.Number,
		LocationID:  input.LocationID,
		SupplierRef: input.SupplierRef,
		Status:      StatusDraft,
		ReceivedAt:  documents.DefaultTime(input.ReceivedAt),
		Note:        input.Note,
		CreatedBy:   input.ActorID,
	}
	for _, line := range input.Lines {
		if line.ProductID == uuid.Nil || !line.Quantity.IsPositive() {
			return GoodsReceipt{}, fmt.Errorf("%w: line requires product and positive quantity", shared.ErrValidation)
		}
		if line.UnitCost.IsNegative() {
			return GoodsReceipt{}, fmt.Errorf("%w: unit cost must be >= 0", shared.ErrValidation)
		}
		doc.Lines = append(doc.Lines, Line{
			ProductID:  line.ProductID,
			Quantity:   line.Quantity,
			UnitCost:   line.UnitCost,
			LotNumber:  strings.TrimSpace(line.LotNumber),
			ExpiryDate: line.ExpiryDate,
		})
	}
	created, err := s.repo.Create(ctx, doc)
	if err != nil {
		return GoodsReceipt{}, err
	}
	s.recordAudit(ctx, created.TenantID, input.ActorID, "receipt:create", created.ID, map[string]any{"number": created.Number})
	return created, nil
}

func (s *Service) Get(ctx context.Context, tenantID, id uuid.UUID) (GoodsReceipt, error) {
	return s.repo.Get(ctx, tenantID, id)
}

func (s *Service) List(ctx context.Context, tenantID uuid.UUID, status Status, limit, offset int) ([]GoodsReceipt, error) {
	return s.repo.List(ctx, tenantID, status, limit, offset)
}

// Post transitions draft -> posted: registers one lot per lot-tracked line and
// posts a receipt movement per line, atomically. Retries after a partial
// failure skip lines whose reference is already in the ledger.
func (s *Service) Post(ctx context.Context, tenantID, id uuid.UUID, actorID uuid.NullUUID) (GoodsReceipt, error) {
	doc, err := s.repo.Get(ctx, tenantID, id)
	if err != nil {
		return GoodsReceipt{}, err
	}
	if err := Transitions.Ensure(doc.Status, StatusPosted); err != nil {
		return GoodsReceipt{}, err
	}

	idemKey := fmt.Sprintf("receipt:%s", doc.ID)
	inserted := false
	if s.idempotency != nil {
		err := s.idempotency.CheckAndInsert(ctx, idemKey, "documents.receipts")
		if err != nil && !errors.Is(err, shared.ErrIdempotencyConflict) {
			return GoodsReceipt{}, err
		}
		inserted = err == nil
	}

	lotByLine := make(map[int64]uuid.UUID, len(doc.Lines))
	err = s.stock.InBatch(ctx, func(ctx context.Context, b *stock.Batch) error {
		for _, line := range doc.Lines {
			product, err := b.Product(ctx, tenantID, line.ProductID)
			if err != nil {
				return err
			}
			var lotID uuid.NullUUID
			if product.LotTracked {
				if line.LotNumber == "" {
					return fmt.Errorf("%w: lot number required for %s", shared.ErrValidation, product.Code)
				}
				expiry := line.ExpiryDate
				if expiry == nil && product.ShelfLifeDays != nil {
					d := doc.ReceivedAt.AddDate(0, 0, *product.ShelfLifeDays)
					expiry = &d
				}
				lot, err := b.RegisterLot(ctx, stock.RegisterLotInput{
					TenantID:     tenantID,
					ProductID:    line.ProductID,
					LocationID:   doc.LocationID,
					LotNumber:    line.LotNumber,
					ExpiryDate:   expiry,
					ReceivedDate: doc.ReceivedAt,
				})
				if err != nil {
					return err
				}
				lotID = uuid.NullUUID{UUID: lot.ID, Valid: true}
				lotByLine[line.ID] = lot.ID
			}
			_, err = b.Post(ctx, stock.PostInput{
				TenantID:   tenantID,
				ProductID:  line.ProductID,
				LocationID: doc.LocationID,
				LotID:      lotID,
				Type:       stock.MovementReceipt,
				Quantity:   line.Quantity,
				UnitCost:   decimal.NewNullDecimal(line.UnitCost),
				Reference:  documents.LineReference("goods_receipt_line", doc.ID, line.ID),
				Note:       fmt.Sprintf("GRN %s", doc.Number),
				ActorID:    actorID,
			})
			if err != nil && !errors.Is(err, shared.ErrAlreadyPosted) {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if inserted {
			_ = s.idempotency.Delete(ctx, idemKey)
		}
		return GoodsReceipt{}, err
	}

	for lineID, lotID := range lotByLine {
		if err := s.repo.SetLineLot(ctx, lineID, lotID); err != nil {
			return GoodsReceipt{}, err
		}
	}
	now := time.Now().UTC()
	if err := s.repo.SetStatus(ctx, tenantID, id, StatusDraft, StatusPosted, &now); err != nil {
		return GoodsReceipt{}, err
	}
	s.recordAudit(ctx, tenantID, actorID, "receipt:post", id, map[string]any{"number": doc.Number, "lines": len(doc.Lines)})
	return s.repo.Get(ctx, tenantID, id)
}

// Cancel transitions draft -> cancelled.
func (s *Service) Cancel(ctx context.Context, tenantID, id uuid.UUID, actorID uuid.NullUUID) error {
	doc, err := s.repo.Get(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if err := Transitions.Ensure(doc.Status, StatusCancelled); err != nil {
		return err
	}
	if err := s.repo.SetStatus(ctx, tenantID, id, doc.Status, StatusCancelled, nil); err != nil {
		return err
	}
	s.recordAudit(ctx, tenantID, actorID, "receipt:cancel", id, map[string]any{"number": doc.Number})
	return nil
}

func (s *Service) recordAudit(ctx context.Context, tenantID uuid.UUID, actor uuid.NullUUID, action string, entityID uuid.UUID, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		TenantID: tenantID,
		ActorID:  actor.UUID,
		Action:   action,
		Entity:   "goods_receipt",
		EntityID: entityID.String(),
		Meta:     meta,
	})
}

