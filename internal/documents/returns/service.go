package returns

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/larder-erp/larder/internal/documents"
	"github.com/larder-erp/larder/internal/shared"
	"github.com/larder-erp/larder/internal/stock"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	Create(ctx context.Context, doc Return) (Return, error)
	Get(ctx context.Context, tenantID, id uuid.UUID) (Return, error)
	List(ctx context.Context, tenantID uuid.UUID, status Status, limit, offset int) ([]Return, error)
	SetStatus(ctx context.Context, tenantID, id uuid.UUID, from, to Status, postedAt *time.Time) error
	SetLineCost(ctx context.Context, lineID int64, cost decimal.Decimal) error
}

// StockPort is the slice of the stock engine the returns workflow needs.
type StockPort interface {
	InBatch(ctx context.Context, fn func(ctx context.Context, b *stock.Batch) error) error
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service orchestrates the supplier return workflow.
type Service struct {
	repo        RepositoryPort
	stock       StockPort
	idempotency *shared.IdempotencyStore
	audit       AuditPort
}

func NewService(repo RepositoryPort, stockPort StockPort, idem *shared.IdempotencyStore, audit AuditPort) *Service {
	return &Service{repo: repo, stock: stockPort, idempotency: idem, audit: audit}
}

// CreateInput describes a new supplier return.
type CreateInput struct {
	TenantID    uuid.UUID
	Number      string
	LocationID  uuid.UUID
	SupplierRef string
	Note        string
	ActorID     uuid.NullUUID
	Lines       []LineInput
}

// LineInput is one product to send back.
type LineInput struct {
	ProductID uuid.UUID
	LotID     uuid.NullUUID
	Quantity  decimal.Decimal
}

// Create persists a draft supplier return.
func (s *Service) Create(ctx context.Context, input CreateInput) (Return, error) {
	if len(input.Lines) == 0 {
		return Return{}, fmt.Errorf("%w: at least one line required", shared.ErrValidation)
	}
	if input.LocationID == uuid.Nil {
		return Return{}, fmt.Errorf("%w: location required", shared.ErrValidation)
	}
	if input.Number == "" {
		input.Number = documents.GenerateNumber("RTN")
	}
	doc := Return{
		TenantID:    input.TenantID,
		Number:      input.Number,
		LocationID:  input.LocationID,
		SupplierRef: input.SupplierRef,
		Status:      StatusDraft,
		Note:        input.Note,
		CreatedBy:   input.ActorID,
	}
	for _, line := range input.Lines {
		if line.ProductID == uuid.Nil || !line.Quantity.IsPositive() {
			return Return{}, fmt.Errorf("%w: line requires product and positive quantity", shared.ErrValidation)
		}
		doc.Lines = append(doc.Lines, Line{ProductID: line.ProductID, LotID: line.LotID, Quantity: line.Quantity})
	}
	created, err := s.repo.Create(ctx, doc)
	if err != nil {
		return Return{}, err
	}
	s.recordAudit(ctx, created.TenantID, input.ActorID, "return:create", created.ID, map[string]any{"number": created.Number})
	return created, nil
}

func (s *Service) Get(ctx context.Context, tenantID, id uuid.UUID) (Return, error) {
	return s.repo.Get(ctx, tenantID, id)
}

func (s *Service) List(ctx context.Context, tenantID uuid.UUID, status Status, limit, offset int) ([]Return, error) {
	return s.repo.List(ctx, tenantID, status, limit, offset)
}

// Post transitions draft -> posted: issues every line back out, against the
// named lot when the product tracks lots.
func (s *Service) Post(ctx context.Context, tenantID, id uuid.UUID, actorID uuid.NullUUID) (Return, error) {
	doc, err := s.repo.Get(ctx, tenantID, id)
	if err != nil {
		return Return{}, err
	}
	if err := Transitions.Ensure(doc.Status, StatusPosted); err != nil {
		return Return{}, err
	}

	idemKey := fmt.Sprintf("return:%s", doc.ID)
	inserted := false
	if s.idempotency != nil {
		err := s.idempotency.CheckAndInsert(ctx, idemKey, "documents.returns")
		if err != nil && !errors.Is(err, shared.ErrIdempotencyConflict) {
			return Return{}, err
		}
		inserted = err == nil
	}

	costByLine := make(map[int64]decimal.Decimal, len(doc.Lines))
	err = s.stock.InBatch(ctx, func(ctx context.Context, b *stock.Batch) error {
		for _, line := range doc.Lines {
			product, err := b.Product(ctx, tenantID, line.ProductID)
			if err != nil {
				return err
			}
			if product.LotTracked && !line.LotID.Valid {
				return fmt.Errorf("%w: lot required for %s", shared.ErrValidation, product.Code)
			}
			ref := documents.LineReference("supplier_return_line", doc.ID, line.ID)
			result, err := b.Post(ctx, stock.PostInput{
				TenantID:   tenantID,
				ProductID:  line.ProductID,
				LocationID: doc.LocationID,
				LotID:      line.LotID,
				Type:       stock.MovementIssue,
				Quantity:   line.Quantity.Neg(),
				Reference:  ref,
				Note:       fmt.Sprintf("RTN %s %s", doc.Number, doc.SupplierRef),
				ActorID:    actorID,
			})
			if errors.Is(err, shared.ErrAlreadyPosted) {
				cost, rerr := documents.RecoverLineCost(ctx, b, tenantID, ref)
				if rerr != nil {
					return rerr
				}
				costByLine[line.ID] = cost
				continue
			}
			if err != nil {
				return err
			}
			costByLine[line.ID] = result.ConsumedCost()
		}
		return nil
	})
	if err != nil {
		if inserted {
			_ = s.idempotency.Delete(ctx, idemKey)
		}
		return Return{}, err
	}

	for lineID, cost := range costByLine {
		if err := s.repo.SetLineCost(ctx, lineID, cost); err != nil {
			return Return{}, err
		}
	}
	now := time.Now().UTC()
	if err := s.repo.SetStatus(ctx, tenantID, id, StatusDraft, StatusPosted, &now); err != nil {
		return Return{}, err
	}
	s.recordAudit(ctx, tenantID, actorID, "return:post", id, map[string]any{"number": doc.Number, "lines": len(doc.Lines)})
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
	s.recordAudit(ctx, tenantID, actorID, "return:cancel", id, map[string]any{"number": doc.Number})
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
		Entity:   "supplier_return",
		EntityID: entityID.String(),
		Meta:     meta,
	})
}
