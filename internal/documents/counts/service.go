package counts

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
	Create(ctx context.Context, doc Count) (Count, error)
	Get(ctx context.Context, tenantID, id uuid.UUID) (Count, error)
	List(ctx context.Context, tenantID uuid.UUID, status Status, limit, offset int) ([]Count, error)
	SetStatus(ctx context.Context, tenantID, id uuid.UUID, from, to Status, postedAt *time.Time) error
	SetLineResult(ctx context.Context, lineID int64, book, delta decimal.Decimal) error
}

// StockPort is the slice of the stock engine the count workflow needs.
type StockPort interface {
	InBatch(ctx context.Context, fn func(ctx context.Context, b *stock.Batch) error) error
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service orchestrates the stock count workflow.
type Service struct {
	repo        RepositoryPort
	stock       StockPort
	idempotency *shared.IdempotencyStore
	audit       AuditPort
}

func NewService(repo RepositoryPort, stockPort StockPort, idem *shared.IdempotencyStore, audit AuditPort) *Service {
	return &Service{repo: repo, stock: stockPort, idempotency: idem, audit: audit}
}

// CreateInput describes a new stock count.
type CreateInput struct {
	TenantID   uuid.UUID
	Number     string
	LocationID uuid.UUID
	Note       string
	CountedAt  time.Time
	ActorID    uuid.NullUUID
	Lines      []LineInput
}

// LineInput is one counted position.
type LineInput struct {
	ProductID  uuid.UUID
	LotID      uuid.NullUUID
	CountedQty decimal.Decimal
}

// Create persists a draft stock count.
func (s *Service) Create(ctx context.Context, input CreateInput) (Count, error) {
	if len(input.Lines) == 0 {
		return Count{}, fmt.Errorf("%w: at least one line required", shared.ErrValidation)
	}
	if input.LocationID == uuid.Nil {
		return Count{}, fmt.Errorf("%w: location required", shared.ErrValidation)
	}
	seen := make(map[stock.Key]struct{}, len(input.Lines))
	for _, line := range input.Lines {
		if line.ProductID == uuid.Nil {
			return Count{}, fmt.Errorf("%w: product required on every line", shared.ErrValidation)
		}
		if line.CountedQty.IsNegative() {
			return Count{}, fmt.Errorf("%w: counted quantity cannot be negative", shared.ErrValidation)
		}
		key := stock.Key{TenantID: input.TenantID, ProductID: line.ProductID, LocationID: input.LocationID, LotID: line.LotID}
		if _, dup := seen[key]; dup {
			return Count{}, fmt.Errorf("%w: product counted twice for the same lot", shared.ErrValidation)
		}
		seen[key] = struct{}{}
	}
	if input.Number == "" {
		input.Number = documents.GenerateNumber("CNT")
	}
	doc := Count{
		TenantID:   input.TenantID,
		Number:     input.Number,
		LocationID: input.LocationID,
		Status:     StatusDraft,
		Note:       input.Note,
		CountedAt:  documents.DefaultTime(input.CountedAt),
		CreatedBy:  input.ActorID,
	}
	for _, line := range input.Lines {
		doc.Lines = append(doc.Lines, Line{
			ProductID:  line.ProductID,
			LotID:      line.LotID,
			CountedQty: line.CountedQty,
		})
	}
	created, err := s.repo.Create(ctx, doc)
	if err != nil {
		return Count{}, err
	}
	s.recordAudit(ctx, created.TenantID, input.ActorID, "count:create", created.ID, map[string]any{"number": created.Number})
	return created, nil
}

func (s *Service) Get(ctx context.Context, tenantID, id uuid.UUID) (Count, error) {
	return s.repo.Get(ctx, tenantID, id)
}

func (s *Service) List(ctx context.Context, tenantID uuid.UUID, status Status, limit, offset int) ([]Count, error) {
	return s.repo.List(ctx, tenantID, status, limit, offset)
}

type lineResult struct {
	book  decimal.Decimal
	delta decimal.Decimal
}

// Post measures each counted line against the book balance and writes one
// signed adjustment per divergent line, all in a single stock transaction.
func (s *Service) Post(ctx context.Context, tenantID, id uuid.UUID, actorID uuid.NullUUID) (Count, error) {
	doc, err := s.repo.Get(ctx, tenantID, id)
	if err != nil {
		return Count{}, err
	}
	if err := Transitions.Ensure(doc.Status, StatusPosted); err != nil {
		return Count{}, err
	}

	idemKey := fmt.Sprintf("count:%s", doc.ID)
	inserted := false
	if s.idempotency != nil {
		err := s.idempotency.CheckAndInsert(ctx, idemKey, "documents.counts")
		if err != nil && !errors.Is(err, shared.ErrIdempotencyConflict) {
			return Count{}, err
		}
		inserted = err == nil
	}

	results := make(map[int64]lineResult, len(doc.Lines))
	err = s.stock.InBatch(ctx, func(ctx context.Context, b *stock.Batch) error {
		for _, line := range doc.Lines {
			product, err := b.Product(ctx, tenantID, line.ProductID)
			if err != nil {
				return err
			}
			if product.LotTracked && !line.LotID.Valid {
				return fmt.Errorf("%w: lot required for %s", shared.ErrValidation, product.Code)
			}
			if !product.LotTracked && line.LotID.Valid {
				return fmt.Errorf("%w: %s is not lot tracked", shared.ErrValidation, product.Code)
			}
			key := stock.Key{TenantID: tenantID, ProductID: line.ProductID, LocationID: doc.LocationID, LotID: line.LotID}
			book, err := b.Balance(ctx, key)
			if err != nil {
				return err
			}
			delta := line.CountedQty.Sub(book)
			results[line.ID] = lineResult{book: book, delta: delta}
			if delta.IsZero() {
				continue
			}
			input := stock.PostInput{
				TenantID:   tenantID,
				ProductID:  line.ProductID,
				LocationID: doc.LocationID,
				LotID:      line.LotID,
				Type:       stock.MovementAdjustment,
				Quantity:   delta,
				Reference:  documents.LineReference("stock_count_line", doc.ID, line.ID),
				Note:       fmt.Sprintf("CNT %s", doc.Number),
				ActorID:    actorID,
			}
			if delta.IsPositive() {
				// Priced inside the batch so surplus lines see the layers
				// already drained by shortages earlier in the document.
				avg, err := b.AverageCost(ctx, tenantID, line.ProductID, doc.LocationID)
				if err != nil {
					return err
				}
				input.UnitCost = decimal.NewNullDecimal(avg)
			}
			if _, err := b.Post(ctx, input); err != nil {
				if errors.Is(err, shared.ErrAlreadyPosted) {
					continue
				}
				return err
			}
		}
		return nil
	})
	if err != nil {
		if inserted {
			_ = s.idempotency.Delete(ctx, idemKey)
		}
		return Count{}, err
	}

	for lineID, result := range results {
		if err := s.repo.SetLineResult(ctx, lineID, result.book, result.delta); err != nil {
			return Count{}, err
		}
	}
	now := time.Now().UTC()
	if err := s.repo.SetStatus(ctx, tenantID, id, StatusDraft, StatusPosted, &now); err != nil {
		return Count{}, err
	}
	s.recordAudit(ctx, tenantID, actorID, "count:post", id, map[string]any{"number": doc.Number, "lines": len(doc.Lines)})
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
	s.recordAudit(ctx, tenantID, actorID, "count:cancel", id, nil)
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
		Entity:   "stock_count",
		EntityID: entityID.String(),
		Meta:     meta,
	})
}
