package orders

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
	Create(ctx context.Context, doc Order) (Order, error)
	Get(ctx context.Context, tenantID, id uuid.UUID) (Order, error)
	List(ctx context.Context, tenantID uuid.UUID, status Status, limit, offset int) ([]Order, error)
	SetStatus(ctx context.Context, tenantID, id uuid.UUID, from, to Status, at *time.Time) error
	SetLineCost(ctx context.Context, lineID int64, cost decimal.Decimal) error
	SavePicks(ctx context.Context, lineID int64, picks []LinePick) error
}

// StockPort is the slice of the stock engine the order workflow needs.
type StockPort interface {
	InBatch(ctx context.Context, fn func(ctx context.Context, b *stock.Batch) error) error
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service orchestrates the point-of-sale order workflow.
type Service struct {
	repo        RepositoryPort
	stock       StockPort
	idempotency *shared.IdempotencyStore
	audit       AuditPort
}

func NewService(repo RepositoryPort, stockPort StockPort, idem *shared.IdempotencyStore, audit AuditPort) *Service {
	return &Service{repo: repo, stock: stockPort, idempotency: idem, audit: audit}
}

// CreateInput describes a new order.
type CreateInput struct {
	TenantID   uuid.UUID
	Number     string
	LocationID uuid.UUID
	Note       string
	ActorID    uuid.NullUUID
	Lines      []LineInput
}

// LineInput is one sold product. LotID pins the pick.
type LineInput struct {
	ProductID uuid.UUID
	LotID     uuid.NullUUID
	Quantity  decimal.Decimal
	UnitPrice decimal.Decimal
}

// Create persists a draft order.
func (s *Service) Create(ctx context.Context, input CreateInput) (Order, error) {
	if len(input.Lines) == 0 {
		return Order{}, fmt.Errorf("%w: at least one line required", shared.ErrValidation)
	}
	if input.LocationID == uuid.Nil {
		return Order{}, fmt.Errorf("%w: location required", shared.ErrValidation)
	}
	for _, line := range input.Lines {
		if line.ProductID == uuid.Nil {
			return Order{}, fmt.Errorf("%w: product required on every line", shared.ErrValidation)
		}
		if !line.Quantity.IsPositive() {
			return Order{}, fmt.Errorf("%w: quantity must be positive", shared.ErrValidation)
		}
		if line.UnitPrice.IsNegative() {
			return Order{}, fmt.Errorf("%w: unit price cannot be negative", shared.ErrValidation)
		}
	}
	if input.Number == "" {
		input.Number = documents.GenerateNumber("ORD")
	}
	doc := Order{
		TenantID:   input.TenantID,
		Number:     input.Number,
		LocationID: input.LocationID,
		Status:     StatusDraft,
		Note:       input.Note,
		CreatedBy:  input.ActorID,
	}
	for _, line := range input.Lines {
		doc.Lines = append(doc.Lines, Line{
			ProductID: line.ProductID,
			LotID:     line.LotID,
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
		})
	}
	created, err := s.repo.Create(ctx, doc)
	if err != nil {
		return Order{}, err
	}
	s.recordAudit(ctx, created.TenantID, input.ActorID, "order:create", created.ID, map[string]any{"number": created.Number})
	return created, nil
}

func (s *Service) Get(ctx context.Context, tenantID, id uuid.UUID) (Order, error) {
	return s.repo.Get(ctx, tenantID, id)
}

func (s *Service) List(ctx context.Context, tenantID uuid.UUID, status Status, limit, offset int) ([]Order, error) {
	return s.repo.List(ctx, tenantID, status, limit, offset)
}

// Confirm transitions draft -> confirmed: issues every line out of the order
// location. Lines without a pinned lot are allocated expiry-first; pinned
// lots are issued directly but never from expired stock.
func (s *Service) Confirm(ctx context.Context, tenantID, id uuid.UUID, actorID uuid.NullUUID) (Order, error) {
	doc, err := s.repo.Get(ctx, tenantID, id)
	if err != nil {
		return Order{}, err
	}
	if err := Transitions.Ensure(doc.Status, StatusConfirmed); err != nil {
		return Order{}, err
	}

	idemKey := fmt.Sprintf("order:confirm:%s", doc.ID)
	inserted := false
	if s.idempotency != nil {
		err := s.idempotency.CheckAndInsert(ctx, idemKey, "documents.orders")
		if err != nil && !errors.Is(err, shared.ErrIdempotencyConflict) {
			return Order{}, err
		}
		inserted = err == nil
	}

	costByLine := make(map[int64]decimal.Decimal, len(doc.Lines))
	picksByLine := make(map[int64][]LinePick, len(doc.Lines))
	now := time.Now().UTC()
	err = s.stock.InBatch(ctx, func(ctx context.Context, b *stock.Batch) error {
		for _, line := range doc.Lines {
			ref := documents.LineReference("pos_order_line", doc.ID, line.ID)
			if line.LotID.Valid {
				cost, pick, err := s.issuePinned(ctx, b, doc, line, now, actorID)
				if errors.Is(err, shared.ErrAlreadyPosted) {
					if rerr := recoverLine(ctx, b, tenantID, ref, line.ID, costByLine, picksByLine); rerr != nil {
						return rerr
					}
					continue
				}
				if err != nil {
					return err
				}
				costByLine[line.ID] = cost
				picksByLine[line.ID] = []LinePick{pick}
				continue
			}
			result, err := b.Allocate(ctx, stock.AllocationInput{
				TenantID:   tenantID,
				ProductID:  line.ProductID,
				LocationID: doc.LocationID,
				Quantity:   line.Quantity,
				Type:       stock.MovementIssue,
				Reference:  ref,
				Note:       fmt.Sprintf("ORD %s", doc.Number),
				ActorID:    actorID,
			})
			if errors.Is(err, shared.ErrAlreadyPosted) {
				if rerr := recoverLine(ctx, b, tenantID, ref, line.ID, costByLine, picksByLine); rerr != nil {
					return rerr
				}
				continue
			}
			if err != nil {
				return err
			}
			cost := decimal.Zero
			for _, posting := range result.Postings {
				cost = cost.Add(posting.ConsumedCost())
			}
			costByLine[line.ID] = cost
			var picks []LinePick
			for _, alloc := range result.Allocations {
				if !alloc.LotID.Valid {
					continue
				}
				picks = append(picks, LinePick{LotID: alloc.LotID.UUID, LotNumber: alloc.LotNumber, Quantity: alloc.Quantity})
			}
			picksByLine[line.ID] = picks
		}
		return nil
	})
	if err != nil {
		if inserted {
			_ = s.idempotency.Delete(ctx, idemKey)
		}
		return Order{}, err
	}

	for lineID, cost := range costByLine {
		if err := s.repo.SetLineCost(ctx, lineID, cost); err != nil {
			return Order{}, err
		}
	}
	for lineID, picks := range picksByLine {
		if err := s.repo.SavePicks(ctx, lineID, picks); err != nil {
			return Order{}, err
		}
	}
	if err := s.repo.SetStatus(ctx, tenantID, id, StatusDraft, StatusConfirmed, &now); err != nil {
		return Order{}, err
	}
	s.recordAudit(ctx, tenantID, actorID, "order:confirm", id, map[string]any{"number": doc.Number, "lines": len(doc.Lines)})
	return s.repo.Get(ctx, tenantID, id)
}

// issuePinned posts one issue against an explicitly chosen lot.
func (s *Service) issuePinned(ctx context.Context, b *stock.Batch, doc Order, line Line, now time.Time, actorID uuid.NullUUID) (decimal.Decimal, LinePick, error) {
	product, err := b.Product(ctx, doc.TenantID, line.ProductID)
	if err != nil {
		return decimal.Zero, LinePick{}, err
	}
	if !product.LotTracked {
		return decimal.Zero, LinePick{}, fmt.Errorf("%w: %s is not lot tracked", shared.ErrValidation, product.Code)
	}
	if product.FEFOPolicy == stock.FEFOMandatory {
		return decimal.Zero, LinePick{}, fmt.Errorf("%w: %s requires expiry-order picking", shared.ErrValidation, product.Code)
	}
	lot, err := b.Lot(ctx, doc.TenantID, line.LotID.UUID)
	if err != nil {
		return decimal.Zero, LinePick{}, err
	}
	if lot.ExpiryDate != nil && lot.ExpiryDate.Before(now) {
		return decimal.Zero, LinePick{}, fmt.Errorf("%w: lot %s", stock.ErrLotExpired, lot.LotNumber)
	}
	result, err := b.Post(ctx, stock.PostInput{
		TenantID:   doc.TenantID,
		ProductID:  line.ProductID,
		LocationID: doc.LocationID,
		LotID:      line.LotID,
		Type:       stock.MovementIssue,
		Quantity:   line.Quantity.Neg(),
		Reference:  documents.LineReference("pos_order_line", doc.ID, line.ID),
		Note:       fmt.Sprintf("ORD %s", doc.Number),
		ActorID:    actorID,
	})
	if err != nil {
		return decimal.Zero, LinePick{}, err
	}
	pick := LinePick{LotID: lot.ID, LotNumber: lot.LotNumber, Quantity: line.Quantity}
	return result.ConsumedCost(), pick, nil
}

// recoverLine rebuilds cost and picks for a line issued on an earlier confirm
// attempt, so the retry records the same results it skipped posting.
func recoverLine(ctx context.Context, b *stock.Batch, tenantID uuid.UUID, ref stock.Reference, lineID int64, costByLine map[int64]decimal.Decimal, picksByLine map[int64][]LinePick) error {
	postings, err := b.Posted(ctx, tenantID, ref)
	if err != nil {
		return err
	}
	cost := decimal.Zero
	var picks []LinePick
	for _, posting := range postings {
		cost = cost.Add(posting.ConsumedCost())
		if !posting.Entry.LotID.Valid {
			continue
		}
		lot, err := b.Lot(ctx, tenantID, posting.Entry.LotID.UUID)
		if err != nil {
			return err
		}
		picks = append(picks, LinePick{LotID: lot.ID, LotNumber: lot.LotNumber, Quantity: posting.Entry.Quantity.Neg()})
	}
	costByLine[lineID] = cost
	picksByLine[lineID] = picks
	return nil
}

// Complete transitions confirmed -> completed. The hand-over moves no stock.
func (s *Service) Complete(ctx context.Context, tenantID, id uuid.UUID, actorID uuid.NullUUID) (Order, error) {
	doc, err := s.repo.Get(ctx, tenantID, id)
	if err != nil {
		return Order{}, err
	}
	if err := Transitions.Ensure(doc.Status, StatusCompleted); err != nil {
		return Order{}, err
	}
	now := time.Now().UTC()
	if err := s.repo.SetStatus(ctx, tenantID, id, StatusConfirmed, StatusCompleted, &now); err != nil {
		return Order{}, err
	}
	s.recordAudit(ctx, tenantID, actorID, "order:complete", id, nil)
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
	s.recordAudit(ctx, tenantID, actorID, "order:cancel", id, nil)
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
		Entity:   "pos_order",
		EntityID: entityID.String(),
		Meta:     meta,
	})
}
