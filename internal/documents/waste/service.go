package waste

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
	Create(ctx context.Context, doc Report) (Report, error)
	Get(ctx context.Context, tenantID, id uuid.UUID) (Report, error)
	List(ctx context.Context, tenantID uuid.UUID, status Status, limit, offset int) ([]Report, error)
	SetStatus(ctx context.Context, tenantID, id uuid.UUID, from, to Status, postedAt *time.Time) error
	SetLineCost(ctx context.Context, lineID int64, cost decimal.Decimal) error
}

// StockPort is the slice of the stock engine the waste workflow needs.
type StockPort interface {
	InBatch(ctx context.Context, fn func(ctx context.Context, b *stock.Batch) error) error
}

// ApprovalPort records the submit/approve/reject trail.
type ApprovalPort interface {
	Record(ctx context.Context, log shared.ApprovalLog) error
	EnsureSubmit(ctx context.Context, module string, ref uuid.UUID, actorID uuid.UUID, note string) error
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

const approvalModule = "waste"

// Service orchestrates the waste disposal workflow.
type Service struct {
	repo        RepositoryPort
	stock       StockPort
	approvals   ApprovalPort
	idempotency *shared.IdempotencyStore
	audit       AuditPort
}

func NewService(repo RepositoryPort, stockPort StockPort, approvals ApprovalPort, idem *shared.IdempotencyStore, audit AuditPort) *Service {
	return &Service{repo: repo, stock: stockPort, approvals: approvals, idempotency: idem, audit: audit}
}

// CreateInput describes a new waste report.
type CreateInput struct {
	TenantID   uuid.UUID
	Number     string
	LocationID uuid.UUID
	Reason     Reason
	Note       string
	ActorID    uuid.NullUUID
	Lines      []LineInput
}

// LineInput is one product or lot to write off.
type LineInput struct {
	ProductID uuid.UUID
	LotID     uuid.NullUUID
	Quantity  decimal.Decimal
}

// Create persists a draft waste report.
func (s *Service) Create(ctx context.Context, input CreateInput) (Report, error) {
	if len(input.Lines) == 0 {
		return Report{}, fmt.Errorf("%w: at least one line required", shared.ErrValidation)
	}
	if input.LocationID == uuid.Nil {
		return Report{}, fmt.Errorf("%w: location required", shared.ErrValidation)
	}
	if !input.Reason.IsValid() {
		return Report{}, fmt.Errorf("%w: unknown reason %q", shared.ErrValidation, input.Reason)
	}
	if input.Number == "" {
		input.Number = documents.GenerateNumber("WST")
	}
	doc := Report{
		TenantID:   input.TenantID,
		Number:     input.Number,
		LocationID: input.LocationID,
		Reason:     input.Reason,
		Status:     StatusDraft,
		Note:       input.Note,
		CreatedBy:  input.ActorID,
	}
	for _, line := range input.Lines {
		if line.ProductID == uuid.Nil || !line.Quantity.IsPositive() {
			return Report{}, fmt.Errorf("%w: line requires product and positive quantity", shared.ErrValidation)
		}
		doc.Lines = append(doc.Lines, Line{ProductID: line.ProductID, LotID: line.LotID, Quantity: line.Quantity})
	}
	created, err := s.repo.Create(ctx, doc)
	if err != nil {
		return Report{}, err
	}
	s.recordAudit(ctx, created.TenantID, input.ActorID, "waste:create", created.ID, map[string]any{"number": created.Number})
	return created, nil
}

func (s *Service) Get(ctx context.Context, tenantID, id uuid.UUID) (Report, error) {
	return s.repo.Get(ctx, tenantID, id)
}

func (s *Service) List(ctx context.Context, tenantID uuid.UUID, status Status, limit, offset int) ([]Report, error) {
	return s.repo.List(ctx, tenantID, status, limit, offset)
}

// Submit transitions draft -> pending_approval and opens the approval trail.
func (s *Service) Submit(ctx context.Context, tenantID, id uuid.UUID, actorID uuid.NullUUID) (Report, error) {
	doc, err := s.repo.Get(ctx, tenantID, id)
	if err != nil {
		return Report{}, err
	}
	if err := Transitions.Ensure(doc.Status, StatusPendingApproval); err != nil {
		return Report{}, err
	}
	if err := s.repo.SetStatus(ctx, tenantID, id, StatusDraft, StatusPendingApproval, nil); err != nil {
		return Report{}, err
	}
	if s.approvals != nil {
		_ = s.approvals.EnsureSubmit(ctx, approvalModule, doc.ID, actorID.UUID, doc.Note)
	}
	s.recordAudit(ctx, tenantID, actorID, "waste:submit", id, map[string]any{"number": doc.Number})
	return s.repo.Get(ctx, tenantID, id)
}

// Approve transitions pending_approval -> approved and writes the stock off.
// Lines naming a lot are posted against that lot even when it is expired.
func (s *Service) Approve(ctx context.Context, tenantID, id uuid.UUID, actorID uuid.NullUUID, note string) (Report, error) {
	doc, err := s.repo.Get(ctx, tenantID, id)
	if err != nil {
		return Report{}, err
	}
	if err := Transitions.Ensure(doc.Status, StatusApproved); err != nil {
		return Report{}, err
	}

	idemKey := fmt.Sprintf("waste:approve:%s", doc.ID)
	inserted := false
	if s.idempotency != nil {
		err := s.idempotency.CheckAndInsert(ctx, idemKey, "documents.waste")
		if err != nil && !errors.Is(err, shared.ErrIdempotencyConflict) {
			return Report{}, err
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
			ref := documents.LineReference("waste_report_line", doc.ID, line.ID)
			result, err := b.Post(ctx, stock.PostInput{
				TenantID:   tenantID,
				ProductID:  line.ProductID,
				LocationID: doc.LocationID,
				LotID:      line.LotID,
				Type:       stock.MovementIssue,
				Quantity:   line.Quantity.Neg(),
				Reference:  ref,
				Note:       fmt.Sprintf("WST %s %s", doc.Number, doc.Reason),
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
		return Report{}, err
	}

	for lineID, cost := range costByLine {
		if err := s.repo.SetLineCost(ctx, lineID, cost); err != nil {
			return Report{}, err
		}
	}
	now := time.Now().UTC()
	if err := s.repo.SetStatus(ctx, tenantID, id, StatusPendingApproval, StatusApproved, &now); err != nil {
		return Report{}, err
	}
	if s.approvals != nil {
		_ = s.approvals.Record(ctx, shared.ApprovalLog{
			Module: approvalModule, RefID: doc.ID, ActorID: actorID.UUID, Action: shared.ApprovalApprove, Note: note,
		})
	}
	s.recordAudit(ctx, tenantID, actorID, "waste:approve", id, map[string]any{"number": doc.Number, "lines": len(doc.Lines)})
	return s.repo.Get(ctx, tenantID, id)
}

// Reject transitions pending_approval -> rejected without stock effects.
func (s *Service) Reject(ctx context.Context, tenantID, id uuid.UUID, actorID uuid.NullUUID, note string) (Report, error) {
	doc, err := s.repo.Get(ctx, tenantID, id)
	if err != nil {
		return Report{}, err
	}
	if err := Transitions.Ensure(doc.Status, StatusRejected); err != nil {
		return Report{}, err
	}
	if err := s.repo.SetStatus(ctx, tenantID, id, StatusPendingApproval, StatusRejected, nil); err != nil {
		return Report{}, err
	}
	if s.approvals != nil {
		_ = s.approvals.Record(ctx, shared.ApprovalLog{
			Module: approvalModule, RefID: doc.ID, ActorID: actorID.UUID, Action: shared.ApprovalReject, Note: note,
		})
	}
	s.recordAudit(ctx, tenantID, actorID, "waste:reject", id, map[string]any{"number": doc.Number})
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
	s.recordAudit(ctx, tenantID, actorID, "waste:cancel", id, map[string]any{"number": doc.Number})
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
		Entity:   "waste_report",
		EntityID: entityID.String(),
		Meta:     meta,
	})
}
