package transfers

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
	Create(ctx context.Context, doc Transfer) (Transfer, error)
	Get(ctx context.Context, tenantID, id uuid.UUID) (Transfer, error)
	List(ctx context.Context, tenantID uuid.UUID, status Status, limit, offset int) ([]Transfer, error)
	SetStatus(ctx context.Context, tenantID, id uuid.UUID, from, to Status, at *time.Time) error
	SaveAllocations(ctx context.Context, lineID int64, allocations []LineAllocation) error
}

// StockPort is the slice of the stock engine the transfer workflow needs.
type StockPort interface {
	InBatch(ctx context.Context, fn func(ctx context.Context, b *stock.Batch) error) error
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

const costScale = 4

// Service orchestrates the stock transfer workflow.
type Service struct {
	repo        RepositoryPort
	stock       StockPort
	idempotency *shared.IdempotencyStore
	audit       AuditPort
}

func NewService(repo RepositoryPort, stockPort StockPort, idem *shared.IdempotencyStore, audit AuditPort) *Service {
	return &Service{repo: repo, stock: stockPort, idempotency: idem, audit: audit}
}

// CreateInput describes a new transfer.
type CreateInput struct {
	TenantID       uuid.UUID
	Number         string
	FromLocationID uuid.UUID
	ToLocationID   uuid.UUID
	Note           string
	ActorID        uuid.NullUUID
	Lines          []LineInput
}

// LineInput is one product to move.
type LineInput struct {
	ProductID uuid.UUID
	Quantity  decimal.Decimal
}

// Create persists a draft transfer.
func (s *Service) Create(ctx context.Context, input CreateInput) (Transfer, error) {
	if len(input.Lines) == 0 {
		return Transfer{}, fmt.Errorf("%w: at least one line required", shared.ErrValidation)
	}
	if input.FromLocationID == uuid.Nil || input.ToLocationID == uuid.Nil {
		return Transfer{}, fmt.Errorf("%w: source and destination locations required", shared.ErrValidation)
	}
	if input.FromLocationID == input.ToLocationID {
		return Transfer{}, fmt.Errorf("%w: source and destination must differ", shared.ErrValidation)
	}
	if input.Number == "" {
		input.Number = documents.GenerateNumber("TRF")
	}
	doc := Transfer{
		TenantID:       input.TenantID,
		Number:         input.Number,
		FromLocationID: input.FromLocationID,
		ToLocationID:   input.ToLocationID,
		Status:         StatusDraft,
		Note:           input.Note,
		CreatedBy:      input.ActorID,
	}
	for _, line := range input.Lines {
		if line.ProductID == uuid.Nil || !line.Quantity.IsPositive() {
			return Transfer{}, fmt.Errorf("%w: line requires product and positive quantity", shared.ErrValidation)
		}
		doc.Lines = append(doc.Lines, Line{ProductID: line.ProductID, Quantity: line.Quantity})
	}
	created, err := s.repo.Create(ctx, doc)
	if err != nil {
		return Transfer{}, err
	}
	s.recordAudit(ctx, created.TenantID, input.ActorID, "transfer:create", created.ID, map[string]any{"number": created.Number})
	return created, nil
}

func (s *Service) Get(ctx context.Context, tenantID, id uuid.UUID) (Transfer, error) {
	return s.repo.Get(ctx, tenantID, id)
}

func (s *Service) List(ctx context.Context, tenantID uuid.UUID, status Status, limit, offset int) ([]Transfer, error) {
	return s.repo.List(ctx, tenantID, status, limit, offset)
}

// Dispatch transitions draft -> in_transit: allocates every line out of the
// source location expiry-first and freezes the picked lots with the unit cost
// the outbound postings consumed.
func (s *Service) Dispatch(ctx context.Context, tenantID, id uuid.UUID, actorID uuid.NullUUID) (Transfer, error) {
	doc, err := s.repo.Get(ctx, tenantID, id)
	if err != nil {
		return Transfer{}, err
	}
	if err := Transitions.Ensure(doc.Status, StatusInTransit); err != nil {
		return Transfer{}, err
	}

	idemKey := fmt.Sprintf("transfer:dispatch:%s", doc.ID)
	inserted := false
	if s.idempotency != nil {
		err := s.idempotency.CheckAndInsert(ctx, idemKey, "documents.transfers")
		if err != nil && !errors.Is(err, shared.ErrIdempotencyConflict) {
			return Transfer{}, err
		}
		inserted = err == nil
	}

	picksByLine := make(map[int64][]LineAllocation, len(doc.Lines))
	err = s.stock.InBatch(ctx, func(ctx context.Context, b *stock.Batch) error {
		for _, line := range doc.Lines {
			ref := documents.LineReference("transfer_line_out", doc.ID, line.ID)
			result, err := b.Allocate(ctx, stock.AllocationInput{
				TenantID:   tenantID,
				ProductID:  line.ProductID,
				LocationID: doc.FromLocationID,
				Quantity:   line.Quantity,
				Type:       stock.MovementTransferOut,
				Reference:  ref,
				Note:       fmt.Sprintf("TRF %s dispatch", doc.Number),
				ActorID:    actorID,
			})
			if errors.Is(err, shared.ErrAlreadyPosted) {
				picks, rerr := recoverPicks(ctx, b, tenantID, ref)
				if rerr != nil {
					return rerr
				}
				picksByLine[line.ID] = picks
				continue
			}
			if err != nil {
				return err
			}
			picks := make([]LineAllocation, 0, len(result.Allocations))
			for i, alloc := range result.Allocations {
				pick := LineAllocation{
					LotID:     alloc.LotID,
					LotNumber: alloc.LotNumber,
					Quantity:  alloc.Quantity,
					UnitCost:  decimal.Zero,
				}
				if i < len(result.Postings) && alloc.Quantity.IsPositive() {
					pick.UnitCost = result.Postings[i].ConsumedCost().DivRound(alloc.Quantity, costScale)
				}
				picks = append(picks, pick)
			}
			picksByLine[line.ID] = picks
		}
		return nil
	})
	if err != nil {
		if inserted {
			_ = s.idempotency.Delete(ctx, idemKey)
		}
		return Transfer{}, err
	}

	for lineID, picks := range picksByLine {
		if err := s.repo.SaveAllocations(ctx, lineID, picks); err != nil {
			return Transfer{}, err
		}
	}
	now := time.Now().UTC()
	if err := s.repo.SetStatus(ctx, tenantID, id, StatusDraft, StatusInTransit, &now); err != nil {
		return Transfer{}, err
	}
	s.recordAudit(ctx, tenantID, actorID, "transfer:dispatch", id, map[string]any{"number": doc.Number, "lines": len(doc.Lines)})
	return s.repo.Get(ctx, tenantID, id)
}

// Receive transitions in_transit -> completed: re-registers each dispatched
// lot at the destination and books the inbound movement at the frozen unit
// cost, so value is conserved across the two locations.
func (s *Service) Receive(ctx context.Context, tenantID, id uuid.UUID, actorID uuid.NullUUID) (Transfer, error) {
	doc, err := s.repo.Get(ctx, tenantID, id)
	if err != nil {
		return Transfer{}, err
	}
	if err := Transitions.Ensure(doc.Status, StatusCompleted); err != nil {
		return Transfer{}, err
	}

	idemKey := fmt.Sprintf("transfer:receive:%s", doc.ID)
	inserted := false
	if s.idempotency != nil {
		err := s.idempotency.CheckAndInsert(ctx, idemKey, "documents.transfers")
		if err != nil && !errors.Is(err, shared.ErrIdempotencyConflict) {
			return Transfer{}, err
		}
		inserted = err == nil
	}

	err = s.stock.InBatch(ctx, func(ctx context.Context, b *stock.Batch) error {
		for _, line := range doc.Lines {
			for _, alloc := range line.Allocations {
				var lotID uuid.NullUUID
				if alloc.LotID.Valid {
					source, err := b.Lot(ctx, tenantID, alloc.LotID.UUID)
					if err != nil {
						return err
					}
					lot, err := b.RegisterLot(ctx, stock.RegisterLotInput{
						TenantID:        tenantID,
						ProductID:       line.ProductID,
						LocationID:      doc.ToLocationID,
						LotNumber:       source.LotNumber,
						ExpiryDate:      source.ExpiryDate,
						ManufactureDate: source.ManufactureDate,
						ReceivedDate:    source.ReceivedDate,
					})
					if err != nil {
						return err
					}
					lotID = uuid.NullUUID{UUID: lot.ID, Valid: true}
				}
				_, err := b.Post(ctx, stock.PostInput{
					TenantID:   tenantID,
					ProductID:  line.ProductID,
					LocationID: doc.ToLocationID,
					LotID:      lotID,
					Type:       stock.MovementTransferIn,
					Quantity:   alloc.Quantity,
					UnitCost:   decimal.NewNullDecimal(alloc.UnitCost),
					Reference:  documents.LineReference("transfer_line_in", doc.ID, alloc.ID),
					Note:       fmt.Sprintf("TRF %s receive", doc.Number),
					ActorID:    actorID,
				})
				if err != nil && !errors.Is(err, shared.ErrAlreadyPosted) {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		if inserted {
			_ = s.idempotency.Delete(ctx, idemKey)
		}
		return Transfer{}, err
	}

	now := time.Now().UTC()
	if err := s.repo.SetStatus(ctx, tenantID, id, StatusInTransit, StatusCompleted, &now); err != nil {
		return Transfer{}, err
	}
	s.recordAudit(ctx, tenantID, actorID, "transfer:receive", id, map[string]any{"number": doc.Number})
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
	s.recordAudit(ctx, tenantID, actorID, "transfer:cancel", id, map[string]any{"number": doc.Number})
	return nil
}

// recoverPicks rebuilds the lot picks for a line whose outbound postings
// committed on an earlier dispatch attempt, so the retry persists the same
// allocations it would have on first success.
func recoverPicks(ctx context.Context, b *stock.Batch, tenantID uuid.UUID, ref stock.Reference) ([]LineAllocation, error) {
	postings, err := b.Posted(ctx, tenantID, ref)
	if err != nil {
		return nil, err
	}
	picks := make([]LineAllocation, 0, len(postings))
	for _, posting := range postings {
		quantity := posting.Entry.Quantity.Neg()
		pick := LineAllocation{LotID: posting.Entry.LotID, Quantity: quantity, UnitCost: decimal.Zero}
		if posting.Entry.LotID.Valid {
			lot, err := b.Lot(ctx, tenantID, posting.Entry.LotID.UUID)
			if err != nil {
				return nil, err
			}
			pick.LotNumber = lot.LotNumber
		}
		if quantity.IsPositive() {
			pick.UnitCost = posting.ConsumedCost().DivRound(quantity, costScale)
		}
		picks = append(picks, pick)
	}
	return picks, nil
}

func (s *Service) recordAudit(ctx context.Context, tenantID uuid.UUID, actor uuid.NullUUID, action string, entityID uuid.UUID, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		TenantID: tenantID,
		ActorID:  actor.UUID,
		Action:   action,
		Entity:   "stock_transfer",
		EntityID: entityID.String(),
		Meta:     meta,
	})
}
