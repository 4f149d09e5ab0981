package production

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
	Create(ctx context.Context, doc Order) (Order, error)
	Get(ctx context.Context, tenantID, id uuid.UUID) (Order, error)
	List(ctx context.Context, tenantID uuid.UUID, status Status, limit, offset int) ([]Order, error)
	SetStatus(ctx context.Context, tenantID, id uuid.UUID, from, to Status, at *time.Time) error
	SetOutput(ctx context.Context, tenantID, id uuid.UUID, lotID uuid.NullUUID, unitCost decimal.Decimal) error
	SetIngredientCost(ctx context.Context, ingredientID int64, cost decimal.Decimal) error
}

// StockPort is the slice of the stock engine the production workflow needs.
type StockPort interface {
	InBatch(ctx context.Context, fn func(ctx context.Context, b *stock.Batch) error) error
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

const costScale = 4

// Service orchestrates the production workflow.
type Service struct {
	repo        RepositoryPort
	stock       StockPort
	idempotency *shared.IdempotencyStore
	audit       AuditPort
}

func NewService(repo RepositoryPort, stockPort StockPort, idem *shared.IdempotencyStore, audit AuditPort) *Service {
	return &Service{repo: repo, stock: stockPort, idempotency: idem, audit: audit}
}

// CreateInput describes a new production order.
type CreateInput struct {
	TenantID        uuid.UUID
	Number          string
	LocationID      uuid.UUID
	OutputProductID uuid.UUID
	OutputQuantity  decimal.Decimal
	OutputLotNumber string
	Note            string
	ActorID         uuid.NullUUID
	Ingredients     []IngredientInput
}

// IngredientInput is one input to consume.
type IngredientInput struct {
	ProductID uuid.UUID
	Quantity  decimal.Decimal
}

// Create persists a draft production order.
func (s *Service) Create(ctx context.Context, input CreateInput) (Order, error) {
	if len(input.Ingredients) == 0 {
		return Order{}, fmt.Errorf("%w: at least one ingredient required", shared.ErrValidation)
	}
	if input.LocationID == uuid.Nil {
		return Order{}, fmt.Errorf("%w: location required", shared.ErrValidation)
	}
	if input.OutputProductID == uuid.Nil || !input.OutputQuantity.IsPositive() {
		return Order{}, fmt.Errorf("%w: output product and positive quantity required", shared.ErrValidation)
	}
	if input.Number == "" {
		input.Number = documents.GenerateNumber("PRD")
	}
	doc := Order{
		TenantID:        input.TenantID,
		Number:          input.Number,
		LocationID:      input.LocationID,
		OutputProductID: input.OutputProductID,
		OutputQuantity:  input.OutputQuantity,
		OutputLotNumber: strings.TrimSpace(input.OutputLotNumber),
		Status:          StatusDraft,
		Note:            input.Note,
		CreatedBy:       input.ActorID,
	}
	for _, ing := range input.Ingredients {
		if ing.ProductID == uuid.Nil || !ing.Quantity.IsPositive() {
			return Order{}, fmt.Errorf("%w: ingredient requires product and positive quantity", shared.ErrValidation)
		}
		if ing.ProductID == input.OutputProductID {
			return Order{}, fmt.Errorf("%w: output product cannot be its own ingredient", shared.ErrValidation)
		}
		doc.Ingredients = append(doc.Ingredients, Ingredient{ProductID: ing.ProductID, Quantity: ing.Quantity})
	}
	created, err := s.repo.Create(ctx, doc)
	if err != nil {
		return Order{}, err
	}
	s.recordAudit(ctx, created.TenantID, input.ActorID, "production:create", created.ID, map[string]any{"number": created.Number})
	return created, nil
}

func (s *Service) Get(ctx context.Context, tenantID, id uuid.UUID) (Order, error) {
	return s.repo.Get(ctx, tenantID, id)
}

func (s *Service) List(ctx context.Context, tenantID uuid.UUID, status Status, limit, offset int) ([]Order, error) {
	return s.repo.List(ctx, tenantID, status, limit, offset)
}

// Start transitions draft -> in_progress. No stock moves yet.
func (s *Service) Start(ctx context.Context, tenantID, id uuid.UUID, actorID uuid.NullUUID) (Order, error) {
	doc, err := s.repo.Get(ctx, tenantID, id)
	if err != nil {
		return Order{}, err
	}
	if err := Transitions.Ensure(doc.Status, StatusInProgress); err != nil {
		return Order{}, err
	}
	now := time.Now().UTC()
	if err := s.repo.SetStatus(ctx, tenantID, id, doc.Status, StatusInProgress, &now); err != nil {
		return Order{}, err
	}
	s.recordAudit(ctx, tenantID, actorID, "production:start", id, map[string]any{"number": doc.Number})
	return s.repo.Get(ctx, tenantID, id)
}

// Complete transitions in_progress -> completed: consumes every ingredient
// expiry-first and books the output at total consumed value over output
// quantity, so production never creates or destroys value.
func (s *Service) Complete(ctx context.Context, tenantID, id uuid.UUID, actorID uuid.NullUUID) (Order, error) {
	doc, err := s.repo.Get(ctx, tenantID, id)
	if err != nil {
		return Order{}, err
	}
	if err := Transitions.Ensure(doc.Status, StatusCompleted); err != nil {
		return Order{}, err
	}

	idemKey := fmt.Sprintf("production:complete:%s", doc.ID)
	inserted := false
	if s.idempotency != nil {
		err := s.idempotency.CheckAndInsert(ctx, idemKey, "documents.production")
		if err != nil && !errors.Is(err, shared.ErrIdempotencyConflict) {
			return Order{}, err
		}
		inserted = err == nil
	}

	now := time.Now().UTC()
	var unitCost decimal.Decimal
	var outputLotID uuid.NullUUID
	costByIngredient := make(map[int64]decimal.Decimal, len(doc.Ingredients))
	err = s.stock.InBatch(ctx, func(ctx context.Context, b *stock.Batch) error {
		totalCost := decimal.Zero
		for _, ing := range doc.Ingredients {
			ref := documents.LineReference("production_ingredient", doc.ID, ing.ID)
			result, err := b.Allocate(ctx, stock.AllocationInput{
				TenantID:   tenantID,
				ProductID:  ing.ProductID,
				LocationID: doc.LocationID,
				Quantity:   ing.Quantity,
				Type:       stock.MovementProductionOut,
				Reference:  ref,
				Note:       fmt.Sprintf("PRD %s consume", doc.Number),
				ActorID:    actorID,
			})
			if errors.Is(err, shared.ErrAlreadyPosted) {
				// A skipped ingredient still carries the value it consumed
				// on the earlier attempt into the output cost.
				consumed, rerr := documents.RecoverLineCost(ctx, b, tenantID, ref)
				if rerr != nil {
					return rerr
				}
				costByIngredient[ing.ID] = consumed
				totalCost = totalCost.Add(consumed)
				continue
			}
			if err != nil {
				return err
			}
			consumed := decimal.Zero
			for _, posting := range result.Postings {
				consumed = consumed.Add(posting.ConsumedCost())
			}
			costByIngredient[ing.ID] = consumed
			totalCost = totalCost.Add(consumed)
		}

		unitCost = totalCost.DivRound(doc.OutputQuantity, costScale)

		product, err := b.Product(ctx, tenantID, doc.OutputProductID)
		if err != nil {
			return err
		}
		if product.LotTracked {
			lotNumber := doc.OutputLotNumber
			if lotNumber == "" {
				lotNumber = doc.Number
			}
			var expiry *time.Time
			if product.ShelfLifeDays != nil {
				d := now.AddDate(0, 0, *product.ShelfLifeDays)
				expiry = &d
			}
			lot, err := b.RegisterLot(ctx, stock.RegisterLotInput{
				TenantID:     tenantID,
				ProductID:    doc.OutputProductID,
				LocationID:   doc.LocationID,
				LotNumber:    lotNumber,
				ExpiryDate:   expiry,
				ReceivedDate: now,
			})
			if err != nil {
				return err
			}
			outputLotID = uuid.NullUUID{UUID: lot.ID, Valid: true}
		}
		_, err = b.Post(ctx, stock.PostInput{
			TenantID:   tenantID,
			ProductID:  doc.OutputProductID,
			LocationID: doc.LocationID,
			LotID:      outputLotID,
			Type:       stock.MovementProductionIn,
			Quantity:   doc.OutputQuantity,
			UnitCost:   decimal.NewNullDecimal(unitCost),
			Reference:  documents.LineReference("production_output", doc.ID, 0),
			Note:       fmt.Sprintf("PRD %s output", doc.Number),
			ActorID:    actorID,
		})
		if err != nil && !errors.Is(err, shared.ErrAlreadyPosted) {
			return err
		}
		return nil
	})
	if err != nil {
		if inserted {
			_ = s.idempotency.Delete(ctx, idemKey)
		}
		return Order{}, err
	}

	for ingID, cost := range costByIngredient {
		if err := s.repo.SetIngredientCost(ctx, ingID, cost); err != nil {
			return Order{}, err
		}
	}
	if err := s.repo.SetOutput(ctx, tenantID, id, outputLotID, unitCost); err != nil {
		return Order{}, err
	}
	if err := s.repo.SetStatus(ctx, tenantID, id, StatusInProgress, StatusCompleted, &now); err != nil {
		return Order{}, err
	}
	s.recordAudit(ctx, tenantID, actorID, "production:complete", id, map[string]any{
		"number": doc.Number, "unit_cost": unitCost.String(),
	})
	return s.repo.Get(ctx, tenantID, id)
}

// Cancel transitions draft or in_progress -> cancelled. Runs that already
// consumed stock must be completed instead.
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
	s.recordAudit(ctx, tenantID, actorID, "production:cancel", id, map[string]any{"number": doc.Number})
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
		Entity:   "production_order",
		EntityID: entityID.String(),
		Meta:     meta,
	})
}
