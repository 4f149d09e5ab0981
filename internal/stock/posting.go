package stock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Post converts one document line into a ledger movement plus its cost-layer
// effects, atomically. The balance check, the layer mutation and the ledger
// append share one transaction serialised per key, so two concurrent outbound
// postings against the same key are never both admitted past the check.
func (s *Service) Post(ctx context.Context, input PostInput) (PostResult, error) {
	var result PostResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		result, err = s.postInTx(ctx, tx, input, true)
		return err
	})
	if s.metrics != nil {
		s.metrics.ObservePosting(string(input.Type), err)
	}
	if err != nil {
		return PostResult{}, err
	}
	s.invalidateProjections(ctx, input.TenantID, input.ProductID, input.LocationID)
	s.recordAudit(ctx, input.TenantID, input.ActorID, fmt.Sprintf("stock:%s", input.Type), result.Entry.Reference.String(), map[string]any{
		"product_id":  input.ProductID,
		"location_id": input.LocationID,
		"quantity":    input.Quantity.String(),
	})
	return result, nil
}

// postInTx runs the posting protocol on an open transaction. claimRef is false
// when the FEFO allocator has already claimed the request's reference and is
// posting one movement per selected lot under it.
func (s *Service) postInTx(ctx context.Context, tx TxRepository, input PostInput, claimRef bool) (PostResult, error) {
	if err := validatePostInput(input); err != nil {
		return PostResult{}, err
	}
	key := Key{TenantID: input.TenantID, ProductID: input.ProductID, LocationID: input.LocationID, LotID: input.LotID}
	if err := tx.AcquireKeyLock(ctx, key.LockToken()); err != nil {
		return PostResult{}, err
	}

	product, err := tx.GetProduct(ctx, input.TenantID, input.ProductID)
	if err != nil {
		return PostResult{}, err
	}
	if err := tx.LocationExists(ctx, input.TenantID, input.LocationID); err != nil {
		return PostResult{}, err
	}
	if err := validateLotUsage(ctx, tx, product, input); err != nil {
		return PostResult{}, err
	}

	if claimRef {
		if err := tx.ClaimReference(ctx, input.TenantID, input.Reference); err != nil {
			return PostResult{}, err
		}
	}

	now := time.Now().UTC()
	result := PostResult{}

	if input.Quantity.IsNegative() {
		balance, err := tx.KeyBalance(ctx, key, now)
		if err != nil {
			return PostResult{}, err
		}
		if balance.Add(input.Quantity).IsNegative() {
			return PostResult{}, &InsufficientStockError{Requested: input.Quantity.Neg(), Available: balance}
		}
		consumptions, err := consumeLayers(ctx, tx, key, input.Quantity.Neg(), input.Reference, now)
		if err != nil {
			return PostResult{}, err
		}
		result.Consumptions = consumptions
	} else {
		if !input.UnitCost.Valid {
			return PostResult{}, ErrMissingUnitCost
		}
		layer, err := tx.InsertLayer(ctx, CostLayer{
			TenantID:          input.TenantID,
			ProductID:         input.ProductID,
			LocationID:        input.LocationID,
			LotID:             input.LotID,
			QuantityReceived:  input.Quantity,
			QuantityRemaining: input.Quantity,
			UnitCost:          input.UnitCost.Decimal,
			SourceType:        input.Reference.Type,
			SourceID:          input.Reference.ID,
			CreatedAt:         now,
		})
		if err != nil {
			return PostResult{}, err
		}
		result.Layer = &layer
	}

	entry, err := tx.InsertEntry(ctx, LedgerEntry{
		TenantID:   input.TenantID,
		ProductID:  input.ProductID,
		LocationID: input.LocationID,
		LotID:      input.LotID,
		Type:       input.Type,
		Quantity:   input.Quantity,
		UnitCost:   input.UnitCost,
		Reference:  input.Reference,
		Note:       input.Note,
		CreatedBy:  input.ActorID,
		CreatedAt:  now,
	})
	if err != nil {
		return PostResult{}, err
	}
	result.Entry = entry
	return result, nil
}

// consumeLayers decrements cost layers for the exact key, strict FIFO by
// creation time. Layers running out before the requested quantity means the
// ledger admitted stock that the layers do not carry.
func consumeLayers(ctx context.Context, tx TxRepository, key Key, needed decimal.Decimal, ref Reference, now time.Time) ([]CostLayerConsumption, error) {
	layers, err := tx.LayersForUpdate(ctx, key)
	if err != nil {
		return nil, err
	}
	remaining := needed
	consumptions := []CostLayerConsumption{}
	for _, layer := range layers {
		if remaining.IsZero() {
			break
		}
		take := decimal.Min(remaining, layer.QuantityRemaining)
		if err := tx.UpdateLayerRemaining(ctx, layer.ID, layer.QuantityRemaining.Sub(take)); err != nil {
			return nil, err
		}
		consumption, err := tx.InsertConsumption(ctx, CostLayerConsumption{
			LayerID:   layer.ID,
			Reference: ref,
			Quantity:  take,
			Amount:    take.Mul(layer.UnitCost),
			CreatedAt: now,
		})
		if err != nil {
			return nil, err
		}
		consumptions = append(consumptions, consumption)
		remaining = remaining.Sub(take)
	}
	if remaining.IsPositive() {
		return nil, ErrInsufficientCostBasis
	}
	return consumptions, nil
}

func validatePostInput(input PostInput) error {
	if input.TenantID == uuid.Nil || input.ProductID == uuid.Nil || input.LocationID == uuid.Nil {
		return fmt.Errorf("stock: tenant, product and location required")
	}
	if !input.Type.IsValid() {
		return fmt.Errorf("stock: unknown movement type %q", input.Type)
	}
	if input.Quantity.IsZero() {
		return ErrInvalidQuantity
	}
	if input.Type.Inbound() && !input.Quantity.IsPositive() {
		return ErrInvalidQuantity
	}
	if input.Type.Outbound() && !input.Quantity.IsNegative() {
		return ErrInvalidQuantity
	}
	if input.Reference.Type == "" || input.Reference.ID == uuid.Nil {
		return ErrMissingReference
	}
	if input.UnitCost.Valid && input.UnitCost.Decimal.IsNegative() {
		return ErrInvalidUnitCost
	}
	return nil
}

func validateLotUsage(ctx context.Context, tx TxRepository, product ProductRef, input PostInput) error {
	if !product.LotTracked {
		if input.LotID.Valid {
			return ErrLotNotTracked
		}
		return nil
	}
	if !input.LotID.Valid {
		return ErrLotRequired
	}
	lot, err := tx.GetLot(ctx, input.TenantID, input.LotID.UUID)
	if err != nil {
		return err
	}
	if lot.ProductID != input.ProductID || lot.LocationID != input.LocationID {
		return fmt.Errorf("stock: lot %s does not belong to product/location", lot.ID)
	}
	return nil
}
