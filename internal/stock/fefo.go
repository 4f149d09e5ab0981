package stock

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Allocate selects lots in first-expired-first-out order and posts one issue
// per selected lot, all in one transaction. With ReserveOnly it returns the
// computed plan without writing anything, a pure "what would I pick" query.
func (s *Service) Allocate(ctx context.Context, input AllocationInput) (AllocationResult, error) {
	result, err := s.allocate(ctx, input)
	if s.metrics != nil {
		s.metrics.ObserveAllocation(err)
	}
	if err != nil {
		return AllocationResult{}, err
	}
	if !input.ReserveOnly {
		s.invalidateProjections(ctx, input.TenantID, input.ProductID, input.LocationID)
		s.recordAudit(ctx, input.TenantID, input.ActorID, "stock:allocate", input.Reference.String(), map[string]any{
			"product_id": input.ProductID,
			"quantity":   result.QuantityAllocated.String(),
			"lots":       len(result.Allocations),
		})
	}
	return result, nil
}

func (s *Service) allocate(ctx context.Context, input AllocationInput) (AllocationResult, error) {
	if err := validateAllocationInput(&input); err != nil {
		return AllocationResult{}, err
	}

	if input.ReserveOnly {
		return s.planOnly(ctx, input)
	}

	var result AllocationResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		result, err = s.allocateInTx(ctx, tx, input)
		return err
	})
	if err != nil {
		return AllocationResult{}, err
	}
	return result, nil
}

// allocateInTx runs the allocation protocol on an open transaction.
func (s *Service) allocateInTx(ctx context.Context, tx TxRepository, input AllocationInput) (AllocationResult, error) {
	if err := validateAllocationInput(&input); err != nil {
		return AllocationResult{}, err
	}
	// The coarse product+location lock serialises whole allocations, so two
	// concurrent requests cannot plan against the same lot balances.
	coarse := Key{TenantID: input.TenantID, ProductID: input.ProductID, LocationID: input.LocationID}
	if err := tx.AcquireKeyLock(ctx, coarse.LockToken()); err != nil {
		return AllocationResult{}, err
	}
	product, err := tx.GetProduct(ctx, input.TenantID, input.ProductID)
	if err != nil {
		return AllocationResult{}, err
	}
	if err := tx.LocationExists(ctx, input.TenantID, input.LocationID); err != nil {
		return AllocationResult{}, err
	}
	// The reference is claimed before planning so a retried line reports the
	// earlier posting instead of planning against the drained balance.
	if err := tx.ClaimReference(ctx, input.TenantID, input.Reference); err != nil {
		return AllocationResult{}, err
	}

	plan, err := s.planInTx(ctx, tx, product, input)
	if err != nil {
		return AllocationResult{}, err
	}
	if !plan.FullyAllocated && !input.AllowPartial {
		return AllocationResult{}, &InsufficientStockError{Requested: input.Quantity, Available: plan.QuantityAllocated}
	}
	for _, alloc := range plan.Allocations {
		posting, err := s.postInTx(ctx, tx, PostInput{
			TenantID:   input.TenantID,
			ProductID:  input.ProductID,
			LocationID: input.LocationID,
			LotID:      alloc.LotID,
			Type:       input.Type,
			Quantity:   alloc.Quantity.Neg(),
			Reference:  input.Reference,
			Note:       input.Note,
			ActorID:    input.ActorID,
		}, false)
		if err != nil {
			return AllocationResult{}, err
		}
		plan.Postings = append(plan.Postings, posting)
	}
	return plan, nil
}

// planOnly computes the plan from committed reads, outside any transaction.
func (s *Service) planOnly(ctx context.Context, input AllocationInput) (AllocationResult, error) {
	product, err := s.repo.GetProduct(ctx, input.TenantID, input.ProductID)
	if err != nil {
		return AllocationResult{}, err
	}
	if err := s.repo.LocationExists(ctx, input.TenantID, input.LocationID); err != nil {
		return AllocationResult{}, err
	}
	now := time.Now().UTC()
	if !product.LotTracked {
		balance, err := s.repo.Balance(ctx, Key{TenantID: input.TenantID, ProductID: input.ProductID, LocationID: input.LocationID}, now)
		if err != nil {
			return AllocationResult{}, err
		}
		plan := planUntracked(balance, input.Quantity)
		if !plan.FullyAllocated && !input.AllowPartial {
			return AllocationResult{}, &InsufficientStockError{Requested: input.Quantity, Available: plan.QuantityAllocated}
		}
		return plan, nil
	}
	lots, err := s.repo.LotBalances(ctx, input.TenantID, input.ProductID, input.LocationID)
	if err != nil {
		return AllocationResult{}, err
	}
	plan := planFEFO(lots, input.Quantity, now)
	if !plan.FullyAllocated && !input.AllowPartial {
		return AllocationResult{}, &InsufficientStockError{Requested: input.Quantity, Available: plan.QuantityAllocated}
	}
	return plan, nil
}

func (s *Service) planInTx(ctx context.Context, tx TxRepository, product ProductRef, input AllocationInput) (AllocationResult, error) {
	now := time.Now().UTC()
	if !product.LotTracked {
		balance, err := tx.KeyBalance(ctx, Key{TenantID: input.TenantID, ProductID: input.ProductID, LocationID: input.LocationID}, now)
		if err != nil {
			return AllocationResult{}, err
		}
		return planUntracked(balance, input.Quantity), nil
	}
	lots, err := tx.LotBalances(ctx, input.TenantID, input.ProductID, input.LocationID)
	if err != nil {
		return AllocationResult{}, err
	}
	return planFEFO(lots, input.Quantity, now), nil
}

// planFEFO walks lots in expiry order taking min(needed, balance) from each.
// Expired lots are excluded entirely even with positive balance; this is a
// hard business rule, not an optimisation.
func planFEFO(lots []LotBalance, needed decimal.Decimal, now time.Time) AllocationResult {
	ordered := orderFEFO(lots, now)
	result := AllocationResult{Allocations: []LotAllocation{}, QuantityAllocated: decimal.Zero}
	remaining := needed
	for _, lb := range ordered {
		if remaining.IsZero() {
			break
		}
		take := decimal.Min(remaining, lb.Balance)
		result.Allocations = append(result.Allocations, LotAllocation{
			LotID:     uuid.NullUUID{UUID: lb.Lot.ID, Valid: true},
			LotNumber: lb.Lot.LotNumber,
			Quantity:  take,
		})
		result.QuantityAllocated = result.QuantityAllocated.Add(take)
		remaining = remaining.Sub(take)
	}
	result.FullyAllocated = remaining.IsZero()
	return result
}

// planUntracked degenerates to a single pseudo-lot pick against the
// product+location balance.
func planUntracked(balance, needed decimal.Decimal) AllocationResult {
	take := decimal.Min(needed, balance)
	result := AllocationResult{Allocations: []LotAllocation{}, QuantityAllocated: decimal.Zero}
	if take.IsPositive() {
		result.Allocations = append(result.Allocations, LotAllocation{Quantity: take})
		result.QuantityAllocated = take
	}
	result.FullyAllocated = result.QuantityAllocated.Equal(needed)
	return result
}

// orderFEFO filters to pickable lots and sorts by expiry ascending with lots
// without expiry last, ties broken by received date then lot id.
func orderFEFO(lots []LotBalance, now time.Time) []LotBalance {
	ordered := make([]LotBalance, 0, len(lots))
	for _, lb := range lots {
		if !lb.Balance.IsPositive() {
			continue
		}
		if lb.Lot.Expired(now) {
			continue
		}
		ordered = append(ordered, lb)
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i].Lot, ordered[j].Lot
		switch {
		case a.ExpiryDate == nil && b.ExpiryDate == nil:
			// fall through to received date
		case a.ExpiryDate == nil:
			return false
		case b.ExpiryDate == nil:
			return true
		case !a.ExpiryDate.Equal(*b.ExpiryDate):
			return a.ExpiryDate.Before(*b.ExpiryDate)
		}
		if !a.ReceivedDate.Equal(b.ReceivedDate) {
			return a.ReceivedDate.Before(b.ReceivedDate)
		}
		return a.ID.String() < b.ID.String()
	})
	return ordered
}

func validateAllocationInput(input *AllocationInput) error {
	if input.TenantID == uuid.Nil || input.ProductID == uuid.Nil || input.LocationID == uuid.Nil {
		return fmt.Errorf("stock: tenant, product and location required")
	}
	if !input.Quantity.IsPositive() {
		return ErrInvalidQuantity
	}
	if input.Type == "" {
		input.Type = MovementIssue
	}
	if !input.Type.Outbound() {
		return fmt.Errorf("stock: allocation requires an outbound movement type, got %q", input.Type)
	}
	if !input.ReserveOnly && (input.Reference.Type == "" || input.Reference.ID == uuid.Nil) {
		return ErrMissingReference
	}
	return nil
}
