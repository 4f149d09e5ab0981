package stock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Batch exposes engine writes bound to one open transaction. Document
// workflows post all their lines through a batch so a failing line rolls the
// whole document posting back.
type Batch struct {
	svc *Service
	tx  TxRepository

	postings    []PostInput
	allocations []AllocationInput
}

// Post appends one movement within the batch transaction.
func (b *Batch) Post(ctx context.Context, input PostInput) (PostResult, error) {
	result, err := b.svc.postInTx(ctx, b.tx, input, true)
	if err != nil {
		return PostResult{}, err
	}
	b.postings = append(b.postings, input)
	return result, nil
}

// Allocate runs a FEFO allocation within the batch transaction.
func (b *Batch) Allocate(ctx context.Context, input AllocationInput) (AllocationResult, error) {
	result, err := b.svc.allocateInTx(ctx, b.tx, input)
	if err != nil {
		return AllocationResult{}, err
	}
	b.allocations = append(b.allocations, input)
	return result, nil
}

// RegisterLot finds or creates a lot within the batch transaction.
func (b *Batch) RegisterLot(ctx context.Context, input RegisterLotInput) (Lot, error) {
	return b.svc.registerLotInTx(ctx, b.tx, input)
}

// Product resolves product attributes within the batch transaction.
func (b *Batch) Product(ctx context.Context, tenantID, productID uuid.UUID) (ProductRef, error) {
	return b.tx.GetProduct(ctx, tenantID, productID)
}

// Lot resolves a lot within the batch transaction.
func (b *Batch) Lot(ctx context.Context, tenantID, lotID uuid.UUID) (Lot, error) {
	return b.tx.GetLot(ctx, tenantID, lotID)
}

// Balance reads the current on-hand quantity for a key within the batch
// transaction, so counts see the book figure the adjustment posts against.
func (b *Batch) Balance(ctx context.Context, key Key) (decimal.Decimal, error) {
	return b.tx.KeyBalance(ctx, key, time.Now().UTC())
}

// AverageCost computes the weighted-average unit cost over active layers
// within the batch transaction, falling back to the product's standard cost
// when no layers remain. Unlike the service-level read it sees layers already
// consumed by earlier lines of the same document.
func (b *Batch) AverageCost(ctx context.Context, tenantID, productID, locationID uuid.UUID) (decimal.Decimal, error) {
	layers, err := b.tx.ActiveLayers(ctx, tenantID, productID, locationID)
	if err != nil {
		return decimal.Zero, err
	}
	if avg, ok := averageCost(layers); ok {
		return avg, nil
	}
	product, err := b.tx.GetProduct(ctx, tenantID, productID)
	if err != nil {
		return decimal.Zero, err
	}
	return product.StandardCost, nil
}

// Posted rebuilds the movements a reference booked in an earlier committed
// transaction. Workflow retries use it to recover picks and costs for lines
// they skip as already posted.
func (b *Batch) Posted(ctx context.Context, tenantID uuid.UUID, ref Reference) ([]PostResult, error) {
	return b.tx.PostingsByReference(ctx, tenantID, ref)
}

// InBatch runs fn with a Batch sharing one transaction. Metrics and cache
// invalidation fire only after the transaction commits.
func (s *Service) InBatch(ctx context.Context, fn func(ctx context.Context, b *Batch) error) error {
	var batch *Batch
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		batch = &Batch{svc: s, tx: tx}
		return fn(ctx, batch)
	})
	if s.metrics != nil && batch != nil {
		for _, p := range batch.postings {
			s.metrics.ObservePosting(string(p.Type), err)
		}
		for range batch.allocations {
			s.metrics.ObserveAllocation(err)
		}
	}
	if err != nil {
		return err
	}
	for _, p := range batch.postings {
		s.invalidateProjections(ctx, p.TenantID, p.ProductID, p.LocationID)
	}
	for _, a := range batch.allocations {
		s.invalidateProjections(ctx, a.TenantID, a.ProductID, a.LocationID)
	}
	return nil
}
