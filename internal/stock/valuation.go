package stock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// avgCostScale fixes reported average-cost precision.
const avgCostScale = 4

// OnHand returns the current quantity for product+location aggregated across
// lots. Reads go through the projection cache when one is configured.
func (s *Service) OnHand(ctx context.Context, tenantID, productID, locationID uuid.UUID) (decimal.Decimal, error) {
	if s.cache == nil {
		return s.repo.ProductBalance(ctx, tenantID, productID, locationID, time.Now().UTC())
	}
	var raw string
	err := s.cache.FetchJSON(ctx, onHandKey(tenantID, productID, locationID), &raw, func(ctx context.Context) (any, error) {
		balance, err := s.repo.ProductBalance(ctx, tenantID, productID, locationID, time.Now().UTC())
		if err != nil {
			return nil, err
		}
		return balance.String(), nil
	})
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(raw)
}

// BalanceAsOf folds ledger deltas for the exact key up to cutoff, the
// building block of every other projection. Zero cutoff means now.
func (s *Service) BalanceAsOf(ctx context.Context, key Key, cutoff time.Time) (decimal.Decimal, error) {
	if cutoff.IsZero() {
		cutoff = time.Now().UTC()
	}
	return s.repo.Balance(ctx, key, cutoff)
}

// LotStatus pairs a lot balance with its expiry classification.
type LotStatus struct {
	Lot          Lot
	Balance      decimal.Decimal
	ExpiryStatus ExpiryStatus
}

// LotBalancesWithStatus lists per-lot balances with expiry classification,
// including expired and depleted lots for reporting.
func (s *Service) LotBalancesWithStatus(ctx context.Context, tenantID, productID, locationID uuid.UUID) ([]LotStatus, error) {
	balances, err := s.repo.LotBalances(ctx, tenantID, productID, locationID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	statuses := make([]LotStatus, 0, len(balances))
	for _, lb := range balances {
		statuses = append(statuses, LotStatus{
			Lot:          lb.Lot,
			Balance:      lb.Balance,
			ExpiryStatus: s.expiryStatus(lb.Lot, now),
		})
	}
	return statuses, nil
}

// AverageCost computes the weighted-average unit cost over active layers for
// product+location, falling back to the product's standard cost when no
// layers remain.
func (s *Service) AverageCost(ctx context.Context, tenantID, productID, locationID uuid.UUID) (decimal.Decimal, error) {
	layers, err := s.repo.ActiveLayers(ctx, tenantID, productID, locationID)
	if err != nil {
		return decimal.Zero, err
	}
	if avg, ok := averageCost(layers); ok {
		return avg, nil
	}
	product, err := s.repo.GetProduct(ctx, tenantID, productID)
	if err != nil {
		return decimal.Zero, err
	}
	return product.StandardCost, nil
}

// averageCost blends remaining layer value over remaining quantity. The
// second return is false when nothing remains and the caller must fall back.
func averageCost(layers []CostLayer) (decimal.Decimal, bool) {
	totalQty := decimal.Zero
	totalValue := decimal.Zero
	for _, layer := range layers {
		totalQty = totalQty.Add(layer.QuantityRemaining)
		totalValue = totalValue.Add(layer.QuantityRemaining.Mul(layer.UnitCost))
	}
	if totalQty.IsZero() {
		return decimal.Zero, false
	}
	return totalValue.DivRound(totalQty, avgCostScale), true
}

// LayerValuation is one unblended FIFO valuation line.
type LayerValuation struct {
	Layer CostLayer
	Value decimal.Decimal
}

// FIFOValuation reports remaining value per layer without blending. The total
// matches the weighted-average method's total; only the decomposition differs.
func (s *Service) FIFOValuation(ctx context.Context, tenantID, productID, locationID uuid.UUID) ([]LayerValuation, decimal.Decimal, error) {
	layers, err := s.repo.ActiveLayers(ctx, tenantID, productID, locationID)
	if err != nil {
		return nil, decimal.Zero, err
	}
	valuations := make([]LayerValuation, 0, len(layers))
	total := decimal.Zero
	for _, layer := range layers {
		value := layer.QuantityRemaining.Mul(layer.UnitCost)
		valuations = append(valuations, LayerValuation{Layer: layer, Value: value})
		total = total.Add(value)
	}
	return valuations, total, nil
}

// FEFOCandidates returns the pick list for product+location: non-expired lots
// with positive balance in pick order.
func (s *Service) FEFOCandidates(ctx context.Context, tenantID, productID, locationID uuid.UUID) ([]FEFOCandidate, error) {
	balances, err := s.repo.LotBalances(ctx, tenantID, productID, locationID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	ordered := orderFEFO(balances, now)
	candidates := make([]FEFOCandidate, 0, len(ordered))
	for i, lb := range ordered {
		candidates = append(candidates, FEFOCandidate{
			Lot:          lb.Lot,
			Balance:      lb.Balance,
			ExpiryStatus: s.expiryStatus(lb.Lot, now),
			PickPriority: i + 1,
		})
	}
	return candidates, nil
}

// expiryStatus is a pure function of expiry distance against the configured
// thresholds.
func (s *Service) expiryStatus(lot Lot, now time.Time) ExpiryStatus {
	if lot.ExpiryDate == nil {
		return ExpiryStatusGood
	}
	if lot.ExpiryDate.Before(now) {
		return ExpiryStatusExpired
	}
	until := lot.ExpiryDate.Sub(now)
	switch {
	case until <= time.Duration(s.cfg.ExpirySoonDays)*24*time.Hour:
		return ExpiryStatusExpiringSoon
	case until <= time.Duration(s.cfg.ExpiryMonthDays)*24*time.Hour:
		return ExpiryStatusExpiringMonth
	default:
		return ExpiryStatusGood
	}
}
