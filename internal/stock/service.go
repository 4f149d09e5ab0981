package stock

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/larder-erp/larder/internal/shared"
)

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetProduct(ctx context.Context, tenantID, productID uuid.UUID) (ProductRef, error)
	LocationExists(ctx context.Context, tenantID, locationID uuid.UUID) error
	GetLot(ctx context.Context, tenantID uuid.UUID, lotID uuid.UUID) (Lot, error)
	Balance(ctx context.Context, key Key, cutoff time.Time) (decimal.Decimal, error)
	ProductBalance(ctx context.Context, tenantID, productID, locationID uuid.UUID, cutoff time.Time) (decimal.Decimal, error)
	ActiveLayers(ctx context.Context, tenantID, productID, locationID uuid.UUID) ([]CostLayer, error)
	LotBalances(ctx context.Context, tenantID, productID, locationID uuid.UUID) ([]LotBalance, error)
	Entries(ctx context.Context, filter EntryFilter) ([]LedgerEntry, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// MetricsPort counts engine operations.
type MetricsPort interface {
	ObservePosting(movementType string, err error)
	ObserveAllocation(err error)
}

// ServiceConfig groups tunable settings.
type ServiceConfig struct {
	// ExpirySoonDays and ExpiryMonthDays set lot expiry status thresholds.
	ExpirySoonDays  int
	ExpiryMonthDays int
}

func (c ServiceConfig) withDefaults() ServiceConfig {
	if c.ExpirySoonDays <= 0 {
		c.ExpirySoonDays = 7
	}
	if c.ExpiryMonthDays <= 0 {
		c.ExpiryMonthDays = 30
	}
	return c
}

// Service is the inventory ledger and costing engine. All writes go through
// Post or Allocate; every read is a projection over the ledger and the
// cost layers.
type Service struct {
	repo    RepositoryPort
	audit   AuditPort
	metrics MetricsPort
	cache   *Cache
	cfg     ServiceConfig
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, metrics MetricsPort, cache *Cache, cfg ServiceConfig) *Service {
	return &Service{repo: repo, audit: audit, metrics: metrics, cache: cache, cfg: cfg.withDefaults()}
}

// RegisterLot records a new receivable batch, reusing the existing lot when
// the (tenant, product, location, lot number) identity is already known.
func (s *Service) RegisterLot(ctx context.Context, input RegisterLotInput) (Lot, error) {
	if input.TenantID == uuid.Nil || input.ProductID == uuid.Nil || input.LocationID == uuid.Nil {
		return Lot{}, errors.New("stock: tenant, product and location required")
	}
	if strings.TrimSpace(input.LotNumber) == "" {
		return Lot{}, errors.New("stock: lot number required")
	}
	var lot Lot
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		lot, err = s.registerLotInTx(ctx, tx, input)
		return err
	})
	if err != nil {
		return Lot{}, err
	}
	return lot, nil
}

func (s *Service) registerLotInTx(ctx context.Context, tx TxRepository, input RegisterLotInput) (Lot, error) {
	if strings.TrimSpace(input.LotNumber) == "" {
		return Lot{}, errors.New("stock: lot number required")
	}
	product, err := tx.GetProduct(ctx, input.TenantID, input.ProductID)
	if err != nil {
		return Lot{}, err
	}
	if !product.LotTracked {
		return Lot{}, ErrLotNotTracked
	}
	if err := tx.LocationExists(ctx, input.TenantID, input.LocationID); err != nil {
		return Lot{}, err
	}
	existing, err := tx.FindLot(ctx, input.TenantID, input.ProductID, input.LocationID, input.LotNumber)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, shared.ErrNotFound) {
		return Lot{}, err
	}
	received := input.ReceivedDate
	if received.IsZero() {
		received = time.Now().UTC()
	}
	return tx.InsertLot(ctx, Lot{
		TenantID:        input.TenantID,
		ProductID:       input.ProductID,
		LocationID:      input.LocationID,
		LotNumber:       input.LotNumber,
		ExpiryDate:      input.ExpiryDate,
		ManufactureDate: input.ManufactureDate,
		ReceivedDate:    received,
	})
}

// Product resolves product attributes, used by document workflows for
// costing fallbacks and FEFO policy checks.
func (s *Service) Product(ctx context.Context, tenantID, productID uuid.UUID) (ProductRef, error) {
	return s.repo.GetProduct(ctx, tenantID, productID)
}

// StockCard lists ledger entries for a key, oldest first.
func (s *Service) StockCard(ctx context.Context, filter EntryFilter) ([]LedgerEntry, error) {
	if filter.TenantID == uuid.Nil || filter.ProductID == uuid.Nil || filter.LocationID == uuid.Nil {
		return nil, errors.New("stock: tenant, product and location required")
	}
	return s.repo.Entries(ctx, filter)
}

func (s *Service) recordAudit(ctx context.Context, tenantID uuid.UUID, actor uuid.NullUUID, action, entityID string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		TenantID: tenantID,
		ActorID:  actor.UUID,
		Action:   action,
		Entity:   "stock_ledger",
		EntityID: entityID,
		Meta:     meta,
	})
}

func (s *Service) invalidateProjections(ctx context.Context, tenantID, productID, locationID uuid.UUID) {
	if s.cache == nil {
		return
	}
	_ = s.cache.Invalidate(ctx, onHandKey(tenantID, productID, locationID))
}
