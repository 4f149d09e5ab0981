package products

import (
	"context"

	"github.com/google/uuid"

	"github.com/larder-erp/larder/internal/masterdata/shared"
)

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) List(ctx context.Context, tenantID uuid.UUID, filters shared.ListFilters) ([]Product, int, error) {
	return s.repo.List(ctx, tenantID, filters)
}

func (s *Service) Get(ctx context.Context, tenantID, id uuid.UUID) (Product, error) {
	return s.repo.Get(ctx, tenantID, id)
}

func (s *Service) GetByCode(ctx context.Context, tenantID uuid.UUID, code string) (Product, error) {
	return s.repo.GetByCode(ctx, tenantID, code)
}

func (s *Service) Create(ctx context.Context, product Product) (Product, error) {
	product = withDefaults(product)
	if err := validate(product); err != nil {
		return Product{}, err
	}
	return s.repo.Create(ctx, product)
}

func (s *Service) Update(ctx context.Context, product Product) (Product, error) {
	product = withDefaults(product)
	if err := validate(product); err != nil {
		return Product{}, err
	}
	if err := s.repo.Update(ctx, product); err != nil {
		return Product{}, err
	}
	return s.repo.Get(ctx, product.TenantID, product.ID)
}

func (s *Service) Deactivate(ctx context.Context, tenantID, id uuid.UUID) error {
	return s.repo.Deactivate(ctx, tenantID, id)
}
