package locations

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/larder-erp/larder/internal/masterdata/shared"
	internalShared "github.com/larder-erp/larder/internal/shared"
)

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) List(ctx context.Context, tenantID uuid.UUID, filters shared.ListFilters) ([]Location, int, error) {
	return s.repo.List(ctx, tenantID, filters)
}

func (s *Service) Get(ctx context.Context, tenantID, id uuid.UUID) (Location, error) {
	return s.repo.Get(ctx, tenantID, id)
}

func (s *Service) Create(ctx context.Context, location Location) (Location, error) {
	if err := validate(location); err != nil {
		return Location{}, err
	}
	return s.repo.Create(ctx, location)
}

func (s *Service) Update(ctx context.Context, location Location) (Location, error) {
	if err := validate(location); err != nil {
		return Location{}, err
	}
	if err := s.repo.Update(ctx, location); err != nil {
		return Location{}, err
	}
	return s.repo.Get(ctx, location.TenantID, location.ID)
}

func (s *Service) Deactivate(ctx context.Context, tenantID, id uuid.UUID) error {
	return s.repo.Deactivate(ctx, tenantID, id)
}

func validate(l Location) error {
	if strings.TrimSpace(l.Code) == "" {
		return fmt.Errorf("%w: location code is required", internalShared.ErrValidation)
	}
	if strings.TrimSpace(l.Name) == "" {
		return fmt.Errorf("%w: location name is required", internalShared.ErrValidation)
	}
	switch l.Kind {
	case KindStorage, KindKitchen, KindPOS:
		return nil
	default:
		return fmt.Errorf("%w: kind must be one of %q, %q, %q", internalShared.ErrValidation, KindStorage, KindKitchen, KindPOS)
	}
}
