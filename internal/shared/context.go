package shared

import (
	"context"

	"github.com/google/uuid"
)

type tenantContextKey struct{}

type actorContextKey struct{}

// ContextWithTenant stores the tenant id in context.
func ContextWithTenant(ctx context.Context, tenantID uuid.UUID) context.Context {
	return context.WithValue(ctx, tenantContextKey{}, tenantID)
}

// TenantFromContext extracts the tenant id from context.
func TenantFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(tenantContextKey{}).(uuid.UUID)
	return id, ok
}

// RequireTenant extracts the tenant id or fails with ErrTenantRequired.
func RequireTenant(ctx context.Context) (uuid.UUID, error) {
	id, ok := TenantFromContext(ctx)
	if !ok || id == uuid.Nil {
		return uuid.Nil, ErrTenantRequired
	}
	return id, nil
}

// ContextWithActor stores the acting user id in context.
func ContextWithActor(ctx context.Context, actorID uuid.UUID) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actorID)
}

// ActorFromContext extracts the acting user id, zero when absent.
func ActorFromContext(ctx context.Context) uuid.UUID {
	id, _ := ctx.Value(actorContextKey{}).(uuid.UUID)
	return id
}

// ActorRefFromContext extracts the acting user id as a nullable reference.
func ActorRefFromContext(ctx context.Context) uuid.NullUUID {
	id := ActorFromContext(ctx)
	if id == uuid.Nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: id, Valid: true}
}
