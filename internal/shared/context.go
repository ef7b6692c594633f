package shared

import "context"

type tenantContextKey struct{}

// Tenant identifies the cashbox every request operates under.
type Tenant struct {
	CashboxID int64
	UserID    int64
}

// ContextWithTenant stores the tenant in context.
func ContextWithTenant(ctx context.Context, t Tenant) context.Context {
	return context.WithValue(ctx, tenantContextKey{}, t)
}

// TenantFromContext extracts the tenant from context. The zero value means
// the request was not authenticated.
func TenantFromContext(ctx context.Context) Tenant {
	t, _ := ctx.Value(tenantContextKey{}).(Tenant)
	return t
}
