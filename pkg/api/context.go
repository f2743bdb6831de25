package api

import "context"

type tenantKey struct{}

// DefaultTenant is used when a context carries no tenant.
const DefaultTenant = "default"

// WithTenant returns a context scoped to the given tenant.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantKey{}, tenantID)
}

// TenantFromContext returns the tenant carried by ctx and whether one was set.
func TenantFromContext(ctx context.Context) (string, bool) {
	t, ok := ctx.Value(tenantKey{}).(string)
	return t, ok && t != ""
}

// TenantOrDefault returns the context tenant, or DefaultTenant.
func TenantOrDefault(ctx context.Context) string {
	if t, ok := TenantFromContext(ctx); ok {
		return t
	}
	return DefaultTenant
}
