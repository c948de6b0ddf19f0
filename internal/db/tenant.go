package db

import (
	"context"
	"errors"
	"regexp"
)

type contextKey string

const tenantKey contextKey = "tenant_id"

var tenantIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

var ErrInvalidTenant = errors.New("invalid tenant identifier")

// ValidTenant reports whether id can be used as a schema suffix.
func ValidTenant(id string) bool {
	return len(id) <= 48 && tenantIDPattern.MatchString(id)
}

// SchemaFor returns the PostgreSQL schema holding the tenant's tables.
func SchemaFor(tenantID string) string {
	return "tenant_" + tenantID
}

func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantKey, tenantID)
}

// TenantFromContext returns the tenant carried by ctx, or "" if none.
func TenantFromContext(ctx context.Context) string {
	tid, _ := ctx.Value(tenantKey).(string)
	return tid
}
