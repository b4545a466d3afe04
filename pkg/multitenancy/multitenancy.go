// Package multitenancy isolates tenants sharing one event store. The
// tenant id travels as a context value; ScopedStore prefixes stream ids
// with it so two tenants can use the same local aggregate id without
// colliding, and RequireTenant rejects dispatches that have no tenant or
// target another tenant's stream.
package multitenancy

import (
	"context"
	"errors"
	"strings"
)

// Separator joins the tenant id and the local stream id in a scoped
// stream id. Tenant ids must not contain it.
const Separator = "::"

var (
	// ErrNoTenant is returned when an operation requires a tenant and the
	// context carries none.
	ErrNoTenant = errors.New("no tenant in context")

	// ErrTenantMismatch is returned when a stream id is scoped to a
	// different tenant than the context.
	ErrTenantMismatch = errors.New("tenant mismatch")
)

type tenantContextKey struct{}

// WithTenant returns a context carrying the given tenant id.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantContextKey{}, tenantID)
}

// TenantFrom extracts the tenant id from the context.
func TenantFrom(ctx context.Context) (string, bool) {
	tenantID, ok := ctx.Value(tenantContextKey{}).(string)
	return tenantID, ok && tenantID != ""
}

// ScopeStreamID prefixes a local stream id with the tenant id. An empty
// tenant returns the id unchanged, so single-tenant code paths compose.
func ScopeStreamID(tenantID, streamID string) string {
	if tenantID == "" {
		return streamID
	}
	return tenantID + Separator + streamID
}

// SplitStreamID splits a scoped stream id into its tenant and local
// parts. An unscoped id yields an empty tenant.
func SplitStreamID(streamID string) (tenantID, localID string) {
	before, after, found := strings.Cut(streamID, Separator)
	if !found {
		return "", streamID
	}
	return before, after
}

// CheckStream verifies that a stream id either is unscoped or belongs to
// the given tenant.
func CheckStream(streamID, tenantID string) error {
	owner, _ := SplitStreamID(streamID)
	if owner != "" && owner != tenantID {
		return ErrTenantMismatch
	}
	return nil
}
