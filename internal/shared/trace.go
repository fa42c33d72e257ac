package shared

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

type traceKey struct{}
type runIDKey struct{}
type identityKey struct{}

// Role is the caller's coarse permission level as resolved by the
// authentication layer in front of the core.
type Role string

const (
	RoleViewer  Role = "viewer"
	RoleBuilder Role = "builder"
	RoleAdmin   Role = "admin"
)

// ParseRole maps a header-style role string onto a Role. Unknown values
// resolve to viewer, the least privileged role.
func ParseRole(v string) Role {
	switch Role(strings.ToLower(strings.TrimSpace(v))) {
	case RoleAdmin:
		return RoleAdmin
	case RoleBuilder:
		return RoleBuilder
	default:
		return RoleViewer
	}
}

// Identity is the already-authenticated caller. The core trusts it verbatim.
type Identity struct {
	TenantID string
	Actor    string
	Role     Role
}

// WithIdentity attaches the caller identity to the context.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom extracts the caller identity. ok is false when absent.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// TenantID returns the tenant of the caller identity, or "" if absent.
func TenantID(ctx context.Context) string {
	if id, ok := IdentityFrom(ctx); ok {
		return id.TenantID
	}
	return ""
}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithRunID attaches a run_id to the context.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunID extracts run_id from context. Returns "" if absent.
func RunID(ctx context.Context) string {
	if v, ok := ctx.Value(runIDKey{}).(string); ok {
		return v
	}
	return ""
}
