package model

import (
	"context"
	"errors"
)

// RequestContext is the verified caller of one API request: who they are,
// which tenant they act for and the roles their token grants.
type RequestContext struct {
	SubjectID     string
	Email         string
	TenantID      string
	Roles         []string
	Claims        map[string]any
	CorrelationID string
	TraceID       string
	SpanID        string
}

var (
	errNoSubject = errors.New("subject is required")
	errNoTenant  = errors.New("tenant is required")
)

// Validate reports a missing subject or tenant. Workflows are tenant
// scoped, so a caller without either cannot be served.
func (rc *RequestContext) Validate() error {
	var errs []error
	if rc.SubjectID == "" {
		errs = append(errs, errNoSubject)
	}
	if rc.TenantID == "" {
		errs = append(errs, errNoTenant)
	}
	return errors.Join(errs...)
}

// Actor returns the engine-facing identity of the caller. Roles resolved
// from the directory, if any, are merged with the token roles.
func (rc *RequestContext) Actor(resolved RoleSet) Actor {
	roles := NewRoleSet(rc.Roles...)
	for r := range resolved {
		roles[r] = true
	}
	return Actor{ID: rc.SubjectID, Roles: roles}
}

type contextKey struct{}

// WithRequestContext attaches rctx to ctx.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rctx)
}

// RequestContextFrom returns the caller attached to ctx, or nil.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rctx
}
