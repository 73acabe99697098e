// Package auth implements request authentication and the principal model:
// bearer tokens with revocation, legacy API keys, admin role ranking, and
// the request-scoped identity context.
package auth

import "context"

// Principal kinds.
const (
	KindAgent  = "agent"
	KindAdmin  = "admin"
	KindPublic = "public"
)

// Admin roles, weakest first.
const (
	RoleAuditor    = "auditor"
	RoleApprover   = "approver"
	RoleAdmin      = "admin"
	RoleSuperAdmin = "super-admin"
)

var roleRank = map[string]int{
	RoleAuditor:    0,
	RoleApprover:   1,
	RoleAdmin:      2,
	RoleSuperAdmin: 3,
}

// Identity is the authenticated principal of a request.
type Identity struct {
	Kind      string
	SubjectID string
	Role      string // admin only
	Team      string // empty = all teams for admins
	Env       string // agent only
	TokenID   string // jti when bearer-authenticated
}

// IsAgent reports whether the principal is an agent.
func (id Identity) IsAgent() bool { return id.Kind == KindAgent }

// IsAdmin reports whether the principal is an admin.
func (id Identity) IsAdmin() bool { return id.Kind == KindAdmin }

// HasRole reports whether an admin principal's role ranks at least min.
// Unknown roles rank below every known role.
func (id Identity) HasRole(min string) bool {
	if !id.IsAdmin() {
		return false
	}
	have, ok := roleRank[id.Role]
	if !ok {
		return false
	}
	want, ok := roleRank[min]
	if !ok {
		return false
	}
	return have >= want
}

// RateKey identifies the principal for rate limiting.
func (id Identity) RateKey() string {
	if id.SubjectID != "" {
		return id.Kind + ":" + id.SubjectID
	}
	return id.Kind
}

type contextKey int

const (
	identityKey contextKey = iota
	requestIDKey
)

// WithIdentity attaches the principal to the context.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFrom returns the request principal, defaulting to public.
func IdentityFrom(ctx context.Context) Identity {
	if id, ok := ctx.Value(identityKey).(Identity); ok {
		return id
	}
	return Identity{Kind: KindPublic}
}

// WithRequestID attaches the request identifier to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFrom returns the request identifier, or "".
func RequestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}
