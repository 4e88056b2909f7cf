package model

// RoleSet is the set of roles held by an actor.
type RoleSet map[string]bool

// NewRoleSet builds a set from a list of role names, ignoring blanks.
func NewRoleSet(roles ...string) RoleSet {
	rs := make(RoleSet, len(roles))
	for _, r := range roles {
		if r != "" {
			rs[r] = true
		}
	}
	return rs
}

// Has returns true if the set contains the role.
func (rs RoleSet) Has(role string) bool {
	return rs[role]
}

// Intersects returns true if the set contains at least one of the given
// roles. An empty argument list never intersects.
func (rs RoleSet) Intersects(roles []string) bool {
	for _, r := range roles {
		if rs[r] {
			return true
		}
	}
	return false
}

// Slice returns the roles in the set in no particular order.
func (rs RoleSet) Slice() []string {
	out := make([]string, 0, len(rs))
	for r := range rs {
		out = append(out, r)
	}
	return out
}

// Actor is the identity attempting an operation on an instance.
type Actor struct {
	ID    string
	Roles RoleSet
}

// RoleResolver resolves the effective role set for a request context.
type RoleResolver interface {
	// Resolve returns all roles for the given subject and tenant.
	Resolve(rctx *RequestContext) (RoleSet, error)

	// Invalidate clears cached roles for the given user and tenant.
	Invalidate(subjectID, tenantID string)
}

// RoleDirectory is the external RBAC source consulted in addition to the
// roles carried by the caller's token.
type RoleDirectory interface {
	// RolesFor returns the roles assigned to the subject within the tenant.
	RolesFor(rctx *RequestContext) ([]string, error)
}
