// Package access decides who may enter states and fire transitions, and
// resolves the role sets those decisions are made against.
package access

import "github.com/pitabwire/maintflow/model"

// Empty-role policies. An empty AllowedRoles or RequiredRoles list means
// "unrestricted" under EmptyRolesPermit and "nobody" under EmptyRolesDeny.
const (
	EmptyRolesPermit = "permit"
	EmptyRolesDeny   = "deny"
)

// Gate is the single place role checks are made. It is stateless and safe
// for concurrent use.
type Gate struct {
	denyEmpty  bool
	adminRoles []string
}

// Option configures a Gate.
type Option func(*Gate)

// WithEmptyRolePolicy selects how an empty role list is treated. Unknown
// values keep the default permit behaviour.
func WithEmptyRolePolicy(policy string) Option {
	return func(g *Gate) {
		g.denyEmpty = policy == EmptyRolesDeny
	}
}

// NewGate creates a Gate. Without options, empty role lists permit everyone.
func NewGate(opts ...Option) *Gate {
	g := &Gate{}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// DeniesEmpty reports whether the gate treats empty role lists as deny-all.
func (g *Gate) DeniesEmpty() bool {
	return g.denyEmpty
}

// CanEnter reports whether an actor holding roles may act on an instance
// sitting in state.
func (g *Gate) CanEnter(state *model.State, roles model.RoleSet) bool {
	return g.allows(state.AllowedRoles, roles)
}

// CanFire reports whether an actor holding roles may fire transition.
func (g *Gate) CanFire(transition *model.Transition, roles model.RoleSet) bool {
	return g.allows(transition.RequiredRoles, roles)
}

func (g *Gate) allows(required []string, roles model.RoleSet) bool {
	if len(required) == 0 {
		return !g.denyEmpty
	}
	return roles.Intersects(required)
}

// WithAdminRoles sets the roles allowed to perform administrative actions
// such as cancelling an instance out of band.
func WithAdminRoles(roles ...string) Option {
	return func(g *Gate) {
		g.adminRoles = append([]string(nil), roles...)
	}
}

// CanAdminister reports whether roles include an administrative role. An
// empty admin role list grants nobody.
func (g *Gate) CanAdminister(roles model.RoleSet) bool {
	return roles.Intersects(g.adminRoles)
}
