package common

import "errors"

// ErrUnauthorized is returned by privileged operations when the caller does
// not hold the required role. The failing call must not mutate any state.
var ErrUnauthorized = errors.New("unauthorized")

// Role names recognised across the protocol modules.
const (
	// RoleAdmin may tune market parameters, change conversion strategy,
	// resume a paused treasury and trigger emergency liquidations.
	RoleAdmin = "ROLE_ADMIN"
	// RoleOperator may execute scheduled staged conversion slices and flip
	// batch maturity flags.
	RoleOperator = "ROLE_OPERATOR"
	// RoleProtocol identifies the bond engine when it calls into the
	// treasury for conversions and obligation bookkeeping.
	RoleProtocol = "ROLE_PROTOCOL"
)

// Authorizer answers role membership queries for privileged operations.
type Authorizer interface {
	HasRole(caller [20]byte, role string) bool
}

// RequireRole evaluates the authorizer and converts a missing grant into
// ErrUnauthorized. A nil authorizer denies everything; modules must be wired
// explicitly before privileged calls succeed.
func RequireRole(auth Authorizer, caller [20]byte, role string) error {
	if auth == nil || !auth.HasRole(caller, role) {
		return ErrUnauthorized
	}
	return nil
}

// StaticAuthorizer is a fixed in-memory role registry. It serves tests and
// single-operator deployments where grants are known at boot.
type StaticAuthorizer struct {
	grants map[[20]byte]map[string]struct{}
}

// NewStaticAuthorizer constructs an empty registry.
func NewStaticAuthorizer() *StaticAuthorizer {
	return &StaticAuthorizer{grants: make(map[[20]byte]map[string]struct{})}
}

// Grant records a role for the address. Granting twice is a no-op.
func (a *StaticAuthorizer) Grant(addr [20]byte, role string) {
	if a == nil || role == "" {
		return
	}
	roles, ok := a.grants[addr]
	if !ok {
		roles = make(map[string]struct{})
		a.grants[addr] = roles
	}
	roles[role] = struct{}{}
}

// Revoke removes a role from the address if present.
func (a *StaticAuthorizer) Revoke(addr [20]byte, role string) {
	if a == nil {
		return
	}
	if roles, ok := a.grants[addr]; ok {
		delete(roles, role)
	}
}

// HasRole implements Authorizer.
func (a *StaticAuthorizer) HasRole(addr [20]byte, role string) bool {
	if a == nil {
		return false
	}
	roles, ok := a.grants[addr]
	if !ok {
		return false
	}
	_, ok = roles[role]
	return ok
}
