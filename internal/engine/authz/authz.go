// Package authz is the access-control gate: role checks, ownership checks,
// and the per-operation authorization table. Pure functions of the principal
// and the target request; an absent principal fails closed.
package authz

import (
	"fmt"

	"civicdesk/internal/domain"
)

// DeniedError indicates a missing capability. It carries no request data.
type DeniedError struct {
	Operation string
}

func (e DeniedError) Error() string {
	return fmt.Sprintf("operation %s denied", e.Operation)
}

// Gate evaluates the authorization table. AdminFallbackEmail preserves the
// legacy identity honored alongside the admin role; it is isolated here so
// dropping it is a one-line change.
type Gate struct {
	AdminFallbackEmail string
}

// HasRole reports whether the principal carries the role. Admin passes every
// staff check.
func (g Gate) HasRole(p domain.Principal, role string) bool {
	if p.ID == "" {
		return false
	}
	if role == domain.RoleStaff && g.isAdmin(p) {
		return true
	}
	if role == domain.RoleAdmin {
		return g.isAdmin(p)
	}
	return p.Role == role
}

// IsOwner reports whether the principal created the request.
func (g Gate) IsOwner(p domain.Principal, req domain.ServiceRequest) bool {
	return p.ID != "" && p.ID == req.CitizenID
}

// isAdmin is the single place the legacy email bypass lives.
func (g Gate) isAdmin(p domain.Principal) bool {
	if p.ID == "" {
		return false
	}
	if p.Role == domain.RoleAdmin {
		return true
	}
	return g.AdminFallbackEmail != "" && p.Email == g.AdminFallbackEmail
}

func (g Gate) isStaff(p domain.Principal) bool {
	return p.ID != "" && (p.Role == domain.RoleStaff || g.isAdmin(p))
}

// CanCreate allows only citizens to file requests.
func (g Gate) CanCreate(p domain.Principal) error {
	if p.ID != "" && p.Role == domain.RoleCitizen {
		return nil
	}
	return DeniedError{Operation: "create"}
}

// CanRead allows the owner, staff and admins.
func (g Gate) CanRead(p domain.Principal, req domain.ServiceRequest) error {
	if g.isStaff(p) || g.IsOwner(p, req) {
		return nil
	}
	return DeniedError{Operation: "read"}
}

// CanComment mirrors read access.
func (g Gate) CanComment(p domain.Principal, req domain.ServiceRequest) error {
	if g.isStaff(p) || g.IsOwner(p, req) {
		return nil
	}
	return DeniedError{Operation: "comment"}
}

// CanAttach mirrors read access.
func (g Gate) CanAttach(p domain.Principal, req domain.ServiceRequest) error {
	if g.isStaff(p) || g.IsOwner(p, req) {
		return nil
	}
	return DeniedError{Operation: "attach"}
}

// CanTransition allows staff and admins only; citizens never transition,
// including on their own requests.
func (g Gate) CanTransition(p domain.Principal, _ domain.ServiceRequest) error {
	if g.isStaff(p) {
		return nil
	}
	return DeniedError{Operation: "transition"}
}

// CanAssign allows staff and admins only.
func (g Gate) CanAssign(p domain.Principal, _ domain.ServiceRequest) error {
	if g.isStaff(p) {
		return nil
	}
	return DeniedError{Operation: "assign"}
}

// CanListAll reports whether the principal may list beyond their own
// requests. Citizens list their own only; callers scope the query instead of
// receiving an error.
func (g Gate) CanListAll(p domain.Principal) bool {
	return g.isStaff(p)
}
