// Package auth provides role-based access control for the API surface:
// bcrypt-verified logins and opaque bearer tokens with a fixed TTL.
package auth

import (
	"fmt"

	"github.com/shapewire-net/shapewire/pkg/util"
)

// Permission defines an action that can be controlled
type Permission string

// Standard permissions
const (
	PermIntentSubmit Permission = "intent.submit"
	PermIntentRevoke Permission = "intent.revoke"
	PermIntentView   Permission = "intent.view"

	PermPolicyView Permission = "policy.view"
	PermAuditView  Permission = "audit.view"

	PermUserAdmin Permission = "user.admin"
)

// Role is the coarse access level attached to a user account
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleViewer   Role = "viewer"
)

// rolePermissions maps each role to what it may do. Roles nest: operator
// extends viewer, admin extends operator.
var rolePermissions = map[Role][]Permission{
	RoleViewer: {
		PermIntentView, PermPolicyView, PermAuditView,
	},
	RoleOperator: {
		PermIntentView, PermPolicyView, PermAuditView,
		PermIntentSubmit, PermIntentRevoke,
	},
	RoleAdmin: {
		PermIntentView, PermPolicyView, PermAuditView,
		PermIntentSubmit, PermIntentRevoke,
		PermUserAdmin,
	},
}

// ParseRole validates a role string from storage or user input
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", fmt.Errorf("unknown role %q (want admin, operator or viewer): %w", s, util.ErrValidationFailed)
	}
	return r, nil
}

// Valid reports whether the role is one of the three known levels
func (r Role) Valid() bool {
	_, ok := rolePermissions[r]
	return ok
}

// Allows reports whether the role grants a permission
func (r Role) Allows(p Permission) bool {
	for _, granted := range rolePermissions[r] {
		if granted == p {
			return true
		}
	}
	return false
}

// Permissions returns everything the role may do
func (r Role) Permissions() []Permission {
	perms := rolePermissions[r]
	out := make([]Permission, len(perms))
	copy(out, perms)
	return out
}

// IsReadOnly returns true if the permission is read-only
func (p Permission) IsReadOnly() bool {
	switch p {
	case PermIntentView, PermPolicyView, PermAuditView:
		return true
	}
	return false
}

// PermissionError represents a permission denial
type PermissionError struct {
	User       string
	Role       Role
	Permission Permission
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("permission denied: user '%s' (role %s) does not have '%s' permission",
		e.User, e.Role, e.Permission)
}

func (e *PermissionError) Unwrap() error {
	return util.ErrPermissionDenied
}
