package auth

import "errors"

// Role represents an authorisation tier for API access.
type Role string

const (
	// RoleViewer can read devices, tags, and system status.
	RoleViewer Role = "viewer"

	// RoleAdmin has full control: device CRUD, worker start/stop,
	// broker configuration, discovery.
	RoleAdmin Role = "admin"
)

// IsValidRole returns true if the role is a known authorisation tier.
func IsValidRole(r Role) bool {
	return r == RoleViewer || r == RoleAdmin
}

// Sentinel errors for auth operations.
var (
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrTokenInvalid       = errors.New("auth: invalid token")
	ErrForbidden          = errors.New("auth: insufficient permissions")
)
