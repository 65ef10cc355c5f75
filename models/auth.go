package models

import "strings"

type Role string

const (
	RoleAdmin          Role = "Admin"
	RoleProjectManager Role = "ProjectManager"
	RoleDeveloper      Role = "Developer"
)

// RoleForEmail derives the role from the address alone. There is no user
// directory.
func RoleForEmail(email string) Role {
	switch {
	case strings.Contains(email, "admin"):
		return RoleAdmin
	case strings.Contains(email, "pm"):
		return RoleProjectManager
	default:
		return RoleDeveloper
	}
}

// CanEditProgress reports whether the role may change project progress.
func (r Role) CanEditProgress() bool {
	return r == RoleAdmin || r == RoleProjectManager
}

type AuthRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type AuthResponse struct {
	Success bool   `json:"success"`
	Token   string `json:"token"`
	Role    Role   `json:"role"`
	Email   string `json:"email"`
}

type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}
