// Package auth guards the mutating operator endpoints. Read endpoints stay
// open; approving a draft or resolving an alarm requires a signed-in user.
package auth

import (
	"errors"
	"time"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserNotFound       = errors.New("user not found")
	ErrUserExists         = errors.New("user already exists")
)

// Role controls what a user may do through the API.
type Role string

const (
	RoleAdmin    Role = "admin"    // user management plus everything below
	RoleOperator Role = "operator" // approve drafts, resolve alarms
	RoleViewer   Role = "viewer"   // read only
)

func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleAdmin, RoleOperator, RoleViewer:
		return Role(s), nil
	}
	return "", errors.New("unknown role: " + s)
}

// CanMutate reports whether the role may change record state.
func (r Role) CanMutate() bool { return r == RoleAdmin || r == RoleOperator }

// User is an operator account stored in the auth database.
type User struct {
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Token is a signed JWT handed back on login.
type Token struct {
	Type      string    `json:"type"` // "Bearer"
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// LoginRequest is the JSON body of POST /auth/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Identity is the authenticated principal attached to a request.
type Identity struct {
	Username string `json:"username"`
	Role     Role   `json:"role"`
}
