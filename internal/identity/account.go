// Package identity owns accounts, credential verification and session tokens,
// and materializes the permission identity of an authenticated caller.
package identity

import (
	"errors"

	"coachline/internal/permission"
)

var (
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrAccountSuspended    = errors.New("account suspended")
	ErrAccountInactive     = errors.New("account inactive")
	ErrAccountNotFound     = errors.New("account not found")
	ErrUsernameTaken       = errors.New("username already taken")
	ErrInvalidToken        = errors.New("invalid token")
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	ErrLevelOutOfRange     = errors.New("level out of range for role")
	ErrInvalidRole         = errors.New("invalid role")
	ErrInvalidStatus       = errors.New("invalid status")
	ErrMissingField        = errors.New("missing required field")
)

// Account is the stored user record. PasswordHash never leaves the process.
type Account struct {
	ID             string            `json:"id"`
	Username       string            `json:"username"`
	Email          string            `json:"email"`
	Name           string            `json:"name,omitempty"`
	PasswordHash   string            `json:"-"`
	Role           permission.Role   `json:"role"`
	Level          int               `json:"level"`
	Certifications []string          `json:"certifications"`
	Status         permission.Status `json:"status"`
	SpecialtyTags  []string          `json:"specialty_tags,omitempty"`
	CoachID        string            `json:"coach_id,omitempty"`
	TeamID         string            `json:"team_id,omitempty"`
	CreatedAt      string            `json:"created_at"`
	UpdatedAt      string            `json:"updated_at"`
	LastLoginAt    string            `json:"last_login_at,omitempty"`
}

func (a Account) clone() Account {
	a.Certifications = append([]string(nil), a.Certifications...)
	a.SpecialtyTags = append([]string(nil), a.SpecialtyTags...)
	return a
}

type RegisterRequest struct {
	Username string
	Email    string
	Password string
	Role     permission.Role
	Name     string
	CoachID  string
	TeamID   string
}

// TokenPayload is the verified content of a session token.
type TokenPayload struct {
	UserID    string          `json:"user_id"`
	Role      permission.Role `json:"role"`
	Level     int             `json:"level"`
	TokenID   string          `json:"token_id"`
	IssuedAt  int64           `json:"issued_at"`
	ExpiresAt int64           `json:"expires_at"`
}

type LoginResult struct {
	Token        string              `json:"token"`
	RefreshToken string              `json:"refresh_token"`
	ExpiresAt    int64               `json:"expires_at"`
	Identity     permission.Identity `json:"identity"`
}
