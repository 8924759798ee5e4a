package domain

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role is the capability class of an identity.
type Role string

const (
	RoleStudent     Role = "STUDENT"
	RoleCoordinator Role = "COORDINATOR"
	RoleAdmin       Role = "ADMIN"
)

// ParseRole normalizes s into a Role.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToUpper(strings.TrimSpace(s))); r {
	case RoleStudent, RoleCoordinator, RoleAdmin:
		return r, nil
	default:
		return "", fmt.Errorf("role %q: %w", s, ErrValidation)
	}
}

// User is an account: student, coordinator or admin. PhoneVerified is false
// while a sign-up OTP is outstanding.
type User struct {
	ID            uuid.UUID `json:"id"`
	Name          string    `json:"name"`
	Email         string    `json:"email"`
	USN           *string   `json:"usn,omitempty"`
	PasswordHash  string    `json:"-"`
	Role          Role      `json:"role"`
	IsApproved    bool      `json:"is_approved"`
	TotalCredits  int       `json:"total_credits"`
	Department    *string   `json:"department,omitempty"`
	Year          *string   `json:"year,omitempty"`
	Semester      *string   `json:"semester,omitempty"`
	Phone         *string   `json:"phone,omitempty"`
	AvatarURL     *string   `json:"avatar_url,omitempty"`
	PhoneVerified bool      `json:"phone_verified"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// CanSignIn reports whether the account may obtain tokens. Students need
// admin approval first.
func (u User) CanSignIn() bool {
	return u.Role != RoleStudent || u.IsApproved
}

// Caller is the authenticated identity on whose behalf an operation runs.
type Caller struct {
	ID   uuid.UUID
	Role Role
}

// RequireRole fails with ErrForbidden unless the caller holds one of roles.
func RequireRole(caller Caller, roles ...Role) error {
	if caller.ID == uuid.Nil {
		return ErrUnauthorized
	}
	if slices.Contains(roles, caller.Role) {
		return nil
	}
	return fmt.Errorf("role %s: %w", caller.Role, ErrForbidden)
}
