package user

import (
	"time"

	"github.com/google/uuid"
)

// Role represents user role in the system (matches user_role enum)
type Role string

const (
	RoleModel    Role = "model"
	RoleEmployer Role = "employer"
	RoleAdmin    Role = "admin"
)

// User is the slice of the users table the reconciler reads.
type User struct {
	ID        uuid.UUID `db:"id"`
	Email     string    `db:"email"`
	Role      Role      `db:"role"`
	IsBanned  bool      `db:"is_banned"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// IsAdmin returns true if user is an admin
func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// IsActive returns true if user is not banned
func (u *User) IsActive() bool {
	return !u.IsBanned
}
