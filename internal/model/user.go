// Package model defines the data structures used throughout the application.
package model

import "time"

// User represents a registered account.
//
// WHY PasswordHash HAS json:"-"?
// The same struct travels from the store up to the HTTP layer. Tagging the
// hash with "-" means no handler can leak it by accident, even if it encodes
// the whole struct.
//
// WHY LastLoginAt *time.Time?
// A freshly registered user has never logged in. A nil pointer maps to SQL
// NULL and to an omitted JSON field, which is clearer than a zero time.
type User struct {
	ID           int64      `json:"id"                    db:"id"`
	Username     string     `json:"username"              db:"username"`
	Email        string     `json:"email"                 db:"email"` // always lower-cased
	PasswordHash string     `json:"-"                     db:"password_hash"`
	CreatedAt    time.Time  `json:"createdAt"             db:"created_at"`
	UpdatedAt    time.Time  `json:"updatedAt"             db:"updated_at"`
	LastLoginAt  *time.Time `json:"lastLoginAt,omitempty" db:"last_login_at"`
}

// PublicUser is the projection of a User returned by the auth endpoints.
type PublicUser struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
}

// Public strips everything a client must not see.
func (u *User) Public() PublicUser {
	return PublicUser{
		ID:        u.ID,
		Username:  u.Username,
		Email:     u.Email,
		CreatedAt: u.CreatedAt,
	}
}
