package models

import (
	"time"
)

// User is a credential-store account. The password hash is internal only and
// never serialized.
type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
	IsActive  bool      `json:"is_active"`

	PasswordHash string `json:"-"`
}
