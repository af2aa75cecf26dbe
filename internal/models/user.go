package models

import "time"

type UserRole string

const (
	RoleResearcher UserRole = "researcher"
	RoleAdmin      UserRole = "admin"
)

// User is a registered account.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         UserRole  `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}
