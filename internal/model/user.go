package model

import "time"

// UserRole separates candidate accounts from administrative ones.
type UserRole string

const (
	RoleCandidate UserRole = "CANDIDATE"
	RoleAdmin     UserRole = "ADMIN"
)

// User is an account. PasswordHash is never serialized.
type User struct {
	ID           int       `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         UserRole  `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}

// LoginRequest is the payload for candidate and admin logins.
type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=6"`
}
