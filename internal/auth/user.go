// Package auth provides user accounts and SMTP authentication with
// per-IP lockout.
package auth

import (
	"time"

	"golang.org/x/crypto/bcrypt"
)

// User is an account that may authenticate for submission.
type User struct {
	Username     string         `json:"username"`
	PasswordHash string         `json:"password_hash"`
	Enabled      bool           `json:"enabled"`
	Admin        bool           `json:"admin"`
	RateLimit    int            `json:"rate_limit"`
	CreatedAt    time.Time      `json:"created_at"`
	LastLogin    time.Time      `json:"last_login,omitzero"`
	LoginCount   int            `json:"login_count"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// NewUser creates an enabled user with a bcrypt hash of the password.
func NewUser(username, password string) (*User, error) {
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	return &User{
		Username:     username,
		PasswordHash: hash,
		Enabled:      true,
		RateLimit:    100,
		CreatedAt:    time.Now(),
	}, nil
}

// HashPassword returns a bcrypt hash of the password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword reports whether the password matches the stored hash.
// bcrypt's comparison is constant-time over the hash.
func (u *User) VerifyPassword(password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) == nil
}

// RecordLogin updates the login tracking fields.
func (u *User) RecordLogin() {
	u.LastLogin = time.Now()
	u.LoginCount++
}
