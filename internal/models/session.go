package models

import (
	"errors"
	"time"
)

// ErrNotAuthenticated is returned when an operation needs a logged-in user
// and there is none.
var ErrNotAuthenticated = errors.New("not authenticated")

// Session is the authenticated user's cached credential state.
type Session struct {
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IsExpired reports whether the token is past its expiry.
func (s *Session) IsExpired() bool {
	return time.Now().After(s.ExpiresAt)
}
