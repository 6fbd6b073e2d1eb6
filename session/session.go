// Package session carries the bearer token issued by the VeteranMeet
// backend. The client does not hold the signing key, so claims are parsed
// without verification; the server remains the authority on validity.
package session

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMalformedToken = errors.New("malformed token")
	ErrExpiredToken   = errors.New("expired token")
)

type claims struct {
	Username string `json:"username"`
	UserID   string `json:"user_id"`
	jwt.RegisteredClaims
}

// Session is the authenticated identity the messaging core acts as.
type Session struct {
	Token     string
	Username  string
	UserID    string
	ExpiresAt time.Time
}

// FromToken decodes the identity claims out of a session token.
func FromToken(token string) (*Session, error) {
	var c claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &c); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedToken, err)
	}
	s := &Session{
		Token:    token,
		Username: c.Username,
		UserID:   c.UserID,
	}
	if c.ExpiresAt != nil {
		s.ExpiresAt = c.ExpiresAt.Time
	}
	return s, nil
}

// Expired reports whether the token's expiry has passed. Tokens without an
// expiry claim never expire client-side.
func (s *Session) Expired() bool {
	return !s.ExpiresAt.IsZero() && time.Now().After(s.ExpiresAt)
}

// Authorize attaches the token to a request. An expired token fails fast
// rather than spending a round trip on a guaranteed 401.
func (s *Session) Authorize(r *http.Request) error {
	if s.Expired() {
		return ErrExpiredToken
	}
	r.Header.Set("Authorization", "Bearer "+s.Token)
	return nil
}
