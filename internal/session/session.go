package session

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid session token")

// Session is the explicit session context passed into the engine. It replaces
// any ambient global auth state: every component that needs the local user's
// identity receives it through its constructor.
type Session struct {
	UserID   string
	Username string
	Token    string
}

// claims mirrors the backend's JWT payload. Only identity fields are read.
type claims struct {
	UserID   string `json:"sub"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// FromToken builds a Session from a bearer token issued by the backend.
// Claims are extracted without signature verification: the client only needs
// to know its own identity, and the server re-validates the token on every
// request anyway.
func FromToken(token string) (Session, error) {
	var c claims
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, &c); err != nil {
		return Session{}, ErrInvalidToken
	}
	userID := c.UserID
	if userID == "" {
		userID = c.Subject
	}
	if userID == "" {
		return Session{}, ErrInvalidToken
	}
	return Session{
		UserID:   userID,
		Username: c.Username,
		Token:    token,
	}, nil
}
