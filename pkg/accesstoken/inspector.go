// Package accesstoken reads the claims carried by session access tokens on the client.
//
// The client never holds the signing key, so tokens are parsed without signature
// verification. The claims are advisory: they fill gaps in server responses (role,
// subject) and let callers see how long a session has left. Authorization decisions
// stay with the server.
package accesstoken

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// Now returns the current UTC timestamp.
func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// Sentinel errors exposed by the inspector.
var (
	ErrMissingToken   = errors.New("access_token.missing_token")
	ErrMalformedToken = errors.New("access_token.malformed")
	ErrTokenExpired   = errors.New("access_token.expired")
)

// Claims represent the payload embedded inside access tokens.
type Claims struct {
	UserID    string `json:"user_id"`
	UserEmail string `json:"user_email"`
	Role      string `json:"role"`
	jwt.RegisteredClaims
}

// GetUserID returns the user identifier, falling back to the subject.
func (claims *Claims) GetUserID() string {
	if claims == nil {
		return ""
	}
	if claims.UserID != "" {
		return claims.UserID
	}
	return claims.Subject
}

// GetRole returns the role stored in the token.
func (claims *Claims) GetRole() string {
	if claims == nil {
		return ""
	}
	return claims.Role
}

// GetExpiresAt returns the expiry timestamp.
func (claims *Claims) GetExpiresAt() time.Time {
	if claims == nil || claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

// Inspector decodes access tokens without verifying their signature.
type Inspector struct {
	clock  Clock
	parser *jwt.Parser
}

// NewInspector constructs an Inspector; a nil clock uses the system clock.
func NewInspector(clock Clock) *Inspector {
	if clock == nil {
		clock = systemClock{}
	}
	return &Inspector{
		clock:  clock,
		parser: jwt.NewParser(),
	}
}

// Inspect decodes the claims of tokenString. Expired tokens are still decoded; use
// Remaining or Validate to reason about expiry.
func (inspector *Inspector) Inspect(tokenString string) (*Claims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, fmt.Errorf("access_token.inspect: %w", ErrMissingToken)
	}
	claims := &Claims{}
	if _, _, parseErr := inspector.parser.ParseUnverified(tokenString, claims); parseErr != nil {
		return nil, fmt.Errorf("access_token.inspect: %w", ErrMalformedToken)
	}
	return claims, nil
}

// Validate decodes tokenString and rejects it when the expiry has passed.
func (inspector *Inspector) Validate(tokenString string) (*Claims, error) {
	claims, err := inspector.Inspect(tokenString)
	if err != nil {
		return nil, err
	}
	if expiresAt := claims.GetExpiresAt(); !expiresAt.IsZero() && !inspector.clock.Now().Before(expiresAt) {
		return nil, fmt.Errorf("access_token.validate: %w", ErrTokenExpired)
	}
	return claims, nil
}

// Remaining reports how long the token stays valid. Tokens without an expiry report
// zero with ok=false.
func (inspector *Inspector) Remaining(tokenString string) (time.Duration, bool) {
	claims, err := inspector.Inspect(tokenString)
	if err != nil {
		return 0, false
	}
	expiresAt := claims.GetExpiresAt()
	if expiresAt.IsZero() {
		return 0, false
	}
	remaining := expiresAt.Sub(inspector.clock.Now())
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}
