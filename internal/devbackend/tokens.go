package devbackend

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var errInvalidAccessToken = errors.New("devbackend.token.invalid")

// AccessClaims are embedded in access tokens.
type AccessClaims struct {
	UserID    string `json:"user_id"`
	UserEmail string `json:"user_email"`
	Role      string `json:"role"`
	jwt.RegisteredClaims
}

// MintAccessToken creates a signed HS256 access token for user.
func MintAccessToken(user UserProfile, configuration ServerConfig) (string, time.Time, error) {
	issuedAt := configuration.Clock.Now().UTC()
	expiresAt := issuedAt.Add(configuration.AccessTTL)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, AccessClaims{
		UserID:    user.ID,
		UserEmail: user.Email,
		Role:      user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    configuration.Issuer,
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt.Add(-30 * time.Second)),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        fmt.Sprintf("%s-%d", user.ID, issuedAt.UnixNano()),
		},
	})
	signed, err := token.SignedString(configuration.SigningKey)
	return signed, expiresAt, err
}

// ParseAccessToken verifies signature, issuer and expiry against the configured clock.
func ParseAccessToken(tokenString string, configuration ServerConfig) (*AccessClaims, error) {
	parsedToken, parseErr := jwt.ParseWithClaims(tokenString, &AccessClaims{}, func(parsed *jwt.Token) (interface{}, error) {
		return configuration.SigningKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(configuration.Issuer),
		jwt.WithTimeFunc(configuration.Clock.Now),
	)
	if parseErr != nil || parsedToken == nil || !parsedToken.Valid {
		return nil, fmt.Errorf("%w: %v", errInvalidAccessToken, parseErr)
	}
	claims, ok := parsedToken.Claims.(*AccessClaims)
	if !ok || claims.UserID == "" {
		return nil, errInvalidAccessToken
	}
	return claims, nil
}
