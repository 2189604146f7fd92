package devbackend

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"
)

const refreshOpaqueByteLength = 32

var (
	// ErrRefreshTokenNotFound indicates the refresh token was never issued.
	ErrRefreshTokenNotFound = errors.New("refresh_store.not_found")
	// ErrRefreshTokenRevoked indicates the refresh token was rotated or logged out.
	ErrRefreshTokenRevoked = errors.New("refresh_store.revoked")
	// ErrRefreshTokenExpired indicates the refresh token outlived its TTL.
	ErrRefreshTokenExpired = errors.New("refresh_store.expired")
)

// RefreshTokenStore keeps hashed refresh tokens in memory.
type RefreshTokenStore struct {
	mutex      sync.Mutex
	clock      Clock
	byID       map[string]*refreshRecord
	byHash     map[string]string
	sequenceID uint64
}

type refreshRecord struct {
	TokenID         string
	UserID          string
	Hash            string
	ExpiresUnix     int64
	RevokedAtUnix   int64
	PreviousTokenID string
}

// NewRefreshTokenStore creates an empty store.
func NewRefreshTokenStore(clock Clock) *RefreshTokenStore {
	if clock == nil {
		clock = systemClock{}
	}
	return &RefreshTokenStore{
		clock:  clock,
		byID:   make(map[string]*refreshRecord),
		byHash: make(map[string]string),
	}
}

// Issue creates a token for userID, optionally linked to the token it replaces.
func (store *RefreshTokenStore) Issue(ctx context.Context, userID string, expiresAt time.Time, previousTokenID string) (string, string, error) {
	opaque, hashValue, err := generateRefreshOpaque()
	if err != nil {
		return "", "", err
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.sequenceID++
	tokenID := fmt.Sprintf("rt-%d", store.sequenceID)
	store.byID[tokenID] = &refreshRecord{
		TokenID:         tokenID,
		UserID:          userID,
		Hash:            hashValue,
		ExpiresUnix:     expiresAt.Unix(),
		PreviousTokenID: previousTokenID,
	}
	store.byHash[hashValue] = tokenID
	return tokenID, opaque, nil
}

// Validate resolves an opaque token to its user and token id.
func (store *RefreshTokenStore) Validate(ctx context.Context, tokenOpaque string) (string, string, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	tokenID, ok := store.byHash[hashOpaque(tokenOpaque)]
	if !ok {
		return "", "", ErrRefreshTokenNotFound
	}
	record := store.byID[tokenID]
	if record == nil {
		return "", "", ErrRefreshTokenNotFound
	}
	if record.RevokedAtUnix != 0 {
		return "", "", ErrRefreshTokenRevoked
	}
	if !store.clock.Now().Before(time.Unix(record.ExpiresUnix, 0)) {
		return "", "", ErrRefreshTokenExpired
	}
	return record.UserID, record.TokenID, nil
}

// Revoke marks a token as revoked. Revoking twice is not an error.
func (store *RefreshTokenStore) Revoke(ctx context.Context, tokenID string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record := store.byID[tokenID]
	if record == nil {
		return ErrRefreshTokenNotFound
	}
	if record.RevokedAtUnix == 0 {
		record.RevokedAtUnix = store.clock.Now().Unix()
	}
	return nil
}

func generateRefreshOpaque() (string, string, error) {
	randomBytes := make([]byte, refreshOpaqueByteLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", "", fmt.Errorf("refresh_store.random: %w", err)
	}
	opaque := base64.RawURLEncoding.EncodeToString(randomBytes)
	return opaque, hashOpaque(opaque), nil
}

func hashOpaque(opaque string) string {
	sum := sha256.Sum256([]byte(opaque))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
