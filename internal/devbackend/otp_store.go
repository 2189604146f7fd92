package devbackend

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"go.uber.org/zap"
)

const otpDigits = 6

var (
	// ErrOTPNotFound indicates no code is outstanding for the email or it did not match.
	ErrOTPNotFound = errors.New("otp.not_found")
	// ErrOTPExpired indicates the code outlived its TTL.
	ErrOTPExpired = errors.New("otp.expired")
)

// OTPSender delivers one-time codes.
type OTPSender interface {
	SendOTP(ctx context.Context, email string, code string) error
}

// LogOTPSender writes codes to the log instead of mailing them.
type LogOTPSender struct {
	Logger *zap.Logger
}

// SendOTP implements OTPSender.
func (sender LogOTPSender) SendOTP(ctx context.Context, email string, code string) error {
	logger := sender.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("one-time code issued",
		zap.String("code", "devbackend.otp.issued"),
		zap.String("email", email),
		zap.String("otp", code))
	return nil
}

type otpEntry struct {
	code      string
	expiresAt time.Time
}

// OTPStore keeps at most one outstanding code per email.
type OTPStore struct {
	mutex   sync.Mutex
	entries map[string]otpEntry
	ttl     time.Duration
	clock   Clock
}

// NewOTPStore constructs an in-memory OTPStore.
func NewOTPStore(ttl time.Duration, clock Clock) *OTPStore {
	if clock == nil {
		clock = systemClock{}
	}
	return &OTPStore{
		entries: make(map[string]otpEntry),
		ttl:     ttl,
		clock:   clock,
	}
}

// Issue replaces any outstanding code for email with a fresh one.
func (store *OTPStore) Issue(ctx context.Context, email string) (string, error) {
	code, err := randomDigits(otpDigits)
	if err != nil {
		return "", err
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.purgeExpiredLocked()
	store.entries[email] = otpEntry{code: code, expiresAt: store.clock.Now().Add(store.ttl)}
	return code, nil
}

// Consume validates and invalidates the code for email.
func (store *OTPStore) Consume(ctx context.Context, email string, code string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	entry, ok := store.entries[email]
	if !ok || entry.code != code {
		store.purgeExpiredLocked()
		return ErrOTPNotFound
	}
	delete(store.entries, email)
	if store.clock.Now().After(entry.expiresAt) {
		store.purgeExpiredLocked()
		return ErrOTPExpired
	}
	store.purgeExpiredLocked()
	return nil
}

func (store *OTPStore) purgeExpiredLocked() {
	now := store.clock.Now()
	for email, entry := range store.entries {
		if now.After(entry.expiresAt) {
			delete(store.entries, email)
		}
	}
}

func randomDigits(length int) (string, error) {
	limit := big.NewInt(1)
	for index := 0; index < length; index++ {
		limit.Mul(limit, big.NewInt(10))
	}
	value, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", fmt.Errorf("otp.random: %w", err)
	}
	return fmt.Sprintf("%0*d", length, value.Int64()), nil
}
