package devbackend

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrUserExists is returned when registering an email twice.
	ErrUserExists = errors.New("users.exists")
	// ErrUserNotFound is returned when a user is missing in the store.
	ErrUserNotFound = errors.New("users.not_found")
	// ErrInvalidCredentials is returned when email and password do not match.
	ErrInvalidCredentials = errors.New("users.invalid_credentials")
)

// UserProfile represents an application user.
type UserProfile struct {
	ID       string
	Email    string
	FullName string
	Role     string
	Verified bool
}

type userRecord struct {
	profile      UserProfile
	passwordHash []byte
}

// UserStore keeps users and bcrypt password hashes in memory.
type UserStore struct {
	mutex   sync.RWMutex
	byEmail map[string]*userRecord
	byID    map[string]*userRecord
	cost    int
}

// NewUserStore constructs an empty store.
func NewUserStore() *UserStore {
	return &UserStore{
		byEmail: make(map[string]*userRecord),
		byID:    make(map[string]*userRecord),
		cost:    bcrypt.MinCost,
	}
}

// NormalizeRole maps a requested role to the stored lower-case role. USER and an empty
// role both mean customer.
func NormalizeRole(role string) string {
	switch normalized := strings.ToLower(strings.TrimSpace(role)); normalized {
	case "", "user", "customer":
		return "customer"
	default:
		return normalized
	}
}

// Create registers an unverified user.
func (store *UserStore) Create(ctx context.Context, email string, password string, fullName string, role string) (UserProfile, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), store.cost)
	if err != nil {
		return UserProfile{}, err
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if _, exists := store.byEmail[email]; exists {
		return UserProfile{}, ErrUserExists
	}
	record := &userRecord{
		profile: UserProfile{
			ID:       uuid.NewString(),
			Email:    email,
			FullName: fullName,
			Role:     NormalizeRole(role),
		},
		passwordHash: hash,
	}
	store.byEmail[email] = record
	store.byID[record.profile.ID] = record
	return record.profile, nil
}

// Authenticate checks email and password.
func (store *UserStore) Authenticate(ctx context.Context, email string, password string) (UserProfile, error) {
	store.mutex.RLock()
	record, ok := store.byEmail[email]
	store.mutex.RUnlock()
	if !ok {
		return UserProfile{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(record.passwordHash, []byte(password)); err != nil {
		return UserProfile{}, ErrInvalidCredentials
	}
	return record.profile, nil
}

// MarkVerified flags the email as verified.
func (store *UserStore) MarkVerified(ctx context.Context, email string) (UserProfile, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record, ok := store.byEmail[email]
	if !ok {
		return UserProfile{}, ErrUserNotFound
	}
	record.profile.Verified = true
	return record.profile, nil
}

// SetPassword replaces the password of email.
func (store *UserStore) SetPassword(ctx context.Context, email string, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), store.cost)
	if err != nil {
		return err
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record, ok := store.byEmail[email]
	if !ok {
		return ErrUserNotFound
	}
	record.passwordHash = hash
	return nil
}

// GetByID returns a profile by user id.
func (store *UserStore) GetByID(ctx context.Context, userID string) (UserProfile, error) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	record, ok := store.byID[userID]
	if !ok {
		return UserProfile{}, ErrUserNotFound
	}
	return record.profile, nil
}

// GetByEmail returns a profile by email.
func (store *UserStore) GetByEmail(ctx context.Context, email string) (UserProfile, error) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	record, ok := store.byEmail[email]
	if !ok {
		return UserProfile{}, ErrUserNotFound
	}
	return record.profile, nil
}
