package sessionkit

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DefaultProfile names the credential row used when no profile is given.
const DefaultProfile = "default"

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("credential_store.unsupported_dialect")

	errEmptyDatabaseURL    = errors.New("credential_store.empty_database_url")
	errSQLiteEmptyPath     = errors.New("credential_store.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("credential_store.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("credential_store.unsupported_no_scheme")
)

// DatabaseCredentialStore persists the credential using GORM and serves reads from a
// write-through cache, so Get never touches the database.
type DatabaseCredentialStore struct {
	mutex       sync.RWMutex
	db          *gorm.DB
	driverLabel string
	profile     string
	cached      Credential
}

type credentialRecord struct {
	Profile       string `gorm:"column:profile;primaryKey"`
	AccessToken   string `gorm:"column:access_token;not null;default:''"`
	RefreshToken  string `gorm:"column:refresh_token;not null;default:''"`
	Role          string `gorm:"column:role;not null;default:''"`
	IdentityKey   string `gorm:"column:identity_key;not null;default:''"`
	UpdatedAtUnix int64  `gorm:"column:updated_at_unix;not null"`
}

func (credentialRecord) TableName() string {
	return "session_credentials"
}

// NewDatabaseCredentialStore opens databaseURL (sqlite:// or postgres://), migrates the
// schema, and loads the credential stored for profile.
func NewDatabaseCredentialStore(ctx context.Context, databaseURL string, profile string) (*DatabaseCredentialStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("credential_store.open: %w", errEmptyDatabaseURL)
	}
	if strings.TrimSpace(profile) == "" {
		profile = DefaultProfile
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if openErr != nil {
		return nil, fmt.Errorf("credential_store.open.%s: %w", driverLabel, openErr)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&credentialRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("credential_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	store := &DatabaseCredentialStore{
		db:          gormDB,
		driverLabel: driverLabel,
		profile:     profile,
	}
	var record credentialRecord
	loadErr := gormDB.WithContext(ctx).Where("profile = ?", profile).Take(&record).Error
	switch {
	case loadErr == nil:
		store.cached = Credential{
			AccessToken:  record.AccessToken,
			RefreshToken: record.RefreshToken,
			Role:         record.Role,
			IdentityKey:  record.IdentityKey,
		}
	case errors.Is(loadErr, gorm.ErrRecordNotFound):
	default:
		return nil, fmt.Errorf("credential_store.load.%s: %w", driverLabel, loadErr)
	}
	return store, nil
}

// Driver exposes the selected database driver label.
func (store *DatabaseCredentialStore) Driver() string {
	return store.driverLabel
}

// Get returns the cached credential.
func (store *DatabaseCredentialStore) Get() Credential {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	return store.cached
}

// Set merges update into the cached credential and persists the result. The cache holds
// the merged value even when persisting fails, in which case the error is returned too.
func (store *DatabaseCredentialStore) Set(ctx context.Context, update CredentialUpdate) (Credential, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.cached = update.apply(store.cached)
	if err := store.persistLocked(ctx, store.cached); err != nil {
		return store.cached, fmt.Errorf("credential_store.set.%s: %w", store.driverLabel, err)
	}
	return store.cached, nil
}

// Clear wipes the cached credential and persists the wipe.
func (store *DatabaseCredentialStore) Clear(ctx context.Context) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.cached = Credential{}
	if err := store.persistLocked(ctx, Credential{}); err != nil {
		return fmt.Errorf("credential_store.clear.%s: %w", store.driverLabel, err)
	}
	return nil
}

func (store *DatabaseCredentialStore) persistLocked(ctx context.Context, credential Credential) error {
	record := credentialRecord{
		Profile:       store.profile,
		AccessToken:   credential.AccessToken,
		RefreshToken:  credential.RefreshToken,
		Role:          credential.Role,
		IdentityKey:   credential.IdentityKey,
		UpdatedAtUnix: time.Now().UTC().Unix(),
	}
	// Save upserts by primary key and writes zero values, so explicit empty fields persist.
	return store.db.WithContext(ctx).Save(&record).Error
}

// Close releases the underlying database handle.
func (store *DatabaseCredentialStore) Close() error {
	sqlDB, err := store.db.DB()
	if err != nil {
		return fmt.Errorf("credential_store.close.%s: %w", store.driverLabel, err)
	}
	return sqlDB.Close()
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("credential_store.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("credential_store.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("credential_store.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("credential_store.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}
