package sessionkit

import "context"

// Credential is the single piece of mutable session state shared by every outgoing call.
// An empty AccessToken means signed out, whatever the other fields hold.
type Credential struct {
	AccessToken  string
	RefreshToken string
	Role         string
	IdentityKey  string
}

// SignedIn reports whether the credential carries an access token.
func (credential Credential) SignedIn() bool {
	return credential.AccessToken != ""
}

// CredentialUpdate describes a partial write. A nil field keeps the stored value; a
// pointer to "" stores an explicit empty value.
type CredentialUpdate struct {
	AccessToken  *string
	RefreshToken *string
	Role         *string
	IdentityKey  *string
}

// Field wraps a value for use in CredentialUpdate.
func Field(value string) *string {
	return &value
}

func (update CredentialUpdate) apply(current Credential) Credential {
	if update.AccessToken != nil {
		current.AccessToken = *update.AccessToken
	}
	if update.RefreshToken != nil {
		current.RefreshToken = *update.RefreshToken
	}
	if update.Role != nil {
		current.Role = *update.Role
	}
	if update.IdentityKey != nil {
		current.IdentityKey = *update.IdentityKey
	}
	return current
}

// CredentialReader exposes the current credential.
type CredentialReader interface {
	Get() Credential
}

// CredentialStore is the durable, goroutine-safe holder of the Credential.
//
// Get never performs I/O. Set merges the update into the stored credential and returns
// the result. Clear wipes all four fields at once. Both apply in memory even when
// persisting fails, in which case the persistence error is returned.
type CredentialStore interface {
	CredentialReader
	Set(ctx context.Context, update CredentialUpdate) (Credential, error)
	Clear(ctx context.Context) error
}
