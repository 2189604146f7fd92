package sessionkit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/tyemirov/tsession/pkg/accesstoken"
	"go.uber.org/zap"
)

const (
	headerRefreshToken  = "X-Refresh-Token"
	defaultRegisterRole = "USER"
)

// RegisterRequest carries the registration form.
type RegisterRequest struct {
	Email    string
	Password string
	FullName string
	// Role is upper-cased; empty means USER.
	Role string
}

// AuthClient drives the authentication endpoints and keeps the CredentialStore in step
// with their results.
//
// Auth endpoints are called on a plain client: a 401 from login or verify-otp is a
// wrong credential, not a stale session.
type AuthClient struct {
	base          *url.URL
	configuration ClientConfig
	client        *http.Client
	store         CredentialStore
	bus           *EventBus
	refresher     Refresher
	inspector     *accesstoken.Inspector
	logger        *zap.Logger
	metrics       MetricsRecorder
}

// AuthClientConfig wires an AuthClient.
type AuthClientConfig struct {
	Client    ClientConfig
	HTTP      *http.Client
	Store     CredentialStore
	Bus       *EventBus
	Refresher Refresher
	Inspector *accesstoken.Inspector
	Logger    *zap.Logger
	Metrics   MetricsRecorder
}

// NewAuthClient validates configuration and constructs an AuthClient.
func NewAuthClient(configuration AuthClientConfig) (*AuthClient, error) {
	clientConfig := configuration.Client.withDefaults()
	base, err := clientConfig.baseURL()
	if err != nil {
		return nil, err
	}
	if configuration.Store == nil {
		return nil, errors.New("auth_client.missing_store")
	}
	if configuration.Refresher == nil {
		return nil, errors.New("auth_client.missing_refresher")
	}
	httpClient := configuration.HTTP
	if httpClient == nil {
		httpClient = &http.Client{Timeout: clientConfig.RequestTimeout}
	}
	inspector := configuration.Inspector
	if inspector == nil {
		inspector = accesstoken.NewInspector(nil)
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthClient{
		base:          base,
		configuration: clientConfig,
		client:        httpClient,
		store:         configuration.Store,
		bus:           configuration.Bus,
		refresher:     configuration.Refresher,
		inspector:     inspector,
		logger:        logger,
		metrics:       metricsOrNoop(configuration.Metrics),
	}, nil
}

// NormalizeEmail trims and lower-cases an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// IsSignedIn reports whether an access token is stored.
func (client *AuthClient) IsSignedIn() bool {
	return client.store.Get().SignedIn()
}

// Login signs in with email and password and stores the issued session.
func (client *AuthClient) Login(ctx context.Context, email string, password string) (Credential, error) {
	normalized := NormalizeEmail(email)
	if normalized == "" {
		return Credential{}, validationError("email")
	}
	if password == "" {
		return Credential{}, validationError("password")
	}
	body, err := client.post(ctx, PathLogin, loginRequest{Username: normalized, Password: password}, nil)
	if err != nil {
		return Credential{}, err
	}
	return client.storeSession(ctx, normalized, body)
}

// Register creates an account. The server may answer with an OTP challenge instead of
// a session; no credential is stored either way.
func (client *AuthClient) Register(ctx context.Context, request RegisterRequest) (RegisterResult, error) {
	normalized := NormalizeEmail(request.Email)
	if normalized == "" {
		return RegisterResult{}, validationError("email")
	}
	if request.Password == "" {
		return RegisterResult{}, validationError("password")
	}
	role := strings.ToUpper(strings.TrimSpace(request.Role))
	if role == "" {
		role = defaultRegisterRole
	}
	body, err := client.post(ctx, PathRegister, registerRequest{
		Username: normalized,
		Password: request.Password,
		Role:     role,
		Name:     strings.TrimSpace(request.FullName),
	}, nil)
	if err != nil {
		return RegisterResult{}, err
	}
	return parseRegisterResponse(body)
}

// SendOTP asks the server to mail a one-time code.
func (client *AuthClient) SendOTP(ctx context.Context, email string) error {
	normalized := NormalizeEmail(email)
	if normalized == "" {
		return validationError("email")
	}
	_, err := client.post(ctx, PathSendOTP, emailRequest{Email: normalized}, nil)
	return err
}

// VerifyOTP exchanges a one-time code for a session.
func (client *AuthClient) VerifyOTP(ctx context.Context, email string, otp string) (Credential, error) {
	normalized := NormalizeEmail(email)
	code := strings.TrimSpace(otp)
	if normalized == "" {
		return Credential{}, validationError("email")
	}
	if code == "" {
		return Credential{}, validationError("otp")
	}
	body, err := client.post(ctx, PathVerifyOTP, verifyOTPRequest{Email: normalized, OTP: code}, nil)
	if err != nil {
		return Credential{}, err
	}
	return client.storeSession(ctx, normalized, body)
}

// ResetPassword sets a new password using a one-time code.
func (client *AuthClient) ResetPassword(ctx context.Context, email string, otp string, newPassword string) error {
	normalized := NormalizeEmail(email)
	code := strings.TrimSpace(otp)
	switch {
	case normalized == "":
		return validationError("email")
	case code == "":
		return validationError("otp")
	case newPassword == "":
		return validationError("password")
	}
	_, err := client.post(ctx, PathResetPassword, resetPasswordRequest{
		Email:       normalized,
		OTP:         code,
		NewPassword: newPassword,
	}, nil)
	return err
}

// Refresh forces a refresh of the current access token.
func (client *AuthClient) Refresh(ctx context.Context) (string, error) {
	current := client.store.Get()
	if !current.SignedIn() {
		return "", ErrSessionCleared
	}
	return client.refresher.Refresh(ctx, current.AccessToken)
}

// Logout revokes the session remotely when possible. The local session is cleared and
// one EventCleared is published regardless of the remote outcome; the remote error is
// returned.
func (client *AuthClient) Logout(ctx context.Context) error {
	current := client.store.Get()
	var remoteErr error
	if current.SignedIn() {
		headers := http.Header{}
		headers.Set(headerAuthorization, bearerPrefix+current.AccessToken)
		if current.RefreshToken != "" {
			headers.Set(headerRefreshToken, current.RefreshToken)
		}
		_, remoteErr = client.post(ctx, PathLogout, struct{}{}, headers)
		if remoteErr != nil {
			client.logger.Info("remote logout failed",
				zap.String("code", "session.logout.remote_failed"),
				zap.Error(remoteErr))
		}
	}
	client.metrics.Increment(MetricSessionCleared)
	clearErr := ClearSession(context.WithoutCancel(ctx), client.store, client.bus, ReasonManualLogout)
	return errors.Join(remoteErr, clearErr)
}

func (client *AuthClient) storeSession(ctx context.Context, identityKey string, body []byte) (Credential, error) {
	parsed, err := parseTokenResponse(body)
	if err != nil {
		return Credential{}, err
	}
	if parsed.AccessToken == "" {
		return Credential{}, ErrMissingAccessToken
	}
	stored, err := client.store.Set(ctx, CredentialUpdate{
		AccessToken:  Field(parsed.AccessToken),
		RefreshToken: Field(parsed.RefreshToken),
		Role:         Field(client.resolveRole(parsed)),
		IdentityKey:  Field(identityKey),
	})
	if err != nil {
		return stored, fmt.Errorf("auth_client.store_session: %w", err)
	}
	client.logger.Debug("session stored",
		zap.String("code", "session.signed_in"),
		zap.String("role", stored.Role))
	return stored, nil
}

// resolveRole picks the response role, then the access token's role claim, then the
// configured default.
func (client *AuthClient) resolveRole(parsed tokenResponse) string {
	if parsed.Role != "" {
		return parsed.Role
	}
	if claims, err := client.inspector.Inspect(parsed.AccessToken); err == nil && claims.GetRole() != "" {
		return claims.GetRole()
	}
	return client.configuration.DefaultRole
}

func (client *AuthClient) post(ctx context.Context, path string, payload any, headers http.Header) ([]byte, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("auth_client.encode: %w", err)
	}
	requestCtx, cancel := context.WithTimeout(ctx, client.configuration.RequestTimeout)
	defer cancel()
	request, err := http.NewRequestWithContext(requestCtx, http.MethodPost, resolvePath(client.base, path), bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("auth_client.request: %w", err)
	}
	for key, values := range headers {
		for _, value := range values {
			request.Header.Add(key, value)
		}
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")
	request.Header.Set("User-Agent", client.configuration.UserAgent)

	response, err := client.client.Do(request)
	if err != nil {
		return nil, &NetworkError{Op: strings.ReplaceAll(path, "/", "."), Err: err}
	}
	body, err := readBody(response)
	if err != nil {
		return nil, &NetworkError{Op: strings.ReplaceAll(path, "/", "."), Err: err}
	}
	if !isSuccess(response.StatusCode) {
		return nil, responseError(response, body)
	}
	return body, nil
}
