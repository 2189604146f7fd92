package sessionkit

import (
	"errors"
	"net/http"

	"go.uber.org/zap"
)

// Session bundles the collaborators sharing one credential. Construct it once per
// signed-in identity and pass it explicitly; there is no package-level session.
type Session struct {
	Store     CredentialStore
	Events    *EventBus
	Refresher *RefreshCoordinator
	Auth      *AuthClient
	Metrics   *CounterMetrics
	// HTTP sends business calls through the AuthenticatingTransport.
	HTTP *http.Client
	// BaseURL is the normalized origin all REST paths resolve against.
	BaseURL string
}

// NewSession assembles a Session over store. A nil base transport uses
// http.DefaultTransport.
func NewSession(configuration ClientConfig, store CredentialStore, base http.RoundTripper, logger *zap.Logger) (*Session, error) {
	if store == nil {
		return nil, errors.New("session.missing_store")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if base == nil {
		base = http.DefaultTransport
	}
	clientConfig := configuration.withDefaults()
	baseURL, err := clientConfig.baseURL()
	if err != nil {
		return nil, err
	}
	metrics := NewCounterMetrics()
	bus := NewEventBus(logger)
	plainClient := &http.Client{Transport: base, Timeout: clientConfig.RequestTimeout}

	refresher, err := NewRefreshCoordinator(RefreshCoordinatorConfig{
		Store:      store,
		Bus:        bus,
		Client:     plainClient,
		RefreshURL: resolvePath(baseURL, PathRefresh),
		Timeout:    clientConfig.RequestTimeout,
		Logger:     logger,
		Metrics:    metrics,
	})
	if err != nil {
		return nil, err
	}
	transport, err := NewAuthenticatingTransport(TransportConfig{
		Base:        base,
		Credentials: store,
		Refresher:   refresher,
		RefreshPath: PathRefresh,
		UserAgent:   clientConfig.UserAgent,
		Logger:      logger,
		Metrics:     metrics,
	})
	if err != nil {
		return nil, err
	}
	auth, err := NewAuthClient(AuthClientConfig{
		Client:    clientConfig,
		HTTP:      plainClient,
		Store:     store,
		Bus:       bus,
		Refresher: refresher,
		Logger:    logger,
		Metrics:   metrics,
	})
	if err != nil {
		return nil, err
	}
	return &Session{
		Store:     store,
		Events:    bus,
		Refresher: refresher,
		Auth:      auth,
		Metrics:   metrics,
		HTTP:      &http.Client{Transport: transport, Timeout: clientConfig.RequestTimeout},
		BaseURL:   baseURL.String(),
	}, nil
}

// URL resolves a REST path against the session origin.
func (session *Session) URL(path string) string {
	baseURL, err := (ClientConfig{BaseURL: session.BaseURL}).baseURL()
	if err != nil {
		return path
	}
	return resolvePath(baseURL, path)
}
