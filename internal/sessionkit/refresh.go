package sessionkit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

type refreshAttempt struct {
	failedAccessToken string
	startedAt         time.Time
}

// RefreshCoordinator guarantees at most one refresh network call per stale access token
// across every goroutine sharing the session.
type RefreshCoordinator struct {
	mutex      sync.Mutex
	store      CredentialStore
	bus        *EventBus
	client     *http.Client
	refreshURL string
	timeout    time.Duration
	logger     *zap.Logger
	metrics    MetricsRecorder

	stateMutex sync.Mutex
	inFlight   *refreshAttempt
}

// RefreshCoordinatorConfig wires a RefreshCoordinator.
type RefreshCoordinatorConfig struct {
	Store CredentialStore
	Bus   *EventBus
	// Client performs the refresh call. It must not route through AuthenticatingTransport.
	Client     *http.Client
	RefreshURL string
	Timeout    time.Duration
	Logger     *zap.Logger
	Metrics    MetricsRecorder
}

// NewRefreshCoordinator validates configuration and constructs a coordinator.
func NewRefreshCoordinator(configuration RefreshCoordinatorConfig) (*RefreshCoordinator, error) {
	if configuration.Store == nil {
		return nil, errors.New("refresh.missing_store")
	}
	if configuration.RefreshURL == "" {
		return nil, errors.New("refresh.missing_url")
	}
	client := configuration.Client
	if client == nil {
		client = &http.Client{}
	}
	timeout := configuration.Timeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RefreshCoordinator{
		store:      configuration.Store,
		bus:        configuration.Bus,
		client:     client,
		refreshURL: configuration.RefreshURL,
		timeout:    timeout,
		logger:     logger,
		metrics:    metricsOrNoop(configuration.Metrics),
	}, nil
}

// InFlight reports the stale access token currently being refreshed and when the
// network call started.
func (coordinator *RefreshCoordinator) InFlight() (string, time.Time, bool) {
	coordinator.stateMutex.Lock()
	defer coordinator.stateMutex.Unlock()
	if coordinator.inFlight == nil {
		return "", time.Time{}, false
	}
	return coordinator.inFlight.failedAccessToken, coordinator.inFlight.startedAt, true
}

// Refresh returns a usable access token replacing failedAccessToken.
//
// Callers arriving while another refresh for the same token is running wait for it and
// then reuse its result. A refresh that fails for any reason clears the session and
// publishes exactly one EventCleared.
func (coordinator *RefreshCoordinator) Refresh(ctx context.Context, failedAccessToken string) (string, error) {
	coordinator.mutex.Lock()
	defer coordinator.mutex.Unlock()

	current := coordinator.store.Get()
	if current.AccessToken != failedAccessToken {
		if current.AccessToken == "" {
			return "", ErrSessionCleared
		}
		coordinator.metrics.Increment(MetricRefreshReused)
		return current.AccessToken, nil
	}
	if current.AccessToken == "" {
		return "", ErrSessionCleared
	}
	if current.RefreshToken == "" {
		coordinator.clear(ctx, ReasonNoRefreshCredential)
		return "", &RefreshError{Reason: ReasonNoRefreshCredential, Err: ErrNoRefreshCredential}
	}

	coordinator.setInFlight(&refreshAttempt{failedAccessToken: failedAccessToken, startedAt: time.Now().UTC()})
	defer coordinator.setInFlight(nil)

	coordinator.metrics.Increment(MetricRefreshNetworkCall)
	response, err := coordinator.exchange(ctx, current.RefreshToken)
	if err != nil {
		var networkErr *NetworkError
		if errors.As(err, &networkErr) {
			coordinator.clear(ctx, ReasonRefreshFailedNetwork)
			return "", &RefreshError{Reason: ReasonRefreshFailedNetwork, Err: err}
		}
		coordinator.clear(ctx, ReasonRefreshFailedServer)
		return "", &RefreshError{Reason: ReasonRefreshFailedServer, Err: err}
	}

	update := CredentialUpdate{AccessToken: Field(response.AccessToken)}
	if response.RefreshToken != "" {
		update.RefreshToken = Field(response.RefreshToken)
	}
	if _, setErr := coordinator.store.Set(ctx, update); setErr != nil {
		coordinator.logger.Warn("refreshed credential not persisted",
			zap.String("code", "session.refresh.persist_failed"),
			zap.Error(setErr))
	}
	coordinator.logger.Debug("access token refreshed",
		zap.String("code", "session.refresh.succeeded"),
		zap.Bool("rotated_refresh_token", response.RefreshToken != ""))
	return response.AccessToken, nil
}

// exchange performs the refresh call. The call is detached from the caller's
// cancellation so an abandoned request cannot end the session; it remains bounded by
// the coordinator timeout.
func (coordinator *RefreshCoordinator) exchange(ctx context.Context, refreshToken string) (tokenResponse, error) {
	requestCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), coordinator.timeout)
	defer cancel()

	payload, err := json.Marshal(refreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return tokenResponse{}, fmt.Errorf("refresh.encode: %w", err)
	}
	request, err := http.NewRequestWithContext(requestCtx, http.MethodPost, coordinator.refreshURL, bytes.NewReader(payload))
	if err != nil {
		return tokenResponse{}, fmt.Errorf("refresh.request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")

	httpResponse, err := coordinator.client.Do(request)
	if err != nil {
		return tokenResponse{}, &NetworkError{Op: "refresh", Err: err}
	}
	body, err := readBody(httpResponse)
	if err != nil {
		return tokenResponse{}, &NetworkError{Op: "refresh", Err: err}
	}
	if !isSuccess(httpResponse.StatusCode) {
		return tokenResponse{}, fmt.Errorf("%w: %w", ErrRefreshRejected, responseError(httpResponse, body))
	}
	parsed, err := parseTokenResponse(body)
	if err != nil {
		return tokenResponse{}, err
	}
	if parsed.AccessToken == "" {
		return tokenResponse{}, ErrMissingAccessToken
	}
	return parsed, nil
}

func (coordinator *RefreshCoordinator) clear(ctx context.Context, reason Reason) {
	coordinator.metrics.Increment(MetricRefreshFailed)
	coordinator.metrics.Increment(MetricSessionCleared)
	coordinator.logger.Warn("session cleared after refresh failure",
		zap.String("code", "session.refresh.failed"),
		zap.String("reason", string(reason)))
	if err := ClearSession(context.WithoutCancel(ctx), coordinator.store, coordinator.bus, reason); err != nil {
		coordinator.logger.Error("session clear not persisted",
			zap.String("code", "session.clear.persist_failed"),
			zap.Error(err))
	}
}

func (coordinator *RefreshCoordinator) setInFlight(attempt *refreshAttempt) {
	coordinator.stateMutex.Lock()
	defer coordinator.stateMutex.Unlock()
	coordinator.inFlight = attempt
}
