package sessionkit

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	headerAuthorization = "Authorization"
	headerRequestID     = "X-Request-ID"
	bearerPrefix        = "Bearer "
)

type retriedKey struct{}

// Refresher exchanges a stale access token for a usable one.
type Refresher interface {
	Refresh(ctx context.Context, failedAccessToken string) (string, error)
}

// AuthenticatingTransport attaches the current bearer token to every request and, on a
// 401, refreshes once through the Refresher and replays the request once.
type AuthenticatingTransport struct {
	base        http.RoundTripper
	credentials CredentialReader
	refresher   Refresher
	refreshPath string
	userAgent   string
	logger      *zap.Logger
	metrics     MetricsRecorder
}

// TransportConfig wires an AuthenticatingTransport.
type TransportConfig struct {
	Base        http.RoundTripper
	Credentials CredentialReader
	Refresher   Refresher
	// RefreshPath identifies the refresh endpoint by URL path suffix; its 401s are never retried.
	RefreshPath string
	UserAgent   string
	Logger      *zap.Logger
	Metrics     MetricsRecorder
}

// NewAuthenticatingTransport constructs a transport.
func NewAuthenticatingTransport(configuration TransportConfig) (*AuthenticatingTransport, error) {
	if configuration.Credentials == nil {
		return nil, errors.New("transport.missing_credentials")
	}
	if configuration.Refresher == nil {
		return nil, errors.New("transport.missing_refresher")
	}
	base := configuration.Base
	if base == nil {
		base = http.DefaultTransport
	}
	refreshPath := configuration.RefreshPath
	if refreshPath == "" {
		refreshPath = PathRefresh
	}
	userAgent := configuration.UserAgent
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthenticatingTransport{
		base:        base,
		credentials: configuration.Credentials,
		refresher:   configuration.Refresher,
		refreshPath: "/" + strings.Trim(refreshPath, "/"),
		userAgent:   userAgent,
		logger:      logger,
		metrics:     metricsOrNoop(configuration.Metrics),
	}, nil
}

// RoundTrip implements http.RoundTripper.
func (transport *AuthenticatingTransport) RoundTrip(request *http.Request) (*http.Response, error) {
	accessToken := transport.credentials.Get().AccessToken
	outbound := transport.prepare(request, accessToken)

	response, err := transport.base.RoundTrip(outbound)
	if err != nil {
		return nil, &NetworkError{Op: "round_trip", Err: err}
	}
	if response.StatusCode != http.StatusUnauthorized || !transport.retryable(request, accessToken) {
		return response, nil
	}

	retryBody, bodyErr := replayBody(request)
	if bodyErr != nil {
		return response, nil
	}

	ctx := request.Context()
	newAccessToken, refreshErr := transport.refresher.Refresh(ctx, accessToken)
	if refreshErr != nil || newAccessToken == "" {
		transport.logger.Debug("request left unauthorized",
			zap.String("code", "session.transport.refresh_unavailable"),
			zap.String("path", request.URL.Path),
			zap.Error(refreshErr))
		if retryBody != nil {
			_ = retryBody.Close()
		}
		return response, nil
	}
	discard(response)

	transport.metrics.Increment(MetricTransportRetry)
	retried := request.WithContext(context.WithValue(ctx, retriedKey{}, true))
	retried.Body = retryBody
	retryResponse, err := transport.base.RoundTrip(transport.prepare(retried, newAccessToken))
	if err != nil {
		return nil, &NetworkError{Op: "round_trip_retry", Err: err}
	}
	return retryResponse, nil
}

// prepare clones request and stamps the session headers. The caller's request is not
// modified.
func (transport *AuthenticatingTransport) prepare(request *http.Request, accessToken string) *http.Request {
	outbound := request.Clone(request.Context())
	outbound.Body = request.Body
	if outbound.Header.Get("Accept") == "" {
		outbound.Header.Set("Accept", "application/json")
	}
	if outbound.Header.Get("User-Agent") == "" {
		outbound.Header.Set("User-Agent", transport.userAgent)
	}
	if outbound.Header.Get(headerRequestID) == "" {
		outbound.Header.Set(headerRequestID, uuid.NewString())
	}
	if accessToken != "" {
		outbound.Header.Set(headerAuthorization, bearerPrefix+accessToken)
	} else {
		outbound.Header.Del(headerAuthorization)
	}
	return outbound
}

func (transport *AuthenticatingTransport) retryable(request *http.Request, accessToken string) bool {
	if accessToken == "" {
		return false
	}
	if strings.HasSuffix(strings.TrimRight(request.URL.Path, "/"), transport.refreshPath) {
		return false
	}
	if retried, _ := request.Context().Value(retriedKey{}).(bool); retried {
		return false
	}
	if request.Body != nil && request.Body != http.NoBody && request.GetBody == nil {
		return false
	}
	return true
}

func replayBody(request *http.Request) (io.ReadCloser, error) {
	if request.Body == nil || request.Body == http.NoBody {
		return request.Body, nil
	}
	return request.GetBody()
}

func discard(response *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(response.Body, maxResponseBytes))
	_ = response.Body.Close()
}
