package sessionkit

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Paths of the consumed REST surface, relative to ClientConfig.BaseURL.
const (
	PathLogin         = "auth/login"
	PathRegister      = "auth/register"
	PathSendOTP       = "auth/send-otp"
	PathVerifyOTP     = "auth/verify-otp"
	PathRefresh       = "auth/refresh"
	PathLogout        = "auth/logout"
	PathResetPassword = "auth/reset-password"
)

// Defaults applied by ClientConfig.withDefaults.
const (
	DefaultRequestTimeout = 15 * time.Second
	DefaultRole           = "customer"
	DefaultUserAgent      = "tsession/1.0"
)

var (
	errMissingBaseURL = errors.New("config.missing_base_url")
	errInvalidBaseURL = errors.New("config.invalid_base_url")
)

// ClientConfig configures the session layer.
type ClientConfig struct {
	// BaseURL is the origin all REST paths resolve against, e.g. https://api.example.com/.
	BaseURL        string
	RequestTimeout time.Duration
	// DefaultRole is stored when a sign-in response carries no role.
	DefaultRole string
	UserAgent   string
}

func (configuration ClientConfig) withDefaults() ClientConfig {
	if configuration.RequestTimeout <= 0 {
		configuration.RequestTimeout = DefaultRequestTimeout
	}
	if strings.TrimSpace(configuration.DefaultRole) == "" {
		configuration.DefaultRole = DefaultRole
	}
	if strings.TrimSpace(configuration.UserAgent) == "" {
		configuration.UserAgent = DefaultUserAgent
	}
	return configuration
}

// baseURL parses BaseURL and guarantees a trailing slash so relative paths resolve
// underneath it.
func (configuration ClientConfig) baseURL() (*url.URL, error) {
	raw := strings.TrimSpace(configuration.BaseURL)
	if raw == "" {
		return nil, errMissingBaseURL
	}
	lower := strings.ToLower(raw)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		raw = "http://" + raw
	}
	if !strings.HasSuffix(raw, "/") {
		raw += "/"
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return nil, fmt.Errorf("%w: %s", errInvalidBaseURL, configuration.BaseURL)
	}
	return parsed, nil
}

func resolvePath(base *url.URL, path string) string {
	return base.ResolveReference(&url.URL{Path: strings.TrimPrefix(path, "/")}).String()
}
