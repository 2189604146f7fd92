package realtime

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Reconnect policy defaults.
const (
	DefaultMaxReconnectAttempts = 10
	DefaultReconnectDelay       = 1500 * time.Millisecond
	DefaultReconnectDelayMax    = 6 * time.Second
	DefaultConnectTimeout       = 10 * time.Second
	DefaultWriteTimeout         = 15 * time.Second
	DefaultPath                 = "/realtime"
)

// Metric event names recorded by the channel.
const (
	MetricConnected        = "realtime.connected"
	MetricReconnectAttempt = "realtime.reconnect_attempt"
	MetricExhausted        = "realtime.reconnect_exhausted"
	MetricRoomJoinSent     = "realtime.join_sent"
)

var (
	// ErrNotConnected is returned by operations that need a live connection.
	ErrNotConnected = errors.New("realtime.not_connected")
	// ErrReconnectExhausted is carried by the terminal state change after the last attempt fails.
	ErrReconnectExhausted = errors.New("realtime.reconnect_exhausted")

	errMissingURL     = errors.New("realtime.config.missing_url")
	errInvalidURL     = errors.New("realtime.config.invalid_url")
	errMissingDialer  = errors.New("realtime.config.missing_dialer")
	errMissingSource  = errors.New("realtime.config.missing_credentials")
	errEmptyRoomID    = errors.New("realtime.empty_room_id")
	errEmptyEventName = errors.New("realtime.empty_event_name")
)

// Config describes the realtime endpoint and reconnect policy.
type Config struct {
	URL                  string
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	ReconnectDelayMax    time.Duration
	ConnectTimeout       time.Duration
	WriteTimeout         time.Duration
}

func (configuration Config) withDefaults() Config {
	if configuration.MaxReconnectAttempts <= 0 {
		configuration.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if configuration.ReconnectDelay <= 0 {
		configuration.ReconnectDelay = DefaultReconnectDelay
	}
	if configuration.ReconnectDelayMax < configuration.ReconnectDelay {
		configuration.ReconnectDelayMax = DefaultReconnectDelayMax
		if configuration.ReconnectDelayMax < configuration.ReconnectDelay {
			configuration.ReconnectDelayMax = configuration.ReconnectDelay
		}
	}
	if configuration.ConnectTimeout <= 0 {
		configuration.ConnectTimeout = DefaultConnectTimeout
	}
	if configuration.WriteTimeout <= 0 {
		configuration.WriteTimeout = DefaultWriteTimeout
	}
	return configuration
}

func (configuration Config) validate() error {
	raw := strings.TrimSpace(configuration.URL)
	if raw == "" {
		return errMissingURL
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return fmt.Errorf("%w: %s", errInvalidURL, configuration.URL)
	}
	switch parsed.Scheme {
	case "ws", "wss", "http", "https":
		return nil
	default:
		return fmt.Errorf("%w: unsupported scheme %s", errInvalidURL, parsed.Scheme)
	}
}

// reconnectDelay doubles the base delay per attempt, capped at ReconnectDelayMax.
func (configuration Config) reconnectDelay(attempt int) time.Duration {
	delay := configuration.ReconnectDelay
	for step := 1; step < attempt; step++ {
		delay *= 2
		if delay >= configuration.ReconnectDelayMax {
			return configuration.ReconnectDelayMax
		}
	}
	if delay > configuration.ReconnectDelayMax {
		return configuration.ReconnectDelayMax
	}
	return delay
}

// URLFromBase derives the realtime endpoint from a REST origin: http becomes ws,
// https becomes wss, and the path is replaced by DefaultPath.
func URLFromBase(baseURL string) (string, error) {
	raw := strings.TrimSpace(baseURL)
	if raw == "" {
		return "", errMissingURL
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return "", fmt.Errorf("%w: %s", errInvalidURL, baseURL)
	}
	switch parsed.Scheme {
	case "https", "wss":
		parsed.Scheme = "wss"
	default:
		parsed.Scheme = "ws"
	}
	parsed.Path = DefaultPath
	parsed.RawQuery = ""
	parsed.Fragment = ""
	return parsed.String(), nil
}
