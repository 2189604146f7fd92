package devbackend

import (
	"errors"
	"fmt"
	"maps"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	errWildcardOrigin      = errors.New("devbackend.cors.wildcard_origin")
	errEmptyAllowedOrigins = errors.New("devbackend.cors.no_origins")
	errInvalidOrigin       = errors.New("devbackend.cors.invalid_origin")
)

// ConfigureCORS enables cross-origin requests for the supplied origins. Browser
// clients send the bearer and refresh headers, so both are allowed.
func ConfigureCORS(logger *zap.Logger, allowedOrigins []string) (gin.HandlerFunc, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	sanitized, err := sanitizeOrigins(logger, allowedOrigins)
	if err != nil {
		return nil, err
	}
	return cors.New(cors.Config{
		AllowOrigins:     sanitized,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Authorization", "X-Refresh-Token", "X-Request-ID"},
		ExposeHeaders:    []string{"Content-Type", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}), nil
}

// sanitizeOrigins reduces allowed to a sorted set of scheme://host origins.
func sanitizeOrigins(logger *zap.Logger, allowed []string) ([]string, error) {
	origins := make(map[string]struct{}, len(allowed))
	for _, candidate := range allowed {
		origin, err := normalizeOrigin(candidate)
		if err != nil {
			return nil, err
		}
		if origin == "" {
			continue
		}
		origins[origin] = struct{}{}
	}
	if len(origins) == 0 {
		return nil, errEmptyAllowedOrigins
	}
	sanitized := slices.Sorted(maps.Keys(origins))
	for _, origin := range sanitized {
		if strings.HasPrefix(origin, "http://") && !isLoopbackOrigin(origin) {
			logger.Warn("plain http origin allowed",
				zap.String("code", "devbackend.cors.plain_http"),
				zap.String("origin", origin))
		}
	}
	return sanitized, nil
}

// normalizeOrigin returns "" for blank input.
func normalizeOrigin(candidate string) (string, error) {
	candidate = strings.TrimSpace(candidate)
	switch candidate {
	case "":
		return "", nil
	case "*":
		return "", errWildcardOrigin
	}
	parsed, err := url.Parse(candidate)
	if err != nil || parsed.Host == "" {
		return "", fmt.Errorf("%w: %q is not scheme://host[:port]", errInvalidOrigin, candidate)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("%w: %q must use http or https", errInvalidOrigin, candidate)
	}
	if strings.Trim(parsed.Path, "/") != "" || parsed.RawQuery != "" || parsed.Fragment != "" || parsed.User != nil {
		return "", fmt.Errorf("%w: %q must not carry a path, query or credentials", errInvalidOrigin, candidate)
	}
	return scheme + "://" + strings.ToLower(parsed.Host), nil
}

func isLoopbackOrigin(origin string) bool {
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}
