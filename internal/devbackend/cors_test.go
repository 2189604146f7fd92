package devbackend

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap/zaptest"
)

func TestConfigureCORSAllowsSessionHeaders(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	router := gin.New()
	middleware, err := ConfigureCORS(zaptest.NewLogger(t), []string{"http://localhost:5173/"})
	if err != nil {
		t.Fatalf("unexpected error configuring CORS: %v", err)
	}
	router.Use(middleware)
	router.POST("/auth/logout", func(contextGin *gin.Context) {
		contextGin.Status(http.StatusOK)
	})

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodOptions, "/auth/logout", nil)
	request.Header.Set("Origin", "http://localhost:5173")
	request.Header.Set("Access-Control-Request-Method", http.MethodPost)
	request.Header.Set("Access-Control-Request-Headers", "Authorization, X-Refresh-Token")
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204 from preflight, got %d", recorder.Code)
	}
	if origin := recorder.Header().Get("Access-Control-Allow-Origin"); origin != "http://localhost:5173" {
		t.Fatalf("unexpected allowed origin header: %q", origin)
	}
	allowedHeaders := strings.ToLower(recorder.Header().Get("Access-Control-Allow-Headers"))
	if !strings.Contains(allowedHeaders, "x-refresh-token") || !strings.Contains(allowedHeaders, "authorization") {
		t.Fatalf("expected session headers to be allowed, got %q", allowedHeaders)
	}
}

func TestConfigureCORSRejectsUnsafeOrigins(t *testing.T) {
	testCases := []struct {
		name     string
		origins  []string
		expected error
	}{
		{name: "nil", origins: nil, expected: errEmptyAllowedOrigins},
		{name: "blank", origins: []string{"  "}, expected: errEmptyAllowedOrigins},
		{name: "wildcard", origins: []string{"*"}, expected: errWildcardOrigin},
		{name: "path", origins: []string{"https://app.example.com/login"}, expected: errInvalidOrigin},
		{name: "scheme", origins: []string{"ftp://app.example.com"}, expected: errInvalidOrigin},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := ConfigureCORS(nil, testCase.origins); !errors.Is(err, testCase.expected) {
				t.Fatalf("expected %v, got %v", testCase.expected, err)
			}
		})
	}
}

func TestSanitizeOriginsDeduplicates(t *testing.T) {
	sanitized, err := sanitizeOrigins(zaptest.NewLogger(t), []string{"https://b.example.com", "HTTPS://b.example.com", "https://a.example.com/"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sanitized) != 2 || sanitized[0] != "https://a.example.com" || sanitized[1] != "https://b.example.com" {
		t.Fatalf("unexpected sanitized origins %v", sanitized)
	}
}

func TestNormalizeOriginRejectsQueryAndCredentials(t *testing.T) {
	for _, origin := range []string{"https://app.example.com?next=1", "https://user:pw@app.example.com", "app.example.com"} {
		if _, err := normalizeOrigin(origin); !errors.Is(err, errInvalidOrigin) {
			t.Fatalf("expected %q to be rejected, got %v", origin, err)
		}
	}
	if origin, err := normalizeOrigin(" HTTPS://App.Example.com:8443/ "); err != nil || origin != "https://app.example.com:8443" {
		t.Fatalf("unexpected normalized origin %q (%v)", origin, err)
	}
}
