package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func TestZapLoggerMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	logger, err := zap.NewProduction()
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	router := gin.New()
	router.Use(zapLoggerMiddleware(logger))
	router.GET("/ping", func(contextGin *gin.Context) {
		contextGin.Status(http.StatusNoContent)
	})

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/ping", nil)
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", recorder.Code)
	}
}

func TestRunServerMissingConfig(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()

	err := runServer(&cobra.Command{}, nil)
	if err == nil {
		t.Fatalf("expected configuration error")
	}

	expectedMessage := "config.uninitialized_server_config: server configuration not prepared; PreRunE must execute before RunE"
	if err.Error() != expectedMessage {
		t.Fatalf("expected error %q, got %q", expectedMessage, err.Error())
	}
}

func TestLoadServerConfigValidation(t *testing.T) {
	testCases := []struct {
		name            string
		values          map[string]any
		expectedMessage string
	}{
		{
			name:            "missing signing key",
			values:          map[string]any{"access_ttl": time.Minute, "refresh_ttl": time.Hour},
			expectedMessage: "config.missing_jwt_signing_key: jwt_signing_key must be provided",
		},
		{
			name:            "non-positive access ttl",
			values:          map[string]any{"jwt_signing_key": "secret", "access_ttl": 0, "refresh_ttl": time.Hour},
			expectedMessage: "config.invalid_access_ttl: access_ttl must be greater than zero",
		},
		{
			name:            "non-positive refresh ttl",
			values:          map[string]any{"jwt_signing_key": "secret", "access_ttl": time.Minute, "refresh_ttl": 0},
			expectedMessage: "config.invalid_refresh_ttl: refresh_ttl must be greater than zero",
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			viper.Reset()
			defer viper.Reset()
			for key, value := range testCase.values {
				viper.Set(key, value)
			}
			_, err := LoadServerConfig()
			if err == nil || err.Error() != testCase.expectedMessage {
				t.Fatalf("expected error %q, got %v", testCase.expectedMessage, err)
			}
		})
	}
}

func TestParseSeedUsers(t *testing.T) {
	seeds, err := parseSeedUsers([]string{"Ada@Example.com:secret", "ship@example.com:pw:SHIPPER"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(seeds) != 2 || seeds[0].email != "ada@example.com" || seeds[0].role != "" || seeds[1].role != "SHIPPER" {
		t.Fatalf("unexpected seeds %+v", seeds)
	}
	if _, err := parseSeedUsers([]string{"missing-password"}); err == nil {
		t.Fatalf("expected malformed seed to be rejected")
	}
}

func TestRunServerSuccess(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()

	var handler http.Handler
	restoreServe := withServeHTTPStub(func(server *http.Server) error {
		handler = server.Handler
		return http.ErrServerClosed
	})
	defer restoreServe()

	viper.Set("listen_addr", ":0")
	viper.Set("jwt_signing_key", "signing-secret")
	viper.Set("access_ttl", time.Minute)
	viper.Set("refresh_ttl", time.Hour)
	viper.Set("enable_dev_routes", true)
	viper.Set("enable_cors", true)
	viper.Set("cors_allowed_origins", []string{"http://localhost:5173"})
	viper.Set("seed_users", []string{"ada@example.com:secret"})

	config, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("expected configuration load to succeed, got %v", err)
	}

	command := &cobra.Command{}
	command.SetContext(context.WithValue(context.Background(), serverConfigContextKey, config))

	if err := runServer(command, nil); err != nil {
		t.Fatalf("expected runServer to succeed, got %v", err)
	}
	if handler == nil {
		t.Fatalf("expected handler to be configured")
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/api/me", nil))
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected protected route to require a bearer, got %d", recorder.Code)
	}
}

func TestRunServerRejectsCORSWithoutOrigins(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()

	restoreServe := withServeHTTPStub(func(server *http.Server) error {
		t.Fatalf("server should not start")
		return nil
	})
	defer restoreServe()

	viper.Set("jwt_signing_key", "signing-secret")
	viper.Set("access_ttl", time.Minute)
	viper.Set("refresh_ttl", time.Hour)
	viper.Set("enable_cors", true)

	config, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("expected configuration load to succeed, got %v", err)
	}
	command := &cobra.Command{}
	command.SetContext(context.WithValue(context.Background(), serverConfigContextKey, config))
	if err := runServer(command, nil); err == nil {
		t.Fatalf("expected CORS without origins to fail")
	}
}

func TestNewRootCommandHelp(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetArgs([]string{"--help"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("expected help execution to succeed: %v", err)
	}
}

func withServeHTTPStub(stub func(server *http.Server) error) func() {
	previous := serveHTTP
	serveHTTP = stub
	return func() {
		serveHTTP = previous
	}
}
