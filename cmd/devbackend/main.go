package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/tsession/internal/devbackend"
	"go.uber.org/zap"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "devbackend",
		Short:   "Local auth and realtime backend for exercising session clients",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	rootCmd.Flags().String("jwt_signing_key", "", "HS256 signing secret for access JWT")
	rootCmd.Flags().String("jwt_issuer", devbackend.DefaultIssuer, "Issuer claim for access JWT")
	rootCmd.Flags().Duration("access_ttl", devbackend.DefaultAccessTTL, "Access token TTL")
	rootCmd.Flags().Duration("refresh_ttl", devbackend.DefaultRefreshTTL, "Refresh token TTL")
	rootCmd.Flags().Duration("otp_ttl", devbackend.DefaultOTPTTL, "One-time code lifetime")
	rootCmd.Flags().Duration("otp_interval", devbackend.DefaultOTPInterval, "Minimum interval between send-otp calls per email")
	rootCmd.Flags().Bool("rotate_refresh_tokens", true, "Issue a new refresh token on every refresh")
	rootCmd.Flags().Bool("enable_dev_routes", false, "Mount /dev/orders broadcast helpers")
	rootCmd.Flags().Bool("enable_cors", false, "Enable CORS for cross-origin clients")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled (required if enable_cors is true)")
	rootCmd.Flags().StringSlice("seed_users", []string{}, "Verified users to create at startup, as email:password[:role]")

	for _, name := range []string{
		"listen_addr", "jwt_signing_key", "jwt_issuer", "access_ttl", "refresh_ttl", "otp_ttl", "otp_interval",
		"rotate_refresh_tokens", "enable_dev_routes", "enable_cors", "cors_allowed_origins", "seed_users",
	} {
		_ = viper.BindPFlag(name, rootCmd.Flags().Lookup(name))
	}

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	return rootCmd
}

const (
	configCodeMissingJWTSigningKey    = "config.missing_jwt_signing_key"
	configCodeInvalidAccessTTL        = "config.invalid_access_ttl"
	configCodeInvalidRefreshTTL       = "config.invalid_refresh_ttl"
	configCodeInvalidSeedUser         = "config.invalid_seed_user"
	configCodeUninitializedServerConf = "config.uninitialized_server_config"
)

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

type seedUser struct {
	email    string
	password string
	role     string
}

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	serverConfig, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, serverConfig))
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

// LoadServerConfig reads and validates the viper-bound settings.
func LoadServerConfig() (devbackend.ServerConfig, error) {
	jwtSigningKey := viper.GetString("jwt_signing_key")
	if jwtSigningKey == "" {
		return devbackend.ServerConfig{}, configError(configCodeMissingJWTSigningKey, "jwt_signing_key must be provided")
	}

	accessTTL := viper.GetDuration("access_ttl")
	if accessTTL <= 0 {
		return devbackend.ServerConfig{}, configError(configCodeInvalidAccessTTL, "access_ttl must be greater than zero")
	}

	refreshTTL := viper.GetDuration("refresh_ttl")
	if refreshTTL <= 0 {
		return devbackend.ServerConfig{}, configError(configCodeInvalidRefreshTTL, "refresh_ttl must be greater than zero")
	}

	return devbackend.ServerConfig{
		SigningKey:          []byte(jwtSigningKey),
		Issuer:              viper.GetString("jwt_issuer"),
		AccessTTL:           accessTTL,
		RefreshTTL:          refreshTTL,
		OTPTTL:              viper.GetDuration("otp_ttl"),
		OTPInterval:         viper.GetDuration("otp_interval"),
		RotateRefreshTokens: viper.GetBool("rotate_refresh_tokens"),
		EnableDevRoutes:     viper.GetBool("enable_dev_routes"),
	}, nil
}

func parseSeedUsers(values []string) ([]seedUser, error) {
	seeds := make([]seedUser, 0, len(values))
	for _, value := range values {
		parts := strings.SplitN(strings.TrimSpace(value), ":", 3)
		if len(parts) < 2 || strings.TrimSpace(parts[0]) == "" || parts[1] == "" {
			return nil, configError(configCodeInvalidSeedUser, fmt.Sprintf("%q must be email:password[:role]", value))
		}
		seed := seedUser{email: strings.ToLower(strings.TrimSpace(parts[0])), password: parts[1]}
		if len(parts) == 3 {
			seed.role = parts[2]
		}
		seeds = append(seeds, seed)
	}
	return seeds, nil
}

func runServer(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverConfigContextKey)
	}
	serverConfig, ok := contextValue.(devbackend.ServerConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}

	listenAddr := viper.GetString("listen_addr")
	enableCORS := viper.GetBool("enable_cors")
	corsAllowedOrigins := viper.GetStringSlice("cors_allowed_origins")
	seeds, seedErr := parseSeedUsers(viper.GetStringSlice("seed_users"))
	if seedErr != nil {
		return seedErr
	}

	backend, backendErr := devbackend.NewServer(serverConfig, logger, devbackend.LogOTPSender{Logger: logger})
	if backendErr != nil {
		return backendErr
	}
	for _, seed := range seeds {
		if _, err := backend.Users().Create(context.Background(), seed.email, seed.password, "", seed.role); err != nil {
			return fmt.Errorf("seed user %s: %w", seed.email, err)
		}
		if _, err := backend.Users().MarkVerified(context.Background(), seed.email); err != nil {
			return fmt.Errorf("seed user %s: %w", seed.email, err)
		}
		logger.Info("seeded user", zap.String("email", seed.email))
	}

	middlewares := []gin.HandlerFunc{zapLoggerMiddleware(logger)}
	if enableCORS {
		corsMiddleware, corsErr := devbackend.ConfigureCORS(logger, corsAllowedOrigins)
		if corsErr != nil {
			return corsErr
		}
		middlewares = append(middlewares, corsMiddleware)
	}

	gin.SetMode(gin.ReleaseMode)
	server := &http.Server{
		Addr:              listenAddr,
		Handler:           backend.Handler(middlewares...),
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(stopSignals)
		select {
		case <-stopSignals:
		case <-shutdownCtx.Done():
			return
		}
		graceCtx, graceCancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening",
		zap.String("addr", listenAddr),
		zap.Bool("dev_routes", serverConfig.EnableDevRoutes),
		zap.Bool("rotate_refresh_tokens", serverConfig.RotateRefreshTokens))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.String("request_id", contextGin.GetHeader("X-Request-ID")),
			zap.Duration("elapsed", duration),
		)
	}
}
