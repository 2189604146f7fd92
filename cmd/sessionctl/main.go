package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/tsession/internal/sessionkit"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "sessionctl",
		Short:             "Sign in, inspect and watch an authenticated session from the terminal",
		SilenceUsage:      true,
		PersistentPreRunE: prepareClientConfig,
	}

	rootCmd.PersistentFlags().String("base_url", "", "Origin of the REST API, e.g. https://api.example.com/")
	rootCmd.PersistentFlags().String("realtime_url", "", "Realtime endpoint; derived from base_url when empty")
	rootCmd.PersistentFlags().String("database_url", "sqlite://sessionctl.db", "Credential store URL (sqlite:// or postgres://)")
	rootCmd.PersistentFlags().String("profile", "default", "Credential profile name")
	rootCmd.PersistentFlags().Duration("request_timeout", sessionkit.DefaultRequestTimeout, "Per-request timeout")
	rootCmd.PersistentFlags().String("default_role", sessionkit.DefaultRole, "Role stored when a sign-in response carries none")
	rootCmd.PersistentFlags().Bool("verbose", false, "Log debug output to stderr")

	for _, name := range []string{"base_url", "realtime_url", "database_url", "profile", "request_timeout", "default_role", "verbose"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}

	viper.SetEnvPrefix("TSESSION")
	viper.AutomaticEnv()

	rootCmd.AddCommand(
		newLoginCommand(),
		newRegisterCommand(),
		newSendOTPCommand(),
		newVerifyOTPCommand(),
		newResetPasswordCommand(),
		newLogoutCommand(),
		newStatusCommand(),
		newRefreshCommand(),
		newWatchCommand(),
	)
	return rootCmd
}

const (
	configCodeMissingBaseURL          = "config.missing_base_url"
	configCodeMissingDatabaseURL      = "config.missing_database_url"
	configCodeInvalidRequestTimeout   = "config.invalid_request_timeout"
	configCodeUninitializedClientConf = "config.uninitialized_client_config"
)

type contextKey string

const clientConfigContextKey contextKey = "clientConfig"

type clientConfig struct {
	Session     sessionkit.ClientConfig
	RealtimeURL string
	DatabaseURL string
	Profile     string
	Verbose     bool
}

func prepareClientConfig(command *cobra.Command, arguments []string) error {
	configuration, loadErr := LoadClientConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, clientConfigContextKey, configuration))
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

// LoadClientConfig reads and validates the viper-bound settings.
func LoadClientConfig() (clientConfig, error) {
	baseURL := strings.TrimSpace(viper.GetString("base_url"))
	if baseURL == "" {
		return clientConfig{}, configError(configCodeMissingBaseURL, "base_url must be provided")
	}
	databaseURL := strings.TrimSpace(viper.GetString("database_url"))
	if databaseURL == "" {
		return clientConfig{}, configError(configCodeMissingDatabaseURL, "database_url must be provided")
	}
	requestTimeout := viper.GetDuration("request_timeout")
	if requestTimeout < 0 {
		return clientConfig{}, configError(configCodeInvalidRequestTimeout, "request_timeout must not be negative")
	}
	profile := strings.TrimSpace(viper.GetString("profile"))
	if profile == "" {
		profile = "default"
	}
	return clientConfig{
		Session: sessionkit.ClientConfig{
			BaseURL:        baseURL,
			RequestTimeout: requestTimeout,
			DefaultRole:    viper.GetString("default_role"),
		},
		RealtimeURL: strings.TrimSpace(viper.GetString("realtime_url")),
		DatabaseURL: databaseURL,
		Profile:     profile,
		Verbose:     viper.GetBool("verbose"),
	}, nil
}

type clientRuntime struct {
	configuration clientConfig
	store         *sessionkit.DatabaseCredentialStore
	session       *sessionkit.Session
	logger        *zap.Logger
}

// openClient opens the credential store and assembles the session. Callers must Close it.
func openClient(command *cobra.Command) (*clientRuntime, error) {
	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(clientConfigContextKey)
	}
	configuration, ok := contextValue.(clientConfig)
	if !ok {
		return nil, configError(configCodeUninitializedClientConf, "client configuration not prepared; PersistentPreRunE must execute before RunE")
	}
	logger, err := newLogger(configuration.Verbose)
	if err != nil {
		return nil, err
	}
	store, err := sessionkit.NewDatabaseCredentialStore(commandContext, configuration.DatabaseURL, configuration.Profile)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	session, err := sessionkit.NewSession(configuration.Session, store, nil, logger)
	if err != nil {
		_ = store.Close()
		_ = logger.Sync()
		return nil, err
	}
	logger.Debug("session opened",
		zap.String("driver", store.Driver()),
		zap.String("profile", configuration.Profile))
	return &clientRuntime{configuration: configuration, store: store, session: session, logger: logger}, nil
}

func (runtime *clientRuntime) Close() error {
	defer func() { _ = runtime.logger.Sync() }()
	return runtime.store.Close()
}

func newLogger(verbose bool) (*zap.Logger, error) {
	loggerConfig := zap.NewProductionConfig()
	loggerConfig.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	if verbose {
		loggerConfig.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	return loggerConfig.Build()
}

// runWithClient opens the client for the duration of action.
func runWithClient(action func(command *cobra.Command, runtime *clientRuntime) error) func(*cobra.Command, []string) error {
	return func(command *cobra.Command, arguments []string) error {
		runtime, err := openClient(command)
		if err != nil {
			return err
		}
		defer func() { _ = runtime.Close() }()
		return action(command, runtime)
	}
}

func formatDuration(duration time.Duration) string {
	return duration.Truncate(time.Second).String()
}
