// Package devbackend serves a local implementation of the REST and realtime surface the
// session layer consumes. It backs integration tests and local development.
package devbackend

import (
	"errors"
	"time"
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// Defaults applied by ServerConfig.withDefaults.
const (
	DefaultIssuer      = "tsession-dev"
	DefaultAccessTTL   = 15 * time.Minute
	DefaultRefreshTTL  = 30 * 24 * time.Hour
	DefaultOTPTTL      = 5 * time.Minute
	DefaultOTPInterval = time.Minute
	DefaultOTPBurst    = 1
)

var errMissingSigningKey = errors.New("devbackend.config.missing_signing_key")

// ServerConfig configures token minting, OTP delivery and optional dev routes.
type ServerConfig struct {
	SigningKey []byte
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	OTPTTL     time.Duration
	// OTPInterval and OTPBurst bound how often send-otp may be called per email.
	OTPInterval time.Duration
	OTPBurst    int
	// RotateRefreshTokens issues a new refresh token on every refresh. When false the
	// refresh response carries only the access token.
	RotateRefreshTokens bool
	// EnableDevRoutes mounts /dev/orders/... broadcast helpers.
	EnableDevRoutes bool
	Clock           Clock
}

func (configuration ServerConfig) withDefaults() (ServerConfig, error) {
	if len(configuration.SigningKey) == 0 {
		return ServerConfig{}, errMissingSigningKey
	}
	if configuration.Issuer == "" {
		configuration.Issuer = DefaultIssuer
	}
	if configuration.AccessTTL <= 0 {
		configuration.AccessTTL = DefaultAccessTTL
	}
	if configuration.RefreshTTL <= 0 {
		configuration.RefreshTTL = DefaultRefreshTTL
	}
	if configuration.OTPTTL <= 0 {
		configuration.OTPTTL = DefaultOTPTTL
	}
	if configuration.OTPInterval <= 0 {
		configuration.OTPInterval = DefaultOTPInterval
	}
	if configuration.OTPBurst <= 0 {
		configuration.OTPBurst = DefaultOTPBurst
	}
	if configuration.Clock == nil {
		configuration.Clock = systemClock{}
	}
	return configuration, nil
}
