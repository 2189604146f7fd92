package devbackend

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Server bundles the stores behind the REST and realtime routes.
type Server struct {
	configuration ServerConfig
	users         *UserStore
	refreshTokens *RefreshTokenStore
	otps          *OTPStore
	otpLimiter    *KeyedLimiter
	sender        OTPSender
	hub           *Hub
	logger        *zap.Logger
}

// NewServer validates configuration and constructs empty stores. A nil sender logs codes.
func NewServer(configuration ServerConfig, logger *zap.Logger, sender OTPSender) (*Server, error) {
	resolved, err := configuration.withDefaults()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if sender == nil {
		sender = LogOTPSender{Logger: logger}
	}
	return &Server{
		configuration: resolved,
		users:         NewUserStore(),
		refreshTokens: NewRefreshTokenStore(resolved.Clock),
		otps:          NewOTPStore(resolved.OTPTTL, resolved.Clock),
		otpLimiter:    NewKeyedLimiter(resolved.OTPInterval, resolved.OTPBurst, resolved.Clock),
		sender:        sender,
		hub:           NewHub(logger, nil),
		logger:        logger,
	}, nil
}

// Users exposes the user store for seeding.
func (server *Server) Users() *UserStore {
	return server.users
}

// Hub exposes the realtime hub.
func (server *Server) Hub() *Hub {
	return server.hub
}

// Configuration returns the resolved configuration.
func (server *Server) Configuration() ServerConfig {
	return server.configuration
}

// Handler builds a gin engine with every route mounted behind middlewares.
func (server *Server) Handler(middlewares ...gin.HandlerFunc) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middlewares...)
	server.Mount(router)
	return router
}
