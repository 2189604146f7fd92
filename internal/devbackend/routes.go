package devbackend

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tsession/internal/realtime"
	"go.uber.org/zap"
)

const headerRefreshToken = "X-Refresh-Token"

// Mount registers the /auth, /api, /realtime and optional /dev routes.
func (server *Server) Mount(router gin.IRouter) {
	auth := router.Group("/auth")
	auth.POST("/register", server.handleRegister)
	auth.POST("/login", server.handleLogin)
	auth.POST("/send-otp", server.handleSendOTP)
	auth.POST("/verify-otp", server.handleVerifyOTP)
	auth.POST("/refresh", server.handleRefresh)
	auth.POST("/logout", server.handleLogout)
	auth.POST("/reset-password", server.handleResetPassword)

	router.GET("/api/me", RequireBearer(server.configuration, server.logger), server.handleMe)
	router.GET(realtime.DefaultPath, server.hub.Handler(server.configuration))

	if server.configuration.EnableDevRoutes {
		dev := router.Group("/dev")
		dev.POST("/orders/:id/status", server.handleOrderStatus)
		dev.POST("/orders/:id/location", server.handleOrderLocation)
	}
}

type credentialsInbound struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
	Name     string `json:"name"`
	FullName string `json:"full_name"`
	// FullNameCamel accepts the camel-case spelling some clients send.
	FullNameCamel string `json:"fullName"`
}

type otpInbound struct {
	Email          string `json:"email"`
	OTP            string `json:"otp"`
	Code           string `json:"code"`
	NewPassword    string `json:"new_password"`
	NewPasswordAlt string `json:"newPassword"`
}

type refreshInbound struct {
	RefreshToken      string `json:"refresh_token"`
	RefreshTokenCamel string `json:"refreshToken"`
}

func (server *Server) handleRegister(contextGin *gin.Context) {
	var inbound credentialsInbound
	if err := contextGin.ShouldBindJSON(&inbound); err != nil {
		abortWithError(contextGin, http.StatusBadRequest, "invalid_json", "request body must be JSON")
		return
	}
	email := normalizeEmail(firstNonEmpty(inbound.Username, inbound.Email))
	if email == "" || inbound.Password == "" {
		abortWithError(contextGin, http.StatusBadRequest, "invalid_request", "email and password are required")
		return
	}
	fullName := strings.TrimSpace(firstNonEmpty(inbound.Name, inbound.FullName, inbound.FullNameCamel))
	profile, err := server.users.Create(contextGin, email, inbound.Password, fullName, inbound.Role)
	if errors.Is(err, ErrUserExists) {
		abortWithError(contextGin, http.StatusConflict, "user_exists", "an account with this email already exists")
		return
	}
	if err != nil {
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	otpSent := server.deliverOTP(contextGin, email) == nil
	contextGin.JSON(http.StatusCreated, gin.H{
		"ok":       true,
		"otp_sent": otpSent,
		"user": gin.H{
			"id":       profile.ID,
			"username": profile.Email,
			"role":     profile.Role,
		},
	})
}

func (server *Server) handleLogin(contextGin *gin.Context) {
	var inbound credentialsInbound
	if err := contextGin.ShouldBindJSON(&inbound); err != nil {
		abortWithError(contextGin, http.StatusBadRequest, "invalid_json", "request body must be JSON")
		return
	}
	email := normalizeEmail(firstNonEmpty(inbound.Username, inbound.Email))
	profile, err := server.users.Authenticate(contextGin, email, inbound.Password)
	if err != nil {
		abortWithError(contextGin, http.StatusUnauthorized, "invalid_credentials", "email or password is incorrect")
		return
	}
	if !profile.Verified {
		abortWithError(contextGin, http.StatusForbidden, "email_not_verified", "verify your email before signing in")
		return
	}
	accessToken, refreshOpaque, ok := server.issueSession(contextGin, profile, "")
	if !ok {
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{
		"accessToken":  accessToken,
		"refreshToken": refreshOpaque,
		"role":         profile.Role,
		"user":         profileJSON(profile),
	})
}

func (server *Server) handleSendOTP(contextGin *gin.Context) {
	var inbound otpInbound
	if err := contextGin.ShouldBindJSON(&inbound); err != nil {
		abortWithError(contextGin, http.StatusBadRequest, "invalid_json", "request body must be JSON")
		return
	}
	email := normalizeEmail(inbound.Email)
	if email == "" {
		abortWithError(contextGin, http.StatusBadRequest, "invalid_request", "email is required")
		return
	}
	allowed, retryAfter := server.otpLimiter.Allow(email)
	if !allowed {
		seconds := int(retryAfter / time.Second)
		contextGin.Header("Retry-After", strconv.Itoa(seconds))
		contextGin.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":               "rate_limited",
			"message":             "too many code requests, try again later",
			"retry_after_seconds": seconds,
		})
		return
	}
	if _, err := server.users.GetByEmail(contextGin, email); err == nil {
		if deliverErr := server.deliverOTP(contextGin, email); deliverErr != nil {
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}
	}
	contextGin.JSON(http.StatusOK, gin.H{"ok": true, "otp_sent": true})
}

func (server *Server) handleVerifyOTP(contextGin *gin.Context) {
	var inbound otpInbound
	if err := contextGin.ShouldBindJSON(&inbound); err != nil {
		abortWithError(contextGin, http.StatusBadRequest, "invalid_json", "request body must be JSON")
		return
	}
	email := normalizeEmail(inbound.Email)
	if !server.consumeOTP(contextGin, email, firstNonEmpty(inbound.OTP, inbound.Code)) {
		return
	}
	profile, err := server.users.MarkVerified(contextGin, email)
	if err != nil {
		abortWithError(contextGin, http.StatusNotFound, "user_not_found", "no account for this email")
		return
	}
	accessToken, refreshOpaque, ok := server.issueSession(contextGin, profile, "")
	if !ok {
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{
		"access_token":  accessToken,
		"refresh_token": refreshOpaque,
		"role":          profile.Role,
	})
}

func (server *Server) handleRefresh(contextGin *gin.Context) {
	var inbound refreshInbound
	_ = contextGin.ShouldBindJSON(&inbound)
	refreshOpaque := strings.TrimSpace(firstNonEmpty(inbound.RefreshToken, inbound.RefreshTokenCamel, contextGin.GetHeader(headerRefreshToken)))
	if refreshOpaque == "" {
		abortWithError(contextGin, http.StatusUnauthorized, "missing_refresh_token", "refresh token is required")
		return
	}
	userID, currentTokenID, err := server.refreshTokens.Validate(contextGin, refreshOpaque)
	if err != nil {
		server.logger.Debug("refresh rejected",
			zap.String("code", "devbackend.refresh.rejected"),
			zap.Error(err))
		abortWithError(contextGin, http.StatusUnauthorized, "invalid_refresh_token", "refresh token is not valid")
		return
	}
	profile, err := server.users.GetByID(contextGin, userID)
	if err != nil {
		abortWithError(contextGin, http.StatusUnauthorized, "invalid_refresh_token", "refresh token is not valid")
		return
	}
	accessToken, _, err := MintAccessToken(profile, server.configuration)
	if err != nil {
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	if !server.configuration.RotateRefreshTokens {
		contextGin.JSON(http.StatusOK, gin.H{"access_token": accessToken})
		return
	}
	_, newOpaque, err := server.refreshTokens.Issue(contextGin, userID, server.refreshExpiry(), currentTokenID)
	if err != nil {
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	if err := server.refreshTokens.Revoke(contextGin, currentTokenID); err != nil {
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{
		"access_token":  accessToken,
		"refresh_token": newOpaque,
	})
}

func (server *Server) handleLogout(contextGin *gin.Context) {
	if refreshOpaque := strings.TrimSpace(contextGin.GetHeader(headerRefreshToken)); refreshOpaque != "" {
		_, tokenID, err := server.refreshTokens.Validate(contextGin, refreshOpaque)
		if err == nil && tokenID != "" {
			_ = server.refreshTokens.Revoke(contextGin, tokenID)
		}
	}
	contextGin.JSON(http.StatusOK, gin.H{"ok": true})
}

func (server *Server) handleResetPassword(contextGin *gin.Context) {
	var inbound otpInbound
	if err := contextGin.ShouldBindJSON(&inbound); err != nil {
		abortWithError(contextGin, http.StatusBadRequest, "invalid_json", "request body must be JSON")
		return
	}
	email := normalizeEmail(inbound.Email)
	newPassword := firstNonEmpty(inbound.NewPassword, inbound.NewPasswordAlt)
	if newPassword == "" {
		abortWithError(contextGin, http.StatusBadRequest, "invalid_request", "new password is required")
		return
	}
	if !server.consumeOTP(contextGin, email, firstNonEmpty(inbound.OTP, inbound.Code)) {
		return
	}
	if err := server.users.SetPassword(contextGin, email, newPassword); err != nil {
		abortWithError(contextGin, http.StatusNotFound, "user_not_found", "no account for this email")
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{"ok": true, "message": "password updated"})
}

func (server *Server) handleMe(contextGin *gin.Context) {
	claims, ok := claimsFromContext(contextGin)
	if !ok {
		contextGin.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	profile, err := server.users.GetByID(contextGin, claims.UserID)
	if err != nil {
		abortWithError(contextGin, http.StatusUnauthorized, "unknown_user", "user no longer exists")
		return
	}
	payload := profileJSON(profile)
	payload["expires"] = claims.ExpiresAt.Time
	contextGin.JSON(http.StatusOK, payload)
}

func (server *Server) handleOrderStatus(contextGin *gin.Context) {
	var inbound struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	}
	if err := contextGin.ShouldBindJSON(&inbound); err != nil || strings.TrimSpace(inbound.Status) == "" {
		abortWithError(contextGin, http.StatusBadRequest, "invalid_request", "status is required")
		return
	}
	orderID := contextGin.Param("id")
	delivered, err := server.hub.Broadcast(orderID, realtime.EventOrderUpdate, realtime.OrderUpdate{
		OrderID:   orderID,
		Status:    strings.TrimSpace(inbound.Status),
		Message:   inbound.Message,
		UpdatedAt: server.configuration.Clock.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{"delivered": delivered})
}

func (server *Server) handleOrderLocation(contextGin *gin.Context) {
	var inbound struct {
		ShipperID string   `json:"shipperId"`
		Latitude  *float64 `json:"lat"`
		Longitude *float64 `json:"lng"`
		Heading   float64  `json:"heading"`
	}
	if err := contextGin.ShouldBindJSON(&inbound); err != nil || inbound.Latitude == nil || inbound.Longitude == nil {
		abortWithError(contextGin, http.StatusBadRequest, "invalid_request", "lat and lng are required")
		return
	}
	orderID := contextGin.Param("id")
	delivered, err := server.hub.Broadcast(orderID, realtime.EventShipperLocation, realtime.ShipperLocation{
		OrderID:   orderID,
		ShipperID: inbound.ShipperID,
		Latitude:  *inbound.Latitude,
		Longitude: *inbound.Longitude,
		Heading:   inbound.Heading,
	})
	if err != nil {
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{"delivered": delivered})
}

func (server *Server) issueSession(contextGin *gin.Context, profile UserProfile, previousTokenID string) (string, string, bool) {
	accessToken, _, err := MintAccessToken(profile, server.configuration)
	if err != nil {
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return "", "", false
	}
	_, refreshOpaque, err := server.refreshTokens.Issue(contextGin, profile.ID, server.refreshExpiry(), previousTokenID)
	if err != nil || strings.TrimSpace(refreshOpaque) == "" {
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return "", "", false
	}
	return accessToken, refreshOpaque, true
}

func (server *Server) consumeOTP(contextGin *gin.Context, email string, code string) bool {
	code = strings.TrimSpace(code)
	if email == "" || code == "" {
		abortWithError(contextGin, http.StatusBadRequest, "invalid_request", "email and otp are required")
		return false
	}
	switch err := server.otps.Consume(contextGin, email, code); {
	case err == nil:
		return true
	case errors.Is(err, ErrOTPExpired):
		abortWithError(contextGin, http.StatusBadRequest, "otp_expired", "the code has expired")
	default:
		abortWithError(contextGin, http.StatusBadRequest, "invalid_otp", "the code is not valid")
	}
	return false
}

func (server *Server) deliverOTP(contextGin *gin.Context, email string) error {
	code, err := server.otps.Issue(contextGin, email)
	if err != nil {
		return err
	}
	if err := server.sender.SendOTP(contextGin, email, code); err != nil {
		server.logger.Warn("otp delivery failed",
			zap.String("code", "devbackend.otp.delivery_failed"),
			zap.String("email", email),
			zap.Error(err))
		return err
	}
	return nil
}

func (server *Server) refreshExpiry() time.Time {
	return server.configuration.Clock.Now().UTC().Add(server.configuration.RefreshTTL)
}

func profileJSON(profile UserProfile) gin.H {
	return gin.H{
		"id":        profile.ID,
		"email":     profile.Email,
		"full_name": profile.FullName,
		"role":      profile.Role,
		"verified":  profile.Verified,
	}
}

func abortWithError(contextGin *gin.Context, status int, code string, message string) {
	contextGin.AbortWithStatusJSON(status, gin.H{"error": code, "message": message})
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
