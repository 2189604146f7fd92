package devbackend

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const claimsContextKey = "auth_claims"

// RequireBearer validates the bearer access token and injects its claims.
func RequireBearer(configuration ServerConfig, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(contextGin *gin.Context) {
		accessToken := bearerToken(contextGin.Request)
		if accessToken == "" {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing_token"})
			return
		}
		claims, err := ParseAccessToken(accessToken, configuration)
		if err != nil {
			logger.Debug("bearer rejected",
				zap.String("code", "devbackend.auth.invalid_token"),
				zap.String("path", contextGin.Request.URL.Path),
				zap.Error(err))
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token"})
			return
		}
		contextGin.Set(claimsContextKey, claims)
		contextGin.Next()
	}
}

func bearerToken(request *http.Request) string {
	header := strings.TrimSpace(request.Header.Get("Authorization"))
	if len(header) < len("Bearer ") || !strings.EqualFold(header[:len("Bearer ")], "Bearer ") {
		return ""
	}
	return strings.TrimSpace(header[len("Bearer "):])
}

func claimsFromContext(contextGin *gin.Context) (*AccessClaims, bool) {
	value, found := contextGin.Get(claimsContextKey)
	if !found {
		return nil, false
	}
	claims, ok := value.(*AccessClaims)
	return claims, ok && claims != nil
}
