package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Tyrowin/gochat-live/internal/logger"
)

// UserKey is the gin context key holding the verified user id.
const UserKey = "auth.user"

// Middleware rejects requests without a valid bearer token. A nil verifier
// lets every request through.
func Middleware(v Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		if v == nil {
			c.Next()
			return
		}

		userID, err := v.Verify(TokenFromRequest(c.Request))
		if err != nil {
			logger.Warn("auth: rejected request",
				zap.String("path", c.Request.URL.Path),
				zap.String("remote", c.ClientIP()),
				zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errorMessage(err)})
			return
		}

		c.Set(UserKey, userID)
		c.Next()
	}
}

// UserFrom returns the user the middleware verified for c.
func UserFrom(c *gin.Context) (string, bool) {
	userID := c.GetString(UserKey)
	return userID, userID != ""
}

func errorMessage(err error) string {
	if errors.Is(err, ErrNoToken) {
		return ErrNoToken.Error()
	}
	return ErrInvalidToken.Error()
}
