package auth

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// ContextKeyCaller is set on authenticated requests.
const ContextKeyCaller = "authCaller"

// RequireToken rejects requests without the internal bearer token.
func RequireToken(v *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			header = c.GetHeader("X-API-Key")
		}

		if err := v.Verify(header); err != nil {
			msg := "Invalid token."
			if errors.Is(err, ErrNoToken) {
				msg = "Bearer token required. Include 'Authorization: Bearer <token>' header."
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": msg,
			})
			return
		}

		c.Set(ContextKeyCaller, "internal")
		c.Next()
	}
}
