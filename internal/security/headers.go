// Package security hardens responses and requests of the internal API.
package security

import (
	"mime"
	"net/http"

	"github.com/gin-gonic/gin"
)

// apiHeaders are set on every response. Bodies are JSON about money, so
// nothing may be sniffed, framed, or cached by an intermediary.
var apiHeaders = [][2]string{
	{"X-Content-Type-Options", "nosniff"},
	{"Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'"},
	{"Cache-Control", "no-store"},
}

// HeadersMiddleware sets apiHeaders before the handler runs, so aborted and
// unmatched requests carry them too.
func HeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		for _, kv := range apiHeaders {
			h.Set(kv[0], kv[1])
		}
		c.Next()
	}
}

// RequireJSON rejects request bodies that are not application/json with
// 415. Bodiless calls such as the trigger endpoints pass through.
func RequireJSON() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength == 0 {
			c.Next()
			return
		}
		mt, _, err := mime.ParseMediaType(c.GetHeader("Content-Type"))
		if err != nil || mt != "application/json" {
			c.AbortWithStatusJSON(http.StatusUnsupportedMediaType, gin.H{
				"error":   "unsupported_media_type",
				"message": "request body must be application/json",
			})
			return
		}
		c.Next()
	}
}
