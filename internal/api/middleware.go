package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// TokenMiddleware guards admin routes with a static operator token taken
// from either the Authorization header or X-API-Key. An empty token leaves
// the API open for local operation.
func TokenMiddleware(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		if c.GetHeader("Authorization") == "Bearer "+token {
			c.Next()
			return
		}
		if c.GetHeader("X-API-Key") == token {
			c.Next()
			return
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"ok": false, "error": "Unauthorized"})
	}
}
