// Package admin guards operator-only endpoints.
package admin

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// HeaderToken is the header carrying the operator token.
const HeaderToken = "X-Admin-Token"

// Middleware rejects requests without the operator token. An empty
// configured token disables the admin surface entirely rather than
// leaving it open.
func Middleware(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin API is disabled"})
			return
		}
		got := c.GetHeader(HeaderToken)
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid admin token"})
			return
		}
		c.Next()
	}
}
