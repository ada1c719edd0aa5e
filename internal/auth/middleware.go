// Package auth guards the admin API (model reloads and corpus builds).
//
// Scoring routes are open to anything that can reach the service; admin
// routes require the shared secret in the X-Admin-Secret header.
package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	// HeaderAdminSecret carries the admin secret.
	HeaderAdminSecret = "X-Admin-Secret"
	// ContextKeyAdmin is set on requests that passed RequireAdmin
	ContextKeyAdmin = "authAdmin"
)

// RequireAdmin rejects requests without the admin secret: 401 when the
// header is missing, 403 when it is wrong. An empty secret leaves admin
// routes open, which config only allows outside production.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.Set(ContextKeyAdmin, true)
			c.Next()
			return
		}

		got := c.GetHeader(HeaderAdminSecret)
		if got == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Admin secret required. Include the 'X-Admin-Secret' header.",
			})
			return
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Invalid admin secret.",
			})
			return
		}

		c.Set(ContextKeyAdmin, true)
		c.Next()
	}
}

// IsAdmin checks if the request passed RequireAdmin
func IsAdmin(c *gin.Context) bool {
	return c.GetBool(ContextKeyAdmin)
}
