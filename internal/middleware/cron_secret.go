package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/rollcall/backend/pkg/response"
)

// CronSecret admits requests with "Authorization: Bearer <secret>". An empty
// secret rejects everything.
func CronSecret(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if secret == "" || !ok || subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			response.Unauthorized(c, "invalid sync secret")
			return
		}
		c.Next()
	}
}
