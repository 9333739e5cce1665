// Package validation provides input validation middleware for the ledger API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxUserIDLength bounds user ids; Telegram ids are short numerics but
// the store column allows 64.
const MaxUserIDLength = 64

// userIDRegex matches the ids the bot hands us: digits, letters,
// underscore, dash.
var userIDRegex = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidUserID checks whether a user id is well-formed.
func IsValidUserID(id string) bool {
	return id != "" && len(id) <= MaxUserIDLength && userIDRegex.MatchString(id)
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	s = strings.ReplaceAll(s, "\x00", "")
	return s
}

// UserIDParamMiddleware validates the :userId URL parameter on routes
// that use it. Apply to route groups with :userId params to reject
// malformed ids early (no-op when the param is absent).
func UserIDParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("userId")
		if id != "" && !IsValidUserID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_user_id",
				"message": "user id must be 1-64 characters of [A-Za-z0-9_-]",
			})
			return
		}
		c.Next()
	}
}
