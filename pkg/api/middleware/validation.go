package middleware

import (
	"net/http"
	"strings"
	"unicode"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const maxKeyLength = 1024

// ValidationError represents a validation failure
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// ValidateKey checks a work key taken from a URL before it is used to build
// a store key.
func ValidateKey(key string) error {
	switch {
	case key == "":
		return &ValidationError{Field: "key", Message: "key is required"}
	case len(key) > maxKeyLength:
		return &ValidationError{Field: "key", Message: "key exceeds maximum length"}
	case strings.Contains(key, "/"):
		return &ValidationError{Field: "key", Message: "key must not contain '/'"}
	}
	for _, r := range key {
		if unicode.IsControl(r) {
			return &ValidationError{Field: "key", Message: "key contains control characters"}
		}
	}
	return nil
}

// ReadOnlyMiddleware rejects anything but GET and HEAD.
func ReadOnlyMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead {
			c.AbortWithStatusJSON(http.StatusMethodNotAllowed, gin.H{
				"error": "status API is read-only",
			})
			return
		}
		c.Next()
	}
}

// SecurityHeadersMiddleware adds security headers
func SecurityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Next()
	}
}

// RequestIDMiddleware propagates X-Request-ID, generating one when absent.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}
