package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyAPIKey is the gin context key holding the validated key.
	ContextKeyAPIKey = "apiKey"
	// ContextKeySubject is the gin context key holding the key's subject.
	ContextKeySubject = "authSubject"
)

// Middleware extracts and validates the API key from the request. Sets
// apiKey and authSubject in context when valid; never rejects on its own.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		rawKey := c.GetHeader("Authorization")
		if rawKey == "" {
			rawKey = c.GetHeader("X-API-Key")
		}

		if rawKey != "" {
			key, err := m.ValidateKey(c.Request.Context(), rawKey)
			if err == nil {
				c.Set(ContextKeyAPIKey, key)
				c.Set(ContextKeySubject, key.Subject)
			}
		}

		c.Next()
	}
}

// RequireAuth rejects requests without valid auth.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, exists := c.Get(ContextKeyAPIKey); !exists {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required. Include 'Authorization: Bearer sk_...' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireCapability requires auth AND the given capability scope on the key.
func RequireCapability(cap string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key, ok := GetAPIKey(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required.",
			})
			return
		}
		if !key.HasCapability(cap) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "API key lacks the '" + cap + "' capability.",
			})
			return
		}
		c.Next()
	}
}

// GetAPIKey returns the API key from context (if authenticated).
func GetAPIKey(c *gin.Context) (*APIKey, bool) {
	key, exists := c.Get(ContextKeyAPIKey)
	if !exists {
		return nil, false
	}
	return key.(*APIKey), true
}

// Subject returns the authenticated subject, or "" when anonymous.
func Subject(c *gin.Context) string {
	subject, exists := c.Get(ContextKeySubject)
	if !exists {
		return ""
	}
	return subject.(string)
}
