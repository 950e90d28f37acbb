// Package middleware holds the gin middleware that authenticates API callers.
package middleware

import (
	"net/http"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/fedcore/auth"
	"github.com/gin-gonic/gin"
)

const identityKey = "fedcore.identity"

// Bearer resolves the Authorization header through provider and stores the
// identity on the context. Requests without a valid token are rejected.
func Bearer(provider *auth.Provider, logger *log.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			c.Header("WWW-Authenticate", `Bearer realm="api"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "The access token is missing"})
			return
		}
		identity, err := provider.Resolve(c.Request.Context(), raw)
		if err != nil {
			logger.Debug("Rejected token", "ip", c.ClientIP(), "error", err)
			c.Header("WWW-Authenticate", `Bearer realm="api", error="invalid_token"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "The access token is invalid"})
			return
		}
		c.Set(identityKey, identity)
		c.Next()
	}
}

// RequireScope rejects callers whose token was not granted scope.
func RequireScope(scope auth.Scope) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !Identity(c).Allows(scope) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "This action is outside the authorized scopes"})
			return
		}
		c.Next()
	}
}

// Identity returns the caller stored by Bearer, or nil.
func Identity(c *gin.Context) *auth.Identity {
	v, ok := c.Get(identityKey)
	if !ok {
		return nil
	}
	identity, _ := v.(*auth.Identity)
	return identity
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
