// Package middleware (rbac.go) implements scope-based authorization. Scopes
// come from the access token and are placed in the context by AuthMiddleware.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/pam-backend/pam-backend/internal/auth"
)

func contextScopes(c *gin.Context) ([]string, bool) {
	v, exists := c.Get(ScopesKey)
	if !exists {
		return nil, false
	}
	scopes, ok := v.([]string)
	return scopes, ok
}

func forbidden(c *gin.Context, details string) {
	c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
		"success": false,
		"error":   "Missing required scope",
		"details": details,
	})
}

// RequireScope checks if authenticated user has the required scope
func RequireScope(scope auth.Scope) gin.HandlerFunc {
	return func(c *gin.Context) {
		userScopes, ok := contextScopes(c)
		if !ok || !auth.HasScope(userScopes, scope) {
			forbidden(c, "Required scope: "+string(scope))
			return
		}
		c.Next()
	}
}

// RequireAnyScope checks if authenticated user has at least one of the required scopes
func RequireAnyScope(scopes ...auth.Scope) gin.HandlerFunc {
	return func(c *gin.Context) {
		userScopes, ok := contextScopes(c)
		if !ok || !auth.HasAnyScope(userScopes, scopes) {
			names := make([]string, len(scopes))
			for i, s := range scopes {
				names[i] = string(s)
			}
			forbidden(c, "Required one of: "+strings.Join(names, ", "))
			return
		}
		c.Next()
	}
}
