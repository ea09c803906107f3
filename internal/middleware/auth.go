// Package middleware provides Gin HTTP middleware for authentication, scope
// checks, rate limiting, security headers, metrics and request-level activity
// tracking.
//
// Middleware ordering matters and is enforced in router.go:
//
//	RequestID → Metrics → Logger → CORS → Security → Auth → RateLimit → Scope → Activity → Handler
//
// Auth runs before rate limiting so limits are keyed per user rather than per
// proxy address. Activity tracking runs last and only records requests whose
// handler succeeded.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/pam-backend/pam-backend/internal/activitylog"
	"github.com/pam-backend/pam-backend/internal/auth"
)

// Context keys set by AuthMiddleware
const (
	UserIDKey   = "user_id"
	UserNameKey = "user_name"
	ScopesKey   = "scopes"
	ActorKey    = "actor"
)

func unauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"success": false,
		"error":   msg,
	})
}

// AuthMiddleware validates the bearer JWT and stores the caller's identity,
// scopes and activitylog.Actor in the gin context.
func AuthMiddleware(issuer string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			unauthorized(c, "Missing authorization header")
			return
		}
		if !strings.HasPrefix(authHeader, "Bearer ") {
			unauthorized(c, "Authorization header must start with 'Bearer '")
			return
		}

		token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
		if token == "" {
			unauthorized(c, "Authorization token is empty")
			return
		}

		claims, err := auth.ValidateJWT(token, issuer)
		if err != nil {
			unauthorized(c, "Invalid credentials")
			return
		}

		scopes := claims.Scopes
		if scopes == nil {
			scopes = []string{}
		}

		c.Set(UserIDKey, claims.UserID)
		c.Set(UserNameKey, claims.Name)
		c.Set(ScopesKey, scopes)
		c.Set(ActorKey, activitylog.Actor{
			UserID:    claims.UserID,
			UserName:  claims.Name,
			IPAddress: c.ClientIP(),
			UserAgent: c.Request.UserAgent(),
		})

		c.Next()
	}
}

// ActorFromContext returns the actor stored by AuthMiddleware
func ActorFromContext(c *gin.Context) (activitylog.Actor, bool) {
	v, ok := c.Get(ActorKey)
	if !ok {
		return activitylog.Actor{}, false
	}
	actor, ok := v.(activitylog.Actor)
	return actor, ok
}
