package middleware

import (
	"net/http"
	"strings"

	"tilecast/internal/core/domain"
	"tilecast/internal/core/services"

	"github.com/gin-gonic/gin"
)

const (
	ContextClientID = "client_id"
	ContextName     = "name"
)

func bearerToken(c *gin.Context) (string, bool) {
	parts := strings.Split(c.GetHeader("Authorization"), " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

func setClaims(c *gin.Context, claims *services.Claims) {
	c.Set(ContextClientID, claims.ClientID)
	c.Set(ContextName, claims.Name)
	c.Request = c.Request.WithContext(services.WithClientID(c.Request.Context(), claims.ClientID))
}

func AuthMiddleware(authService services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("Authorization") == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization header required"})
			return
		}

		token, ok := bearerToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header format"})
			return
		}

		claims, err := authService.ValidateToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		setClaims(c, claims)
		c.Next()
	}
}

func OptionalAuthMiddleware(authService services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token, ok := bearerToken(c); ok {
			if claims, err := authService.ValidateToken(token); err == nil {
				setClaims(c, claims)
			}
		}
		c.Next()
	}
}

// ClientIDFrom returns the authenticated presenter, if any.
func ClientIDFrom(c *gin.Context) (domain.ClientID, bool) {
	v, ok := c.Get(ContextClientID)
	if !ok {
		return "", false
	}
	id, ok := v.(domain.ClientID)
	return id, ok
}
