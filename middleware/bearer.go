package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/joshu-sajeev/fleetq/common"
)

const bearerTokenKey = "bearer_token"

// BearerToken extracts the token from an "Authorization: Bearer <token>"
// header.
func BearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	if token == "" || strings.ContainsAny(token, " \t") {
		return "", false
	}
	return token, true
}

// RequireBearer aborts with 401 unless the request carries a bearer token.
func RequireBearer() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := BearerToken(c.Request)
		if !ok {
			c.Error(common.Errf(http.StatusUnauthorized, "missing or malformed bearer token"))
			c.Abort()
			return
		}
		c.Set(bearerTokenKey, token)
		c.Next()
	}
}

// BearerFromContext returns the token stored by RequireBearer.
func BearerFromContext(c *gin.Context) string {
	return c.GetString(bearerTokenKey)
}
