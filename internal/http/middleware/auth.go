// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements bearer-token authentication for the sink. A valid
// token's subject becomes the request's owner ("userID" in the Gin context),
// which scopes every read and write the handlers perform.
package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/physio-sync/internal/auth"
)

const ctxKeyClaims = "auth.claims"

// Auth verifies the Authorization header against cfg. Requests for unsafe
// methods additionally need the records:write scope.
func Auth(cfg auth.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := auth.BearerToken(c.GetHeader("Authorization"))
		if err == nil {
			var claims *auth.Claims
			claims, err = auth.Parse(token, cfg)
			if err == nil {
				if isUnsafe(c.Request.Method) && !claims.HasScope(auth.ScopeWrite) {
					abortAuth(c, http.StatusForbidden, "forbidden", "token lacks "+auth.ScopeWrite)
					return
				}
				c.Set(ctxKeyClaims, claims)
				c.Set("userID", claims.Subject)
				c.Next()
				return
			}
		}

		msg := "invalid bearer token"
		if errors.Is(err, auth.ErrMissingToken) {
			msg = "bearer token required"
		}
		c.Header("WWW-Authenticate", `Bearer realm="physiosync"`)
		abortAuth(c, http.StatusUnauthorized, "unauthorized", msg)
	}
}

// ClaimsFrom returns the verified claims, if Auth ran.
func ClaimsFrom(c *gin.Context) (*auth.Claims, bool) {
	v, ok := c.Get(ctxKeyClaims)
	if !ok {
		return nil, false
	}
	cl, ok := v.(*auth.Claims)
	return cl, ok
}

func isUnsafe(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return true
}

func abortAuth(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{
		"request_id": c.Writer.Header().Get(requestIDHeader),
		"code":       code,
		"message":    msg,
	})
}
