package identity

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const ctxClaims = "identity.claims"

// RequireToken returns a Gin middleware that enforces a valid Bearer
// principal token and stores its claims in the context.
func RequireToken(tokens *TokenIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Bearer token required",
			})
			return
		}

		claims, err := tokens.Verify(strings.TrimPrefix(authHeader, "Bearer "))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid token: " + err.Error(),
			})
			return
		}

		c.Set(ctxClaims, claims)
		c.Next()
	}
}

// OptionalToken returns a Gin middleware that tries to parse a Bearer token.
// Unlike RequireToken it never aborts.
func OptionalToken(tokens *TokenIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if strings.HasPrefix(authHeader, "Bearer ") {
			if claims, err := tokens.Verify(strings.TrimPrefix(authHeader, "Bearer ")); err == nil {
				c.Set(ctxClaims, claims)
			}
		}
		c.Next()
	}
}

// ClaimsFromCtx retrieves the claims injected by RequireToken or
// OptionalToken, or nil.
func ClaimsFromCtx(c *gin.Context) *PrincipalClaims {
	v, _ := c.Get(ctxClaims)
	claims, _ := v.(*PrincipalClaims)
	return claims
}

// PrincipalFromCtx returns the authenticated principal id, or "".
func PrincipalFromCtx(c *gin.Context) string {
	if claims := ClaimsFromCtx(c); claims != nil {
		return claims.Principal()
	}
	return ""
}
