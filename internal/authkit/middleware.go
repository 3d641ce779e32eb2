package authkit

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// AuthClaimsContextKey is where RequireAccessToken stores the verified claims.
const AuthClaimsContextKey = "auth_claims"

// RequireAccessToken validates the Bearer access token and injects its claims.
func RequireAccessToken(codec *TokenCodec) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		header := contextGin.GetHeader("Authorization")
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer"))
		if header == "" || token == "" || !strings.HasPrefix(header, "Bearer ") {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"message": "Authorization token required",
				"success": false,
			})
			return
		}
		claims, verifyErr := codec.VerifyAccess(token)
		if verifyErr != nil {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"message": "Invalid access token",
				"success": false,
			})
			return
		}
		contextGin.Set(AuthClaimsContextKey, claims)
		contextGin.Next()
	}
}

func claimsFromContext(contextGin *gin.Context) *TokenClaims {
	claimsValue, found := contextGin.Get(AuthClaimsContextKey)
	if !found {
		return nil
	}
	claims, ok := claimsValue.(*TokenClaims)
	if !ok {
		return nil
	}
	return claims
}
