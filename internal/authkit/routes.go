package authkit

import (
	"errors"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// DynamicTokenHeader carries the externally-issued identity token on login.
const DynamicTokenHeader = "x-dynamic-access-token"

// Refresh token length gate. Signature-valid tokens fall well inside these
// bounds; anything outside is rejected before the codec or store is touched.
const (
	refreshTokenMinLength = 64
	refreshTokenMaxLength = 1024
)

var phonePattern = regexp.MustCompile(`^[0-9]{10}$`)

// MountAuthRoutes registers /auth/login, /auth/refresh-token, /auth/logout,
// /auth/revoke-all, and /me on the given router group.
func MountAuthRoutes(router gin.IRouter, service *AuthService, verifier DynamicTokenVerifier, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}

	router.POST("/auth/login", func(contextGin *gin.Context) {
		rawDynamicToken := strings.TrimSpace(contextGin.GetHeader(DynamicTokenHeader))
		if rawDynamicToken == "" {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"message": "Dynamic authorization token required",
				"success": false,
			})
			return
		}

		var inbound struct {
			Phone string `json:"phone"`
		}
		if err := contextGin.BindJSON(&inbound); err != nil {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"message": "Invalid request body",
				"success": false,
			})
			return
		}
		if !phonePattern.MatchString(inbound.Phone) {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"message": "Phone must be exactly 10 digits",
				"success": false,
			})
			return
		}

		identity, verifyErr := verifier.Verify(contextGin, rawDynamicToken)
		if verifyErr != nil {
			logger.Warn("dynamic token verification failed",
				zap.String("code", "auth.login.dynamic_rejected"),
				zap.Error(verifyErr))
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"message": "Authentication failed",
				"success": false,
			})
			return
		}

		pair, _, loginErr := service.Login(contextGin, identity.SubjectID, inbound.Phone)
		if loginErr != nil {
			if errors.Is(loginErr, ErrIdentityConflict) {
				contextGin.AbortWithStatusJSON(http.StatusConflict, gin.H{
					"message": "Phone number already linked to another identity",
					"success": false,
				})
				return
			}
			logger.Error("login failed",
				zap.String("code", "auth.login.failed"),
				zap.Error(loginErr))
			contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"message": "Login failed",
				"success": false,
			})
			return
		}

		contextGin.JSON(http.StatusOK, gin.H{
			"accessToken":  pair.AccessToken,
			"refreshToken": pair.RefreshToken,
			"message":      "Login successful",
			"success":      true,
		})
	})

	router.POST("/auth/refresh-token", func(contextGin *gin.Context) {
		var inbound struct {
			RefreshToken string `json:"refreshToken"`
		}
		if err := contextGin.BindJSON(&inbound); err != nil {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"message": "Invalid request body",
				"success": false,
			})
			return
		}
		if len(inbound.RefreshToken) < refreshTokenMinLength || len(inbound.RefreshToken) > refreshTokenMaxLength {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"message": "Invalid refresh token",
				"success": false,
			})
			return
		}

		pair, refreshErr := service.Refresh(contextGin, inbound.RefreshToken)
		if refreshErr != nil {
			if errors.Is(refreshErr, ErrInvalidRefreshToken) {
				contextGin.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"message": "Invalid refresh token",
					"success": false,
				})
				return
			}
			logger.Error("token refresh failed",
				zap.String("code", "auth.refresh.failed"),
				zap.Error(refreshErr))
			contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"message": "Token refresh failed",
				"success": false,
			})
			return
		}

		contextGin.JSON(http.StatusOK, gin.H{
			"accessToken":  pair.AccessToken,
			"refreshToken": pair.RefreshToken,
			"message":      "Tokens refreshed successfully",
			"success":      true,
		})
	})

	router.POST("/auth/logout", func(contextGin *gin.Context) {
		var inbound struct {
			RefreshToken string `json:"refreshToken"`
		}
		if err := contextGin.BindJSON(&inbound); err != nil {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"message": "Invalid request body",
				"success": false,
			})
			return
		}
		if logoutErr := service.Logout(contextGin, inbound.RefreshToken); logoutErr != nil {
			logger.Error("logout failed",
				zap.String("code", "auth.logout.failed"),
				zap.Error(logoutErr))
			contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"message": "Logout failed",
				"success": false,
			})
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{
			"message": "Logged out",
			"success": true,
		})
	})

	router.POST("/auth/revoke-all", RequireAccessToken(service.Codec()), func(contextGin *gin.Context) {
		claims := claimsFromContext(contextGin)
		if claims == nil {
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		if revokeErr := service.RevokeAll(contextGin, claims.UserID); revokeErr != nil {
			logger.Error("session revocation failed",
				zap.String("code", "auth.revoke.failed"),
				zap.Error(revokeErr))
			contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"message": "Session revocation failed",
				"success": false,
			})
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{
			"message": "All sessions revoked",
			"success": true,
		})
	})

	router.GET("/me", RequireAccessToken(service.Codec()), func(contextGin *gin.Context) {
		claims := claimsFromContext(contextGin)
		if claims == nil {
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		user, userErr := service.GetUser(contextGin, claims.UserID)
		if userErr != nil {
			if errors.Is(userErr, ErrUserNotFound) {
				contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"message": "Unknown user",
					"success": false,
				})
				return
			}
			logger.Error("profile lookup failed",
				zap.String("code", "auth.profile.failed"),
				zap.String("user_id", claims.UserID),
				zap.Error(userErr))
			contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"message": "Profile lookup failed",
				"success": false,
			})
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{
			"data": gin.H{
				"id":            user.ID,
				"phone":         user.Phone,
				"name":          user.Name,
				"email":         user.Email,
				"role":          user.Role,
				"walletAddress": user.WalletAddress,
				"kycCompleted":  user.KYCCompleted,
			},
			"success": true,
		})
	})
}
