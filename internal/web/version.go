package web

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// HandleVersion serves the root version envelope.
func HandleVersion(version string) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusOK, gin.H{
			"data": gin.H{
				"version": version,
			},
			"message": "Inflection API",
			"success": true,
		})
	}
}
