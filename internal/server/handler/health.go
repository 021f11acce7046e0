package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jmerrifield20/trustedcapture/internal/health"
)

// HealthHandler serves GET /healthz. A nil checker always reports ok.
func HealthHandler(checker *health.Checker) gin.HandlerFunc {
	return func(c *gin.Context) {
		if checker == nil {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
			return
		}
		report := checker.Report()
		status := http.StatusOK
		label := "ok"
		if !report.Healthy {
			status = http.StatusServiceUnavailable
			label = "degraded"
		}
		c.JSON(status, gin.H{"status": label, "components": report.Components})
	}
}
