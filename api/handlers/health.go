package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mailbridge/mailbridge/internal/repository"
	"github.com/mailbridge/mailbridge/services/pool"
)

// HealthCheck provides a simple health check endpoint
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
	})
}

// Status reports pool occupancy and queue depth per delivery status.
func Status(connectionPool *pool.ConnectionPool, repos *repository.Repositories) gin.HandlerFunc {
	return func(c *gin.Context) {
		counts, err := repos.DeliveryRepository.CountByStatus(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status":     "ok",
			"pool":       connectionPool.Stats(),
			"deliveries": counts,
		})
	}
}
