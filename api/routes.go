package api

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/opentracing/opentracing-go"

	"github.com/mailbridge/mailbridge/api/handlers"
	"github.com/mailbridge/mailbridge/api/middleware"
	"github.com/mailbridge/mailbridge/internal/repository"
	"github.com/mailbridge/mailbridge/internal/tracing"
	"github.com/mailbridge/mailbridge/services"
)

// RegisterRoutes sets up all API endpoints
func RegisterRoutes(ctx context.Context, r *gin.Engine, s *services.Services, repos *repository.Repositories, apikey string) {
	if s == nil {
		panic("Services cannot be nil")
	}
	if repos == nil {
		panic("Repositories cannot be nil")
	}

	// Add recovery middlewares
	r.Use(gin.Recovery())                                         // Gin's built-in recovery
	r.Use(tracing.RecoveryWithJaeger(opentracing.GlobalTracer())) // Our custom Jaeger recovery

	// Health check and status endpoints
	r.GET("/health", handlers.HealthCheck)
	r.GET("/status", handlers.Status(s.ConnectionPool, repos))

	apiKeyMiddleware := middleware.APIKeyMiddleware(middleware.APIKeyConfig{
		HeaderName:  "X-MAILBRIDGE-API-KEY",
		ValidAPIKey: apikey,
	})

	// API group with version
	api := r.Group("/v1")
	api.Use(apiKeyMiddleware)
	api.Use(middleware.TracingMiddleware())
	{
		// Email endpoints
		emails := api.Group("/emails")
		{
			emails.POST("/send", handlers.SendEmail(s.DeliveryService))
			emails.GET("/:id/status", handlers.GetEmailStatus(s.DeliveryService))
			emails.POST("/:id/discard", handlers.DiscardEmail(s.DeliveryService))
		}

		// Account endpoints
		accounts := api.Group("/accounts")
		{
			accounts.POST("", handlers.CreateAccount(s.AccountService))
			accounts.GET("/:id", handlers.GetAccount(s.AccountService))
			accounts.PUT("/:id/credentials", handlers.UpdateAccountCredentials(s.AccountService))
			accounts.POST("/:id/verify", handlers.VerifyAccount(s.AccountService))
		}

		// Discovery endpoints
		discovery := api.Group("/discovery")
		{
			discovery.GET("", handlers.DiscoverSettings(s.DiscoveryService))
			discovery.GET("/stream", handlers.DiscoverSettingsStream(s.DiscoveryService))
		}
	}
}
