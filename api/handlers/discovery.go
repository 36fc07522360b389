package handlers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/opentracing/opentracing-go"

	"github.com/mailbridge/mailbridge/interfaces"
	"github.com/mailbridge/mailbridge/internal/tracing"
)

// DiscoverSettings resolves mail server settings for the given address
// and returns the merged result in one response.
func DiscoverSettings(discoveryService interfaces.DiscoveryService) gin.HandlerFunc {
	return func(c *gin.Context) {
		span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "DiscoverSettings")
		defer span.Finish()

		email := c.Query("email")
		if email == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "email query parameter is required"})
			return
		}

		result, err := discoveryService.Discover(ctx, email)
		if err != nil {
			tracing.TraceErr(span, err)
			c.JSON(statusForError(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

// DiscoverSettingsStream runs discovery while streaming phase progress as
// server-sent events, ending with a single complete event.
func DiscoverSettingsStream(discoveryService interfaces.DiscoveryService) gin.HandlerFunc {
	return func(c *gin.Context) {
		span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "DiscoverSettingsStream")
		defer span.Finish()

		email := c.Query("email")
		if email == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "email query parameter is required"})
			return
		}

		c.Writer.Header().Set("Content-Type", "text/event-stream")
		c.Writer.Header().Set("Cache-Control", "no-cache")
		c.Writer.Header().Set("Connection", "keep-alive")

		events := discoveryService.DiscoverStream(ctx, email)
		c.Stream(func(w io.Writer) bool {
			event, ok := <-events
			if !ok {
				return false
			}
			c.SSEvent(event.Type, event)
			return true
		})
	}
}
