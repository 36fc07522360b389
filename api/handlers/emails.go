package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"

	"github.com/mailbridge/mailbridge/dto"
	"github.com/mailbridge/mailbridge/interfaces"
	er "github.com/mailbridge/mailbridge/internal/errors"
	"github.com/mailbridge/mailbridge/internal/tracing"
)

// SendEmail enqueues a delivery for the background worker and returns 202.
// With ?sync=true the send happens on the request path through the pool and
// the SMTP outcome maps to the response status.
func SendEmail(deliveryService interfaces.DeliveryService) gin.HandlerFunc {
	return func(c *gin.Context) {
		span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "SendEmail")
		defer span.Finish()

		var request dto.SendEmailRequest
		if err := c.ShouldBindJSON(&request); err != nil {
			tracing.TraceErr(span, err)
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		record := request.ToDelivery()

		if c.Query("sync") == "true" {
			result, err := deliveryService.SendNow(ctx, record)
			if err != nil {
				tracing.TraceErr(span, err)
				status := http.StatusBadGateway
				if result == nil {
					// rejected before any SMTP attempt
					status = statusForError(err)
				}
				c.JSON(status, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, dto.NewDeliveryStatusResponse(result))
			return
		}

		result, err := deliveryService.Enqueue(ctx, record)
		if err != nil {
			tracing.TraceErr(span, err)
			c.JSON(statusForError(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, dto.NewDeliveryStatusResponse(result))
	}
}

// GetEmailStatus returns the current state of a delivery record.
func GetEmailStatus(deliveryService interfaces.DeliveryService) gin.HandlerFunc {
	return func(c *gin.Context) {
		span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "GetEmailStatus")
		defer span.Finish()

		record, err := deliveryService.GetStatus(ctx, c.Param("id"))
		if err != nil {
			tracing.TraceErr(span, err)
			c.JSON(statusForError(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, dto.NewDeliveryStatusResponse(record))
	}
}

// DiscardEmail cancels a queued delivery. Once a worker claimed the record
// the discard is rejected with 409.
func DiscardEmail(deliveryService interfaces.DeliveryService) gin.HandlerFunc {
	return func(c *gin.Context) {
		span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "DiscardEmail")
		defer span.Finish()

		if err := deliveryService.Discard(ctx, c.Param("id")); err != nil {
			tracing.TraceErr(span, err)
			c.JSON(statusForError(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "discarded"})
	}
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, er.ErrDeliveryNotFound), errors.Is(err, er.ErrAccountNotFound), errors.Is(err, er.ErrDiscoveryNotFound):
		return http.StatusNotFound
	case errors.Is(err, er.ErrAlreadyClaimed), errors.Is(err, er.ErrAccountExists):
		return http.StatusConflict
	case errors.Is(err, er.ErrInvalidEmail):
		return http.StatusBadRequest
	case errors.Is(err, er.ErrPoolExhausted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
