package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/opentracing/opentracing-go"

	"github.com/mailbridge/mailbridge/dto"
	"github.com/mailbridge/mailbridge/interfaces"
	"github.com/mailbridge/mailbridge/internal/tracing"
)

// CreateAccount registers a mail account with its SMTP and IMAP settings.
func CreateAccount(accountService interfaces.AccountService) gin.HandlerFunc {
	return func(c *gin.Context) {
		span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "CreateAccount")
		defer span.Finish()

		var request dto.CreateAccountRequest
		if err := c.ShouldBindJSON(&request); err != nil {
			tracing.TraceErr(span, err)
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		account, err := accountService.Create(ctx, request.ToAccount())
		if err != nil {
			tracing.TraceErr(span, err)
			c.JSON(statusForError(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, account)
	}
}

// GetAccount returns a stored account.
func GetAccount(accountService interfaces.AccountService) gin.HandlerFunc {
	return func(c *gin.Context) {
		span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "GetAccount")
		defer span.Finish()

		account, err := accountService.GetByID(ctx, c.Param("id"))
		if err != nil {
			tracing.TraceErr(span, err)
			c.JSON(statusForError(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, account)
	}
}

// UpdateAccountCredentials rotates account secrets. Pooled connections for
// the account are invalidated, in-flight sends finish on the old session.
func UpdateAccountCredentials(accountService interfaces.AccountService) gin.HandlerFunc {
	return func(c *gin.Context) {
		span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "UpdateAccountCredentials")
		defer span.Finish()

		var update interfaces.AccountCredentialsUpdate
		if err := c.ShouldBindJSON(&update); err != nil {
			tracing.TraceErr(span, err)
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		account, err := accountService.UpdateCredentials(ctx, c.Param("id"), update)
		if err != nil {
			tracing.TraceErr(span, err)
			c.JSON(statusForError(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, account)
	}
}

// VerifyAccount dials SMTP and IMAP with the stored settings and reports
// both outcomes.
func VerifyAccount(accountService interfaces.AccountService) gin.HandlerFunc {
	return func(c *gin.Context) {
		span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "VerifyAccount")
		defer span.Finish()

		result, err := accountService.Verify(ctx, c.Param("id"))
		if err != nil {
			tracing.TraceErr(span, err)
			c.JSON(statusForError(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, result)
	}
}
