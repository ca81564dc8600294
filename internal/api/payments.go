package api

import (
	"errors"
	"io"
	"net/http"

	"vichat_go_backend/internal/auth"
	apperrors "vichat_go_backend/internal/errors"
	"vichat_go_backend/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

func checkoutHandler(stripeService *services.StripeService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var request struct {
			Credits int64 `json:"credits" binding:"required"`
		}
		if err := c.ShouldBindJSON(&request); err != nil {
			apperrors.HandleError(c, apperrors.New400Error(err.Error()))
			return
		}

		session, err := stripeService.CreateCheckoutSession(auth.UserID(c), request.Credits)
		if errors.Is(err, services.ErrInvalidAmount) {
			apperrors.HandleError(c, apperrors.New400Error(err.Error()))
			return
		}
		if err != nil {
			apperrors.HandleError(c, apperrors.LogAndReturn500(err))
			return
		}

		c.JSON(http.StatusOK, gin.H{"session_id": session.ID, "url": session.URL})
	}
}

func stripeWebhookHandler(stripeService *services.StripeService) gin.HandlerFunc {
	return func(c *gin.Context) {
		const MaxBodyBytes = int64(65536)
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxBodyBytes)

		payload, err := io.ReadAll(c.Request.Body)
		if err != nil {
			log.Warn().Err(err).Msg("Error reading webhook body")
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Error reading request body"})
			return
		}

		topUp, err := stripeService.HandleWebhook(c.Request.Context(), payload, c.GetHeader("Stripe-Signature"))
		if err != nil {
			log.Warn().Err(err).Msg("Rejected Stripe webhook")
			c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to process webhook"})
			return
		}

		resp := gin.H{"received": true}
		if topUp != nil {
			resp["credited"] = !topUp.Duplicate
		}
		c.JSON(http.StatusOK, resp)
	}
}
