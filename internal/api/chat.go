package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"vichat_go_backend/internal/auth"
	apperrors "vichat_go_backend/internal/errors"
	"vichat_go_backend/internal/models"
	"vichat_go_backend/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// DegradedMessage is returned when no provider credential could serve a chat.
const DegradedMessage = "Xin lỗi, hệ thống AI đang tạm thời quá tải. Vui lòng thử lại sau ít phút."

type chatRequest struct {
	Feature   string `json:"feature"`
	Message   string `json:"message" binding:"required"`
	MessageID string `json:"message_id"`
}

type chatResponse struct {
	services.GatewayResult
	MessageID string `json:"message_id"`
	Degraded  bool   `json:"degraded"`
}

func chatHandler(gateway Gateway) gin.HandlerFunc {
	return func(c *gin.Context) {
		var request chatRequest
		if err := c.ShouldBindJSON(&request); err != nil {
			apperrors.HandleError(c, apperrors.New400Error(err.Error()))
			return
		}
		feature, err := parseFeature(request.Feature)
		if err != nil {
			apperrors.HandleError(c, apperrors.New400Error(err.Error()))
			return
		}
		if strings.TrimSpace(request.Message) == "" {
			apperrors.HandleError(c, apperrors.New400Error("message is required"))
			return
		}
		if request.MessageID == "" {
			request.MessageID = uuid.NewString()
		}

		result, err := gateway.Execute(c.Request.Context(), services.GatewayRequest{
			UserID:    auth.UserID(c),
			Feature:   feature,
			Query:     request.Message,
			MessageID: request.MessageID,
		})
		if err != nil {
			if errors.Is(err, services.ErrUnknownFeature) {
				apperrors.HandleError(c, apperrors.New400Error(err.Error()))
				return
			}
			apperrors.HandleError(c, err)
			return
		}

		resp := chatResponse{GatewayResult: result, MessageID: request.MessageID}
		switch result.Outcome {
		case services.OutcomeInsufficientCredits:
			apperrors.HandleError(c, apperrors.New402Error(result.Required, result.Balance))
			return
		case services.OutcomeRejected:
			apperrors.HandleError(c, apperrors.New422Error(result.Reason))
			return
		case services.OutcomeUnavailable:
			log.Warn().Str("feature", string(feature)).Msg("Serving degraded response")
			resp.Text = DegradedMessage
			resp.Degraded = true
		}
		c.JSON(http.StatusOK, resp)
	}
}

func balanceHandler(ledger services.CreditLedger) gin.HandlerFunc {
	return func(c *gin.Context) {
		balance, err := ledger.GetBalance(c.Request.Context(), auth.UserID(c))
		if err != nil {
			apperrors.HandleError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"currentCredits": balance})
	}
}

func checkCreditsHandler(ledger services.CreditLedger) gin.HandlerFunc {
	return func(c *gin.Context) {
		feature, err := parseFeature(c.Query("feature"))
		if err != nil {
			apperrors.HandleError(c, apperrors.New400Error(err.Error()))
			return
		}
		afford, err := ledger.CanAfford(c.Request.Context(), auth.UserID(c), feature)
		if err != nil {
			apperrors.HandleError(c, err)
			return
		}
		c.JSON(http.StatusOK, afford)
	}
}

// historyHandler serves a user's own history, or any user's when byParam
// is set on the admin route.
func historyHandler(ledger services.CreditLedger, byParam bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := auth.UserID(c)
		if byParam {
			userID = c.Param("user_id")
		}
		limit := 0
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				apperrors.HandleError(c, apperrors.New400Error("limit must be a non-negative integer"))
				return
			}
			limit = n
		}

		txns, err := ledger.History(c.Request.Context(), userID, limit)
		if err != nil {
			apperrors.HandleError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"user_id": userID, "transactions": txns})
	}
}

func parseFeature(raw string) (models.Feature, error) {
	if raw == "" {
		return models.FeatureChat, nil
	}
	return models.ParseFeature(raw)
}
