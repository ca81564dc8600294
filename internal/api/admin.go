package api

import (
	"errors"
	"net/http"
	"strings"

	apperrors "vichat_go_backend/internal/errors"
	"vichat_go_backend/internal/pool"
	"vichat_go_backend/internal/respcache"
	"vichat_go_backend/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

func poolStatusHandler(p *pool.Pool) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, p.Status())
	}
}

func registerCredentialHandler(p *pool.Pool) gin.HandlerFunc {
	return func(c *gin.Context) {
		var request struct {
			Name     string `json:"name"`
			Secret   string `json:"secret" binding:"required"`
			Priority int    `json:"priority"`
			MaxRPM   int    `json:"max_rpm"`
		}
		if err := c.ShouldBindJSON(&request); err != nil {
			apperrors.HandleError(c, apperrors.New400Error(err.Error()))
			return
		}
		if strings.TrimSpace(request.Secret) == "" {
			apperrors.HandleError(c, apperrors.New400Error("secret is required"))
			return
		}
		if request.Priority < 0 || request.MaxRPM < 0 {
			apperrors.HandleError(c, apperrors.New400Error("priority and max_rpm must not be negative"))
			return
		}

		cred, added := p.Register(pool.CredentialSpec{
			Name:                 request.Name,
			Secret:               request.Secret,
			Priority:             request.Priority,
			MaxRequestsPerMinute: request.MaxRPM,
		})
		if added {
			log.Info().Str("credential_id", cred.ID).Str("name", cred.Name).Msg("Credential registered by administrator")
		}
		c.JSON(http.StatusOK, gin.H{"added": added, "credential": credentialView(cred)})
	}
}

func setCredentialStatusHandler(p *pool.Pool) gin.HandlerFunc {
	return func(c *gin.Context) {
		var request struct {
			Status string `json:"status" binding:"required"`
		}
		if err := c.ShouldBindJSON(&request); err != nil {
			apperrors.HandleError(c, apperrors.New400Error(err.Error()))
			return
		}
		status, err := pool.ParseStatus(request.Status)
		if err != nil {
			apperrors.HandleError(c, apperrors.New400Error(err.Error()))
			return
		}

		cred, err := p.SetStatus(c.Param("id"), status)
		if errors.Is(err, pool.ErrCredentialNotFound) {
			apperrors.HandleError(c, apperrors.New404Error("credential not found"))
			return
		}
		if err != nil {
			apperrors.HandleError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"credential": credentialView(cred)})
	}
}

func rescanHandler(p *pool.Pool) gin.HandlerFunc {
	return func(c *gin.Context) {
		added, err := p.Sync(c.Request.Context())
		resp := gin.H{"added": added, "total": len(p.List())}
		if err != nil {
			resp["error"] = err.Error()
		}
		c.JSON(http.StatusOK, resp)
	}
}

func setBalanceHandler(ledger services.CreditLedger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var request struct {
			Amount      *int64 `json:"amount" binding:"required"`
			Description string `json:"description"`
		}
		if err := c.ShouldBindJSON(&request); err != nil {
			apperrors.HandleError(c, apperrors.New400Error(err.Error()))
			return
		}

		userID := c.Param("user_id")
		balance, err := ledger.SetBalance(c.Request.Context(), userID, *request.Amount, request.Description)
		if errors.Is(err, services.ErrNegativeBalance) {
			apperrors.HandleError(c, apperrors.New400Error(err.Error()))
			return
		}
		if err != nil {
			apperrors.HandleError(c, err)
			return
		}
		log.Info().Str("user_id", userID).Int64("balance", balance).Msg("Balance set by administrator")
		c.JSON(http.StatusOK, gin.H{"user_id": userID, "currentCredits": balance})
	}
}

func grantHandler(ledger services.CreditLedger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var request struct {
			Amount      int64  `json:"amount" binding:"required"`
			Description string `json:"description"`
		}
		if err := c.ShouldBindJSON(&request); err != nil {
			apperrors.HandleError(c, apperrors.New400Error(err.Error()))
			return
		}

		userID := c.Param("user_id")
		balance, err := ledger.Credit(c.Request.Context(), userID, request.Amount, request.Description)
		if errors.Is(err, services.ErrInvalidAmount) {
			apperrors.HandleError(c, apperrors.New400Error(err.Error()))
			return
		}
		if err != nil {
			apperrors.HandleError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"user_id": userID, "currentCredits": balance})
	}
}

func verifyLedgerHandler(ledger services.CreditLedger) gin.HandlerFunc {
	return func(c *gin.Context) {
		check, err := ledger.Verify(c.Request.Context(), c.Param("user_id"))
		if err != nil {
			apperrors.HandleError(c, err)
			return
		}
		c.JSON(http.StatusOK, check)
	}
}

func quotaReportHandler(analytics *services.UsageAnalytics, cache *respcache.Cache, p *pool.Pool) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"usage": analytics.Report(),
			"cache": cache.Stats(),
			"pool":  p.Status(),
		})
	}
}

func cacheCleanupHandler(cache *respcache.Cache) gin.HandlerFunc {
	return func(c *gin.Context) {
		removed := cache.CleanupExpired()
		c.JSON(http.StatusOK, gin.H{"removed": removed, "entries": cache.Len()})
	}
}

func credentialView(c pool.Credential) gin.H {
	return gin.H{
		"id":            c.ID,
		"name":          c.Name,
		"masked_secret": c.MaskedSecret(),
		"source":        c.Source,
		"priority":      c.Priority,
		"max_rpm":       c.MaxRequestsPerMinute,
		"status":        c.Status,
	}
}
