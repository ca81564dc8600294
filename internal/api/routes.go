package api

import (
	"context"
	"net/http"
	"time"

	"vichat_go_backend/internal/auth"
	"vichat_go_backend/internal/pool"
	"vichat_go_backend/internal/respcache"
	"vichat_go_backend/internal/services"
	"vichat_go_backend/internal/wsocket"

	"github.com/gin-gonic/gin"
)

// Gateway runs one costed feature request.
type Gateway interface {
	Execute(ctx context.Context, req services.GatewayRequest) (services.GatewayResult, error)
}

// Services bundles what the HTTP layer talks to.
type Services struct {
	Gateway   Gateway
	Pool      *pool.Pool
	Cache     *respcache.Cache
	Analytics *services.UsageAnalytics
	Ledger    services.CreditLedger
	Stripe    *services.StripeService
	Events    *wsocket.Handler
}

// Secrets are the HS256 keys for the two bearer audiences.
type Secrets struct {
	User  string
	Admin string
}

func SetupRoutes(r *gin.Engine, svc Services, secrets Secrets) {
	r.GET("/healthz", healthHandler(svc.Pool))

	api := r.Group("/api")
	{
		user := api.Group("", auth.UserMiddleware(secrets.User))
		user.POST("/chat", chatHandler(svc.Gateway))
		user.GET("/credits/balance", balanceHandler(svc.Ledger))
		user.GET("/credits/check", checkCreditsHandler(svc.Ledger))
		user.GET("/credits/history", historyHandler(svc.Ledger, false))
		if svc.Stripe != nil {
			user.POST("/credits/checkout", checkoutHandler(svc.Stripe))
		}
		if svc.Events != nil {
			user.GET("/credits/events", func(c *gin.Context) {
				svc.Events.HandleUserEvents(c.Writer, c.Request, auth.UserID(c))
			})
		}

		admin := api.Group("/admin", auth.AdminMiddleware(secrets.Admin))
		admin.GET("/pool/status", poolStatusHandler(svc.Pool))
		admin.POST("/pool/credentials", registerCredentialHandler(svc.Pool))
		admin.PUT("/pool/credentials/:id/status", setCredentialStatusHandler(svc.Pool))
		admin.POST("/pool/rescan", rescanHandler(svc.Pool))
		admin.PUT("/credits/:user_id", setBalanceHandler(svc.Ledger))
		admin.POST("/credits/:user_id/grant", grantHandler(svc.Ledger))
		admin.GET("/credits/:user_id/transactions", historyHandler(svc.Ledger, true))
		admin.GET("/credits/:user_id/verify", verifyLedgerHandler(svc.Ledger))
		admin.GET("/quota/report", quotaReportHandler(svc.Analytics, svc.Cache, svc.Pool))
		admin.POST("/cache/cleanup", cacheCleanupHandler(svc.Cache))
		if svc.Events != nil {
			admin.GET("/events", func(c *gin.Context) {
				svc.Events.HandleAdminEvents(c.Writer, c.Request)
			})
		}

		if svc.Stripe != nil {
			api.POST("/stripe/webhook", stripeWebhookHandler(svc.Stripe))
		}
	}
}

func healthHandler(p *pool.Pool) gin.HandlerFunc {
	return func(c *gin.Context) {
		capacity := p.Capacity()
		status := "ok"
		if capacity.Active == 0 {
			status = "degraded"
		}
		c.JSON(http.StatusOK, gin.H{
			"status":    status,
			"active":    capacity.Active,
			"available": capacity.Available,
			"time":      time.Now().UTC().Format(time.RFC3339),
		})
	}
}
