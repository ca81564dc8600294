package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"vichat_go_backend/cmd/api/config"
	"vichat_go_backend/internal/api"
	"vichat_go_backend/internal/database"
	"vichat_go_backend/internal/pool"
	"vichat_go_backend/internal/providers"
	"vichat_go_backend/internal/respcache"
	"vichat_go_backend/internal/scheduler"
	"vichat_go_backend/internal/services"
	"vichat_go_backend/internal/utils/broker"
	"vichat_go_backend/internal/wsocket"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// unwatched hides a source's Watch method so the pool only polls it.
type unwatched struct {
	pool.CredentialSource
}

func setupLogging(level, format string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = time.RFC3339
	if format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	setupLogging(cfg.LogLevel, cfg.LogFormat)

	db, err := database.InitDB(database.Config{
		Driver:     cfg.DBDriver,
		Host:       cfg.DBHost,
		User:       cfg.DBUser,
		Password:   cfg.DBPassword,
		Name:       cfg.DBName,
		Port:       cfg.DBPort,
		SSLMode:    cfg.DBSSLMode,
		SQLitePath: cfg.SQLitePath,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}

	messageBroker := broker.NewBroker()

	sources := []pool.CredentialSource{pool.NewEnvSource(cfg.CredentialEnvPrefix, cfg.EnvFile)}
	if cfg.CredentialsFile != "" {
		var src pool.CredentialSource = pool.FileSource{Path: cfg.CredentialsFile}
		if !cfg.WatchCredentialsFile {
			src = unwatched{src}
		}
		sources = append(sources, src)
	}

	classifier := pool.DefaultClassifier()
	if len(cfg.QuotaKeywords) > 0 {
		classifier.Keywords = cfg.QuotaKeywords
	}

	providerPool := pool.New(pool.Config{
		DefaultMaxRequestsPerMinute: cfg.DefaultRPM,
		FailedCooldown:              cfg.FailedCooldown,
		QuotaCooldown:               cfg.QuotaCooldown,
		RescanInterval:              cfg.CredentialRescanInterval,
		DailyRequestsPerCredential:  cfg.DailyRequestsPerCredential,
		Classifier:                  classifier,
		Sources:                     sources,
		Events:                      messageBroker,
	})
	if summary := providerPool.Status(); summary.Active == 0 {
		log.Warn().Str("prefix", cfg.CredentialEnvPrefix).Msg("No provider credentials discovered; chat will answer in degraded mode")
	} else {
		log.Info().Int("active", summary.Active).Msg("Provider pool ready")
	}

	// Background tasks outside the pool share one scheduler.
	sched := scheduler.New(scheduler.RealClock())

	cache := respcache.New(sched.Clock(), cfg.CacheTTL, cfg.CacheMaxEntries)
	sched.Every("cache:cleanup", cfg.CacheTTL, func() {
		if removed := cache.CleanupExpired(); removed > 0 {
			log.Debug().Int("removed", removed).Msg("Expired cache entries removed")
		}
	})

	analytics := services.NewUsageAnalytics(services.UsageAnalyticsConfig{
		DailyTokenCap:           cfg.AnalyticsDailyTokenCap,
		FeatureRequestThreshold: cfg.AnalyticsFeatureRequestThreshold,
	}, sched)

	ledger := services.NewCreditLedger(db, services.LedgerConfig{
		InitialBalance: cfg.InitialCredits,
		MaxRetries:     cfg.LedgerMaxRetries,
		Notifier:       messageBroker,
	})

	gemini := providers.NewGeminiProvider(cfg.GeminiModel)

	gatewayCfg := services.DefaultGatewayConfig()
	gatewayCfg.CacheTTL = cfg.CacheTTL
	gateway := services.NewGatewayService(providerPool, cache, ledger, gemini, analytics, gatewayCfg)

	var stripeService *services.StripeService
	if cfg.StripeSecretKey != "" {
		stripeService = services.NewStripeService(ledger, cfg.StripeSecretKey, cfg.StripeWebhookSecret, cfg.CreditsPerUnit)
	} else {
		log.Info().Msg("STRIPE_SECRET_KEY not set; credit purchases disabled")
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, allowed := range cfg.AllowedOrigins {
				if origin == allowed {
					return true
				}
			}
			return false
		},
	}
	wsHandler := wsocket.NewHandler(messageBroker, upgrader, cfg.EventStatusInterval, func() interface{} {
		return providerPool.Status()
	})

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "Stripe-Signature"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	api.SetupRoutes(r, api.Services{
		Gateway:   gateway,
		Pool:      providerPool,
		Cache:     cache,
		Analytics: analytics,
		Ledger:    ledger,
		Stripe:    stripeService,
		Events:    wsHandler,
	}, api.Secrets{User: cfg.UserJWTSecret, Admin: cfg.AdminJWTSecret})

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	go func() {
		log.Info().Str("port", cfg.Port).Msg("Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shut down")
	}

	providerPool.Shutdown()
	sched.Stop()
	if err := gemini.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close Gemini clients")
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}
	log.Info().Msg("Server stopped")
}
