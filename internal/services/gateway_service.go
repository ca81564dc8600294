package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"vichat_go_backend/internal/models"
	"vichat_go_backend/internal/pool"
	"vichat_go_backend/internal/providers"

	"github.com/rs/zerolog/log"
)

// Outcome is how the gateway disposed of a request.
type Outcome string

const (
	OutcomeServed              Outcome = "served"
	OutcomeCached              Outcome = "cached"
	OutcomeInsufficientCredits Outcome = "insufficient_credits"
	OutcomeUnavailable         Outcome = "unavailable"
	OutcomeRejected            Outcome = "rejected"
)

const maxProviderAttempts = 2

// GatewayRequest is one costed feature call.
type GatewayRequest struct {
	UserID    string
	Feature   models.Feature
	Query     string
	MessageID string
}

// GatewayResult is returned for every admission outcome; only unexpected
// failures are reported as errors.
type GatewayResult struct {
	Outcome        Outcome        `json:"outcome"`
	Feature        models.Feature `json:"feature"`
	Text           string         `json:"text,omitempty"`
	CreditsCharged int64          `json:"credits_charged"`
	Balance        int64          `json:"current_credits"`
	Required       int64          `json:"required,omitempty"`
	Attempts       int            `json:"attempts"`
	Model          string         `json:"model,omitempty"`
	Reason         string         `json:"reason,omitempty"`
}

// GatewayConfig bounds provider calls per feature.
type GatewayConfig struct {
	Timeouts       map[models.Feature]time.Duration
	DefaultTimeout time.Duration
	CacheTTL       time.Duration
}

// DefaultGatewayConfig returns the per-feature call budgets.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		Timeouts: map[models.Feature]time.Duration{
			models.FeatureChat:            60 * time.Second,
			models.FeatureImageGeneration: 120 * time.Second,
			models.FeatureVideoAnalysis:   180 * time.Second,
		},
		DefaultTimeout: 90 * time.Second,
	}
}

// GatewayService runs a feature request through cache, credit check,
// credential selection and the provider call, with one failover retry.
type GatewayService struct {
	pool      CredentialPool
	cache     ResponseCache
	ledger    CreditLedger
	provider  ModelProvider
	analytics UsageRecorder
	cfg       GatewayConfig
}

func NewGatewayService(p CredentialPool, cache ResponseCache, ledger CreditLedger, provider ModelProvider, analytics UsageRecorder, cfg GatewayConfig) *GatewayService {
	def := DefaultGatewayConfig()
	if cfg.Timeouts == nil {
		cfg.Timeouts = def.Timeouts
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = def.DefaultTimeout
	}
	return &GatewayService{
		pool:      p,
		cache:     cache,
		ledger:    ledger,
		provider:  provider,
		analytics: analytics,
		cfg:       cfg,
	}
}

// Execute serves req. Cache hits are free; insufficient credits and an
// exhausted pool are reported through the result's Outcome, as is a
// request the model itself refuses.
func (s *GatewayService) Execute(ctx context.Context, req GatewayRequest) (GatewayResult, error) {
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return GatewayResult{}, errors.New("query is required")
	}
	result := GatewayResult{Feature: req.Feature}

	if payload, ok := s.cache.Get(req.Feature, req.Query); ok {
		result.Outcome = OutcomeCached
		result.Text = string(payload)
		if balance, err := s.ledger.GetBalance(ctx, req.UserID); err == nil {
			result.Balance = balance
		}
		return result, nil
	}

	afford, err := s.ledger.CanAfford(ctx, req.UserID, req.Feature)
	if err != nil {
		return GatewayResult{}, err
	}
	result.Balance = afford.Balance
	result.Required = afford.Required
	if !afford.OK {
		result.Outcome = OutcomeInsufficientCredits
		return result, nil
	}

	var excluded []string
	var resp providers.Response
	served := false
	for attempt := 1; attempt <= maxProviderAttempts; attempt++ {
		cred, ok := s.pool.AcquireExcluding(req.Feature, excluded...)
		if !ok {
			break
		}
		result.Attempts = attempt

		resp, err = s.call(ctx, cred, req)
		if err == nil {
			served = true
			break
		}
		if ctx.Err() != nil {
			return GatewayResult{}, fmt.Errorf("request abandoned: %w", ctx.Err())
		}
		// Request-side errors are neither reported nor retried.
		if providers.IsRequestError(err) {
			log.Info().
				Err(err).
				Str("credential_id", cred.ID).
				Str("feature", string(req.Feature)).
				Msg("Provider rejected request")
			result.Outcome = OutcomeRejected
			result.Reason = err.Error()
			return result, nil
		}

		status, reportErr := s.pool.ReportFailure(cred.ID, err)
		if reportErr != nil {
			log.Error().Err(reportErr).Str("credential_id", cred.ID).Msg("Failed to report provider failure")
		}
		log.Warn().
			Err(err).
			Str("credential_id", cred.ID).
			Str("feature", string(req.Feature)).
			Str("status", string(status)).
			Int("attempt", attempt).
			Msg("Provider call failed")
		excluded = append(excluded, cred.ID)
	}

	if !served {
		result.Outcome = OutcomeUnavailable
		return result, nil
	}

	result.Outcome = OutcomeServed
	result.Text = resp.Text
	result.Model = resp.Model

	// The provider already did the work, so bill it even if the caller left.
	debit, err := s.ledger.Debit(context.WithoutCancel(ctx), req.UserID, req.Feature, DebitOptions{MessageID: req.MessageID})
	switch {
	case err != nil:
		log.Error().Err(err).Str("user_id", req.UserID).Str("feature", string(req.Feature)).Msg("Failed to debit credits after provider call")
	case !debit.OK:
		log.Warn().
			Str("user_id", req.UserID).
			Str("feature", string(req.Feature)).
			Int64("balance", debit.Balance).
			Int64("required", debit.Required).
			Msg("Balance dropped below cost during provider call, serving uncharged")
		result.Balance = debit.Balance
	default:
		result.CreditsCharged = debit.Required
		result.Balance = debit.NewBalance
	}

	s.cache.Put(req.Feature, req.Query, []byte(resp.Text), s.cfg.CacheTTL)
	if s.analytics != nil {
		s.analytics.Record(req.Feature, resp.TokenCount)
	}
	return result, nil
}

func (s *GatewayService) call(ctx context.Context, cred pool.Credential, req GatewayRequest) (providers.Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout(req.Feature))
	defer cancel()

	return s.provider.Generate(callCtx, cred.Secret, providers.Request{
		Feature: req.Feature,
		Prompt:  req.Query,
	})
}

func (s *GatewayService) timeout(feature models.Feature) time.Duration {
	if d, ok := s.cfg.Timeouts[feature]; ok && d > 0 {
		return d
	}
	return s.cfg.DefaultTimeout
}
