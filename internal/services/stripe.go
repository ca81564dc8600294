package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/rs/zerolog/log"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/checkout/session"
	"github.com/stripe/stripe-go/v79/webhook"
)

// ErrWebhookNotConfigured is returned when no signing secret was provided.
var ErrWebhookNotConfigured = errors.New("stripe webhook secret is not configured")

// TopUp is the outcome of a processed checkout.
type TopUp struct {
	UserID    string `json:"user_id"`
	Credits   int64  `json:"credits"`
	Balance   int64  `json:"current_credits"`
	Reference string `json:"reference"`
	Duplicate bool   `json:"duplicate"`
}

type StripeService struct {
	ledger         CreditLedger
	webhookSecret  string
	creditsPerUnit int64
	successURL     string
	cancelURL      string
}

func NewStripeService(ledger CreditLedger, secretKey, webhookSecret string, creditsPerUnit int64) *StripeService {
	stripe.Key = secretKey
	if creditsPerUnit <= 0 {
		creditsPerUnit = 1
	}
	return &StripeService{
		ledger:         ledger,
		webhookSecret:  webhookSecret,
		creditsPerUnit: creditsPerUnit,
		successURL:     "https://vichat.vn/credits/success?session_id={CHECKOUT_SESSION_ID}",
		cancelURL:      "https://vichat.vn/credits/cancel",
	}
}

// PriceFor returns the charge in VND for a credit package.
func (s *StripeService) PriceFor(credits int64) int64 {
	return (credits + s.creditsPerUnit - 1) / s.creditsPerUnit
}

func (s *StripeService) CreateCheckoutSession(userID string, credits int64) (*stripe.CheckoutSession, error) {
	if credits <= 0 {
		return nil, ErrInvalidAmount
	}
	amount := s.PriceFor(credits)
	params := &stripe.CheckoutSessionParams{
		PaymentMethodTypes: stripe.StringSlice([]string{
			"card",
		}),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency: stripe.String("vnd"),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(fmt.Sprintf("%d credits", credits)),
					},
					UnitAmount: &amount,
				},
				Quantity: stripe.Int64(1),
			},
		},
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(s.successURL),
		CancelURL:         stripe.String(s.cancelURL),
		ClientReferenceID: stripe.String(userID),
		Metadata: map[string]string{
			"credits": strconv.FormatInt(credits, 10),
		},
	}

	return session.New(params)
}

// HandleWebhook verifies the event signature and credits the buyer for every
// paid checkout. Redelivered events are recognised by the session id and do
// not credit twice.
func (s *StripeService) HandleWebhook(ctx context.Context, payload []byte, signatureHeader string) (*TopUp, error) {
	if s.webhookSecret == "" {
		return nil, ErrWebhookNotConfigured
	}
	event, err := webhook.ConstructEvent(payload, signatureHeader, s.webhookSecret)
	if err != nil {
		return nil, fmt.Errorf("invalid webhook: %w", err)
	}
	if event.Type != stripe.EventTypeCheckoutSessionCompleted {
		log.Debug().Str("type", string(event.Type)).Msg("Ignoring Stripe event")
		return nil, nil
	}

	var cs stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &cs); err != nil {
		return nil, fmt.Errorf("failed to decode checkout session: %w", err)
	}
	if cs.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		log.Info().Str("session_id", cs.ID).Str("payment_status", string(cs.PaymentStatus)).Msg("Checkout completed without payment")
		return nil, nil
	}
	if cs.ClientReferenceID == "" {
		return nil, fmt.Errorf("checkout session %s has no client reference", cs.ID)
	}

	credits := s.creditsFor(&cs)
	if credits <= 0 {
		return nil, fmt.Errorf("checkout session %s: %w", cs.ID, ErrInvalidAmount)
	}

	balance, applied, err := s.ledger.RecordPurchase(ctx, cs.ClientReferenceID, credits, cs.ID, fmt.Sprintf("Stripe checkout %s", cs.ID))
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("user_id", cs.ClientReferenceID).
		Str("session_id", cs.ID).
		Int64("credits", credits).
		Bool("duplicate", !applied).
		Msg("Processed credit purchase")

	return &TopUp{
		UserID:    cs.ClientReferenceID,
		Credits:   credits,
		Balance:   balance,
		Reference: cs.ID,
		Duplicate: !applied,
	}, nil
}

func (s *StripeService) creditsFor(cs *stripe.CheckoutSession) int64 {
	if v, ok := cs.Metadata["credits"]; ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return cs.AmountTotal * s.creditsPerUnit
}
