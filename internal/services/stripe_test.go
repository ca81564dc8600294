package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
)

const testWebhookSecret = "whsec_test_secret"

func checkoutEvent(t *testing.T, eventType, sessionID, userID, paymentStatus string, metadata map[string]string, amountTotal int64) []byte {
	t.Helper()
	payload, err := json.Marshal(map[string]interface{}{
		"id":          "evt_" + sessionID,
		"object":      "event",
		"api_version": stripe.APIVersion,
		"type":        eventType,
		"data": map[string]interface{}{
			"object": map[string]interface{}{
				"id":                  sessionID,
				"object":              "checkout.session",
				"client_reference_id": userID,
				"payment_status":      paymentStatus,
				"amount_total":        amountTotal,
				"metadata":            metadata,
			},
		},
	})
	require.NoError(t, err)
	return payload
}

func sign(payload []byte, secret string) string {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
	})
	return signed.Header
}

func TestStripeWebhookCreditsOnce(t *testing.T) {
	ctx := context.Background()
	ledger, db := newTestLedger(t, LedgerConfig{})
	svc := NewStripeService(ledger, "sk_test", testWebhookSecret, 10)

	payload := checkoutEvent(t, "checkout.session.completed", "cs_1", "u1", "paid", map[string]string{"credits": "500"}, 50)

	topUp, err := svc.HandleWebhook(ctx, payload, sign(payload, testWebhookSecret))
	require.NoError(t, err)
	require.NotNil(t, topUp)
	assert.Equal(t, TopUp{UserID: "u1", Credits: 500, Balance: 500, Reference: "cs_1"}, *topUp)

	topUp, err = svc.HandleWebhook(ctx, payload, sign(payload, testWebhookSecret))
	require.NoError(t, err)
	assert.True(t, topUp.Duplicate)
	assert.Equal(t, int64(500), topUp.Balance)
	assert.Equal(t, int64(1), transactionCount(t, db, "u1"))
}

func TestStripeWebhookFallsBackToAmount(t *testing.T) {
	ledger, _ := newTestLedger(t, LedgerConfig{})
	svc := NewStripeService(ledger, "sk_test", testWebhookSecret, 2)

	payload := checkoutEvent(t, "checkout.session.completed", "cs_2", "u2", "paid", nil, 150)
	topUp, err := svc.HandleWebhook(context.Background(), payload, sign(payload, testWebhookSecret))
	require.NoError(t, err)
	assert.Equal(t, int64(300), topUp.Credits)
}

func TestStripeWebhookRejectsBadSignature(t *testing.T) {
	ledger, db := newTestLedger(t, LedgerConfig{})
	svc := NewStripeService(ledger, "sk_test", testWebhookSecret, 1)

	payload := checkoutEvent(t, "checkout.session.completed", "cs_3", "u3", "paid", nil, 100)
	_, err := svc.HandleWebhook(context.Background(), payload, sign(payload, "whsec_other"))
	assert.Error(t, err)
	assert.Zero(t, transactionCount(t, db, "u3"))
}

func TestStripeWebhookIgnoresUnpaidAndOtherEvents(t *testing.T) {
	ledger, db := newTestLedger(t, LedgerConfig{})
	svc := NewStripeService(ledger, "sk_test", testWebhookSecret, 1)

	tests := []struct {
		name      string
		eventType string
		status    string
	}{
		{"unpaid checkout", "checkout.session.completed", "unpaid"},
		{"other event", "checkout.session.expired", "unpaid"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := checkoutEvent(t, tt.eventType, "cs_"+tt.status, "u4", tt.status, nil, 100)
			topUp, err := svc.HandleWebhook(context.Background(), payload, sign(payload, testWebhookSecret))
			require.NoError(t, err)
			assert.Nil(t, topUp)
		})
	}
	assert.Zero(t, transactionCount(t, db, "u4"))
}

func TestStripeWebhookRequiresSecret(t *testing.T) {
	ledger, _ := newTestLedger(t, LedgerConfig{})
	svc := NewStripeService(ledger, "sk_test", "", 1)

	_, err := svc.HandleWebhook(context.Background(), []byte("{}"), "")
	assert.ErrorIs(t, err, ErrWebhookNotConfigured)
}

func TestStripePriceFor(t *testing.T) {
	ledger, _ := newTestLedger(t, LedgerConfig{})
	svc := NewStripeService(ledger, "sk_test", testWebhookSecret, 10)

	assert.Equal(t, int64(10), svc.PriceFor(100))
	assert.Equal(t, int64(11), svc.PriceFor(101))

	_, err := svc.CreateCheckoutSession("u1", 0)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}
