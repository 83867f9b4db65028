package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testWebhookSecret = "whsec_test"

func stripeSignature(payload string, secret string) string {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts, payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func newTestStripe(t *testing.T) *Stripe {
	t.Helper()
	s, err := NewStripe("sk_test_x", testWebhookSecret, "chf")
	require.NoError(t, err)
	return s
}

func TestNewStripeRequiresSecrets(t *testing.T) {
	_, err := NewStripe("", "whsec", "chf")
	require.Error(t, err)
	_, err = NewStripe("sk_test_x", "", "chf")
	require.Error(t, err)
}

func TestVerifyWebhookAcceptsValidSignature(t *testing.T) {
	s := newTestStripe(t)
	payload := fmt.Sprintf(`{
		"id": "evt_1",
		"object": "event",
		"api_version": "2022-11-15",
		"type": "payment_intent.succeeded",
		"created": %d,
		"data": {"object": {
			"id": "pi_123",
			"object": "payment_intent",
			"amount": 1250,
			"metadata": {"rental_id": "11111111-2222-3333-4444-555555555555", "end_station_id": "STN-9"}
		}}
	}`, time.Now().Unix())

	req := httptest.NewRequest("POST", "/api/v1/webhooks/stripe", nil)
	req.Header.Set("Stripe-Signature", stripeSignature(payload, testWebhookSecret))

	ev, err := s.VerifyWebhook(req, []byte(payload))
	require.NoError(t, err)
	require.Equal(t, "evt_1", ev.ID)
	require.Equal(t, EventChargeSucceeded, ev.Type)
	require.Equal(t, "pi_123", ev.PaymentIntentID)
	require.Equal(t, int64(1250), ev.AmountCents)
	require.Equal(t, "11111111-2222-3333-4444-555555555555", ev.RentalID)
	require.Equal(t, "STN-9", ev.EndStationID)
}

func TestVerifyWebhookRejectsBadSignature(t *testing.T) {
	s := newTestStripe(t)
	payload := fmt.Sprintf(`{"id":"evt_2","object":"event","type":"payment_intent.succeeded","created":%d,"data":{"object":{"id":"pi_1","object":"payment_intent"}}}`, time.Now().Unix())

	req := httptest.NewRequest("POST", "/api/v1/webhooks/stripe", nil)
	req.Header.Set("Stripe-Signature", stripeSignature(payload, "whsec_other"))

	_, err := s.VerifyWebhook(req, []byte(payload))
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyWebhookRejectsMissingSignature(t *testing.T) {
	s := newTestStripe(t)
	req := httptest.NewRequest("POST", "/api/v1/webhooks/stripe", nil)
	_, err := s.VerifyWebhook(req, []byte(`{}`))
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyWebhookNormalisesSetupIntent(t *testing.T) {
	s := newTestStripe(t)
	payload := fmt.Sprintf(`{
		"id": "evt_3",
		"object": "event",
		"api_version": "2022-11-15",
		"type": "setup_intent.succeeded",
		"created": %d,
		"data": {"object": {
			"id": "seti_9",
			"object": "setup_intent",
			"payment_method": {"id": "pm_42", "object": "payment_method"},
			"customer": {"id": "cus_7", "object": "customer"},
			"metadata": {"rental_id": "r-1"}
		}}
	}`, time.Now().Unix())

	req := httptest.NewRequest("POST", "/api/v1/webhooks/stripe", nil)
	req.Header.Set("Stripe-Signature", stripeSignature(payload, testWebhookSecret))

	ev, err := s.VerifyWebhook(req, []byte(payload))
	require.NoError(t, err)
	require.Equal(t, EventSetupSucceeded, ev.Type)
	require.Equal(t, "seti_9", ev.SetupIntentID)
	require.Equal(t, "pm_42", ev.PaymentMethodID)
	require.Equal(t, "cus_7", ev.CustomerID)
	require.Equal(t, "r-1", ev.RentalID)
}
