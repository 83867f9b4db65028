package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/client"
	"github.com/stripe/stripe-go/v74/webhook"
)

// Stripe implements Provider on top of the Stripe API.
type Stripe struct {
	api           *client.API
	webhookSecret string
	currency      string
}

// NewStripe builds a Stripe provider. Both keys are mandatory: webhook
// verification must never be skipped, so a missing secret is a
// configuration error rather than a degraded mode.
func NewStripe(secretKey, webhookSecret, currency string) (*Stripe, error) {
	if strings.TrimSpace(secretKey) == "" {
		return nil, errors.New("payment: stripe secret key is required")
	}
	if strings.TrimSpace(webhookSecret) == "" {
		return nil, errors.New("payment: stripe webhook secret is required")
	}
	api := &client.API{}
	api.Init(secretKey, nil)
	return &Stripe{api: api, webhookSecret: webhookSecret, currency: strings.ToLower(currency)}, nil
}

// CreateCustomer registers the user with Stripe and returns the customer id.
func (s *Stripe) CreateCustomer(ctx context.Context, userID, email string) (string, error) {
	params := &stripe.CustomerParams{
		Params: stripe.Params{Context: ctx},
		Email:  stripe.String(email),
	}
	params.AddMetadata("user_id", userID)
	cus, err := s.api.Customers.New(params)
	if err != nil {
		return "", fmt.Errorf("payment: create customer: %w", err)
	}
	return cus.ID, nil
}

// CreateSetupIntent opens a card authorization usable for later off-session
// charges. No funds move at this point.
func (s *Stripe) CreateSetupIntent(ctx context.Context, customerID string, metadata map[string]string) (SetupIntent, error) {
	params := &stripe.SetupIntentParams{
		Params:             stripe.Params{Context: ctx},
		Customer:           stripe.String(customerID),
		Usage:              stripe.String(string(stripe.SetupIntentUsageOffSession)),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
	}
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	si, err := s.api.SetupIntents.New(params)
	if err != nil {
		return SetupIntent{}, fmt.Errorf("payment: create setup intent: %w", err)
	}
	return SetupIntent{ID: si.ID, ClientSecret: si.ClientSecret, CustomerID: customerID}, nil
}

// ListPaymentMethods returns the ids of the customer's saved cards, most
// recently added first.
func (s *Stripe) ListPaymentMethods(ctx context.Context, customerID string) ([]string, error) {
	params := &stripe.PaymentMethodListParams{
		Customer: stripe.String(customerID),
		Type:     stripe.String(string(stripe.PaymentMethodTypeCard)),
	}
	params.Context = ctx
	var ids []string
	it := s.api.PaymentMethods.List(params)
	for it.Next() {
		ids = append(ids, it.PaymentMethod().ID)
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("payment: list payment methods: %w", err)
	}
	return ids, nil
}

// Charge performs an immediate off-session charge against a saved card.
// A decline is reported as ErrCardDeclined with the payment intent id
// preserved when the provider allocated one.
func (s *Stripe) Charge(ctx context.Context, req ChargeRequest) (Charge, error) {
	currency := req.Currency
	if currency == "" {
		currency = s.currency
	}
	params := &stripe.PaymentIntentParams{
		Params:        stripe.Params{Context: ctx},
		Amount:        stripe.Int64(req.AmountCents),
		Currency:      stripe.String(currency),
		Customer:      stripe.String(req.CustomerID),
		PaymentMethod: stripe.String(req.PaymentMethodID),
		OffSession:    stripe.Bool(true),
		Confirm:       stripe.Bool(true),
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		var sErr *stripe.Error
		if errors.As(err, &sErr) && sErr.Type == stripe.ErrorTypeCard {
			ch := Charge{AmountCents: req.AmountCents, Status: "failed"}
			if sErr.PaymentIntent != nil {
				ch.PaymentIntentID = sErr.PaymentIntent.ID
			}
			return ch, fmt.Errorf("%w: %s", ErrCardDeclined, sErr.Msg)
		}
		return Charge{}, fmt.Errorf("payment: charge: %w", err)
	}
	return Charge{PaymentIntentID: pi.ID, AmountCents: pi.Amount, Status: string(pi.Status)}, nil
}

// CreatePaymentSession opens a hosted checkout page for the QR flow.
func (s *Stripe) CreatePaymentSession(ctx context.Context, req SessionRequest) (PaymentSession, error) {
	currency := req.Currency
	if currency == "" {
		currency = s.currency
	}
	params := &stripe.CheckoutSessionParams{
		Params:     stripe.Params{Context: ctx},
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Quantity: stripe.Int64(1),
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(currency),
					UnitAmount: stripe.Int64(req.AmountCents),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(req.ProductName),
					},
				},
			},
		},
	}
	if !req.ExpiresAt.IsZero() {
		params.ExpiresAt = stripe.Int64(req.ExpiresAt.Unix())
	}
	if req.Ref != "" {
		params.ClientReferenceID = stripe.String(req.Ref)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	sess, err := s.api.CheckoutSessions.New(params)
	if err != nil {
		return PaymentSession{}, fmt.Errorf("payment: create payment session: %w", err)
	}
	return PaymentSession{
		ID:          sess.ID,
		URL:         sess.URL,
		Status:      normaliseSessionStatus(sess),
		AmountCents: req.AmountCents,
		ExpiresAt:   sess.ExpiresAt,
		Metadata:    req.Metadata,
	}, nil
}

// GetPaymentSession fetches the current state of a hosted checkout page.
func (s *Stripe) GetPaymentSession(ctx context.Context, sessionID string) (PaymentSession, error) {
	params := &stripe.CheckoutSessionParams{Params: stripe.Params{Context: ctx}}
	sess, err := s.api.CheckoutSessions.Get(sessionID, params)
	if err != nil {
		return PaymentSession{}, fmt.Errorf("payment: get payment session: %w", err)
	}
	return PaymentSession{
		ID:          sess.ID,
		URL:         sess.URL,
		Status:      normaliseSessionStatus(sess),
		AmountCents: sess.AmountTotal,
		ExpiresAt:   sess.ExpiresAt,
		Metadata:    sess.Metadata,
	}, nil
}

func normaliseSessionStatus(sess *stripe.CheckoutSession) SessionStatus {
	if sess.Status == stripe.CheckoutSessionStatusExpired {
		return SessionExpired
	}
	if sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid {
		return SessionPaid
	}
	return SessionPending
}

// VerifyWebhook checks the Stripe-Signature header against the raw body and
// normalises the notification. Any verification or parse failure is reported
// as ErrInvalidSignature so the caller rejects the delivery outright.
func (s *Stripe) VerifyWebhook(r *http.Request, body []byte) (Event, error) {
	sig := r.Header.Get("Stripe-Signature")
	ev, err := webhook.ConstructEvent(body, sig, s.webhookSecret)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return normaliseEvent(ev)
}

func normaliseEvent(ev stripe.Event) (Event, error) {
	out := Event{ID: ev.ID, Type: string(ev.Type)}
	switch out.Type {
	case EventSetupSucceeded:
		var si stripe.SetupIntent
		if err := json.Unmarshal(ev.Data.Raw, &si); err != nil {
			return Event{}, fmt.Errorf("payment: decode setup intent event: %w", err)
		}
		out.SetupIntentID = si.ID
		if si.PaymentMethod != nil {
			out.PaymentMethodID = si.PaymentMethod.ID
		}
		if si.Customer != nil {
			out.CustomerID = si.Customer.ID
		}
		out.RentalID = si.Metadata["rental_id"]
	case EventChargeSucceeded, EventChargeFailed:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(ev.Data.Raw, &pi); err != nil {
			return Event{}, fmt.Errorf("payment: decode payment intent event: %w", err)
		}
		out.PaymentIntentID = pi.ID
		out.AmountCents = pi.Amount
		if pi.Customer != nil {
			out.CustomerID = pi.Customer.ID
		}
		out.RentalID = pi.Metadata["rental_id"]
		out.EndStationID = pi.Metadata["end_station_id"]
		if pi.LastPaymentError != nil {
			out.ErrorMessage = pi.LastPaymentError.Msg
		}
	case EventCheckoutCompleted:
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(ev.Data.Raw, &sess); err != nil {
			return Event{}, fmt.Errorf("payment: decode checkout session event: %w", err)
		}
		out.SessionID = sess.ID
		out.AmountCents = sess.AmountTotal
		out.RentalID = sess.Metadata["rental_id"]
	}
	return out, nil
}
