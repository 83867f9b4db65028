package payment

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// Sentinel errors surfaced by providers so callers can branch without
// inspecting provider-specific error types.
var (
	ErrInvalidSignature = errors.New("payment: invalid webhook signature")
	ErrCardDeclined     = errors.New("payment: card declined")
)

// SetupIntent is the handle returned when a card authorization is opened.
// ClientSecret is handed to the client so it can confirm the card there.
type SetupIntent struct {
	ID           string
	ClientSecret string
	CustomerID   string
}

// ChargeRequest captures an off-session charge against a saved card.
type ChargeRequest struct {
	CustomerID      string
	PaymentMethodID string
	AmountCents     int64
	Currency        string
	Description     string
	Metadata        map[string]string
}

// Charge is the outcome of a charge attempt.
type Charge struct {
	PaymentIntentID string
	AmountCents     int64
	Status          string
}

// SessionStatus is the normalised lifecycle state of a hosted payment session.
type SessionStatus string

const (
	SessionPending SessionStatus = "pending"
	SessionPaid    SessionStatus = "paid"
	SessionFailed  SessionStatus = "failed"
	SessionExpired SessionStatus = "expired"
)

// SessionRequest opens a hosted payment page for the QR flow.
type SessionRequest struct {
	Ref         string
	AmountCents int64
	Currency    string
	ProductName string
	SuccessURL  string
	CancelURL   string
	ExpiresAt   time.Time
	Metadata    map[string]string
}

// PaymentSession is the normalised view of a hosted payment session.
type PaymentSession struct {
	ID          string
	URL         string
	Status      SessionStatus
	AmountCents int64
	ExpiresAt   int64
	Metadata    map[string]string
}

// Webhook event types after normalisation.
const (
	EventSetupSucceeded    = "setup_intent.succeeded"
	EventChargeSucceeded   = "payment_intent.succeeded"
	EventChargeFailed      = "payment_intent.payment_failed"
	EventCheckoutCompleted = "checkout.session.completed"
)

// Event is the provider-agnostic webhook notification handed to the reconciler.
// Only the fields relevant to the event type are populated.
type Event struct {
	ID              string
	Type            string
	SetupIntentID   string
	PaymentIntentID string
	PaymentMethodID string
	CustomerID      string
	SessionID       string
	AmountCents     int64
	RentalID        string
	EndStationID    string
	ErrorMessage    string
}

// Provider abstracts the operations required from the upstream card processor.
type Provider interface {
	CreateCustomer(ctx context.Context, userID, email string) (string, error)
	CreateSetupIntent(ctx context.Context, customerID string, metadata map[string]string) (SetupIntent, error)
	ListPaymentMethods(ctx context.Context, customerID string) ([]string, error)
	Charge(ctx context.Context, req ChargeRequest) (Charge, error)
	CreatePaymentSession(ctx context.Context, req SessionRequest) (PaymentSession, error)
	GetPaymentSession(ctx context.Context, sessionID string) (PaymentSession, error)
	VerifyWebhook(r *http.Request, body []byte) (Event, error)
}
