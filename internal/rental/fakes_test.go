package rental

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/prometheus/client_golang/prometheus"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Kermitos690/chargeurs-ch-sub001/internal/lock"
	"github.com/Kermitos690/chargeurs-ch-sub001/internal/obs"
	"github.com/Kermitos690/chargeurs-ch-sub001/internal/payment"
	"github.com/Kermitos690/chargeurs-ch-sub001/internal/store"
)

func init() {
	obs.MustRegisterDomainMetrics("test", prometheus.NewRegistry())
}

func newUUID() pgtype.UUID {
	return pgtype.UUID{Bytes: uuid.New(), Valid: true}
}

// fakeStore is an in-memory stand-in mirroring the conditional-update
// semantics of the real store.
type fakeStore struct {
	mu        sync.Mutex
	rentals   map[string]store.Rental
	payments  []store.RentalPayment
	profiles  map[string]bool
	customers map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rentals:   make(map[string]store.Rental),
		profiles:  make(map[string]bool),
		customers: make(map[string]string),
	}
}

func (f *fakeStore) addProfile(userID pgtype.UUID, customerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := store.UUIDString(userID)
	f.profiles[key] = true
	if customerID != "" {
		f.customers[key] = customerID
	}
}

func (f *fakeStore) seedRental(r store.Rental) store.Rental {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !r.ID.Valid {
		r.ID = newUUID()
	}
	r.CreatedAt = pgtype.Timestamptz{Time: time.Now(), Valid: true}
	f.rentals[store.UUIDString(r.ID)] = r
	return r
}

func (f *fakeStore) CreateRental(_ context.Context, arg store.CreateRentalParams) (store.Rental, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := store.Rental{
		ID:             newUUID(),
		Ref:            arg.Ref,
		UserID:         arg.UserID,
		PowerBankID:    arg.PowerBankID,
		StartStationID: arg.StartStationID,
		Status:         store.RentalStatusPendingPayment,
		MaxAmountCents: arg.MaxAmountCents,
		SetupIntentID:  store.ToText(arg.SetupIntentID),
		CreatedAt:      pgtype.Timestamptz{Time: time.Now(), Valid: true},
	}
	f.rentals[store.UUIDString(r.ID)] = r
	return r, nil
}

func (f *fakeStore) GetRental(_ context.Context, id pgtype.UUID) (store.Rental, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rentals[store.UUIDString(id)]
	if !ok {
		return store.Rental{}, store.ErrNotFound
	}
	return r, nil
}

func (f *fakeStore) GetRentalByRef(_ context.Context, ref string) (store.Rental, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rentals {
		if r.Ref == ref {
			return r, nil
		}
	}
	return store.Rental{}, store.ErrNotFound
}

func (f *fakeStore) ActivateRental(_ context.Context, id pgtype.UUID, paymentMethodID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := store.UUIDString(id)
	r, ok := f.rentals[key]
	if !ok || r.Status != store.RentalStatusPendingPayment {
		return false, nil
	}
	r.Status = store.RentalStatusActive
	r.StartTime = pgtype.Timestamptz{Time: time.Now(), Valid: true}
	if paymentMethodID != "" {
		r.PaymentMethodID = store.ToText(paymentMethodID)
	}
	f.rentals[key] = r
	return true, nil
}

func (f *fakeStore) ActivateRentalBySetupIntent(_ context.Context, setupIntentID, paymentMethodID string) (store.Rental, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, r := range f.rentals {
		if store.TextString(r.SetupIntentID) != setupIntentID {
			continue
		}
		if r.Status != store.RentalStatusPendingPayment {
			return r, false, nil
		}
		r.Status = store.RentalStatusActive
		r.StartTime = pgtype.Timestamptz{Time: time.Now(), Valid: true}
		if paymentMethodID != "" {
			r.PaymentMethodID = store.ToText(paymentMethodID)
		}
		f.rentals[key] = r
		return r, true, nil
	}
	return store.Rental{}, false, store.ErrNotFound
}

func (f *fakeStore) CompleteRental(_ context.Context, arg store.CompleteRentalParams) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := store.UUIDString(arg.ID)
	r, ok := f.rentals[key]
	if !ok || r.Status != store.RentalStatusActive {
		return false, nil
	}
	r.Status = store.RentalStatusCompleted
	r.EndTime = pgtype.Timestamptz{Time: time.Now(), Valid: true}
	r.EndStationID = store.ToText(arg.EndStationID)
	r.FinalAmountCents = pgtype.Int8{Int64: arg.FinalAmountCents, Valid: true}
	r.PaymentIntentID = store.ToText(arg.PaymentIntentID)
	f.rentals[key] = r
	return true, nil
}

func (f *fakeStore) InsertRentalPayment(_ context.Context, arg store.InsertRentalPaymentParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.payments {
		if p.PaymentIntentID == arg.PaymentIntentID && p.Status == arg.Status {
			return nil
		}
	}
	f.payments = append(f.payments, store.RentalPayment{
		ID:              newUUID(),
		RentalID:        arg.RentalID,
		PaymentIntentID: arg.PaymentIntentID,
		AmountCents:     arg.AmountCents,
		Status:          arg.Status,
		ErrorMessage:    store.ToText(arg.ErrorMessage),
		CreatedAt:       pgtype.Timestamptz{Time: time.Now(), Valid: true},
	})
	return nil
}

func (f *fakeStore) ListRentalPayments(_ context.Context, rentalID pgtype.UUID) ([]store.RentalPayment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.RentalPayment
	for _, p := range f.payments {
		if store.UUIDString(p.RentalID) == store.UUIDString(rentalID) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeStore) GetCustomerID(_ context.Context, userID pgtype.UUID) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := store.UUIDString(userID)
	if !f.profiles[key] {
		return "", store.ErrNotFound
	}
	return f.customers[key], nil
}

func (f *fakeStore) SetCustomerID(_ context.Context, userID pgtype.UUID, customerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := store.UUIDString(userID)
	if !f.profiles[key] {
		return store.ErrNotFound
	}
	if f.customers[key] == "" {
		f.customers[key] = customerID
	}
	return nil
}

// fakeProvider records provider calls and plays back configured results.
type fakeProvider struct {
	mu                  sync.Mutex
	createCustomerCalls int
	chargeCalls         int
	chargeErr           error
	declinedIntentID    string
	methods             []string
	session             payment.PaymentSession
	sessionErr          error
}

func (f *fakeProvider) CreateCustomer(context.Context, string, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCustomerCalls++
	return fmt.Sprintf("cus_%d", f.createCustomerCalls), nil
}

func (f *fakeProvider) CreateSetupIntent(_ context.Context, customerID string, _ map[string]string) (payment.SetupIntent, error) {
	return payment.SetupIntent{ID: "seti_" + customerID, ClientSecret: "secret_" + customerID, CustomerID: customerID}, nil
}

func (f *fakeProvider) ListPaymentMethods(context.Context, string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.methods, nil
}

func (f *fakeProvider) Charge(_ context.Context, req payment.ChargeRequest) (payment.Charge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chargeCalls++
	if f.chargeErr != nil {
		return payment.Charge{PaymentIntentID: f.declinedIntentID, AmountCents: req.AmountCents, Status: "failed"}, f.chargeErr
	}
	return payment.Charge{
		PaymentIntentID: fmt.Sprintf("pi_%d", f.chargeCalls),
		AmountCents:     req.AmountCents,
		Status:          "succeeded",
	}, nil
}

func (f *fakeProvider) CreatePaymentSession(_ context.Context, req payment.SessionRequest) (payment.PaymentSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sessionErr != nil {
		return payment.PaymentSession{}, f.sessionErr
	}
	if f.session.ID == "" {
		f.session = payment.PaymentSession{
			ID:          "cs_test_1",
			URL:         "https://pay.example.test/cs_test_1",
			Status:      payment.SessionPending,
			AmountCents: req.AmountCents,
			ExpiresAt:   req.ExpiresAt.Unix(),
			Metadata:    req.Metadata,
		}
	}
	return f.session, nil
}

func (f *fakeProvider) GetPaymentSession(context.Context, string) (payment.PaymentSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.session, f.sessionErr
}

// VerifyWebhook treats the body as a pre-normalised event; the header value
// "invalid" simulates a signature failure.
func (f *fakeProvider) VerifyWebhook(r *http.Request, body []byte) (payment.Event, error) {
	if r.Header.Get("Stripe-Signature") == "invalid" {
		return payment.Event{}, payment.ErrInvalidSignature
	}
	var ev payment.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return payment.Event{}, fmt.Errorf("%w: %v", payment.ErrInvalidSignature, err)
	}
	return ev, nil
}

func newTestService(t *testing.T) (*Service, *fakeStore, *fakeProvider) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	st := newFakeStore()
	pv := &fakeProvider{}
	svc := &Service{
		Store:          st,
		Provider:       pv,
		Locks:          lock.Locker{R: rdb, RetryBackoff: time.Millisecond},
		Logger:         zerolog.Nop(),
		Currency:       "chf",
		PublicBaseURL:  "https://app.example.test",
		QRSessionTTL:   5 * time.Minute,
		QRPollInterval: 3 * time.Second,
		LockTTL:        time.Second,
	}
	return svc, st, pv
}
