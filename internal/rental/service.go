package rental

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/rs/zerolog"

	"github.com/Kermitos690/chargeurs-ch-sub001/internal/common"
	"github.com/Kermitos690/chargeurs-ch-sub001/internal/events"
	"github.com/Kermitos690/chargeurs-ch-sub001/internal/lock"
	"github.com/Kermitos690/chargeurs-ch-sub001/internal/obs"
	"github.com/Kermitos690/chargeurs-ch-sub001/internal/payment"
	"github.com/Kermitos690/chargeurs-ch-sub001/internal/store"
)

// Sentinel errors surfaced by the session manager so handlers can map them to
// the right HTTP responses without parsing messages.
var (
	ErrAlreadyFinalized           = errors.New("rental: already finalized")
	ErrInvalidState               = errors.New("rental: invalid state for transition")
	ErrAmountExceedsAuthorization = errors.New("rental: final amount exceeds authorized maximum")
	ErrNoPaymentMethod            = errors.New("rental: no stored payment method")
)

// Store is the slice of the persistence layer the session manager depends on.
type Store interface {
	CreateRental(ctx context.Context, arg store.CreateRentalParams) (store.Rental, error)
	GetRental(ctx context.Context, id pgtype.UUID) (store.Rental, error)
	GetRentalByRef(ctx context.Context, ref string) (store.Rental, error)
	ActivateRental(ctx context.Context, id pgtype.UUID, paymentMethodID string) (bool, error)
	CompleteRental(ctx context.Context, arg store.CompleteRentalParams) (bool, error)
	InsertRentalPayment(ctx context.Context, arg store.InsertRentalPaymentParams) error
	ListRentalPayments(ctx context.Context, rentalID pgtype.UUID) ([]store.RentalPayment, error)
	GetCustomerID(ctx context.Context, userID pgtype.UUID) (string, error)
	SetCustomerID(ctx context.Context, userID pgtype.UUID, customerID string) error
}

// Service orchestrates the rental payment state machine against the payment
// provider and the store.
type Service struct {
	Store    Store
	Provider payment.Provider
	Events   *events.Bus
	Locks    lock.Locker
	Logger   zerolog.Logger

	Currency       string
	PublicBaseURL  string
	QRSessionTTL   time.Duration
	QRPollInterval time.Duration
	LockTTL        time.Duration
}

// StartParams opens a rental: a card hold is created before the powerbank is
// released.
type StartParams struct {
	UserID      string
	Email       string
	PowerBankID string
	StationID   string
	MaxAmount   float64
}

// StartResult carries everything the client needs to confirm the hold with
// the provider SDK.
type StartResult struct {
	RentalID      string
	RentalRef     string
	SetupIntentID string
	ClientSecret  string
}

// Start creates the provider customer if absent, opens a setup intent, and
// inserts the rental in pending_payment. No funds move here; the client
// confirms the hold with the provider SDK and the webhook reconciler applies
// the activation.
func (s *Service) Start(ctx context.Context, arg StartParams) (StartResult, error) {
	if arg.MaxAmount <= 0 {
		return StartResult{}, common.NewAppError("VALIDATION", "maxAmount must be positive", 400, nil)
	}
	userID, err := store.ToUUID(arg.UserID)
	if err != nil {
		return StartResult{}, common.NewAppError("VALIDATION", "invalid userId", 400, err)
	}

	customerID, err := s.ensureCustomer(ctx, userID, arg.Email)
	if err != nil {
		obs.RentalStartTotal.WithLabelValues("error").Inc()
		return StartResult{}, err
	}

	si, err := s.Provider.CreateSetupIntent(ctx, customerID, map[string]string{
		"user_id":       arg.UserID,
		"power_bank_id": arg.PowerBankID,
	})
	if err != nil {
		obs.RentalStartTotal.WithLabelValues("provider_error").Inc()
		return StartResult{}, fmt.Errorf("create hold: %w", err)
	}

	rental, err := s.Store.CreateRental(ctx, store.CreateRentalParams{
		Ref:            NewRef(),
		UserID:         userID,
		PowerBankID:    arg.PowerBankID,
		StartStationID: arg.StationID,
		MaxAmountCents: common.ToCents(arg.MaxAmount),
		SetupIntentID:  si.ID,
	})
	if err != nil {
		obs.RentalStartTotal.WithLabelValues("store_error").Inc()
		return StartResult{}, fmt.Errorf("insert rental: %w", err)
	}

	obs.RentalStartTotal.WithLabelValues("ok").Inc()
	s.Logger.Info().
		Str("rental_id", store.UUIDString(rental.ID)).
		Str("ref", rental.Ref).
		Str("setup_intent_id", si.ID).
		Msg("rental opened")
	return StartResult{
		RentalID:      store.UUIDString(rental.ID),
		RentalRef:     rental.Ref,
		SetupIntentID: si.ID,
		ClientSecret:  si.ClientSecret,
	}, nil
}

// ensureCustomer returns the user's provider customer id, creating and
// caching it on first use. The store write is first-write-wins, so two
// concurrent starts for a fresh user converge on one id.
func (s *Service) ensureCustomer(ctx context.Context, userID pgtype.UUID, email string) (string, error) {
	customerID, err := s.Store.GetCustomerID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", common.NewAppError("USER_NOT_FOUND", "unknown user", 404, err)
		}
		return "", fmt.Errorf("lookup customer: %w", err)
	}
	if customerID != "" {
		return customerID, nil
	}
	created, err := s.Provider.CreateCustomer(ctx, store.UUIDString(userID), email)
	if err != nil {
		return "", fmt.Errorf("create customer: %w", err)
	}
	if err := s.Store.SetCustomerID(ctx, userID, created); err != nil {
		return "", fmt.Errorf("cache customer id: %w", err)
	}
	// Re-read in case a concurrent start won the first write.
	customerID, err = s.Store.GetCustomerID(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("reload customer id: %w", err)
	}
	return customerID, nil
}

// FinalizeParams closes a rental at return time.
type FinalizeParams struct {
	RentalID     string
	EndStationID string
	FinalAmount  float64
}

// FinalizeResult is the synchronous settlement outcome.
type FinalizeResult struct {
	PaymentIntentID string
	Amount          float64
	Rental          store.Rental
}

// Finalize charges the stored card for the final amount and applies the
// active -> completed transition. A per-rental lock keeps a concurrent retry
// from racing past the status guard while the first charge is in flight; the
// conditional update in the store is the backstop against the webhook path.
func (s *Service) Finalize(ctx context.Context, arg FinalizeParams) (FinalizeResult, error) {
	rentalID, err := store.ToUUID(arg.RentalID)
	if err != nil {
		return FinalizeResult{}, common.NewAppError("VALIDATION", "invalid rentalId", 400, err)
	}

	var result FinalizeResult
	lockKey := "rental:finalize:" + store.UUIDString(rentalID)
	err = s.Locks.WithLock(ctx, lockKey, s.LockTTL, func(ctx context.Context) error {
		var lockedErr error
		result, lockedErr = s.finalizeLocked(ctx, rentalID, arg)
		return lockedErr
	})
	return result, err
}

func (s *Service) finalizeLocked(ctx context.Context, rentalID pgtype.UUID, arg FinalizeParams) (FinalizeResult, error) {
	rental, err := s.Store.GetRental(ctx, rentalID)
	if err != nil {
		return FinalizeResult{}, err
	}
	switch rental.Status {
	case store.RentalStatusCompleted:
		obs.RentalFinalizeTotal.WithLabelValues("already_processed").Inc()
		return FinalizeResult{Rental: rental}, ErrAlreadyFinalized
	case store.RentalStatusActive:
	default:
		obs.RentalFinalizeTotal.WithLabelValues("invalid_state").Inc()
		return FinalizeResult{}, fmt.Errorf("%w: rental is %s", ErrInvalidState, rental.Status)
	}

	finalCents := common.ToCents(arg.FinalAmount)
	if finalCents > rental.MaxAmountCents {
		obs.RentalFinalizeTotal.WithLabelValues("cap_exceeded").Inc()
		return FinalizeResult{}, fmt.Errorf("%w: %d > %d centimes",
			ErrAmountExceedsAuthorization, finalCents, rental.MaxAmountCents)
	}

	customerID, methodID, err := s.resolvePaymentMethod(ctx, rental)
	if err != nil {
		obs.RentalFinalizeTotal.WithLabelValues("no_payment_method").Inc()
		return FinalizeResult{}, err
	}

	charge, err := s.Provider.Charge(ctx, payment.ChargeRequest{
		CustomerID:      customerID,
		PaymentMethodID: methodID,
		AmountCents:     finalCents,
		Currency:        s.Currency,
		Description:     "Location powerbank " + rental.Ref,
		Metadata: map[string]string{
			"rental_id":      store.UUIDString(rental.ID),
			"end_station_id": arg.EndStationID,
		},
	})
	if err != nil {
		// The rental stays active; the caller may retry. The decline is still
		// recorded on the ledger when the provider allocated an intent.
		if charge.PaymentIntentID != "" {
			_ = s.Store.InsertRentalPayment(ctx, store.InsertRentalPaymentParams{
				RentalID:        rental.ID,
				PaymentIntentID: charge.PaymentIntentID,
				AmountCents:     finalCents,
				Status:          store.PaymentStatusFailed,
				ErrorMessage:    err.Error(),
			})
		}
		obs.RentalFinalizeTotal.WithLabelValues("charge_failed").Inc()
		return FinalizeResult{}, fmt.Errorf("charge: %w", err)
	}

	applied, err := s.Store.CompleteRental(ctx, store.CompleteRentalParams{
		ID:               rental.ID,
		EndStationID:     arg.EndStationID,
		FinalAmountCents: finalCents,
		PaymentIntentID:  charge.PaymentIntentID,
	})
	if err != nil {
		return FinalizeResult{}, fmt.Errorf("complete rental: %w", err)
	}
	if err := s.Store.InsertRentalPayment(ctx, store.InsertRentalPaymentParams{
		RentalID:        rental.ID,
		PaymentIntentID: charge.PaymentIntentID,
		AmountCents:     finalCents,
		Status:          store.PaymentStatusSucceeded,
	}); err != nil {
		s.Logger.Error().Err(err).Str("rental_id", store.UUIDString(rental.ID)).Msg("ledger append failed")
	}

	updated, err := s.Store.GetRental(ctx, rental.ID)
	if err != nil {
		return FinalizeResult{}, err
	}
	if applied && s.Events != nil {
		_, _ = s.Events.Emit(ctx, events.TopicRentalCompleted, rental.ID, map[string]any{
			"rentalId":        store.UUIDString(rental.ID),
			"ref":             rental.Ref,
			"paymentIntentId": charge.PaymentIntentID,
			"finalAmount":     common.FromCents(finalCents),
		})
	}
	obs.RentalFinalizeTotal.WithLabelValues("ok").Inc()
	return FinalizeResult{
		PaymentIntentID: charge.PaymentIntentID,
		Amount:          common.FromCents(finalCents),
		Rental:          updated,
	}, nil
}

// resolvePaymentMethod prefers the method confirmed at activation and falls
// back to the customer's saved cards.
func (s *Service) resolvePaymentMethod(ctx context.Context, rental store.Rental) (string, string, error) {
	customerID, err := s.Store.GetCustomerID(ctx, rental.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", "", ErrNoPaymentMethod
		}
		return "", "", fmt.Errorf("lookup customer: %w", err)
	}
	if customerID == "" {
		return "", "", ErrNoPaymentMethod
	}
	if methodID := store.TextString(rental.PaymentMethodID); methodID != "" {
		return customerID, methodID, nil
	}
	methods, err := s.Provider.ListPaymentMethods(ctx, customerID)
	if err != nil {
		return "", "", fmt.Errorf("list payment methods: %w", err)
	}
	if len(methods) == 0 {
		return "", "", ErrNoPaymentMethod
	}
	return customerID, methods[0], nil
}

// Get returns a rental with its settlement ledger. Lookups accept the rental
// id or the human-readable reference handed out at start.
func (s *Service) Get(ctx context.Context, id string) (store.Rental, []store.RentalPayment, error) {
	var (
		rental store.Rental
		err    error
	)
	if rentalID, uuidErr := store.ToUUID(id); uuidErr == nil {
		rental, err = s.Store.GetRental(ctx, rentalID)
	} else if strings.HasPrefix(id, "RNT-") {
		rental, err = s.Store.GetRentalByRef(ctx, id)
	} else {
		return store.Rental{}, nil, common.NewAppError("VALIDATION", "invalid rentalId", 400, uuidErr)
	}
	if err != nil {
		return store.Rental{}, nil, err
	}
	payments, err := s.Store.ListRentalPayments(ctx, rental.ID)
	if err != nil {
		return store.Rental{}, nil, err
	}
	return rental, payments, nil
}

// QRSessionParams opens a provider-hosted payment page for the QR flow.
type QRSessionParams struct {
	UserID      string
	Amount      float64
	Description string
	ExpiresIn   time.Duration
	Metadata    map[string]string
}

// QRSessionResult is handed back to the client for display. PollInterval
// tells the client how often to call the status endpoint.
type QRSessionResult struct {
	SessionID    string
	URL          string
	QRCodeURL    string
	ExpiresAt    int64
	PollInterval time.Duration
}

// CreateQRSession opens the alternate checkout path: a hosted payment page
// wrapped in a QR image, bounded by a configurable expiry.
func (s *Service) CreateQRSession(ctx context.Context, arg QRSessionParams) (QRSessionResult, error) {
	if arg.Amount <= 0 {
		return QRSessionResult{}, common.NewAppError("VALIDATION", "amount must be positive", 400, nil)
	}
	ttl := arg.ExpiresIn
	if ttl <= 0 {
		ttl = s.QRSessionTTL
	}
	description := strings.TrimSpace(arg.Description)
	if description == "" {
		description = "Location powerbank"
	}
	expiresAt := time.Now().Add(ttl)
	sess, err := s.Provider.CreatePaymentSession(ctx, payment.SessionRequest{
		AmountCents: common.ToCents(arg.Amount),
		Currency:    s.Currency,
		ProductName: description,
		SuccessURL:  s.PublicBaseURL + "/rental/paiement-reussi",
		CancelURL:   s.PublicBaseURL + "/rental/paiement-annule",
		ExpiresAt:   expiresAt,
		Metadata:    arg.Metadata,
	})
	if err != nil {
		return QRSessionResult{}, fmt.Errorf("create payment session: %w", err)
	}
	if sess.ExpiresAt == 0 {
		sess.ExpiresAt = expiresAt.Unix()
	}
	pollInterval := s.QRPollInterval
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}
	return QRSessionResult{
		SessionID:    sess.ID,
		URL:          sess.URL,
		QRCodeURL:    qrImageURL(sess.URL),
		ExpiresAt:    sess.ExpiresAt,
		PollInterval: pollInterval,
	}, nil
}

func qrImageURL(target string) string {
	return "https://api.qrserver.com/v1/create-qr-code/?size=300x300&data=" + url.QueryEscape(target)
}

// QRStatus is the normalised poll response for a QR payment session.
type QRStatus struct {
	Status         payment.SessionStatus
	PaymentDetails map[string]any
}

// CheckQRSession polls the provider for the session state. A paid session
// carrying a rental id activates the rental; the conditional update keeps the
// poll loop and the webhook path from double-applying the transition.
func (s *Service) CheckQRSession(ctx context.Context, sessionID string) (QRStatus, error) {
	sess, err := s.Provider.GetPaymentSession(ctx, sessionID)
	if err != nil {
		return QRStatus{}, fmt.Errorf("get payment session: %w", err)
	}
	status := sess.Status
	if status == payment.SessionPending && sess.ExpiresAt > 0 && time.Now().Unix() > sess.ExpiresAt {
		status = payment.SessionExpired
	}

	if status == payment.SessionPaid {
		if ref := sess.Metadata["rental_id"]; ref != "" {
			if rentalID, err := store.ToUUID(ref); err == nil {
				applied, err := s.Store.ActivateRental(ctx, rentalID, "")
				if err != nil {
					return QRStatus{}, fmt.Errorf("activate rental: %w", err)
				}
				if applied && s.Events != nil {
					_, _ = s.Events.Emit(ctx, events.TopicRentalActivated, rentalID, map[string]any{
						"rentalId": ref,
						"source":   "qr_session",
					})
				}
			} else {
				s.Logger.Warn().Str("session_id", sessionID).Str("rental_id", ref).Msg("qr session carries invalid rental id")
			}
		}
	}

	obs.QRSessionTotal.WithLabelValues(string(status)).Inc()
	details := map[string]any{
		"sessionId": sess.ID,
		"amount":    common.FromCents(sess.AmountCents),
	}
	if ref := sess.Metadata["rental_id"]; ref != "" {
		details["rentalId"] = ref
	}
	return QRStatus{Status: status, PaymentDetails: details}, nil
}
