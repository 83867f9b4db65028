package rental

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Kermitos690/chargeurs-ch-sub001/internal/common"
	"github.com/Kermitos690/chargeurs-ch-sub001/internal/events"
	"github.com/Kermitos690/chargeurs-ch-sub001/internal/obs"
	"github.com/Kermitos690/chargeurs-ch-sub001/internal/payment"
	"github.com/Kermitos690/chargeurs-ch-sub001/internal/store"
)

// WebhookStore is the slice of the persistence layer the reconciler uses.
type WebhookStore interface {
	GetRental(ctx context.Context, id pgtype.UUID) (store.Rental, error)
	ActivateRental(ctx context.Context, id pgtype.UUID, paymentMethodID string) (bool, error)
	ActivateRentalBySetupIntent(ctx context.Context, setupIntentID, paymentMethodID string) (store.Rental, bool, error)
	CompleteRental(ctx context.Context, arg store.CompleteRentalParams) (bool, error)
	InsertRentalPayment(ctx context.Context, arg store.InsertRentalPaymentParams) error
}

// Webhook applies provider events as the asynchronous confirmation path. Every
// handler is idempotent: the provider delivers at least once and out of order,
// so the conditional updates in the store decide which writer wins.
type Webhook struct {
	Store     WebhookStore
	Provider  payment.Provider
	Events    *events.Bus
	Replay    *redis.Client
	ReplayTTL time.Duration
	Logger    zerolog.Logger
}

// Handle processes one webhook delivery.
func (h Webhook) Handle(w http.ResponseWriter, r *http.Request) {
	if h.Store == nil || h.Provider == nil {
		common.JSONError(w, http.StatusInternalServerError, "WEBHOOK_NOT_CONFIGURED", "webhook unavailable", nil)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "INVALID_BODY", "unable to read payload", nil)
		return
	}
	event, err := h.Provider.VerifyWebhook(r, body)
	if err != nil {
		obs.PaymentWebhookTotal.WithLabelValues("unknown", "invalid_signature").Inc()
		common.JSONError(w, http.StatusBadRequest, "INVALID_SIGNATURE", "signature verification failed", nil)
		return
	}

	ctx := r.Context()
	if h.Replay != nil && h.ReplayTTL > 0 && event.ID != "" {
		fresh, err := h.Replay.SetNX(ctx, "wh:stripe:"+event.ID, "1", h.ReplayTTL).Result()
		if err != nil {
			// The conditional store updates make redelivery safe, so a replay
			// cache outage degrades to processing rather than dropping events.
			h.Logger.Warn().Err(err).Str("event_id", event.ID).Msg("replay guard unavailable")
		} else if !fresh {
			obs.PaymentWebhookTotal.WithLabelValues(event.Type, "duplicate").Inc()
			common.JSON(w, http.StatusOK, map[string]any{"received": true})
			return
		}
	}

	if err := h.apply(ctx, event); err != nil {
		obs.PaymentWebhookTotal.WithLabelValues(event.Type, "error").Inc()
		h.Logger.Error().Err(err).Str("event_id", event.ID).Str("type", event.Type).Msg("webhook processing failed")
		common.JSONError(w, http.StatusInternalServerError, "WEBHOOK_ERROR", err.Error(), nil)
		return
	}
	obs.PaymentWebhookTotal.WithLabelValues(event.Type, "ok").Inc()
	common.JSON(w, http.StatusOK, map[string]any{"received": true})
}

func (h Webhook) apply(ctx context.Context, event payment.Event) error {
	switch event.Type {
	case payment.EventSetupSucceeded:
		return h.applySetupSucceeded(ctx, event)
	case payment.EventChargeSucceeded:
		return h.applyChargeSucceeded(ctx, event)
	case payment.EventChargeFailed:
		return h.applyChargeFailed(ctx, event)
	case payment.EventCheckoutCompleted:
		return h.applyCheckoutCompleted(ctx, event)
	default:
		h.Logger.Debug().Str("type", event.Type).Msg("ignoring webhook event")
		return nil
	}
}

// applySetupSucceeded confirms the card hold: pending_payment -> active,
// matched by the stored setup-intent reference.
func (h Webhook) applySetupSucceeded(ctx context.Context, event payment.Event) error {
	if event.SetupIntentID == "" {
		return errors.New("setup event without setup intent id")
	}
	rental, applied, err := h.Store.ActivateRentalBySetupIntent(ctx, event.SetupIntentID, event.PaymentMethodID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Unknown setup intent: either a foreign event or the rental was
			// swept. Acknowledge so the provider stops retrying.
			h.Logger.Warn().Str("setup_intent_id", event.SetupIntentID).Msg("no rental for setup intent")
			return nil
		}
		return err
	}
	if applied && h.Events != nil {
		_, _ = h.Events.Emit(ctx, events.TopicRentalActivated, rental.ID, map[string]any{
			"rentalId": store.UUIDString(rental.ID),
			"ref":      rental.Ref,
			"source":   "webhook",
		})
	}
	return nil
}

// applyChargeSucceeded appends the settlement to the ledger and heals the
// rental when the synchronous finalize call never landed.
func (h Webhook) applyChargeSucceeded(ctx context.Context, event payment.Event) error {
	if event.RentalID == "" {
		h.Logger.Warn().Str("payment_intent_id", event.PaymentIntentID).Msg("charge event without rental metadata")
		return nil
	}
	rentalID, err := store.ToUUID(event.RentalID)
	if err != nil {
		h.Logger.Warn().Str("rental_id", event.RentalID).Msg("charge event with invalid rental id")
		return nil
	}
	rental, err := h.Store.GetRental(ctx, rentalID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.Logger.Warn().Str("rental_id", event.RentalID).Msg("charge event for unknown rental")
			return nil
		}
		return err
	}
	if err := h.Store.InsertRentalPayment(ctx, store.InsertRentalPaymentParams{
		RentalID:        rental.ID,
		PaymentIntentID: event.PaymentIntentID,
		AmountCents:     event.AmountCents,
		Status:          store.PaymentStatusSucceeded,
	}); err != nil {
		return err
	}
	if rental.Status != store.RentalStatusActive {
		return nil
	}
	applied, err := h.Store.CompleteRental(ctx, store.CompleteRentalParams{
		ID:               rental.ID,
		EndStationID:     event.EndStationID,
		FinalAmountCents: event.AmountCents,
		PaymentIntentID:  event.PaymentIntentID,
	})
	if err != nil {
		return err
	}
	if applied {
		h.Logger.Info().Str("rental_id", event.RentalID).Msg("rental healed from webhook")
		if h.Events != nil {
			_, _ = h.Events.Emit(ctx, events.TopicRentalCompleted, rental.ID, map[string]any{
				"rentalId":        event.RentalID,
				"paymentIntentId": event.PaymentIntentID,
				"finalAmount":     common.FromCents(event.AmountCents),
				"source":          "webhook",
			})
		}
	}
	return nil
}

// applyChargeFailed records the failed attempt. The rental status is never
// reverted: a failure event arriving after a successful finalize is only an
// audit entry.
func (h Webhook) applyChargeFailed(ctx context.Context, event payment.Event) error {
	if event.RentalID == "" {
		h.Logger.Warn().Str("payment_intent_id", event.PaymentIntentID).Msg("failed-charge event without rental metadata")
		return nil
	}
	rentalID, err := store.ToUUID(event.RentalID)
	if err != nil {
		h.Logger.Warn().Str("rental_id", event.RentalID).Msg("failed-charge event with invalid rental id")
		return nil
	}
	rental, err := h.Store.GetRental(ctx, rentalID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if err := h.Store.InsertRentalPayment(ctx, store.InsertRentalPaymentParams{
		RentalID:        rental.ID,
		PaymentIntentID: event.PaymentIntentID,
		AmountCents:     event.AmountCents,
		Status:          store.PaymentStatusFailed,
		ErrorMessage:    event.ErrorMessage,
	}); err != nil {
		return err
	}
	if h.Events != nil {
		_, _ = h.Events.Emit(ctx, events.TopicRentalPaymentFailed, rental.ID, map[string]any{
			"rentalId":        event.RentalID,
			"paymentIntentId": event.PaymentIntentID,
			"error":           event.ErrorMessage,
		})
	}
	return nil
}

// applyCheckoutCompleted activates a rental paid through the QR checkout path.
func (h Webhook) applyCheckoutCompleted(ctx context.Context, event payment.Event) error {
	if event.RentalID == "" {
		return nil
	}
	rentalID, err := store.ToUUID(event.RentalID)
	if err != nil {
		h.Logger.Warn().Str("rental_id", event.RentalID).Msg("checkout event with invalid rental id")
		return nil
	}
	applied, err := h.Store.ActivateRental(ctx, rentalID, "")
	if err != nil {
		return err
	}
	if applied && h.Events != nil {
		_, _ = h.Events.Emit(ctx, events.TopicRentalActivated, rentalID, map[string]any{
			"rentalId": event.RentalID,
			"source":   "checkout_webhook",
		})
	}
	return nil
}
