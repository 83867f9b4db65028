package rental

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/Kermitos690/chargeurs-ch-sub001/internal/common"
	"github.com/Kermitos690/chargeurs-ch-sub001/internal/payment"
	"github.com/Kermitos690/chargeurs-ch-sub001/internal/store"
)

// Handler exposes the rental payment lifecycle over HTTP.
type Handler struct {
	Svc      *Service
	Validate *validator.Validate
}

type startReq struct {
	UserID      string  `json:"userId" validate:"required,uuid"`
	Email       string  `json:"email" validate:"omitempty,email"`
	PowerBankID string  `json:"powerBankId" validate:"required"`
	StationID   string  `json:"stationId" validate:"required"`
	MaxAmount   float64 `json:"maxAmount" validate:"required,gt=0"`
}

type startResp struct {
	SetupIntentID string `json:"setupIntentId"`
	ClientSecret  string `json:"clientSecret"`
	RentalID      string `json:"rentalId"`
	RentalRef     string `json:"rentalRef"`
}

// Start opens a rental with a card hold.
func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	var req startReq
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.Svc.Start(r.Context(), StartParams{
		UserID:      req.UserID,
		Email:       req.Email,
		PowerBankID: req.PowerBankID,
		StationID:   req.StationID,
		MaxAmount:   req.MaxAmount,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.JSON(w, http.StatusCreated, startResp{
		SetupIntentID: result.SetupIntentID,
		ClientSecret:  result.ClientSecret,
		RentalID:      result.RentalID,
		RentalRef:     result.RentalRef,
	})
}

type finalizeReq struct {
	RentalID     string  `json:"rentalId" validate:"required,uuid"`
	EndStationID string  `json:"endStationId" validate:"required"`
	FinalAmount  float64 `json:"finalAmount" validate:"required,gt=0"`
}

// Finalize settles a rental at return time.
func (h *Handler) Finalize(w http.ResponseWriter, r *http.Request) {
	var req finalizeReq
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.Svc.Finalize(r.Context(), FinalizeParams{
		RentalID:     req.RentalID,
		EndStationID: req.EndStationID,
		FinalAmount:  req.FinalAmount,
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyFinalized) {
			common.JSON(w, http.StatusBadRequest, map[string]any{"alreadyProcessed": true})
			return
		}
		h.writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"paymentIntentId": result.PaymentIntentID,
		"amount":          result.Amount,
		"rental":          rentalView(result.Rental, nil),
	})
}

// Get returns a rental with its settlement ledger.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	rental, payments, err := h.Svc.Get(r.Context(), chi.URLParam(r, "rentalId"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, rentalView(rental, payments))
}

type qrCreateReq struct {
	UserID      string            `json:"userId" validate:"required,uuid"`
	Amount      float64           `json:"amount" validate:"required,gt=0"`
	Description string            `json:"description"`
	ExpiresIn   int64             `json:"expiresIn" validate:"omitempty,gt=0"`
	Metadata    map[string]string `json:"metadata"`
}

// CreateQR opens the QR checkout path.
func (h *Handler) CreateQR(w http.ResponseWriter, r *http.Request) {
	var req qrCreateReq
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.Svc.CreateQRSession(r.Context(), QRSessionParams{
		UserID:      req.UserID,
		Amount:      req.Amount,
		Description: req.Description,
		ExpiresIn:   time.Duration(req.ExpiresIn) * time.Second,
		Metadata:    req.Metadata,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.JSON(w, http.StatusCreated, map[string]any{
		"qrCodeUrl":           result.QRCodeURL,
		"sessionId":           result.SessionID,
		"url":                 result.URL,
		"expiresAt":           result.ExpiresAt,
		"pollIntervalSeconds": int(result.PollInterval.Seconds()),
	})
}

type qrStatusReq struct {
	SessionID string `json:"sessionId" validate:"required"`
}

// QRStatus polls a QR session and applies the activation side effect when paid.
func (h *Handler) QRStatus(w http.ResponseWriter, r *http.Request) {
	var req qrStatusReq
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.Svc.CheckQRSession(r.Context(), req.SessionID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{
		"status":         result.Status,
		"paymentDetails": result.PaymentDetails,
	})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid body", nil)
		return false
	}
	if h.Validate != nil {
		if err := h.Validate.Struct(dst); err != nil {
			common.JSONError(w, http.StatusBadRequest, "VALIDATION", err.Error(), nil)
			return false
		}
	}
	return true
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	if appErr, ok := common.AsAppError(err); ok {
		common.JSONError(w, appErr.HTTPStatus, appErr.Code, appErr.Message, appErr.Details)
		return
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "rental not found", nil)
	case errors.Is(err, ErrAmountExceedsAuthorization):
		common.JSONError(w, http.StatusBadRequest, "AMOUNT_EXCEEDS_AUTHORIZATION", err.Error(), nil)
	case errors.Is(err, ErrNoPaymentMethod):
		common.JSONError(w, http.StatusBadRequest, "NO_PAYMENT_METHOD", "no stored payment method", nil)
	case errors.Is(err, ErrInvalidState):
		common.JSONError(w, http.StatusConflict, "INVALID_STATE", err.Error(), nil)
	case errors.Is(err, payment.ErrCardDeclined):
		common.JSONError(w, http.StatusInternalServerError, "PROVIDER_ERROR", err.Error(), nil)
	default:
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
	}
}

type paymentEntry struct {
	PaymentIntentID string  `json:"paymentIntentId"`
	Amount          float64 `json:"amount"`
	Status          string  `json:"status"`
	ErrorMessage    string  `json:"errorMessage,omitempty"`
	CreatedAt       string  `json:"createdAt"`
}

func rentalView(r store.Rental, payments []store.RentalPayment) map[string]any {
	view := map[string]any{
		"id":             store.UUIDString(r.ID),
		"ref":            r.Ref,
		"userId":         store.UUIDString(r.UserID),
		"powerBankId":    r.PowerBankID,
		"startStationId": r.StartStationID,
		"status":         r.Status,
		"maxAmount":      common.FromCents(r.MaxAmountCents),
	}
	if r.EndStationID.Valid {
		view["endStationId"] = r.EndStationID.String
	}
	if r.FinalAmountCents.Valid {
		view["finalAmount"] = common.FromCents(r.FinalAmountCents.Int64)
	}
	if r.StartTime.Valid {
		view["startTime"] = r.StartTime.Time.UTC().Format(time.RFC3339)
	}
	if r.EndTime.Valid {
		view["endTime"] = r.EndTime.Time.UTC().Format(time.RFC3339)
	}
	if r.FailureReason.Valid {
		view["failureReason"] = r.FailureReason.String
	}
	if r.CreatedAt.Valid {
		view["createdAt"] = r.CreatedAt.Time.UTC().Format(time.RFC3339)
	}
	if payments != nil {
		entries := make([]paymentEntry, 0, len(payments))
		for _, p := range payments {
			entry := paymentEntry{
				PaymentIntentID: p.PaymentIntentID,
				Amount:          common.FromCents(p.AmountCents),
				Status:          string(p.Status),
				ErrorMessage:    store.TextString(p.ErrorMessage),
			}
			if p.CreatedAt.Valid {
				entry.CreatedAt = p.CreatedAt.Time.UTC().Format(time.RFC3339)
			}
			entries = append(entries, entry)
		}
		view["payments"] = entries
	}
	return view
}
