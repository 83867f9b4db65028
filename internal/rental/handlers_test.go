package rental

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/require"

	"github.com/Kermitos690/chargeurs-ch-sub001/internal/store"
)

func newTestHandler(t *testing.T) (*Handler, *fakeStore, *fakeProvider) {
	t.Helper()
	svc, st, pv := newTestService(t)
	return &Handler{Svc: svc, Validate: validator.New()}, st, pv
}

func postJSON(t *testing.T, handler http.HandlerFunc, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestStartHandlerValidatesInput(t *testing.T) {
	h, _, _ := newTestHandler(t)
	rec := postJSON(t, h.Start, "/api/v1/rentals/payment", map[string]any{
		"userId": "not-a-uuid", "powerBankId": "pb1", "stationId": "s1", "maxAmount": 30,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "VALIDATION")
}

func TestStartHandlerReturnsClientSecret(t *testing.T) {
	h, st, _ := newTestHandler(t)
	userID := newUUID()
	st.addProfile(userID, "cus_1")

	rec := postJSON(t, h.Start, "/api/v1/rentals/payment", map[string]any{
		"userId": store.UUIDString(userID), "powerBankId": "pb1", "stationId": "s1", "maxAmount": 30,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp startResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.RentalID)
	require.NotEmpty(t, resp.RentalRef)
	require.NotEmpty(t, resp.ClientSecret)
}

func TestFinalizeHandlerReportsAlreadyProcessed(t *testing.T) {
	h, st, _ := newTestHandler(t)
	rental := seedActiveRental(st, 3000, "pm_1")
	body := map[string]any{
		"rentalId": store.UUIDString(rental.ID), "endStationId": "s2", "finalAmount": 4.50,
	}

	rec := postJSON(t, h.Finalize, "/api/v1/rentals/payment/finalize", body)
	require.Equal(t, http.StatusOK, rec.Code)

	var first map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))
	require.Equal(t, true, first["success"])
	require.Equal(t, 4.50, first["amount"])

	rec = postJSON(t, h.Finalize, "/api/v1/rentals/payment/finalize", body)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var second map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &second))
	require.Equal(t, true, second["alreadyProcessed"])
}

func TestFinalizeHandlerRejectsCapViolation(t *testing.T) {
	h, st, _ := newTestHandler(t)
	rental := seedActiveRental(st, 3000, "pm_1")

	rec := postJSON(t, h.Finalize, "/api/v1/rentals/payment/finalize", map[string]any{
		"rentalId": store.UUIDString(rental.ID), "endStationId": "s2", "finalAmount": 45,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "AMOUNT_EXCEEDS_AUTHORIZATION")
}

func TestGetHandlerReturnsRentalWithLedger(t *testing.T) {
	h, st, _ := newTestHandler(t)
	rental := seedActiveRental(st, 3000, "pm_1")

	router := chi.NewRouter()
	router.Get("/api/v1/rentals/{rentalId}", h.Get)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/rentals/"+store.UUIDString(rental.ID), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, string(store.RentalStatusActive), resp["status"])
	require.Equal(t, 30.0, resp["maxAmount"])
}

func TestGetHandlerUnknownRental(t *testing.T) {
	h, _, _ := newTestHandler(t)
	router := chi.NewRouter()
	router.Get("/api/v1/rentals/{rentalId}", h.Get)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/rentals/"+store.UUIDString(newUUID()), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateQRHandler(t *testing.T) {
	h, _, _ := newTestHandler(t)
	rec := postJSON(t, h.CreateQR, "/api/v1/qr-payments", map[string]any{
		"userId": store.UUIDString(newUUID()), "amount": 12.50, "description": "Location powerbank",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "cs_test_1", resp["sessionId"])
	require.Contains(t, resp["qrCodeUrl"], "api.qrserver.com")
	require.NotZero(t, resp["expiresAt"])
}

func TestQRStatusHandlerRequiresSessionID(t *testing.T) {
	h, _, _ := newTestHandler(t)
	rec := postJSON(t, h.QRStatus, "/api/v1/qr-payments/status", map[string]any{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
