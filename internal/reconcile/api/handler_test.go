package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"ms-reconcile/internal/logger"
	"ms-reconcile/internal/models"
	"ms-reconcile/internal/reconcile"
	"ms-reconcile/internal/reconcile/api"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockReconciler struct {
	mock.Mock
}

func (m *MockReconciler) Reconcile(ctx context.Context, orderID, paymentID string) (*models.ReconcileResult, error) {
	args := m.Called(orderID, paymentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ReconcileResult), args.Error(1)
}

type MockLedgerStore struct {
	mock.Mock
}

func (m *MockLedgerStore) Create(ctx context.Context, pp *models.PendingPayment) error {
	args := m.Called(pp)
	return args.Error(0)
}

func (m *MockLedgerStore) ListPending(ctx context.Context, limit int) ([]models.PendingPayment, error) {
	args := m.Called(limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.PendingPayment), args.Error(1)
}

func (m *MockLedgerStore) ListRetryable(ctx context.Context, limit int) ([]models.PendingPayment, error) {
	args := m.Called(limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.PendingPayment), args.Error(1)
}

func setupRouter(svc *MockReconciler, ledgerStore *MockLedgerStore) chi.Router {
	handler := &api.Handler{
		Service:        svc,
		Ledger:         ledgerStore,
		Logger:         &logger.Logger{},
		AttemptTimeout: 30 * time.Second,
		PendingTTL:     20 * time.Minute,
	}

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))
	r.Post("/reconcile-payment", handler.ReconcilePayment)
	r.Route("/api/reconcile", func(r chi.Router) {
		r.Get("/pending", handler.ListPending)
		r.Post("/pending", handler.CreatePending)
		r.Post("/retry", handler.RetryReconcile)
	})
	return r
}

func postJSON(t *testing.T, router http.Handler, path string, body interface{}) *httptest.ResponseRecorder {
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestReconcilePayment_Success(t *testing.T) {
	svc := new(MockReconciler)
	ledgerStore := new(MockLedgerStore)
	router := setupRouter(svc, ledgerStore)

	svc.On("Reconcile", "order_1", "pay_1").
		Return(&models.ReconcileResult{Success: true, BookingID: "bkg-1"}, nil)

	rec := postJSON(t, router, "/reconcile-payment", models.ReconcileRequest{OrderID: "order_1", PaymentID: "pay_1"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["ok"])
	assert.Equal(t, true, resp["success"])
	assert.Equal(t, "bkg-1", resp["bookingId"])
}

func TestReconcilePayment_BusinessFailureIsStill200(t *testing.T) {
	svc := new(MockReconciler)
	ledgerStore := new(MockLedgerStore)
	router := setupRouter(svc, ledgerStore)

	svc.On("Reconcile", "order_1", "pay_1").
		Return(&models.ReconcileResult{Success: false, Error: "payment failed at gateway"}, nil)

	rec := postJSON(t, router, "/reconcile-payment", models.ReconcileRequest{OrderID: "order_1", PaymentID: "pay_1"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["ok"])
	assert.Equal(t, false, resp["success"])
	assert.Equal(t, "payment failed at gateway", resp["error"])
}

func TestReconcilePayment_TransientIsRetryable(t *testing.T) {
	svc := new(MockReconciler)
	ledgerStore := new(MockLedgerStore)
	router := setupRouter(svc, ledgerStore)

	svc.On("Reconcile", "order_1", "").
		Return(nil, fmt.Errorf("%w: gateway timeout", reconcile.ErrTransient))

	rec := postJSON(t, router, "/reconcile-payment", models.ReconcileRequest{OrderID: "order_1"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, false, resp["ok"])
	assert.Equal(t, true, resp["retryable"])
}

func TestReconcilePayment_FatalErrorIs500(t *testing.T) {
	svc := new(MockReconciler)
	ledgerStore := new(MockLedgerStore)
	router := setupRouter(svc, ledgerStore)

	svc.On("Reconcile", "order_1", "").Return(nil, errors.New("customer creation failed"))

	rec := postJSON(t, router, "/reconcile-payment", models.ReconcileRequest{OrderID: "order_1"})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestReconcilePayment_BadRequests(t *testing.T) {
	svc := new(MockReconciler)
	ledgerStore := new(MockLedgerStore)
	router := setupRouter(svc, ledgerStore)

	// Malformed body.
	req := httptest.NewRequest(http.MethodPost, "/reconcile-payment", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Missing order id.
	rec = postJSON(t, router, "/reconcile-payment", models.ReconcileRequest{PaymentID: "pay_1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	svc.AssertNotCalled(t, "Reconcile", mock.Anything, mock.Anything)
}

func TestReconcilePayment_MethodNotAllowed(t *testing.T) {
	svc := new(MockReconciler)
	ledgerStore := new(MockLedgerStore)
	router := setupRouter(svc, ledgerStore)

	req := httptest.NewRequest(http.MethodGet, "/reconcile-payment", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestReconcilePayment_CORSPreflight(t *testing.T) {
	svc := new(MockReconciler)
	ledgerStore := new(MockLedgerStore)
	router := setupRouter(svc, ledgerStore)

	req := httptest.NewRequest(http.MethodOptions, "/reconcile-payment", nil)
	req.Header.Set("Origin", "https://booking.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	svc.AssertNotCalled(t, "Reconcile", mock.Anything, mock.Anything)
}

func validPayload() models.BookingPayload {
	return models.BookingPayload{
		Customer: models.CustomerDescriptor{Name: "Asha Rao", Phone: "9876543210"},
		Slots: []models.SlotSelection{
			{StationID: "st-1", Date: "2026-09-05", StartTime: "10:00", EndTime: "11:00"},
		},
		Pricing:  models.PricingBreakdown{OriginalPrice: 400, FinalPrice: 400},
		Duration: 60,
	}
}

func TestCreatePending(t *testing.T) {
	svc := new(MockReconciler)
	ledgerStore := new(MockLedgerStore)
	router := setupRouter(svc, ledgerStore)

	var created *models.PendingPayment
	ledgerStore.On("Create", mock.Anything).Run(func(args mock.Arguments) {
		created = args.Get(0).(*models.PendingPayment)
	}).Return(nil)

	body := map[string]interface{}{
		"order_id": "order_1",
		"payload":  validPayload(),
	}
	rec := postJSON(t, router, "/api/reconcile/pending", body)
	require.Equal(t, http.StatusCreated, rec.Code)

	require.NotNil(t, created)
	assert.Equal(t, "order_1", created.OrderID)
	assert.Equal(t, models.PendingStatusPending, created.Status)
	assert.NotEmpty(t, created.ID)
	assert.True(t, created.ExpiresAt.After(time.Now().Add(19*time.Minute)))
}

func TestCreatePending_RejectsInvalidPayload(t *testing.T) {
	svc := new(MockReconciler)
	ledgerStore := new(MockLedgerStore)
	router := setupRouter(svc, ledgerStore)

	payload := validPayload()
	payload.Slots[0].StartTime = "11:00"
	payload.Slots[0].EndTime = "10:00"

	body := map[string]interface{}{
		"order_id": "order_1",
		"payload":  payload,
	}
	rec := postJSON(t, router, "/api/reconcile/pending", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	ledgerStore.AssertNotCalled(t, "Create", mock.Anything)
}

func TestListPending_FlagsExpired(t *testing.T) {
	svc := new(MockReconciler)
	ledgerStore := new(MockLedgerStore)
	router := setupRouter(svc, ledgerStore)

	rows := []models.PendingPayment{
		{ID: "pp-1", OrderID: "order_live", Status: models.PendingStatusPending, ExpiresAt: time.Now().Add(10 * time.Minute)},
		{ID: "pp-2", OrderID: "order_stale", Status: models.PendingStatusPending, ExpiresAt: time.Now().Add(-10 * time.Minute)},
	}
	ledgerStore.On("ListRetryable", 0).Return(rows, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/reconcile/pending", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Count    int                         `json:"count"`
		Payments []models.PendingPaymentView `json:"payments"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 2, resp.Count)
	assert.False(t, resp.Payments[0].Expired)
	assert.True(t, resp.Payments[1].Expired)
}

func TestRetryReconcile_BulkWithoutOrderID(t *testing.T) {
	svc := new(MockReconciler)
	ledgerStore := new(MockLedgerStore)
	router := setupRouter(svc, ledgerStore)

	ledgerStore.On("ListRetryable", 0).Return([]models.PendingPayment{
		{OrderID: "order_a", PaymentID: "pay_a", Status: models.PendingStatusPending},
		{OrderID: "order_b", Status: models.PendingStatusFailed},
		{OrderID: "order_c", Status: models.PendingStatusPending},
	}, nil)
	svc.On("Reconcile", "order_a", "pay_a").Return(&models.ReconcileResult{Success: true, BookingID: "bkg-a"}, nil)
	svc.On("Reconcile", "order_b", "").Return(&models.ReconcileResult{Success: false, Error: "no successful payment found for order"}, nil)
	svc.On("Reconcile", "order_c", "").Return(nil, fmt.Errorf("%w: gateway timeout", reconcile.ErrTransient))

	rec := postJSON(t, router, "/api/reconcile/retry", map[string]interface{}{})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Total     int `json:"total"`
		Succeeded int `json:"succeeded"`
		Results   []struct {
			OrderID   string `json:"order_id"`
			Success   bool   `json:"success"`
			BookingID string `json:"booking_id"`
			Error     string `json:"error"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.Total)
	assert.Equal(t, 1, resp.Succeeded)
	require.Len(t, resp.Results, 3)
	assert.True(t, resp.Results[0].Success)
	assert.Equal(t, "bkg-a", resp.Results[0].BookingID)
	assert.False(t, resp.Results[1].Success)
	assert.NotEmpty(t, resp.Results[2].Error)

	svc.AssertNumberOfCalls(t, "Reconcile", 3)
}

func TestRetryReconcile(t *testing.T) {
	svc := new(MockReconciler)
	ledgerStore := new(MockLedgerStore)
	router := setupRouter(svc, ledgerStore)

	svc.On("Reconcile", "order_1", "").
		Return(&models.ReconcileResult{Success: true, AlreadyExists: true, BookingID: "bkg-1"}, nil)

	rec := postJSON(t, router, "/api/reconcile/retry", models.ReconcileRequest{OrderID: "order_1"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["alreadyExists"])
}
