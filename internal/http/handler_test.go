package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"CryptoPayRecon/internal/lock"
	"CryptoPayRecon/internal/models"
	"CryptoPayRecon/internal/store"
	"CryptoPayRecon/internal/worker"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubOrders struct {
	order     *models.Order
	getErr    error
	report    *worker.RunReport
	runErr    error
	lastScope string
}

func (s *stubOrders) GetOrder(_ context.Context, orderID string) (*models.Order, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	return s.order, nil
}

func (s *stubOrders) Reconcile(_ context.Context, orderID string) (*worker.RunReport, error) {
	s.lastScope = orderID
	return s.report, s.runErr
}

func newTestServer(orders OrderService) *Server {
	return NewServer(NewHandler(orders, zap.NewNop()))
}

func TestHandler_GetOrder(t *testing.T) {
	tests := []struct {
		name           string
		stub           *stubOrders
		wantStatusCode int
		wantBody       map[string]any
	}{
		{
			name: "underpaid_order_return_200",
			stub: &stubOrders{order: &models.Order{
				OrderID:          "o-1",
				Status:           models.OrderUnderpaid,
				PaymentMethod:    "USDT",
				TotalTokenAmount: decimal.RequireFromString("10"),
				PaidAmount:       decimal.RequireFromString("5"),
				RemainingAmount:  decimal.RequireFromString("5"),
				TxHashes:         []string{"0x01"},
				ExpiresAt:        time.Date(2024, 6, 1, 13, 0, 0, 0, time.UTC),
			}},
			wantStatusCode: http.StatusOK,
			wantBody: map[string]any{
				"orderId":          "o-1",
				"status":           "underpaid",
				"paymentMethod":    "USDT",
				"totalTokenAmount": "10",
				"paidAmount":       "5",
				"remainingAmount":  "5",
				"txHashes":         []any{"0x01"},
				"expiresAt":        "2024-06-01T13:00:00Z",
			},
		},
		{
			name:           "unknown_order_return_404",
			stub:           &stubOrders{getErr: store.ErrOrderNotFound},
			wantStatusCode: http.StatusNotFound,
			wantBody:       map[string]any{"error": "order not found"},
		},
		{
			name:           "store_failure_return_500",
			stub:           &stubOrders{getErr: errors.New("connection reset")},
			wantStatusCode: http.StatusInternalServerError,
			wantBody:       map[string]any{"error": "get order failed"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(tt.stub)
			req := httptest.NewRequest(http.MethodGet, "/payments/orders/o-1", nil)
			rec := httptest.NewRecorder()
			srv.Router.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatusCode, rec.Code)
			var body map[string]any
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantBody, body)
		})
	}
}

func TestHandler_Reconcile(t *testing.T) {
	tests := []struct {
		name           string
		body           string
		runErr         error
		wantStatusCode int
		wantScope      string
	}{
		{name: "full_run_without_body_return_200", body: "", wantStatusCode: http.StatusOK},
		{name: "scoped_run_return_200", body: `{"orderId":"o-1"}`, wantStatusCode: http.StatusOK, wantScope: "o-1"},
		{name: "bad_json_return_400", body: `{`, wantStatusCode: http.StatusBadRequest},
		{name: "unknown_order_return_404", body: `{"orderId":"nope"}`, runErr: store.ErrOrderNotFound, wantStatusCode: http.StatusNotFound, wantScope: "nope"},
		{name: "not_eligible_return_409", body: `{"orderId":"o-1"}`, runErr: worker.ErrOrderNotEligible, wantStatusCode: http.StatusConflict, wantScope: "o-1"},
		{name: "locked_return_423", runErr: lock.ErrLocked, wantStatusCode: http.StatusLocked},
		{name: "chain_error_return_502", runErr: fmt.Errorf("%w: timeout", worker.ErrChain), wantStatusCode: http.StatusBadGateway},
		{name: "other_error_return_500", runErr: errors.New("boom"), wantStatusCode: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := &stubOrders{report: &worker.RunReport{RunID: "run-1", UpdatedOrders: 1}, runErr: tt.runErr}
			srv := newTestServer(stub)
			req := httptest.NewRequest(http.MethodPost, "/payments/reconcile", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			srv.Router.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatusCode, rec.Code)
			assert.Equal(t, tt.wantScope, stub.lastScope)
			if tt.wantStatusCode == http.StatusOK {
				var report worker.RunReport
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
				assert.Equal(t, "run-1", report.RunID)
			}
		})
	}
}

func TestServer_HealthAndMetrics(t *testing.T) {
	srv := newTestServer(&stubOrders{})

	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_request_duration_seconds")
}
