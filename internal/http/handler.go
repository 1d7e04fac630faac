package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"CryptoPayRecon/internal/lock"
	"CryptoPayRecon/internal/models"
	"CryptoPayRecon/internal/store"
	"CryptoPayRecon/internal/worker"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type OrderService interface {
	GetOrder(ctx context.Context, orderID string) (*models.Order, error)
	Reconcile(ctx context.Context, orderID string) (*worker.RunReport, error)
}

type Handler struct {
	Orders OrderService
	Logger *zap.Logger
}

type reconcileRequest struct {
	OrderID string `json:"orderId"`
}

type orderResponse struct {
	OrderID          string   `json:"orderId"`
	Status           string   `json:"status"`
	PaymentMethod    string   `json:"paymentMethod"`
	TotalTokenAmount string   `json:"totalTokenAmount"`
	PaidAmount       string   `json:"paidAmount"`
	RemainingAmount  string   `json:"remainingAmount"`
	TxHashes         []string `json:"txHashes"`
	ExpiresAt        string   `json:"expiresAt"`
	UpdatedAt        string   `json:"updatedAt,omitempty"`
}

func NewHandler(orders OrderService, logger *zap.Logger) *Handler {
	return &Handler{Orders: orders, Logger: logger}
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")
	if orderID == "" {
		writeError(w, http.StatusBadRequest, "missing order id")
		return
	}

	order, err := h.Orders.GetOrder(r.Context(), orderID)
	if err != nil {
		if errors.Is(err, store.ErrOrderNotFound) {
			writeError(w, http.StatusNotFound, "order not found")
			return
		}
		h.Logger.Error("get order failed", zap.String("order_id", orderID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "get order failed")
		return
	}

	resp := orderResponse{
		OrderID:          order.OrderID,
		Status:           string(order.Status),
		PaymentMethod:    string(order.PaymentMethod),
		TotalTokenAmount: order.TotalTokenAmount.String(),
		PaidAmount:       order.PaidAmount.String(),
		RemainingAmount:  order.RemainingAmount.String(),
		TxHashes:         order.TxHashes,
		ExpiresAt:        order.ExpiresAt.Format(time.RFC3339),
	}
	if resp.TxHashes == nil {
		resp.TxHashes = []string{}
	}
	if !order.UpdatedAt.IsZero() {
		resp.UpdatedAt = order.UpdatedAt.Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

// Reconcile runs a reconciliation synchronously. The body is optional.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	var req reconcileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	report, err := h.Orders.Reconcile(r.Context(), req.OrderID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrOrderNotFound):
			writeError(w, http.StatusNotFound, "order not found")
		case errors.Is(err, worker.ErrOrderNotEligible):
			writeError(w, http.StatusConflict, "order is not awaiting payment")
		case errors.Is(err, lock.ErrLocked):
			writeError(w, http.StatusLocked, "reconciliation already running")
		case errors.Is(err, worker.ErrChain):
			writeError(w, http.StatusBadGateway, "chain unavailable")
		default:
			h.Logger.Error("reconcile failed", zap.String("order_id", req.OrderID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "reconcile failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, report)
}
