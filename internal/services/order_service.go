package services

import (
	"context"
	"strings"
	"time"

	"CryptoPayRecon/internal/models"
	"CryptoPayRecon/internal/worker"
)

type OrderReader interface {
	GetOrder(ctx context.Context, orderID string) (*models.Order, error)
}

type Reconciler interface {
	Run(ctx context.Context, opts worker.RunOptions) (*worker.RunReport, error)
}

// OrderService backs the checkout confirmation page: it reads order payment
// state and lets callers request an immediate reconciliation.
type OrderService struct {
	Store      OrderReader
	Reconciler Reconciler
	RunTimeout time.Duration
}

func (s OrderService) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	return s.Store.GetOrder(ctx, strings.TrimSpace(orderID))
}

// Reconcile runs a reconciliation now. With an order id the run is scoped to
// that order, which must exist.
func (s OrderService) Reconcile(ctx context.Context, orderID string) (*worker.RunReport, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID != "" {
		if _, err := s.Store.GetOrder(ctx, orderID); err != nil {
			return nil, err
		}
	}
	if s.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.RunTimeout)
		defer cancel()
	}
	return s.Reconciler.Run(ctx, worker.RunOptions{OrderID: orderID})
}
