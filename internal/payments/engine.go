package payments

import (
	"errors"

	"CryptoPayRecon/internal/models"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidTotal     = errors.New("total token amount must be positive")
	ErrNotReconcilable  = errors.New("order status is not reconcilable")
	ErrInvalidTolerance = errors.New("tolerance must be between 0 and 1")
)

// DefaultTolerance is the share of the token total that completes an order.
var DefaultTolerance = decimal.RequireFromString("0.99")

// Engine applies incoming transfers to an order.
type Engine struct {
	Tolerance decimal.Decimal
}

func NewEngine(tolerance decimal.Decimal) (Engine, error) {
	if !tolerance.IsPositive() || tolerance.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return Engine{}, ErrInvalidTolerance
	}
	return Engine{Tolerance: tolerance}, nil
}

// Threshold is the paid amount at which an order with the given total completes.
func (e Engine) Threshold(total decimal.Decimal) decimal.Decimal {
	return total.Mul(e.Tolerance)
}

// Outcome is the result of applying a batch of transfers to an order.
type Outcome struct {
	PreviousStatus  models.OrderStatus
	Status          models.OrderStatus
	Total           decimal.Decimal
	PaidAmount      decimal.Decimal
	RemainingAmount decimal.Decimal
	Credited        decimal.Decimal
	NewTxHashes     []string
	Transfers       []models.Transfer
}

// Completed reports whether this outcome moves the order into completed.
func (o Outcome) Completed() bool {
	return o.Status == models.OrderCompleted && o.PreviousStatus != models.OrderCompleted
}

// Overpaid reports whether more than the token total has been received.
func (o Outcome) Overpaid() bool {
	return o.PaidAmount.GreaterThan(o.Total)
}

func (o Outcome) Update(order *models.Order) models.PaymentUpdate {
	return models.PaymentUpdate{
		OrderID:         order.OrderID,
		ExpectedVersion: order.Version,
		Status:          o.Status,
		PaidAmount:      o.PaidAmount,
		RemainingAmount: o.RemainingAmount,
		NewTxHashes:     o.NewTxHashes,
		Transfers:       o.Transfers,
	}
}

type logKey struct {
	hash  string
	index int64
}

// Evaluate credits every transfer whose transaction hash is not yet recorded
// on the order. Logs of the same transaction are summed and the hash is
// recorded once. The boolean is false when nothing new was credited and no
// write is needed.
func (e Engine) Evaluate(order *models.Order, transfers []models.Transfer) (Outcome, bool, error) {
	if !order.TotalTokenAmount.IsPositive() {
		return Outcome{}, false, ErrInvalidTotal
	}
	if !order.Status.Reconcilable() {
		return Outcome{}, false, ErrNotReconcilable
	}

	seenLog := make(map[logKey]struct{})
	sums := make(map[string]decimal.Decimal)
	var hashes []string
	var credited []models.Transfer
	for _, t := range transfers {
		hash := models.NormalizeHash(t.TxHash)
		if hash == "" || order.HasTx(hash) {
			continue
		}
		if !t.Amount.IsPositive() {
			continue
		}
		k := logKey{hash: hash, index: t.LogIndex}
		if _, dup := seenLog[k]; dup {
			continue
		}
		seenLog[k] = struct{}{}

		if _, ok := sums[hash]; !ok {
			hashes = append(hashes, hash)
		}
		sums[hash] = sums[hash].Add(t.Amount)
		t.TxHash = hash
		credited = append(credited, t)
	}
	if len(hashes) == 0 {
		return Outcome{}, false, nil
	}

	sum := decimal.Zero
	for _, h := range hashes {
		sum = sum.Add(sums[h])
	}

	total := order.TotalTokenAmount
	paid := order.PaidAmount.Add(sum)
	remaining := total.Sub(paid)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}

	status := models.OrderUnderpaid
	if paid.GreaterThanOrEqual(e.Threshold(total)) {
		status = models.OrderCompleted
	}

	return Outcome{
		PreviousStatus:  order.Status,
		Status:          status,
		Total:           total,
		PaidAmount:      paid,
		RemainingAmount: remaining,
		Credited:        sum,
		NewTxHashes:     hashes,
		Transfers:       credited,
	}, true, nil
}
