package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderUnderpaid OrderStatus = "underpaid"
	OrderCompleted OrderStatus = "completed"
	OrderOverpaid  OrderStatus = "overpaid"

	// Lifecycle states owned by checkout and support tooling.
	OrderCancelled OrderStatus = "cancelled"
	OrderPaid      OrderStatus = "paid"
	OrderExpired   OrderStatus = "expired"
)

// Reconcilable reports whether orders in this status are still waiting for on-chain funds.
func (s OrderStatus) Reconcilable() bool {
	return s == OrderPending || s == OrderUnderpaid
}

// PaymentMethod is the token tag chosen at checkout, e.g. "ETH" or "USDT".
type PaymentMethod string

type Order struct {
	OrderID          string
	WalletAddress    *string
	PaymentMethod    PaymentMethod
	Total            decimal.Decimal
	TotalTokenAmount decimal.Decimal
	PaidAmount       decimal.Decimal
	RemainingAmount  decimal.Decimal
	Status           OrderStatus
	ExpiresAt        time.Time
	TxHashes         []string
	Version          int64
	NotifiedAt       *time.Time
	CustomerName     string
	Email            string
	ShippingAddress  string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Wallet returns the normalized depositor address or "" when none was declared.
func (o *Order) Wallet() string {
	if o.WalletAddress == nil {
		return ""
	}
	return NormalizeAddress(*o.WalletAddress)
}

// HasTx reports whether the transaction hash was already credited to the order.
func (o *Order) HasTx(hash string) bool {
	hash = NormalizeHash(hash)
	for _, h := range o.TxHashes {
		if NormalizeHash(h) == hash {
			return true
		}
	}
	return false
}

type OrderItem struct {
	OrderID   string          `json:"orderId"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
}

// Transfer is an incoming payment to the receiving wallet observed on-chain.
type Transfer struct {
	TxHash      string
	LogIndex    int64
	BlockNumber uint64
	Sender      string
	Amount      decimal.Decimal
	Method      PaymentMethod
}

// PaymentUpdate is the single write applied to an order per reconciliation.
type PaymentUpdate struct {
	OrderID         string
	ExpectedVersion int64
	Status          OrderStatus
	PaidAmount      decimal.Decimal
	RemainingAmount decimal.Decimal
	NewTxHashes     []string
	Transfers       []Transfer
}

// NormalizeAddress lowercases an EVM address; addresses are case-insensitive.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

func NormalizeHash(hash string) string {
	return strings.ToLower(strings.TrimSpace(hash))
}
