package payments

import (
	"context"
	"math/big"
	"strings"

	"CryptoPayRecon/internal/chain"
	"CryptoPayRecon/internal/models"

	"github.com/shopspring/decimal"
)

// ChainReader is the read-only chain surface the extractor needs.
type ChainReader interface {
	LatestBlockNumber(ctx context.Context) (uint64, error)
	BlocksByNumber(ctx context.Context, from, to uint64) ([]chain.Block, error)
	TransferLogs(ctx context.Context, token, recipient string, from, to uint64) ([]chain.TransferLog, error)
	ReceiptStatus(ctx context.Context, txHash string) (uint64, error)
}

// Token is an ERC-20 contract accepted as a payment method.
type Token struct {
	Method   models.PaymentMethod
	Address  string
	Decimals int32
}

// FromBaseUnits converts an integer amount of base units into token units.
func FromBaseUnits(v *big.Int, decimals int32) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -decimals)
}

// NormalizeMethod makes payment method tags comparable regardless of case.
func NormalizeMethod(m models.PaymentMethod) models.PaymentMethod {
	return models.PaymentMethod(strings.ToUpper(strings.TrimSpace(string(m))))
}
