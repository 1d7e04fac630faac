package payments

import (
	"context"
	"fmt"

	"CryptoPayRecon/internal/models"

	"go.uber.org/zap"
)

// Extractor turns chain activity towards the receiving wallet into transfers.
type Extractor struct {
	Chain           ChainReader
	ReceivingWallet string
	NativeMethod    models.PaymentMethod
	NativeDecimals  int32
	Tokens          []Token
	Logger          *zap.Logger
}

// Methods returns every payment method the extractor can observe.
func (e *Extractor) Methods() []models.PaymentMethod {
	out := []models.PaymentMethod{NormalizeMethod(e.NativeMethod)}
	for _, t := range e.Tokens {
		out = append(out, NormalizeMethod(t.Method))
	}
	return out
}

// Supports reports whether transfers of method can be observed at all.
func (e *Extractor) Supports(method models.PaymentMethod) bool {
	method = NormalizeMethod(method)
	for _, m := range e.Methods() {
		if m == method {
			return true
		}
	}
	return false
}

// Extract returns the transfers to the receiving wallet inside w. Only the
// payment methods present in wanted are queried. Any chain error aborts the
// whole extraction.
func (e *Extractor) Extract(ctx context.Context, w Window, wanted map[models.PaymentMethod]bool) ([]models.Transfer, error) {
	var out []models.Transfer

	if wanted[NormalizeMethod(e.NativeMethod)] {
		native, err := e.nativeTransfers(ctx, w)
		if err != nil {
			return nil, err
		}
		out = append(out, native...)
	}

	for _, token := range e.Tokens {
		if !wanted[NormalizeMethod(token.Method)] {
			continue
		}
		transfers, err := e.tokenTransfers(ctx, w, token)
		if err != nil {
			return nil, err
		}
		out = append(out, transfers...)
	}
	return out, nil
}

func (e *Extractor) nativeTransfers(ctx context.Context, w Window) ([]models.Transfer, error) {
	wallet := models.NormalizeAddress(e.ReceivingWallet)
	blocks, err := e.Chain.BlocksByNumber(ctx, w.From, w.To)
	if err != nil {
		return nil, fmt.Errorf("native scan %d..%d: %w", w.From, w.To, err)
	}

	var candidates []models.Transfer
	for _, b := range blocks {
		for _, tx := range b.Transactions {
			if tx.To == "" || models.NormalizeAddress(tx.To) != wallet {
				continue
			}
			if tx.Value == nil || tx.Value.Sign() <= 0 {
				continue
			}
			candidates = append(candidates, models.Transfer{
				TxHash:      models.NormalizeHash(tx.Hash),
				LogIndex:    -1,
				BlockNumber: b.Number,
				Sender:      models.NormalizeAddress(tx.From),
				Amount:      FromBaseUnits(tx.Value, e.NativeDecimals),
				Method:      NormalizeMethod(e.NativeMethod),
			})
		}
	}

	out := candidates[:0]
	for _, t := range candidates {
		status, err := e.Chain.ReceiptStatus(ctx, t.TxHash)
		if err != nil {
			return nil, fmt.Errorf("receipt %s: %w", t.TxHash, err)
		}
		if status == 0 {
			e.Logger.Info("skip reverted native transfer",
				zap.String("tx_hash", t.TxHash),
				zap.String("sender", t.Sender),
			)
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (e *Extractor) tokenTransfers(ctx context.Context, w Window, token Token) ([]models.Transfer, error) {
	wallet := models.NormalizeAddress(e.ReceivingWallet)
	logs, err := e.Chain.TransferLogs(ctx, token.Address, e.ReceivingWallet, w.From, w.To)
	if err != nil {
		return nil, fmt.Errorf("%s logs %d..%d: %w", token.Method, w.From, w.To, err)
	}

	out := make([]models.Transfer, 0, len(logs))
	for _, l := range logs {
		if l.Removed {
			e.Logger.Info("skip removed transfer log",
				zap.String("tx_hash", l.TxHash),
				zap.Int64("log_index", l.LogIndex),
			)
			continue
		}
		if models.NormalizeAddress(l.To) != wallet {
			continue
		}
		if l.Value == nil || l.Value.Sign() <= 0 {
			continue
		}
		out = append(out, models.Transfer{
			TxHash:      models.NormalizeHash(l.TxHash),
			LogIndex:    l.LogIndex,
			BlockNumber: l.BlockNumber,
			Sender:      models.NormalizeAddress(l.From),
			Amount:      FromBaseUnits(l.Value, token.Decimals),
			Method:      NormalizeMethod(token.Method),
		})
	}
	return out, nil
}
