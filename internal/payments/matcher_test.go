package payments

import (
	"testing"
	"time"

	"CryptoPayRecon/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func orderFor(id, wallet string, method models.PaymentMethod, created time.Time) *models.Order {
	o := &models.Order{
		OrderID:          id,
		PaymentMethod:    method,
		TotalTokenAmount: dec("1"),
		Status:           models.OrderPending,
		CreatedAt:        created,
	}
	if wallet != "" {
		o.WalletAddress = &wallet
	}
	return o
}

func TestMatchTransfers(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	alice := "0xAAAA000000000000000000000000000000000001"
	bob := "0xbbbb000000000000000000000000000000000002"

	orders := []*models.Order{
		orderFor("usdt-alice", alice, "USDT", now),
		orderFor("eth-alice", alice, "ETH", now),
		orderFor("usdc-bob", bob, "usdc", now),
		orderFor("no-wallet", "", "USDT", now),
	}
	transfers := []models.Transfer{
		{TxHash: "0x01", Sender: "0xaaaa000000000000000000000000000000000001", Amount: dec("1"), Method: "USDT"},
		{TxHash: "0x02", Sender: "0xAAAA000000000000000000000000000000000001", Amount: dec("1"), Method: "ETH"},
		{TxHash: "0x03", Sender: bob, Amount: dec("1"), Method: "USDT"},
		{TxHash: "0x04", Sender: bob, Amount: dec("1"), Method: "USDC"},
		{TxHash: "0x05", Sender: "0xcccc000000000000000000000000000000000003", Amount: dec("1"), Method: "USDT"},
	}

	matches := MatchTransfers(orders, transfers, zap.NewNop())
	require.Len(t, matches, 3)

	got := map[string][]string{}
	for _, m := range matches {
		for _, tr := range m.Transfers {
			got[m.Order.OrderID] = append(got[m.Order.OrderID], tr.TxHash)
		}
	}
	assert.Equal(t, map[string][]string{
		"usdt-alice": {"0x01"},
		"eth-alice":  {"0x02"},
		"usdc-bob":   {"0x04"},
	}, got)
}

func TestMatchTransfers_AmbiguousWalletGoesToOldest(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	wallet := "0xaaaa000000000000000000000000000000000001"
	orders := []*models.Order{
		orderFor("newer", wallet, "USDT", now),
		orderFor("older", wallet, "USDT", now.Add(-time.Hour)),
	}
	transfers := []models.Transfer{
		{TxHash: "0x01", Sender: wallet, Amount: dec("1"), Method: "USDT"},
	}

	matches := MatchTransfers(orders, transfers, zap.NewNop())
	require.Len(t, matches, 1)
	assert.Equal(t, "older", matches[0].Order.OrderID)
}

func TestMatchTransfers_SameCreationTimeGoesToLowerID(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	wallet := "0xaaaa000000000000000000000000000000000001"
	transfers := []models.Transfer{
		{TxHash: "0x01", Sender: wallet, Amount: dec("1"), Method: "USDT"},
	}

	for _, ids := range [][2]string{{"o-a", "o-b"}, {"o-b", "o-a"}} {
		orders := []*models.Order{
			orderFor(ids[0], wallet, "USDT", now),
			orderFor(ids[1], wallet, "USDT", now),
		}
		matches := MatchTransfers(orders, transfers, zap.NewNop())
		require.Len(t, matches, 1)
		assert.Equal(t, "o-a", matches[0].Order.OrderID)
	}
}

func TestMatchTransfers_NoOrders(t *testing.T) {
	transfers := []models.Transfer{{TxHash: "0x01", Sender: "0x1", Amount: dec("1"), Method: "ETH"}}
	assert.Empty(t, MatchTransfers(nil, transfers, zap.NewNop()))
}
