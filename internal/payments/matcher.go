package payments

import (
	"sort"

	"CryptoPayRecon/internal/models"

	"go.uber.org/zap"
)

// Match is an order together with the transfers attributed to it.
type Match struct {
	Order     *models.Order
	Transfers []models.Transfer
}

type matchKey struct {
	wallet string
	method models.PaymentMethod
}

// MatchTransfers attributes transfers to orders by (sender wallet, payment
// method). When several orders share a key the oldest one receives the
// transfers, ties going to the lower order id. Only orders with at least one
// transfer are returned, in the order they were given.
func MatchTransfers(orders []*models.Order, transfers []models.Transfer, log *zap.Logger) []Match {
	byKey := make(map[matchKey][]*models.Order)
	for _, o := range orders {
		wallet := o.Wallet()
		if wallet == "" {
			log.Warn("order has no wallet address", zap.String("order_id", o.OrderID))
			continue
		}
		k := matchKey{wallet: wallet, method: NormalizeMethod(o.PaymentMethod)}
		byKey[k] = append(byKey[k], o)
	}

	owner := make(map[matchKey]*models.Order, len(byKey))
	for k, list := range byKey {
		sort.SliceStable(list, func(i, j int) bool {
			if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
				return list[i].CreatedAt.Before(list[j].CreatedAt)
			}
			return list[i].OrderID < list[j].OrderID
		})
		owner[k] = list[0]
		for _, o := range list[1:] {
			log.Warn("ambiguous wallet, order left for a later match",
				zap.String("order_id", o.OrderID),
				zap.String("wallet", k.wallet),
				zap.String("method", string(k.method)),
				zap.String("credited_order_id", list[0].OrderID),
			)
		}
	}

	got := make(map[string][]models.Transfer)
	for _, t := range transfers {
		k := matchKey{wallet: models.NormalizeAddress(t.Sender), method: NormalizeMethod(t.Method)}
		o, ok := owner[k]
		if !ok {
			continue
		}
		got[o.OrderID] = append(got[o.OrderID], t)
	}

	var out []Match
	for _, o := range orders {
		if ts, ok := got[o.OrderID]; ok {
			out = append(out, Match{Order: o, Transfers: ts})
			delete(got, o.OrderID)
		}
	}
	return out
}
