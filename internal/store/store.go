package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"CryptoPayRecon/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrConcurrentUpdate  = errors.New("order changed since it was read")
	errEmptyPaymentWrite = errors.New("payment update carries no transaction hashes")
)

const syncHeightKey = "last_processed_block"

type Store struct {
	Pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{Pool: pool}
}

const orderColumns = `
	id, wallet_address, payment_method,
	total::text, total_token_amount::text, paid_amount::text, remaining_amount::text,
	status, expires_at, tx_hashes, version, notified_at,
	customer_name, email, shipping_address, created_at, updated_at`

func scanOrder(row pgx.Row) (*models.Order, error) {
	var order models.Order
	var total, tokenTotal, paid, remaining, status, method string
	err := row.Scan(
		&order.OrderID,
		&order.WalletAddress,
		&method,
		&total,
		&tokenTotal,
		&paid,
		&remaining,
		&status,
		&order.ExpiresAt,
		&order.TxHashes,
		&order.Version,
		&order.NotifiedAt,
		&order.CustomerName,
		&order.Email,
		&order.ShippingAddress,
		&order.CreatedAt,
		&order.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	order.PaymentMethod = models.PaymentMethod(method)
	order.Status = models.OrderStatus(status)

	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&order.Total, total},
		{&order.TotalTokenAmount, tokenTotal},
		{&order.PaidAmount, paid},
		{&order.RemainingAmount, remaining},
	} {
		v, err := decimal.NewFromString(f.src)
		if err != nil {
			return nil, fmt.Errorf("order %s: parse amount %q: %w", order.OrderID, f.src, err)
		}
		*f.dst = v
	}
	return &order, nil
}

func collectOrders(rows pgx.Rows) ([]*models.Order, error) {
	defer rows.Close()
	var orders []*models.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

// CreateOrder inserts an order with its line items. Orders are normally
// written by checkout; this is used by tooling and tests.
func (s *Store) CreateOrder(ctx context.Context, order *models.Order, items []models.OrderItem) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	hashes := order.TxHashes
	if hashes == nil {
		hashes = []string{}
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO orders (
			id, wallet_address, payment_method,
			total, total_token_amount, paid_amount, remaining_amount,
			status, expires_at, tx_hashes, customer_name, email, shipping_address
		) VALUES ($1,$2,$3,$4::numeric,$5::numeric,$6::numeric,$7::numeric,$8,$9,$10,$11,$12,$13)
	`,
		order.OrderID,
		order.WalletAddress,
		string(order.PaymentMethod),
		order.Total.String(),
		order.TotalTokenAmount.String(),
		order.PaidAmount.String(),
		order.RemainingAmount.String(),
		string(order.Status),
		order.ExpiresAt,
		hashes,
		order.CustomerName,
		order.Email,
		order.ShippingAddress,
	)
	if err != nil {
		return fmt.Errorf("insert order %s: %w", order.OrderID, err)
	}

	for _, item := range items {
		_, err := tx.Exec(ctx, `
			INSERT INTO order_items (order_id, name, quantity, unit_price)
			VALUES ($1,$2,$3,$4::numeric)
		`, order.OrderID, item.Name, item.Quantity, item.UnitPrice.String())
		if err != nil {
			return fmt.Errorf("insert item for order %s: %w", order.OrderID, err)
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`, orderID)
	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return order, nil
}

// FetchEligibleOrders returns orders still waiting for funds, oldest first.
func (s *Store) FetchEligibleOrders(ctx context.Context, now time.Time) ([]*models.Order, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status IN ('pending','underpaid')
			AND wallet_address IS NOT NULL AND wallet_address <> ''
			AND expires_at > $1
		ORDER BY created_at
	`, now)
	if err != nil {
		return nil, err
	}
	return collectOrders(rows)
}

// UpdateOrderPayment applies u if the order still has the version it was read
// with and is still reconcilable. Credited transfers are recorded in the same
// transaction. ErrConcurrentUpdate means another writer got there first.
func (s *Store) UpdateOrderPayment(ctx context.Context, u models.PaymentUpdate) error {
	if len(u.NewTxHashes) == 0 {
		return errEmptyPaymentWrite
	}

	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE orders
		SET status=$3::text,
			paid_amount=$4::numeric,
			remaining_amount=$5::numeric,
			tx_hashes=array_cat(tx_hashes, $6::text[]),
			version=version+1,
			completed_at=CASE WHEN $3::text='completed' THEN now() ELSE completed_at END,
			updated_at=now()
		WHERE id=$1 AND version=$2
			AND status IN ('pending','underpaid')
			AND NOT (tx_hashes && $6::text[])
	`,
		u.OrderID,
		u.ExpectedVersion,
		string(u.Status),
		u.PaidAmount.String(),
		u.RemainingAmount.String(),
		u.NewTxHashes,
	)
	if err != nil {
		return fmt.Errorf("update order %s: %w", u.OrderID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConcurrentUpdate
	}

	for _, t := range u.Transfers {
		tag, err := tx.Exec(ctx, `
			INSERT INTO order_payments (
				tx_hash, log_index, order_id, sender, amount, payment_method, block_number
			) VALUES ($1,$2,$3,$4,$5::numeric,$6,$7)
			ON CONFLICT (tx_hash, log_index) DO NOTHING
		`,
			t.TxHash,
			t.LogIndex,
			u.OrderID,
			t.Sender,
			t.Amount.String(),
			string(t.Method),
			int64(t.BlockNumber),
		)
		if err != nil {
			return fmt.Errorf("record payment %s for order %s: %w", t.TxHash, u.OrderID, err)
		}
		if tag.RowsAffected() == 0 {
			// Already credited to another order.
			return ErrConcurrentUpdate
		}
	}
	return tx.Commit(ctx)
}

// CreditedTxHashes reports which of hashes are already recorded against any order.
func (s *Store) CreditedTxHashes(ctx context.Context, hashes []string) (map[string]bool, error) {
	out := make(map[string]bool)
	if len(hashes) == 0 {
		return out, nil
	}
	rows, err := s.Pool.Query(ctx, `
		SELECT DISTINCT tx_hash
		FROM order_payments
		WHERE tx_hash = ANY($1::text[])
	`, hashes)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		out[h] = true
	}
	return out, rows.Err()
}

func (s *Store) FetchOrderItems(ctx context.Context, orderID string) ([]models.OrderItem, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT order_id, name, quantity, unit_price::text
		FROM order_items
		WHERE order_id=$1
		ORDER BY id
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []models.OrderItem
	for rows.Next() {
		var item models.OrderItem
		var price string
		if err := rows.Scan(&item.OrderID, &item.Name, &item.Quantity, &price); err != nil {
			return nil, err
		}
		if item.UnitPrice, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("order %s item %q: %w", orderID, item.Name, err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// MarkNotified records that the confirmation for orderID went out.
func (s *Store) MarkNotified(ctx context.Context, orderID string, at time.Time) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE orders SET notified_at=$2, updated_at=now()
		WHERE id=$1 AND notified_at IS NULL
	`, orderID, at)
	return err
}

// ListUnnotifiedCompleted returns completed orders whose confirmation has not
// been sent and that completed at or after since.
func (s *Store) ListUnnotifiedCompleted(ctx context.Context, since time.Time) ([]*models.Order, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status='completed' AND notified_at IS NULL AND completed_at >= $1
		ORDER BY completed_at
	`, since)
	if err != nil {
		return nil, err
	}
	return collectOrders(rows)
}

func (s *Store) GetSyncHeight(ctx context.Context) (uint64, error) {
	row := s.Pool.QueryRow(ctx, `SELECT value FROM sync_state WHERE key=$1`, syncHeightKey)
	var v string
	if err := row.Scan(&v); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return strconv.ParseUint(v, 10, 64)
}

func (s *Store) SetSyncHeight(ctx context.Context, height uint64) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO sync_state (key, value)
		VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value
	`, syncHeightKey, strconv.FormatUint(height, 10))
	return err
}
