package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"CryptoPayRecon/internal/lock"
	"CryptoPayRecon/internal/metrics"
	"CryptoPayRecon/internal/models"
	"CryptoPayRecon/internal/notify"
	"CryptoPayRecon/internal/payments"
	"CryptoPayRecon/internal/store"
	"CryptoPayRecon/internal/tracing"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrOrderNotEligible = errors.New("order is not eligible for reconciliation")
	ErrChain            = errors.New("chain read failed")
)

const (
	runLockKey = "payments:reconcile"

	markNotifiedAttempts = 3
	markNotifiedBackoff  = 100 * time.Millisecond
)

type OrderStore interface {
	FetchEligibleOrders(ctx context.Context, now time.Time) ([]*models.Order, error)
	UpdateOrderPayment(ctx context.Context, u models.PaymentUpdate) error
	CreditedTxHashes(ctx context.Context, hashes []string) (map[string]bool, error)
	FetchOrderItems(ctx context.Context, orderID string) ([]models.OrderItem, error)
	MarkNotified(ctx context.Context, orderID string, at time.Time) error
	ListUnnotifiedCompleted(ctx context.Context, since time.Time) ([]*models.Order, error)
	GetSyncHeight(ctx context.Context) (uint64, error)
	SetSyncHeight(ctx context.Context, height uint64) error
}

// Reconciler runs one reconciliation pass: it credits new on-chain transfers
// to eligible orders and sends confirmations for orders that completed.
type Reconciler struct {
	Store     OrderStore
	Chain     payments.ChainReader
	Extractor *payments.Extractor
	Engine    payments.Engine
	Notifier  notify.Notifier
	Locker    lock.Locker
	Logger    *zap.Logger

	ConfirmDelay      uint64
	Lookback          uint64
	MaxCatchup        uint64
	OrderConcurrency  int
	NotifyRetryWindow time.Duration
	LockTTL           time.Duration
	Now               func() time.Time
}

type RunOptions struct {
	// OrderID limits the run to one order. The block checkpoint is left alone.
	OrderID string
}

type RunReport struct {
	RunID           string   `json:"runId"`
	OrderID         string   `json:"orderId,omitempty"`
	FromBlock       uint64   `json:"fromBlock"`
	ToBlock         uint64   `json:"toBlock"`
	GapBlocks       uint64   `json:"gapBlocks,omitempty"`
	EligibleOrders  int      `json:"eligibleOrders"`
	SkippedOrders   int      `json:"skippedOrders"`
	Transfers       int      `json:"transfers"`
	MatchedOrders   int      `json:"matchedOrders"`
	UpdatedOrders   int      `json:"updatedOrders"`
	CompletedOrders []string `json:"completedOrders,omitempty"`
	FailedOrders    []string `json:"failedOrders,omitempty"`
	Notified        int      `json:"notified"`
	NotifyFailures  int      `json:"notifyFailures"`
}

type orderResult struct {
	orderID      string
	updated      bool
	completed    bool
	failed       bool
	notified     bool
	notifyFailed bool
}

// Run executes a reconciliation pass. It returns lock.ErrLocked when another
// run holds the lock, ErrOrderNotEligible when a scoped order cannot be
// reconciled and an ErrChain wrapped error when the chain could not be read.
// Failures of single orders are reported in the RunReport, not as an error.
func (r *Reconciler) Run(ctx context.Context, opts RunOptions) (*RunReport, error) {
	start := time.Now()
	report := &RunReport{RunID: uuid.NewString(), OrderID: opts.OrderID}
	log := r.Logger.With(zap.String("run_id", report.RunID))
	if opts.OrderID != "" {
		log = log.With(zap.String("scope_order_id", opts.OrderID))
	}

	ctx, span := tracing.StartSpan(ctx, "reconcile.Run")
	defer span.End()
	span.SetAttributes(attribute.String("run_id", report.RunID))

	release, err := r.Locker.Acquire(ctx, runLockKey, r.LockTTL)
	if err != nil {
		if errors.Is(err, lock.ErrLocked) {
			log.Info("run skipped, lock held elsewhere")
		} else {
			log.Error("acquire run lock", zap.Error(err))
		}
		metrics.RunsTotal.WithLabelValues(runResult(err)).Inc()
		return report, err
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := release(rctx); err != nil {
			log.Warn("release run lock", zap.Error(err))
		}
	}()

	err = r.run(ctx, opts, report, log)

	metrics.RunsTotal.WithLabelValues(runResult(err)).Inc()
	metrics.RunDuration.Observe(time.Since(start).Seconds())
	fields := []zap.Field{
		zap.Uint64("from_block", report.FromBlock),
		zap.Uint64("to_block", report.ToBlock),
		zap.Int("eligible", report.EligibleOrders),
		zap.Int("transfers", report.Transfers),
		zap.Int("updated", report.UpdatedOrders),
		zap.Int("completed", len(report.CompletedOrders)),
		zap.Int("failed", len(report.FailedOrders)),
		zap.Duration("took", time.Since(start)),
	}
	if err != nil {
		span.RecordError(err)
		log.Error("reconciliation run failed", append(fields, zap.Error(err))...)
		return report, err
	}
	log.Info("reconciliation run finished", fields...)
	return report, nil
}

func (r *Reconciler) run(ctx context.Context, opts RunOptions, report *RunReport, log *zap.Logger) error {
	now := r.now()
	orders, err := r.Store.FetchEligibleOrders(ctx, now)
	if err != nil {
		return fmt.Errorf("fetch eligible orders: %w", err)
	}
	if opts.OrderID != "" && findOrder(orders, opts.OrderID) == nil {
		return ErrOrderNotEligible
	}
	report.EligibleOrders = len(orders)

	valid := r.screen(orders, log)
	report.SkippedOrders = len(orders) - len(valid)
	if opts.OrderID != "" {
		// Competing orders stay in so the oldest-owner rule still applies.
		valid = competingOrders(valid, opts.OrderID)
	}

	if err := r.scan(ctx, valid, opts, report, log); err != nil {
		return err
	}

	if opts.OrderID == "" {
		r.retryNotifications(ctx, now, report, log)
	}
	return nil
}

// screen drops orders that can never be matched. They are logged on every run.
func (r *Reconciler) screen(orders []*models.Order, log *zap.Logger) []*models.Order {
	out := make([]*models.Order, 0, len(orders))
	for _, o := range orders {
		olog := log.With(zap.String("order_id", o.OrderID))
		switch {
		case o.Wallet() == "":
			olog.Warn("order has no wallet address")
			metrics.OrdersSkipped.WithLabelValues("no_wallet").Inc()
		case !o.TotalTokenAmount.IsPositive():
			olog.Error("order skipped", zap.Error(payments.ErrInvalidTotal),
				zap.String("total_token_amount", o.TotalTokenAmount.String()))
			metrics.OrdersSkipped.WithLabelValues("invalid_total").Inc()
		case !r.Extractor.Supports(o.PaymentMethod):
			olog.Warn("order uses an unconfigured payment method",
				zap.String("method", string(o.PaymentMethod)))
			metrics.OrdersSkipped.WithLabelValues("unsupported_method").Inc()
		default:
			out = append(out, o)
		}
	}
	return out
}

func (r *Reconciler) scan(ctx context.Context, orders []*models.Order, opts RunOptions, report *RunReport, log *zap.Logger) error {
	head, err := r.Chain.LatestBlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("%w: latest block: %w", ErrChain, err)
	}

	full := opts.OrderID == ""
	var last uint64
	if full {
		if last, err = r.Store.GetSyncHeight(ctx); err != nil {
			return fmt.Errorf("read checkpoint: %w", err)
		}
	}

	window, gap, ok := payments.ComputeWindow(head, r.ConfirmDelay, r.Lookback, last, r.MaxCatchup)
	if !ok {
		log.Info("chain head is within the confirmation delay", zap.Uint64("head", head))
		return nil
	}
	report.FromBlock, report.ToBlock, report.GapBlocks = window.From, window.To, gap
	if gap > 0 {
		log.Warn("blocks left unscanned since the previous run",
			zap.Uint64("checkpoint", last),
			zap.Uint64("from_block", window.From),
			zap.Uint64("gap_blocks", gap),
		)
		metrics.WindowGapBlocks.Add(float64(gap))
	}

	if len(orders) > 0 {
		wanted := make(map[models.PaymentMethod]bool)
		for _, o := range orders {
			wanted[payments.NormalizeMethod(o.PaymentMethod)] = true
		}

		transfers, err := r.Extractor.Extract(ctx, window, wanted)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrChain, err)
		}
		report.Transfers = len(transfers)

		if transfers, err = r.dropCredited(ctx, transfers, log); err != nil {
			return fmt.Errorf("load credited payments: %w", err)
		}

		matches := payments.MatchTransfers(orders, transfers, log)
		if !full {
			matches = keepMatch(matches, opts.OrderID)
		}
		report.MatchedOrders = len(matches)
		r.apply(ctx, matches, report, log)
	}

	if full {
		if err := r.Store.SetSyncHeight(ctx, window.To); err != nil {
			log.Error("store checkpoint", zap.Uint64("block", window.To), zap.Error(err))
		}
	}
	return nil
}

// dropCredited removes transfers whose transaction is already credited to
// some order, including orders that are no longer eligible.
func (r *Reconciler) dropCredited(ctx context.Context, transfers []models.Transfer, log *zap.Logger) ([]models.Transfer, error) {
	if len(transfers) == 0 {
		return transfers, nil
	}
	seen := make(map[string]bool, len(transfers))
	hashes := make([]string, 0, len(transfers))
	for _, t := range transfers {
		if !seen[t.TxHash] {
			seen[t.TxHash] = true
			hashes = append(hashes, t.TxHash)
		}
	}
	credited, err := r.Store.CreditedTxHashes(ctx, hashes)
	if err != nil {
		return nil, err
	}
	if len(credited) == 0 {
		return transfers, nil
	}

	out := transfers[:0:0]
	for _, t := range transfers {
		if credited[t.TxHash] {
			continue
		}
		out = append(out, t)
	}
	log.Debug("skipped already credited transfers", zap.Int("count", len(transfers)-len(out)))
	return out, nil
}

// apply reconciles matched orders concurrently. Every order is handled by
// exactly one goroutine.
func (r *Reconciler) apply(ctx context.Context, matches []payments.Match, report *RunReport, log *zap.Logger) {
	results := make([]orderResult, len(matches))

	var g errgroup.Group
	g.SetLimit(max(r.OrderConcurrency, 1))
	for i, m := range matches {
		i, m := i, m
		g.Go(func() error {
			results[i] = r.reconcileOrder(ctx, m, log)
			return nil
		})
	}
	_ = g.Wait()

	for _, res := range results {
		if res.updated {
			report.UpdatedOrders++
		}
		if res.completed {
			report.CompletedOrders = append(report.CompletedOrders, res.orderID)
		}
		if res.failed {
			report.FailedOrders = append(report.FailedOrders, res.orderID)
		}
		if res.notified {
			report.Notified++
		}
		if res.notifyFailed {
			report.NotifyFailures++
		}
	}
}

func (r *Reconciler) reconcileOrder(ctx context.Context, m payments.Match, log *zap.Logger) orderResult {
	order := m.Order
	res := orderResult{orderID: order.OrderID}
	olog := log.With(zap.String("order_id", order.OrderID))

	out, changed, err := r.Engine.Evaluate(order, m.Transfers)
	if err != nil {
		olog.Error("evaluate order", zap.Error(err))
		res.failed = true
		return res
	}
	if !changed {
		return res
	}

	if err := r.Store.UpdateOrderPayment(ctx, out.Update(order)); err != nil {
		reason := "store"
		if errors.Is(err, store.ErrConcurrentUpdate) {
			reason = "conflict"
			olog.Warn("order changed by another writer, left for the next run")
		} else {
			olog.Error("persist order payment", zap.Error(err))
		}
		metrics.OrderWriteFailures.WithLabelValues(reason).Inc()
		res.failed = true
		return res
	}
	res.updated = true

	for _, t := range out.Transfers {
		metrics.TransfersCredited.WithLabelValues(string(t.Method)).Inc()
	}
	metrics.OrderTransitions.WithLabelValues(string(out.Status)).Inc()
	olog.Info("order payment updated",
		zap.String("from_status", string(out.PreviousStatus)),
		zap.String("status", string(out.Status)),
		zap.String("credited", out.Credited.String()),
		zap.String("paid", out.PaidAmount.String()),
		zap.String("remaining", out.RemainingAmount.String()),
		zap.Strings("tx_hashes", out.NewTxHashes),
	)
	if out.Overpaid() {
		olog.Warn("order overpaid",
			zap.String("paid", out.PaidAmount.String()),
			zap.String("total_token_amount", out.Total.String()),
		)
		metrics.Overpayments.Inc()
	}

	if out.Completed() {
		res.completed = true
		done := *order
		done.Status = out.Status
		done.PaidAmount = out.PaidAmount
		done.RemainingAmount = out.RemainingAmount
		res.notified = r.notify(ctx, &done, olog)
		res.notifyFailed = !res.notified
	}
	return res
}

// notify sends the confirmation and records it. A failure leaves the order
// unnotified for the retry sweep.
func (r *Reconciler) notify(ctx context.Context, order *models.Order, log *zap.Logger) bool {
	items, err := r.Store.FetchOrderItems(ctx, order.OrderID)
	if err != nil {
		log.Error("fetch order items for confirmation", zap.Error(err))
		metrics.NotifyFailures.Inc()
		return false
	}

	c := notify.Confirmation{
		To:           order.Email,
		CustomerName: order.CustomerName,
		OrderID:      order.OrderID,
		OrderDate:    order.CreatedAt,
		Items:        items,
		Total:        order.Total,
	}
	if err := r.Notifier.SendOrderConfirmation(ctx, c); err != nil {
		log.Error("send order confirmation", zap.Error(err))
		metrics.NotifyFailures.Inc()
		return false
	}
	if err := r.markNotified(ctx, order.OrderID); err != nil {
		// The retry sweep will send this confirmation again.
		log.Error("confirmation sent but not recorded", zap.Error(err))
	}
	return true
}

func (r *Reconciler) markNotified(ctx context.Context, orderID string) error {
	var err error
	for attempt := 1; attempt <= markNotifiedAttempts; attempt++ {
		if err = r.Store.MarkNotified(ctx, orderID, r.now()); err == nil {
			return nil
		}
		if attempt == markNotifiedAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(time.Duration(attempt) * markNotifiedBackoff):
		}
	}
	return err
}

func (r *Reconciler) retryNotifications(ctx context.Context, now time.Time, report *RunReport, log *zap.Logger) {
	if r.NotifyRetryWindow <= 0 {
		return
	}
	orders, err := r.Store.ListUnnotifiedCompleted(ctx, now.Add(-r.NotifyRetryWindow))
	if err != nil {
		log.Error("list unnotified orders", zap.Error(err))
		return
	}

	tried := make(map[string]bool, len(report.CompletedOrders))
	for _, id := range report.CompletedOrders {
		tried[id] = true
	}
	for _, o := range orders {
		if tried[o.OrderID] {
			continue
		}
		olog := log.With(zap.String("order_id", o.OrderID))
		olog.Info("resending order confirmation")
		if r.notify(ctx, o, olog) {
			report.Notified++
		} else {
			report.NotifyFailures++
		}
	}
}

func (r *Reconciler) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now().UTC()
}

func findOrder(orders []*models.Order, id string) *models.Order {
	for _, o := range orders {
		if o.OrderID == id {
			return o
		}
	}
	return nil
}

// competingOrders returns the orders that could claim the same transfers as
// order id. It is empty when id was screened out.
func competingOrders(orders []*models.Order, id string) []*models.Order {
	target := findOrder(orders, id)
	if target == nil {
		return nil
	}
	method := payments.NormalizeMethod(target.PaymentMethod)
	var out []*models.Order
	for _, o := range orders {
		if payments.NormalizeMethod(o.PaymentMethod) == method {
			out = append(out, o)
		}
	}
	return out
}

func keepMatch(matches []payments.Match, id string) []payments.Match {
	for _, m := range matches {
		if m.Order.OrderID == id {
			return []payments.Match{m}
		}
	}
	return nil
}

func runResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, lock.ErrLocked):
		return "locked"
	case errors.Is(err, ErrOrderNotEligible):
		return "not_eligible"
	case errors.Is(err, ErrChain):
		return "chain_error"
	default:
		return "error"
	}
}
