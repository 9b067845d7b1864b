package ordersync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"pos-sync-service/internal/logger"
	"pos-sync-service/internal/notify"
	"pos-sync-service/internal/platform"
	"pos-sync-service/internal/store"
)

type Config struct {
	OrdersURL  string
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxRetries int
}

// Publisher propagates locally committed domain facts to sibling registers.
type Publisher interface {
	Publish(ctx context.Context, eventType, entity string, payload json.RawMessage) error
}

// Engine drives the per-order sync state machine:
// pending → syncing → synced, or pending → syncing → failed → (retry) → syncing.
// The durable sync status is the single source of truth; after any pause the
// engine simply rescans.
type Engine struct {
	cfg       Config
	store     store.Store
	sender    platform.Sender
	notifier  notify.Notifier
	auditor   notify.Auditor
	publisher Publisher
	now       func() time.Time

	mu       sync.Mutex
	scanning bool
	paused   bool

	// tests disable the async scan kick for determinism
	autoScan bool
}

func New(cfg Config, st store.Store, sender platform.Sender, notifier notify.Notifier, auditor notify.Auditor, publisher Publisher) *Engine {
	return &Engine{
		cfg:       cfg,
		store:     st,
		sender:    sender,
		notifier:  notifier,
		auditor:   auditor,
		publisher: publisher,
		now:       time.Now,
		autoScan:  true,
	}
}

// RecordPaid persists a completed order together with its pending sync state
// in one transaction, publishes the order-created event to the LAN layer, and
// kicks a sync scan.
func (e *Engine) RecordPaid(ctx context.Context, order *store.Order) error {
	if order.ID == "" {
		return fmt.Errorf("order id is required")
	}

	now := e.now()
	order.Status = store.OrderStatusPaid
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now

	if err := e.store.CreatePaidOrder(ctx, order); err != nil {
		return fmt.Errorf("failed to record paid order: %w", err)
	}

	e.auditor.Audit("order.paid", map[string]interface{}{"order_id": order.ID})

	if e.publisher != nil {
		if err := e.publisher.Publish(ctx, "order-created", "order:"+order.ID, order.Payload); err != nil {
			// The order is committed locally; peer propagation catches up later.
			logger.Log.Warn("Failed to publish order-created event", zap.String("orderID", order.ID), zap.Error(err))
		}
	}

	if e.autoScan {
		go func() {
			if err := e.Scan(context.Background()); err != nil {
				logger.Log.Error("Scan after order payment failed", zap.Error(err))
			}
		}()
	}

	return nil
}

// Scan finds every paid order still owing a sync, oldest first, and attempts
// each one. At most one scan runs at a time; a scan while paused is a no-op.
func (e *Engine) Scan(ctx context.Context) error {
	e.mu.Lock()
	if e.scanning || e.paused {
		e.mu.Unlock()
		return nil
	}
	e.scanning = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.scanning = false
		e.mu.Unlock()
	}()

	// A syncing row with no scan running means the process died mid-attempt;
	// put it back in line before listing.
	if n, err := e.store.ResetAbandonedSyncing(ctx, e.now()); err != nil {
		return fmt.Errorf("failed to recover interrupted syncs: %w", err)
	} else if n > 0 {
		logger.Log.Warn("Recovered orders stranded mid-sync", zap.Int("count", n))
	}

	states, err := e.store.ListEligibleOrderSyncStates(ctx, e.cfg.MaxRetries, e.now())
	if err != nil {
		return fmt.Errorf("failed to scan for unsynced orders: %w", err)
	}

	for _, st := range states {
		e.mu.Lock()
		paused := e.paused
		e.mu.Unlock()
		if paused {
			return nil
		}

		if err := e.syncOne(ctx, st); err != nil {
			return err
		}
	}

	return nil
}

// syncOne runs one order through syncing and records the terminal outcome of
// the attempt. Each transition is a single atomic row update.
func (e *Engine) syncOne(ctx context.Context, st *store.OrderSyncState) error {
	order, err := e.store.GetOrder(ctx, st.OrderID)
	if err != nil {
		return fmt.Errorf("failed to load order %s: %w", st.OrderID, err)
	}

	attemptAt := e.now()
	st.SyncStatus = store.SyncStatusSyncing
	st.LastAttemptAt = sql.NullTime{Time: attemptAt, Valid: true}
	st.UpdatedAt = attemptAt
	if err := e.store.UpdateOrderSyncState(ctx, st); err != nil {
		return err
	}
	e.auditor.Audit("order.sync.started", map[string]interface{}{"order_id": st.OrderID})

	headers := map[string]string{platform.IdempotencyHeader: "order-sync-" + st.OrderID}
	resp, sendErr := e.sender.Send(ctx, "POST", e.cfg.OrdersURL, order.Payload, headers)

	switch {
	case sendErr == nil && platform.IsSuccess(resp.StatusCode):
		return e.markSynced(ctx, st, resp.Body)
	case sendErr == nil && platform.IsClientError(resp.StatusCode):
		return e.markRejected(ctx, st, resp.StatusCode)
	default:
		return e.markFailed(ctx, st, sendErr, resp)
	}
}

func (e *Engine) markSynced(ctx context.Context, st *store.OrderSyncState, body []byte) error {
	var remote struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &remote); err != nil || remote.ID == "" {
		// Accepted but unparseable; keep the order synced without a remote id.
		logger.Log.Warn("Remote accepted order without a readable id", zap.String("orderID", st.OrderID))
	}

	now := e.now()
	st.SyncStatus = store.SyncStatusSynced
	st.RemoteID = sql.NullString{String: remote.ID, Valid: remote.ID != ""}
	st.SyncedAt = sql.NullTime{Time: now, Valid: true}
	st.SyncError = sql.NullString{}
	st.NextAttemptAt = sql.NullTime{}
	st.UpdatedAt = now
	if err := e.store.UpdateOrderSyncState(ctx, st); err != nil {
		return err
	}

	logger.Log.Info("Order synced", zap.String("orderID", st.OrderID), zap.String("remoteID", remote.ID))
	e.notifier.Notify("Order synced", fmt.Sprintf("Order %s synced to the platform", st.OrderID), notify.SeverityInfo)
	e.auditor.Audit("order.sync.succeeded", map[string]interface{}{
		"order_id":  st.OrderID,
		"remote_id": remote.ID,
	})
	return nil
}

// markRejected handles a non-retryable platform rejection: the order goes
// terminally failed and waits for manual action. The rejected flag keeps it
// out of automatic scans without touching the real attempt count.
func (e *Engine) markRejected(ctx context.Context, st *store.OrderSyncState, status int) error {
	now := e.now()
	st.SyncStatus = store.SyncStatusFailed
	st.SyncError = sql.NullString{String: fmt.Sprintf("platform rejected order with status %d", status), Valid: true}
	st.FailureCount++
	st.Rejected = true
	st.NextAttemptAt = sql.NullTime{}
	st.UpdatedAt = now
	if err := e.store.UpdateOrderSyncState(ctx, st); err != nil {
		return err
	}

	e.notifier.Notify("Order sync rejected",
		fmt.Sprintf("Order %s was rejected by the platform (status %d); manual review required", st.OrderID, status),
		notify.SeverityWarning)
	e.auditor.Audit("order.sync.rejected", map[string]interface{}{
		"order_id": st.OrderID,
		"status":   status,
	})
	return nil
}

func (e *Engine) markFailed(ctx context.Context, st *store.OrderSyncState, sendErr error, resp *platform.Response) error {
	reason := "network error"
	if sendErr != nil {
		reason = sendErr.Error()
	} else if resp != nil {
		reason = fmt.Sprintf("platform returned status %d", resp.StatusCode)
	}

	now := e.now()
	st.SyncStatus = store.SyncStatusFailed
	st.SyncError = sql.NullString{String: reason, Valid: true}
	st.FailureCount++
	st.UpdatedAt = now

	if st.FailureCount >= e.cfg.MaxRetries {
		st.NextAttemptAt = sql.NullTime{}
		if err := e.store.UpdateOrderSyncState(ctx, st); err != nil {
			return err
		}
		e.notifier.Notify("Order sync failed",
			fmt.Sprintf("Order %s failed to sync after %d attempts and needs manual retry", st.OrderID, st.FailureCount),
			notify.SeverityError)
		e.auditor.Audit("order.sync.exhausted", map[string]interface{}{
			"order_id": st.OrderID,
			"failures": st.FailureCount,
			"error":    reason,
		})
		return nil
	}

	delay := e.delay(st.FailureCount)
	st.NextAttemptAt = sql.NullTime{Time: now.Add(delay), Valid: true}
	if err := e.store.UpdateOrderSyncState(ctx, st); err != nil {
		return err
	}

	logger.Log.Warn("Order sync attempt failed",
		zap.String("orderID", st.OrderID),
		zap.Int("failures", st.FailureCount),
		zap.Duration("delay", delay),
	)
	e.notifier.Notify("Order sync delayed",
		fmt.Sprintf("Order %s failed to sync (%s); retrying in %s", st.OrderID, reason, delay),
		notify.SeverityWarning)
	e.auditor.Audit("order.sync.failed", map[string]interface{}{
		"order_id": st.OrderID,
		"failures": st.FailureCount,
		"error":    reason,
	})
	return nil
}

func (e *Engine) delay(failures int) time.Duration {
	d := e.cfg.BaseDelay
	for i := 1; i < failures; i++ {
		if d >= e.cfg.MaxDelay {
			break
		}
		d *= 2
	}
	if d > e.cfg.MaxDelay {
		d = e.cfg.MaxDelay
	}
	return d
}

// Retry resets a failed order so the next scan picks it up again. Synced
// orders are immutable with respect to sync state.
func (e *Engine) Retry(ctx context.Context, orderID string) error {
	st, err := e.store.GetOrderSyncState(ctx, orderID)
	if err != nil {
		return err
	}
	if st.SyncStatus == store.SyncStatusSynced {
		return fmt.Errorf("order %s is already synced", orderID)
	}

	st.SyncStatus = store.SyncStatusPending
	st.SyncError = sql.NullString{}
	st.FailureCount = 0
	st.Rejected = false
	st.NextAttemptAt = sql.NullTime{}
	st.UpdatedAt = e.now()
	if err := e.store.UpdateOrderSyncState(ctx, st); err != nil {
		return err
	}

	e.auditor.Audit("order.sync.manual_retry", map[string]interface{}{"order_id": orderID})
	return nil
}

// Discard removes an order from the sync backlog for good. Audited and
// irreversible.
func (e *Engine) Discard(ctx context.Context, orderID string) error {
	st, err := e.store.GetOrderSyncState(ctx, orderID)
	if err != nil {
		return err
	}
	if st.SyncStatus == store.SyncStatusSynced {
		return fmt.Errorf("order %s is already synced", orderID)
	}

	if err := e.store.DeleteOrderSyncState(ctx, orderID); err != nil {
		return err
	}

	e.notifier.Notify("Order sync discarded",
		fmt.Sprintf("Order %s was removed from the sync backlog", orderID),
		notify.SeverityWarning)
	e.auditor.Audit("order.sync.discarded", map[string]interface{}{"order_id": orderID})
	return nil
}

func (e *Engine) Pause() {
	e.mu.Lock()
	e.paused = true
	e.mu.Unlock()
	logger.Log.Info("Order sync paused")
}

// Resume clears the pause and rescans; in-flight knowledge from before the
// pause is deliberately not trusted.
func (e *Engine) Resume(ctx context.Context) {
	e.mu.Lock()
	e.paused = false
	e.mu.Unlock()
	logger.Log.Info("Order sync resumed")

	if err := e.Scan(ctx); err != nil {
		logger.Log.Error("Rescan after resume failed", zap.Error(err))
	}
}

func (e *Engine) UnsyncedCount(ctx context.Context) (int, error) {
	return e.store.CountUnsyncedOrders(ctx)
}

type QueueEntry struct {
	OrderID       string     `json:"order_id"`
	SyncStatus    string     `json:"sync_status"`
	Error         string     `json:"error,omitempty"`
	RemoteID      string     `json:"remote_id,omitempty"`
	Attempts      int        `json:"attempts"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	RetryEligible bool       `json:"retry_eligible"`
}

// QueueView returns the operator-facing view of every order's sync state.
func (e *Engine) QueueView(ctx context.Context, limit, offset int) ([]QueueEntry, error) {
	states, err := e.store.ListOrderSyncStates(ctx, limit, offset)
	if err != nil {
		return nil, err
	}

	entries := make([]QueueEntry, 0, len(states))
	for _, st := range states {
		entry := QueueEntry{
			OrderID:       st.OrderID,
			SyncStatus:    st.SyncStatus,
			Attempts:      st.FailureCount,
			RetryEligible: st.SyncStatus != store.SyncStatusSynced,
		}
		if st.SyncError.Valid {
			entry.Error = st.SyncError.String
		}
		if st.RemoteID.Valid {
			entry.RemoteID = st.RemoteID.String
		}
		if st.LastAttemptAt.Valid {
			t := st.LastAttemptAt.Time
			entry.LastAttemptAt = &t
		}
		entries = append(entries, entry)
	}

	return entries, nil
}
