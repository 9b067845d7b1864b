package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"pos-sync-service/internal/config"
	"pos-sync-service/internal/logger"
)

const schema = `
CREATE TABLE IF NOT EXISTS queued_requests (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	request_id TEXT NOT NULL UNIQUE,
	url TEXT NOT NULL,
	method TEXT NOT NULL,
	body BLOB,
	headers TEXT,
	attempts INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	last_attempt_at INTEGER,
	next_retry_at INTEGER
);

CREATE TABLE IF NOT EXISTS orders (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	total INTEGER NOT NULL DEFAULT 0,
	payload TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS order_sync_state (
	order_id TEXT PRIMARY KEY REFERENCES orders(id),
	remote_id TEXT,
	sync_status TEXT NOT NULL DEFAULT 'pending',
	sync_error TEXT,
	synced_at INTEGER,
	failure_count INTEGER NOT NULL DEFAULT 0,
	rejected INTEGER NOT NULL DEFAULT 0,
	last_attempt_at INTEGER,
	next_attempt_at INTEGER,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sync_state_status ON order_sync_state(sync_status);
`

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(cfg config.StoreConfig) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// SQLite supports a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	logger.Log.Info("Opened state store", zap.String("path", cfg.Path))

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// execTx executes a function within a transaction
func (s *SQLiteStore) execTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx err: %v, rb err: %v", err, rbErr)
		}
		return err
	}

	return tx.Commit()
}

// Timestamps are stored as unix nanoseconds.

func nanos(t time.Time) int64 {
	return t.UnixNano()
}

func nullNanos(t sql.NullTime) sql.NullInt64 {
	if !t.Valid {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Time.UnixNano(), Valid: true}
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n)
}

func nullTime(n sql.NullInt64) sql.NullTime {
	if !n.Valid {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: time.Unix(0, n.Int64), Valid: true}
}

func (s *SQLiteStore) CreateQueuedRequest(ctx context.Context, req *QueuedRequest) error {
	var headers []byte
	if req.Headers != nil {
		b, err := json.Marshal(req.Headers)
		if err != nil {
			return fmt.Errorf("failed to encode headers: %w", err)
		}
		headers = b
	}

	query := `INSERT INTO queued_requests (id, request_id, url, method, body, headers, attempts, max_attempts, created_at, last_attempt_at, next_retry_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		req.ID,
		req.RequestID,
		req.URL,
		req.Method,
		req.Body,
		headers,
		req.Attempts,
		req.MaxAttempts,
		nanos(req.CreatedAt),
		nullNanos(req.LastAttemptAt),
		nullNanos(req.NextRetryAt),
	)

	return err
}

func scanQueuedRequest(scan func(dest ...interface{}) error) (*QueuedRequest, error) {
	var req QueuedRequest
	var headers sql.NullString
	var createdAt int64
	var lastAttemptAt, nextRetryAt sql.NullInt64

	err := scan(
		&req.ID,
		&req.RequestID,
		&req.URL,
		&req.Method,
		&req.Body,
		&headers,
		&req.Attempts,
		&req.MaxAttempts,
		&createdAt,
		&lastAttemptAt,
		&nextRetryAt,
	)
	if err != nil {
		return nil, err
	}

	if headers.Valid && headers.String != "" {
		if err := json.Unmarshal([]byte(headers.String), &req.Headers); err != nil {
			return nil, fmt.Errorf("failed to decode headers: %w", err)
		}
	}
	req.CreatedAt = fromNanos(createdAt)
	req.LastAttemptAt = nullTime(lastAttemptAt)
	req.NextRetryAt = nullTime(nextRetryAt)

	return &req, nil
}

func (s *SQLiteStore) ListQueuedRequests(ctx context.Context) ([]*QueuedRequest, error) {
	query := `SELECT id, request_id, url, method, body, headers, attempts, max_attempts, created_at, last_attempt_at, next_retry_at
			  FROM queued_requests ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reqs []*QueuedRequest
	for rows.Next() {
		req, err := scanQueuedRequest(rows.Scan)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}

	return reqs, rows.Err()
}

func (s *SQLiteStore) UpdateQueuedRequest(ctx context.Context, req *QueuedRequest) error {
	query := `UPDATE queued_requests SET attempts = ?, last_attempt_at = ?, next_retry_at = ? WHERE id = ?`

	res, err := s.db.ExecContext(ctx, query,
		req.Attempts,
		nullNanos(req.LastAttemptAt),
		nullNanos(req.NextRetryAt),
		req.ID,
	)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteQueuedRequest(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM queued_requests WHERE id = ?`, id)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteQueuedRequestByRequestID(ctx context.Context, requestID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM queued_requests WHERE request_id = ?`, requestID)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) CountDueQueuedRequests(ctx context.Context, now time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM queued_requests WHERE next_retry_at IS NULL OR next_retry_at <= ?`

	var count int
	err := s.db.QueryRowContext(ctx, query, nanos(now)).Scan(&count)
	return count, err
}

func (s *SQLiteStore) GetQueueCounts(ctx context.Context, now time.Time) (*QueueCounts, error) {
	query := `SELECT COUNT(*),
			  COALESCE(SUM(CASE WHEN next_retry_at IS NOT NULL AND next_retry_at > ? THEN 1 ELSE 0 END), 0)
			  FROM queued_requests`

	var counts QueueCounts
	if err := s.db.QueryRowContext(ctx, query, nanos(now)).Scan(&counts.Length, &counts.Retrying); err != nil {
		return nil, err
	}
	counts.Pending = counts.Length - counts.Retrying

	return &counts, nil
}

func (s *SQLiteStore) ClearRetrySchedule(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `UPDATE queued_requests SET next_retry_at = NULL`)
	return err
}

// CreatePaidOrder writes the order and its pending sync state in one transaction,
// so a paid order can never exist without a sync record.
func (s *SQLiteStore) CreatePaidOrder(ctx context.Context, order *Order) error {
	return s.execTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO orders (id, status, total, payload, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
			order.ID,
			OrderStatusPaid,
			order.Total,
			[]byte(order.Payload),
			nanos(order.CreatedAt),
			nanos(order.UpdatedAt),
		)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO order_sync_state (order_id, sync_status, updated_at) VALUES (?, ?, ?)`,
			order.ID,
			SyncStatusPending,
			nanos(order.UpdatedAt),
		)
		return err
	})
}

func (s *SQLiteStore) GetOrder(ctx context.Context, id string) (*Order, error) {
	query := `SELECT id, status, total, payload, created_at, updated_at FROM orders WHERE id = ?`

	var o Order
	var payload []byte
	var createdAt, updatedAt int64

	err := s.db.QueryRowContext(ctx, query, id).Scan(&o.ID, &o.Status, &o.Total, &payload, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	o.Payload = json.RawMessage(payload)
	o.CreatedAt = fromNanos(createdAt)
	o.UpdatedAt = fromNanos(updatedAt)

	return &o, nil
}

func scanSyncState(scan func(dest ...interface{}) error) (*OrderSyncState, error) {
	var st OrderSyncState
	var syncedAt, lastAttemptAt, nextAttemptAt sql.NullInt64
	var updatedAt int64

	err := scan(
		&st.OrderID,
		&st.RemoteID,
		&st.SyncStatus,
		&st.SyncError,
		&syncedAt,
		&st.FailureCount,
		&st.Rejected,
		&lastAttemptAt,
		&nextAttemptAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	st.SyncedAt = nullTime(syncedAt)
	st.LastAttemptAt = nullTime(lastAttemptAt)
	st.NextAttemptAt = nullTime(nextAttemptAt)
	st.UpdatedAt = fromNanos(updatedAt)

	return &st, nil
}

const syncStateColumns = `order_id, remote_id, sync_status, sync_error, synced_at, failure_count, rejected, last_attempt_at, next_attempt_at, updated_at`

func (s *SQLiteStore) GetOrderSyncState(ctx context.Context, orderID string) (*OrderSyncState, error) {
	query := `SELECT ` + syncStateColumns + ` FROM order_sync_state WHERE order_id = ?`

	st, err := scanSyncState(s.db.QueryRowContext(ctx, query, orderID).Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (s *SQLiteStore) UpdateOrderSyncState(ctx context.Context, state *OrderSyncState) error {
	query := `UPDATE order_sync_state SET remote_id = ?, sync_status = ?, sync_error = ?, synced_at = ?,
			  failure_count = ?, rejected = ?, last_attempt_at = ?, next_attempt_at = ?, updated_at = ?
			  WHERE order_id = ?`

	res, err := s.db.ExecContext(ctx, query,
		state.RemoteID,
		state.SyncStatus,
		state.SyncError,
		nullNanos(state.SyncedAt),
		state.FailureCount,
		state.Rejected,
		nullNanos(state.LastAttemptAt),
		nullNanos(state.NextAttemptAt),
		nanos(state.UpdatedAt),
		state.OrderID,
	)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetAbandonedSyncing moves every syncing row back to pending. A row can
// only be syncing while an attempt is in flight, so anything found in that
// status outside an attempt was stranded by an interrupted process.
func (s *SQLiteStore) ResetAbandonedSyncing(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE order_sync_state SET sync_status = ?, updated_at = ? WHERE sync_status = ?`,
		SyncStatusPending, nanos(now), SyncStatusSyncing,
	)
	if err != nil {
		return 0, err
	}

	n, err := res.RowsAffected()
	return int(n), err
}

// ListEligibleOrderSyncStates returns paid orders still needing sync, oldest
// first, excluding orders that exhausted their retries or are still in backoff.
func (s *SQLiteStore) ListEligibleOrderSyncStates(ctx context.Context, maxFailures int, now time.Time) ([]*OrderSyncState, error) {
	query := `SELECT s.order_id, s.remote_id, s.sync_status, s.sync_error, s.synced_at, s.failure_count, s.rejected, s.last_attempt_at, s.next_attempt_at, s.updated_at
			  FROM order_sync_state s
			  JOIN orders o ON o.id = s.order_id
			  WHERE o.status = ?
			  AND s.sync_status IN (?, ?)
			  AND s.rejected = 0
			  AND s.failure_count < ?
			  AND (s.next_attempt_at IS NULL OR s.next_attempt_at <= ?)
			  ORDER BY o.created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, OrderStatusPaid, SyncStatusPending, SyncStatusFailed, maxFailures, nanos(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []*OrderSyncState
	for rows.Next() {
		st, err := scanSyncState(rows.Scan)
		if err != nil {
			return nil, err
		}
		states = append(states, st)
	}

	return states, rows.Err()
}

func (s *SQLiteStore) ListOrderSyncStates(ctx context.Context, limit, offset int) ([]*OrderSyncState, error) {
	query := `SELECT s.order_id, s.remote_id, s.sync_status, s.sync_error, s.synced_at, s.failure_count, s.rejected, s.last_attempt_at, s.next_attempt_at, s.updated_at
			  FROM order_sync_state s
			  JOIN orders o ON o.id = s.order_id
			  ORDER BY o.created_at ASC LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []*OrderSyncState
	for rows.Next() {
		st, err := scanSyncState(rows.Scan)
		if err != nil {
			return nil, err
		}
		states = append(states, st)
	}

	return states, rows.Err()
}

func (s *SQLiteStore) CountUnsyncedOrders(ctx context.Context) (int, error) {
	query := `SELECT COUNT(*) FROM order_sync_state WHERE sync_status != ?`

	var count int
	err := s.db.QueryRowContext(ctx, query, SyncStatusSynced).Scan(&count)
	return count, err
}

func (s *SQLiteStore) DeleteOrderSyncState(ctx context.Context, orderID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM order_sync_state WHERE order_id = ?`, orderID)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
