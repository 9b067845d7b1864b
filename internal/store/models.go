package store

import (
	"database/sql"
	"encoding/json"
	"time"
)

type QueuedRequest struct {
	ID            string            `db:"id"`
	RequestID     string            `db:"request_id"`
	URL           string            `db:"url"`
	Method        string            `db:"method"`
	Body          []byte            `db:"body"`
	Headers       map[string]string `db:"headers"`
	Attempts      int               `db:"attempts"`
	MaxAttempts   int               `db:"max_attempts"`
	CreatedAt     time.Time         `db:"created_at"`
	LastAttemptAt sql.NullTime      `db:"last_attempt_at"`
	NextRetryAt   sql.NullTime      `db:"next_retry_at"`
}

// Due reports whether the entry is eligible for delivery at t.
func (q *QueuedRequest) Due(t time.Time) bool {
	return !q.NextRetryAt.Valid || !q.NextRetryAt.Time.After(t)
}

const (
	OrderStatusOpen = "open"
	OrderStatusPaid = "paid"
)

type Order struct {
	ID        string          `db:"id"`
	Status    string          `db:"status"`
	Total     int64           `db:"total"`
	Payload   json.RawMessage `db:"payload"`
	CreatedAt time.Time       `db:"created_at"`
	UpdatedAt time.Time       `db:"updated_at"`
}

const (
	SyncStatusPending = "pending"
	SyncStatusSyncing = "syncing"
	SyncStatusSynced  = "synced"
	SyncStatusFailed  = "failed"
)

type OrderSyncState struct {
	OrderID       string         `db:"order_id"`
	RemoteID      sql.NullString `db:"remote_id"`
	SyncStatus    string         `db:"sync_status"`
	SyncError     sql.NullString `db:"sync_error"`
	SyncedAt      sql.NullTime   `db:"synced_at"`
	FailureCount  int            `db:"failure_count"`
	Rejected      bool           `db:"rejected"`
	LastAttemptAt sql.NullTime   `db:"last_attempt_at"`
	NextAttemptAt sql.NullTime   `db:"next_attempt_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
}

type QueueCounts struct {
	Length   int
	Pending  int
	Retrying int
}
