package store

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("store: not found")

type Store interface {
	// Queued requests
	CreateQueuedRequest(ctx context.Context, req *QueuedRequest) error
	ListQueuedRequests(ctx context.Context) ([]*QueuedRequest, error)
	UpdateQueuedRequest(ctx context.Context, req *QueuedRequest) error
	DeleteQueuedRequest(ctx context.Context, id string) error
	DeleteQueuedRequestByRequestID(ctx context.Context, requestID string) error
	CountDueQueuedRequests(ctx context.Context, now time.Time) (int, error)
	GetQueueCounts(ctx context.Context, now time.Time) (*QueueCounts, error)
	ClearRetrySchedule(ctx context.Context) error

	// Orders
	CreatePaidOrder(ctx context.Context, order *Order) error
	GetOrder(ctx context.Context, id string) (*Order, error)

	// Order sync state
	GetOrderSyncState(ctx context.Context, orderID string) (*OrderSyncState, error)
	UpdateOrderSyncState(ctx context.Context, state *OrderSyncState) error
	ResetAbandonedSyncing(ctx context.Context, now time.Time) (int, error)
	ListEligibleOrderSyncStates(ctx context.Context, maxFailures int, now time.Time) ([]*OrderSyncState, error)
	ListOrderSyncStates(ctx context.Context, limit, offset int) ([]*OrderSyncState, error)
	CountUnsyncedOrders(ctx context.Context) (int, error)
	DeleteOrderSyncState(ctx context.Context, orderID string) error

	// General
	Close() error
}
