package outbox

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pos-sync-service/internal/logger"
	"pos-sync-service/internal/notify"
	"pos-sync-service/internal/platform"
	"pos-sync-service/internal/store"
)

type Config struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int // 0 means retry indefinitely
}

var allowedMethods = map[string]bool{
	"POST":   true,
	"PUT":    true,
	"PATCH":  true,
	"DELETE": true,
}

// Queue is the durable outbox of pending remote mutations. Entries are
// delivered in insertion order; a retryable failure blocks everything behind
// it until the entry succeeds, is rejected, or is discarded.
type Queue struct {
	cfg      Config
	store    store.Store
	sender   platform.Sender
	notifier notify.Notifier
	now      func() time.Time

	mu       sync.Mutex
	draining bool
	kicked   bool

	// tests disable the async drain kick for determinism
	autoDrain bool
}

func New(cfg Config, st store.Store, sender platform.Sender, notifier notify.Notifier) *Queue {
	return &Queue{
		cfg:       cfg,
		store:     st,
		sender:    sender,
		notifier:  notifier,
		now:       time.Now,
		autoDrain: true,
	}
}

// Enqueue appends a pending mutation. A missing requestID gets a fresh
// idempotency key that stays stable across every retry of this entry.
func (q *Queue) Enqueue(ctx context.Context, target, method string, body []byte, headers map[string]string, requestID string) (*store.QueuedRequest, error) {
	u, err := url.ParseRequestURI(target)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", target, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if !allowedMethods[method] {
		return nil, fmt.Errorf("unsupported method %q", method)
	}

	if requestID == "" {
		requestID = uuid.New().String()
	}

	req := &store.QueuedRequest{
		ID:          uuid.New().String(),
		RequestID:   requestID,
		URL:         target,
		Method:      method,
		Body:        body,
		Headers:     headers,
		MaxAttempts: q.cfg.MaxAttempts,
		CreatedAt:   q.now(),
	}

	if err := q.store.CreateQueuedRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("failed to enqueue request: %w", err)
	}

	logger.Log.Debug("Enqueued request",
		zap.String("requestID", req.RequestID),
		zap.String("method", method),
		zap.String("url", target),
	)

	if q.autoDrain {
		go func() {
			if err := q.Drain(context.Background()); err != nil {
				logger.Log.Error("Drain after enqueue failed", zap.Error(err))
			}
		}()
	}

	return req, nil
}

// Drain delivers eligible entries in insertion order. At most one drain runs
// at a time; concurrent calls return immediately and an enqueue arriving
// mid-drain is picked up by a follow-up pass.
func (q *Queue) Drain(ctx context.Context) error {
	q.mu.Lock()
	if q.draining {
		q.kicked = true
		q.mu.Unlock()
		return nil
	}
	q.draining = true
	q.kicked = false
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.draining = false
		q.mu.Unlock()
	}()

	for {
		blocked, err := q.drainPass(ctx)
		if err != nil {
			return err
		}
		if blocked {
			return nil
		}

		q.mu.Lock()
		again := q.kicked
		q.kicked = false
		q.mu.Unlock()
		if !again {
			return nil
		}
	}
}

// drainPass runs one pass over the queue. It returns blocked=true when the
// pass stopped early on a backoff window or a retryable failure.
func (q *Queue) drainPass(ctx context.Context) (bool, error) {
	reqs, err := q.store.ListQueuedRequests(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to list queue: %w", err)
	}

	for _, req := range reqs {
		if !req.Due(q.now()) {
			return true, nil
		}

		stop, err := q.deliver(ctx, req)
		if err != nil {
			return false, err
		}
		if stop {
			return true, nil
		}
	}

	return false, nil
}

// deliver attempts one entry. It returns stop=true when draining must halt
// behind this entry.
func (q *Queue) deliver(ctx context.Context, req *store.QueuedRequest) (bool, error) {
	attemptAt := q.now()
	req.Attempts++
	req.LastAttemptAt.Time = attemptAt
	req.LastAttemptAt.Valid = true

	headers := make(map[string]string, len(req.Headers)+1)
	for k, v := range req.Headers {
		headers[k] = v
	}
	// Set last so a stored header can never shadow the stable key.
	headers[platform.IdempotencyHeader] = req.RequestID

	resp, sendErr := q.sender.Send(ctx, req.Method, req.URL, req.Body, headers)

	switch {
	case sendErr == nil && platform.IsSuccess(resp.StatusCode):
		logger.Log.Info("Delivered queued request",
			zap.String("requestID", req.RequestID),
			zap.Int("status", resp.StatusCode),
			zap.Int("attempts", req.Attempts),
		)
		return false, q.store.DeleteQueuedRequest(ctx, req.ID)

	case sendErr == nil && platform.IsClientError(resp.StatusCode):
		logger.Log.Warn("Queued request rejected",
			zap.String("requestID", req.RequestID),
			zap.Int("status", resp.StatusCode),
		)
		q.notifier.Notify("Request rejected",
			fmt.Sprintf("%s %s was rejected with status %d and will not be retried", req.Method, req.URL, resp.StatusCode),
			notify.SeverityWarning)
		return false, q.store.DeleteQueuedRequest(ctx, req.ID)

	default:
		// Server error or transport failure
		if req.MaxAttempts > 0 && req.Attempts >= req.MaxAttempts {
			logger.Log.Error("Queued request exhausted attempts",
				zap.String("requestID", req.RequestID),
				zap.Int("attempts", req.Attempts),
				zap.Error(sendErr),
			)
			q.notifier.Notify("Request failed permanently",
				fmt.Sprintf("%s %s was dropped after %d attempts", req.Method, req.URL, req.Attempts),
				notify.SeverityError)
			// The dropped entry no longer blocks anything behind it.
			return false, q.store.DeleteQueuedRequest(ctx, req.ID)
		}

		delay := q.delay(req.Attempts)
		req.NextRetryAt.Time = attemptAt.Add(delay)
		req.NextRetryAt.Valid = true

		logger.Log.Warn("Queued request delivery failed, backing off",
			zap.String("requestID", req.RequestID),
			zap.Int("attempts", req.Attempts),
			zap.Duration("delay", delay),
			zap.Error(sendErr),
		)

		if err := q.store.UpdateQueuedRequest(ctx, req); err != nil {
			return true, err
		}
		return true, nil
	}
}

// delay computes the exponential backoff for the given attempt count,
// capped at MaxDelay. Pure in the attempt counter so the schedule can be
// recomputed from persisted state after a restart.
func (q *Queue) delay(attempts int) time.Duration {
	d := q.cfg.BaseDelay
	for i := 1; i < attempts; i++ {
		if d >= q.cfg.MaxDelay {
			break
		}
		d *= 2
	}
	if d > q.cfg.MaxDelay {
		d = q.cfg.MaxDelay
	}
	return d
}

func (q *Queue) Status(ctx context.Context) (*store.QueueCounts, error) {
	return q.store.GetQueueCounts(ctx, q.now())
}

// RetryAll clears every backoff window and drains immediately.
func (q *Queue) RetryAll(ctx context.Context) error {
	if err := q.store.ClearRetrySchedule(ctx); err != nil {
		return fmt.Errorf("failed to clear retry schedule: %w", err)
	}
	return q.Drain(ctx)
}

func (q *Queue) Discard(ctx context.Context, requestID string) error {
	return q.store.DeleteQueuedRequestByRequestID(ctx, requestID)
}

// HasDue reports whether any entry is eligible for delivery now. The
// periodic trigger uses this to skip needless drains.
func (q *Queue) HasDue(ctx context.Context) (bool, error) {
	n, err := q.store.CountDueQueuedRequests(ctx, q.now())
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
