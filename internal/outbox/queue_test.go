package outbox

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pos-sync-service/internal/config"
	"pos-sync-service/internal/notify"
	"pos-sync-service/internal/platform"
	"pos-sync-service/internal/store"
)

type fakeResponse struct {
	status int
	err    error
}

type sentCall struct {
	method    string
	url       string
	requestID string
}

type fakeSender struct {
	mu     sync.Mutex
	script []fakeResponse
	calls  []sentCall
	gate   chan struct{} // when set, Send blocks until the gate is closed
}

func (f *fakeSender) Send(ctx context.Context, method, url string, body []byte, headers map[string]string) (*platform.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, sentCall{method: method, url: url, requestID: headers[platform.IdempotencyHeader]})
	r := fakeResponse{status: 200}
	if len(f.script) > 0 {
		r = f.script[0]
		f.script = f.script[1:]
	}
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if r.err != nil {
		return nil, r.err
	}
	return &platform.Response{StatusCode: r.status, Body: []byte(`{}`)}, nil
}

func (f *fakeSender) respond(responses ...fakeResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = append(f.script, responses...)
}

func (f *fakeSender) sent() []sentCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentCall, len(f.calls))
	copy(out, f.calls)
	return out
}

type fakeNotifier struct {
	mu     sync.Mutex
	titles []string
}

func (f *fakeNotifier) Notify(title, message string, severity notify.Severity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.titles = append(f.titles, title)
}

func (f *fakeNotifier) all() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.titles))
	copy(out, f.titles)
	return out
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestQueue(t *testing.T, cfg Config) (*Queue, *fakeSender, *fakeNotifier, *fakeClock) {
	t.Helper()

	st, err := store.NewSQLiteStore(config.StoreConfig{Path: filepath.Join(t.TempDir(), "queue.db")})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	sender := &fakeSender{}
	notifier := &fakeNotifier{}
	clock := &fakeClock{t: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}

	q := New(cfg, st, sender, notifier)
	q.autoDrain = false
	q.now = clock.Now

	return q, sender, notifier, clock
}

func defaultConfig() Config {
	return Config{BaseDelay: 30 * time.Second, MaxDelay: 5 * time.Minute}
}

func TestEnqueueValidation(t *testing.T) {
	q, _, _, _ := newTestQueue(t, defaultConfig())
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "not a url", "POST", nil, nil, "")
	require.Error(t, err)

	_, err = q.Enqueue(ctx, "ftp://example.com/x", "POST", nil, nil, "")
	require.Error(t, err)

	_, err = q.Enqueue(ctx, "https://example.com/x", "GET", nil, nil, "")
	require.Error(t, err)
}

func TestEnqueueRequestID(t *testing.T) {
	q, _, _, _ := newTestQueue(t, defaultConfig())
	ctx := context.Background()

	generated, err := q.Enqueue(ctx, "https://example.com/a", "POST", nil, nil, "")
	require.NoError(t, err)
	require.NotEmpty(t, generated.RequestID)

	supplied, err := q.Enqueue(ctx, "https://example.com/b", "POST", nil, nil, "my-key")
	require.NoError(t, err)
	require.Equal(t, "my-key", supplied.RequestID)
}

func TestDrainDeliversInOrder(t *testing.T) {
	q, sender, _, _ := newTestQueue(t, defaultConfig())
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "https://example.com/a", "POST", []byte(`{}`), nil, "req-a")
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "https://example.com/b", "PUT", nil, nil, "req-b")
	require.NoError(t, err)

	require.NoError(t, q.Drain(ctx))

	calls := sender.sent()
	require.Len(t, calls, 2)
	require.Equal(t, "req-a", calls[0].requestID)
	require.Equal(t, "req-b", calls[1].requestID)

	status, err := q.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, status.Length)
}

func TestClientErrorRemovesAndNotifies(t *testing.T) {
	q, sender, notifier, _ := newTestQueue(t, defaultConfig())
	ctx := context.Background()

	sender.respond(fakeResponse{status: 422})

	_, err := q.Enqueue(ctx, "https://example.com/a", "POST", nil, nil, "req-a")
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "https://example.com/b", "POST", nil, nil, "req-b")
	require.NoError(t, err)

	require.NoError(t, q.Drain(ctx))

	// The rejected entry is removed and the next one still delivered.
	require.Len(t, sender.sent(), 2)
	require.Contains(t, notifier.all(), "Request rejected")

	status, err := q.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, status.Length)
}

func TestRetryableFailureBlocksEntriesBehindIt(t *testing.T) {
	q, sender, _, clock := newTestQueue(t, defaultConfig())
	ctx := context.Background()

	sender.respond(fakeResponse{status: 500})

	_, err := q.Enqueue(ctx, "https://example.com/a", "POST", nil, nil, "req-a")
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "https://example.com/b", "POST", nil, nil, "req-b")
	require.NoError(t, err)

	require.NoError(t, q.Drain(ctx))
	require.Len(t, sender.sent(), 1, "B must not be attempted while A is blocked")

	// A is still in backoff; a second drain attempts nothing.
	require.NoError(t, q.Drain(ctx))
	require.Len(t, sender.sent(), 1)

	clock.Advance(30 * time.Second)
	require.NoError(t, q.Drain(ctx))

	calls := sender.sent()
	require.Len(t, calls, 3)
	require.Equal(t, "req-a", calls[1].requestID, "retry resends the same idempotency key")
	require.Equal(t, "req-b", calls[2].requestID)
}

func TestNetworkErrorSchedulesRetry(t *testing.T) {
	q, sender, _, clock := newTestQueue(t, defaultConfig())
	ctx := context.Background()

	sender.respond(fakeResponse{err: errors.New("connection reset")})

	_, err := q.Enqueue(ctx, "https://example.com/a", "POST", nil, nil, "req-a")
	require.NoError(t, err)
	require.NoError(t, q.Drain(ctx))

	status, err := q.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, status.Length)
	require.Equal(t, 1, status.Retrying)

	clock.Advance(30 * time.Second)
	require.NoError(t, q.Drain(ctx))

	status, err = q.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, status.Length)
}

func TestBackoffScenario(t *testing.T) {
	// 503 three times, then 200, base 30s, ceiling 300s: delays 30s, 60s, 120s.
	q, sender, _, clock := newTestQueue(t, Config{BaseDelay: 30 * time.Second, MaxDelay: 300 * time.Second})
	ctx := context.Background()

	sender.respond(fakeResponse{status: 503}, fakeResponse{status: 503}, fakeResponse{status: 503})

	_, err := q.Enqueue(ctx, "https://example.com/orders", "POST", nil, nil, "req-1")
	require.NoError(t, err)

	expected := []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second}
	for _, want := range expected {
		require.NoError(t, q.Drain(ctx))

		reqs, err := q.store.ListQueuedRequests(ctx)
		require.NoError(t, err)
		require.Len(t, reqs, 1)
		require.True(t, reqs[0].NextRetryAt.Valid)
		require.Equal(t, want, reqs[0].NextRetryAt.Time.Sub(reqs[0].LastAttemptAt.Time))

		clock.Advance(want)
	}

	require.NoError(t, q.Drain(ctx))

	status, err := q.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, status.Length)
	require.Len(t, sender.sent(), 4)
}

func TestBackoffMonotonicAndCapped(t *testing.T) {
	q, _, _, _ := newTestQueue(t, Config{BaseDelay: 30 * time.Second, MaxDelay: 300 * time.Second})

	prev := time.Duration(0)
	for attempts := 1; attempts <= 10; attempts++ {
		d := q.delay(attempts)
		require.GreaterOrEqual(t, d, prev)
		require.LessOrEqual(t, d, 300*time.Second)
		prev = d
	}
	require.Equal(t, 300*time.Second, q.delay(10))
}

func TestMaxAttemptsDropsEntry(t *testing.T) {
	q, sender, notifier, clock := newTestQueue(t, Config{BaseDelay: time.Second, MaxDelay: time.Minute, MaxAttempts: 2})
	ctx := context.Background()

	sender.respond(fakeResponse{status: 500}, fakeResponse{status: 500})

	_, err := q.Enqueue(ctx, "https://example.com/a", "POST", nil, nil, "req-a")
	require.NoError(t, err)

	require.NoError(t, q.Drain(ctx))
	clock.Advance(time.Second)
	require.NoError(t, q.Drain(ctx))

	status, err := q.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, status.Length)
	require.Contains(t, notifier.all(), "Request failed permanently")
}

func TestMaxAttemptsDropDoesNotBlockFollowers(t *testing.T) {
	q, sender, notifier, _ := newTestQueue(t, Config{BaseDelay: time.Second, MaxDelay: time.Minute, MaxAttempts: 1})
	ctx := context.Background()

	sender.respond(fakeResponse{status: 500})

	_, err := q.Enqueue(ctx, "https://example.com/a", "POST", nil, nil, "req-a")
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "https://example.com/b", "POST", nil, nil, "req-b")
	require.NoError(t, err)

	// A exhausts its single attempt and is dropped; B delivers in the same pass.
	require.NoError(t, q.Drain(ctx))

	calls := sender.sent()
	require.Len(t, calls, 2)
	require.Equal(t, "req-a", calls[0].requestID)
	require.Equal(t, "req-b", calls[1].requestID)
	require.Contains(t, notifier.all(), "Request failed permanently")

	status, err := q.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, status.Length)
}

func TestStoredHeaderCannotShadowIdempotencyKey(t *testing.T) {
	q, sender, _, _ := newTestQueue(t, defaultConfig())
	ctx := context.Background()

	headers := map[string]string{
		platform.IdempotencyHeader: "stale-key",
		"X-Shop":                   "main",
	}
	_, err := q.Enqueue(ctx, "https://example.com/a", "POST", nil, headers, "req-a")
	require.NoError(t, err)

	require.NoError(t, q.Drain(ctx))

	calls := sender.sent()
	require.Len(t, calls, 1)
	require.Equal(t, "req-a", calls[0].requestID)
}

func TestRetryAllClearsBackoff(t *testing.T) {
	q, sender, _, _ := newTestQueue(t, defaultConfig())
	ctx := context.Background()

	sender.respond(fakeResponse{status: 500})

	_, err := q.Enqueue(ctx, "https://example.com/a", "POST", nil, nil, "req-a")
	require.NoError(t, err)
	require.NoError(t, q.Drain(ctx))
	require.Len(t, sender.sent(), 1)

	// Without advancing the clock, a manual retry delivers immediately.
	require.NoError(t, q.RetryAll(ctx))

	status, err := q.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, status.Length)
}

func TestDiscard(t *testing.T) {
	q, sender, _, _ := newTestQueue(t, defaultConfig())
	ctx := context.Background()

	sender.respond(fakeResponse{status: 500})

	_, err := q.Enqueue(ctx, "https://example.com/a", "POST", nil, nil, "req-a")
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "https://example.com/b", "POST", nil, nil, "req-b")
	require.NoError(t, err)
	require.NoError(t, q.Drain(ctx))

	// Discarding the blocker unblocks the entry behind it.
	require.NoError(t, q.Discard(ctx, "req-a"))
	require.NoError(t, q.Drain(ctx))

	calls := sender.sent()
	require.Equal(t, "req-b", calls[len(calls)-1].requestID)

	require.ErrorIs(t, q.Discard(ctx, "req-a"), store.ErrNotFound)
}

func TestConcurrentDrainCoalesces(t *testing.T) {
	q, sender, _, _ := newTestQueue(t, defaultConfig())
	ctx := context.Background()

	gate := make(chan struct{})
	sender.gate = gate

	_, err := q.Enqueue(ctx, "https://example.com/a", "POST", nil, nil, "req-a")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- q.Drain(ctx) }()

	require.Eventually(t, func() bool { return len(sender.sent()) == 1 }, time.Second, time.Millisecond)

	// A drain while one is in flight returns immediately without delivering.
	require.NoError(t, q.Drain(ctx))
	require.Len(t, sender.sent(), 1)

	close(gate)
	require.NoError(t, <-done)

	status, err := q.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, status.Length)
}
