package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pos-sync-service/internal/config"
	"pos-sync-service/internal/lan"
	"pos-sync-service/internal/notify"
	"pos-sync-service/internal/ordersync"
	"pos-sync-service/internal/outbox"
	"pos-sync-service/internal/platform"
	"pos-sync-service/internal/store"
	"pos-sync-service/internal/trigger"
)

type okSender struct{}

func (okSender) Send(ctx context.Context, method, url string, body []byte, headers map[string]string) (*platform.Response, error) {
	return &platform.Response{StatusCode: 200, Body: []byte(`{"id":"remote-1"}`)}, nil
}

func newTestServer(t *testing.T, authToken string) *httptest.Server {
	t.Helper()

	st, err := store.NewSQLiteStore(config.StoreConfig{Path: filepath.Join(t.TempDir(), "api.db")})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	notifier := notify.LogNotifier{}
	auditor := notify.LogAuditor{}
	sender := okSender{}

	coord := lan.NewCoordinator(config.LANConfig{Mode: config.ModeStandalone}, "register-1", notifier)

	queue := outbox.New(outbox.Config{BaseDelay: time.Second, MaxDelay: time.Minute}, st, sender, notifier)
	engine := ordersync.New(ordersync.Config{
		OrdersURL:  "https://platform.example.com/api/orders",
		BaseDelay:  time.Second,
		MaxDelay:   time.Minute,
		MaxRetries: 3,
	}, st, sender, notifier, auditor, coord)
	manager := trigger.NewManager(config.TriggerConfig{Enabled: false}, queue, engine)

	h := NewHandler(config.ServerConfig{AuthToken: authToken}, queue, engine, coord, manager)

	ts := httptest.NewServer(h.Routes())
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, ts *httptest.Server, method, path, token, body string) *http.Response {
	t.Helper()

	var req *http.Request
	var err error
	if body != "" {
		req, err = http.NewRequest(method, ts.URL+path, strings.NewReader(body))
	} else {
		req, err = http.NewRequest(method, ts.URL+path, nil)
	}
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestHealthNeedsNoAuth(t *testing.T) {
	ts := newTestServer(t, "op-token")

	resp := doJSON(t, ts, http.MethodGet, "/health", "", "")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPIRejectsBadToken(t *testing.T) {
	ts := newTestServer(t, "op-token")

	resp := doJSON(t, ts, http.MethodGet, "/api/v1/queue/status", "wrong", "")
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestQueueStatusEmpty(t *testing.T) {
	ts := newTestServer(t, "op-token")

	resp := doJSON(t, ts, http.MethodGet, "/api/v1/queue/status", "op-token", "")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, 0, body["length"])
	require.Equal(t, 0, body["pendingCount"])
	require.Equal(t, 0, body["retryingCount"])
}

func TestDiscardUnknownRequest(t *testing.T) {
	ts := newTestServer(t, "op-token")

	resp := doJSON(t, ts, http.MethodDelete, "/api/v1/queue/nope", "op-token", "")
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRecordOrderSyncsAndShowsInView(t *testing.T) {
	ts := newTestServer(t, "op-token")

	resp := doJSON(t, ts, http.MethodPost, "/api/v1/orders", "op-token",
		`{"order_id":"order-1","total":1200,"payload":{"items":[]}}`)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// The record kicks an async scan which syncs against the fake platform.
	require.Eventually(t, func() bool {
		r := doJSON(t, ts, http.MethodGet, "/api/v1/orders/unsynced/count", "op-token", "")
		defer r.Body.Close()
		var body map[string]int
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return false
		}
		return body["count"] == 0
	}, 5*time.Second, 10*time.Millisecond)

	view := doJSON(t, ts, http.MethodGet, "/api/v1/orders/sync", "op-token", "")
	defer view.Body.Close()

	var entries []ordersync.QueueEntry
	require.NoError(t, json.NewDecoder(view.Body).Decode(&entries))
	require.Len(t, entries, 1)
	require.Equal(t, store.SyncStatusSynced, entries[0].SyncStatus)
	require.Equal(t, "remote-1", entries[0].RemoteID)
}

func TestRecordOrderRequiresID(t *testing.T) {
	ts := newTestServer(t, "op-token")

	resp := doJSON(t, ts, http.MethodPost, "/api/v1/orders", "op-token", `{"total":100}`)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPeersEmptyInStandalone(t *testing.T) {
	ts := newTestServer(t, "op-token")

	resp := doJSON(t, ts, http.MethodGet, "/api/v1/peers", "op-token", "")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var peers []lan.PeerRegistration
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&peers))
	require.Empty(t, peers)
}

func TestAppStateSignalValidation(t *testing.T) {
	ts := newTestServer(t, "op-token")

	resp := doJSON(t, ts, http.MethodPost, "/api/v1/signals/app-state", "op-token", `{"state":"asleep"}`)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	ok := doJSON(t, ts, http.MethodPost, "/api/v1/signals/app-state", "op-token", `{"state":"background"}`)
	defer ok.Body.Close()
	require.Equal(t, http.StatusOK, ok.StatusCode)
}
