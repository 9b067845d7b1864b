package api

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"pos-sync-service/internal/config"
	"pos-sync-service/internal/lan"
	"pos-sync-service/internal/ordersync"
	"pos-sync-service/internal/outbox"
	"pos-sync-service/internal/store"
	"pos-sync-service/internal/trigger"
)

type Handler struct {
	cfg     config.ServerConfig
	queue   *outbox.Queue
	engine  *ordersync.Engine
	lan     *lan.Coordinator
	manager *trigger.Manager
}

func NewHandler(cfg config.ServerConfig, queue *outbox.Queue, engine *ordersync.Engine, coord *lan.Coordinator, manager *trigger.Manager) *Handler {
	return &Handler{
		cfg:     cfg,
		queue:   queue,
		engine:  engine,
		lan:     coord,
		manager: manager,
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(h.corsMiddleware)

	r.Get("/health", h.HealthCheck)

	if peerRoutes := h.lan.Routes(); peerRoutes != nil {
		r.Mount("/peer/v1", peerRoutes)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(h.authMiddleware)

		r.Get("/queue/status", h.GetQueueStatus)
		r.Post("/queue/retry", h.RetryAll)
		r.Delete("/queue/{requestID}", h.DiscardRequest)

		r.Post("/orders", h.RecordOrder)
		r.Get("/orders/unsynced/count", h.GetUnsyncedCount)
		r.Get("/orders/sync", h.GetSyncQueueView)
		r.Post("/orders/{orderID}/sync/retry", h.RetryOrderSync)
		r.Delete("/orders/{orderID}/sync", h.DiscardOrderSync)

		r.Get("/peers", h.GetPeers)

		r.Post("/signals/connectivity", h.ConnectivitySignal)
		r.Post("/signals/app-state", h.AppStateSignal)
	})

	return r
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handler) GetQueueStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := h.queue.Status(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(map[string]int{
		"length":        counts.Length,
		"pendingCount":  counts.Pending,
		"retryingCount": counts.Retrying,
	})
}

func (h *Handler) RetryAll(w http.ResponseWriter, r *http.Request) {
	if err := h.queue.RetryAll(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	go h.manager.Kick()
	json.NewEncoder(w).Encode(map[string]string{"status": "retrying"})
}

func (h *Handler) DiscardRequest(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestID")
	if err := h.queue.Discard(r.Context(), requestID); err != nil {
		if err == store.ErrNotFound {
			http.Error(w, "request not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "discarded"})
}

type recordOrderRequest struct {
	OrderID string          `json:"order_id"`
	Total   int64           `json:"total"`
	Payload json.RawMessage `json:"payload"`
}

// RecordOrder is the checkout collaborator's entry point for a completed
// payment: it durably records the order with a pending sync state.
func (h *Handler) RecordOrder(w http.ResponseWriter, r *http.Request) {
	var in recordOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "invalid order payload", http.StatusBadRequest)
		return
	}

	order := &store.Order{
		ID:      in.OrderID,
		Total:   in.Total,
		Payload: in.Payload,
	}
	if err := h.engine.RecordPaid(r.Context(), order); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{"order_id": order.ID, "sync_status": store.SyncStatusPending})
}

func (h *Handler) GetUnsyncedCount(w http.ResponseWriter, r *http.Request) {
	count, err := h.engine.UnsyncedCount(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(map[string]int{"count": count})
}

func (h *Handler) GetSyncQueueView(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	offset := queryInt(r, "offset", 0)

	entries, err := h.engine.QueueView(r.Context(), limit, offset)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(entries)
}

func (h *Handler) RetryOrderSync(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	if err := h.engine.Retry(r.Context(), orderID); err != nil {
		if err == store.ErrNotFound {
			http.Error(w, "order not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	go h.manager.Kick()
	json.NewEncoder(w).Encode(map[string]string{"status": "retrying"})
}

func (h *Handler) DiscardOrderSync(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	if err := h.engine.Discard(r.Context(), orderID); err != nil {
		if err == store.ErrNotFound {
			http.Error(w, "order not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "discarded"})
}

func (h *Handler) GetPeers(w http.ResponseWriter, r *http.Request) {
	peers := h.lan.Peers()
	if peers == nil {
		peers = []lan.PeerRegistration{}
	}
	json.NewEncoder(w).Encode(peers)
}

type connectivitySignal struct {
	Connected         bool `json:"connected"`
	InternetReachable bool `json:"internet_reachable"`
}

func (h *Handler) ConnectivitySignal(w http.ResponseWriter, r *http.Request) {
	var in connectivitySignal
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "invalid signal payload", http.StatusBadRequest)
		return
	}
	h.manager.OnConnectivityChange(in.Connected, in.InternetReachable)
	if !in.Connected {
		h.lan.Rediscover()
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

type appStateSignal struct {
	State string `json:"state"`
}

func (h *Handler) AppStateSignal(w http.ResponseWriter, r *http.Request) {
	var in appStateSignal
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "invalid signal payload", http.StatusBadRequest)
		return
	}
	if in.State != trigger.AppStateActive && in.State != trigger.AppStateBackground {
		http.Error(w, "state must be active or background", http.StatusBadRequest)
		return
	}
	h.manager.OnAppStateChange(in.State)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (h *Handler) corsMiddleware(next http.Handler) http.Handler {
	origins := strings.Join(h.cfg.CorsOrigins, ", ")
	if origins == "" {
		origins = "*"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origins)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type")

		if r.Method == http.MethodOptions {
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.cfg.AuthToken == "" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if len(token) > len(prefix) {
			token = token[len(prefix):]
		}

		if subtle.ConstantTimeCompare([]byte(token), []byte(h.cfg.AuthToken)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
