package trigger

import (
	"context"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"pos-sync-service/internal/config"
	"pos-sync-service/internal/logger"
)

// Drainer is the outbox queue surface the trigger manager drives.
type Drainer interface {
	Drain(ctx context.Context) error
	HasDue(ctx context.Context) (bool, error)
}

// Scanner is the order sync engine surface the trigger manager drives.
type Scanner interface {
	Scan(ctx context.Context) error
	Pause()
	Resume(ctx context.Context)
}

// Manager decides when to drain and scan. It owns no queue state; every
// signal path coalesces into the single-flight guarantees of the queue and
// the engine.
type Manager struct {
	cfg    config.TriggerConfig
	queue  Drainer
	orders Scanner
	cron   *cron.Cron

	mu        sync.Mutex
	connected bool
	reachable bool
	active    bool
}

func NewManager(cfg config.TriggerConfig, queue Drainer, orders Scanner) *Manager {
	return &Manager{
		cfg:    cfg,
		queue:  queue,
		orders: orders,
		cron:   cron.New(),
		active: true,
	}
}

func (m *Manager) Start() {
	if !m.cfg.Enabled {
		logger.Log.Info("Periodic trigger is disabled")
		return
	}

	logger.Log.Info("Starting periodic trigger", zap.String("interval", m.cfg.Interval))

	if _, err := m.cron.AddFunc(m.cfg.Interval, m.tick); err != nil {
		logger.Log.Error("Failed to schedule periodic trigger", zap.Error(err))
		return
	}

	m.cron.Start()
}

func (m *Manager) Stop() {
	ctx := m.cron.Stop()
	<-ctx.Done()
	logger.Log.Info("Stopped periodic trigger")
}

// tick drains only when something is actually due, so an empty or fully
// backed-off queue causes no wake-up work.
func (m *Manager) tick() {
	ctx := context.Background()

	due, err := m.queue.HasDue(ctx)
	if err != nil {
		logger.Log.Error("Failed to check queue for due entries", zap.Error(err))
	} else if due {
		if err := m.queue.Drain(ctx); err != nil {
			logger.Log.Error("Scheduled drain failed", zap.Error(err))
		}
	}

	m.mu.Lock()
	active := m.active
	m.mu.Unlock()
	if active {
		if err := m.orders.Scan(ctx); err != nil {
			logger.Log.Error("Scheduled order sync scan failed", zap.Error(err))
		}
	}
}

// OnConnectivityChange drains when the device transitions to online with
// internet reachability.
func (m *Manager) OnConnectivityChange(connected, internetReachable bool) {
	m.mu.Lock()
	wasOnline := m.connected && m.reachable
	m.connected = connected
	m.reachable = internetReachable
	online := connected && internetReachable
	m.mu.Unlock()

	if online && !wasOnline {
		logger.Log.Info("Connectivity restored, draining queue")
		go m.Kick()
	}
}

const (
	AppStateActive     = "active"
	AppStateBackground = "background"
)

// OnAppStateChange pauses sync work in the background and resumes with a
// full rescan on foreground.
func (m *Manager) OnAppStateChange(state string) {
	switch state {
	case AppStateActive:
		m.mu.Lock()
		m.active = true
		m.mu.Unlock()
		logger.Log.Info("App foregrounded, resuming sync")
		m.orders.Resume(context.Background())
		go m.Kick()
	case AppStateBackground:
		m.mu.Lock()
		m.active = false
		m.mu.Unlock()
		logger.Log.Info("App backgrounded, pausing sync")
		m.orders.Pause()
	}
}

// Kick runs an immediate drain and scan, for operator-triggered retries.
func (m *Manager) Kick() {
	ctx := context.Background()
	if err := m.queue.Drain(ctx); err != nil {
		logger.Log.Error("Manual drain failed", zap.Error(err))
	}
	if err := m.orders.Scan(ctx); err != nil {
		logger.Log.Error("Manual order sync scan failed", zap.Error(err))
	}
}
