package lan

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"pos-sync-service/internal/config"
	"pos-sync-service/internal/logger"
	"pos-sync-service/internal/notify"
)

// Client polls the server register for new events and forwards locally
// originated events to it. The poll interval stays short while events keep
// arriving and backs off geometrically when the LAN is quiet.
type Client struct {
	cfg        config.LANConfig
	registerID string
	token      string
	applier    Applier
	notifier   notify.Notifier
	http       *http.Client

	mu         sync.Mutex
	server     *PeerRegistration
	cursor     uint64
	authFailed bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewClient(cfg config.LANConfig, registerID string, applier Applier, notifier notify.Notifier) *Client {
	return &Client{
		cfg:        cfg,
		registerID: registerID,
		token:      AuthToken(cfg.SharedSecret),
		applier:    applier,
		notifier:   notifier,
		http:       &http.Client{Timeout: cfg.GetPollTimeout()},
	}
}

func (c *Client) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.wg.Add(1)
	go c.run(ctx)
}

func (c *Client) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	logger.Log.Info("Stopped LAN client")
}

func (c *Client) run(ctx context.Context) {
	defer c.wg.Done()

	quiet := backoff.NewExponentialBackOff()
	quiet.InitialInterval = c.cfg.GetPollMin()
	quiet.MaxInterval = c.cfg.GetPollMax()
	quiet.MaxElapsedTime = 0
	quiet.Reset()

	for {
		c.mu.Lock()
		failed := c.authFailed
		server := c.server
		c.mu.Unlock()

		if failed {
			return
		}

		if server == nil {
			reg, err := Discover(ctx, c.http, c.cfg.Candidates, c.token, c.registerID, c.cfg.GetProbeTimeout())
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Log.Warn("Server discovery failed, register is isolated", zap.Error(err))
				if !sleep(ctx, c.cfg.GetPollMax()) {
					return
				}
				continue
			}
			c.mu.Lock()
			c.server = reg
			c.mu.Unlock()
			quiet.Reset()
			continue
		}

		n, err := c.pollOnce(ctx, server)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.handlePollError(server, err)
			if !sleep(ctx, quiet.NextBackOff()) {
				return
			}
			continue
		}

		wait := quiet.NextBackOff()
		if n > 0 {
			quiet.Reset()
			wait = c.cfg.GetPollMin()
		}
		if !sleep(ctx, wait) {
			return
		}
	}
}

var errUnauthorized = fmt.Errorf("peer token rejected")

func (c *Client) handlePollError(server *PeerRegistration, err error) {
	if err == errUnauthorized {
		logger.Log.Error("Server rejected our peer token; LAN sync disabled until reconfiguration")
		c.notifier.Notify("LAN sync disabled",
			"The server register rejected this register's shared secret; check the LAN configuration",
			notify.SeverityError)
		c.mu.Lock()
		c.authFailed = true
		c.mu.Unlock()
		return
	}

	// Transport failure: mark the server unreachable and rediscover.
	logger.Log.Warn("Poll failed, rediscovering server", zap.String("addr", server.Address), zap.Error(err))
	c.mu.Lock()
	if c.server != nil {
		c.server.Reachable = false
	}
	c.server = nil
	c.mu.Unlock()
}

func (c *Client) pollOnce(ctx context.Context, server *PeerRegistration) (int, error) {
	c.mu.Lock()
	after := c.cursor
	c.mu.Unlock()

	url := fmt.Sprintf("http://%s/peer/v1/events?after=%d", server.Address, after)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set(registerIDHeader, c.registerID)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return 0, errUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("events returned status %d", resp.StatusCode)
	}

	var body eventsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, err
	}

	// The bus is memory-only: a server restart resets its sequences. A last
	// sequence below our cursor means our cursor belongs to a dead log, so
	// restart from zero and re-apply; application is idempotent.
	if after > 0 && body.LastSeq < after {
		logger.Log.Warn("Server event log restarted, replaying from the beginning",
			zap.Uint64("cursor", after), zap.Uint64("lastSeq", body.LastSeq))
		c.mu.Lock()
		c.cursor = 0
		c.mu.Unlock()
		return c.pollOnce(ctx, server)
	}

	// Events between the cursor and the oldest retained sequence were evicted
	// before we could fetch them.
	if body.OldestSeq > after+1 && len(body.Events) > 0 {
		logger.Log.Warn("Peer events evicted before they were fetched",
			zap.Uint64("cursor", after), zap.Uint64("oldestSeq", body.OldestSeq))
		c.notifier.Notify("Peer events missed",
			fmt.Sprintf("This register fell behind the server and %d peer events were lost", body.OldestSeq-after-1),
			notify.SeverityWarning)
	}

	applied := 0
	for _, e := range body.Events {
		if e.OriginID == c.registerID {
			// Our own forwarded event coming back around.
			c.advance(e.Seq)
			continue
		}
		if err := c.applier.Apply(ctx, e); err != nil {
			logger.Log.Error("Failed to apply peer event", zap.String("event", e.String()), zap.Error(err))
			// Skip it; replay is idempotent and blocking the cursor would
			// stall every later event.
		}
		c.advance(e.Seq)
		applied++
	}

	c.mu.Lock()
	if c.server != nil {
		c.server.LastSeen = time.Now()
		c.server.Reachable = true
	}
	c.mu.Unlock()

	return applied, nil
}

func (c *Client) advance(seq uint64) {
	c.mu.Lock()
	if seq > c.cursor {
		c.cursor = seq
	}
	c.mu.Unlock()
}

// Publish forwards a locally originated event to the server register, which
// assigns it a sequence number on the shared bus.
func (c *Client) Publish(ctx context.Context, evtType EventType, entity string, payload json.RawMessage) error {
	c.mu.Lock()
	server := c.server
	c.mu.Unlock()

	if server == nil {
		return fmt.Errorf("no server register known; this register is temporarily isolated")
	}

	e := PeerEvent{
		Type:      evtType,
		Entity:    entity,
		Payload:   payload,
		OriginID:  c.registerID,
		Timestamp: time.Now(),
	}
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+server.Address+"/peer/v1/events", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set(registerIDHeader, c.registerID)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("publish returned status %d", resp.StatusCode)
	}
	return nil
}

// Rediscover drops the known server so the next loop iteration probes again.
// Called on connectivity loss.
func (c *Client) Rediscover() {
	c.mu.Lock()
	c.server = nil
	c.mu.Unlock()
}

// Peers returns the discovered server registration, if any.
func (c *Client) Peers() []PeerRegistration {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.server == nil {
		return nil
	}
	return []PeerRegistration{*c.server}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
