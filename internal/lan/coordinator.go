package lan

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"pos-sync-service/internal/config"
	"pos-sync-service/internal/logger"
	"pos-sync-service/internal/notify"
)

// Coordinator wires the LAN layer for the configured operating mode.
// Standalone disables the layer entirely; server owns the event bus; client
// discovers the server and polls it.
type Coordinator struct {
	mode       string
	registerID string
	applier    *StateApplier

	bus    *Bus
	server *Server
	client *Client
}

func NewCoordinator(cfg config.LANConfig, registerID string, notifier notify.Notifier) *Coordinator {
	c := &Coordinator{
		mode:       cfg.Mode,
		registerID: registerID,
		applier:    NewStateApplier(),
	}

	switch cfg.Mode {
	case config.ModeServer:
		c.bus = NewBus(cfg.BufferSize)
		c.server = NewServer(registerID, cfg.SharedSecret, c.bus, c.applier)
	case config.ModeClient:
		c.client = NewClient(cfg, registerID, c.applier, notifier)
	}

	return c
}

func (c *Coordinator) Start() {
	switch c.mode {
	case config.ModeServer:
		logger.Log.Info("LAN coordination running in server mode", zap.String("registerID", c.registerID))
	case config.ModeClient:
		logger.Log.Info("LAN coordination running in client mode", zap.String("registerID", c.registerID))
		c.client.Start()
	default:
		logger.Log.Info("LAN coordination disabled (standalone mode)")
	}
}

func (c *Coordinator) Stop() {
	if c.client != nil {
		c.client.Stop()
	}
}

// Routes returns the peer-facing routes in server mode, nil otherwise.
func (c *Coordinator) Routes() chi.Router {
	if c.server == nil {
		return nil
	}
	return c.server.Routes()
}

// Publish propagates a locally committed mutation to sibling registers. In
// standalone mode it is a no-op. Failures mean temporary isolation, never a
// failure of the local mutation.
func (c *Coordinator) Publish(ctx context.Context, eventType, entity string, payload json.RawMessage) error {
	evt := EventType(eventType)

	switch c.mode {
	case config.ModeServer:
		e := c.bus.Publish(evt, entity, payload, c.registerID, time.Now())
		return c.applier.Record(ctx, e)
	case config.ModeClient:
		e := PeerEvent{
			Type:      evt,
			Entity:    entity,
			Payload:   payload,
			OriginID:  c.registerID,
			Timestamp: time.Now(),
		}
		if err := c.applier.Record(ctx, e); err != nil {
			return err
		}
		return c.client.Publish(ctx, evt, entity, payload)
	default:
		return nil
	}
}

func (c *Coordinator) Peers() []PeerRegistration {
	switch c.mode {
	case config.ModeServer:
		return c.server.Peers()
	case config.ModeClient:
		return c.client.Peers()
	default:
		return nil
	}
}

// Rediscover forces the client to locate the server again, for use on
// connectivity loss.
func (c *Coordinator) Rediscover() {
	if c.client != nil {
		c.client.Rediscover()
	}
}

// Applier exposes the materialized entity view for collaborators.
func (c *Coordinator) Applier() *StateApplier {
	return c.applier
}
