package lan

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"pos-sync-service/internal/logger"
)

// Applier applies received peer events to local state.
type Applier interface {
	Apply(ctx context.Context, e PeerEvent) error
}

// EntityState is the locally materialized version of one replicated entity.
type EntityState struct {
	Entity    string          `json:"entity"`
	UpdatedAt time.Time       `json:"updated_at"`
	Data      json.RawMessage `json:"data"`
}

// ResolutionStrategy decides how an incoming event combines with the local
// version of the same entity.
type ResolutionStrategy interface {
	Resolve(local EntityState, incoming PeerEvent) (EntityState, bool)
}

// LastWriteWinsStrategy keeps whichever write carries the later origin
// timestamp and discards the other without merging.
type LastWriteWinsStrategy struct{}

func (LastWriteWinsStrategy) Resolve(local EntityState, incoming PeerEvent) (EntityState, bool) {
	if !incoming.Timestamp.After(local.UpdatedAt) {
		return local, false
	}
	return EntityState{
		Entity:    incoming.Entity,
		UpdatedAt: incoming.Timestamp,
		Data:      incoming.Payload,
	}, true
}

type stockState struct {
	SKU      string `json:"sku"`
	Quantity int64  `json:"quantity"`
}

type stockDelta struct {
	SKU   string `json:"sku"`
	Delta int64  `json:"delta"`
}

// StockDeltaStrategy merges concurrent stock mutations by summing deltas, so
// two registers selling near-simultaneously never silently drop a decrement.
type StockDeltaStrategy struct{}

func (StockDeltaStrategy) Resolve(local EntityState, incoming PeerEvent) (EntityState, bool) {
	var d stockDelta
	if err := json.Unmarshal(incoming.Payload, &d); err != nil {
		return local, false
	}

	var s stockState
	if len(local.Data) > 0 {
		if err := json.Unmarshal(local.Data, &s); err != nil {
			return local, false
		}
	}
	s.SKU = d.SKU
	s.Quantity += d.Delta

	updatedAt := local.UpdatedAt
	if incoming.Timestamp.After(updatedAt) {
		updatedAt = incoming.Timestamp
	}

	data, err := json.Marshal(s)
	if err != nil {
		return local, false
	}

	return EntityState{
		Entity:    incoming.Entity,
		UpdatedAt: updatedAt,
		Data:      data,
	}, true
}

// StateApplier resolves incoming events against an in-memory view of
// replicated entities. The view is rebuilt from a fresh poll after restart;
// event application is idempotent for LWW entities and additive for stock.
type StateApplier struct {
	mu       sync.Mutex
	entities map[string]EntityState

	lww   ResolutionStrategy
	stock ResolutionStrategy
}

func NewStateApplier() *StateApplier {
	return &StateApplier{
		entities: make(map[string]EntityState),
		lww:      LastWriteWinsStrategy{},
		stock:    StockDeltaStrategy{},
	}
}

func (a *StateApplier) Apply(ctx context.Context, e PeerEvent) error {
	if e.Entity == "" {
		return fmt.Errorf("event %s has no entity", e.ID)
	}

	strategy := a.lww
	if e.Type == EventInventoryUpdated {
		strategy = a.stock
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	local := a.entities[e.Entity]
	resolved, applied := strategy.Resolve(local, e)
	a.entities[e.Entity] = resolved

	if !applied {
		logger.Log.Debug("Discarded stale peer event",
			zap.String("entity", e.Entity),
			zap.Time("incoming", e.Timestamp),
			zap.Time("local", local.UpdatedAt),
		)
	}

	return nil
}

// Get returns the current local version of an entity.
func (a *StateApplier) Get(entity string) (EntityState, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.entities[entity]
	return s, ok
}

// Record resolves a locally originated mutation through the same strategies,
// so a late-arriving peer event and a local write converge identically.
func (a *StateApplier) Record(ctx context.Context, e PeerEvent) error {
	return a.Apply(ctx, e)
}
