package lan

import (
	"encoding/json"
	"fmt"
	"time"
)

type EventType string

const (
	EventOrderCreated     EventType = "order-created"
	EventInventoryUpdated EventType = "inventory-updated"
	EventUserChanged      EventType = "user-changed"
	EventSettingsChanged  EventType = "settings-changed"
)

// PeerEvent is one immutable domain fact propagated between registers.
// Replay order is by sequence number; conflict resolution across origins is
// by origin timestamp.
type PeerEvent struct {
	Seq       uint64          `json:"seq"`
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	Entity    string          `json:"entity"`
	Payload   json.RawMessage `json:"payload"`
	OriginID  string          `json:"origin_id"`
	Timestamp time.Time       `json:"timestamp"`
}

func (e PeerEvent) String() string {
	return fmt.Sprintf("[%d] %s %s from %s", e.Seq, e.Type, e.Entity, e.OriginID)
}

// PeerRegistration tracks a known sibling register and its staleness.
type PeerRegistration struct {
	RegisterID string    `json:"register_id"`
	Address    string    `json:"address"`
	LastSeen   time.Time `json:"last_seen"`
	Reachable  bool      `json:"reachable"`
}
