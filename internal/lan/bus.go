package lan

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Bus is the server-side bounded buffer of recent peer events, keyed by a
// monotonically increasing sequence number. When full, the oldest events are
// evicted; lagging pollers detect the gap via the oldest retained sequence.
type Bus struct {
	mu       sync.Mutex
	events   []PeerEvent
	capacity int
	nextSeq  uint64
}

func NewBus(capacity int) *Bus {
	if capacity < 1 {
		capacity = 1
	}
	return &Bus{
		capacity: capacity,
		nextSeq:  1,
	}
}

// Publish appends an event, assigning its sequence number. It never fails;
// publication is synchronous with the mutation it represents.
func (b *Bus) Publish(evtType EventType, entity string, payload json.RawMessage, originID string, ts time.Time) PeerEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := PeerEvent{
		Seq:       b.nextSeq,
		ID:        uuid.New().String(),
		Type:      evtType,
		Entity:    entity,
		Payload:   payload,
		OriginID:  originID,
		Timestamp: ts,
	}
	b.nextSeq++

	b.events = append(b.events, e)
	if len(b.events) > b.capacity {
		b.events = b.events[len(b.events)-b.capacity:]
	}

	return e
}

// Since returns retained events with a sequence number greater than after,
// plus the oldest retained sequence (0 when the buffer is empty).
func (b *Bus) Since(after uint64) ([]PeerEvent, uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var oldest uint64
	if len(b.events) > 0 {
		oldest = b.events[0].Seq
	}

	var out []PeerEvent
	for _, e := range b.events {
		if e.Seq > after {
			out = append(out, e)
		}
	}

	return out, oldest
}

// LastSeq returns the highest assigned sequence number.
func (b *Bus) LastSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextSeq - 1
}
