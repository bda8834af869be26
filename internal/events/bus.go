package events

import (
	"sync"
	"time"
)

// Event types published by the service.
const (
	TypeActiveSnapshot   = "snapshot.active"
	TypeHistorySnapshot  = "snapshot.history"
	TypeLiveSnapshot     = "snapshot.live"
	TypeSimulation       = "simulation.status"
	TypeResolved         = "emergency.resolved"
	TypeSelected         = "emergency.selected"
	TypeSelectionCleared = "emergency.selection_cleared"
	TypeCity             = "city.changed"
)

// Event is one notification fanned out to subscribers.
type Event struct {
	Type string    `json:"type"`
	Data any       `json:"data"`
	At   time.Time `json:"at"`
}

// Bus provides simple in-process pub/sub. Slow subscribers drop events.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan Event
}

func NewBus() *Bus { return &Bus{subs: map[int]chan Event{}} }

// Subscribe returns a buffered channel of events and a func that unsubscribes and
// closes it.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 16)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *Bus) Publish(typ string, data any) {
	ev := Event{Type: typ, Data: data, At: time.Now().UTC()}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribers reports the number of attached subscribers.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
