package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"courier/internal/models"
)

// Kind identifies what happened.
type Kind string

const (
	MessageAccepted     Kind = "message_accepted"
	StateChanged        Kind = "state_changed"
	SubscriptionAdded   Kind = "subscription_added"
	SubscriptionRemoved Kind = "subscription_removed"
	SubscriptionUpdated Kind = "subscription_updated"
)

// Event is one entry on the daemon's outward event stream.
type Event struct {
	Kind      Kind      `json:"kind"`
	Timestamp time.Time `json:"timestamp"`

	Subscription *models.Subscription `json:"subscription,omitempty"`
	Message      *models.Message      `json:"message,omitempty"`
	State        *models.ConnState    `json:"state,omitempty"`
}

// Subscriber is one attached consumer of the event stream. Each subscriber
// has its own bounded buffer; a slow consumer loses the oldest events
// instead of blocking ingestion.
type Subscriber struct {
	ch      chan Event
	dropped atomic.Uint64
}

// Events returns the subscriber's receive channel. Closed on Unsubscribe.
func (s *Subscriber) Events() <-chan Event {
	return s.ch
}

// Dropped reports how many events this subscriber has lost to overflow.
func (s *Subscriber) Dropped() uint64 {
	return s.dropped.Load()
}

// Bus is a thread-safe broadcast stream. Presentation clients attach and
// detach at any time; publishing never blocks.
type Bus struct {
	log zerolog.Logger

	mu   sync.RWMutex
	subs map[*Subscriber]struct{}
}

// NewBus creates a ready-to-use event bus.
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		log:  log.With().Str("component", "events").Logger(),
		subs: make(map[*Subscriber]struct{}),
	}
}

// Subscribe attaches a new consumer with the given buffer size.
func (b *Bus) Subscribe(buffer int) *Subscriber {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &Subscriber{ch: make(chan Event, buffer)}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe detaches a consumer and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	close(sub.ch)
}

// Publish broadcasts an event to every subscriber. The timestamp is set
// automatically if zero. Full subscribers drop their oldest buffered event
// to make room.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs {
		select {
		case sub.ch <- e:
			continue
		default:
		}

		// Buffer full: evict the oldest entry, then retry once. Another
		// reader may race us for the slot; losing that race just counts
		// as one more drop.
		select {
		case <-sub.ch:
			sub.dropped.Add(1)
		default:
		}
		select {
		case sub.ch <- e:
		default:
			sub.dropped.Add(1)
			b.log.Warn().Str("kind", string(e.Kind)).Msg("subscriber buffer full, event dropped")
		}
	}
}
