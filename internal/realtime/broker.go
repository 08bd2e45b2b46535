// Package realtime fans scored listings out to SSE subscribers of the
// operator API.
package realtime

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/yesmonga/voiture-radar/internal/domain"
	"github.com/yesmonga/voiture-radar/internal/metrics"
)

// Event is one item on the live feed.
type Event struct {
	Type      string          `json:"type"` // "annonce_scored"
	Annonce   *domain.Annonce `json:"annonce"`
	Timestamp time.Time       `json:"timestamp"`
}

// Subscriber is one SSE client connection.
type Subscriber struct {
	ID       string
	MinScore int
	Messages chan []byte
	Done     chan struct{}
}

// Broker manages subscribers and broadcasts events.
type Broker struct {
	logger *slog.Logger

	subscribers map[*Subscriber]struct{}
	mu          sync.RWMutex

	events chan Event
	done   chan struct{}
}

// NewBroker creates the broker.
func NewBroker(logger *slog.Logger) *Broker {
	return &Broker{
		logger:      logger,
		subscribers: make(map[*Subscriber]struct{}),
		events:      make(chan Event, 1000),
		done:        make(chan struct{}),
	}
}

// Start begins the broadcast loop.
func (b *Broker) Start() {
	go b.broadcastLoop()
	b.logger.Info("sse_broker_started")
}

// Stop shuts the broker down.
func (b *Broker) Stop() {
	close(b.done)
	b.logger.Info("sse_broker_stopped")
}

// Subscribe registers a client.
func (b *Broker) Subscribe(sub *Subscriber) {
	b.mu.Lock()
	b.subscribers[sub] = struct{}{}
	b.mu.Unlock()

	metrics.SSEConnectionsActive.Inc()
	b.logger.Debug("sse_subscriber_added", slog.String("subscriber_id", sub.ID))
}

// Unsubscribe removes a client.
func (b *Broker) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	delete(b.subscribers, sub)
	b.mu.Unlock()

	metrics.SSEConnectionsActive.Dec()
	b.logger.Debug("sse_subscriber_removed", slog.String("subscriber_id", sub.ID))
}

// Broadcast queues an event; drops it when the queue is full rather than
// blocking the pipeline.
func (b *Broker) Broadcast(event Event) {
	select {
	case b.events <- event:
	default:
		b.logger.Warn("sse_event_dropped_queue_full")
	}
}

// AnnonceScored is the pipeline hook for freshly scored listings.
func (b *Broker) AnnonceScored(a *domain.Annonce) {
	b.Broadcast(Event{Type: "annonce_scored", Annonce: a, Timestamp: time.Now().UTC()})
}

func (b *Broker) broadcastLoop() {
	for {
		select {
		case <-b.done:
			return
		case event := <-b.events:
			b.broadcastEvent(event)
		}
	}
}

func (b *Broker) broadcastEvent(event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subscribers {
		if event.Annonce != nil && event.Annonce.ScoreTotal < sub.MinScore {
			continue
		}
		select {
		case sub.Messages <- payload:
		case <-sub.Done:
		default:
			// Slow consumer; skip this event for them.
		}
	}
}

// SubscriberCount is used by the debug endpoint.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
