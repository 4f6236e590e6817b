package pipeline

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/twinsync/twin"
)

// Update is one processed state change fanned out to subscribers and peer
// instances.
type Update struct {
	ComponentID string     `json:"componentId"`
	Property    string     `json:"property"`
	State       twin.State `json:"state"`
}

// NotificationType classifies broker notifications.
type NotificationType string

const (
	NotificationSnapshot NotificationType = "snapshot"
	NotificationUpdate   NotificationType = "update"
	NotificationMetrics  NotificationType = "metrics"
)

// Notification is what a subscriber receives on its channel.
type Notification struct {
	Type       NotificationType `json:"type"`
	Update     *Update          `json:"update,omitempty"`
	Components []twin.Component `json:"components,omitempty"`
	Metrics    *twin.Metrics    `json:"metrics,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
}

// Subscription is one subscriber's registration: the components it watches
// and the channel it consumes.
type Subscription struct {
	id         string
	components map[string]bool // empty means all
	ch         chan Notification
}

// ID returns the subscription identifier.
func (s *Subscription) ID() string { return s.id }

// C returns the notification channel. It is closed on Unsubscribe.
func (s *Subscription) C() <-chan Notification { return s.ch }

func (s *Subscription) watches(componentID string) bool {
	return len(s.components) == 0 || s.components[componentID]
}

// Broker fans processed updates out to subscribers. A slow subscriber has
// its oldest buffered notification dropped rather than blocking the drain
// loop.
type Broker struct {
	store   *twin.Store
	logger  *slog.Logger
	bufSize int

	mu   sync.RWMutex
	subs map[string]*Subscription
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithBrokerLogger sets the broker logger.
func WithBrokerLogger(logger *slog.Logger) BrokerOption {
	return func(b *Broker) { b.logger = logger }
}

// WithBufferSize sets the per-subscriber channel capacity.
func WithBufferSize(n int) BrokerOption {
	return func(b *Broker) {
		if n > 0 {
			b.bufSize = n
		}
	}
}

// NewBroker creates a broker over the store. The store supplies initial
// snapshots on subscribe.
func NewBroker(store *twin.Store, opts ...BrokerOption) *Broker {
	b := &Broker{
		store:   store,
		logger:  slog.Default(),
		bufSize: 64,
		subs:    make(map[string]*Subscription),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers interest in the given component IDs (none means all)
// and immediately delivers an initial snapshot.
func (b *Broker) Subscribe(componentIDs ...string) *Subscription {
	sub := &Subscription{
		id:         uuid.NewString(),
		components: make(map[string]bool, len(componentIDs)),
		ch:         make(chan Notification, b.bufSize),
	}
	for _, id := range componentIDs {
		sub.components[id] = true
	}

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()

	var snapshot []twin.Component
	for _, comp := range b.store.Components() {
		if sub.watches(comp.ID) {
			snapshot = append(snapshot, comp)
		}
	}
	b.deliver(sub, Notification{
		Type:       NotificationSnapshot,
		Components: snapshot,
		Timestamp:  time.Now(),
	})
	return sub
}

// Unsubscribe removes the subscription and closes its channel.
func (b *Broker) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()

	if ok {
		close(sub.ch)
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// BroadcastUpdate delivers a processed update to every subscriber watching
// its component.
func (b *Broker) BroadcastUpdate(update Update) {
	notification := Notification{
		Type:      NotificationUpdate,
		Update:    &update,
		Timestamp: time.Now(),
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.watches(update.ComponentID) {
			b.deliver(sub, notification)
		}
	}
}

// PublishMetrics pushes a metrics snapshot to every subscriber.
func (b *Broker) PublishMetrics(m twin.Metrics) {
	notification := Notification{
		Type:      NotificationMetrics,
		Metrics:   &m,
		Timestamp: time.Now(),
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		b.deliver(sub, notification)
	}
}

// deliver enqueues without ever blocking: when the subscriber's buffer is
// full, the oldest notification is dropped to make room.
func (b *Broker) deliver(sub *Subscription, n Notification) {
	for {
		select {
		case sub.ch <- n:
			return
		default:
		}
		select {
		case <-sub.ch:
			b.logger.Debug("subscriber lagging, dropped oldest notification",
				"subscription", sub.id)
		default:
		}
	}
}
