// Package bus is the in-process publish/subscribe fabric between the license
// service and the real-time gateway. Delivery is best-effort: the truth lives
// in the store and the audit log, the bus is a notification.
package bus

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Topic namespaces.
const (
	TopicAdmin = "admin"

	licenseTopicPrefix = "license:"
	planTopicPrefix    = "plan:"
)

// TopicLicense returns the per-client topic.
func TopicLicense(clientID string) string {
	return licenseTopicPrefix + clientID
}

// TopicPlan returns the per-plan topic.
func TopicPlan(plan string) string {
	return planTopicPrefix + plan
}

// Event types carried on the bus.
const (
	TypeLicenseUpdate      = "license_update"
	TypeExpiryWarning      = "license_expiry_warning"
	TypeSystemNotification = "system_notification"
)

// Event is a single bus message. A publisher writes it once with the full set
// of topics it belongs to; subscribers on any of those topics receive it
// exactly once.
type Event struct {
	Type      string      `json:"type"`
	Action    string      `json:"action,omitempty"`
	ClientID  string      `json:"client_id,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`

	Topics []string `json:"-"`
}

// DefaultQueueSize bounds each subscriber's delivery queue.
const DefaultQueueSize = 256

// DropReasonSlowConsumer is reported when a subscriber's queue overflowed.
const DropReasonSlowConsumer = "slow_consumer"

// Subscription is one subscriber's handle. Receive from C until Done is
// closed; after that, Reason reports why the bus dropped the subscription.
type Subscription struct {
	id     string
	ch     chan Event
	done   chan struct{}
	once   sync.Once
	reason string

	mu     sync.Mutex
	topics map[string]struct{}
}

// C is the delivery channel.
func (s *Subscription) C() <-chan Event { return s.ch }

// Done is closed when the subscription is terminated.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Reason reports why the subscription was closed, if the bus closed it.
func (s *Subscription) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

func (s *Subscription) close(reason string) {
	s.once.Do(func() {
		s.mu.Lock()
		s.reason = reason
		s.mu.Unlock()
		close(s.done)
	})
}

// Bus routes events to subscribers by topic. Publishers never block: a
// subscriber that cannot keep up is dropped with DropReasonSlowConsumer
// rather than slowing the publish path.
type Bus struct {
	mu        sync.RWMutex
	byTopic   map[string]map[*Subscription]struct{}
	queueSize int
}

// New creates a bus with the given per-subscriber queue size (0 = default).
func New(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bus{
		byTopic:   make(map[string]map[*Subscription]struct{}),
		queueSize: queueSize,
	}
}

// Subscribe registers a subscriber on the given topics.
func (b *Bus) Subscribe(id string, topics ...string) *Subscription {
	sub := &Subscription{
		id:     id,
		ch:     make(chan Event, b.queueSize),
		done:   make(chan struct{}),
		topics: make(map[string]struct{}, len(topics)),
	}

	b.mu.Lock()
	for _, t := range topics {
		sub.topics[t] = struct{}{}
		set, ok := b.byTopic[t]
		if !ok {
			set = make(map[*Subscription]struct{})
			b.byTopic[t] = set
		}
		set[sub] = struct{}{}
	}
	b.mu.Unlock()

	return sub
}

// AddTopic subscribes an existing subscription to one more topic.
func (b *Bus) AddTopic(sub *Subscription, topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub.mu.Lock()
	sub.topics[topic] = struct{}{}
	sub.mu.Unlock()

	set, ok := b.byTopic[topic]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.byTopic[topic] = set
	}
	set[sub] = struct{}{}
}

// Unsubscribe removes the subscription from all topics and closes it.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.remove(sub)
	sub.close("")
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub.mu.Lock()
	topics := make([]string, 0, len(sub.topics))
	for t := range sub.topics {
		topics = append(topics, t)
	}
	sub.mu.Unlock()

	for _, t := range topics {
		if set, ok := b.byTopic[t]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(b.byTopic, t)
			}
		}
	}
}

// Publish delivers the event to every subscriber of its topics, at most once
// per subscriber. Subscribers with a full queue are dropped.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	targets := make(map[*Subscription]struct{})
	for _, t := range ev.Topics {
		for sub := range b.byTopic[t] {
			targets[sub] = struct{}{}
		}
	}
	b.mu.RUnlock()

	var dropped []*Subscription
	for sub := range targets {
		select {
		case sub.ch <- ev:
		default:
			dropped = append(dropped, sub)
		}
	}

	for _, sub := range dropped {
		log.Warn().
			Str("subscriber", sub.id).
			Str("event", ev.Type).
			Msg("Dropping slow bus subscriber")
		b.remove(sub)
		sub.close(DropReasonSlowConsumer)
	}
}

// SubscriberCount returns the number of subscribers on a topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byTopic[topic])
}
