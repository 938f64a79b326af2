// Package eventbus provides the in-process publish/subscribe fabric. Domain
// flows publish entity snapshots to named topics; subscribers (the websocket
// hub, tests) receive them on buffered channels.
package eventbus

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Publisher is the producer side consumed by the swap, bridge, and lending
// flows. Publish must never block a business operation: implementations drop
// messages when subscribers fall behind.
type Publisher interface {
	Publish(topic string, payload interface{})
}

// Message is one delivered event: the topic it was published on and the
// payload marshalled to JSON at publish time, so subscribers see a stable
// snapshot regardless of later mutation.
type Message struct {
	Topic       string
	Payload     []byte
	PublishedAt time.Time
}

const subscriberBuffer = 256

// ──────────────────────────────────────────────────────────────────────────────
// Bus
// ──────────────────────────────────────────────────────────────────────────────

// Bus is the in-process Publisher implementation. Subscribers fall behind at
// their own expense: a full subscriber channel drops the message for that
// subscriber only.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]chan Message // topic → subscriber channels
	log  *slog.Logger
}

// New creates an empty Bus.
func New(log *slog.Logger) *Bus {
	return &Bus{
		subs: make(map[string][]chan Message),
		log:  log,
	}
}

// Publish marshals payload and delivers it to every subscriber of topic.
// Marshal failures are logged and swallowed; event emission is best-effort
// and never fails the caller.
func (b *Bus) Publish(topic string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		b.log.Error("eventbus: marshal failed", "topic", topic, "error", err)
		return
	}
	msg := Message{Topic: topic, Payload: data, PublishedAt: time.Now().UTC()}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[topic] {
		select {
		case ch <- msg:
		default:
			b.log.Warn("eventbus: subscriber full, dropping", "topic", topic)
		}
	}
}

// Subscribe registers a new subscriber for topic and returns its channel plus
// a cancel func. After cancel returns, the channel is closed and receives no
// further messages.
func (b *Bus) Subscribe(topic string) (<-chan Message, func()) {
	ch := make(chan Message, subscriberBuffer)

	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		chans := b.subs[topic]
		for i, c := range chans {
			if c == ch {
				b.subs[topic] = append(chans[:i], chans[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}

// SubscriberCount returns the number of live subscribers on topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}
