package services

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// BusEvent is one named emission on the event bus.
type BusEvent struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	EmittedAt time.Time              `json:"emitted_at"`
}

type busSubscriber struct {
	id   string
	ch   chan BusEvent
	done chan struct{}
}

// EventBus is an in-process publish/subscribe channel for named events.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[string]*busSubscriber
	logger      *logrus.Logger
}

func NewEventBus(logger *logrus.Logger) *EventBus {
	if logger == nil {
		logger = logrus.New()
	}
	return &EventBus{
		subscribers: make(map[string]*busSubscriber),
		logger:      logger,
	}
}

// Subscribe registers a subscriber with the given buffer size. The returned
// function unsubscribes; after it returns no further events are delivered.
func (b *EventBus) Subscribe(buffer int) (<-chan BusEvent, func()) {
	if buffer < 0 {
		buffer = 0
	}
	sub := &busSubscriber{
		id:   uuid.NewString(),
		ch:   make(chan BusEvent, buffer),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	b.subscribers[sub.id] = sub
	b.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, sub.id)
			b.mu.Unlock()
			close(sub.done)
		})
	}
}

// Publish delivers the event to every subscriber, waiting for buffer space.
// It gives up on a subscriber when ctx is done or the subscriber leaves.
func (b *EventBus) Publish(ctx context.Context, name string, payload map[string]interface{}) (BusEvent, error) {
	evt := BusEvent{
		ID:        uuid.NewString(),
		Name:      name,
		Payload:   payload,
		EmittedAt: time.Now(),
	}

	b.mu.RLock()
	subs := make([]*busSubscriber, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.ch <- evt:
		case <-s.done:
		case <-ctx.Done():
			b.logger.WithField("event", name).Warnf("event bus: publish abandoned: %v", ctx.Err())
			return evt, ctx.Err()
		}
	}
	return evt, nil
}

// SubscriberCount returns the number of live subscribers.
func (b *EventBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
