package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBus_PublishReachesAllSubscribers(t *testing.T) {
	bus := NewEventBus(nil)
	ch1, unsub1 := bus.Subscribe(4)
	defer unsub1()
	ch2, unsub2 := bus.Subscribe(4)
	defer unsub2()

	evt, err := bus.Publish(context.Background(), "invoice.paid", map[string]interface{}{"amount": 120})
	require.NoError(t, err)
	assert.NotEmpty(t, evt.ID)

	for _, ch := range []<-chan BusEvent{ch1, ch2} {
		select {
		case got := <-ch:
			assert.Equal(t, "invoice.paid", got.Name)
			assert.Equal(t, 120, got.Payload["amount"])
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestEventBus_Unsubscribe(t *testing.T) {
	bus := NewEventBus(nil)
	_, unsub := bus.Subscribe(0)
	assert.Equal(t, 1, bus.SubscriberCount())

	unsub()
	unsub() // 重复调用安全
	assert.Equal(t, 0, bus.SubscriberCount())

	_, err := bus.Publish(context.Background(), "noop", nil)
	assert.NoError(t, err)
}

func TestEventBus_PublishHonorsContext(t *testing.T) {
	bus := NewEventBus(nil)
	_, unsub := bus.Subscribe(0) // nobody reads
	defer unsub()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := bus.Publish(ctx, "blocked", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
