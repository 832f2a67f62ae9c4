package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerPublishSubscribe(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub1 := b.Subscribe()
	sub2 := b.Subscribe()
	assert.Equal(t, 2, b.SubscriberCount())

	b.Publish(NewEvent(EventPlanInstanceCreated, "created", map[string]string{"plan_id": "p1"}))

	for _, sub := range []Subscriber{sub1, sub2} {
		select {
		case ev := <-sub:
			assert.Equal(t, EventPlanInstanceCreated, ev.Type)
			assert.Equal(t, "p1", ev.Metadata["plan_id"])
			assert.NotEmpty(t, ev.ID)
			assert.False(t, ev.Timestamp.IsZero())
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestBrokerUnsubscribe(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Unsubscribe(sub)
	b.Unsubscribe(sub)

	assert.Equal(t, 0, b.SubscriberCount())
	_, open := <-sub
	assert.False(t, open)
}

func TestBrokerPublishDoesNotBlock(t *testing.T) {
	b := NewBroker()
	// Not started: the queue fills and further events are dropped.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.Publish(NewEvent(EventTaskDispatched, "", nil))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		require.Fail(t, "publish blocked")
	}
	b.Stop()
	b.Stop()
}
