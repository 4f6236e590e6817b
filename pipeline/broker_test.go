package pipeline

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/twinsync/twin"
)

func newBrokerStore(t *testing.T) *twin.Store {
	t.Helper()
	store := twin.NewStore()
	require.NoError(t, store.RegisterComponent(twin.Component{ID: "tank-1", Type: twin.TypeTank}))
	require.NoError(t, store.RegisterComponent(twin.Component{ID: "pump-1", Type: twin.TypePump}))
	return store
}

func TestSubscribeDeliversSnapshot(t *testing.T) {
	store := newBrokerStore(t)
	b := NewBroker(store)

	sub := b.Subscribe("tank-1")
	defer b.Unsubscribe(sub.ID())

	n := <-sub.C()
	assert.Equal(t, NotificationSnapshot, n.Type)
	require.Len(t, n.Components, 1)
	assert.Equal(t, "tank-1", n.Components[0].ID)
}

func TestSubscribeAllComponents(t *testing.T) {
	store := newBrokerStore(t)
	b := NewBroker(store)

	sub := b.Subscribe()
	defer b.Unsubscribe(sub.ID())

	n := <-sub.C()
	assert.Equal(t, NotificationSnapshot, n.Type)
	assert.Len(t, n.Components, 2)
}

func TestBroadcastFiltersByComponent(t *testing.T) {
	store := newBrokerStore(t)
	b := NewBroker(store)

	tankSub := b.Subscribe("tank-1")
	pumpSub := b.Subscribe("pump-1")
	defer b.Unsubscribe(tankSub.ID())
	defer b.Unsubscribe(pumpSub.ID())
	<-tankSub.C() // snapshots
	<-pumpSub.C()

	b.BroadcastUpdate(Update{
		ComponentID: "tank-1",
		Property:    "temperature",
		State:       twin.State{ID: "s1", Value: 160},
	})

	n := <-tankSub.C()
	assert.Equal(t, NotificationUpdate, n.Type)
	require.NotNil(t, n.Update)
	assert.Equal(t, 160.0, n.Update.State.Value)

	select {
	case n := <-pumpSub.C():
		t.Fatalf("pump subscriber received unrelated update: %+v", n)
	default:
	}
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	store := newBrokerStore(t)
	b := NewBroker(store, WithBufferSize(2))

	sub := b.Subscribe("tank-1")
	defer b.Unsubscribe(sub.ID())
	<-sub.C() // snapshot

	for i := 0; i < 5; i++ {
		b.BroadcastUpdate(Update{
			ComponentID: "tank-1",
			Property:    "temperature",
			State:       twin.State{ID: fmt.Sprintf("s%d", i), Value: float64(i)},
		})
	}

	// only the two newest survive
	first := <-sub.C()
	second := <-sub.C()
	assert.Equal(t, 3.0, first.Update.State.Value)
	assert.Equal(t, 4.0, second.Update.State.Value)

	select {
	case n := <-sub.C():
		t.Fatalf("unexpected buffered notification: %+v", n)
	default:
	}
}

func TestPublishMetricsReachesAllSubscribers(t *testing.T) {
	store := newBrokerStore(t)
	b := NewBroker(store)

	s1 := b.Subscribe("tank-1")
	s2 := b.Subscribe("pump-1")
	defer b.Unsubscribe(s1.ID())
	defer b.Unsubscribe(s2.ID())
	<-s1.C()
	<-s2.C()

	b.PublishMetrics(twin.Metrics{TotalComponents: 2, DataQuality: 99})

	for _, sub := range []*Subscription{s1, s2} {
		n := <-sub.C()
		assert.Equal(t, NotificationMetrics, n.Type)
		require.NotNil(t, n.Metrics)
		assert.Equal(t, 99.0, n.Metrics.DataQuality)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	store := newBrokerStore(t)
	b := NewBroker(store)

	sub := b.Subscribe("tank-1")
	<-sub.C()
	require.Equal(t, 1, b.SubscriberCount())

	b.Unsubscribe(sub.ID())
	assert.Zero(t, b.SubscriberCount())

	select {
	case _, open := <-sub.C():
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}

	// double unsubscribe is a no-op
	b.Unsubscribe(sub.ID())
}
