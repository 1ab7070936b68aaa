package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestBus_DeliversInOrder(t *testing.T) {
	bus, err := NewInMemoryBus()
	require.NoError(t, err)

	var mu sync.Mutex
	var got []string
	bus.AddHandler("collect", func(ev Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev.Service)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, bus.Start(ctx))

	for _, name := range []string{"db", "server", "web"} {
		bus.Publish(Event{Type: TypeServiceStatus, Service: name, Status: "healthy"})
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"db", "server", "web"}, got)
}

func TestBus_BadMessagesDoNotStallPublishers(t *testing.T) {
	bus, err := NewInMemoryBus()
	require.NoError(t, err)

	var mu sync.Mutex
	var got []string
	bus.AddHandler("picky", func(ev Event) error {
		mu.Lock()
		got = append(got, ev.Service)
		mu.Unlock()
		if ev.Service == "db" {
			return errors.New("terminal closed")
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, bus.Start(ctx))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = bus.Publisher.Publish(TopicEvents, message.NewMessage(watermill.NewUUID(), []byte("not json")))
		bus.Publish(Event{Type: TypeServiceStatus, Service: "db", Status: "healthy"})
		bus.Publish(Event{Type: TypeServiceStatus, Service: "web", Status: "healthy"})
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on a rejected message")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"db", "web"}, got)
}

func TestEnvelope_Decode(t *testing.T) {
	env, err := NewEnvelope(Event{Type: TypeServiceAtRisk, Service: "web", Services: []string{"server"}, At: time.Unix(10, 0).UTC()})
	require.NoError(t, err)
	b, err := env.MarshalJSONBytes()
	require.NoError(t, err)

	ev, err := Decode(b)
	require.NoError(t, err)
	require.Equal(t, TypeServiceAtRisk, ev.Type)
	require.Equal(t, []string{"server"}, ev.Services)

	_, err = NewEnvelope(Event{})
	require.Error(t, err)
}

func TestRecorder_OfType(t *testing.T) {
	r := &Recorder{}
	r.Publish(Event{Type: TypeLevelStarted, Level: 0})
	r.Publish(Event{Type: TypeServiceStatus, Service: "db"})
	r.Publish(Event{Type: TypeLevelFinished, Level: 0})
	require.Len(t, r.OfType(TypeServiceStatus), 1)
	require.Len(t, r.Events(), 3)
}
