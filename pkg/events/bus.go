// Package events carries orchestration progress over an in-memory watermill
// bus so presentation code never sits on the start path.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	gochannel "github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Publisher is what the engine components emit progress through.
type Publisher interface {
	Publish(ev Event)
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(Event) {}

type Bus struct {
	Router     *message.Router
	Publisher  message.Publisher
	Subscriber message.Subscriber

	runOnce sync.Once
}

// NewInMemoryBus returns a bus whose Publish blocks until subscribers have
// handled the message, so output stays ordered with the caller's progress.
func NewInMemoryBus() (*Bus, error) {
	logger := watermill.NopLogger{}
	pubsub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            64,
		BlockPublishUntilSubscriberAck: true,
	}, logger)

	r, err := message.NewRouter(message.RouterConfig{CloseTimeout: 2 * time.Second}, logger)
	if err != nil {
		return nil, errors.Wrap(err, "new watermill router")
	}
	return &Bus{
		Router:     r,
		Publisher:  pubsub,
		Subscriber: pubsub,
	}, nil
}

// AddHandler registers handler for every event on the bus. Messages are
// always acked: a nacked message is redelivered forever and, with
// BlockPublishUntilSubscriberAck, that stalls every publisher.
func (b *Bus) AddHandler(name string, handler func(Event) error) {
	b.Router.AddConsumerHandler(name, TopicEvents, b.Subscriber, func(msg *message.Message) error {
		ev, err := Decode(msg.Payload)
		if err != nil {
			log.Warn().Err(err).Str("handler", name).Str("uuid", msg.UUID).Msg("drop undecodable event")
			return nil
		}
		if err := handler(ev); err != nil {
			log.Warn().Err(err).Str("handler", name).Str("type", string(ev.Type)).Msg("event handler failed")
		}
		return nil
	})
}

// Start runs the router in the background and returns once it is running.
func (b *Bus) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- b.Run(ctx) }()
	select {
	case <-b.Router.Running():
		return nil
	case err := <-errCh:
		if err == nil {
			err = errors.New("router stopped before running")
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) Run(ctx context.Context) error {
	var runErr error
	b.runOnce.Do(func() {
		go func() {
			<-ctx.Done()
			_ = b.Router.Close()
		}()
		runErr = b.Router.Run(ctx)
	})
	return runErr
}

func (b *Bus) Close() error {
	if err := b.Router.Close(); err != nil {
		return errors.Wrap(err, "close router")
	}
	return errors.Wrap(b.Publisher.Close(), "close pubsub")
}

// Publish implements Publisher. Failures are logged, never returned.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	env, err := NewEnvelope(ev)
	if err != nil {
		log.Warn().Err(err).Str("type", string(ev.Type)).Msg("drop event")
		return
	}
	payload, err := env.MarshalJSONBytes()
	if err != nil {
		log.Warn().Err(err).Str("type", string(ev.Type)).Msg("drop event")
		return
	}
	if err := b.Publisher.Publish(TopicEvents, message.NewMessage(watermill.NewUUID(), payload)); err != nil {
		log.Warn().Err(err).Str("type", string(ev.Type)).Msg("publish event")
	}
}

// Recorder keeps every published event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event{}, r.events...)
}

// OfType returns the recorded events of type t.
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
