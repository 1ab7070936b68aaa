package events

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// Event is a single progress notification from the orchestrator, the
// supervisor or the watch reactor.
type Event struct {
	Type     Type      `json:"type"`
	At       time.Time `json:"at"`
	Service  string    `json:"service,omitempty"`
	Status   string    `json:"status,omitempty"`
	Level    int       `json:"level,omitempty"`
	PID      int       `json:"pid,omitempty"`
	Port     int       `json:"port,omitempty"`
	Services []string  `json:"services,omitempty"`
	Message  string    `json:"message,omitempty"`
	Error    string    `json:"error,omitempty"`
}

type Envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func NewEnvelope(ev Event) (Envelope, error) {
	if ev.Type == "" {
		return Envelope{}, errors.New("empty event type")
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return Envelope{}, errors.Wrap(err, "marshal event payload")
	}
	return Envelope{Type: ev.Type, Payload: b}, nil
}

func (e Envelope) MarshalJSONBytes() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrap(err, "marshal envelope")
	}
	return b, nil
}

// Decode parses a bus payload back into an Event.
func Decode(payload []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Event{}, errors.Wrap(err, "unmarshal envelope")
	}
	var ev Event
	if err := json.Unmarshal(env.Payload, &ev); err != nil {
		return Event{}, errors.Wrap(err, "unmarshal event payload")
	}
	return ev, nil
}
