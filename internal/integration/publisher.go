// Package integration forwards session activity to external systems over
// NATS and MQTT.
package integration

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/uwb-bootstrap/uwb-ranging-server/pkg/uwb"
)

// Kind names the published event
type Kind string

const (
	KindHandshake    Kind = "handshake"
	KindPosition     Kind = "position"
	KindDisconnected Kind = "disconnected"
	KindStopped      Kind = "stopped"
)

// Message is the JSON document published for every session event
type Message struct {
	Kind      Kind          `json:"kind"`
	SessionID uuid.UUID     `json:"sessionId"`
	Role      uwb.Role      `json:"role"`
	Peer      uwb.Address   `json:"peer,omitempty"`
	Position  *uwb.Position `json:"position,omitempty"`
	Status    string        `json:"status,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// Publisher delivers messages to one external system
type Publisher interface {
	Publish(msg Message) error
	Close()
}

func encode(msg Message) ([]byte, error) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	return json.Marshal(msg)
}

// Multi publishes to several publishers and joins their errors
type Multi []Publisher

// Publish implements Publisher
func (m Multi) Publish(msg Message) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close implements Publisher
func (m Multi) Close() {
	for _, p := range m {
		p.Close()
	}
}

// Discard drops every message
type Discard struct{}

func (Discard) Publish(Message) error { return nil }
func (Discard) Close()                {}
