package integration

import (
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// SubjectPrefix roots every subject this package publishes on
const SubjectPrefix = "uwb.session"

// natsConn is the part of *nats.Conn the publisher needs
type natsConn interface {
	Publish(subj string, data []byte) error
}

// NATSPublisher publishes on uwb.session.<id>.<kind>
type NATSPublisher struct {
	nc    natsConn
	conn  *nats.Conn
	close func()
}

// NewNATSPublisher publishes over an established connection. The
// connection stays owned by the caller.
func NewNATSPublisher(nc *nats.Conn) *NATSPublisher {
	return &NATSPublisher{nc: nc, conn: nc}
}

// ConnectNATS dials url and returns a publisher that owns the connection.
// opts are applied after the defaults.
func ConnectNATS(url string, opts ...nats.Option) (*NATSPublisher, error) {
	defaults := []nats.Option{
		nats.Name("uwb-ranging-server"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}
	nc, err := nats.Connect(url, append(defaults, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return &NATSPublisher{nc: nc, conn: nc, close: func() {
		if err := nc.Drain(); err != nil {
			log.Warn().Err(err).Msg("Failed to drain NATS connection")
		}
	}}, nil
}

// Conn returns the underlying connection
func (p *NATSPublisher) Conn() *nats.Conn {
	return p.conn
}

// Subject returns the subject msg is published on
func Subject(msg Message) string {
	return fmt.Sprintf("%s.%s.%s", SubjectPrefix, msg.SessionID, msg.Kind)
}

// Publish implements Publisher
func (p *NATSPublisher) Publish(msg Message) error {
	data, err := encode(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	subject := Subject(msg)
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}

	log.Debug().
		Str("subject", subject).
		Int("size", len(data)).
		Msg("Published to NATS")
	return nil
}

// Close implements Publisher
func (p *NATSPublisher) Close() {
	if p.close != nil {
		p.close()
	}
}
