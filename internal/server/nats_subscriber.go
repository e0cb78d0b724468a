package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/uwb-bootstrap/uwb-ranging-server/internal/models"
	"github.com/uwb-bootstrap/uwb-ranging-server/internal/storage"
	"github.com/uwb-bootstrap/uwb-ranging-server/pkg/uwb"
)

// Control subjects. Requests may carry a reply subject; the reply body is
// a ControlReply.
const (
	SubjectController = "uwb.control.controller"
	SubjectControlee  = "uwb.control.controlee"
	SubjectStop       = "uwb.control.stop"
	SubjectStatus     = "uwb.control.status"
)

// requestTimeout bounds each control request
const requestTimeout = 10 * time.Second

// Sessions is the part of session.Service driven over NATS
type Sessions interface {
	Start(ctx context.Context, role uwb.Role) (*models.Session, error)
	Stop(ctx context.Context) (*models.Session, error)
	Current() (*models.Session, bool)
}

// ControlReply is the response to a control request
type ControlReply struct {
	Session *models.Session `json:"session,omitempty"`
	Active  bool            `json:"active"`
	Error   string          `json:"error,omitempty"`
}

// NATSSubscriber lets remote tooling start and stop sessions over NATS
type NATSSubscriber struct {
	nc       *nats.Conn
	sessions Sessions
	store    storage.Store
	subs     []*nats.Subscription
}

// NewNATSSubscriber creates NATS subscriber
func NewNATSSubscriber(nc *nats.Conn, sessions Sessions, store storage.Store) *NATSSubscriber {
	return &NATSSubscriber{
		nc:       nc,
		sessions: sessions,
		store:    store,
		subs:     make([]*nats.Subscription, 0),
	}
}

// Start subscribes to the control subjects and blocks until ctx ends
func (s *NATSSubscriber) Start(ctx context.Context) error {
	for _, subject := range []string{SubjectController, SubjectControlee, SubjectStop, SubjectStatus} {
		sub, err := s.nc.Subscribe(subject, s.handleMessage)
		if err != nil {
			s.unsubscribe()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}

	log.Info().
		Int("subscriptions", len(s.subs)).
		Msg("NATS control subscriber started")

	<-ctx.Done()
	s.unsubscribe()
	return ctx.Err()
}

func (s *NATSSubscriber) unsubscribe() {
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil {
			log.Warn().Err(err).Str("subject", sub.Subject).Msg("Failed to unsubscribe")
		}
	}
	s.subs = s.subs[:0]
}

func (s *NATSSubscriber) handleMessage(msg *nats.Msg) {
	log.Debug().
		Str("subject", msg.Subject).
		Int("size", len(msg.Data)).
		Msg("Received control request")

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	reply := s.Handle(ctx, msg.Subject, msg.Data)
	if reply.Error != "" {
		log.Warn().Str("subject", msg.Subject).Str("error", reply.Error).Msg("Control request failed")
	}
	if msg.Reply == "" {
		return
	}

	data, err := json.Marshal(reply)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal control reply")
		return
	}
	if err := msg.Respond(data); err != nil {
		log.Error().Err(err).Msg("Failed to send control reply")
	}
}

// Handle executes one control request
func (s *NATSSubscriber) Handle(ctx context.Context, subject string, data []byte) ControlReply {
	switch subject {
	case SubjectController:
		return s.start(ctx, uwb.RoleController)
	case SubjectControlee:
		return s.start(ctx, uwb.RoleControlee)
	case SubjectStop:
		rec, err := s.sessions.Stop(ctx)
		if err != nil {
			return ControlReply{Error: err.Error()}
		}
		return ControlReply{Session: rec}
	case SubjectStatus:
		return s.status(ctx, data)
	}
	return ControlReply{Error: fmt.Sprintf("unknown subject %s", subject)}
}

func (s *NATSSubscriber) start(ctx context.Context, role uwb.Role) ControlReply {
	rec, err := s.sessions.Start(ctx, role)
	if err != nil {
		return ControlReply{Error: err.Error()}
	}
	log.Info().Str("role", string(role)).Str("session", rec.ID.String()).Msg("Session started over NATS")
	return ControlReply{Session: rec, Active: true}
}

// status returns the active session, or the recorded session named by an
// optional {"id": "..."} body
func (s *NATSSubscriber) status(ctx context.Context, data []byte) ControlReply {
	var req struct {
		ID string `json:"id"`
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &req); err != nil {
			return ControlReply{Error: "invalid request body"}
		}
	}

	if req.ID == "" {
		rec, active := s.sessions.Current()
		return ControlReply{Session: rec, Active: active}
	}

	id, err := uuid.Parse(req.ID)
	if err != nil {
		return ControlReply{Error: "invalid session id"}
	}
	rec, err := s.store.GetSession(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return ControlReply{Error: "session not found"}
	}
	if err != nil {
		return ControlReply{Error: err.Error()}
	}
	current, active := s.sessions.Current()
	return ControlReply{Session: rec, Active: active && current != nil && current.ID == rec.ID}
}
