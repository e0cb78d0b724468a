// Package session runs the handshake for one role at a time, consumes the
// resulting ranging stream and records what happened.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/uwb-bootstrap/uwb-ranging-server/internal/handshake"
	"github.com/uwb-bootstrap/uwb-ranging-server/internal/integration"
	"github.com/uwb-bootstrap/uwb-ranging-server/internal/models"
	"github.com/uwb-bootstrap/uwb-ranging-server/internal/ranging"
	"github.com/uwb-bootstrap/uwb-ranging-server/internal/storage"
	"github.com/uwb-bootstrap/uwb-ranging-server/pkg/uwb"
)

var (
	// ErrActive is returned when a session is already running
	ErrActive = errors.New("a session is already active")
	// ErrNoSession is returned when there is nothing to stop
	ErrNoSession = errors.New("no active session")
)

// Handshaker is the part of the orchestrator the service drives
type Handshaker interface {
	RunAsController(ctx context.Context) (*ranging.Stream, error)
	RunAsControlee(ctx context.Context) (*ranging.Stream, error)
	Cancel()
}

// Options configures a Service
type Options struct {
	// Attempts is the number of handshake attempts per start. Only
	// retryable failures lead to another attempt.
	Attempts   int
	RetryDelay time.Duration
	// PersistInterval throttles how often position updates are written
	// to the store
	PersistInterval time.Duration
	// SubscriberBuffer is the channel size of each live subscriber
	SubscriberBuffer int
}

func (o *Options) setDefaults() {
	if o.Attempts <= 0 {
		o.Attempts = 1
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Second
	}
	if o.PersistInterval <= 0 {
		o.PersistInterval = time.Second
	}
	if o.SubscriberBuffer <= 0 {
		o.SubscriberBuffer = 32
	}
}

// Update is pushed to live subscribers
type Update struct {
	Kind    integration.Kind  `json:"kind"`
	Session *models.Session   `json:"session"`
	Event   *uwb.RangingEvent `json:"event,omitempty"`
}

// Service owns the lifecycle of ranging sessions
type Service struct {
	hs      Handshaker
	local   func() uwb.Address
	store   storage.Store
	pub     integration.Publisher
	tracker *ranging.Tracker
	opts    Options

	mu      sync.Mutex
	base    context.Context
	current *run
	last    *models.Session

	subMu sync.Mutex
	subs  map[chan Update]struct{}
}

type run struct {
	record *models.Session
	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a Service. local returns the address the ranging
// engine uses, recorded on every session.
func NewService(hs Handshaker, local func() uwb.Address, store storage.Store, pub integration.Publisher, opts Options) *Service {
	opts.setDefaults()
	if pub == nil {
		pub = integration.Discard{}
	}
	return &Service{
		hs:      hs,
		local:   local,
		store:   store,
		pub:     pub,
		tracker: ranging.NewTracker(),
		opts:    opts,
		base:    context.Background(),
		subs:    make(map[chan Update]struct{}),
	}
}

// Bind makes every session end when ctx ends
func (s *Service) Bind(ctx context.Context) {
	s.mu.Lock()
	s.base = ctx
	s.mu.Unlock()
}

// Start begins a handshake in role and returns the new session record. The
// handshake and the ranging session run in the background.
func (s *Service) Start(ctx context.Context, role uwb.Role) (*models.Session, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("invalid role %q", role)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		return nil, ErrActive
	}

	record := &models.Session{
		Role:       role,
		Status:     models.SessionStatusHandshaking,
		UpdateRate: uwb.UpdateRateAutomatic,
	}
	if err := s.store.CreateSession(ctx, record); err != nil {
		return nil, fmt.Errorf("create session record: %w", err)
	}

	runCtx, cancel := context.WithCancel(s.base)
	r := &run{record: record, cancel: cancel, done: make(chan struct{})}
	s.current = r
	s.tracker.Reset()

	s.logEvent(record, models.EventTypeHandshakeStarted, models.EventLevelInfo, "", fmt.Sprintf("%s handshake started", role), nil)
	go s.execute(runCtx, r)

	return cloneRecord(record), nil
}

// Stop cancels the active session and waits until it has been recorded
func (s *Service) Stop(ctx context.Context) (*models.Session, error) {
	s.mu.Lock()
	r := s.current
	s.mu.Unlock()
	if r == nil {
		return nil, ErrNoSession
	}

	r.cancel()
	s.hs.Cancel()

	select {
	case <-r.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneRecord(s.last), nil
}

// Current returns the active session, or the last one when idle
func (s *Service) Current() (*models.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		return cloneRecord(s.current.record), true
	}
	if s.last != nil {
		return cloneRecord(s.last), false
	}
	return nil, false
}

// Position returns the latest tracked position
func (s *Service) Position() (ranging.Snapshot, bool) {
	return s.tracker.Latest()
}

// Subscribe registers a live subscriber. Updates are dropped for
// subscribers that fall behind. The returned func unsubscribes.
func (s *Service) Subscribe() (<-chan Update, func()) {
	ch := make(chan Update, s.opts.SubscriberBuffer)
	s.subMu.Lock()
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, ch)
			s.subMu.Unlock()
			close(ch)
		})
	}
}

// Shutdown stops the active session, if any
func (s *Service) Shutdown(ctx context.Context) error {
	if _, err := s.Stop(ctx); err != nil && !errors.Is(err, ErrNoSession) {
		return err
	}
	return nil
}

func (s *Service) broadcast(u Update) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- u:
		default:
			log.Warn().Str("kind", string(u.Kind)).Msg("Dropping update for slow subscriber")
		}
	}
}

func (s *Service) execute(ctx context.Context, r *run) {
	defer close(r.done)
	defer r.cancel()

	stream, err := s.handshake(ctx, r)
	if err != nil {
		status := models.SessionStatusFailed
		if handshake.Reason(err) == handshake.ReasonCancelled {
			status = models.SessionStatusStopped
		}
		s.finish(r, status, err)
		return
	}

	s.started(r, stream)
	s.consume(r, stream)

	<-stream.Done()
	if err := stream.Err(); err != nil {
		s.finish(r, models.SessionStatusFailed, err)
		return
	}
	s.finish(r, models.SessionStatusStopped, nil)
}

func (s *Service) handshake(ctx context.Context, r *run) (*ranging.Stream, error) {
	var err error
	for attempt := 1; attempt <= s.opts.Attempts; attempt++ {
		s.mutate(r, func(rec *models.Session) { rec.Attempts = attempt })

		var stream *ranging.Stream
		if r.record.Role == uwb.RoleController {
			stream, err = s.hs.RunAsController(ctx)
		} else {
			stream, err = s.hs.RunAsControlee(ctx)
		}
		if err == nil {
			return stream, nil
		}

		if attempt == s.opts.Attempts || !handshake.Retryable(err) || ctx.Err() != nil {
			break
		}

		log.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("retry_in", s.opts.RetryDelay).
			Msg("Handshake failed, retrying")

		select {
		case <-time.After(s.opts.RetryDelay):
		case <-ctx.Done():
			return nil, err
		}
	}
	return nil, err
}

func (s *Service) started(r *run, stream *ranging.Stream) {
	cfg := stream.Config()
	now := time.Now()

	var record *models.Session
	s.mutate(r, func(rec *models.Session) {
		rec.ApplyConfiguration(cfg, s.local())
		rec.Status = models.SessionStatusRanging
		rec.StartedAt = &now
		record = cloneRecord(rec)
	})
	s.persist(record)

	s.logEvent(record, models.EventTypeSessionStarted, models.EventLevelInfo, "",
		fmt.Sprintf("ranging with %s on channel %s", cfg.PeerAddress, cfg.ComplexChannel), models.Variables{
			"sessionId": cfg.SessionID,
			"channel":   cfg.ComplexChannel.Channel,
			"preamble":  cfg.ComplexChannel.PreambleIndex,
		})
	s.publish(integration.Message{
		Kind:      integration.KindHandshake,
		SessionID: record.ID,
		Role:      record.Role,
		Peer:      cfg.PeerAddress,
		Status:    string(record.Status),
	})
	s.broadcast(Update{Kind: integration.KindHandshake, Session: record})
}

func (s *Service) consume(r *run, stream *ranging.Stream) {
	var lastPersist time.Time

	for ev := range stream.Events() {
		s.tracker.Apply(ev)

		var record *models.Session
		switch ev.Kind {
		case uwb.EventPositionUpdate:
			pos := ev.Position
			s.mutate(r, func(rec *models.Session) {
				rec.Updates++
				rec.LastPosition = &pos
				record = cloneRecord(rec)
			})
			if time.Since(lastPersist) >= s.opts.PersistInterval {
				s.persist(record)
				lastPersist = time.Now()
			}
			s.publish(integration.Message{
				Kind:      integration.KindPosition,
				SessionID: record.ID,
				Role:      record.Role,
				Peer:      ev.Peer,
				Position:  &pos,
			})
			s.broadcast(Update{Kind: integration.KindPosition, Session: record, Event: &ev})

		case uwb.EventPeerDisconnected:
			s.mutate(r, func(rec *models.Session) {
				rec.LastPosition = nil
				record = cloneRecord(rec)
			})
			s.persist(record)
			s.logEvent(record, models.EventTypePeerDisconnected, models.EventLevelWarning, "",
				fmt.Sprintf("peer %s disconnected", ev.Peer), nil)
			s.publish(integration.Message{
				Kind:      integration.KindDisconnected,
				SessionID: record.ID,
				Role:      record.Role,
				Peer:      ev.Peer,
			})
			s.broadcast(Update{Kind: integration.KindDisconnected, Session: record, Event: &ev})
		}
	}
}

func (s *Service) finish(r *run, status models.SessionStatus, cause error) {
	now := time.Now()
	var record *models.Session
	s.mutate(r, func(rec *models.Session) {
		rec.Status = status
		rec.EndedAt = &now
		if cause != nil {
			rec.FailureReason = handshake.Reason(cause)
			var f *handshake.Failure
			if errors.As(cause, &f) {
				rec.FailureStage = string(f.Stage)
			} else if errors.Is(cause, ranging.ErrSession) {
				rec.FailureStage = string(handshake.StageSession)
			}
		}
		record = cloneRecord(rec)
	})
	s.tracker.Reset()
	s.persist(record)

	switch {
	case cause == nil || status == models.SessionStatusStopped:
		s.logEvent(record, models.EventTypeSessionStopped, models.EventLevelInfo, "", "session stopped", nil)
	case record.StartedAt == nil:
		s.logEvent(record, models.EventTypeHandshakeFailed, models.EventLevelError, record.FailureReason, cause.Error(), models.Variables{
			"stage":    record.FailureStage,
			"attempts": record.Attempts,
		})
	default:
		s.logEvent(record, models.EventTypeSessionFault, models.EventLevelError, record.FailureReason, cause.Error(), nil)
	}

	s.publish(integration.Message{
		Kind:      integration.KindStopped,
		SessionID: record.ID,
		Role:      record.Role,
		Peer:      record.PeerAddress,
		Status:    string(record.Status),
		Reason:    record.FailureReason,
	})
	s.broadcast(Update{Kind: integration.KindStopped, Session: record})

	s.mu.Lock()
	if s.current == r {
		s.current = nil
	}
	s.last = record
	s.mu.Unlock()

	log.Info().
		Str("id", record.ID.String()).
		Str("role", string(record.Role)).
		Str("status", string(record.Status)).
		Str("reason", record.FailureReason).
		Msg("Session finished")
}

// mutate edits the live record under the service lock
func (s *Service) mutate(r *run, fn func(*models.Session)) {
	s.mu.Lock()
	fn(r.record)
	s.mu.Unlock()
}

func (s *Service) persist(record *models.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.UpdateSession(ctx, record); err != nil {
		log.Error().Err(err).Str("id", record.ID.String()).Msg("Failed to update session record")
	}
}

func (s *Service) publish(msg integration.Message) {
	if err := s.pub.Publish(msg); err != nil {
		log.Error().Err(err).Str("kind", string(msg.Kind)).Msg("Failed to publish session event")
	}
}

func (s *Service) logEvent(record *models.Session, typ models.EventType, level models.EventLevel, code, description string, details models.Variables) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id := record.ID
	event := &models.EventLog{
		SessionID:   &id,
		Type:        typ,
		Level:       level,
		Code:        code,
		Description: description,
		Details:     details,
	}
	if err := s.store.CreateEventLog(ctx, event); err != nil {
		log.Error().Err(err).Msg("Failed to create event log")
	}
}

// Record looks up a stored session
func (s *Service) Record(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	return s.store.GetSession(ctx, id)
}

func cloneRecord(in *models.Session) *models.Session {
	if in == nil {
		return nil
	}
	out := *in
	out.LocalAddress = in.LocalAddress.Clone()
	out.PeerAddress = in.PeerAddress.Clone()
	if in.LastPosition != nil {
		p := *in.LastPosition
		out.LastPosition = &p
	}
	return &out
}
