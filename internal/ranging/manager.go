// Package ranging drives the UWB ranging engine for one session at a time and
// exposes its reports as a stream of typed events.
package ranging

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/uwb-bootstrap/uwb-ranging-server/pkg/uwb"
)

// ErrSession reports a ranging engine fault
var ErrSession = errors.New("session error")

// Sink receives engine reports. Calls may come from any goroutine.
type Sink interface {
	Report(ev uwb.RangingEvent)
	Fault(err error)
}

// Engine is the UWB ranging engine
type Engine interface {
	// LocalAddress is the address this device ranges with
	LocalAddress() uwb.Address
	// ComplexChannel is the channel pair the engine offers when acting as
	// Controller
	ComplexChannel() uwb.ComplexChannel
	// Start begins ranging and reports to sink until Stop is called
	Start(ctx context.Context, cfg uwb.SessionConfiguration, sink Sink) error
	Stop() error
}

// StreamBuffer is the number of events buffered between the engine and the
// subscriber
const StreamBuffer = 64

// Manager owns the ranging engine
type Manager struct {
	engine Engine

	mu     sync.Mutex
	active *Stream
}

// NewManager creates a manager for engine
func NewManager(engine Engine) *Manager {
	return &Manager{engine: engine}
}

// LocalAddress returns the engine's local address
func (m *Manager) LocalAddress() uwb.Address {
	return m.engine.LocalAddress().Clone()
}

// ComplexChannel returns the engine's complex channel
func (m *Manager) ComplexChannel() uwb.ComplexChannel {
	return m.engine.ComplexChannel()
}

// Active returns the running stream, if any
func (m *Manager) Active() *Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Start starts a session with cfg. A stream left over from a previous call
// is stopped first. The returned stream ends when ctx is cancelled, Stop is
// called or the engine faults.
func (m *Manager) Start(ctx context.Context, cfg uwb.SessionConfiguration) (*Stream, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: invalid configuration: %w", ErrSession, err)
	}

	m.Stop()

	sctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		cfg:    cfg,
		ctx:    sctx,
		events: make(chan uwb.RangingEvent, StreamBuffer),
		done:   make(chan struct{}),
		cancel: cancel,
	}

	if err := m.engine.Start(sctx, cfg, s); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: start engine: %w", ErrSession, err)
	}

	m.mu.Lock()
	m.active = s
	m.mu.Unlock()

	log.Info().
		Str("role", string(cfg.Role)).
		Int32("session_id", cfg.SessionID).
		Str("channel", cfg.ComplexChannel.String()).
		Str("peer", cfg.PeerAddress.String()).
		Msg("Ranging session started")

	go m.run(sctx, s)
	return s, nil
}

func (m *Manager) run(ctx context.Context, s *Stream) {
	<-ctx.Done()

	if err := m.engine.Stop(); err != nil {
		log.Warn().Err(err).Msg("Failed to stop ranging engine")
	}

	m.mu.Lock()
	if m.active == s {
		m.active = nil
	}
	m.mu.Unlock()

	s.finish()

	log.Info().Int32("session_id", s.cfg.SessionID).Err(s.Err()).Msg("Ranging session stopped")
}

// Stop ends the active session and waits for the engine to be released.
// It is safe when nothing was started.
func (m *Manager) Stop() {
	m.mu.Lock()
	s := m.active
	m.mu.Unlock()
	if s == nil {
		return
	}
	s.Close()
	<-s.Done()
}

// Stream delivers the events of one session to a single subscriber
type Stream struct {
	cfg    uwb.SessionConfiguration
	ctx    context.Context
	events chan uwb.RangingEvent
	done   chan struct{}
	cancel context.CancelFunc

	// sendMu guards events against close while a report is in flight
	sendMu   sync.RWMutex
	finished bool

	mu  sync.Mutex
	err error
}

// Config returns the configuration the session was started with
func (s *Stream) Config() uwb.SessionConfiguration {
	return s.cfg
}

// Events is closed when the stream ends
func (s *Stream) Events() <-chan uwb.RangingEvent {
	return s.events
}

// Done is closed after the engine has been stopped
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Err returns the fault that ended the stream, or nil after cancellation
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close cancels the stream
func (s *Stream) Close() {
	s.cancel()
}

// Report implements Sink. It blocks while the buffer is full; reports
// after the stream ended are dropped.
func (s *Stream) Report(ev uwb.RangingEvent) {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.finished {
		return
	}
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

// Fault implements Sink. The first fault ends the stream.
func (s *Stream) Fault(err error) {
	s.mu.Lock()
	if s.err == nil && s.ctx.Err() == nil {
		s.err = fmt.Errorf("%w: %w", ErrSession, err)
	}
	s.mu.Unlock()
	s.cancel()
}

// finish runs once ctx is done, so blocked reports have already returned
func (s *Stream) finish() {
	s.sendMu.Lock()
	s.finished = true
	close(s.events)
	s.sendMu.Unlock()
	close(s.done)
}
