// Package handshake composes the BLE link roles with the parameter codec to
// agree on a UWB session, then starts ranging.
//
// The Controller generates session parameters, serves them as a readable
// attribute and waits for the Controlee to write its address back. The
// Controlee scans for the Controller, reads and decodes the parameters,
// writes its own address and disconnects. Both sides then start ranging.
package handshake

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/uwb-bootstrap/uwb-ranging-server/internal/handoff"
	"github.com/uwb-bootstrap/uwb-ranging-server/internal/link"
	"github.com/uwb-bootstrap/uwb-ranging-server/internal/ranging"
	"github.com/uwb-bootstrap/uwb-ranging-server/pkg/crypto"
	"github.com/uwb-bootstrap/uwb-ranging-server/pkg/uwb"
)

// State is the observable progress of a handshake
type State string

const (
	StateIdle       State = "idle"
	StateServing    State = "serving"
	StateScanning   State = "scanning"
	StateConnecting State = "connecting"
	StateExchanging State = "exchanging"
	StateReady      State = "ready"
	StateRanging    State = "ranging"
	StateFailed     State = "failed"
)

// DefaultKeyLength is the size of generated session key info
const DefaultKeyLength = 8

// Options configures an Orchestrator
type Options struct {
	ServiceID   uuid.UUID
	AttributeID uuid.UUID
	LocalName   string
	ScanTimeout time.Duration
	// ScanRetries is how many extra scans the Controlee makes after a scan
	// timeout
	ScanRetries int
	KeyLength   int
	UpdateRate  uwb.UpdateRate

	// Observer, when set, sees every state change
	Observer func(State)

	// SessionID and SessionKey generate the Controller's parameters.
	// They default to crypto/rand backed generators.
	SessionID  func() (int32, error)
	SessionKey func(n int) ([]byte, error)
}

func (o *Options) setDefaults() {
	if o.ServiceID == uuid.Nil {
		o.ServiceID = link.DefaultServiceID
	}
	if o.AttributeID == uuid.Nil {
		o.AttributeID = link.DefaultAttributeID
	}
	if o.ScanTimeout <= 0 {
		o.ScanTimeout = link.DefaultScanTimeout
	}
	if o.KeyLength <= 0 {
		o.KeyLength = DefaultKeyLength
	}
	if o.UpdateRate == "" {
		o.UpdateRate = uwb.UpdateRateAutomatic
	}
	if o.SessionID == nil {
		o.SessionID = crypto.GenerateSessionID
	}
	if o.SessionKey == nil {
		o.SessionKey = crypto.GenerateSessionKey
	}
}

// Orchestrator runs one handshake at a time. Either link role may be nil
// on hosts that only support the other.
type Orchestrator struct {
	responder *link.Responder
	initiator *link.Initiator
	ranging   *ranging.Manager
	opts      Options

	mu      sync.Mutex
	state   State
	running bool
	cancel  context.CancelFunc
}

// New creates an Orchestrator
func New(responder *link.Responder, initiator *link.Initiator, mgr *ranging.Manager, opts Options) *Orchestrator {
	opts.setDefaults()
	return &Orchestrator{
		responder: responder,
		initiator: initiator,
		ranging:   mgr,
		opts:      opts,
		state:     StateIdle,
	}
}

// State returns the current state
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	observe := o.opts.Observer
	o.mu.Unlock()
	if observe != nil {
		observe(s)
	}
}

func (o *Orchestrator) begin(ctx context.Context) (context.Context, func(), error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return nil, nil, ErrBusy
	}
	runCtx, cancel := context.WithCancel(ctx)
	o.running = true
	o.cancel = cancel
	return runCtx, func() {
		cancel()
		o.mu.Lock()
		o.running = false
		o.cancel = nil
		o.mu.Unlock()
	}, nil
}

func (o *Orchestrator) fail(role uwb.Role, stage Stage, err error) error {
	o.setState(StateFailed)
	f := &Failure{Role: role, Stage: stage, Err: err}
	log.Error().
		Str("role", string(role)).
		Str("stage", string(stage)).
		Str("reason", f.Reason()).
		Err(err).
		Msg("Handshake failed")
	return f
}

// Cancel aborts a running handshake and stops the ranging session it
// started. It is safe to call at any time.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	cancel := o.cancel
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	o.ranging.Stop()
	o.setState(StateIdle)
}

// RunAsController performs the Controller side and returns the running
// ranging stream. The stream outlives the handshake and ends with ctx.
func (o *Orchestrator) RunAsController(ctx context.Context) (*ranging.Stream, error) {
	if o.responder == nil {
		return nil, o.fail(uwb.RoleController, StageServe, errors.New("no peripheral radio available"))
	}
	runCtx, done, err := o.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	params, err := o.controllerParams()
	if err != nil {
		return nil, o.fail(uwb.RoleController, StageGenerate, err)
	}
	payload, err := uwb.Encode(params)
	if err != nil {
		return nil, o.fail(uwb.RoleController, StageGenerate, err)
	}

	peer, err := o.awaitPeer(runCtx, payload)
	if err != nil {
		return nil, o.fail(uwb.RoleController, StageServe, err)
	}
	o.setState(StateReady)

	log.Info().
		Str("peer", peer.String()).
		Int32("session_id", params.SessionID).
		Msg("Controlee address received")

	cfg := uwb.NewSessionConfiguration(uwb.RoleController, peer, params, o.opts.UpdateRate)
	return o.startSession(ctx, runCtx, uwb.RoleController, cfg)
}

func (o *Orchestrator) controllerParams() (uwb.SessionParameters, error) {
	id, err := o.opts.SessionID()
	if err != nil {
		return uwb.SessionParameters{}, err
	}
	key, err := o.opts.SessionKey(o.opts.KeyLength)
	if err != nil {
		return uwb.SessionParameters{}, err
	}

	ch := o.ranging.ComplexChannel()
	if err := ch.Validate(); err != nil {
		return uwb.SessionParameters{}, err
	}
	local := o.ranging.LocalAddress()
	if len(local) == 0 {
		return uwb.SessionParameters{}, errors.New("ranging engine has no local address")
	}

	return uwb.SessionParameters{
		PeerAddress:    local,
		Channel:        ch.Channel,
		PreambleIndex:  ch.PreambleIndex,
		SessionID:      id,
		SessionKeyInfo: key,
	}, nil
}

// awaitPeer serves payload until the first non-empty write arrives and
// returns it. Serving has stopped by the time awaitPeer returns.
func (o *Orchestrator) awaitPeer(ctx context.Context, payload []byte) (uwb.Address, error) {
	peerSlot := handoff.New[uwb.Address]()

	serveCtx, stopServe := context.WithCancel(ctx)
	serveDone := make(chan struct{})
	var serveErr error

	go func() {
		defer close(serveDone)
		serveErr = o.responder.Serve(serveCtx, link.ServeOptions{
			ServiceID:   o.opts.ServiceID,
			AttributeID: o.opts.AttributeID,
			LocalName:   o.opts.LocalName,
			OnRead:      func() []byte { return payload },
			OnWrite: func(value []byte) {
				if len(value) == 0 {
					return
				}
				if !peerSlot.TryResolve(uwb.Address(value).Clone()) {
					log.Debug().Str("value", uwb.Address(value).String()).Msg("Ignoring write after peer address captured")
				}
			},
			OnState: func(s link.ResponderState) {
				if s == link.ResponderServing {
					o.setState(StateServing)
				}
			},
		})
	}()
	defer func() {
		stopServe()
		<-serveDone
	}()

	select {
	case <-peerSlot.Done():
		stopServe()
		<-serveDone
		peer, _ := peerSlot.Value()
		return peer, nil
	case <-serveDone:
		if serveErr != nil {
			return nil, serveErr
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, errors.New("responder stopped before a peer connected")
	}
}

// RunAsControlee performs the Controlee side and returns the running
// ranging stream. The stream outlives the handshake and ends with ctx.
func (o *Orchestrator) RunAsControlee(ctx context.Context) (*ranging.Stream, error) {
	if o.initiator == nil {
		return nil, o.fail(uwb.RoleControlee, StageScan, errors.New("no central radio available"))
	}
	runCtx, done, err := o.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	peer, err := o.scan(runCtx)
	if err != nil {
		return nil, o.fail(uwb.RoleControlee, StageScan, err)
	}

	o.setState(StateConnecting)
	l, err := o.initiator.Connect(runCtx, peer, o.opts.ServiceID, o.opts.AttributeID)
	if err != nil {
		return nil, o.fail(uwb.RoleControlee, StageConnect, err)
	}
	defer o.initiator.Close(l)

	o.setState(StateExchanging)
	data, err := o.initiator.Read(runCtx, l)
	if err != nil {
		return nil, o.fail(uwb.RoleControlee, StageRead, err)
	}

	params, err := uwb.Decode(data)
	if err != nil {
		return nil, o.fail(uwb.RoleControlee, StageDecode, err)
	}
	if err := params.ComplexChannel().Validate(); err != nil {
		return nil, o.fail(uwb.RoleControlee, StageDecode, fmt.Errorf("%w: %w", uwb.ErrDecode, err))
	}

	local := o.ranging.LocalAddress()
	if len(local) == 0 {
		return nil, o.fail(uwb.RoleControlee, StageWrite, errors.New("ranging engine has no local address"))
	}
	if err := o.initiator.Write(runCtx, l, local); err != nil {
		return nil, o.fail(uwb.RoleControlee, StageWrite, err)
	}
	if err := o.initiator.Close(l); err != nil {
		log.Warn().Err(err).Msg("Failed to close link")
	}
	o.setState(StateReady)

	log.Info().
		Str("peer", params.PeerAddress.String()).
		Int32("session_id", params.SessionID).
		Str("channel", params.ComplexChannel().String()).
		Msg("Session parameters received")

	cfg := uwb.NewSessionConfiguration(uwb.RoleControlee, params.PeerAddress, params, o.opts.UpdateRate)
	return o.startSession(ctx, runCtx, uwb.RoleControlee, cfg)
}

func (o *Orchestrator) scan(ctx context.Context) (link.Peer, error) {
	var err error
	for attempt := 0; attempt <= o.opts.ScanRetries; attempt++ {
		o.setState(StateScanning)
		var peer link.Peer
		peer, err = o.initiator.Scan(ctx, o.opts.ServiceID, o.opts.ScanTimeout)
		if err == nil {
			return peer, nil
		}
		if !errors.Is(err, link.ErrScanTimeout) {
			return link.Peer{}, err
		}
		log.Info().Int("attempt", attempt+1).Msg("Scan timed out")
	}
	return link.Peer{}, err
}

// startSession starts ranging bound to the caller's ctx, unless the
// handshake itself was cancelled in the meantime.
func (o *Orchestrator) startSession(ctx, runCtx context.Context, role uwb.Role, cfg uwb.SessionConfiguration) (*ranging.Stream, error) {
	if err := runCtx.Err(); err != nil {
		return nil, o.fail(role, StageSession, err)
	}
	stream, err := o.ranging.Start(ctx, cfg)
	if err != nil {
		return nil, o.fail(role, StageSession, err)
	}
	o.setState(StateRanging)
	return stream, nil
}
