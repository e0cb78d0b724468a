package link

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/uwb-bootstrap/uwb-ranging-server/internal/handoff"
)

// InitiatorState is the lifecycle state of an Initiator
type InitiatorState string

const (
	InitiatorIdle               InitiatorState = "idle"
	InitiatorScanning           InitiatorState = "scanning"
	InitiatorConnecting         InitiatorState = "connecting"
	InitiatorDiscoveringService InitiatorState = "discovering-service"
	InitiatorReady              InitiatorState = "ready"
	InitiatorReading            InitiatorState = "reading"
	InitiatorWriting            InitiatorState = "writing"
	InitiatorClosed             InitiatorState = "closed"
	InitiatorFailed             InitiatorState = "failed"
)

// DefaultScanTimeout bounds Scan when no timeout is given
const DefaultScanTimeout = 10 * time.Second

// Initiator scans for the bootstrap service and drives one connection at a
// time through read and write.
type Initiator struct {
	radio Central

	mu      sync.Mutex
	state   InitiatorState
	current *Link
	observe func(InitiatorState)
}

// NewInitiator creates an Initiator on top of radio
func NewInitiator(radio Central) *Initiator {
	return &Initiator{radio: radio, state: InitiatorIdle}
}

// OnState registers an observer for state transitions
func (i *Initiator) OnState(fn func(InitiatorState)) {
	i.mu.Lock()
	i.observe = fn
	i.mu.Unlock()
}

// State returns the current state
func (i *Initiator) State() InitiatorState {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Current returns the open link, if any
func (i *Initiator) Current() *Link {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.current
}

func (i *Initiator) setState(s InitiatorState) {
	i.mu.Lock()
	i.state = s
	observe := i.observe
	i.mu.Unlock()
	if observe != nil {
		observe(s)
	}
}

func (i *Initiator) fail(err error) error {
	i.setState(InitiatorFailed)
	return err
}

type scanOutcome struct {
	peer Peer
	err  error
}

type scanHandler struct {
	slot *handoff.Slot[scanOutcome]
}

func (h scanHandler) ScanResult(peer Peer) { h.slot.TryResolve(scanOutcome{peer: peer}) }

func (h scanHandler) ScanFailed(err error) { h.slot.TryResolve(scanOutcome{err: err}) }

// Scan waits for the first advertisement of serviceID. The scan is stopped
// on every return path.
func (i *Initiator) Scan(ctx context.Context, serviceID uuid.UUID, timeout time.Duration) (Peer, error) {
	if serviceID == uuid.Nil {
		serviceID = DefaultServiceID
	}
	if timeout <= 0 {
		timeout = DefaultScanTimeout
	}

	i.setState(InitiatorScanning)
	slot := handoff.New[scanOutcome]()
	if err := i.radio.StartScan(serviceID, scanHandler{slot: slot}); err != nil {
		return Peer{}, i.fail(fmt.Errorf("%w: %w", ErrScanFailed, err))
	}
	defer func() {
		if err := i.radio.StopScan(); err != nil {
			log.Warn().Err(err).Msg("Failed to stop scan")
		}
	}()

	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := slot.Wait(scanCtx)
	switch {
	case err == nil && out.err != nil:
		return Peer{}, i.fail(fmt.Errorf("%w: %w", ErrScanFailed, out.err))
	case err == nil:
		log.Info().Str("peer", out.peer.Address).Msg("Peer found")
		i.setState(InitiatorIdle)
		return out.peer, nil
	case ctx.Err() != nil:
		return Peer{}, i.fail(ctx.Err())
	default:
		return Peer{}, i.fail(fmt.Errorf("%w: no advertisement for %s within %v", ErrScanTimeout, serviceID, timeout))
	}
}

// Connect opens a connection to peer, waits for service discovery and
// checks that the bootstrap attribute exists.
func (i *Initiator) Connect(ctx context.Context, peer Peer, serviceID, attributeID uuid.UUID) (*Link, error) {
	if serviceID == uuid.Nil {
		serviceID = DefaultServiceID
	}
	if attributeID == uuid.Nil {
		attributeID = DefaultAttributeID
	}

	i.mu.Lock()
	if i.current != nil {
		i.mu.Unlock()
		return nil, ErrBusy
	}
	i.mu.Unlock()

	i.setState(InitiatorConnecting)
	l := newLink(i, peer, serviceID, attributeID)

	client, err := i.radio.Connect(peer, l)
	if err != nil {
		return nil, i.fail(fmt.Errorf("%w: %w", ErrConnection, err))
	}
	l.setClient(client)

	if err := l.waitConnected(ctx); err != nil {
		l.Close()
		return nil, i.fail(err)
	}

	i.setState(InitiatorDiscoveringService)
	if err := l.discover(ctx); err != nil {
		l.Close()
		return nil, i.fail(err)
	}

	i.mu.Lock()
	select {
	case <-l.lost:
		i.mu.Unlock()
		l.Close()
		return nil, i.fail(fmt.Errorf("%w: peer disconnected after discovery", ErrConnection))
	default:
	}
	i.current = l
	i.mu.Unlock()
	i.setState(InitiatorReady)

	log.Info().Str("peer", peer.Address).Msg("Link ready")
	return l, nil
}

// Read performs one read of the bootstrap attribute on l
func (i *Initiator) Read(ctx context.Context, l *Link) ([]byte, error) {
	if err := i.checkCurrent(l); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRead, err)
	}
	i.setState(InitiatorReading)
	value, err := l.read(ctx)
	if err != nil {
		return nil, i.fail(err)
	}
	i.setState(InitiatorReady)
	return value, nil
}

// Write performs one write of value to the bootstrap attribute on l
func (i *Initiator) Write(ctx context.Context, l *Link, value []byte) error {
	if err := i.checkCurrent(l); err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	i.setState(InitiatorWriting)
	if err := l.write(ctx, value); err != nil {
		return i.fail(err)
	}
	i.setState(InitiatorReady)
	return nil
}

// Close releases l. It is idempotent and safe after a failure.
func (i *Initiator) Close(l *Link) error {
	if l == nil {
		return nil
	}
	err := l.Close()
	i.setState(InitiatorClosed)
	return err
}

func (i *Initiator) checkCurrent(l *Link) error {
	if l == nil {
		return fmt.Errorf("%w: no link", ErrInvalidState)
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.current != l {
		return ErrClosed
	}
	return nil
}

func (i *Initiator) release(l *Link) {
	i.mu.Lock()
	if i.current == l {
		i.current = nil
	}
	i.mu.Unlock()
}

type readResult struct {
	value []byte
	err   error
}

// Link is one connection opened by an Initiator. It receives the radio
// callbacks for that connection.
type Link struct {
	owner       *Initiator
	peer        Peer
	serviceID   uuid.UUID
	attributeID uuid.UUID

	connected  *handoff.Slot[error]
	discovered *handoff.Slot[error]
	lost       chan struct{}
	lostOnce   sync.Once

	mu           sync.Mutex
	client       Client
	pendingRead  *handoff.Slot[readResult]
	pendingWrite *handoff.Slot[error]
	closed       bool
}

func newLink(owner *Initiator, peer Peer, serviceID, attributeID uuid.UUID) *Link {
	return &Link{
		owner:       owner,
		peer:        peer,
		serviceID:   serviceID,
		attributeID: attributeID,
		connected:   handoff.New[error](),
		discovered:  handoff.New[error](),
		lost:        make(chan struct{}),
	}
}

// Peer returns the remote device
func (l *Link) Peer() Peer {
	return l.peer
}

// Lost is closed when the peer disconnects or the link is closed
func (l *Link) Lost() <-chan struct{} {
	return l.lost
}

func (l *Link) setClient(c Client) {
	l.mu.Lock()
	l.client = c
	l.mu.Unlock()
}

func (l *Link) getClient() Client {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.client
}

func (l *Link) markLost() {
	l.lostOnce.Do(func() { close(l.lost) })
	l.owner.release(l)
}

func (l *Link) waitConnected(ctx context.Context) error {
	select {
	case <-l.connected.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err, _ := l.connected.Value(); err != nil {
		return fmt.Errorf("%w: %w", ErrConnection, err)
	}
	return nil
}

func (l *Link) discover(ctx context.Context) error {
	client := l.getClient()
	if err := client.DiscoverServices(); err != nil {
		return fmt.Errorf("%w: discover services: %w", ErrConnection, err)
	}

	select {
	case <-l.discovered.Done():
	case <-l.lost:
		return fmt.Errorf("%w: peer disconnected during discovery", ErrConnection)
	case <-ctx.Done():
		return ctx.Err()
	}
	if err, _ := l.discovered.Value(); err != nil {
		return fmt.Errorf("%w: discover services: %w", ErrConnection, err)
	}
	if !client.HasAttribute(l.serviceID, l.attributeID) {
		return fmt.Errorf("%w: %s/%s", ErrAttributeNotFound, l.serviceID, l.attributeID)
	}
	return nil
}

func (l *Link) read(ctx context.Context) ([]byte, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrClosed
	}
	if l.pendingRead != nil {
		l.mu.Unlock()
		return nil, ErrBusy
	}
	slot := handoff.New[readResult]()
	l.pendingRead = slot
	client := l.client
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.pendingRead = nil
		l.mu.Unlock()
	}()

	if err := client.Read(l.serviceID, l.attributeID); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRead, err)
	}

	res, err := slot.Wait(ctx)
	if err != nil {
		return nil, err
	}
	if res.err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRead, res.err)
	}
	return res.value, nil
}

func (l *Link) write(ctx context.Context, value []byte) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	if l.pendingWrite != nil {
		l.mu.Unlock()
		return ErrBusy
	}
	slot := handoff.New[error]()
	l.pendingWrite = slot
	client := l.client
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.pendingWrite = nil
		l.mu.Unlock()
	}()

	if err := client.Write(l.serviceID, l.attributeID, append([]byte{}, value...)); err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}

	werr, err := slot.Wait(ctx)
	if err != nil {
		return err
	}
	if werr != nil {
		return fmt.Errorf("%w: %w", ErrWrite, werr)
	}
	return nil
}

// Close disconnects and releases the client. It is idempotent.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	client := l.client
	l.mu.Unlock()

	l.markLost()
	l.failPending(ErrClosed)

	if client == nil {
		return nil
	}
	if err := client.Close(); err != nil && !errors.Is(err, ErrClosed) {
		return fmt.Errorf("close link: %w", err)
	}
	return nil
}

func (l *Link) failPending(err error) {
	l.mu.Lock()
	r, w := l.pendingRead, l.pendingWrite
	l.mu.Unlock()
	if r != nil {
		r.TryResolve(readResult{err: err})
	}
	if w != nil {
		w.TryResolve(err)
	}
}

// ConnectionStateChanged implements ClientHandler
func (l *Link) ConnectionStateChanged(connected bool, err error) {
	log.Debug().
		Str("peer", l.peer.Address).
		Bool("connected", connected).
		Err(err).
		Msg("Connection state changed")

	if connected && err == nil {
		l.connected.TryResolve(nil)
		return
	}
	if err == nil {
		err = errors.New("peer disconnected")
	}
	l.connected.TryResolve(err)
	l.discovered.TryResolve(err)
	l.markLost()
	l.failPending(fmt.Errorf("%w: %w", ErrClosed, err))
}

// ServicesDiscovered implements ClientHandler
func (l *Link) ServicesDiscovered(err error) {
	l.discovered.TryResolve(err)
}

// ReadCompleted implements ClientHandler
func (l *Link) ReadCompleted(value []byte, err error) {
	l.mu.Lock()
	slot := l.pendingRead
	l.mu.Unlock()
	if slot == nil {
		log.Warn().Str("peer", l.peer.Address).Msg("Read completion without pending read")
		return
	}
	slot.TryResolve(readResult{value: append([]byte{}, value...), err: err})
}

// WriteCompleted implements ClientHandler
func (l *Link) WriteCompleted(err error) {
	l.mu.Lock()
	slot := l.pendingWrite
	l.mu.Unlock()
	if slot == nil {
		log.Warn().Str("peer", l.peer.Address).Msg("Write completion without pending write")
		return
	}
	slot.TryResolve(err)
}
