// Package linktest provides an in-process radio for exercising the link and
// handshake packages without Bluetooth hardware. Peripherals and Centrals
// created from the same Air see each other; every resource they open is
// recorded so tests can check that it was released.
package linktest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/uwb-bootstrap/uwb-ranging-server/internal/link"
)

// DefaultMTU is the fragment size used for emulated long reads
const DefaultMTU = 20

// ErrInjected is a generic failure for tests that only need some error
var ErrInjected = errors.New("linktest: injected failure")

// Air is the shared medium
type Air struct {
	mu       sync.Mutex
	adverts  map[string]*advertisement
	servers  map[string]*server
	scanners map[*Central]*scan
	open     map[string]int
	journal  []string
}

// NewAir creates an empty medium
func NewAir() *Air {
	return &Air{
		adverts:  make(map[string]*advertisement),
		servers:  make(map[string]*server),
		scanners: make(map[*Central]*scan),
		open:     make(map[string]int),
	}
}

// record must be called with a.mu held
func (a *Air) record(owner, what string, delta int) {
	a.journal = append(a.journal, owner+" "+what)
	a.open[owner+" "+resourceOf(what)] += delta
}

func resourceOf(what string) string {
	switch what {
	case "advertise", "advertise.stop":
		return "advertisement"
	case "server.open", "server.close":
		return "server"
	case "scan.start", "scan.stop":
		return "scan"
	case "connect", "client.close":
		return "client"
	}
	return what
}

// Journal returns every recorded radio operation in order
func (a *Air) Journal() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.journal...)
}

// Leaks lists resources that were opened and not released
func (a *Air) Leaks() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for k, n := range a.open {
		if n != 0 {
			out = append(out, fmt.Sprintf("%s (%d)", k, n))
		}
	}
	sort.Strings(out)
	return out
}

// Count returns how many times owner recorded what
func (a *Air) Count(owner, what string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	want := owner + " " + what
	n := 0
	for _, e := range a.journal {
		if e == want {
			n++
		}
	}
	return n
}

// Advertising reports whether address currently advertises
func (a *Air) Advertising(address string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.adverts[address]
	return ok
}

// Peripheral returns a peripheral radio reachable at address
func (a *Air) Peripheral(address string) *Peripheral {
	return &Peripheral{air: a, address: address}
}

// Central returns a central radio named name
func (a *Air) Central(name string) *Central {
	return &Central{air: a, name: name, MTU: DefaultMTU}
}

// Peripheral is the advertising side. Exported error fields fail the
// matching call when set.
type Peripheral struct {
	air     *Air
	address string

	AdvertiseErr error
	OpenErr      error
}

// Address returns the address centrals connect to
func (p *Peripheral) Address() string {
	return p.address
}

// Advertise implements link.Peripheral
func (p *Peripheral) Advertise(ctx context.Context, opts link.AdvertiseOptions) (link.Advertisement, error) {
	if p.AdvertiseErr != nil {
		return nil, p.AdvertiseErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	adv := &advertisement{
		air:       p.air,
		address:   p.address,
		name:      opts.LocalName,
		serviceID: opts.ServiceID,
		faults:    make(chan error, 1),
	}

	a := p.air
	a.mu.Lock()
	a.adverts[p.address] = adv
	a.record(p.address, "advertise", 1)
	for _, s := range a.scanners {
		if s.serviceID == adv.serviceID {
			s.deliver(link.Peer{Address: adv.address, Name: adv.name})
		}
	}
	a.mu.Unlock()
	return adv, nil
}

// OpenServer implements link.Peripheral
func (p *Peripheral) OpenServer(ctx context.Context, def link.ServiceDefinition) (link.AttributeServer, error) {
	if p.OpenErr != nil {
		return nil, p.OpenErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	srv := &server{air: p.air, address: p.address, def: def, faults: make(chan error, 1)}

	a := p.air
	a.mu.Lock()
	a.servers[p.address] = srv
	a.record(p.address, "server.open", 1)
	a.mu.Unlock()
	return srv, nil
}

// FailServer delivers err as an attribute server fault
func (p *Peripheral) FailServer(err error) {
	a := p.air
	a.mu.Lock()
	srv := a.servers[p.address]
	a.mu.Unlock()
	if srv != nil {
		select {
		case srv.faults <- err:
		default:
		}
	}
}

// Read performs a long read against the served attribute the way a remote
// client would, offset by offset.
func (p *Peripheral) Read(mtu int) ([]byte, error) {
	a := p.air
	a.mu.Lock()
	srv := a.servers[p.address]
	a.mu.Unlock()
	if srv == nil {
		return nil, link.ErrAttributeNotFound
	}
	return srv.longRead(mtu)
}

// Write delivers value to the served attribute as a remote client would
func (p *Peripheral) Write(value []byte) error {
	a := p.air
	a.mu.Lock()
	srv := a.servers[p.address]
	a.mu.Unlock()
	if srv == nil {
		return link.ErrAttributeNotFound
	}
	return srv.def.OnWrite(value)
}

type advertisement struct {
	air       *Air
	address   string
	name      string
	serviceID uuid.UUID
	faults    chan error
	once      sync.Once
}

func (adv *advertisement) Faults() <-chan error { return adv.faults }

func (adv *advertisement) Stop() error {
	adv.once.Do(func() {
		a := adv.air
		a.mu.Lock()
		if a.adverts[adv.address] == adv {
			delete(a.adverts, adv.address)
		}
		a.record(adv.address, "advertise.stop", -1)
		a.mu.Unlock()
	})
	return nil
}

type server struct {
	air     *Air
	address string
	def     link.ServiceDefinition
	faults  chan error
	once    sync.Once
}

func (s *server) Faults() <-chan error { return s.faults }

func (s *server) Close() error {
	s.once.Do(func() {
		a := s.air
		a.mu.Lock()
		if a.servers[s.address] == s {
			delete(a.servers, s.address)
		}
		a.record(s.address, "server.close", -1)
		a.mu.Unlock()
	})
	return nil
}

func (s *server) longRead(mtu int) ([]byte, error) {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	var out []byte
	offset := 0
	for {
		part, err := s.def.OnRead(offset)
		if err != nil {
			return nil, err
		}
		if len(part) > mtu {
			part = part[:mtu]
		}
		out = append(out, part...)
		if len(part) < mtu {
			return out, nil
		}
		offset += len(part)
	}
}

type scan struct {
	serviceID uuid.UUID
	handler   link.ScanHandler
	seen      map[string]bool
}

// deliver must be called with the Air lock held
func (s *scan) deliver(peer link.Peer) {
	if s.seen[peer.Address] {
		return
	}
	s.seen[peer.Address] = true
	go s.handler.ScanResult(peer)
}

// Central is the scanning side. Exported fields configure failures.
type Central struct {
	air  *Air
	name string

	// MTU is the fragment size of emulated long reads
	MTU int

	ScanErr       error
	ScanFailure   error
	ConnectErr    error
	RefuseConnect error
	DiscoverErr   error
	HideAttribute bool
	ReadErr       error
	WriteErr      error
	// DisconnectOnRead drops the connection instead of answering a read
	DisconnectOnRead bool
}

// StartScan implements link.Central
func (c *Central) StartScan(serviceID uuid.UUID, h link.ScanHandler) error {
	if c.ScanErr != nil {
		return c.ScanErr
	}
	a := c.air
	a.mu.Lock()
	defer a.mu.Unlock()

	s := &scan{serviceID: serviceID, handler: h, seen: make(map[string]bool)}
	a.scanners[c] = s
	a.record(c.name, "scan.start", 1)

	if c.ScanFailure != nil {
		go h.ScanFailed(c.ScanFailure)
		return nil
	}
	for _, adv := range a.adverts {
		if adv.serviceID == serviceID {
			s.deliver(link.Peer{Address: adv.address, Name: adv.name})
		}
	}
	return nil
}

// StopScan implements link.Central
func (c *Central) StopScan() error {
	a := c.air
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.scanners[c]; !ok {
		return nil
	}
	delete(a.scanners, c)
	a.record(c.name, "scan.stop", -1)
	return nil
}

// Connect implements link.Central
func (c *Central) Connect(peer link.Peer, h link.ClientHandler) (link.Client, error) {
	if c.ConnectErr != nil {
		return nil, c.ConnectErr
	}
	a := c.air
	a.mu.Lock()
	a.record(c.name, "connect", 1)
	a.mu.Unlock()

	cl := &client{c: c, peer: peer, h: h}
	go func() {
		if c.RefuseConnect != nil {
			h.ConnectionStateChanged(false, c.RefuseConnect)
			return
		}
		h.ConnectionStateChanged(true, nil)
	}()
	return cl, nil
}

type client struct {
	c    *Central
	peer link.Peer
	h    link.ClientHandler

	mu     sync.Mutex
	closed bool
}

func (cl *client) server() *server {
	a := cl.c.air
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.servers[cl.peer.Address]
}

func (cl *client) isClosed() bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.closed
}

func (cl *client) DiscoverServices() error {
	if cl.isClosed() {
		return link.ErrClosed
	}
	go cl.h.ServicesDiscovered(cl.c.DiscoverErr)
	return nil
}

func (cl *client) HasAttribute(serviceID, attributeID uuid.UUID) bool {
	if cl.c.HideAttribute {
		return false
	}
	srv := cl.server()
	return srv != nil && srv.def.ServiceID == serviceID && srv.def.AttributeID == attributeID
}

func (cl *client) Read(serviceID, attributeID uuid.UUID) error {
	if cl.isClosed() {
		return link.ErrClosed
	}
	a := cl.c.air
	a.mu.Lock()
	a.record(cl.c.name, "client.read", 0)
	a.mu.Unlock()
	go func() {
		if cl.c.DisconnectOnRead {
			cl.h.ConnectionStateChanged(false, nil)
			return
		}
		if cl.c.ReadErr != nil {
			cl.h.ReadCompleted(nil, cl.c.ReadErr)
			return
		}
		srv := cl.server()
		if srv == nil {
			cl.h.ReadCompleted(nil, link.ErrAttributeNotFound)
			return
		}
		value, err := srv.longRead(cl.c.MTU)
		cl.h.ReadCompleted(value, err)
	}()
	return nil
}

func (cl *client) Write(serviceID, attributeID uuid.UUID, value []byte) error {
	if cl.isClosed() {
		return link.ErrClosed
	}
	a := cl.c.air
	a.mu.Lock()
	a.record(cl.c.name, "client.write", 0)
	a.mu.Unlock()
	go func() {
		if cl.c.WriteErr != nil {
			cl.h.WriteCompleted(cl.c.WriteErr)
			return
		}
		srv := cl.server()
		if srv == nil {
			cl.h.WriteCompleted(link.ErrAttributeNotFound)
			return
		}
		a.mu.Lock()
		a.record(cl.peer.Address, "server.write", 0)
		a.mu.Unlock()
		cl.h.WriteCompleted(srv.def.OnWrite(value))
	}()
	return nil
}

func (cl *client) Close() error {
	cl.mu.Lock()
	if cl.closed {
		cl.mu.Unlock()
		return nil
	}
	cl.closed = true
	cl.mu.Unlock()

	a := cl.c.air
	a.mu.Lock()
	a.record(cl.c.name, "client.close", -1)
	a.mu.Unlock()
	return nil
}
