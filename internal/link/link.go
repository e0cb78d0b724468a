// Package link implements the two sides of the BLE out-of-band channel used
// to bootstrap a UWB session: the Responder, which advertises a service and
// serves one read/write attribute, and the Initiator, which scans for that
// service, connects and performs one read followed by one write.
//
// The radio itself is consumed through the Peripheral and Central
// interfaces. Radio stacks report completions through callbacks on their
// own goroutines; this package turns them into blocking, cancellable calls.
package link

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// Default identifiers of the bootstrap service and its single attribute
var (
	DefaultServiceID   = uuid.MustParse("107c9e9b-bf6d-4b64-ab30-0bd96fdd2537")
	DefaultAttributeID = uuid.MustParse("e42ba363-eeaa-4e46-b7aa-049c19341f24")
)

// Errors
var (
	ErrScanTimeout       = errors.New("scan timeout")
	ErrScanFailed        = errors.New("scan failed")
	ErrConnection        = errors.New("connection error")
	ErrAttributeNotFound = errors.New("attribute not found")
	ErrRead              = errors.New("read error")
	ErrWrite             = errors.New("write error")
	ErrAdvertise         = errors.New("advertise error")
	ErrServer            = errors.New("attribute server error")
	ErrInvalidOffset     = errors.New("invalid offset")
	ErrBusy              = errors.New("operation already in progress")
	ErrClosed            = errors.New("link closed")
	ErrInvalidState      = errors.New("invalid state")
)

// Peer identifies a remote device found by a scan
type Peer struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
	RSSI    int16  `json:"rssi,omitempty"`
}

// AdvertiseOptions controls the advertisement of the bootstrap service
type AdvertiseOptions struct {
	ServiceID uuid.UUID
	LocalName string
	// LowPower requests the lowest TX power level the stack offers
	LowPower bool
}

// ServiceDefinition describes the single attribute served by the Responder.
//
// OnRead returns the bytes served for a read starting at offset, or an
// error wrapping ErrInvalidOffset. OnWrite receives each written fragment.
// Both are invoked on radio goroutines.
type ServiceDefinition struct {
	ServiceID   uuid.UUID
	AttributeID uuid.UUID
	OnRead      func(offset int) ([]byte, error)
	OnWrite     func(value []byte) error
}

// Advertisement is a running advertisement
type Advertisement interface {
	// Faults delivers an error if the stack stops advertising on its own
	Faults() <-chan error
	// Stop ends the advertisement. It is safe to call more than once.
	Stop() error
}

// AttributeServer is a registered attribute server
type AttributeServer interface {
	// Faults delivers an error if the server fails after registration
	Faults() <-chan error
	// Close unregisters the service. It is safe to call more than once.
	Close() error
}

// Peripheral is the radio side used by the Responder
type Peripheral interface {
	Advertise(ctx context.Context, opts AdvertiseOptions) (Advertisement, error)
	OpenServer(ctx context.Context, def ServiceDefinition) (AttributeServer, error)
}

// ScanHandler receives scan callbacks
type ScanHandler interface {
	ScanResult(peer Peer)
	ScanFailed(err error)
}

// ClientHandler receives connection callbacks. Implementations must not
// block; stacks call them from their event loop.
type ClientHandler interface {
	ConnectionStateChanged(connected bool, err error)
	ServicesDiscovered(err error)
	ReadCompleted(value []byte, err error)
	WriteCompleted(err error)
}

// Client is an open connection to a peer. Operations are asynchronous and
// complete through the ClientHandler passed to Central.Connect.
type Client interface {
	DiscoverServices() error
	HasAttribute(serviceID, attributeID uuid.UUID) bool
	Read(serviceID, attributeID uuid.UUID) error
	Write(serviceID, attributeID uuid.UUID, value []byte) error
	Close() error
}

// Central is the radio side used by the Initiator
type Central interface {
	StartScan(serviceID uuid.UUID, h ScanHandler) error
	StopScan() error
	Connect(peer Peer, h ClientHandler) (Client, error)
}
