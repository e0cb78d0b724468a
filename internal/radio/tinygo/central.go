// Package tinygo implements link.Central on tinygo.org/x/bluetooth.
//
// The library's calls block; each one runs on its own goroutine and
// reports back through the link handlers.
package tinygo

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"tinygo.org/x/bluetooth"

	"github.com/uwb-bootstrap/uwb-ranging-server/internal/link"
)

// readBufferSize bounds a single attribute read
const readBufferSize = 512

// attribute is a discovered characteristic
type attribute interface {
	Read(data []byte) (int, error)
	WriteWithoutResponse(p []byte) (int, error)
}

// device is a connected peer
type device struct {
	discover   func() (map[string]attribute, error)
	disconnect func() error
}

// Central drives a BLE adapter in the central role
type Central struct {
	scan     func(serviceID uuid.UUID, found func(link.Peer, bluetooth.Address)) error
	stopScan func() error
	dial     func(addr bluetooth.Address) (device, error)

	mu   sync.Mutex
	seen map[string]bluetooth.Address
}

var _ link.Central = (*Central)(nil)

// New enables the default adapter and returns a Central on it
func New() (*Central, error) {
	adapter := bluetooth.DefaultAdapter
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("enable bluetooth adapter: %w", err)
	}
	return newCentral(adapter), nil
}

func newCentral(adapter *bluetooth.Adapter) *Central {
	return &Central{
		scan: func(serviceID uuid.UUID, found func(link.Peer, bluetooth.Address)) error {
			want := bluetooth.NewUUID(serviceID)
			return adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
				if !result.HasServiceUUID(want) {
					return
				}
				found(link.Peer{
					Address: result.Address.String(),
					Name:    result.LocalName(),
					RSSI:    result.RSSI,
				}, result.Address)
			})
		},
		stopScan: adapter.StopScan,
		dial: func(addr bluetooth.Address) (device, error) {
			dev, err := adapter.Connect(addr, bluetooth.ConnectionParams{})
			if err != nil {
				return device{}, err
			}
			return device{
				discover: func() (map[string]attribute, error) {
					services, err := dev.DiscoverServices(nil)
					if err != nil {
						return nil, err
					}
					attrs := make(map[string]attribute)
					for i := range services {
						chars, err := services[i].DiscoverCharacteristics(nil)
						if err != nil {
							return nil, err
						}
						for j := range chars {
							attrs[attributeKey(services[i].UUID().String(), chars[j].UUID().String())] = &chars[j]
						}
					}
					return attrs, nil
				},
				disconnect: dev.Disconnect,
			}, nil
		},
		seen: make(map[string]bluetooth.Address),
	}
}

func attributeKey(serviceID, attributeID string) string {
	return strings.ToLower(serviceID) + "/" + strings.ToLower(attributeID)
}

// StartScan implements link.Central
func (c *Central) StartScan(serviceID uuid.UUID, h link.ScanHandler) error {
	go func() {
		err := c.scan(serviceID, func(peer link.Peer, addr bluetooth.Address) {
			c.mu.Lock()
			c.seen[peer.Address] = addr
			c.mu.Unlock()
			log.Debug().Str("peer", peer.Address).Str("name", peer.Name).Int16("rssi", peer.RSSI).Msg("Scan result")
			h.ScanResult(peer)
		})
		if err != nil {
			h.ScanFailed(err)
		}
	}()
	return nil
}

// StopScan implements link.Central
func (c *Central) StopScan() error {
	return c.stopScan()
}

// Connect implements link.Central. The peer must have been seen by a scan.
func (c *Central) Connect(peer link.Peer, h link.ClientHandler) (link.Client, error) {
	c.mu.Lock()
	addr, ok := c.seen[peer.Address]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown peer %s", peer.Address)
	}

	cl := &client{handler: h, peer: peer.Address}
	go func() {
		dev, err := c.dial(addr)
		if err != nil {
			h.ConnectionStateChanged(false, err)
			return
		}
		if !cl.attach(dev) {
			// closed while connecting
			if err := dev.disconnect(); err != nil {
				log.Warn().Err(err).Str("peer", peer.Address).Msg("Failed to disconnect")
			}
			return
		}
		h.ConnectionStateChanged(true, nil)
	}()
	return cl, nil
}

// client implements link.Client on a connected device
type client struct {
	handler link.ClientHandler
	peer    string

	mu     sync.Mutex
	dev    *device
	attrs  map[string]attribute
	closed bool
}

var errNotConnected = errors.New("not connected")

func (c *client) attach(dev device) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.dev = &dev
	return true
}

func (c *client) device() (*device, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, link.ErrClosed
	}
	if c.dev == nil {
		return nil, errNotConnected
	}
	return c.dev, nil
}

// DiscoverServices implements link.Client
func (c *client) DiscoverServices() error {
	dev, err := c.device()
	if err != nil {
		return err
	}
	go func() {
		attrs, err := dev.discover()
		if err == nil {
			c.mu.Lock()
			c.attrs = attrs
			c.mu.Unlock()
		}
		c.handler.ServicesDiscovered(err)
	}()
	return nil
}

// HasAttribute implements link.Client
func (c *client) HasAttribute(serviceID, attributeID uuid.UUID) bool {
	_, err := c.attribute(serviceID, attributeID)
	return err == nil
}

func (c *client) attribute(serviceID, attributeID uuid.UUID) (attribute, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, link.ErrClosed
	}
	attr, ok := c.attrs[attributeKey(serviceID.String(), attributeID.String())]
	if !ok {
		return nil, link.ErrAttributeNotFound
	}
	return attr, nil
}

// Read implements link.Client
func (c *client) Read(serviceID, attributeID uuid.UUID) error {
	attr, err := c.attribute(serviceID, attributeID)
	if err != nil {
		return err
	}
	go func() {
		buf := make([]byte, readBufferSize)
		n, err := attr.Read(buf)
		if err != nil {
			c.handler.ReadCompleted(nil, err)
			return
		}
		c.handler.ReadCompleted(buf[:n], nil)
	}()
	return nil
}

// Write implements link.Client
func (c *client) Write(serviceID, attributeID uuid.UUID, value []byte) error {
	attr, err := c.attribute(serviceID, attributeID)
	if err != nil {
		return err
	}
	go func() {
		_, err := attr.WriteWithoutResponse(value)
		c.handler.WriteCompleted(err)
	}()
	return nil
}

// Close implements link.Client
func (c *client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	dev := c.dev
	c.mu.Unlock()

	if dev == nil {
		return nil
	}
	log.Debug().Str("peer", c.peer).Msg("Disconnecting")
	return dev.disconnect()
}
