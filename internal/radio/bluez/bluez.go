// Package bluez implements link.Peripheral on top of the BlueZ D-Bus API.
// It exports an LEAdvertisement1 object for advertising and a GATT
// application holding one service with one read/write characteristic.
package bluez

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	dbus "github.com/godbus/dbus/v5"
	"github.com/rs/zerolog/log"

	"github.com/uwb-bootstrap/uwb-ranging-server/internal/link"
)

const (
	bluezService       = "org.bluez"
	adapterIface       = "org.bluez.Adapter1"
	advManagerIface    = "org.bluez.LEAdvertisingManager1"
	advertisementIface = "org.bluez.LEAdvertisement1"
	gattManagerIface   = "org.bluez.GattManager1"
	gattServiceIface   = "org.bluez.GattService1"
	gattCharIface      = "org.bluez.GattCharacteristic1"
	objManagerIface    = "org.freedesktop.DBus.ObjectManager"
	propsIface         = "org.freedesktop.DBus.Properties"

	basePath = "/org/uwb_bootstrap"
)

// BlueZ error names returned from exported methods
const (
	errFailed        = "org.bluez.Error.Failed"
	errInvalidOffset = "org.bluez.Error.InvalidOffset"
	errNotSupported  = "org.bluez.Error.NotSupported"
)

var pathCounter uint64

func nextPath(kind string) dbus.ObjectPath {
	id := atomic.AddUint64(&pathCounter, 1)
	return dbus.ObjectPath(basePath + "/" + kind + strconv.FormatUint(id, 10))
}

// Peripheral drives one BlueZ adapter as a BLE peripheral
type Peripheral struct {
	bus     *dbus.Conn
	adapter dbus.BusObject

	mu     sync.Mutex
	closed bool
}

var _ link.Peripheral = (*Peripheral)(nil)

// Open connects to the system bus and checks that the named adapter
// (for example "hci0") exists and is powered
func Open(adapterName string) (*Peripheral, error) {
	bus, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("bluez: connect system bus: %w", err)
	}

	path := dbus.ObjectPath("/org/bluez/" + adapterName)
	p := &Peripheral{
		bus:     bus,
		adapter: bus.Object(bluezService, path),
	}

	powered, err := p.adapter.GetProperty(adapterIface + ".Powered")
	if err != nil {
		bus.Close()
		return nil, fmt.Errorf("bluez: adapter %s: %w", adapterName, err)
	}
	if on, _ := powered.Value().(bool); !on {
		bus.Close()
		return nil, fmt.Errorf("bluez: adapter %s is not powered", adapterName)
	}

	addr, _ := p.Address()
	log.Info().
		Str("adapter", adapterName).
		Str("address", addr).
		Msg("BlueZ adapter ready")
	return p, nil
}

// Address returns the adapter's Bluetooth address
func (p *Peripheral) Address() (string, error) {
	v, err := p.adapter.GetProperty(adapterIface + ".Address")
	if err != nil {
		return "", err
	}
	s, _ := v.Value().(string)
	return s, nil
}

// Close releases the bus connection
func (p *Peripheral) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.bus.Close()
}

func (p *Peripheral) checkOpen() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("bluez: closed")
	}
	return nil
}

// watchBus reports a fault when the bus connection drops before done closes
func (p *Peripheral) watchBus(faults chan<- error, done <-chan struct{}) {
	select {
	case <-p.bus.Context().Done():
		select {
		case faults <- errors.New("bluez: system bus connection lost"):
		default:
		}
	case <-done:
	}
}

// Advertise implements link.Peripheral
func (p *Peripheral) Advertise(ctx context.Context, opts link.AdvertiseOptions) (link.Advertisement, error) {
	if err := p.checkOpen(); err != nil {
		return nil, err
	}

	adv := newAdvertisement(nextPath("adv"), opts)
	if err := p.bus.Export(advertisementObject{adv: adv}, adv.path, advertisementIface); err != nil {
		return nil, fmt.Errorf("bluez: export advertisement: %w", err)
	}
	if err := p.bus.Export(adv.props, adv.path, propsIface); err != nil {
		warnUnexport(adv.path, unexportIface(p.bus, adv.path, advertisementIface))
		return nil, fmt.Errorf("bluez: export advertisement properties: %w", err)
	}

	call := p.adapter.CallWithContext(ctx, advManagerIface+".RegisterAdvertisement", 0, adv.path, map[string]dbus.Variant{})
	if call.Err != nil {
		warnUnexport(adv.path, adv.unexport(p.bus))
		return nil, fmt.Errorf("bluez: RegisterAdvertisement: %w", call.Err)
	}

	adv.release = func() error {
		err := p.adapter.Call(advManagerIface+".UnregisterAdvertisement", 0, adv.path).Err
		return errors.Join(err, adv.unexport(p.bus))
	}
	go p.watchBus(adv.faults, adv.done)

	log.Debug().
		Str("path", string(adv.path)).
		Str("service", opts.ServiceID.String()).
		Msg("Advertisement registered")
	return adv, nil
}

// OpenServer implements link.Peripheral
func (p *Peripheral) OpenServer(ctx context.Context, def link.ServiceDefinition) (link.AttributeServer, error) {
	if err := p.checkOpen(); err != nil {
		return nil, err
	}

	app := newApplication(nextPath("app"), def)
	if err := app.export(p.bus); err != nil {
		warnUnexport(app.path, app.unexport(p.bus))
		return nil, err
	}

	call := p.adapter.CallWithContext(ctx, gattManagerIface+".RegisterApplication", 0, app.path, map[string]dbus.Variant{})
	if call.Err != nil {
		warnUnexport(app.path, app.unexport(p.bus))
		return nil, fmt.Errorf("bluez: RegisterApplication: %w", call.Err)
	}

	app.release = func() error {
		err := p.adapter.Call(gattManagerIface+".UnregisterApplication", 0, app.path).Err
		return errors.Join(err, app.unexport(p.bus))
	}
	go p.watchBus(app.faults, app.done)

	log.Debug().
		Str("path", string(app.path)).
		Str("service", def.ServiceID.String()).
		Str("attribute", def.AttributeID.String()).
		Msg("GATT application registered")
	return app, nil
}

// warnUnexport logs cleanup failures on paths where the caller already
// reports a more relevant error
func warnUnexport(path dbus.ObjectPath, err error) {
	if err != nil {
		log.Warn().Err(err).Str("path", string(path)).Msg("Failed to unexport D-Bus object")
	}
}
