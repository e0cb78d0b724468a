package bluez

import (
	"errors"
	"fmt"
	"sync"

	dbus "github.com/godbus/dbus/v5"
	"github.com/rs/zerolog/log"

	"github.com/uwb-bootstrap/uwb-ranging-server/internal/link"
)

type managedObjects = map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// exporter is the part of *dbus.Conn that publishes local objects
type exporter interface {
	Export(v interface{}, path dbus.ObjectPath, iface string) error
}

// properties serves org.freedesktop.DBus.Properties for one object.
// Values are fixed at export time.
type properties struct {
	values map[string]map[string]dbus.Variant
}

func (p properties) Get(iface, name string) (dbus.Variant, *dbus.Error) {
	v, ok := p.values[iface][name]
	if !ok {
		return dbus.Variant{}, dbus.NewError("org.freedesktop.DBus.Error.UnknownProperty", []interface{}{iface + "." + name})
	}
	return v, nil
}

func (p properties) GetAll(iface string) (map[string]dbus.Variant, *dbus.Error) {
	all, ok := p.values[iface]
	if !ok {
		return map[string]dbus.Variant{}, nil
	}
	return all, nil
}

func (p properties) Set(iface, name string, _ dbus.Variant) *dbus.Error {
	return dbus.NewError("org.freedesktop.DBus.Error.PropertyReadOnly", []interface{}{iface + "." + name})
}

// lifecycle is shared by the advertisement and the application: a fault
// channel, a done channel and an idempotent release
type lifecycle struct {
	faults  chan error
	done    chan struct{}
	once    sync.Once
	release func() error
	err     error
}

func newLifecycle() lifecycle {
	return lifecycle{faults: make(chan error, 1), done: make(chan struct{})}
}

func (l *lifecycle) Faults() <-chan error { return l.faults }

func (l *lifecycle) fault(err error) {
	select {
	case l.faults <- err:
	default:
	}
}

func (l *lifecycle) shutdown() error {
	l.once.Do(func() {
		close(l.done)
		if l.release != nil {
			l.err = l.release()
		}
	})
	return l.err
}

// ========== Advertisement ==========

type advertisement struct {
	lifecycle
	path  dbus.ObjectPath
	props properties
}

func newAdvertisement(path dbus.ObjectPath, opts link.AdvertiseOptions) *advertisement {
	values := map[string]dbus.Variant{
		"Type":         dbus.MakeVariant("peripheral"),
		"ServiceUUIDs": dbus.MakeVariant([]string{opts.ServiceID.String()}),
	}
	if opts.LocalName != "" {
		values["LocalName"] = dbus.MakeVariant(opts.LocalName)
	}
	// BlueZ chooses the TX power itself; LowPower only widens the interval
	if opts.LowPower {
		values["MinInterval"] = dbus.MakeVariant(uint32(1000))
		values["MaxInterval"] = dbus.MakeVariant(uint32(1500))
	}
	return &advertisement{
		lifecycle: newLifecycle(),
		path:      path,
		props:     properties{values: map[string]map[string]dbus.Variant{advertisementIface: values}},
	}
}

// Stop implements link.Advertisement
func (a *advertisement) Stop() error { return a.shutdown() }

func (a *advertisement) unexport(bus exporter) error {
	return errors.Join(
		unexportIface(bus, a.path, advertisementIface),
		unexportIface(bus, a.path, propsIface),
	)
}

// advertisementObject is exported as org.bluez.LEAdvertisement1
type advertisementObject struct {
	adv *advertisement
}

// Release is called when BlueZ drops the advertisement
func (o advertisementObject) Release() *dbus.Error {
	log.Warn().Str("path", string(o.adv.path)).Msg("Advertisement released by BlueZ")
	o.adv.fault(errors.New("bluez: advertisement released"))
	return nil
}

// ========== GATT application ==========

type application struct {
	lifecycle
	path        dbus.ObjectPath
	servicePath dbus.ObjectPath
	charPath    dbus.ObjectPath
	def         link.ServiceDefinition
}

func newApplication(path dbus.ObjectPath, def link.ServiceDefinition) *application {
	servicePath := path + "/service0"
	return &application{
		lifecycle:   newLifecycle(),
		path:        path,
		servicePath: servicePath,
		charPath:    servicePath + "/char0",
		def:         def,
	}
}

// Close implements link.AttributeServer
func (a *application) Close() error { return a.shutdown() }

func (a *application) objects() managedObjects {
	return managedObjects{
		a.servicePath: {
			gattServiceIface: {
				"UUID":    dbus.MakeVariant(a.def.ServiceID.String()),
				"Primary": dbus.MakeVariant(true),
			},
		},
		a.charPath: {
			gattCharIface: {
				"UUID":    dbus.MakeVariant(a.def.AttributeID.String()),
				"Service": dbus.MakeVariant(a.servicePath),
				"Flags":   dbus.MakeVariant([]string{"read", "write", "write-without-response"}),
			},
		},
	}
}

func (a *application) export(bus exporter) error {
	objs := a.objects()
	exports := []struct {
		v     interface{}
		path  dbus.ObjectPath
		iface string
	}{
		{objectManager{app: a}, a.path, objManagerIface},
		{properties{values: objs[a.servicePath]}, a.servicePath, propsIface},
		{characteristic{def: a.def}, a.charPath, gattCharIface},
		{properties{values: objs[a.charPath]}, a.charPath, propsIface},
	}
	for _, e := range exports {
		if err := bus.Export(e.v, e.path, e.iface); err != nil {
			return fmt.Errorf("bluez: export %s on %s: %w", e.iface, e.path, err)
		}
	}
	return nil
}

func (a *application) unexport(bus exporter) error {
	return errors.Join(
		unexportIface(bus, a.path, objManagerIface),
		unexportIface(bus, a.servicePath, propsIface),
		unexportIface(bus, a.charPath, gattCharIface),
		unexportIface(bus, a.charPath, propsIface),
	)
}

func unexportIface(bus exporter, path dbus.ObjectPath, iface string) error {
	if err := bus.Export(nil, path, iface); err != nil {
		return fmt.Errorf("bluez: unexport %s on %s: %w", iface, path, err)
	}
	return nil
}

// objectManager is exported as org.freedesktop.DBus.ObjectManager on the
// application root
type objectManager struct {
	app *application
}

func (m objectManager) GetManagedObjects() (managedObjects, *dbus.Error) {
	return m.app.objects(), nil
}

// characteristic is exported as org.bluez.GattCharacteristic1
type characteristic struct {
	def link.ServiceDefinition
}

func optionOffset(options map[string]dbus.Variant) int {
	v, ok := options["offset"]
	if !ok {
		return 0
	}
	switch off := v.Value().(type) {
	case uint16:
		return int(off)
	case uint32:
		return int(off)
	case int32:
		return int(off)
	}
	return 0
}

func (c characteristic) ReadValue(options map[string]dbus.Variant) ([]byte, *dbus.Error) {
	offset := optionOffset(options)
	value, err := c.def.OnRead(offset)
	if errors.Is(err, link.ErrInvalidOffset) {
		return nil, dbus.NewError(errInvalidOffset, []interface{}{err.Error()})
	}
	if err != nil {
		return nil, dbus.NewError(errFailed, []interface{}{err.Error()})
	}
	log.Debug().Int("offset", offset).Int("size", len(value)).Msg("GATT read")
	return value, nil
}

func (c characteristic) WriteValue(value []byte, options map[string]dbus.Variant) *dbus.Error {
	log.Debug().Int("offset", optionOffset(options)).Int("size", len(value)).Msg("GATT write")
	if err := c.def.OnWrite(value); err != nil {
		return dbus.NewError(errFailed, []interface{}{err.Error()})
	}
	return nil
}

func (c characteristic) StartNotify() *dbus.Error {
	return dbus.NewError(errNotSupported, nil)
}

func (c characteristic) StopNotify() *dbus.Error {
	return dbus.NewError(errNotSupported, nil)
}
