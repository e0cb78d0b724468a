// Package radio opens the BLE adapters selected by configuration and wraps
// them in the link roles.
package radio

import (
	"github.com/rs/zerolog/log"

	"github.com/uwb-bootstrap/uwb-ranging-server/internal/config"
	"github.com/uwb-bootstrap/uwb-ranging-server/internal/link"
	"github.com/uwb-bootstrap/uwb-ranging-server/internal/radio/bluez"
	"github.com/uwb-bootstrap/uwb-ranging-server/internal/radio/tinygo"
)

// Radios holds the link roles the host could open. Either may be nil.
type Radios struct {
	Responder *link.Responder
	Initiator *link.Initiator

	closers []func() error
}

// Open opens the roles cfg.Driver supports. The bluez driver serves the
// peripheral over D-Bus and scans with the tinygo central; the tinygo
// driver is central only. A role whose adapter fails to open is left nil.
func Open(cfg config.BLEConfig) *Radios {
	r := &Radios{}
	if cfg.Driver == "none" {
		log.Warn().Msg("BLE disabled, handshakes will fail")
		return r
	}

	if cfg.Driver == "bluez" {
		peripheral, err := bluez.Open(cfg.Adapter)
		if err != nil {
			log.Error().Err(err).Str("adapter", cfg.Adapter).Msg("BLE peripheral unavailable, Controller role disabled")
		} else {
			r.Responder = link.NewResponder(peripheral)
			r.closers = append(r.closers, peripheral.Close)
		}
	}

	central, err := tinygo.New()
	if err != nil {
		log.Error().Err(err).Msg("BLE central unavailable, Controlee role disabled")
	} else {
		r.Initiator = link.NewInitiator(central)
	}
	return r
}

// Close releases the adapters in reverse open order
func (r *Radios) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			log.Warn().Err(err).Msg("Failed to close radio")
		}
	}
	r.closers = nil
}
