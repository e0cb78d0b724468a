// Package sim is a ranging engine for hosts without UWB hardware. It reports
// a peer moving on a slow orbit around the local device.
package sim

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/uwb-bootstrap/uwb-ranging-server/internal/ranging"
	"github.com/uwb-bootstrap/uwb-ranging-server/pkg/uwb"
)

// ErrRunning is returned when Start is called on a running engine
var ErrRunning = errors.New("sim: session already running")

// Options configures the simulated engine
type Options struct {
	Address        uwb.Address
	ComplexChannel uwb.ComplexChannel
	// Interval between position reports. Zero disables periodic reports;
	// tests then drive the engine through Emit.
	Interval time.Duration
	// Distance is the orbit radius in meters
	Distance float64
	// PeerLossAfter emits a disconnect after that many reports when > 0
	PeerLossAfter int
	// FaultAfter reports an engine fault after that many reports when > 0
	FaultAfter int
}

// Engine implements ranging.Engine
type Engine struct {
	opts Options

	mu      sync.Mutex
	running bool
	sink    ranging.Sink
	cfg     uwb.SessionConfiguration
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	starts  int
	stops   int
}

// New creates a simulated engine
func New(opts Options) *Engine {
	if opts.Distance <= 0 {
		opts.Distance = 1.5
	}
	return &Engine{opts: opts}
}

// LocalAddress implements ranging.Engine
func (e *Engine) LocalAddress() uwb.Address {
	return e.opts.Address
}

// ComplexChannel implements ranging.Engine
func (e *Engine) ComplexChannel() uwb.ComplexChannel {
	return e.opts.ComplexChannel
}

// Start implements ranging.Engine
func (e *Engine) Start(ctx context.Context, cfg uwb.SessionConfiguration, sink ranging.Sink) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return ErrRunning
	}

	rctx, cancel := context.WithCancel(ctx)
	e.running = true
	e.sink = sink
	e.cfg = cfg
	e.cancel = cancel
	e.starts++

	if e.opts.Interval > 0 {
		e.wg.Add(1)
		go e.loop(rctx, cfg.PeerAddress.Clone(), sink)
	}
	return nil
}

func (e *Engine) loop(ctx context.Context, peer uwb.Address, sink ranging.Sink) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.opts.Interval)
	defer ticker.Stop()

	n := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n++
			if e.opts.FaultAfter > 0 && n > e.opts.FaultAfter {
				sink.Fault(errors.New("sim: ranging hardware fault"))
				return
			}
			if e.opts.PeerLossAfter > 0 && n > e.opts.PeerLossAfter {
				sink.Report(uwb.PeerDisconnected(peer))
				return
			}
			sink.Report(uwb.PositionUpdate(peer, orbit(n, e.opts.Distance)))
		}
	}
}

// orbit places the peer at step n of a circle around the device
func orbit(n int, radius float64) uwb.Position {
	phase := float64(n) * math.Pi / 18
	return uwb.Position{
		Distance:  radius + 0.25*math.Sin(phase*2),
		Azimuth:   math.Mod(float64(n)*10, 360) - 180,
		Elevation: 15 * math.Sin(phase),
	}
}

// Stop implements ranging.Engine
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	e.stops++
	cancel := e.cancel
	e.sink = nil
	e.mu.Unlock()

	cancel()
	e.wg.Wait()
	log.Debug().Msg("Simulated ranging engine stopped")
	return nil
}

func (e *Engine) currentSink() ranging.Sink {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sink
}

// Emit reports ev to the running session. It returns false when idle.
func (e *Engine) Emit(ev uwb.RangingEvent) bool {
	sink := e.currentSink()
	if sink == nil {
		return false
	}
	sink.Report(ev)
	return true
}

// Fail reports err as an engine fault to the running session
func (e *Engine) Fail(err error) bool {
	sink := e.currentSink()
	if sink == nil {
		return false
	}
	sink.Fault(err)
	return true
}

// Running reports whether a session is active
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Config returns the configuration of the last started session
func (e *Engine) Config() uwb.SessionConfiguration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// Counts returns how many times Start and Stop took effect
func (e *Engine) Counts() (starts, stops int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.starts, e.stops
}
