package ranging_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/uwb-bootstrap/uwb-ranging-server/internal/ranging"
	"github.com/uwb-bootstrap/uwb-ranging-server/internal/ranging/sim"
	"github.com/uwb-bootstrap/uwb-ranging-server/pkg/uwb"
)

var peer = uwb.Address{0xaa, 0xbb}

func testConfig() uwb.SessionConfiguration {
	return uwb.NewSessionConfiguration(uwb.RoleController, peer, uwb.SessionParameters{
		PeerAddress:    uwb.Address{0x01, 0x02},
		Channel:        9,
		PreambleIndex:  10,
		SessionID:      777,
		SessionKeyInfo: []byte{1, 2, 3, 4, 5, 6, 7, 8},
	}, uwb.UpdateRateAutomatic)
}

func newEngine() *sim.Engine {
	return sim.New(sim.Options{
		Address:        uwb.Address{0x01, 0x02},
		ComplexChannel: uwb.ComplexChannel{Channel: 9, PreambleIndex: 10},
	})
}

func next(t *testing.T, s *ranging.Stream) (uwb.RangingEvent, bool) {
	t.Helper()
	select {
	case ev, ok := <-s.Events():
		return ev, ok
	case <-time.After(2 * time.Second):
		t.Fatal("no event before deadline")
	}
	return uwb.RangingEvent{}, false
}

func TestManagerDeliversEvents(t *testing.T) {
	eng := newEngine()
	m := ranging.NewManager(eng)

	s, err := m.Start(context.Background(), testConfig())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := eng.Config(); got.SessionID != 777 || !got.PeerAddress.Equal(peer) {
		t.Fatalf("engine started with %+v", got)
	}

	eng.Emit(uwb.PositionUpdate(peer, uwb.Position{Distance: 1.2, Azimuth: 30, Elevation: -5}))
	eng.Emit(uwb.PeerDisconnected(peer))

	ev, _ := next(t, s)
	if ev.Kind != uwb.EventPositionUpdate || ev.Position.Distance != 1.2 {
		t.Fatalf("first event = %+v", ev)
	}
	ev, _ = next(t, s)
	if ev.Kind != uwb.EventPeerDisconnected {
		t.Fatalf("second event = %+v", ev)
	}

	m.Stop()
	if _, ok := next(t, s); ok {
		t.Fatal("stream still open after Stop")
	}
	if s.Err() != nil {
		t.Fatalf("Err after Stop = %v", s.Err())
	}
	if eng.Running() {
		t.Fatal("engine still running after Stop")
	}
}

func TestManagerFaultEndsStream(t *testing.T) {
	eng := newEngine()
	m := ranging.NewManager(eng)
	s, err := m.Start(context.Background(), testConfig())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	eng.Fail(errors.New("antenna"))
	<-s.Done()

	if !errors.Is(s.Err(), ranging.ErrSession) {
		t.Fatalf("Err = %v, want ErrSession", s.Err())
	}
	if _, ok := next(t, s); ok {
		t.Fatal("stream still open after fault")
	}
	if m.Active() != nil {
		t.Fatal("faulted stream still active")
	}
}

func TestManagerCancelStopsEngine(t *testing.T) {
	eng := newEngine()
	m := ranging.NewManager(eng)
	ctx, cancel := context.WithCancel(context.Background())

	s, err := m.Start(ctx, testConfig())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	cancel()
	<-s.Done()

	if starts, stops := eng.Counts(); starts != 1 || stops != 1 {
		t.Fatalf("starts=%d stops=%d, want 1/1", starts, stops)
	}
}

func TestManagerRestartReplacesStream(t *testing.T) {
	eng := newEngine()
	m := ranging.NewManager(eng)

	first, err := m.Start(context.Background(), testConfig())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	second, err := m.Start(context.Background(), testConfig())
	if err != nil {
		t.Fatalf("second Start: %v", err)
	}

	select {
	case <-first.Done():
	default:
		t.Fatal("first stream not stopped by restart")
	}
	if m.Active() != second {
		t.Fatal("second stream not active")
	}
	m.Stop()
	m.Stop()
}

func TestManagerStopWithoutStart(t *testing.T) {
	m := ranging.NewManager(newEngine())
	m.Stop()
}

func TestManagerRejectsInvalidConfig(t *testing.T) {
	m := ranging.NewManager(newEngine())
	cfg := testConfig()
	cfg.PeerAddress = nil
	if _, err := m.Start(context.Background(), cfg); !errors.Is(err, ranging.ErrSession) {
		t.Fatalf("Start error = %v, want ErrSession", err)
	}
}

func TestSimulatedEngineReports(t *testing.T) {
	eng := sim.New(sim.Options{
		Address:        uwb.Address{0x01, 0x02},
		ComplexChannel: uwb.ComplexChannel{Channel: 9, PreambleIndex: 10},
		Interval:       time.Millisecond,
		PeerLossAfter:  3,
	})
	m := ranging.NewManager(eng)
	s, err := m.Start(context.Background(), testConfig())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	for i := 0; i < 3; i++ {
		ev, _ := next(t, s)
		if ev.Kind != uwb.EventPositionUpdate || ev.Position.Distance <= 0 {
			t.Fatalf("event %d = %+v", i, ev)
		}
	}
	if ev, _ := next(t, s); ev.Kind != uwb.EventPeerDisconnected {
		t.Fatalf("event after loss = %+v", ev)
	}
}

func TestTracker(t *testing.T) {
	tr := ranging.NewTracker()
	if _, ok := tr.Latest(); ok {
		t.Fatal("new tracker has a position")
	}

	tr.Apply(uwb.PositionUpdate(peer, uwb.Position{Distance: 2}))
	tr.Apply(uwb.PositionUpdate(peer, uwb.Position{Distance: 3}))
	snap, ok := tr.Latest()
	if !ok || snap.Position.Distance != 3 || snap.Updates != 2 {
		t.Fatalf("Latest = %+v, %v", snap, ok)
	}

	tr.Apply(uwb.PeerDisconnected(peer))
	if _, ok := tr.Latest(); ok {
		t.Fatal("position kept after peer loss")
	}

	tr.Apply(uwb.PositionUpdate(peer, uwb.Position{Distance: 4}))
	tr.Reset()
	if _, ok := tr.Latest(); ok {
		t.Fatal("position kept after Reset")
	}
}
