package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/uwb-bootstrap/uwb-ranging-server/internal/handshake"
	"github.com/uwb-bootstrap/uwb-ranging-server/internal/integration"
	"github.com/uwb-bootstrap/uwb-ranging-server/internal/link"
	"github.com/uwb-bootstrap/uwb-ranging-server/internal/link/linktest"
	"github.com/uwb-bootstrap/uwb-ranging-server/internal/models"
	"github.com/uwb-bootstrap/uwb-ranging-server/internal/ranging"
	"github.com/uwb-bootstrap/uwb-ranging-server/internal/ranging/sim"
	"github.com/uwb-bootstrap/uwb-ranging-server/internal/storage"
	"github.com/uwb-bootstrap/uwb-ranging-server/pkg/uwb"
)

type recordingPublisher struct {
	mu    sync.Mutex
	kinds []integration.Kind
}

func (p *recordingPublisher) Publish(msg integration.Message) error {
	p.mu.Lock()
	p.kinds = append(p.kinds, msg.Kind)
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) Close() {}

func (p *recordingPublisher) Kinds() []integration.Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]integration.Kind(nil), p.kinds...)
}

type fixture struct {
	air     *linktest.Air
	remote  *linktest.Peripheral
	engine  *sim.Engine
	store   *storage.MemoryStore
	pub     *recordingPublisher
	service *Service
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	air := linktest.NewAir()
	p := air.Peripheral("local")
	engine := sim.New(sim.Options{
		Address:        uwb.Address{0x01, 0x02},
		ComplexChannel: uwb.ComplexChannel{Channel: 9, PreambleIndex: 11},
	})
	mgr := ranging.NewManager(engine)
	orch := handshake.New(
		link.NewResponder(p),
		link.NewInitiator(air.Central("local")),
		mgr,
		handshake.Options{ScanTimeout: 10 * time.Millisecond},
	)
	store := storage.NewMemoryStore()
	pub := &recordingPublisher{}
	svc := NewService(orch, mgr.LocalAddress, store, pub, opts)
	t.Cleanup(func() { svc.Shutdown(context.Background()) })
	return &fixture{air: air, remote: p, engine: engine, store: store, pub: pub, service: svc}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func (f *fixture) waitStatus(t *testing.T, status models.SessionStatus) *models.Session {
	t.Helper()
	var rec *models.Session
	waitFor(t, string(status), func() bool {
		rec, _ = f.service.Current()
		return rec != nil && rec.Status == status
	})
	return rec
}

// completeControllerHandshake plays the Controlee by writing its address
// to the locally served attribute
func (f *fixture) completeControllerHandshake(t *testing.T) {
	t.Helper()
	waitFor(t, "server", func() bool { return f.air.Count("local", "server.open") == 1 })
	if err := f.remote.Write([]byte{0xAA, 0xBB}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	f.waitStatus(t, models.SessionStatusRanging)
}

func eventTypes(t *testing.T, store storage.Store, rec *models.Session) []models.EventType {
	t.Helper()
	events, _, err := store.ListEventLogs(context.Background(), storage.EventLogFilters{SessionID: &rec.ID}, 100, 0)
	if err != nil {
		t.Fatal(err)
	}
	// oldest first
	out := make([]models.EventType, len(events))
	for i, e := range events {
		out[len(events)-1-i] = e.Type
	}
	return out
}

func TestControllerSessionLifecycle(t *testing.T) {
	f := newFixture(t, Options{PersistInterval: time.Nanosecond})
	updates, unsubscribe := f.service.Subscribe()
	defer unsubscribe()

	rec, err := f.service.Start(context.Background(), uwb.RoleController)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if rec.Status != models.SessionStatusHandshaking {
		t.Fatalf("status = %s", rec.Status)
	}

	f.completeControllerHandshake(t)
	if u := <-updates; u.Kind != integration.KindHandshake || !u.Session.PeerAddress.Equal(uwb.Address{0xAA, 0xBB}) {
		t.Fatalf("update = %+v", u)
	}

	f.engine.Emit(uwb.PositionUpdate(uwb.Address{0xAA, 0xBB}, uwb.Position{Distance: 3.5, Azimuth: 12}))
	u := <-updates
	if u.Kind != integration.KindPosition || u.Event.Position.Distance != 3.5 {
		t.Fatalf("update = %+v", u)
	}
	snap, ok := f.service.Position()
	if !ok || snap.Position.Azimuth != 12 {
		t.Fatalf("position = %+v, %v", snap, ok)
	}

	f.engine.Emit(uwb.PeerDisconnected(uwb.Address{0xAA, 0xBB}))
	if u := <-updates; u.Kind != integration.KindDisconnected {
		t.Fatalf("update = %+v", u)
	}
	if _, ok := f.service.Position(); ok {
		t.Fatal("position kept after peer loss")
	}

	stopped, err := f.service.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if stopped.Status != models.SessionStatusStopped || stopped.EndedAt == nil || stopped.FailureReason != "" {
		t.Fatalf("stopped = %+v", stopped)
	}
	if f.engine.Running() {
		t.Fatal("engine still running")
	}

	stored, err := f.store.GetSession(context.Background(), rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != models.SessionStatusStopped || stored.SessionID == nil || *stored.Channel != 9 || *stored.PreambleIndex != 11 {
		t.Fatalf("stored = %+v", stored)
	}
	if stored.Updates != 1 || !stored.LocalAddress.Equal(uwb.Address{0x01, 0x02}) {
		t.Fatalf("stored = %+v", stored)
	}

	wantEvents := []models.EventType{
		models.EventTypeHandshakeStarted,
		models.EventTypeSessionStarted,
		models.EventTypePeerDisconnected,
		models.EventTypeSessionStopped,
	}
	gotEvents := eventTypes(t, f.store, rec)
	if len(gotEvents) != len(wantEvents) {
		t.Fatalf("events = %v, want %v", gotEvents, wantEvents)
	}
	for i := range wantEvents {
		if gotEvents[i] != wantEvents[i] {
			t.Fatalf("events = %v, want %v", gotEvents, wantEvents)
		}
	}

	wantKinds := []integration.Kind{
		integration.KindHandshake,
		integration.KindPosition,
		integration.KindDisconnected,
		integration.KindStopped,
	}
	gotKinds := f.pub.Kinds()
	if len(gotKinds) != len(wantKinds) {
		t.Fatalf("published = %v, want %v", gotKinds, wantKinds)
	}
	for i := range wantKinds {
		if gotKinds[i] != wantKinds[i] {
			t.Fatalf("published = %v, want %v", gotKinds, wantKinds)
		}
	}
	if leaks := f.air.Leaks(); len(leaks) != 0 {
		t.Fatalf("leaked: %v", leaks)
	}
}

func TestStartWhileActive(t *testing.T) {
	f := newFixture(t, Options{})
	if _, err := f.service.Start(context.Background(), uwb.RoleController); err != nil {
		t.Fatal(err)
	}
	if _, err := f.service.Start(context.Background(), uwb.RoleControlee); !errors.Is(err, ErrActive) {
		t.Fatalf("err = %v, want ErrActive", err)
	}
	if _, err := f.service.Start(context.Background(), "observer"); err == nil {
		t.Fatal("invalid role accepted")
	}
}

func TestStopWithoutSession(t *testing.T) {
	f := newFixture(t, Options{})
	if _, err := f.service.Stop(context.Background()); !errors.Is(err, ErrNoSession) {
		t.Fatalf("err = %v", err)
	}
	if _, ok := f.service.Current(); ok {
		t.Fatal("no session expected")
	}
}

func TestStopDuringHandshake(t *testing.T) {
	f := newFixture(t, Options{})
	rec, err := f.service.Start(context.Background(), uwb.RoleController)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "server", func() bool { return f.air.Count("local", "server.open") == 1 })

	stopped, err := f.service.Stop(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stopped.ID != rec.ID || stopped.Status != models.SessionStatusStopped {
		t.Fatalf("stopped = %+v", stopped)
	}
	if stopped.FailureReason != handshake.ReasonCancelled || stopped.StartedAt != nil {
		t.Fatalf("stopped = %+v", stopped)
	}
	if leaks := f.air.Leaks(); len(leaks) != 0 {
		t.Fatalf("leaked: %v", leaks)
	}
	if starts, _ := f.engine.Counts(); starts != 0 {
		t.Fatal("engine started")
	}
}

func TestControleeRetriesThenFails(t *testing.T) {
	f := newFixture(t, Options{Attempts: 3, RetryDelay: time.Millisecond})
	rec, err := f.service.Start(context.Background(), uwb.RoleControlee)
	if err != nil {
		t.Fatal(err)
	}

	failed := f.waitStatus(t, models.SessionStatusFailed)
	if failed.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", failed.Attempts)
	}
	if failed.FailureReason != handshake.ReasonScanTimeout || failed.FailureStage != string(handshake.StageScan) {
		t.Fatalf("failure = %s at %s", failed.FailureReason, failed.FailureStage)
	}
	if n := f.air.Count("local", "scan.start"); n != 3 {
		t.Fatalf("scans = %d, want 3", n)
	}

	events := eventTypes(t, f.store, rec)
	if last := events[len(events)-1]; last != models.EventTypeHandshakeFailed {
		t.Fatalf("events = %v", events)
	}

	// the service accepts a new session once the failed one is recorded
	if _, err := f.service.Start(context.Background(), uwb.RoleController); err != nil {
		t.Fatalf("restart: %v", err)
	}
}

func TestEngineFaultFailsSession(t *testing.T) {
	f := newFixture(t, Options{})
	rec, err := f.service.Start(context.Background(), uwb.RoleController)
	if err != nil {
		t.Fatal(err)
	}
	f.completeControllerHandshake(t)

	f.engine.Fail(errors.New("antenna unplugged"))
	failed := f.waitStatus(t, models.SessionStatusFailed)
	if failed.FailureReason != handshake.ReasonSessionError || failed.FailureStage != string(handshake.StageSession) {
		t.Fatalf("failure = %s at %s", failed.FailureReason, failed.FailureStage)
	}

	events := eventTypes(t, f.store, rec)
	if last := events[len(events)-1]; last != models.EventTypeSessionFault {
		t.Fatalf("events = %v", events)
	}
}

func TestBoundContextEndsSession(t *testing.T) {
	f := newFixture(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	f.service.Bind(ctx)

	if _, err := f.service.Start(context.Background(), uwb.RoleController); err != nil {
		t.Fatal(err)
	}
	f.completeControllerHandshake(t)

	cancel()
	f.waitStatus(t, models.SessionStatusStopped)
	if f.engine.Running() {
		t.Fatal("engine still running")
	}
}
