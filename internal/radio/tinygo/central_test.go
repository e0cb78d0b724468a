package tinygo

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"tinygo.org/x/bluetooth"

	"github.com/uwb-bootstrap/uwb-ranging-server/internal/link"
)

type fakeAttribute struct {
	mu      sync.Mutex
	value   []byte
	written [][]byte
	readErr error
}

func (a *fakeAttribute) Read(data []byte) (int, error) {
	if a.readErr != nil {
		return 0, a.readErr
	}
	return copy(data, a.value), nil
}

func (a *fakeAttribute) WriteWithoutResponse(p []byte) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.written = append(a.written, append([]byte{}, p...))
	return len(p), nil
}

type event struct {
	kind  string
	ok    bool
	value []byte
	err   error
}

type recorder struct {
	events chan event
}

func newRecorder() *recorder { return &recorder{events: make(chan event, 16)} }

func (r *recorder) ScanResult(peer link.Peer) { r.events <- event{kind: "scan:" + peer.Address} }
func (r *recorder) ScanFailed(err error)      { r.events <- event{kind: "scanfailed", err: err} }
func (r *recorder) ConnectionStateChanged(connected bool, err error) {
	r.events <- event{kind: "connection", ok: connected, err: err}
}
func (r *recorder) ServicesDiscovered(err error)          { r.events <- event{kind: "discovered", err: err} }
func (r *recorder) ReadCompleted(value []byte, err error) { r.events <- event{kind: "read", value: value, err: err} }
func (r *recorder) WriteCompleted(err error)              { r.events <- event{kind: "write", err: err} }

func (r *recorder) next(t *testing.T, kind string) event {
	t.Helper()
	select {
	case e := <-r.events:
		if e.kind != kind {
			t.Fatalf("event = %+v, want %s", e, kind)
		}
		return e
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", kind)
	}
	return event{}
}

func fakeCentral(attr *fakeAttribute, dialErr error) (*Central, *int) {
	disconnects := 0
	var mu sync.Mutex
	c := &Central{
		scan: func(serviceID uuid.UUID, found func(link.Peer, bluetooth.Address)) error {
			if serviceID != link.DefaultServiceID {
				return errors.New("unexpected service")
			}
			found(link.Peer{Address: "AA:BB:CC:DD:EE:FF", Name: "UWB Bootstrap"}, bluetooth.Address{})
			return nil
		},
		stopScan: func() error { return nil },
		dial: func(bluetooth.Address) (device, error) {
			if dialErr != nil {
				return device{}, dialErr
			}
			return device{
				discover: func() (map[string]attribute, error) {
					return map[string]attribute{
						attributeKey(link.DefaultServiceID.String(), link.DefaultAttributeID.String()): attr,
					}, nil
				},
				disconnect: func() error {
					mu.Lock()
					disconnects++
					mu.Unlock()
					return nil
				},
			}, nil
		},
		seen: make(map[string]bluetooth.Address),
	}
	return c, &disconnects
}

func TestCentralExchange(t *testing.T) {
	attr := &fakeAttribute{value: []byte{1, 2, 3}}
	c, disconnects := fakeCentral(attr, nil)
	h := newRecorder()

	if err := c.StartScan(link.DefaultServiceID, h); err != nil {
		t.Fatal(err)
	}
	h.next(t, "scan:AA:BB:CC:DD:EE:FF")

	cl, err := c.Connect(link.Peer{Address: "AA:BB:CC:DD:EE:FF"}, h)
	if err != nil {
		t.Fatal(err)
	}
	if e := h.next(t, "connection"); !e.ok {
		t.Fatalf("connection = %+v", e)
	}

	if cl.HasAttribute(link.DefaultServiceID, link.DefaultAttributeID) {
		t.Fatal("attribute known before discovery")
	}
	if err := cl.DiscoverServices(); err != nil {
		t.Fatal(err)
	}
	h.next(t, "discovered")
	if !cl.HasAttribute(link.DefaultServiceID, link.DefaultAttributeID) {
		t.Fatal("attribute missing after discovery")
	}
	if cl.HasAttribute(link.DefaultServiceID, uuid.New()) {
		t.Fatal("unknown attribute reported")
	}

	if err := cl.Read(link.DefaultServiceID, link.DefaultAttributeID); err != nil {
		t.Fatal(err)
	}
	if e := h.next(t, "read"); !bytes.Equal(e.value, []byte{1, 2, 3}) {
		t.Fatalf("read = %+v", e)
	}

	if err := cl.Write(link.DefaultServiceID, link.DefaultAttributeID, []byte{0xAA, 0xBB}); err != nil {
		t.Fatal(err)
	}
	if e := h.next(t, "write"); e.err != nil {
		t.Fatalf("write = %+v", e)
	}
	if len(attr.written) != 1 || !bytes.Equal(attr.written[0], []byte{0xAA, 0xBB}) {
		t.Fatalf("written = %v", attr.written)
	}

	for i := 0; i < 2; i++ {
		if err := cl.Close(); err != nil {
			t.Fatal(err)
		}
	}
	if *disconnects != 1 {
		t.Fatalf("disconnects = %d, want 1", *disconnects)
	}
	if err := cl.Read(link.DefaultServiceID, link.DefaultAttributeID); !errors.Is(err, link.ErrClosed) {
		t.Fatalf("read after close = %v", err)
	}
}

func TestCentralReadError(t *testing.T) {
	attr := &fakeAttribute{readErr: errors.New("att error")}
	c, _ := fakeCentral(attr, nil)
	h := newRecorder()
	c.StartScan(link.DefaultServiceID, h)
	h.next(t, "scan:AA:BB:CC:DD:EE:FF")

	cl, _ := c.Connect(link.Peer{Address: "AA:BB:CC:DD:EE:FF"}, h)
	h.next(t, "connection")
	cl.DiscoverServices()
	h.next(t, "discovered")

	cl.Read(link.DefaultServiceID, link.DefaultAttributeID)
	if e := h.next(t, "read"); e.err == nil {
		t.Fatal("read error not reported")
	}
	cl.Close()
}

func TestCentralConnectFailures(t *testing.T) {
	c, _ := fakeCentral(&fakeAttribute{}, errors.New("refused"))
	h := newRecorder()

	if _, err := c.Connect(link.Peer{Address: "11:22:33:44:55:66"}, h); err == nil {
		t.Fatal("connect to unseen peer accepted")
	}

	c.StartScan(link.DefaultServiceID, h)
	h.next(t, "scan:AA:BB:CC:DD:EE:FF")
	cl, err := c.Connect(link.Peer{Address: "AA:BB:CC:DD:EE:FF"}, h)
	if err != nil {
		t.Fatal(err)
	}
	if e := h.next(t, "connection"); e.ok || e.err == nil {
		t.Fatalf("connection = %+v", e)
	}
	if err := cl.DiscoverServices(); err == nil {
		t.Fatal("discover without connection accepted")
	}
}

func TestCentralScanFailure(t *testing.T) {
	c := &Central{
		scan:     func(uuid.UUID, func(link.Peer, bluetooth.Address)) error { return errors.New("adapter busy") },
		stopScan: func() error { return nil },
		seen:     make(map[string]bluetooth.Address),
	}
	h := newRecorder()
	c.StartScan(link.DefaultServiceID, h)
	if e := h.next(t, "scanfailed"); e.err == nil {
		t.Fatal("scan failure not reported")
	}
}
