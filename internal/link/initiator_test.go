package link_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/uwb-bootstrap/uwb-ranging-server/internal/link"
	"github.com/uwb-bootstrap/uwb-ranging-server/internal/link/linktest"
)

// serveFixed runs a Responder on p serving payload until the test ends
func serveFixed(t *testing.T, air *linktest.Air, p *linktest.Peripheral, payload []byte, writes chan<- []byte) {
	t.Helper()
	r := link.NewResponder(p)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Serve(ctx, link.ServeOptions{
			OnRead: func() []byte { return payload },
			OnWrite: func(v []byte) {
				if writes != nil {
					writes <- v
				}
			},
		})
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	waitFor(t, func() bool { return air.Advertising(p.Address()) && air.Count(p.Address(), "server.open") == 1 })
}

func TestInitiatorFullExchange(t *testing.T) {
	air := linktest.NewAir()
	payload := bytes.Repeat([]byte{0x5a}, 45)
	writes := make(chan []byte, 1)
	serveFixed(t, air, air.Peripheral("ctrl"), payload, writes)

	central := air.Central("ctee")
	in := link.NewInitiator(central)
	var states []link.InitiatorState
	in.OnState(func(s link.InitiatorState) { states = append(states, s) })

	ctx := context.Background()
	peer, err := in.Scan(ctx, link.DefaultServiceID, time.Second)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if peer.Address != "ctrl" {
		t.Fatalf("peer = %+v", peer)
	}

	l, err := in.Connect(ctx, peer, link.DefaultServiceID, link.DefaultAttributeID)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	got, err := in.Read(ctx, l)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("Read = % x, want % x", got, payload)
	}
	if err := in.Write(ctx, l, []byte{0xaa, 0xbb}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if w := <-writes; !bytes.Equal(w, []byte{0xaa, 0xbb}) {
		t.Fatalf("peer received % x", w)
	}
	if err := in.Close(l); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := in.Close(l); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	want := []link.InitiatorState{
		link.InitiatorScanning, link.InitiatorIdle,
		link.InitiatorConnecting, link.InitiatorDiscoveringService, link.InitiatorReady,
		link.InitiatorReading, link.InitiatorReady,
		link.InitiatorWriting, link.InitiatorReady,
		link.InitiatorClosed, link.InitiatorClosed,
	}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("states = %v, want %v", states, want)
		}
	}
	if air.Count("ctee", "scan.stop") != 1 || air.Count("ctee", "client.close") != 1 {
		t.Fatalf("journal = %v", air.Journal())
	}
	if in.Current() != nil {
		t.Fatal("current link not cleared")
	}
}

func TestInitiatorScanErrors(t *testing.T) {
	tests := []struct {
		name    string
		central func(*linktest.Air) *linktest.Central
		wantErr error
	}{
		{
			name:    "nothing advertising",
			central: func(a *linktest.Air) *linktest.Central { return a.Central("ctee") },
			wantErr: link.ErrScanTimeout,
		},
		{
			name: "start refused",
			central: func(a *linktest.Air) *linktest.Central {
				c := a.Central("ctee")
				c.ScanErr = linktest.ErrInjected
				return c
			},
			wantErr: link.ErrScanFailed,
		},
		{
			name: "failure callback",
			central: func(a *linktest.Air) *linktest.Central {
				c := a.Central("ctee")
				c.ScanFailure = linktest.ErrInjected
				return c
			},
			wantErr: link.ErrScanFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			air := linktest.NewAir()
			in := link.NewInitiator(tt.central(air))
			_, err := in.Scan(context.Background(), link.DefaultServiceID, 30*time.Millisecond)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Scan error = %v, want %v", err, tt.wantErr)
			}
			if in.State() != link.InitiatorFailed {
				t.Fatalf("state = %s, want failed", in.State())
			}
			if leaks := air.Leaks(); len(leaks) != 0 {
				t.Fatalf("leaked resources: %v", leaks)
			}
		})
	}
}

func TestInitiatorScanCancelled(t *testing.T) {
	air := linktest.NewAir()
	in := link.NewInitiator(air.Central("ctee"))
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	if _, err := in.Scan(ctx, link.DefaultServiceID, time.Minute); !errors.Is(err, context.Canceled) {
		t.Fatalf("Scan error = %v, want Canceled", err)
	}
	if leaks := air.Leaks(); len(leaks) != 0 {
		t.Fatalf("leaked resources: %v", leaks)
	}
}

func TestInitiatorConnectErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*linktest.Central)
		wantErr error
	}{
		{"connect refused", func(c *linktest.Central) { c.ConnectErr = linktest.ErrInjected }, link.ErrConnection},
		{"connection failed callback", func(c *linktest.Central) { c.RefuseConnect = linktest.ErrInjected }, link.ErrConnection},
		{"discovery failed", func(c *linktest.Central) { c.DiscoverErr = linktest.ErrInjected }, link.ErrConnection},
		{"attribute missing", func(c *linktest.Central) { c.HideAttribute = true }, link.ErrAttributeNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			air := linktest.NewAir()
			serveFixed(t, air, air.Peripheral("ctrl"), []byte{1}, nil)
			c := air.Central("ctee")
			tt.mutate(c)
			in := link.NewInitiator(c)

			_, err := in.Connect(context.Background(), link.Peer{Address: "ctrl"}, link.DefaultServiceID, link.DefaultAttributeID)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Connect error = %v, want %v", err, tt.wantErr)
			}
			if n := air.Count("ctee", "connect") - air.Count("ctee", "client.close"); n != 0 {
				t.Fatalf("%d clients left open", n)
			}
			if in.Current() != nil {
				t.Fatal("failed connect left a current link")
			}
		})
	}
}

func TestInitiatorReadWriteErrors(t *testing.T) {
	air := linktest.NewAir()
	serveFixed(t, air, air.Peripheral("ctrl"), []byte{1, 2, 3}, nil)

	t.Run("read error", func(t *testing.T) {
		c := air.Central("read")
		c.ReadErr = linktest.ErrInjected
		in := link.NewInitiator(c)
		l, err := in.Connect(context.Background(), link.Peer{Address: "ctrl"}, link.DefaultServiceID, link.DefaultAttributeID)
		if err != nil {
			t.Fatalf("Connect: %v", err)
		}
		defer in.Close(l)
		if _, err := in.Read(context.Background(), l); !errors.Is(err, link.ErrRead) {
			t.Fatalf("Read error = %v, want ErrRead", err)
		}
	})

	t.Run("write error", func(t *testing.T) {
		c := air.Central("write")
		c.WriteErr = linktest.ErrInjected
		in := link.NewInitiator(c)
		l, err := in.Connect(context.Background(), link.Peer{Address: "ctrl"}, link.DefaultServiceID, link.DefaultAttributeID)
		if err != nil {
			t.Fatalf("Connect: %v", err)
		}
		defer in.Close(l)
		if err := in.Write(context.Background(), l, []byte{9}); !errors.Is(err, link.ErrWrite) {
			t.Fatalf("Write error = %v, want ErrWrite", err)
		}
	})

	t.Run("disconnect during read", func(t *testing.T) {
		c := air.Central("drop")
		c.DisconnectOnRead = true
		in := link.NewInitiator(c)
		l, err := in.Connect(context.Background(), link.Peer{Address: "ctrl"}, link.DefaultServiceID, link.DefaultAttributeID)
		if err != nil {
			t.Fatalf("Connect: %v", err)
		}
		defer in.Close(l)
		if _, err := in.Read(context.Background(), l); !errors.Is(err, link.ErrRead) {
			t.Fatalf("Read error = %v, want ErrRead", err)
		}
		select {
		case <-l.Lost():
		case <-time.After(time.Second):
			t.Fatal("link not marked lost")
		}
		if in.Current() != nil {
			t.Fatal("current link not cleared on disconnect")
		}
		if err := in.Write(context.Background(), l, []byte{1}); !errors.Is(err, link.ErrClosed) {
			t.Fatalf("Write after loss = %v, want ErrClosed", err)
		}
	})

	t.Run("disconnect before read", func(t *testing.T) {
		in := link.NewInitiator(air.Central("gone"))
		l, err := in.Connect(context.Background(), link.Peer{Address: "ctrl"}, link.DefaultServiceID, link.DefaultAttributeID)
		if err != nil {
			t.Fatalf("Connect: %v", err)
		}
		defer in.Close(l)
		l.ConnectionStateChanged(false, nil)
		<-l.Lost()

		_, err = in.Read(context.Background(), l)
		if !errors.Is(err, link.ErrRead) || !errors.Is(err, link.ErrClosed) {
			t.Fatalf("Read error = %v, want ErrRead wrapping ErrClosed", err)
		}
		err = in.Write(context.Background(), l, []byte{1})
		if !errors.Is(err, link.ErrWrite) || !errors.Is(err, link.ErrClosed) {
			t.Fatalf("Write error = %v, want ErrWrite wrapping ErrClosed", err)
		}
	})
}

func TestInitiatorOneLinkAtATime(t *testing.T) {
	air := linktest.NewAir()
	serveFixed(t, air, air.Peripheral("ctrl"), []byte{1}, nil)
	in := link.NewInitiator(air.Central("ctee"))

	l, err := in.Connect(context.Background(), link.Peer{Address: "ctrl"}, link.DefaultServiceID, link.DefaultAttributeID)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if _, err := in.Connect(context.Background(), link.Peer{Address: "ctrl"}, link.DefaultServiceID, link.DefaultAttributeID); !errors.Is(err, link.ErrBusy) {
		t.Fatalf("second Connect = %v, want ErrBusy", err)
	}
	in.Close(l)
	if _, err := in.Read(context.Background(), l); !errors.Is(err, link.ErrClosed) {
		t.Fatalf("Read after Close = %v, want ErrClosed", err)
	}
}
