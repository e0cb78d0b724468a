package config

import (
	"strings"
	"testing"
	"time"

	"github.com/uwb-bootstrap/uwb-ranging-server/internal/link"
	"github.com/uwb-bootstrap/uwb-ranging-server/pkg/uwb"
)

const minimal = `
jwt:
  secret: test-secret
uwb:
  address: "0102"
`

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimal))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.API.Addr() != ":8080" {
		t.Fatalf("api addr = %q", cfg.API.Addr())
	}
	if cfg.BLE.ServiceUUID() != link.DefaultServiceID || cfg.BLE.AttributeUUID() != link.DefaultAttributeID {
		t.Fatalf("ble ids = %s %s", cfg.BLE.ServiceID, cfg.BLE.AttributeID)
	}
	if cfg.UWB.ComplexChannel() != (uwb.ComplexChannel{Channel: 9, PreambleIndex: 10}) {
		t.Fatalf("channel = %v", cfg.UWB.ComplexChannel())
	}
	if cfg.UWB.UpdateRate != uwb.UpdateRateAutomatic || cfg.Handshake.KeyLength != 8 {
		t.Fatalf("uwb = %+v handshake = %+v", cfg.UWB, cfg.Handshake)
	}
	if cfg.JWT.AccessTokenTTL != 15*time.Minute || cfg.Handshake.Attempts != 1 {
		t.Fatalf("jwt = %+v", cfg.JWT)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://db/uwb")
	t.Setenv("NATS_URL", "nats://bus:4222")
	t.Setenv("MQTT_BROKER", "tcp://mqtt:1883")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("UWB_ROLE", "Controlee")

	cfg, err := Parse([]byte(minimal))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Database.DSN != "postgres://db/uwb" || cfg.NATS.URL != "nats://bus:4222" || cfg.MQTT.Broker != "tcp://mqtt:1883" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Log.Level != "debug" || cfg.UWB.Role != uwb.RoleControlee {
		t.Fatalf("log = %s role = %s", cfg.Log.Level, cfg.UWB.Role)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"missing secret", "uwb: {address: \"01\"}", "jwt secret"},
		{"missing address", "jwt: {secret: s}", "uwb address"},
		{"bad channel", minimal + "  channel: 7\n", "channel 7"},
		{"bad preamble", minimal + "  preamble_index: 13\n", "preamble index 13"},
		{"bad role", minimal + "  role: observer\n", "uwb role"},
		{"bad rate", minimal + "  update_rate: sometimes\n", "update rate"},
		{"bad driver", minimal + "ble:\n  driver: usb\n", "ble driver"},
		{"bad service id", minimal + "ble:\n  service_id: nope\n", "service id"},
		{"bad engine", minimal + "  engine: dw3000\n", "uwb engine"},
		{"bad qos", minimal + "mqtt:\n  qos: 3\n", "qos"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestUWBLocalAddress(t *testing.T) {
	tests := []struct {
		address string
		want    uwb.Address
		wantErr bool
	}{
		{"0102", uwb.Address{0x01, 0x02}, false},
		{"", nil, true},
		{"zz", nil, true},
	}
	for _, tt := range tests {
		got, err := UWBConfig{Address: tt.address}.LocalAddress()
		if tt.wantErr {
			if err == nil || !strings.Contains(err.Error(), "uwb address") {
				t.Fatalf("LocalAddress(%q) error = %v, want invalid uwb address", tt.address, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("LocalAddress(%q): %v", tt.address, err)
		}
		if !got.Equal(tt.want) {
			t.Fatalf("LocalAddress(%q) = %s, want %s", tt.address, got, tt.want)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/ranging-server.yml"); err == nil {
		t.Fatal("expected error")
	}
}
