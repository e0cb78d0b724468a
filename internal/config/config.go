package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/uwb-bootstrap/uwb-ranging-server/internal/link"
	"github.com/uwb-bootstrap/uwb-ranging-server/pkg/uwb"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	API       APIConfig       `yaml:"api"`
	Database  DatabaseConfig  `yaml:"database"`
	NATS      NATSConfig      `yaml:"nats"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	JWT       JWTConfig       `yaml:"jwt"`
	Log       LogConfig       `yaml:"log"`
	BLE       BLEConfig       `yaml:"ble"`
	UWB       UWBConfig       `yaml:"uwb"`
	Handshake HandshakeConfig `yaml:"handshake"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// APIConfig represents API configuration
type APIConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// AdminUser and AdminPasswordHash are the credentials accepted by
	// /auth/login. The hash is bcrypt.
	AdminUser         string   `yaml:"admin_user"`
	AdminPasswordHash string   `yaml:"admin_password_hash"`
	AllowedOrigins    []string `yaml:"allowed_origins"`
}

// Addr returns host:port for the HTTP listener
func (c APIConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig represents database configuration. An empty DSN keeps
// session history in memory.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// NATSConfig represents NATS configuration. An empty URL disables both
// event publishing and remote control.
type NATSConfig struct {
	URL               string        `yaml:"url"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	// Control enables the uwb.control.* subjects
	Control bool `yaml:"control"`
}

// MQTTConfig represents MQTT configuration. An empty broker disables it.
type MQTTConfig struct {
	Broker       string `yaml:"broker"`
	ClientID     string `yaml:"client_id"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	TopicPattern string `yaml:"topic_pattern"`
	QoS          byte   `yaml:"qos"`
	TLS          bool   `yaml:"tls"`
}

// JWTConfig represents JWT configuration
type JWTConfig struct {
	Secret          string        `yaml:"secret"`
	AccessTokenTTL  time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// BLEConfig selects the out-of-band radio and its identifiers
type BLEConfig struct {
	// Driver is "bluez", "tinygo" or "none"
	Driver      string        `yaml:"driver"`
	Adapter     string        `yaml:"adapter"`
	LocalName   string        `yaml:"local_name"`
	ServiceID   string        `yaml:"service_id"`
	AttributeID string        `yaml:"attribute_id"`
	ScanTimeout time.Duration `yaml:"scan_timeout"`
}

// ServiceUUID returns the parsed service id
func (c BLEConfig) ServiceUUID() uuid.UUID {
	id, _ := uuid.Parse(c.ServiceID)
	return id
}

// AttributeUUID returns the parsed attribute id
func (c BLEConfig) AttributeUUID() uuid.UUID {
	id, _ := uuid.Parse(c.AttributeID)
	return id
}

// UWBConfig configures the ranging engine
type UWBConfig struct {
	// Engine is "sim"; hardware engines plug in behind ranging.Engine
	Engine        string         `yaml:"engine"`
	Address       string         `yaml:"address"`
	Channel       int            `yaml:"channel"`
	PreambleIndex int            `yaml:"preamble_index"`
	UpdateRate    uwb.UpdateRate `yaml:"update_rate"`
	// Role started on boot: "controller", "controlee" or empty for none
	Role uwb.Role `yaml:"role"`

	Sim SimConfig `yaml:"sim"`
}

// ComplexChannel returns the configured channel pair
func (c UWBConfig) ComplexChannel() uwb.ComplexChannel {
	return uwb.ComplexChannel{Channel: c.Channel, PreambleIndex: c.PreambleIndex}
}

// LocalAddress parses the configured UWB address
func (c UWBConfig) LocalAddress() (uwb.Address, error) {
	address, err := uwb.ParseAddress(c.Address)
	if err != nil {
		return nil, fmt.Errorf("invalid uwb address: %w", err)
	}
	return address, nil
}

// SimConfig configures the simulated engine
type SimConfig struct {
	Interval      time.Duration `yaml:"interval"`
	Distance      float64       `yaml:"distance"`
	PeerLossAfter int           `yaml:"peer_loss_after"`
}

// HandshakeConfig configures handshake retries
type HandshakeConfig struct {
	KeyLength       int           `yaml:"key_length"`
	ScanRetries     int           `yaml:"scan_retries"`
	Attempts        int           `yaml:"attempts"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
	PersistInterval time.Duration `yaml:"persist_interval"`
}

// Load loads configuration from file
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration, applies environment overrides and
// defaults, then validates the result
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Apply environment overrides
	cfg.applyEnvOverrides()
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Database.DSN = dsn
	}

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		c.NATS.URL = natsURL
	}

	if broker := os.Getenv("MQTT_BROKER"); broker != "" {
		c.MQTT.Broker = broker
	}

	if jwtSecret := os.Getenv("JWT_SECRET"); jwtSecret != "" {
		c.JWT.Secret = jwtSecret
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.Log.Level = logLevel
	}

	if role := os.Getenv("UWB_ROLE"); role != "" {
		c.UWB.Role = uwb.Role(strings.ToLower(role))
	}
}

func (c *Config) setDefaults() {
	if c.Server.Name == "" {
		c.Server.Name = "uwb-ranging-server"
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.API.AdminUser == "" {
		c.API.AdminUser = "admin"
	}
	if len(c.API.AllowedOrigins) == 0 {
		c.API.AllowedOrigins = []string{"*"}
	}
	if c.NATS.MaxReconnects == 0 {
		c.NATS.MaxReconnects = -1
	}
	if c.NATS.ReconnectInterval == 0 {
		c.NATS.ReconnectInterval = 2 * time.Second
	}
	if c.JWT.AccessTokenTTL == 0 {
		c.JWT.AccessTokenTTL = 15 * time.Minute
	}
	if c.JWT.RefreshTokenTTL == 0 {
		c.JWT.RefreshTokenTTL = 24 * time.Hour
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.BLE.Driver == "" {
		c.BLE.Driver = "bluez"
	}
	if c.BLE.Adapter == "" {
		c.BLE.Adapter = "hci0"
	}
	if c.BLE.LocalName == "" {
		c.BLE.LocalName = "UWB Bootstrap"
	}
	if c.BLE.ServiceID == "" {
		c.BLE.ServiceID = link.DefaultServiceID.String()
	}
	if c.BLE.AttributeID == "" {
		c.BLE.AttributeID = link.DefaultAttributeID.String()
	}
	if c.BLE.ScanTimeout == 0 {
		c.BLE.ScanTimeout = link.DefaultScanTimeout
	}
	if c.UWB.Engine == "" {
		c.UWB.Engine = "sim"
	}
	if c.UWB.Channel == 0 {
		c.UWB.Channel = 9
	}
	if c.UWB.PreambleIndex == 0 {
		c.UWB.PreambleIndex = 10
	}
	if c.UWB.UpdateRate == "" {
		c.UWB.UpdateRate = uwb.UpdateRateAutomatic
	}
	if c.UWB.Sim.Interval == 0 {
		c.UWB.Sim.Interval = 200 * time.Millisecond
	}
	if c.Handshake.KeyLength == 0 {
		c.Handshake.KeyLength = 8
	}
	if c.Handshake.Attempts == 0 {
		c.Handshake.Attempts = 1
	}
	if c.Handshake.RetryDelay == 0 {
		c.Handshake.RetryDelay = time.Second
	}
	if c.Handshake.PersistInterval == 0 {
		c.Handshake.PersistInterval = time.Second
	}
}

// Validate checks values the rest of the server relies on
func (c *Config) Validate() error {
	if c.API.Port < 0 || c.API.Port > 65535 {
		return fmt.Errorf("invalid api port: %d", c.API.Port)
	}
	if c.JWT.Secret == "" {
		return fmt.Errorf("jwt secret is required")
	}

	switch c.BLE.Driver {
	case "bluez", "tinygo", "none":
	default:
		return fmt.Errorf("invalid ble driver: %s", c.BLE.Driver)
	}
	if _, err := uuid.Parse(c.BLE.ServiceID); err != nil {
		return fmt.Errorf("invalid ble service id: %w", err)
	}
	if _, err := uuid.Parse(c.BLE.AttributeID); err != nil {
		return fmt.Errorf("invalid ble attribute id: %w", err)
	}

	if c.UWB.Engine != "sim" {
		return fmt.Errorf("unsupported uwb engine: %s", c.UWB.Engine)
	}
	if _, err := c.UWB.LocalAddress(); err != nil {
		return err
	}
	if err := c.UWB.ComplexChannel().Validate(); err != nil {
		return err
	}
	if !c.UWB.UpdateRate.Valid() {
		return fmt.Errorf("invalid update rate: %s", c.UWB.UpdateRate)
	}
	if c.UWB.Role != "" && !c.UWB.Role.Valid() {
		return fmt.Errorf("invalid uwb role: %s", c.UWB.Role)
	}

	if c.Handshake.KeyLength < 1 || c.Handshake.KeyLength > 255 {
		return fmt.Errorf("invalid session key length: %d", c.Handshake.KeyLength)
	}
	if c.Handshake.ScanRetries < 0 {
		return fmt.Errorf("invalid scan retries: %d", c.Handshake.ScanRetries)
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("invalid mqtt qos: %d", c.MQTT.QoS)
	}
	return nil
}

// PrintConfigSummary prints a human readable summary
func (c *Config) PrintConfigSummary() {
	fmt.Printf("=== UWB Ranging Server Configuration ===\n")
	fmt.Printf("Server: %s %s\n", c.Server.Name, c.Server.Version)
	fmt.Printf("API: %s\n", c.API.Addr())
	fmt.Printf("BLE: driver=%s adapter=%s name=%q\n", c.BLE.Driver, c.BLE.Adapter, c.BLE.LocalName)
	fmt.Printf("  Service:   %s\n", c.BLE.ServiceID)
	fmt.Printf("  Attribute: %s\n", c.BLE.AttributeID)
	fmt.Printf("  Scan timeout: %v (retries %d)\n", c.BLE.ScanTimeout, c.Handshake.ScanRetries)
	fmt.Printf("UWB: engine=%s address=%s channel=%s rate=%s\n",
		c.UWB.Engine, c.UWB.Address, c.UWB.ComplexChannel(), c.UWB.UpdateRate)
	if c.UWB.Role != "" {
		fmt.Printf("  Start role: %s\n", c.UWB.Role)
	}
	fmt.Printf("Handshake attempts: %d (delay %v)\n", c.Handshake.Attempts, c.Handshake.RetryDelay)

	storage := "memory"
	if c.Database.DSN != "" {
		storage = "postgres"
	}
	fmt.Printf("Storage: %s\n", storage)
	fmt.Printf("NATS: %s\n", orDisabled(c.NATS.URL))
	fmt.Printf("MQTT: %s\n", orDisabled(c.MQTT.Broker))
	fmt.Printf("==========================================\n")
}

func orDisabled(s string) string {
	if s == "" {
		return "disabled"
	}
	return s
}
