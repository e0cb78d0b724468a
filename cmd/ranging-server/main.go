package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/uwb-bootstrap/uwb-ranging-server/internal/api"
	"github.com/uwb-bootstrap/uwb-ranging-server/internal/config"
	"github.com/uwb-bootstrap/uwb-ranging-server/internal/handshake"
	"github.com/uwb-bootstrap/uwb-ranging-server/internal/integration"
	"github.com/uwb-bootstrap/uwb-ranging-server/internal/radio"
	"github.com/uwb-bootstrap/uwb-ranging-server/internal/ranging"
	"github.com/uwb-bootstrap/uwb-ranging-server/internal/ranging/sim"
	"github.com/uwb-bootstrap/uwb-ranging-server/internal/server"
	"github.com/uwb-bootstrap/uwb-ranging-server/internal/session"
	"github.com/uwb-bootstrap/uwb-ranging-server/internal/storage"
	"github.com/uwb-bootstrap/uwb-ranging-server/pkg/uwb"
)

func main() {
	var configPath = flag.String("config", "config/ranging-server.yml", "path to the config file")
	var validateOnly = flag.Bool("validate", false, "validate the config file and exit")
	var showConfig = flag.Bool("show-config", false, "print the config summary and exit")
	var role = flag.String("role", "", "start a session in this role on boot (controller or controlee)")
	flag.Parse()

	// Logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config_path", *configPath).Msg("Failed to load config")
	}
	if *role != "" {
		cfg.UWB.Role = uwb.Role(*role)
		if !cfg.UWB.Role.Valid() {
			log.Fatal().Str("role", *role).Msg("Invalid role")
		}
	}

	if cfg.Log.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.Warn().Str("level", cfg.Log.Level).Msg("Invalid log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if *showConfig {
		cfg.PrintConfigSummary()
		return
	}
	if *validateOnly {
		cfg.PrintConfigSummary()
		fmt.Println("Config OK")
		return
	}

	log.Info().
		Str("config_path", *configPath).
		Str("version", cfg.Server.Version).
		Msg("UWB ranging server starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage
	store, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open storage")
	}
	defer store.Close()

	// Integrations
	publishers, nc := openPublishers(cfg)
	defer publishers.Close()

	// Radios
	radios := radio.Open(cfg.BLE)
	defer radios.Close()

	// Ranging engine
	address, err := cfg.UWB.LocalAddress()
	if err != nil {
		log.Fatal().Err(err).Str("address", cfg.UWB.Address).Msg("Invalid UWB address")
	}
	engine := sim.New(sim.Options{
		Address:        address,
		ComplexChannel: cfg.UWB.ComplexChannel(),
		Interval:       cfg.UWB.Sim.Interval,
		Distance:       cfg.UWB.Sim.Distance,
		PeerLossAfter:  cfg.UWB.Sim.PeerLossAfter,
	})
	mgr := ranging.NewManager(engine)

	orchestrator := handshake.New(radios.Responder, radios.Initiator, mgr, handshake.Options{
		ServiceID:   cfg.BLE.ServiceUUID(),
		AttributeID: cfg.BLE.AttributeUUID(),
		LocalName:   cfg.BLE.LocalName,
		ScanTimeout: cfg.BLE.ScanTimeout,
		ScanRetries: cfg.Handshake.ScanRetries,
		KeyLength:   cfg.Handshake.KeyLength,
		UpdateRate:  cfg.UWB.UpdateRate,
		Observer: func(s handshake.State) {
			log.Debug().Str("state", string(s)).Msg("Handshake state")
		},
	})

	service := session.NewService(orchestrator, mgr.LocalAddress, store, publishers, session.Options{
		Attempts:        cfg.Handshake.Attempts,
		RetryDelay:      cfg.Handshake.RetryDelay,
		PersistInterval: cfg.Handshake.PersistInterval,
	})
	service.Bind(ctx)

	// REST API
	restServer := api.NewRESTServer(cfg, store, service)
	go func() {
		if err := restServer.ListenAndServe(cfg.API.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("REST API server failed")
			cancel()
		}
	}()

	// Remote control over NATS
	if nc != nil && cfg.NATS.Control {
		subscriber := server.NewNATSSubscriber(nc, service, store)
		go func() {
			if err := subscriber.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("NATS control subscriber failed")
			}
		}()
	}

	if cfg.UWB.Role != "" {
		if _, err := service.Start(ctx, cfg.UWB.Role); err != nil {
			log.Error().Err(err).Str("role", string(cfg.UWB.Role)).Msg("Failed to start session")
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down")
	case <-ctx.Done():
		log.Info().Msg("Context cancelled, shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := service.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Failed to stop session")
	}
	if err := restServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Failed to shut down REST API")
	}
	cancel()
	log.Info().Msg("UWB ranging server stopped")
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	if cfg.Database.DSN == "" {
		log.Info().Msg("No database configured, keeping session history in memory")
		return storage.NewMemoryStore(), nil
	}

	pg, err := storage.NewPostgresStore(cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	pg.SetPoolLimits(cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime)
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return nil, err
	}
	return pg, nil
}

// openPublishers connects the configured integrations. It also returns
// the NATS connection, if any, for the control subscriber.
func openPublishers(cfg *config.Config) (integration.Multi, *nats.Conn) {
	var publishers integration.Multi
	var nc *nats.Conn

	if cfg.NATS.URL != "" {
		pub, err := integration.ConnectNATS(cfg.NATS.URL,
			nats.ReconnectWait(cfg.NATS.ReconnectInterval),
			nats.MaxReconnects(cfg.NATS.MaxReconnects))
		if err != nil {
			log.Error().Err(err).Str("url", cfg.NATS.URL).Msg("NATS unavailable, events will not be forwarded")
		} else {
			publishers = append(publishers, pub)
			nc = pub.Conn()
			log.Info().Str("url", cfg.NATS.URL).Msg("Forwarding session events to NATS")
		}
	}

	if cfg.MQTT.Broker != "" {
		pub, err := integration.NewMQTTPublisher(integration.MQTTConfig{
			BrokerURL:    cfg.MQTT.Broker,
			ClientID:     cfg.MQTT.ClientID,
			Username:     cfg.MQTT.Username,
			Password:     cfg.MQTT.Password,
			TopicPattern: cfg.MQTT.TopicPattern,
			QoS:          cfg.MQTT.QoS,
			TLS:          cfg.MQTT.TLS,
		})
		if err != nil {
			log.Error().Err(err).Str("broker", cfg.MQTT.Broker).Msg("MQTT unavailable, events will not be forwarded")
		} else {
			publishers = append(publishers, pub)
			log.Info().Str("broker", cfg.MQTT.Broker).Msg("Forwarding session events to MQTT")
		}
	}

	return publishers, nc
}
