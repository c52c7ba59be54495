// Fieldgate Core - Field Device Gateway
//
// This is the main entry point for the Fieldgate Core application.
// Fieldgate polls industrial field devices, mirrors their tag values to
// an MQTT broker, and exposes a management API:
//   - One poll worker per device with independent reconnection backoff
//   - A single broker connection owned by the publisher
//   - Virtual devices composing filtered views over real devices
//   - Optional InfluxDB tag history
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/fieldgate/fieldgate-core/migrations"

	"github.com/fieldgate/fieldgate-core/internal/api"
	"github.com/fieldgate/fieldgate-core/internal/broadcast"
	"github.com/fieldgate/fieldgate-core/internal/compose"
	"github.com/fieldgate/fieldgate-core/internal/device"
	"github.com/fieldgate/fieldgate-core/internal/infrastructure/config"
	"github.com/fieldgate/fieldgate-core/internal/infrastructure/database"
	"github.com/fieldgate/fieldgate-core/internal/infrastructure/influxdb"
	"github.com/fieldgate/fieldgate-core/internal/infrastructure/logging"
	"github.com/fieldgate/fieldgate-core/internal/infrastructure/mqtt"
	"github.com/fieldgate/fieldgate-core/internal/poll"
	"github.com/fieldgate/fieldgate-core/internal/protocol"
	"github.com/fieldgate/fieldgate-core/internal/protocol/s7"
	"github.com/fieldgate/fieldgate-core/internal/protocol/sim"
	"github.com/fieldgate/fieldgate-core/internal/publish"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// Broadcaster subscription buffers. The publisher and composer block on
// overflow; the relay subscribers drop.
const (
	publisherBuffer = 64
	composerBuffer  = 64
	influxBuffer    = 256
)

func main() {
	// Context cancels on interrupt signals (Ctrl+C, SIGTERM) for
	// graceful shutdown.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Fieldgate Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	// Run migrations
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Initialise device registry
	deviceRepo := device.NewSQLiteRepository(db.DB)
	virtualRepo := device.NewSQLiteVirtualRepository(db.DB)
	registry := device.NewRegistry(deviceRepo, virtualRepo)
	registry.SetLogger(log)

	if refreshErr := registry.RefreshCache(ctx); refreshErr != nil {
		return fmt.Errorf("loading device registry: %w", refreshErr)
	}
	log.Info("device registry initialised", "devices", registry.GetDeviceCount())

	// Update event broadcaster - everything downstream of the poll
	// workers hangs off this.
	events := broadcast.New()
	defer events.Close()

	// Protocol driver
	driver, err := buildDriver(cfg)
	if err != nil {
		return err
	}
	log.Info("protocol driver selected", "driver", driver.Name())

	// Poll manager
	manager := poll.NewManager(registry, driver, events, poll.Config{
		ConnectTimeout: time.Duration(cfg.Polling.ConnectTimeout) * time.Second,
		ReadTimeout:    time.Duration(cfg.Polling.ReadTimeout) * time.Second,
		BackoffFloor:   time.Duration(cfg.Polling.BackoffFloor) * time.Second,
		BackoffCap:     time.Duration(cfg.Polling.BackoffCap) * time.Second,
	})
	manager.SetLogger(log)
	defer func() {
		log.Info("stopping poll workers")
		manager.Shutdown()
	}()

	// MQTT client. Stored broker settings override the YAML defaults.
	brokerStore := mqtt.NewSQLiteConfigStore(db.DB)
	mqttCfg := cfg.MQTT
	if stored, loadErr := brokerStore.Load(ctx); loadErr == nil {
		mqttCfg = mqtt.ApplyStored(mqttCfg, stored)
		log.Info("stored broker settings applied", "host", mqttCfg.Broker.Host)
	} else if !errors.Is(loadErr, mqtt.ErrNoStoredConfig) {
		log.Warn("failed to load stored broker settings", "error", loadErr)
	}

	mqttClient := mqtt.New(mqttCfg)
	mqttClient.SetLogger(log)
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()

	// Publisher owns the broker connection, including the initial
	// connect; a broker that is down at boot is retried on backoff.
	pubSub, err := events.Subscribe("publisher", broadcast.Block, publisherBuffer)
	if err != nil {
		return fmt.Errorf("subscribing publisher: %w", err)
	}
	publisher := publish.New(mqttClient, pubSub, publish.Config{
		QoS:          byte(cfg.MQTT.QoS),
		BackoffFloor: time.Duration(cfg.MQTT.Reconnect.InitialDelay) * time.Second,
		BackoffCap:   time.Duration(cfg.MQTT.Reconnect.MaxDelay) * time.Second,
	})
	publisher.SetLogger(log)
	go publisher.Run(ctx)
	defer func() {
		log.Info("stopping publisher")
		publisher.Stop()
	}()

	// Virtual device composer. It publishes derived updates back into
	// the same broadcaster, so its own subscription must filter them out
	// at delivery time: a composer waiting on its own full buffer would
	// wedge every publisher behind it.
	compSub, err := events.SubscribeFiltered("composer", broadcast.Block, composerBuffer,
		func(u broadcast.Update) bool { return !u.Virtual })
	if err != nil {
		return fmt.Errorf("subscribing composer: %w", err)
	}
	composer := compose.New(registry, compSub, events)
	composer.SetLogger(log)
	go composer.Run(ctx)
	defer func() {
		log.Info("stopping composer")
		composer.Stop()
	}()

	// InfluxDB tag history sink (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})

		sinkSub, subErr := events.Subscribe("influxdb", broadcast.Drop, influxBuffer)
		if subErr != nil {
			return fmt.Errorf("subscribing influxdb sink: %w", subErr)
		}
		sink := influxdb.NewSink(influxClient, sinkSub)
		go sink.Run(ctx)
		defer sink.Stop()

		log.Info("InfluxDB tag history enabled",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	// API server
	server, err := api.New(api.Deps{
		Config:      cfg.API,
		WS:          cfg.WebSocket,
		Security:    cfg.Security,
		Logger:      log,
		Registry:    registry,
		Manager:     manager,
		Publisher:   publisher,
		Broadcaster: events,
		MQTT:        mqttClient,
		BrokerStore: brokerStore,
		Version:     version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if startErr := server.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()
	log.Info("API server started", "host", cfg.API.Host, "port", cfg.API.Port)

	// Start polling for devices flagged for auto-start
	if autoErr := manager.AutoStart(ctx); autoErr != nil {
		log.Warn("some devices failed to auto-start", "error", autoErr)
	}
	log.Info("auto-start complete", "workers", len(manager.StatusAll()))

	// Verify infrastructure is healthy
	if err := healthCheck(ctx, db, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order: API server, influx
	// sink, composer, publisher, MQTT, poll workers, broadcaster,
	// database.

	log.Info("Fieldgate Core stopped")
	return nil
}

// buildDriver selects the protocol client implementation from config.
func buildDriver(cfg *config.Config) (protocol.Driver, error) {
	switch cfg.Protocol.Driver {
	case "simulator", "":
		return sim.NewDriver(), nil
	case "s7":
		connectTimeout := time.Duration(cfg.Polling.ConnectTimeout) * time.Second
		return s7.NewDriver(cfg.Protocol.S7.Rack, connectTimeout), nil
	default:
		return nil, fmt.Errorf("unknown protocol driver: %q", cfg.Protocol.Driver)
	}
}

// getConfigPath returns the configuration file path.
// Uses the FIELDGATE_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("FIELDGATE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies infrastructure connections are healthy.
// The MQTT broker is deliberately excluded: the publisher reconnects on
// backoff, and a broker outage at boot must not abort startup.
func healthCheck(ctx context.Context, db *database.DB, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}
