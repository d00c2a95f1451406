// Veralock Core - Smart Lock Access Control
//
// This is the main entry point for the Veralock Core application.
// Veralock is the server-side brain for a fleet of MQTT-connected smart
// locks: it verifies signed access requests, evaluates credentials,
// dispatches lock commands with fallback timers, and keeps a
// hash-chained audit trail of every decision.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jmorland/veralock-core/migrations"

	"github.com/jmorland/veralock-core/internal/access"
	"github.com/jmorland/veralock-core/internal/api"
	"github.com/jmorland/veralock-core/internal/audit"
	"github.com/jmorland/veralock-core/internal/command"
	"github.com/jmorland/veralock-core/internal/credential"
	"github.com/jmorland/veralock-core/internal/device"
	"github.com/jmorland/veralock-core/internal/infrastructure/config"
	"github.com/jmorland/veralock-core/internal/infrastructure/database"
	"github.com/jmorland/veralock-core/internal/infrastructure/influxdb"
	"github.com/jmorland/veralock-core/internal/infrastructure/logging"
	"github.com/jmorland/veralock-core/internal/infrastructure/mqtt"
	"github.com/jmorland/veralock-core/internal/monitor"
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

func main() {
	// Cancel on interrupt signals (Ctrl+C, SIGTERM) for graceful shutdown.
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
	log.Info("starting Veralock Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

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
	db, err := database.Open(ctx, database.Config{
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

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Repositories and the audit chain share the one connection pool.
	deviceRepo := device.NewSQLiteRepository(db.DB)
	credentialRepo := credential.NewSQLiteRepository(db.DB)
	commandRepo := command.NewSQLiteRepository(db.DB)
	auditChain := audit.NewChain(db.DB)

	// Connect to MQTT broker
	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log)
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	// Connect to InfluxDB (optional)
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
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	// A nil *influxdb.Client must not be wrapped in a non-nil interface.
	var accessTelemetry access.Telemetry
	var commandTelemetry command.BatteryTelemetry
	var monitorTelemetry monitor.Telemetry
	if influxClient != nil {
		accessTelemetry = influxClient
		commandTelemetry = influxClient
		monitorTelemetry = influxClient
	}

	// Access decision engine
	verifier := access.NewVerifier(time.Duration(cfg.Security.ReplayWindow) * time.Second)
	engine := access.NewEngine(deviceRepo, credentialRepo, verifier, auditChain, accessTelemetry, log)

	// Command dispatch with fallback timers
	dispatcher := command.NewDispatcher(deviceRepo, commandRepo, mqttClient, auditChain, commandTelemetry,
		command.Windows{
			Unlock: time.Duration(cfg.Fallback.UnlockWindow) * time.Second,
			Lock:   time.Duration(cfg.Fallback.LockWindow) * time.Second,
		}, log)
	defer func() {
		log.Info("stopping command dispatcher")
		dispatcher.Close()
	}()

	// Response correlation from device topics
	correlator := command.NewCorrelator(deviceRepo, commandRepo, dispatcher, mqttClient, auditChain, commandTelemetry, log)
	if startErr := correlator.Start(); startErr != nil {
		return fmt.Errorf("starting correlator: %w", startErr)
	}
	log.Info("correlator subscribed to device topics")

	// Background health sweeps (battery, offline detection)
	if cfg.Monitor.Enabled {
		mon := monitor.New(deviceRepo, auditChain, monitorTelemetry, monitor.Options{
			BatterySweep: cfg.Monitor.BatterySweep,
			OfflineSweep: cfg.Monitor.OfflineSweep,
			OfflineAfter: time.Duration(cfg.Monitor.OfflineAfter) * time.Second,
		}, log)
		if startErr := mon.Start(); startErr != nil {
			return fmt.Errorf("starting monitor: %w", startErr)
		}
		defer func() {
			log.Info("stopping monitor")
			mon.Stop()
		}()
		log.Info("monitor started",
			"battery_sweep", cfg.Monitor.BatterySweep,
			"offline_sweep", cfg.Monitor.OfflineSweep,
		)
	} else {
		log.Info("monitor disabled")
	}

	// HTTP API
	apiServer, err := api.New(api.Deps{
		Config:     cfg.API,
		Security:   cfg.Security,
		Logger:     log,
		Engine:     engine,
		Dispatcher: dispatcher,
		Devices:    deviceRepo,
		Commands:   commandRepo,
		Audit:      auditChain,
		Transport:  mqttClient,
		Version:    version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if startErr := apiServer.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		log.Info("stopping API server")
		if closeErr := apiServer.Close(); closeErr != nil {
			log.Error("error stopping API server", "error", closeErr)
		}
	}()
	log.Info("API server listening",
		"host", cfg.API.Host,
		"port", cfg.API.Port,
		"tls", cfg.API.TLS.Enabled,
	)

	// Verify all connections are healthy
	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order:
	// API server, monitor, dispatcher, InfluxDB, MQTT, database.

	log.Info("Veralock Core stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses VERALOCK_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("VERALOCK_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies all infrastructure connections are healthy.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}
