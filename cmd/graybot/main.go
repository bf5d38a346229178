// graybot core: register-level robot controller.
//
// The binary loads a robot definition, opens its buses, runs the sync loops
// that mirror device registers, and exposes the robot over MQTT, InfluxDB
// and an HTTP/WebSocket API.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/nerrad567/graybot-core/migrations"

	"github.com/nerrad567/graybot-core/internal/api"
	"github.com/nerrad567/graybot-core/internal/infrastructure/config"
	"github.com/nerrad567/graybot-core/internal/infrastructure/database"
	"github.com/nerrad567/graybot-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/graybot-core/internal/infrastructure/logging"
	"github.com/nerrad567/graybot-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/graybot-core/internal/robot"
	"github.com/nerrad567/graybot-core/internal/snapshot"
	"github.com/nerrad567/graybot-core/internal/telemetry"
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

// shutdownSnapshotTimeout bounds the snapshot taken while stopping.
const shutdownSnapshotTimeout = 5 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
//
// Components start in dependency order and are torn down in reverse by
// deferred calls.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting graybot core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded", "path", configPath, "level", cfg.Logging.Level)

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
	db.SetLogger(log)
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	rb, err := robot.Load(cfg.Robot.Definition, robot.Options{
		Logger:   log,
		Patience: cfg.StartPatience(),
	})
	if err != nil {
		return fmt.Errorf("loading robot: %w", err)
	}
	if startErr := rb.Start(ctx); startErr != nil {
		return fmt.Errorf("starting robot: %w", startErr)
	}
	defer func() {
		if stopErr := rb.Stop(); stopErr != nil {
			log.Error("error stopping robot", "error", stopErr)
		}
	}()

	snapshots := snapshot.NewSQLiteRepository(db.DB)
	snapshots.SetLogger(log)
	if cfg.Robot.SnapshotOnShutdown {
		// Registered after rb.Stop so it runs first, while the buses are open.
		defer saveShutdownSnapshot(rb, snapshots, log)
	}

	checks := map[string]api.HealthChecker{"database": db}

	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
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
		mqttClient.SetOnDisconnect(func(err error) { log.Warn("MQTT disconnected", "error", err) })
		checks["mqtt"] = mqttClient
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)
	} else {
		log.Info("MQTT disabled")
	}

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
			var werr *influxdb.WriteError
			if errors.As(err, &werr) {
				log.Error("InfluxDB write rejected", "measurements", werr.Measurements,
					"points", werr.Points, "attempt", werr.Attempt, "retried", werr.Retried, "error", werr.Err)
				return
			}
			log.Error("InfluxDB write error", "error", err)
		})
		checks["influxdb"] = influxClient
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("InfluxDB disabled")
	}

	svc, err := startTelemetry(cfg, rb, mqttClient, influxClient, log)
	if err != nil {
		return err
	}
	if svc != nil {
		defer svc.Stop()
	}
	if mqttClient != nil {
		mqttClient.SetOnConnect(reconnectHandler(svc, log))
	}

	if cfg.API.Enabled {
		srv, apiErr := api.New(api.Deps{
			Config:    cfg.API,
			WS:        cfg.WebSocket,
			Logger:    log,
			Robot:     rb,
			Snapshots: snapshots,
			Telemetry: svc,
			Checks:    checks,
			Version:   version,
		})
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if apiErr = srv.Start(ctx); apiErr != nil {
			return fmt.Errorf("starting API server: %w", apiErr)
		}
		defer func() {
			if closeErr := srv.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("API disabled")
	}

	log.Info("initialisation complete, waiting for shutdown signal", "robot", rb.Name())
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")
	return nil
}

// startTelemetry builds and starts the telemetry service. A zero telemetry
// interval disables it and returns nil.
func startTelemetry(cfg *config.Config, rb *robot.Robot, mqttClient *mqtt.Client, influxClient *influxdb.Client, log *logging.Logger) (*telemetry.Service, error) {
	if cfg.Robot.TelemetryInterval == 0 {
		log.Info("telemetry disabled")
		return nil, nil
	}

	opts := telemetry.Options{Logger: log}
	if mqttClient != nil {
		opts.Publisher = mqttClient
	}
	if influxClient != nil {
		opts.Metrics = influxClient
	}
	svc, err := telemetry.New(telemetry.Config{
		Interval: cfg.TelemetryInterval(),
		QoS:      byte(cfg.MQTT.QoS),
		Patience: cfg.StartPatience(),
	}, rb, opts)
	if err != nil {
		return nil, fmt.Errorf("creating telemetry: %w", err)
	}
	rb.SetObserver(svc)
	if err := svc.Start(); err != nil {
		return nil, err
	}
	return svc, nil
}

// reconnectHandler runs when the broker link comes back. The broker may
// have lost retained state topics, so telemetry republishes every device
// and loop on its next cycle. svc may be nil when telemetry is disabled.
func reconnectHandler(svc *telemetry.Service, log *logging.Logger) func() {
	return func() {
		log.Info("MQTT reconnected")
		if svc != nil {
			svc.ResetState()
			log.Debug("telemetry state reset for republish")
		}
	}
}

// saveShutdownSnapshot stores every register before the robot stops.
// Failures are logged; shutdown continues.
func saveShutdownSnapshot(rb *robot.Robot, repo snapshot.Repository, log *logging.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownSnapshotTimeout)
	defer cancel()
	snap, err := repo.Save(ctx, rb.Name(), "shutdown "+time.Now().UTC().Format(time.RFC3339), rb.Devices())
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			log.Error("shutdown snapshot timed out")
			return
		}
		log.Error("shutdown snapshot failed", "error", err)
		return
	}
	log.Info("shutdown snapshot stored", "id", snap.ID, "values", len(snap.Values))
}

// getConfigPath returns GRAYBOT_CONFIG when set, else the default path.
func getConfigPath() string {
	if path := os.Getenv("GRAYBOT_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
