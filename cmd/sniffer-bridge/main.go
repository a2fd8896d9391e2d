// Modbus Sniffer Bridge
//
// This is the main entry point for the passive Modbus RTU sniffer bridge.
// It runs an external capture tool that writes a pcap stream to stdout,
// decodes the Write Multiple Registers requests it sees, and publishes
// every register named in the register map to MQTT. One run is one
// capture session: the process exits once every mapped register has been
// published, when the capture deadline passes, or on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	_ "github.com/nerrad567/modbus-sniffer-bridge/migrations"

	"github.com/nerrad567/modbus-sniffer-bridge/internal/api"
	"github.com/nerrad567/modbus-sniffer-bridge/internal/bridges/modbus"
	"github.com/nerrad567/modbus-sniffer-bridge/internal/infrastructure/config"
	"github.com/nerrad567/modbus-sniffer-bridge/internal/infrastructure/database"
	"github.com/nerrad567/modbus-sniffer-bridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/modbus-sniffer-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/modbus-sniffer-bridge/internal/infrastructure/metrics"
	"github.com/nerrad567/modbus-sniffer-bridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/modbus-sniffer-bridge/internal/process"
	"github.com/nerrad567/modbus-sniffer-bridge/internal/transform"
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

// configEnv names the environment variable holding the config file path.
const configEnv = "SNIFFER_BRIDGE_CONFIG"

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
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil when the capture session ends, or error describing failure
func run(ctx context.Context) error { //nolint:gocognit,gocyclo // Linear wiring of optional components
	log := logging.Default()
	log.Info("starting modbus sniffer bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, configPath, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log = logging.New(cfg.Logging, version)
	if configPath == "" {
		log.Info("no config file, using defaults and environment")
	} else {
		log.Info("configuration loaded", "path", configPath)
	}

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	met := metrics.New(reg)

	// Register map
	registers := modbus.NewRegisterMap(modbus.Options{
		Debounce:        cfg.ReloadDebounce(),
		TransformLimits: transformLimits(cfg),
		Logger:          log.With("component", "register_map"),
		Metrics:         met,
	})
	if loadErr := registers.Load(cfg.RegisterMap.Path); loadErr != nil {
		return fmt.Errorf("loading register map: %w", loadErr)
	}
	if cfg.RegisterMap.Watch {
		if watchErr := registers.Watch(ctx); watchErr != nil {
			log.Warn("register map hot reload unavailable", "error", watchErr)
		} else {
			log.Info("watching register map for changes", "path", cfg.RegisterMap.Path)
		}
	}

	// MQTT
	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		registers.Close()
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
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
		"status_topic", mqttClient.Topics().BridgeStatus(),
	)

	// Capture history (optional)
	var (
		db       *database.DB
		recorder *modbus.Recorder
	)
	if cfg.Database.Enabled {
		opened, openErr := database.Open(ctx, database.Config{
			Path:        cfg.Database.Path,
			WALMode:     cfg.Database.WALMode,
			BusyTimeout: cfg.Database.BusyTimeout,
		})
		if openErr != nil {
			shutdownTransport(log, mqttClient, registers)
			return fmt.Errorf("opening database: %w", openErr)
		}
		db = opened
		defer func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()
		if migrateErr := db.Migrate(ctx); migrateErr != nil {
			shutdownTransport(log, mqttClient, registers)
			return fmt.Errorf("running migrations: %w", migrateErr)
		}
		if schema, schemaErr := db.SchemaVersion(ctx); schemaErr == nil {
			log.Info("database ready", "schema_version", schema)
		}

		recorder = modbus.NewRecorder(db.DB)
		recorder.SetLogger(log.With("component", "recorder"))
		if startErr := recorder.Start(); startErr != nil {
			shutdownTransport(log, mqttClient, registers)
			return fmt.Errorf("starting recorder: %w", startErr)
		}
		defer recorder.Stop()
		log.Info("capture history enabled", "path", db.Path())
	}

	// Time series (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		connected, connErr := influxdb.Connect(ctx, cfg.InfluxDB)
		if connErr != nil {
			shutdownTransport(log, mqttClient, registers)
			return fmt.Errorf("connecting to InfluxDB: %w", connErr)
		}
		influxClient = connected
		defer func() {
			log.Info("closing InfluxDB connection", "failed_writes", influxClient.Failures())
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		shutdownTransport(log, mqttClient, registers)
		return fmt.Errorf("health check failed: %w", err)
	}

	bridge := modbus.NewBridge(modbus.BridgeOptions{
		Map:            registers,
		MQTT:           mqttClient,
		Capture:        captureConfig(cfg),
		SessionTimeout: cfg.CaptureTimeout(),
		AddressOffset:  cfg.AddressOffset(),
		DefaultQoS:     byte(cfg.MQTT.QoS),
		DefaultRetain:  cfg.MQTT.Retain,
		Discovery:      discoveryOptions(cfg),
		Recorder:       recorder,
		Samples:        sampleWriter(influxClient),
		Logger:         log.With("component", "bridge"),
		Metrics:        met,
	})

	// Status server (optional)
	if cfg.Status.Enabled {
		srv, newErr := api.New(api.Deps{
			Config:   cfg.Status,
			Logger:   log.With("component", "status"),
			Status:   bridge,
			Map:      registers,
			History:  historyOf(recorder),
			Gatherer: reg,
			Checks:   componentChecks(db, mqttClient, influxClient),
			Version:  version,
		})
		if newErr != nil {
			shutdownTransport(log, mqttClient, registers)
			return fmt.Errorf("creating status server: %w", newErr)
		}
		bridge.OnObservation(srv.BroadcastObservation)
		bridge.OnFinish(srv.BroadcastSessionFinished)
		if startErr := srv.Start(ctx); startErr != nil {
			shutdownTransport(log, mqttClient, registers)
			return fmt.Errorf("starting status server: %w", startErr)
		}
		defer func() {
			if closeErr := srv.Close(); closeErr != nil {
				log.Error("error closing status server", "error", closeErr)
			}
		}()
	}

	if err := bridge.Start(ctx); err != nil {
		shutdownTransport(log, mqttClient, registers)
		return fmt.Errorf("starting capture session: %w", err)
	}

	select {
	case <-bridge.Done():
	case <-ctx.Done():
		log.Info("shutdown signal received, stopping capture")
		bridge.Stop()
	}

	logSummary(log, bridge.Status())
	if db != nil {
		if size, sizeErr := db.Size(); sizeErr == nil {
			log.Info("capture history size", "path", db.Path(), "size", humanize.Bytes(uint64(size)))
		}
	}

	// The bridge has stopped accepting frames and stopped the sniffer;
	// the remaining steps are ours. Deferred closes (status server,
	// InfluxDB, recorder, database) run after.
	shutdownTransport(log, mqttClient, registers)

	log.Info("modbus sniffer bridge stopped")
	return nil
}

// loadConfig resolves the config path and loads it. A missing default
// file is not an error: the bridge then runs from defaults plus
// environment and the returned path is empty.
func loadConfig() (*config.Config, string, error) {
	path, explicit := getConfigPath()
	cfg, err := config.Load(path)
	if err != nil && !explicit && errors.Is(err, fs.ErrNotExist) {
		cfg, err = config.Load("")
		path = ""
	}
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

// getConfigPath returns the configuration file path and whether it was
// set explicitly through SNIFFER_BRIDGE_CONFIG.
func getConfigPath() (string, bool) {
	if path := os.Getenv(configEnv); path != "" {
		return path, true
	}
	return defaultConfigPath, false
}

// shutdownTransport closes MQTT, then releases the register map.
func shutdownTransport(log *logging.Logger, mqttClient *mqtt.Client, registers *modbus.RegisterMap) {
	log.Info("disconnecting from MQTT")
	if err := mqttClient.Close(); err != nil {
		log.Error("error closing MQTT", "error", err)
	}
	st := mqttClient.Stats()
	log.Info("MQTT closed", "published", st.Published, "failed", st.Failed, "reconnects", st.Reconnects)
	registers.Close()
}

// healthCheck verifies every connected component before capture starts.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if db != nil {
		if err := db.HealthCheck(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
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

// componentChecks lists the dependencies the status server probes.
func componentChecks(db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) map[string]api.Checker {
	checks := map[string]api.Checker{"mqtt": mqttClient}
	if db != nil {
		checks["database"] = db
	}
	if influxClient != nil {
		checks["influxdb"] = influxClient
	}
	return checks
}

// sampleWriter avoids handing the bridge a typed nil InfluxDB client.
func sampleWriter(c *influxdb.Client) modbus.SampleWriter {
	if c == nil {
		return nil
	}
	return c
}

// transformLimits converts the transform section into evaluator limits.
func transformLimits(cfg *config.Config) transform.Limits {
	return transform.Limits{
		MaxSteps: cfg.Transform.MaxSteps,
		Timeout:  cfg.TransformTimeout(),
	}
}

// captureConfig describes the sniffer subprocess.
func captureConfig(cfg *config.Config) process.Config {
	return process.Config{
		Name:            "sniffer",
		Binary:          cfg.Capture.Binary,
		Args:            cfg.Capture.Args,
		GracefulTimeout: cfg.GracefulStop(),
	}
}

// discoveryOptions returns nil when discovery is disabled.
func discoveryOptions(cfg *config.Config) *modbus.DiscoveryOptions {
	if !cfg.Discovery.Enabled {
		return nil
	}
	d := cfg.Discovery.Device
	return &modbus.DiscoveryOptions{
		Prefix: cfg.Discovery.Prefix,
		Device: modbus.DeviceInfo{
			Identifiers:  d.Identifiers,
			Name:         d.Name,
			SWVersion:    d.SWVersion,
			Model:        d.Model,
			Manufacturer: d.Manufacturer,
		},
	}
}

// historyOf avoids handing the status server a typed nil recorder.
func historyOf(r *modbus.Recorder) api.History {
	if r == nil {
		return nil
	}
	return r
}

// logSummary writes the one-line session outcome.
func logSummary(log *logging.Logger, st modbus.BridgeStatus) {
	sum := st.Session
	log.Info("capture session summary",
		"session", sum.ID,
		"reason", sum.Reason,
		"observed", fmt.Sprintf("%d/%d", sum.Observed, sum.Expected),
		"missing", sum.Missing,
		"records", humanize.Comma(int64(st.Stream.Records)),
		"frames", humanize.Comma(int64(sum.Frames)),
		"unmapped", humanize.Comma(int64(sum.Unmapped)),
		"stream", humanize.Bytes(st.Stream.BytesFed),
		"framing_errors", st.Stream.Errors,
		"duration", sum.Duration().Round(time.Millisecond).String(),
	)
}
