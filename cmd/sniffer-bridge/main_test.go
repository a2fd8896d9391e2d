package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/modbus-sniffer-bridge/internal/bridges/modbus"
	"github.com/nerrad567/modbus-sniffer-bridge/internal/infrastructure/config"
	"github.com/nerrad567/modbus-sniffer-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/modbus-sniffer-bridge/internal/infrastructure/mqtt"
)

// TestRun_InvalidConfig verifies run fails with invalid config path.
func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv(configEnv, "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx)
	if err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
	if !strings.Contains(err.Error(), "loading config") {
		t.Errorf("run() error = %v, want a config error", err)
	}
}

// TestRun_InvalidRegisterMap verifies a bad map is fatal before any
// broker connection is attempted.
func TestRun_InvalidRegisterMap(t *testing.T) {
	tmpDir := t.TempDir()
	mapPath := filepath.Join(tmpDir, "register-map.yaml")
	configPath := filepath.Join(tmpDir, "test-config.yaml")

	if err := os.WriteFile(mapPath, []byte("mappings:\n  - register: 40001\n"), 0600); err != nil {
		t.Fatalf("failed to write test map: %v", err)
	}

	configContent := `
capture:
  binary: /nonexistent/sniffer
  timeout_ms: 1000

register_map:
  path: "` + mapPath + `"

mqtt:
  broker:
    host: "127.0.0.1"
    port: 1
    client_id: "test-client"

database:
  enabled: false

logging:
  level: error
  format: text
  output: stdout
`
	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	t.Setenv(configEnv, configPath)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx)
	if err == nil {
		t.Fatal("run() should fail with an invalid register map")
	}
	if !strings.Contains(err.Error(), "loading register map") {
		t.Errorf("run() error = %v, want a register map error", err)
	}
}

// TestLoadConfig_DefaultsWithoutFile verifies a missing default file
// falls back to defaults plus environment.
func TestLoadConfig_DefaultsWithoutFile(t *testing.T) {
	t.Setenv(configEnv, "")
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg, path, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if path != "" {
		t.Errorf("path = %q, want empty", path)
	}
	if cfg.MQTT.Broker.Port != 1883 {
		t.Errorf("MQTT port = %d, want default 1883", cfg.MQTT.Broker.Port)
	}
}

func TestGetConfigPath(t *testing.T) {
	t.Setenv(configEnv, "")
	if path, explicit := getConfigPath(); path != defaultConfigPath || explicit {
		t.Errorf("getConfigPath() = %q, %v; want %q, false", path, explicit, defaultConfigPath)
	}

	t.Setenv(configEnv, "/etc/sniffer/config.yaml")
	if path, explicit := getConfigPath(); path != "/etc/sniffer/config.yaml" || !explicit {
		t.Errorf("getConfigPath() = %q, %v; want env path, true", path, explicit)
	}
}

func TestOptionMappers(t *testing.T) {
	cfg := &config.Config{
		Capture: config.CaptureConfig{
			Binary:              "/usr/local/bin/sniffer",
			Args:                []string{"--silent", "-p", "/dev/ttyUSB0"},
			GracefulStopSeconds: 3,
		},
		Transform: config.TransformConfig{TimeoutMS: 25, MaxSteps: 500},
		Discovery: config.DiscoveryConfig{
			Enabled: true,
			Prefix:  "ha",
			Device: config.DeviceConfig{
				Identifiers: "ahu-1",
				Name:        "AHU",
			},
		},
	}

	pc := captureConfig(cfg)
	if pc.Name != "sniffer" || pc.Binary != "/usr/local/bin/sniffer" {
		t.Errorf("captureConfig() = %+v", pc)
	}
	if len(pc.Args) != 3 || pc.GracefulTimeout != 3*time.Second {
		t.Errorf("captureConfig() args/timeout = %v, %v", pc.Args, pc.GracefulTimeout)
	}

	lim := transformLimits(cfg)
	if lim.MaxSteps != 500 || lim.Timeout != 25*time.Millisecond {
		t.Errorf("transformLimits() = %+v", lim)
	}

	d := discoveryOptions(cfg)
	if d == nil {
		t.Fatal("discoveryOptions() = nil with discovery enabled")
	}
	if d.Prefix != "ha" || d.Device.Identifiers != "ahu-1" || d.Device.Name != "AHU" {
		t.Errorf("discoveryOptions() = %+v", d)
	}

	cfg.Discovery.Enabled = false
	if d := discoveryOptions(cfg); d != nil {
		t.Errorf("discoveryOptions() = %+v with discovery disabled, want nil", d)
	}
}

func TestHistoryOf_NilRecorder(t *testing.T) {
	if h := historyOf(nil); h != nil {
		t.Errorf("historyOf(nil) = %v, want untyped nil", h)
	}
}

func TestLogSummary(t *testing.T) {
	var buf strings.Builder
	log := logging.NewWithWriter(config.LoggingConfig{Level: "info", Format: "text"}, "test", &buf)

	start := time.Now().Add(-1500 * time.Millisecond)
	logSummary(log, modbus.BridgeStatus{
		Session: modbus.Summary{
			ID:         "s1",
			Reason:     "timeout",
			StartedAt:  start,
			FinishedAt: start.Add(1500 * time.Millisecond),
			Expected:   3,
			Observed:   2,
			Frames:     1200,
			Missing:    []string{"40010"},
		},
		Stream: modbus.DemuxerStats{BytesFed: 2048, Records: 1234},
	})

	out := buf.String()
	for _, want := range []string{"reason=timeout", "observed=2/3", "records=1,234", "stream=\"2.0 kB\"", "duration=1.5s"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary %q missing %q", out, want)
		}
	}
}

func TestComponentChecks_OptionalComponents(t *testing.T) {
	checks := componentChecks(nil, &mqtt.Client{}, nil)
	if len(checks) != 1 {
		t.Fatalf("componentChecks() = %v, want mqtt only", checks)
	}
	if _, ok := checks["mqtt"]; !ok {
		t.Error("mqtt check missing")
	}

	if w := sampleWriter(nil); w != nil {
		t.Errorf("sampleWriter(nil) = %v, want untyped nil", w)
	}
}
