// Package logging provides structured logging for the sniffer bridge.
//
// It wraps log/slog so every component logs the same way: JSON for
// deployments, text for a terminal, and a service/version pair on every
// entry.
//
// Configuration:
//
//	logging:
//	  level: "info"      # debug, info, warn, error (LOG_LEVEL overrides)
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Usage:
//
//	logger := logging.New(cfg.Logging, version)
//	logger.Info("capture started", "timeout", cfg.CaptureTimeout())
//
// Never log broker passwords or InfluxDB tokens.
package logging
