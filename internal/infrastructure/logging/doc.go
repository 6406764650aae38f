// Package logging provides structured logging for the mesh gateway.
//
// This package wraps Go's standard log/slog package so every component
// logs with the same fields and format.
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	logger.Info("node provisioned", "address", "0x0010")
//
// Never log MQTT passwords or InfluxDB tokens.
package logging
