package influxdb

import "errors"

var (
	// ErrNotConnected is returned by HealthCheck once the history store
	// has been closed or was never reached.
	ErrNotConnected = errors.New("influxdb: telemetry store not connected")

	// ErrConnectionFailed wraps the ping failure seen at startup.
	ErrConnectionFailed = errors.New("influxdb: telemetry store unreachable")

	// ErrDisabled means the influxdb section has enabled: false; the
	// gateway then runs without telemetry history.
	ErrDisabled = errors.New("influxdb: telemetry history disabled")
)
