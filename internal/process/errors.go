package process

import "errors"

// Sentinel errors for process supervision.
var (
	// ErrInvalidConfig indicates the process cannot be launched as configured.
	ErrInvalidConfig = errors.New("process: invalid config")

	// ErrAlreadyRunning is returned by Start while a process is supervised.
	ErrAlreadyRunning = errors.New("process: already running")

	// ErrWatchdog indicates the process was killed after failing health checks.
	ErrWatchdog = errors.New("process: watchdog killed unhealthy process")
)
