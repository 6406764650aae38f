package process

import (
	"context"
	"path/filepath"
	"time"

	"github.com/nerrad567/gray-logic-mesh/internal/infrastructure/config"
)

// ForDaemon builds the supervision config for the radio daemon.
//
// healthCheck is the watchdog probe, normally the meshd link's HealthCheck.
// A daemon that is running but has dropped its socket is killed and
// restarted after the default number of failed probes.
func ForDaemon(cfg config.MeshDaemonConfig, healthCheck func(ctx context.Context) error) Config {
	pc := DefaultConfig(filepath.Base(cfg.Binary), cfg.Binary, cfg.Args)
	pc.RestartOnFailure = cfg.RestartOnFailure
	pc.MaxRestartAttempts = cfg.MaxRestartAttempts
	pc.HealthCheckFunc = healthCheck

	if cfg.RestartDelaySeconds > 0 {
		pc.RestartDelay = time.Duration(cfg.RestartDelaySeconds) * time.Second
	}
	if cfg.HealthCheckInterval > 0 {
		pc.HealthCheckInterval = cfg.HealthCheckInterval
	}
	return pc
}
