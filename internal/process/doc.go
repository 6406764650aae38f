// Package process supervises the radio daemon as a child process.
//
// When the gateway is configured to manage meshd itself, a Manager starts
// the daemon binary, logs its output line by line, restarts it when it
// exits and kills it when the watchdog reports the link unhealthy.
//
// Features:
//   - Own process group, stopped with SIGTERM then SIGKILL
//   - Exponential restart backoff, reset after a stable run
//   - Watchdog probe with a consecutive-failure limit
//   - Missing or non-executable binaries end supervision instead of looping
//
// Example usage:
//
//	mgr := process.NewManager(process.ForDaemon(cfg.Mesh.Daemon, link.HealthCheck))
//	if err := mgr.Start(ctx); err != nil {
//	    return err
//	}
//	defer mgr.Stop()
package process
