package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Status represents the current state of a managed process.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusFailed   Status = "failed"
)

// Defaults applied by NewManager to zero-valued fields.
const (
	defaultRestartDelay        = 5 * time.Second
	defaultMaxRestartDelay     = 5 * time.Minute
	defaultStableThreshold     = 2 * time.Minute
	defaultGracefulTimeout     = 10 * time.Second
	defaultHealthCheckInterval = 30 * time.Second
	defaultWatchdogFailures    = 3
)

// healthCheckTimeout bounds a single watchdog probe.
const healthCheckTimeout = 5 * time.Second

// maxOutputLine bounds one captured line of daemon output.
const maxOutputLine = 64 * 1024

// Config holds configuration for a managed subprocess.
type Config struct {
	// Name is a human-readable identifier for logging.
	Name string

	// Binary is the path to the executable.
	Binary string

	// Args are command-line arguments to pass to the binary.
	Args []string

	// Env are additional environment variables (key=value format).
	// If nil, inherits from parent process.
	Env []string

	// WorkDir is the working directory for the process.
	// If empty, inherits from parent process.
	WorkDir string

	// RestartOnFailure enables automatic restart when the process exits unexpectedly.
	RestartOnFailure bool

	// RestartDelay is the wait before the first restart. It doubles on each
	// consecutive failure up to MaxRestartDelay.
	RestartDelay    time.Duration
	MaxRestartDelay time.Duration

	// StableThreshold is how long a run must last before the restart
	// counter and backoff are reset.
	StableThreshold time.Duration

	// MaxRestartAttempts limits consecutive restart attempts. 0 means unlimited.
	MaxRestartAttempts int

	// GracefulTimeout is how long to wait after SIGTERM before SIGKILL.
	GracefulTimeout time.Duration

	// HealthCheckFunc is the watchdog probe. If nil, a running process is healthy.
	HealthCheckFunc     func(ctx context.Context) error
	HealthCheckInterval time.Duration

	// WatchdogFailures is the number of consecutive failed probes after which
	// the process is killed and restarted.
	WatchdogFailures int

	// OnStart is called with the child's pid each time the process starts,
	// including restarts.
	OnStart func(pid int)

	// OnStop is called when the process stops (either normally or due to failure).
	OnStop func(err error)

	// OnRestart is called before each restart attempt.
	OnRestart func(attempt int)
}

// DefaultConfig returns a Config that restarts on failure.
func DefaultConfig(name, binary string, args []string) Config {
	return Config{
		Name:                name,
		Binary:              binary,
		Args:                args,
		RestartOnFailure:    true,
		RestartDelay:        defaultRestartDelay,
		MaxRestartDelay:     defaultMaxRestartDelay,
		StableThreshold:     defaultStableThreshold,
		MaxRestartAttempts:  10,
		GracefulTimeout:     defaultGracefulTimeout,
		HealthCheckInterval: defaultHealthCheckInterval,
		WatchdogFailures:    defaultWatchdogFailures,
	}
}

// Validate checks that the process can be launched.
func (c Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidConfig)
	}
	if c.Binary == "" {
		return fmt.Errorf("%w: %s: binary is required", ErrInvalidConfig, c.Name)
	}
	if c.MaxRestartAttempts < 0 {
		return fmt.Errorf("%w: %s: max restart attempts must be >= 0", ErrInvalidConfig, c.Name)
	}
	return nil
}

// Logger defines the logging interface for the process manager.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// RecoverableError lets an error state whether a restart can help.
type RecoverableError interface {
	error
	IsRecoverable() bool
}

// IsRecoverable reports whether supervision should keep restarting after err.
// Errors that do not implement RecoverableError are treated as recoverable.
func IsRecoverable(err error) bool {
	if err == nil {
		return true
	}
	var re RecoverableError
	if errors.As(err, &re) {
		return re.IsRecoverable()
	}
	return true
}

// startError wraps a launch failure. A missing or non-executable binary
// will not fix itself, so it is not recoverable.
type startError struct {
	name string
	err  error
}

func (e *startError) Error() string { return fmt.Sprintf("starting %s: %v", e.name, e.err) }
func (e *startError) Unwrap() error { return e.err }

func (e *startError) IsRecoverable() bool {
	return !errors.Is(e.err, exec.ErrNotFound) &&
		!errors.Is(e.err, os.ErrNotExist) &&
		!errors.Is(e.err, os.ErrPermission)
}

// Manager supervises one long-running subprocess.
//
// The process runs in its own process group so Stop reaches any children.
// Unexpected exits are restarted with exponential backoff; a run that
// outlives StableThreshold resets the backoff. The optional watchdog kills
// a process that stays unhealthy for WatchdogFailures probes in a row.
type Manager struct {
	config Config
	logger Logger

	mu            sync.RWMutex
	cmd           *exec.Cmd
	status        Status
	restartCount  int
	lastError     error
	startTime     time.Time
	stopRequested bool

	// stop is closed by Stop; done is closed when the monitor goroutine exits.
	stop chan struct{}
	done chan struct{}
}

// NewManager creates a new process manager with the given configuration.
func NewManager(cfg Config) *Manager {
	if cfg.RestartDelay == 0 {
		cfg.RestartDelay = defaultRestartDelay
	}
	if cfg.MaxRestartDelay == 0 {
		cfg.MaxRestartDelay = defaultMaxRestartDelay
	}
	if cfg.StableThreshold == 0 {
		cfg.StableThreshold = defaultStableThreshold
	}
	if cfg.GracefulTimeout == 0 {
		cfg.GracefulTimeout = defaultGracefulTimeout
	}
	if cfg.HealthCheckInterval == 0 {
		cfg.HealthCheckInterval = defaultHealthCheckInterval
	}
	if cfg.WatchdogFailures == 0 {
		cfg.WatchdogFailures = defaultWatchdogFailures
	}

	return &Manager{
		config: cfg,
		logger: noopLogger{},
		status: StatusStopped,
	}
}

// SetLogger sets the logger for the manager.
func (m *Manager) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	m.mu.Lock()
	m.logger = logger
	m.mu.Unlock()
}

func (m *Manager) log() Logger {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.logger
}

// Start launches the subprocess and begins monitoring it.
// The process is restarted on failure if configured, until Stop is
// called or ctx is cancelled.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.config.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	if m.status == StatusRunning || m.status == StatusStarting {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, m.config.Name)
	}
	m.status = StatusStarting
	m.stopRequested = false
	m.restartCount = 0
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	m.mu.Unlock()

	if err := m.startProcess(ctx); err != nil {
		m.mu.Lock()
		m.status = StatusFailed
		m.lastError = err
		close(m.done)
		m.mu.Unlock()
		return err
	}

	go m.monitor(ctx)
	return nil
}

// startProcess launches the binary in a new process group.
func (m *Manager) startProcess(ctx context.Context) error {
	logger := m.log()
	logger.Info("starting process",
		"name", m.config.Name,
		"binary", m.config.Binary,
		"args", m.config.Args,
	)

	cmd := exec.CommandContext(ctx, m.config.Binary, m.config.Args...) //nolint:gosec // Binary comes from validated config
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	// CommandContext would SIGKILL only the leader; Stop signals the group.
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = m.config.GracefulTimeout

	if m.config.Env != nil {
		cmd.Env = append(os.Environ(), m.config.Env...)
	}
	if m.config.WorkDir != "" {
		cmd.Dir = m.config.WorkDir
	}

	cmd.Stdout = &lineWriter{m: m, stream: "stdout"}
	cmd.Stderr = &lineWriter{m: m, stream: "stderr"}

	if err := cmd.Start(); err != nil {
		return &startError{name: m.config.Name, err: err}
	}

	m.mu.Lock()
	m.cmd = cmd
	m.status = StatusRunning
	m.startTime = time.Now()
	m.mu.Unlock()

	logger.Info("process started", "name", m.config.Name, "pid", cmd.Process.Pid)

	if m.config.OnStart != nil {
		m.config.OnStart(cmd.Process.Pid)
	}
	return nil
}

// lineWriter logs daemon output one line at a time.
// exec copies into it on its own goroutine and Wait drains it.
type lineWriter struct {
	m       *Manager
	stream  string
	partial []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.partial = append(w.partial, p...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		w.emit(w.partial[:i])
		w.partial = w.partial[i+1:]
	}
	if len(w.partial) > maxOutputLine {
		w.emit(w.partial)
		w.partial = nil
	}
	return len(p), nil
}

func (w *lineWriter) emit(line []byte) {
	w.m.log().Debug("process output",
		"name", w.m.config.Name,
		"stream", w.stream,
		"line", string(bytes.TrimRight(line, "\r")),
	)
}

// waitForExitOrHealthFailure waits for the process to exit, or kills it
// once the watchdog has failed WatchdogFailures times in a row.
func (m *Manager) waitForExitOrHealthFailure(ctx context.Context, cmd *exec.Cmd) error {
	exitCh := make(chan error, 1)
	go func() {
		exitCh <- cmd.Wait()
	}()

	if m.config.HealthCheckFunc == nil {
		return <-exitCh
	}

	ticker := time.NewTicker(m.config.HealthCheckInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case err := <-exitCh:
			return err

		case <-ctx.Done():
			return <-exitCh

		case <-ticker.C:
			checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
			err := m.config.HealthCheckFunc(checkCtx)
			cancel()

			if err == nil {
				if failures > 0 {
					m.log().Info("health check recovered", "name", m.config.Name, "previous_failures", failures)
				}
				failures = 0
				continue
			}

			failures++
			m.log().Warn("health check failed",
				"name", m.config.Name,
				"error", err,
				"consecutive_failures", failures,
			)
			if failures < m.config.WatchdogFailures {
				continue
			}

			m.log().Error("health check failed repeatedly, killing process",
				"name", m.config.Name,
				"failures", failures,
			)
			//nolint:errcheck // Process may already be gone
			syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)

			select {
			case <-exitCh:
			case <-time.After(healthCheckTimeout):
			}
			return fmt.Errorf("%w: %d consecutive failures", ErrWatchdog, failures)
		}
	}
}

// calculateBackoffDelay returns RestartDelay doubled per previous attempt,
// capped at MaxRestartDelay.
func (m *Manager) calculateBackoffDelay(attempt int) time.Duration {
	delay := m.config.RestartDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= m.config.MaxRestartDelay {
			return m.config.MaxRestartDelay
		}
	}
	return delay
}

// monitor watches the process and handles restarts.
func (m *Manager) monitor(ctx context.Context) {
	defer close(m.done)

	for {
		m.mu.RLock()
		cmd := m.cmd
		m.mu.RUnlock()
		if cmd == nil {
			return
		}

		err := m.waitForExitOrHealthFailure(ctx, cmd)

		m.mu.Lock()
		stopRequested := m.stopRequested || ctx.Err() != nil
		ranFor := time.Since(m.startTime)
		m.mu.Unlock()

		if stopRequested {
			m.log().Info("process stopped as requested", "name", m.config.Name)
			m.setStopped(nil)
			if m.config.OnStop != nil {
				m.config.OnStop(nil)
			}
			return
		}

		m.log().Warn("process exited unexpectedly",
			"name", m.config.Name,
			"error", err,
			"ran_for", ranFor.Round(time.Second).String(),
		)
		m.setFailed(err)
		if m.config.OnStop != nil {
			m.config.OnStop(err)
		}

		if !m.config.RestartOnFailure {
			m.log().Info("restart disabled, not restarting", "name", m.config.Name)
			return
		}

		if !m.restartAfterFailure(ctx, ranFor) {
			return
		}
	}
}

// restartAfterFailure waits out the backoff and relaunches the process.
// It returns false when supervision should end.
func (m *Manager) restartAfterFailure(ctx context.Context, ranFor time.Duration) bool {
	for {
		m.mu.Lock()
		if ranFor >= m.config.StableThreshold {
			m.restartCount = 0
		}
		ranFor = 0
		m.restartCount++
		attempt := m.restartCount
		m.mu.Unlock()

		if m.config.MaxRestartAttempts > 0 && attempt > m.config.MaxRestartAttempts {
			m.log().Error("max restart attempts reached", "name", m.config.Name, "attempts", attempt-1)
			return false
		}

		delay := m.calculateBackoffDelay(attempt)
		m.log().Info("restarting process", "name", m.config.Name, "attempt", attempt, "delay", delay.String())

		if m.config.OnRestart != nil {
			m.config.OnRestart(attempt)
		}

		select {
		case <-ctx.Done():
			m.log().Info("context cancelled, not restarting", "name", m.config.Name)
			m.setStopped(nil)
			return false
		case <-m.stop:
			m.setStopped(nil)
			return false
		case <-time.After(delay):
		}

		err := m.startProcess(ctx)
		if err == nil {
			return true
		}

		m.log().Error("failed to restart process", "name", m.config.Name, "error", err)
		m.setFailed(err)
		if !IsRecoverable(err) {
			return false
		}
	}
}

func (m *Manager) setStopped(err error) {
	m.mu.Lock()
	m.status = StatusStopped
	if err != nil {
		m.lastError = err
	}
	m.mu.Unlock()
}

func (m *Manager) setFailed(err error) {
	m.mu.Lock()
	m.status = StatusFailed
	m.lastError = err
	m.mu.Unlock()
}

// Stop gracefully stops the subprocess and ends supervision.
// It sends SIGTERM to the process group, then SIGKILL after GracefulTimeout.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if !m.stopRequested && m.stop != nil {
		close(m.stop)
	}
	m.stopRequested = true
	cmd := m.cmd
	done := m.done
	running := m.status == StatusRunning || m.status == StatusStarting
	m.mu.Unlock()

	if done == nil {
		return nil
	}
	if !running || cmd == nil || cmd.Process == nil {
		<-done
		return nil
	}

	pid := cmd.Process.Pid
	m.log().Info("stopping process", "name", m.config.Name, "pid", pid)

	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		m.log().Warn("failed to send SIGTERM to process group", "name", m.config.Name, "error", err)
	}

	select {
	case <-done:
		m.log().Info("process stopped gracefully", "name", m.config.Name)
		return nil
	case <-time.After(m.config.GracefulTimeout):
		m.log().Warn("graceful shutdown timeout, sending SIGKILL",
			"name", m.config.Name,
			"timeout", m.config.GracefulTimeout.String(),
		)
	}

	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("killing process group %s: %w", m.config.Name, err)
	}

	<-done
	m.log().Info("process killed", "name", m.config.Name)
	return nil
}

// Status returns the current status of the managed process.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// IsRunning returns true if the process is currently running.
func (m *Manager) IsRunning() bool {
	return m.Status() == StatusRunning
}

// LastError returns the last error that caused the process to exit.
func (m *Manager) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastError
}

// RestartCount returns the number of consecutive restarts.
func (m *Manager) RestartCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.restartCount
}

// Uptime returns how long the current run has lasted, or 0 if not running.
func (m *Manager) Uptime() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.status != StatusRunning {
		return 0
	}
	return time.Since(m.startTime)
}

// PID returns the process ID, or 0 if not running.
func (m *Manager) PID() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.status == StatusRunning && m.cmd != nil && m.cmd.Process != nil {
		return m.cmd.Process.Pid
	}
	return 0
}

// Stats describes the managed process.
type Stats struct {
	Name         string        `json:"name"`
	Status       Status        `json:"status"`
	PID          int           `json:"pid,omitempty"`
	Uptime       time.Duration `json:"uptime,omitempty"`
	RestartCount int           `json:"restart_count"`
	LastError    string        `json:"last_error,omitempty"`
}

// Stats returns current statistics for the process.
func (m *Manager) Stats() Stats {
	stats := Stats{
		Name:         m.config.Name,
		Status:       m.Status(),
		PID:          m.PID(),
		Uptime:       m.Uptime(),
		RestartCount: m.RestartCount(),
	}
	if err := m.LastError(); err != nil {
		stats.LastError = err.Error()
	}
	return stats
}
