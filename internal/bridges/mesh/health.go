package mesh

import (
	"context"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-mesh/internal/provisioner"
)

// defaultHealthInterval is the health publish period when none is configured.
const defaultHealthInterval = 30 * time.Second

// HealthPublisher is the interface for publishing health messages.
// This is typically implemented by an MQTT client.
type HealthPublisher interface {
	// PublishRetained sends a QoS 1 retained message so late subscribers
	// see the current gateway state.
	PublishRetained(topic string, payload []byte) error

	// IsConnected returns true if the publisher is connected.
	IsConnected() bool
}

// HealthReporterConfig holds configuration for the health reporter.
type HealthReporterConfig struct {
	GatewayID string
	Version   string

	// Topic is the retained health topic ({prefix}/gateway/health).
	Topic string

	// Interval is how often to publish health status.
	// Default: 30 seconds.
	Interval time.Duration

	Publisher HealthPublisher
	Link      Connector

	// Snapshot supplies node counts and activity counters at publish time.
	Snapshot func() HealthSnapshot
}

// HealthSnapshot is the gateway state folded into each health message.
type HealthSnapshot struct {
	Nodes        NodeCounts
	Provisioning *provisioner.Stats
	Routing      *RouterStats
}

// HealthReporter publishes gateway health at a fixed interval.
type HealthReporter struct {
	cfg       HealthReporterConfig
	startTime time.Time

	// Shutdown coordination (stopOnce prevents double-close panics)
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	logger   Logger
	loggerMu sync.RWMutex
}

// NewHealthReporter creates a health reporter. Call Start to begin reporting.
func NewHealthReporter(cfg HealthReporterConfig) *HealthReporter {
	if cfg.Interval == 0 {
		cfg.Interval = defaultHealthInterval
	}
	return &HealthReporter{
		cfg:       cfg,
		startTime: time.Now(),
		done:      make(chan struct{}),
	}
}

// Start begins periodic health reporting until ctx is cancelled or Stop is called.
func (h *HealthReporter) Start(ctx context.Context) {
	h.wg.Add(1)
	go h.reportLoop(ctx)
}

// Stop halts reporting and publishes a final "stopping" status.
// Safe to call multiple times.
func (h *HealthReporter) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.wg.Wait()

		//nolint:errcheck // Best-effort during shutdown, nothing we can do if it fails
		h.publishStatus(HealthStopping, "")
	})
}

// SetLogger sets the logger for this reporter.
func (h *HealthReporter) SetLogger(logger Logger) {
	h.loggerMu.Lock()
	h.logger = logger
	h.loggerMu.Unlock()
}

// PublishStarting publishes a "starting" status.
func (h *HealthReporter) PublishStarting() error {
	return h.publishStatus(HealthStarting, "gateway starting")
}

// PublishNow publishes the current health status immediately.
func (h *HealthReporter) PublishNow() error {
	status, reason := h.determineStatus()
	return h.publishStatus(status, reason)
}

func (h *HealthReporter) reportLoop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	if err := h.PublishNow(); err != nil {
		h.logError("failed to publish initial health", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-ticker.C:
			if err := h.PublishNow(); err != nil {
				h.logError("failed to publish health", err)
			}
		}
	}
}

// determineStatus evaluates the current gateway status.
func (h *HealthReporter) determineStatus() (HealthStatus, string) {
	if h.cfg.Publisher == nil || !h.cfg.Publisher.IsConnected() {
		return HealthDegraded, "MQTT disconnected"
	}
	if h.cfg.Link == nil || !h.cfg.Link.IsConnected() {
		return HealthDegraded, "meshd disconnected"
	}
	return HealthHealthy, ""
}

func (h *HealthReporter) publishStatus(status HealthStatus, reason string) error {
	if h.cfg.Publisher == nil {
		return nil
	}

	var link DaemonStats
	if h.cfg.Link != nil {
		link = h.cfg.Link.Stats()
	}

	var snap HealthSnapshot
	if h.cfg.Snapshot != nil {
		snap = h.cfg.Snapshot()
	}

	msg := NewHealthMessage(h.cfg.GatewayID, h.cfg.Version, status, link, snap.Nodes, h.startTime)
	msg.Provisioning = snap.Provisioning
	msg.Routing = snap.Routing
	msg.Reason = reason

	payload, err := marshal(msg)
	if err != nil {
		return err
	}
	return h.cfg.Publisher.PublishRetained(h.cfg.Topic, payload)
}

func (h *HealthReporter) logError(msg string, err error) {
	h.loggerMu.RLock()
	logger := h.logger
	h.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}
