package mesh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-mesh/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-mesh/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-mesh/internal/node"
	"github.com/nerrad567/gray-logic-mesh/internal/provisioner"
	"github.com/nerrad567/gray-logic-mesh/internal/telemetry"
)

// eventTimeout bounds the requests issued while handling one event.
const eventTimeout = 5 * time.Second

// Bridge is the gateway's processing context.
// It handles:
//   - Feeding meshd events into the provisioner, one at a time
//   - Decoding telemetry and handing it to the router and metrics writer
//   - Publishing node status, gateway health and control acknowledgements
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	link     Connector
	registry *node.Registry
	prov     *provisioner.Provisioner
	router   *Router       // Optional
	mqtt     MQTTClient    // Optional
	metrics  MetricsWriter // Optional
	health   *HealthReporter

	topics         mqtt.Topics
	controlEnabled bool

	eventsHandled   atomic.Uint64
	eventsIgnored   atomic.Uint64
	valuesDecoded   atomic.Uint64
	malformedValues atomic.Uint64

	// Shutdown coordination
	stopOnce  sync.Once
	ctx       context.Context    // Bridge-level context, cancelled on Stop()
	ctxCancel context.CancelFunc // Cancel function for ctx

	logger   Logger
	loggerMu sync.RWMutex
}

// MQTTClient is the interface for MQTT operations.
// *mqtt.Client satisfies it.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	PublishRetained(topic string, payload []byte) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	IsConnected() bool
}

// MetricsWriter records telemetry history.
// *influxdb.Client satisfies it.
type MetricsWriter interface {
	WriteNodeMetric(measurement string, address uint16, tags map[string]string, fields map[string]any)
}

// ProvisioningOptions are passed through to the provisioner.
type ProvisioningOptions struct {
	PublishAddress   uint16
	PublishTTL       uint8
	SubscribeAddress uint16
}

// BridgeOptions holds configuration for creating a bridge.
type BridgeOptions struct {
	GatewayID string
	Version   string

	// Link is the meshd connection. Required.
	Link Connector

	// Registry is the node store. Required.
	Registry *node.Registry

	Provisioning ProvisioningOptions

	// Router publishes decoded telemetry. If nil, telemetry is decoded
	// and recorded but not published.
	Router *Router

	// MQTT publishes node status and health. If nil, nothing is published.
	MQTT MQTTClient

	// Metrics records telemetry history. Leave nil when InfluxDB is disabled.
	Metrics MetricsWriter

	Topics         mqtt.Topics
	HealthInterval time.Duration

	// ControlEnabled subscribes to {prefix}/control/#.
	ControlEnabled bool

	Logger Logger
}

// BridgeStats counts events through the bridge.
type BridgeStats struct {
	EventsHandled   uint64 `json:"events_handled"`
	EventsIgnored   uint64 `json:"events_ignored"`
	ValuesDecoded   uint64 `json:"values_decoded"`
	MalformedValues uint64 `json:"malformed_values"`
}

// NewBridge creates a new bridge instance.
// Call Start() to begin operation.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.Link == nil {
		return nil, fmt.Errorf("%w: meshd link is required", ErrInvalidArgument)
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("%w: registry is required", ErrInvalidArgument)
	}

	ctx, ctxCancel := context.WithCancel(context.Background())

	b := &Bridge{
		link:           opts.Link,
		registry:       opts.Registry,
		router:         opts.Router,
		mqtt:           opts.MQTT,
		metrics:        opts.Metrics,
		topics:         opts.Topics,
		controlEnabled: opts.ControlEnabled,
		ctx:            ctx,
		ctxCancel:      ctxCancel,
		logger:         opts.Logger,
	}

	var provLogger provisioner.Logger
	if opts.Logger != nil {
		provLogger = opts.Logger
	}
	prov, err := provisioner.New(provisioner.Options{
		Registry:         opts.Registry,
		Transport:        opts.Link,
		Logger:           provLogger,
		PublishAddress:   opts.Provisioning.PublishAddress,
		PublishTTL:       opts.Provisioning.PublishTTL,
		SubscribeAddress: opts.Provisioning.SubscribeAddress,
		OnProvisioned:    b.publishNodeStatus,
		OnReady:          b.publishNodeStatus,
	})
	if err != nil {
		ctxCancel()
		return nil, fmt.Errorf("creating provisioner: %w", err)
	}
	b.prov = prov

	var publisher HealthPublisher
	if opts.MQTT != nil {
		publisher = opts.MQTT
	}
	b.health = NewHealthReporter(HealthReporterConfig{
		GatewayID: opts.GatewayID,
		Version:   opts.Version,
		Topic:     opts.Topics.GatewayHealth(),
		Interval:  opts.HealthInterval,
		Publisher: publisher,
		Link:      opts.Link,
		Snapshot:  b.healthSnapshot,
	})
	if opts.Logger != nil {
		b.health.SetLogger(opts.Logger)
	}

	return b, nil
}

// Provisioner returns the bridge's provisioner.
func (b *Bridge) Provisioner() *provisioner.Provisioner {
	return b.prov
}

// Start installs the event handler, publishes the known nodes, subscribes
// to control if enabled and starts health reporting.
func (b *Bridge) Start(ctx context.Context) error {
	if b.mqtt != nil {
		if err := b.health.PublishStarting(); err != nil {
			b.logError("failed to publish starting status", err)
		}
	}

	b.link.SetOnEvent(b.HandleEvent)

	for _, n := range b.registry.List() {
		b.publishNodeStatus(n)
	}

	if b.mqtt != nil && b.controlEnabled {
		topic := b.topics.Control()
		if err := b.mqtt.Subscribe(topic, 1, b.handleControl); err != nil {
			return fmt.Errorf("subscribe to control: %w", err)
		}
		b.logInfo("subscribed to control", "topic", topic)
	}

	if b.mqtt != nil {
		b.health.Start(ctx)
	}

	b.logInfo("bridge started",
		"nodes", b.registry.Count(),
		"ready", b.registry.ReadyCount(),
		"router", b.router != nil,
		"metrics", b.metrics != nil)
	return nil
}

// Stop detaches from meshd and stops health reporting.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.link.SetOnEvent(nil)
		b.ctxCancel()

		if b.mqtt != nil {
			b.health.Stop()
		}

		b.logInfo("bridge stopped")
	})
}

// HandleEvent applies one meshd event. It is the meshd event callback.
//
// Events the provisioner rejects (unknown node, wrong phase, unexpected
// acknowledgement) are logged and dropped.
func (b *Bridge) HandleEvent(ev Event) {
	ctx, cancel := context.WithTimeout(b.ctx, eventTimeout)
	defer cancel()

	b.eventsHandled.Add(1)

	var err error
	switch ev.Kind {
	case EventProvisionComplete:
		err = b.prov.HandleProvisioned(ctx, ev.UUID, ev.Address, ev.Elements)
	case EventComposition:
		err = b.prov.HandleComposition(ctx, ev.Address, ev.Data)
	case EventAppKeyStatus:
		err = b.prov.HandleKeyAdded(ctx, ev.Address, ev.Status)
	case EventModelAppStatus:
		err = b.prov.HandleBindAck(ctx, ev.Address, ev.ModelID, ev.CompanyID, ev.Status)
	case EventModelPubStatus:
		err = b.prov.HandlePublishAck(ctx, ev.Address, ev.ModelID, ev.CompanyID, ev.Status)
	case EventModelSubStatus:
		err = b.prov.HandleSubscribeAck(ctx, ev.Address, ev.ModelID, ev.CompanyID, ev.Status)
	case EventOnOffStatus:
		err = b.prov.HandleOnOff(ctx, ev.Address, ev.OnOff)
	case EventRequestTimeout:
		err = b.prov.HandleRequestTimeout(ev.Address, ev.Opcode)
	case EventVendorMessage:
		b.handleVendor(ev)
	case EventSensorStatus:
		b.handleSensor(ev)
	default:
		err = fmt.Errorf("%w: unhandled event %s", ErrInvalidFrame, ev.Kind)
	}

	if err != nil {
		b.eventsIgnored.Add(1)
		b.logWarn(b.ignoreReason(err),
			"event", ev.Kind.String(), "address", formatAddress(ev.Address), "error", err)
	}
}

func (b *Bridge) ignoreReason(err error) string {
	switch {
	case errors.Is(err, node.ErrCapacity):
		return "node registry full, node not recorded"
	case errors.Is(err, node.ErrNotFound):
		return "event for unknown node ignored"
	default:
		return "event ignored"
	}
}

// handleVendor routes a vendor message and records IMU samples.
func (b *Bridge) handleVendor(ev Event) {
	if b.router != nil {
		b.router.RouteVendor(ev.Address, ev.Opcode, ev.Data)
	}

	if ev.Opcode != telemetry.OpcodeIMU {
		return
	}

	sample, err := telemetry.DecodeIMU(ev.Data)
	if err != nil {
		b.malformedValues.Add(1)
		b.logDebug("imu record dropped", "address", formatAddress(ev.Address), "error", err)
		return
	}
	b.valuesDecoded.Add(1)

	if b.metrics != nil {
		b.metrics.WriteNodeMetric(influxdb.MeasurementIMU, ev.Address, nil, map[string]any{
			"time_ms": int64(sample.Timestamp),
			"accel_x": sample.Accel.X,
			"accel_y": sample.Accel.Y,
			"accel_z": sample.Accel.Z,
			"gyro_x":  int64(sample.Gyro.X),
			"gyro_y":  int64(sample.Gyro.Y),
			"gyro_z":  int64(sample.Gyro.Z),
		})
	}
}

// handleSensor decodes every record in a sensor status and routes each value.
func (b *Bridge) handleSensor(ev Event) {
	data, err := telemetry.DecodeSensorData(ev.Data)
	if err != nil {
		b.malformedValues.Add(1)
		b.logDebug("sensor status truncated", "address", formatAddress(ev.Address),
			"decoded", len(data.Values), "error", err)
	}
	for _, h := range data.Skipped {
		b.logDebug("sensor value skipped",
			"address", formatAddress(ev.Address),
			"property", fmt.Sprintf("0x%04x", h.PropertyID),
			"length", h.Length)
	}

	for _, v := range data.Values {
		b.valuesDecoded.Add(1)

		if b.router != nil {
			b.router.RouteSensor(ev.Address, v)
		}

		if b.metrics != nil {
			tags := map[string]string{"property": fmt.Sprintf("0x%04x", v.PropertyID)}
			if b.router != nil {
				if name, ok := b.router.PropertyName(v.PropertyID); ok {
					tags["name"] = name
				}
			}
			b.metrics.WriteNodeMetric(influxdb.MeasurementSensor, ev.Address, tags,
				map[string]any{"value": int64(v.Value)})
		}
	}
}

// publishNodeStatus publishes a node's retained status.
func (b *Bridge) publishNodeStatus(n *node.Node) {
	if b.mqtt == nil || n == nil {
		return
	}

	payload, err := marshal(NewNodeStatusMessage(n))
	if err != nil {
		b.logError("failed to marshal node status", err)
		return
	}
	if err := b.mqtt.PublishRetained(b.topics.NodeStatus(n.Address), payload); err != nil {
		b.logError("failed to publish node status", err)
	}
}

// handleControl answers control messages. No control operations exist yet.
func (b *Bridge) handleControl(topic string, payload []byte) error {
	b.logInfo("control message not supported", "topic", topic, "bytes", len(payload))

	ack, err := marshal(ControlAck{
		Topic:     topic,
		Status:    ControlUnsupported,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return b.mqtt.Publish(b.topics.ControlAck(), ack, 1, false)
}

func (b *Bridge) healthSnapshot() HealthSnapshot {
	stats := b.prov.Stats()
	snap := HealthSnapshot{
		Nodes: NodeCounts{
			Known: b.registry.Count(),
			Ready: b.registry.ReadyCount(),
		},
		Provisioning: &stats,
	}
	if b.router != nil {
		routing := b.router.Stats()
		snap.Routing = &routing
	}
	return snap
}

// Stats returns the bridge event counters.
func (b *Bridge) Stats() BridgeStats {
	return BridgeStats{
		EventsHandled:   b.eventsHandled.Load(),
		EventsIgnored:   b.eventsIgnored.Load(),
		ValuesDecoded:   b.valuesDecoded.Load(),
		MalformedValues: b.malformedValues.Load(),
	}
}

// PublishHealth publishes the current health status immediately.
func (b *Bridge) PublishHealth() error {
	return b.health.PublishNow()
}

// SetLogger sets the logger for the bridge.
func (b *Bridge) SetLogger(logger Logger) {
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()
	b.health.SetLogger(logger)
}

func (b *Bridge) getLogger() Logger {
	b.loggerMu.RLock()
	defer b.loggerMu.RUnlock()
	return b.logger
}

func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (b *Bridge) logWarn(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

func (b *Bridge) logDebug(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

func (b *Bridge) logError(msg string, err error) {
	if logger := b.getLogger(); logger != nil {
		logger.Error(msg, "error", err)
	}
}
