package mesh

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-mesh/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-mesh/internal/telemetry"
)

// Sensor property IDs with routes.
const (
	PropertyHeartRate uint16 = 0x2A37

	PropertyAccelX uint16 = 0x5001
	PropertyAccelY uint16 = 0x5002
	PropertyAccelZ uint16 = 0x5003
	PropertyGyroX  uint16 = 0x5004
	PropertyGyroY  uint16 = 0x5005
	PropertyGyroZ  uint16 = 0x5006
)

// Output channel types, the {type} part of {prefix}/{type}/0x{address}.
const (
	ChannelIMU       = "imu"
	ChannelHeartRate = "heartrate"
	ChannelSensor    = "sensor"
)

// PublishFunc delivers one payload to the external bus.
// mqtt.Client.PublishString satisfies it.
type PublishFunc func(topic string, payload string) error

// RouteKind selects the key space of a route.
type RouteKind string

// Route kinds.
const (
	RouteOpcode   RouteKind = "opcode"
	RouteProperty RouteKind = "property"
)

// Route is one entry of the static routing table.
type Route struct {
	Kind    RouteKind `json:"kind"`
	Key     uint32    `json:"key"`
	Name    string    `json:"name"`
	Channel string    `json:"channel"`
}

// RouteStats counts traffic through one route.
type RouteStats struct {
	Routed uint64 `json:"routed"`
	Failed uint64 `json:"failed"`
}

// RouterStats counts traffic through the router.
type RouterStats struct {
	// Unrouted counts messages with no matching route.
	Unrouted uint64 `json:"unrouted"`

	// Routes is keyed by route name.
	Routes map[string]RouteStats `json:"routes"`
}

type vendorFormatter func(address uint16, data []byte, ms int64) ([]byte, error)
type sensorFormatter func(address uint16, v telemetry.SensorValue, name string, ms int64) ([]byte, error)

type routeEntry struct {
	Route
	vendor vendorFormatter
	sensor sensorFormatter

	routed atomic.Uint64
	failed atomic.Uint64
}

// RouterOptions configures a Router.
type RouterOptions struct {
	Topics  mqtt.Topics
	Publish PublishFunc
	Logger  Logger

	// Now overrides the clock used for millisecond timestamps.
	Now func() time.Time
}

// Router maps decoded telemetry to named output channels.
//
// The table is fixed at construction. Unmatched messages are counted and
// logged at debug level, never reported to the caller as errors.
// Router methods are safe for concurrent use.
type Router struct {
	topics  mqtt.Topics
	publish PublishFunc
	logger  Logger
	now     func() time.Time
	start   time.Time

	opcodes    map[uint32]*routeEntry
	properties map[uint16]*routeEntry

	unrouted atomic.Uint64

	mu sync.RWMutex
}

// NewRouter creates a router with the gateway's route table.
func NewRouter(opts RouterOptions) *Router {
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	r := &Router{
		topics:     opts.Topics,
		publish:    opts.Publish,
		logger:     opts.Logger,
		now:        now,
		start:      now(),
		opcodes:    make(map[uint32]*routeEntry),
		properties: make(map[uint16]*routeEntry),
	}

	r.opcodes[telemetry.OpcodeIMU] = &routeEntry{
		Route:  Route{Kind: RouteOpcode, Key: telemetry.OpcodeIMU, Name: "imu", Channel: ChannelIMU},
		vendor: formatIMU,
	}

	r.properties[PropertyHeartRate] = &routeEntry{
		Route:  Route{Kind: RouteProperty, Key: uint32(PropertyHeartRate), Name: "heartrate", Channel: ChannelHeartRate},
		sensor: formatHeartRate,
	}

	imuProps := []struct {
		id   uint16
		name string
	}{
		{PropertyAccelX, "accel_x"},
		{PropertyAccelY, "accel_y"},
		{PropertyAccelZ, "accel_z"},
		{PropertyGyroX, "gyro_x"},
		{PropertyGyroY, "gyro_y"},
		{PropertyGyroZ, "gyro_z"},
	}
	for _, p := range imuProps {
		r.properties[p.id] = &routeEntry{
			Route:  Route{Kind: RouteProperty, Key: uint32(p.id), Name: p.name, Channel: ChannelSensor},
			sensor: formatSensor,
		}
	}

	return r
}

// SetPublish replaces the publish function.
func (r *Router) SetPublish(publish PublishFunc) {
	r.mu.Lock()
	r.publish = publish
	r.mu.Unlock()
}

// Routes returns the routing table ordered by kind then key.
func (r *Router) Routes() []Route {
	routes := make([]Route, 0, len(r.opcodes)+len(r.properties))
	for _, e := range r.opcodes {
		routes = append(routes, e.Route)
	}
	for _, e := range r.properties {
		routes = append(routes, e.Route)
	}
	sort.Slice(routes, func(i, j int) bool {
		if routes[i].Kind != routes[j].Kind {
			return routes[i].Kind < routes[j].Kind
		}
		return routes[i].Key < routes[j].Key
	})
	return routes
}

// PropertyName returns the route name for a sensor property, if routed.
func (r *Router) PropertyName(propertyID uint16) (string, bool) {
	e, ok := r.properties[propertyID]
	if !ok {
		return "", false
	}
	return e.Name, true
}

// RouteVendor publishes a vendor message if its opcode is routed.
// Returns true if a payload was published.
func (r *Router) RouteVendor(address uint16, opcode uint32, data []byte) bool {
	e, ok := r.opcodes[opcode]
	if !ok {
		r.unrouted.Add(1)
		r.debug("vendor opcode not routed", "address", formatAddress(address), "opcode", fmt.Sprintf("0x%06x", opcode))
		return false
	}

	payload, err := e.vendor(address, data, r.elapsedMs())
	if err != nil {
		e.failed.Add(1)
		r.warn("vendor message dropped", "route", e.Name, "address", formatAddress(address), "error", err)
		return false
	}
	return r.deliver(e, address, payload)
}

// RouteSensor publishes a sensor value if its property is routed.
// Returns true if a payload was published.
func (r *Router) RouteSensor(address uint16, v telemetry.SensorValue) bool {
	e, ok := r.properties[v.PropertyID]
	if !ok {
		r.unrouted.Add(1)
		r.debug("sensor property not routed", "address", formatAddress(address), "property", fmt.Sprintf("0x%04x", v.PropertyID))
		return false
	}

	payload, err := e.sensor(address, v, e.Name, r.elapsedMs())
	if err != nil {
		e.failed.Add(1)
		r.warn("sensor value dropped", "route", e.Name, "address", formatAddress(address), "error", err)
		return false
	}
	return r.deliver(e, address, payload)
}

// Stats returns a snapshot of the routing counters.
func (r *Router) Stats() RouterStats {
	stats := RouterStats{
		Unrouted: r.unrouted.Load(),
		Routes:   make(map[string]RouteStats, len(r.opcodes)+len(r.properties)),
	}
	collect := func(e *routeEntry) {
		stats.Routes[e.Name] = RouteStats{Routed: e.routed.Load(), Failed: e.failed.Load()}
	}
	for _, e := range r.opcodes {
		collect(e)
	}
	for _, e := range r.properties {
		collect(e)
	}
	return stats
}

func (r *Router) deliver(e *routeEntry, address uint16, payload []byte) bool {
	r.mu.RLock()
	publish := r.publish
	r.mu.RUnlock()

	if publish == nil {
		e.failed.Add(1)
		return false
	}

	topic := r.topics.NodeChannel(e.Channel, address)
	if err := publish(topic, string(payload)); err != nil {
		e.failed.Add(1)
		r.warn("publish failed", "topic", topic, "error", err)
		return false
	}
	e.routed.Add(1)
	return true
}

func (r *Router) elapsedMs() int64 {
	return r.now().Sub(r.start).Milliseconds()
}

func (r *Router) debug(msg string, args ...any) {
	if r.logger != nil {
		r.logger.Debug(msg, args...)
	}
}

func (r *Router) warn(msg string, args ...any) {
	if r.logger != nil {
		r.logger.Warn(msg, args...)
	}
}

// =============================================================================
// Formatters
// =============================================================================

func formatIMU(address uint16, data []byte, _ int64) ([]byte, error) {
	sample, err := telemetry.DecodeIMU(data)
	if err != nil {
		return nil, err
	}
	return marshal(NewIMUMessage(address, sample))
}

func formatHeartRate(address uint16, v telemetry.SensorValue, _ string, ms int64) ([]byte, error) {
	return marshal(HeartRateMessage{
		Node:      formatAddress(address),
		HeartRate: v.Value,
		Timestamp: ms,
	})
}

func formatSensor(address uint16, v telemetry.SensorValue, name string, ms int64) ([]byte, error) {
	return marshal(SensorMessage{
		Node:      formatAddress(address),
		Property:  fmt.Sprintf("0x%04x", v.PropertyID),
		Name:      name,
		Value:     v.Value,
		Timestamp: ms,
	})
}
