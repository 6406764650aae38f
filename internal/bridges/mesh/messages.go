package mesh

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-mesh/internal/node"
	"github.com/nerrad567/gray-logic-mesh/internal/provisioner"
	"github.com/nerrad567/gray-logic-mesh/internal/telemetry"
)

// MQTT payloads published by the gateway.

// tenths marshals with exactly one decimal place ("9.8", "-0.2", "1.0").
type tenths float64

// MarshalJSON implements json.Marshaler.
func (t tenths) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatFloat(float64(t), 'f', 1, 64)), nil
}

type accelPayload struct {
	X tenths `json:"x"`
	Y tenths `json:"y"`
	Z tenths `json:"z"`
}

// IMUMessage is published for each packed IMU record.
// Topic: {prefix}/imu/0x{address}
//
//	{"node":"0x0010","time":12345,"accel":{"x":0.5,"y":-0.2,"z":9.8},"gyro":{"x":10,"y":-5,"z":0}}
type IMUMessage struct {
	Node  string         `json:"node"`
	Time  uint16         `json:"time"`
	Accel accelPayload   `json:"accel"`
	Gyro  telemetry.Gyro `json:"gyro"`
}

// NewIMUMessage builds the payload for a decoded sample.
func NewIMUMessage(address uint16, s telemetry.IMUSample) IMUMessage {
	return IMUMessage{
		Node: formatAddress(address),
		Time: s.Timestamp,
		Accel: accelPayload{
			X: tenths(s.Accel.X),
			Y: tenths(s.Accel.Y),
			Z: tenths(s.Accel.Z),
		},
		Gyro: s.Gyro,
	}
}

// HeartRateMessage is published for property 0x2A37.
// Topic: {prefix}/heartrate/0x{address}
type HeartRateMessage struct {
	Node      string `json:"node"`
	HeartRate int32  `json:"heartrate"`

	// Timestamp is milliseconds since the gateway started.
	Timestamp int64 `json:"timestamp"`
}

// SensorMessage is published for the IMU custom properties.
// Topic: {prefix}/sensor/0x{address}
type SensorMessage struct {
	Node      string `json:"node"`
	Property  string `json:"property"`
	Name      string `json:"name"`
	Value     int32  `json:"value"`
	Timestamp int64  `json:"timestamp"`
}

// ModelStatus is one model in a NodeStatusMessage.
type ModelStatus struct {
	Model      string `json:"model"`
	Name       string `json:"name"`
	Vendor     bool   `json:"vendor"`
	Bound      bool   `json:"bound"`
	Published  bool   `json:"published"`
	Subscribed bool   `json:"subscribed"`
}

// NodeStatusMessage reports a node's configuration progress.
// Topic: {prefix}/node/0x{address}/status
// QoS: 1, Retained: Yes
type NodeStatusMessage struct {
	UUID      uuid.UUID     `json:"uuid"`
	Address   string        `json:"address"`
	Elements  uint8         `json:"elements"`
	Phase     string        `json:"phase"`
	Ready     bool          `json:"ready"`
	OnOff     bool          `json:"onoff"`
	Models    []ModelStatus `json:"models"`
	Timestamp time.Time     `json:"timestamp"`
}

// NewNodeStatusMessage builds the status payload for a node.
func NewNodeStatusMessage(n *node.Node) NodeStatusMessage {
	msg := NodeStatusMessage{
		UUID:      n.UUID,
		Address:   n.AddressString(),
		Elements:  n.ElementCount,
		Phase:     n.Phase.String(),
		Ready:     n.IsReady(),
		OnOff:     n.OnOff,
		Models:    make([]ModelStatus, 0, len(n.Models)),
		Timestamp: time.Now().UTC(),
	}
	for _, m := range n.Models {
		msg.Models = append(msg.Models, ModelStatus{
			Model:      m.String(),
			Name:       provisioner.ModelName(m.ID, m.CompanyID),
			Vendor:     m.Vendor,
			Bound:      m.Bound,
			Published:  m.Published,
			Subscribed: m.Subscribed,
		})
	}
	return msg
}

// HealthStatus represents the operational status of the gateway.
type HealthStatus string

const (
	// HealthHealthy indicates the gateway is operating normally.
	HealthHealthy HealthStatus = "healthy"

	// HealthDegraded indicates the MQTT or meshd link is down.
	HealthDegraded HealthStatus = "degraded"

	// HealthStarting indicates the gateway is starting up.
	HealthStarting HealthStatus = "starting"

	// HealthStopping indicates the gateway is shutting down.
	HealthStopping HealthStatus = "stopping"
)

// NodeCounts summarises the registry.
type NodeCounts struct {
	Known int `json:"known"`
	Ready int `json:"ready"`
}

// HealthMessage reports gateway health.
// Topic: {prefix}/gateway/health
// QoS: 1, Retained: Yes
// Interval: Every 30 seconds
type HealthMessage struct {
	Gateway       string       `json:"gateway"`
	Timestamp     time.Time    `json:"timestamp"`
	Status        HealthStatus `json:"status"`
	Version       string       `json:"version"`
	UptimeSeconds int64        `json:"uptime_seconds"`

	// Link is the meshd connection statistics.
	Link DaemonStats `json:"link"`

	Nodes NodeCounts `json:"nodes"`

	// Provisioning counts configuration activity since start.
	Provisioning *provisioner.Stats `json:"provisioning,omitempty"`

	// Routing counts routed and dropped telemetry.
	Routing *RouterStats `json:"routing,omitempty"`

	// Reason explains a degraded status.
	Reason string `json:"reason,omitempty"`
}

// NewHealthMessage creates a health status message.
func NewHealthMessage(gatewayID, version string, status HealthStatus, link DaemonStats, nodes NodeCounts, startTime time.Time) HealthMessage {
	return HealthMessage{
		Gateway:       gatewayID,
		Timestamp:     time.Now().UTC(),
		Status:        status,
		Version:       version,
		UptimeSeconds: int64(time.Since(startTime).Seconds()),
		Link:          link,
		Nodes:         nodes,
	}
}

// ControlAck answers a control message. Control is not implemented;
// every message is acknowledged as unsupported.
// Topic: {prefix}/gateway/control_ack
type ControlAck struct {
	Topic     string    `json:"topic"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// Control acknowledgement statuses.
const (
	ControlUnsupported = "unsupported"
)

func formatAddress(address uint16) string {
	return fmt.Sprintf("0x%04x", address)
}

func marshal(v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %T: %w", v, err)
	}
	return payload, nil
}
