package mqtt

import "fmt"

// DefaultTopicPrefix is used when no prefix is configured.
const DefaultTopicPrefix = "mesh"

// Topics builds gateway MQTT topics under a configurable prefix.
//
// Node channels use the scheme {prefix}/{type}/0x{address}, where the
// address is the node's unicast address as four lower-case hex digits:
//
//	topics := mqtt.Topics{Prefix: "mesh"}
//	topics.NodeChannel("imu", 0x0010)
//	// Returns: "mesh/imu/0x0010"
type Topics struct {
	Prefix string
}

// prefix returns the configured prefix or the default.
func (t Topics) prefix() string {
	if t.Prefix == "" {
		return DefaultTopicPrefix
	}
	return t.Prefix
}

// =============================================================================
// Node Topics
// =============================================================================

// NodeChannel returns the telemetry channel for one node.
//
// Example: mesh/heartrate/0x0012
func (t Topics) NodeChannel(kind string, address uint16) string {
	return fmt.Sprintf("%s/%s/0x%04x", t.prefix(), kind, address)
}

// NodeStatus returns the retained status topic for one node.
//
// Example: mesh/node/0x0010/status
func (t Topics) NodeStatus(address uint16) string {
	return fmt.Sprintf("%s/node/0x%04x/status", t.prefix(), address)
}

// =============================================================================
// Gateway Topics
// =============================================================================

// GatewayStatus returns the online/offline status topic (also the LWT topic).
//
// Example: mesh/gateway/status
func (t Topics) GatewayStatus() string {
	return fmt.Sprintf("%s/gateway/status", t.prefix())
}

// GatewayHealth returns the periodic health topic.
//
// Example: mesh/gateway/health
func (t Topics) GatewayHealth() string {
	return fmt.Sprintf("%s/gateway/health", t.prefix())
}

// ControlAck returns the topic answering control messages.
//
// Example: mesh/gateway/control_ack
func (t Topics) ControlAck() string {
	return fmt.Sprintf("%s/gateway/control_ack", t.prefix())
}

// =============================================================================
// Wildcard Patterns for Subscriptions
// =============================================================================

// Control returns the inbound control pattern.
//
// Pattern: mesh/control/#
func (t Topics) Control() string {
	return fmt.Sprintf("%s/control/#", t.prefix())
}

// AllNodeStatus returns a pattern matching every node status topic.
//
// Pattern: mesh/node/+/status
func (t Topics) AllNodeStatus() string {
	return fmt.Sprintf("%s/node/+/status", t.prefix())
}

// All returns a pattern matching everything under the prefix.
//
// Pattern: mesh/#
func (t Topics) All() string {
	return fmt.Sprintf("%s/#", t.prefix())
}

// Root returns the effective prefix, falling back to the default.
func (t Topics) Root() string {
	return t.prefix()
}
