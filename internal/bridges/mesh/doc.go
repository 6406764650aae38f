// Package mesh connects the gateway to the meshd radio daemon and to MQTT.
//
// meshd owns the BLE radio and the mesh provisioning protocol. This package
// speaks meshd's framed socket protocol, feeds provisioning events into the
// provisioner and publishes decoded telemetry.
//
// # Architecture
//
//	┌──────────┐  frames   ┌──────────────┐   MQTT   ┌──────────┐
//	│  meshd   │◄─────────►│  mesh bridge │─────────►│  broker  │
//	└──────────┘           └──────┬───────┘          └──────────┘
//	                              │ metrics
//	                              ▼
//	                         InfluxDB
//
// # Key Responsibilities
//
//   - Connect to meshd via Unix socket or TCP and open a provisioner session
//   - Deliver events one at a time, in arrival order
//   - Drive the provisioner through composition, key, bind, publish and subscribe
//   - Route IMU, heart-rate and sensor telemetry to {prefix}/{type}/0x{address}
//   - Publish retained node status and gateway health
//
// # Frame Format
//
// Every frame is a 2-byte big-endian size (covering type and payload),
// a 2-byte big-endian message type and the payload:
//
//	+------+------+------+------+---------...
//	| size (BE)   | type (BE)   | payload
//	+------+------+------+------+---------...
//
// # Thread Safety
//
// All exported types are safe for concurrent use from multiple goroutines.
package mesh
