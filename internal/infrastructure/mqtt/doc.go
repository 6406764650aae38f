// Package mqtt provides MQTT client connectivity for the mesh gateway.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) on {prefix}/gateway/status
//   - Connection health monitoring
//
// # Architecture
//
// The broker is the external bus: decoded mesh telemetry leaves the
// gateway as JSON on {prefix}/{type}/0x{address} topics.
//
//	Mesh nodes ↔ meshd radio daemon ↔ Gateway ↔ MQTT Broker ↔ Consumers
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	topic := client.Topics().NodeChannel("imu", 0x0010)
//	client.PublishString(topic, `{"node":"0x0010","time":1}`)
package mqtt
