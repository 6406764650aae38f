// Package api implements the gateway's local status API.
//
// This package provides:
//   - Read-only REST endpoints for node configuration progress and counters
//   - A health endpoint that probes every infrastructure component
//   - A WebSocket hub relaying the gateway's MQTT output in real time
//   - Optional HS256 bearer tokens with ticket-based WebSocket auth
//
// # Endpoints
//
//	GET  /api/v1/health           component health, node counts (no auth)
//	GET  /api/v1/nodes            every node with its model progress
//	GET  /api/v1/nodes/{address}  one node, address as 0x0010 or 16
//	GET  /api/v1/stats            bridge, provisioner, router and link counters
//	POST /api/v1/auth/ws-ticket   single-use WebSocket ticket
//	GET  /api/v1/ws               live events
//
// # Live Events
//
// The server subscribes to {prefix}/# on the broker and relays node status,
// gateway health and telemetry under the channels node.status,
// gateway.health and telemetry.{imu,heartrate,sensor}. Clients subscribe
// by sending {"type":"subscribe","payload":{"channels":["node.status"]}};
// the channel "*" matches everything.
//
// # Security
//
// With api.auth.jwt_secret empty the API is open and should stay bound to
// localhost. With a secret set, every route except /health needs
// "Authorization: Bearer <token>"; tokens come from "meshgw token".
//
// The server operates without MQTT; only the live relay is lost.
package api
