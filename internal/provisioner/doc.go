// Package provisioner auto-configures nodes after they join the mesh.
//
// Each node walks one linear sequence, one acknowledgement at a time:
//
//	CompositionRequested → KeyPending → Binding → Publishing → Subscribing → Ready
//
// Composition data page 0 is parsed into model descriptors (composition.go).
// The three per-model phases then scan the model list from their own
// cursor (autoconfig.go). The model catalog (catalog.go) decides which
// models are bound, given a publication, or subscribed to the group.
//
// Requests go out through a Transport and are fire-and-forget; the
// acknowledgement arrives later as a Handle* call. A request that cannot
// be submitted, or an acknowledgement with a failure status, abandons
// that model and the scan moves on. There is no retry and no timeout.
package provisioner
