package provisioner

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-mesh/internal/node"
)

// Publication defaults.
const (
	DefaultPublishAddress   uint16 = 0xC000
	DefaultSubscribeAddress uint16 = 0xC000
	DefaultPublishTTL       uint8  = 7
)

// StatusSuccess is the configuration status code for an accepted request.
const StatusSuccess uint8 = 0x00

// PublishParams is the publication written to a model.
type PublishParams struct {
	Destination uint16
	TTL         uint8

	// Period 0 means the node publishes on state change only.
	Period     uint8
	Retransmit uint8
}

// Transport issues configuration requests to the mesh.
//
// Requests are fire-and-forget: a nil error only means the request was
// submitted. The matching acknowledgement arrives later as an event.
type Transport interface {
	RequestComposition(ctx context.Context, address uint16) error
	AddKey(ctx context.Context, address uint16) error
	BindModel(ctx context.Context, address, modelID, companyID uint16) error
	SetPublish(ctx context.Context, address, modelID, companyID uint16, pub PublishParams) error
	SetSubscribe(ctx context.Context, address, modelID, companyID, group uint16) error
}

// Logger defines the logging interface used by the Provisioner.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Options configures a Provisioner.
type Options struct {
	Registry  *node.Registry
	Transport Transport
	Logger    Logger

	// PublishAddress is the destination written to every eligible model
	// (default group 0xC000). Set it to the gateway's own unicast address
	// to have nodes publish straight to the provisioner.
	PublishAddress uint16

	// PublishTTL defaults to 7.
	PublishTTL uint8

	// SubscribeAddress is the group eligible client models join (default 0xC000).
	SubscribeAddress uint16

	// OnProvisioned is called after a node is recorded and composition is requested.
	OnProvisioned func(n *node.Node)

	// OnReady is called exactly once per node when auto-configuration finishes.
	OnReady func(n *node.Node)
}

// Stats counts configuration activity since start.
type Stats struct {
	Provisioned  uint64 `json:"provisioned"`
	Requests     uint64 `json:"requests"`
	Abandoned    uint64 `json:"abandoned"`
	Ready        uint64 `json:"ready"`
	IgnoredEvent uint64 `json:"ignored_events"`
}

// Provisioner drives each node from composition to Ready.
//
// Every handler runs to completion under one mutex, so events for all
// nodes are applied one at a time. Each node advances by at most one
// outstanding request; the next request is issued when its
// acknowledgement arrives.
type Provisioner struct {
	mu sync.Mutex

	registry  *node.Registry
	transport Transport
	logger    Logger

	publish   PublishParams
	subscribe uint16

	onProvisioned func(n *node.Node)
	onReady       func(n *node.Node)

	stats Stats
}

// New creates a Provisioner.
//
// Returns ErrInvalidArgument when the registry or transport is missing.
func New(opts Options) (*Provisioner, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("%w: registry is required", ErrInvalidArgument)
	}
	if opts.Transport == nil {
		return nil, fmt.Errorf("%w: transport is required", ErrInvalidArgument)
	}

	p := &Provisioner{
		registry:  opts.Registry,
		transport: opts.Transport,
		logger:    opts.Logger,
		publish: PublishParams{
			Destination: opts.PublishAddress,
			TTL:         opts.PublishTTL,
		},
		subscribe:     opts.SubscribeAddress,
		onProvisioned: opts.OnProvisioned,
		onReady:       opts.OnReady,
	}
	if p.logger == nil {
		p.logger = noopLogger{}
	}
	if p.publish.Destination == 0 {
		p.publish.Destination = DefaultPublishAddress
	}
	if p.publish.TTL == 0 {
		p.publish.TTL = DefaultPublishTTL
	}
	if p.subscribe == 0 {
		p.subscribe = DefaultSubscribeAddress
	}
	return p, nil
}

// Stats returns a snapshot of the activity counters.
func (p *Provisioner) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// HandleProvisioned records a node that joined and requests its composition.
//
// Re-provisioning a known UUID resets its configuration progress, since
// the device has been factory reset. If the composition request cannot
// be submitted the node stays in PhaseCompositionRequested.
//
// Returns node.ErrCapacity or node.ErrInvalidArgument from the registry.
func (p *Provisioner) HandleProvisioned(ctx context.Context, id uuid.UUID, address uint16, elements uint8) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := p.registry.AddOrUpdate(ctx, id, address, elements, false); err != nil {
		return err
	}

	n, err := p.registry.GetByAddress(address)
	if err != nil {
		return err
	}
	resetProgress(n)
	if err := p.registry.Update(ctx, address, n); err != nil {
		return err
	}
	p.stats.Provisioned++

	p.logger.Info("node provisioned",
		"uuid", id, "address", n.AddressString(), "elements", elements)

	p.stats.Requests++
	if err := p.transport.RequestComposition(ctx, address); err != nil {
		p.logger.Error("composition request failed, node stalled",
			"address", n.AddressString(), "error", err)
	}

	if p.onProvisioned != nil {
		p.onProvisioned(n.DeepCopy())
	}
	return nil
}

// HandleComposition installs the node's model list and requests the app key.
//
// The cursors restart at zero. The node moves to PhaseKeyPending even if
// the key request cannot be submitted; it then waits there.
func (p *Provisioner) HandleComposition(ctx context.Context, address uint16, raw []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	n, err := p.lookup(address, node.PhaseCompositionRequested)
	if err != nil {
		return err
	}

	n.Models = ParseComposition(raw, p.registry.MaxModels())
	n.NextBind, n.NextPublish, n.NextSubscribe = 0, 0, 0
	n.CompositionReceived = true
	n.Phase = node.PhaseKeyPending

	p.logger.Info("composition received",
		"address", n.AddressString(), "bytes", len(raw), "models", len(n.Models))
	for i, m := range n.Models {
		p.logger.Debug("model discovered",
			"address", n.AddressString(), "index", i, "model", m.String(),
			"name", ModelName(m.ID, m.CompanyID))
	}

	p.stats.Requests++
	if err := p.transport.AddKey(ctx, address); err != nil {
		p.logger.Error("app key request failed, node stalled",
			"address", n.AddressString(), "error", err)
	}

	return p.registry.Update(ctx, address, n)
}

// HandleKeyAdded records the app key acknowledgement and starts binding.
//
// A non-zero status leaves the node in PhaseKeyPending.
func (p *Provisioner) HandleKeyAdded(ctx context.Context, address uint16, status uint8) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	n, err := p.lookup(address, node.PhaseKeyPending)
	if err != nil {
		return err
	}

	if status != StatusSuccess {
		p.logger.Warn("app key rejected, node stalled",
			"address", n.AddressString(), "status", status)
		return nil
	}

	n.KeyAdded = true
	n.Phase = node.PhaseBinding
	p.logger.Info("app key added", "address", n.AddressString())

	return p.advanceAndSave(ctx, n)
}

// HandleBindAck applies a model app bind acknowledgement.
func (p *Provisioner) HandleBindAck(ctx context.Context, address, modelID, companyID uint16, status uint8) error {
	return p.handleAck(ctx, bindStep, address, modelID, companyID, status)
}

// HandlePublishAck applies a model publication acknowledgement.
func (p *Provisioner) HandlePublishAck(ctx context.Context, address, modelID, companyID uint16, status uint8) error {
	return p.handleAck(ctx, publishStep, address, modelID, companyID, status)
}

// HandleSubscribeAck applies a model subscription acknowledgement.
func (p *Provisioner) HandleSubscribeAck(ctx context.Context, address, modelID, companyID uint16, status uint8) error {
	return p.handleAck(ctx, subscribeStep, address, modelID, companyID, status)
}

// HandleOnOff records a node's last-known on/off state.
func (p *Provisioner) HandleOnOff(ctx context.Context, address uint16, onoff bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	n, err := p.registry.GetByAddress(address)
	if err != nil {
		p.stats.IgnoredEvent++
		return err
	}
	if n.OnOff == onoff {
		return nil
	}
	n.OnOff = onoff
	return p.registry.Update(ctx, address, n)
}

// HandleRequestTimeout logs a request the mesh gave up on.
//
// No retry is attempted; the node remains in its phase until an
// acknowledgement arrives or it is provisioned again.
func (p *Provisioner) HandleRequestTimeout(address uint16, opcode uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	n, err := p.registry.GetByAddress(address)
	if err != nil {
		p.stats.IgnoredEvent++
		return err
	}
	p.logger.Warn("configuration request timed out",
		"address", n.AddressString(), "opcode", fmt.Sprintf("0x%04x", opcode), "phase", n.Phase.String())
	return nil
}

// lookup fetches the node and checks it is in want. Must hold mu.
func (p *Provisioner) lookup(address uint16, want node.Phase) (*node.Node, error) {
	n, err := p.registry.GetByAddress(address)
	if err != nil {
		p.stats.IgnoredEvent++
		return nil, err
	}
	if n.Phase != want {
		p.stats.IgnoredEvent++
		return nil, fmt.Errorf("%w: node 0x%04x is %s, event needs %s",
			ErrUnexpectedPhase, address, n.Phase, want)
	}
	return n, nil
}

// resetProgress clears everything learned after provisioning.
func resetProgress(n *node.Node) {
	n.Models = nil
	n.NextBind, n.NextPublish, n.NextSubscribe = 0, 0, 0
	n.CompositionReceived = false
	n.KeyAdded = false
	n.Phase = node.PhaseCompositionRequested
}
