package provisioner

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-mesh/internal/node"
)

// ============================================================================
// Test doubles
// ============================================================================

type call struct {
	kind    string
	address uint16
	model   uint16
	company uint16
	pub     PublishParams
	group   uint16
}

// mockTransport records every request, including ones it fails.
type mockTransport struct {
	mu     sync.Mutex
	calls  []call
	failOn func(c call) error
}

func (m *mockTransport) record(c call) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, c)
	if m.failOn != nil {
		return m.failOn(c)
	}
	return nil
}

func (m *mockTransport) RequestComposition(_ context.Context, address uint16) error {
	return m.record(call{kind: "composition", address: address})
}

func (m *mockTransport) AddKey(_ context.Context, address uint16) error {
	return m.record(call{kind: "key", address: address})
}

func (m *mockTransport) BindModel(_ context.Context, address, modelID, companyID uint16) error {
	return m.record(call{kind: "bind", address: address, model: modelID, company: companyID})
}

func (m *mockTransport) SetPublish(_ context.Context, address, modelID, companyID uint16, pub PublishParams) error {
	return m.record(call{kind: "publish", address: address, model: modelID, company: companyID, pub: pub})
}

func (m *mockTransport) SetSubscribe(_ context.Context, address, modelID, companyID, group uint16) error {
	return m.record(call{kind: "subscribe", address: address, model: modelID, company: companyID, group: group})
}

func (m *mockTransport) count(kind string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.kind == kind {
			n++
		}
	}
	return n
}

func (m *mockTransport) last() call {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.calls) == 0 {
		return call{}
	}
	return m.calls[len(m.calls)-1]
}

type fixture struct {
	p         *Provisioner
	registry  *node.Registry
	transport *mockTransport
	ready     []*node.Node
	joined    []*node.Node
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{transport: &mockTransport{}}
	if opts.Registry == nil {
		opts.Registry = node.NewRegistry(node.RegistryOptions{})
	}
	f.registry = opts.Registry
	opts.Transport = f.transport
	opts.OnReady = func(n *node.Node) { f.ready = append(f.ready, n) }
	opts.OnProvisioned = func(n *node.Node) { f.joined = append(f.joined, n) }

	p, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	f.p = p
	return f
}

func testUUID(b byte) uuid.UUID {
	var id uuid.UUID
	id[0] = 0xDD
	id[15] = b
	return id
}

// join provisions a node and delivers its composition and key ack.
func (f *fixture) join(t *testing.T, address uint16, raw []byte) {
	t.Helper()
	ctx := context.Background()
	if err := f.p.HandleProvisioned(ctx, testUUID(byte(address)), address, 1); err != nil {
		t.Fatalf("HandleProvisioned() error = %v", err)
	}
	if err := f.p.HandleComposition(ctx, address, raw); err != nil {
		t.Fatalf("HandleComposition() error = %v", err)
	}
	if err := f.p.HandleKeyAdded(ctx, address, StatusSuccess); err != nil {
		t.Fatalf("HandleKeyAdded() error = %v", err)
	}
}

// drive acknowledges the last outstanding request until the node is Ready.
func (f *fixture) drive(t *testing.T, address uint16, status func(c call) uint8) {
	t.Helper()
	ctx := context.Background()

	for i := 0; i < 64; i++ {
		n, err := f.registry.GetByAddress(address)
		if err != nil {
			t.Fatalf("GetByAddress() error = %v", err)
		}
		if n.IsReady() {
			return
		}

		c := f.transport.last()
		st := StatusSuccess
		if status != nil {
			st = status(c)
		}

		switch c.kind {
		case "bind":
			err = f.p.HandleBindAck(ctx, address, c.model, c.company, st)
		case "publish":
			err = f.p.HandlePublishAck(ctx, address, c.model, c.company, st)
		case "subscribe":
			err = f.p.HandleSubscribeAck(ctx, address, c.model, c.company, st)
		default:
			t.Fatalf("node stalled in %v after %q request", n.Phase, c.kind)
		}
		if err != nil {
			t.Fatalf("%s ack error = %v", c.kind, err)
		}
	}
	t.Fatal("node did not reach Ready")
}

func (f *fixture) node(t *testing.T, address uint16) *node.Node {
	t.Helper()
	n, err := f.registry.GetByAddress(address)
	if err != nil {
		t.Fatalf("GetByAddress(%#x) error = %v", address, err)
	}
	return n
}

// sensorNode declares an on/off server, a sensor client and the vendor IMU server.
func sensorNode() []byte {
	return BuildComposition(0x0001, 0x0001, Element{
		SIG:    []uint16{ModelGenericOnOffServer, ModelSensorClient},
		Vendor: [][2]uint16{{VendorCompanyID, VendorModelServer}},
	})
}

// ============================================================================
// Constructor
// ============================================================================

func TestNew_Validation(t *testing.T) {
	reg := node.NewRegistry(node.RegistryOptions{})

	if _, err := New(Options{Transport: &mockTransport{}}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("New(no registry) error = %v, want ErrInvalidArgument", err)
	}
	if _, err := New(Options{Registry: reg}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("New(no transport) error = %v, want ErrInvalidArgument", err)
	}

	p, err := New(Options{Registry: reg, Transport: &mockTransport{}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if p.publish.Destination != DefaultPublishAddress || p.publish.TTL != DefaultPublishTTL {
		t.Errorf("publish defaults = %+v", p.publish)
	}
	if p.subscribe != DefaultSubscribeAddress {
		t.Errorf("subscribe default = %#x, want %#x", p.subscribe, DefaultSubscribeAddress)
	}
}

// ============================================================================
// End-to-end sequence
// ============================================================================

func TestAutoConfig_EndToEnd(t *testing.T) {
	f := newFixture(t, Options{})
	const addr = 0x0010

	f.join(t, addr, sensorNode())
	f.drive(t, addr, nil)

	counts := map[string]int{
		"composition": 1,
		"key":         1,
		"bind":        3,
		"publish":     2,
		"subscribe":   1,
	}
	for kind, want := range counts {
		if got := f.transport.count(kind); got != want {
			t.Errorf("%s requests = %d, want %d", kind, got, want)
		}
	}

	if len(f.ready) != 1 {
		t.Fatalf("ready events = %d, want 1", len(f.ready))
	}
	if len(f.joined) != 1 {
		t.Errorf("provisioned events = %d, want 1", len(f.joined))
	}

	n := f.node(t, addr)
	if n.Phase != node.PhaseReady {
		t.Errorf("Phase = %v, want ready", n.Phase)
	}
	if n.NextBind != 3 || n.NextPublish != 3 || n.NextSubscribe != 3 {
		t.Errorf("cursors = %d/%d/%d, want 3/3/3", n.NextBind, n.NextPublish, n.NextSubscribe)
	}
	for i, m := range n.Models {
		if !m.Bound || !m.Published || !m.Subscribed {
			t.Errorf("Models[%d] %s flags = %v/%v/%v, want all set", i, m, m.Bound, m.Published, m.Subscribed)
		}
	}

	stats := f.p.Stats()
	if stats.Ready != 1 || stats.Abandoned != 0 {
		t.Errorf("Stats() = %+v", stats)
	}
}

func TestAutoConfig_RequestTargets(t *testing.T) {
	f := newFixture(t, Options{PublishAddress: 0x0001, PublishTTL: 5, SubscribeAddress: 0xC123})
	const addr = 0x0020

	f.join(t, addr, sensorNode())
	f.drive(t, addr, nil)

	for _, c := range f.transport.calls {
		if c.address != addr {
			t.Errorf("%s request address = %#x, want %#x", c.kind, c.address, addr)
		}
		switch c.kind {
		case "publish":
			if c.pub.Destination != 0x0001 || c.pub.TTL != 5 || c.pub.Period != 0 {
				t.Errorf("publish params = %+v, want dst 0x0001 ttl 5 period 0", c.pub)
			}
			if !IsPublishEligible(c.model, c.company) {
				t.Errorf("publish sent to ineligible model %#x/%#x", c.company, c.model)
			}
		case "subscribe":
			if c.group != 0xC123 {
				t.Errorf("subscribe group = %#x, want 0xC123", c.group)
			}
			if c.model != ModelSensorClient || c.company != node.CompanyStandard {
				t.Errorf("subscribe model = %#x/%#x, want sensor client", c.company, c.model)
			}
		}
	}
}

func TestAutoConfig_ConfigModelsNeverBound(t *testing.T) {
	f := newFixture(t, Options{})
	const addr = 0x0010

	raw := BuildComposition(0, 0, Element{
		SIG: []uint16{ModelConfigServer, ModelConfigClient, ModelGenericOnOffServer},
	})
	f.join(t, addr, raw)
	f.drive(t, addr, nil)

	for _, c := range f.transport.calls {
		if c.kind == "bind" && IsBindExempt(c.model, c.company) {
			t.Errorf("bind request issued for configuration model %#x", c.model)
		}
	}
	if got := f.transport.count("bind"); got != 1 {
		t.Errorf("bind requests = %d, want 1", got)
	}

	n := f.node(t, addr)
	if !n.Models[0].Bound || !n.Models[1].Bound {
		t.Error("configuration models not pre-marked bound")
	}
}

func TestAutoConfig_NoModels(t *testing.T) {
	f := newFixture(t, Options{})
	const addr = 0x0010

	f.join(t, addr, make([]byte, 4))

	n := f.node(t, addr)
	if n.Phase != node.PhaseReady {
		t.Errorf("Phase = %v, want ready", n.Phase)
	}
	if !n.CompositionReceived || !n.KeyAdded {
		t.Error("milestone flags not set")
	}
	if len(f.ready) != 1 {
		t.Errorf("ready events = %d, want 1", len(f.ready))
	}
	if got := f.transport.count("bind") + f.transport.count("publish") + f.transport.count("subscribe"); got != 0 {
		t.Errorf("model requests = %d, want 0", got)
	}
}

// ============================================================================
// Failure policy
// ============================================================================

func TestAutoConfig_RequestFailureAbandonsModel(t *testing.T) {
	f := newFixture(t, Options{})
	f.transport.failOn = func(c call) error {
		if c.kind == "bind" && c.model == ModelGenericOnOffServer {
			return errors.New("radio busy")
		}
		return nil
	}
	const addr = 0x0010

	f.join(t, addr, sensorNode())
	f.drive(t, addr, nil)

	n := f.node(t, addr)
	if n.Phase != node.PhaseReady {
		t.Fatalf("Phase = %v, want ready", n.Phase)
	}
	if n.Models[0].Bound {
		t.Error("abandoned model marked bound")
	}
	if !n.Models[1].Bound || !n.Models[2].Bound {
		t.Error("later models not bound")
	}
	if got := f.transport.count("bind"); got != 3 {
		t.Errorf("bind requests = %d, want 3 (one failed)", got)
	}
	if got := f.p.Stats().Abandoned; got != 1 {
		t.Errorf("Stats().Abandoned = %d, want 1", got)
	}
}

func TestAutoConfig_AllRequestsFail(t *testing.T) {
	f := newFixture(t, Options{})
	f.transport.failOn = func(c call) error {
		switch c.kind {
		case "bind", "publish", "subscribe":
			return errors.New("not connected")
		}
		return nil
	}
	const addr = 0x0010

	f.join(t, addr, sensorNode())

	n := f.node(t, addr)
	if n.Phase != node.PhaseReady {
		t.Fatalf("Phase = %v, want ready", n.Phase)
	}
	if len(f.ready) != 1 {
		t.Errorf("ready events = %d, want 1", len(f.ready))
	}
	if got := f.p.Stats().Abandoned; got != 6 {
		t.Errorf("Stats().Abandoned = %d, want 6", got)
	}
}

func TestAutoConfig_FailureStatusAbandonsModel(t *testing.T) {
	f := newFixture(t, Options{})
	const addr = 0x0010

	f.join(t, addr, sensorNode())
	f.drive(t, addr, func(c call) uint8 {
		if c.kind == "publish" && c.company == VendorCompanyID {
			return 0x02
		}
		return StatusSuccess
	})

	n := f.node(t, addr)
	if n.Models[2].Published {
		t.Error("rejected publication marked configured")
	}
	if !n.Models[0].Published {
		t.Error("accepted publication not marked configured")
	}
	if n.NextPublish != 3 {
		t.Errorf("NextPublish = %d, want 3", n.NextPublish)
	}
	if len(f.ready) != 1 {
		t.Errorf("ready events = %d, want 1", len(f.ready))
	}
}

func TestHandleKeyAdded_FailureStatus(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	const addr = 0x0010

	if err := f.p.HandleProvisioned(ctx, testUUID(1), addr, 1); err != nil {
		t.Fatalf("HandleProvisioned() error = %v", err)
	}
	if err := f.p.HandleComposition(ctx, addr, sensorNode()); err != nil {
		t.Fatalf("HandleComposition() error = %v", err)
	}
	if err := f.p.HandleKeyAdded(ctx, addr, 0x05); err != nil {
		t.Fatalf("HandleKeyAdded() error = %v", err)
	}

	n := f.node(t, addr)
	if n.Phase != node.PhaseKeyPending || n.KeyAdded {
		t.Errorf("after rejected key: phase %v key_added %v, want key_pending false", n.Phase, n.KeyAdded)
	}
	if got := f.transport.count("bind"); got != 0 {
		t.Errorf("bind requests = %d, want 0", got)
	}
}

func TestHandleProvisioned_CompositionRequestFails(t *testing.T) {
	f := newFixture(t, Options{})
	f.transport.failOn = func(c call) error {
		if c.kind == "composition" {
			return errors.New("link down")
		}
		return nil
	}

	if err := f.p.HandleProvisioned(context.Background(), testUUID(1), 0x0010, 1); err != nil {
		t.Fatalf("HandleProvisioned() error = %v", err)
	}
	if n := f.node(t, 0x0010); n.Phase != node.PhaseCompositionRequested {
		t.Errorf("Phase = %v, want composition_requested", n.Phase)
	}
}

// ============================================================================
// Rejected events
// ============================================================================

func TestAcks_Rejected(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	const addr = 0x0010

	if err := f.p.HandleProvisioned(ctx, testUUID(1), addr, 1); err != nil {
		t.Fatalf("HandleProvisioned() error = %v", err)
	}

	// Still waiting for composition.
	if err := f.p.HandleKeyAdded(ctx, addr, StatusSuccess); !errors.Is(err, ErrUnexpectedPhase) {
		t.Errorf("HandleKeyAdded(early) error = %v, want ErrUnexpectedPhase", err)
	}
	if err := f.p.HandleBindAck(ctx, addr, 0x1000, node.CompanyStandard, 0); !errors.Is(err, ErrUnexpectedPhase) {
		t.Errorf("HandleBindAck(early) error = %v, want ErrUnexpectedPhase", err)
	}

	if err := f.p.HandleComposition(ctx, addr, sensorNode()); err != nil {
		t.Fatalf("HandleComposition() error = %v", err)
	}
	if err := f.p.HandleComposition(ctx, addr, sensorNode()); !errors.Is(err, ErrUnexpectedPhase) {
		t.Errorf("HandleComposition(twice) error = %v, want ErrUnexpectedPhase", err)
	}
	if err := f.p.HandleKeyAdded(ctx, addr, StatusSuccess); err != nil {
		t.Fatalf("HandleKeyAdded() error = %v", err)
	}

	// Binding is waiting on the on/off server.
	tests := []struct {
		name    string
		model   uint16
		company uint16
		handler func(ctx context.Context, address, modelID, companyID uint16, status uint8) error
		want    error
	}{
		{"unknown model", 0x1300, node.CompanyStandard, f.p.HandleBindAck, ErrUnknownModel},
		{"not awaited", ModelSensorClient, node.CompanyStandard, f.p.HandleBindAck, ErrUnexpectedAck},
		{"wrong company", ModelGenericOnOffServer, VendorCompanyID, f.p.HandleBindAck, ErrUnknownModel},
		{"publish during binding", ModelGenericOnOffServer, node.CompanyStandard, f.p.HandlePublishAck, ErrUnexpectedPhase},
		{"subscribe during binding", ModelSensorClient, node.CompanyStandard, f.p.HandleSubscribeAck, ErrUnexpectedPhase},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.handler(ctx, addr, tt.model, tt.company, 0); !errors.Is(err, tt.want) {
				t.Errorf("ack error = %v, want %v", err, tt.want)
			}
		})
	}

	n := f.node(t, addr)
	if n.NextBind != 0 || n.Models[0].Bound {
		t.Errorf("rejected acks changed the node: next_bind %d bound %v", n.NextBind, n.Models[0].Bound)
	}
	if got := f.transport.count("bind"); got != 1 {
		t.Errorf("bind requests = %d, want 1", got)
	}
}

func TestEvents_UnknownAddress(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	checks := map[string]error{
		"composition": f.p.HandleComposition(ctx, 0x0042, sensorNode()),
		"key":         f.p.HandleKeyAdded(ctx, 0x0042, 0),
		"bind":        f.p.HandleBindAck(ctx, 0x0042, 0x1000, node.CompanyStandard, 0),
		"publish":     f.p.HandlePublishAck(ctx, 0x0042, 0x1000, node.CompanyStandard, 0),
		"subscribe":   f.p.HandleSubscribeAck(ctx, 0x0042, 0x1102, node.CompanyStandard, 0),
		"onoff":       f.p.HandleOnOff(ctx, 0x0042, true),
		"timeout":     f.p.HandleRequestTimeout(0x0042, 0x8008),
	}
	for name, err := range checks {
		if !errors.Is(err, node.ErrNotFound) {
			t.Errorf("%s error = %v, want node.ErrNotFound", name, err)
		}
	}
	if got := f.p.Stats().IgnoredEvent; got != uint64(len(checks)) {
		t.Errorf("Stats().IgnoredEvent = %d, want %d", got, len(checks))
	}
}

// ============================================================================
// Provisioning and node state
// ============================================================================

func TestHandleProvisioned_ResetsProgress(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	const addr = 0x0010

	f.join(t, addr, sensorNode())
	f.drive(t, addr, nil)

	// The same device comes back at a new address after a factory reset.
	if err := f.p.HandleProvisioned(ctx, testUUID(byte(addr)), 0x0011, 2); err != nil {
		t.Fatalf("HandleProvisioned(again) error = %v", err)
	}

	if got := f.registry.Count(); got != 1 {
		t.Errorf("Count() = %d, want 1", got)
	}
	n := f.node(t, 0x0011)
	if n.Phase != node.PhaseCompositionRequested {
		t.Errorf("Phase = %v, want composition_requested", n.Phase)
	}
	if len(n.Models) != 0 || n.NextBind != 0 || n.CompositionReceived || n.KeyAdded {
		t.Errorf("progress not reset: %+v", n)
	}
	if n.ElementCount != 2 {
		t.Errorf("ElementCount = %d, want 2", n.ElementCount)
	}
	if got := f.transport.count("composition"); got != 2 {
		t.Errorf("composition requests = %d, want 2", got)
	}
}

func TestHandleProvisioned_Errors(t *testing.T) {
	f := newFixture(t, Options{Registry: node.NewRegistry(node.RegistryOptions{Capacity: 1})})
	ctx := context.Background()

	if err := f.p.HandleProvisioned(ctx, testUUID(1), 0x0010, 1); err != nil {
		t.Fatalf("HandleProvisioned() error = %v", err)
	}
	if err := f.p.HandleProvisioned(ctx, testUUID(2), 0x0011, 1); !errors.Is(err, node.ErrCapacity) {
		t.Errorf("HandleProvisioned(full) error = %v, want node.ErrCapacity", err)
	}
	if err := f.p.HandleProvisioned(ctx, uuid.Nil, 0x0012, 1); !errors.Is(err, node.ErrInvalidArgument) {
		t.Errorf("HandleProvisioned(nil uuid) error = %v, want node.ErrInvalidArgument", err)
	}
	if err := f.p.HandleProvisioned(ctx, testUUID(1), 0xC000, 1); !errors.Is(err, node.ErrInvalidArgument) {
		t.Errorf("HandleProvisioned(group address) error = %v, want node.ErrInvalidArgument", err)
	}

	// The known node keeps working.
	if err := f.p.HandleComposition(ctx, 0x0010, sensorNode()); err != nil {
		t.Errorf("HandleComposition(known) error = %v", err)
	}
}

func TestHandleComposition_TruncatesModels(t *testing.T) {
	f := newFixture(t, Options{Registry: node.NewRegistry(node.RegistryOptions{MaxModels: 2})})
	const addr = 0x0010

	f.join(t, addr, sensorNode())

	if n := f.node(t, addr); len(n.Models) != 2 {
		t.Errorf("Models len = %d, want 2", len(n.Models))
	}
}

func TestHandleOnOff(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	const addr = 0x0010

	if err := f.p.HandleProvisioned(ctx, testUUID(1), addr, 1); err != nil {
		t.Fatalf("HandleProvisioned() error = %v", err)
	}
	if err := f.p.HandleOnOff(ctx, addr, true); err != nil {
		t.Fatalf("HandleOnOff() error = %v", err)
	}
	if n := f.node(t, addr); !n.OnOff {
		t.Error("OnOff = false, want true")
	}
	if n := f.node(t, addr); n.Phase != node.PhaseCompositionRequested {
		t.Errorf("HandleOnOff changed phase to %v", n.Phase)
	}
}

func TestIndependentNodes(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	for _, addr := range []uint16{0x0010, 0x0020} {
		if err := f.p.HandleProvisioned(ctx, testUUID(byte(addr)), addr, 1); err != nil {
			t.Fatalf("HandleProvisioned(%#x) error = %v", addr, err)
		}
		if err := f.p.HandleComposition(ctx, addr, sensorNode()); err != nil {
			t.Fatalf("HandleComposition(%#x) error = %v", addr, err)
		}
	}

	// Only the first node gets its key; the second must not move.
	if err := f.p.HandleKeyAdded(ctx, 0x0010, StatusSuccess); err != nil {
		t.Fatalf("HandleKeyAdded() error = %v", err)
	}
	f.drive(t, 0x0010, nil)

	if n := f.node(t, 0x0020); n.Phase != node.PhaseKeyPending {
		t.Errorf("second node phase = %v, want key_pending", n.Phase)
	}
	if f.registry.ReadyCount() != 1 {
		t.Errorf("ReadyCount() = %d, want 1", f.registry.ReadyCount())
	}
}

func TestPersistsThroughRepository(t *testing.T) {
	repo := &countingRepository{}
	f := newFixture(t, Options{Registry: node.NewRegistry(node.RegistryOptions{Repository: repo})})
	const addr = 0x0010

	f.join(t, addr, sensorNode())
	f.drive(t, addr, nil)

	if repo.last == nil || repo.last.Phase != node.PhaseReady {
		t.Errorf("last saved snapshot = %+v, want ready node", repo.last)
	}
}

type countingRepository struct {
	mu    sync.Mutex
	saves int
	last  *node.Node
}

func (r *countingRepository) Save(_ context.Context, n *node.Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saves++
	r.last = n.DeepCopy()
	return nil
}

func (r *countingRepository) Get(_ context.Context, _ uuid.UUID) (*node.Node, error) {
	return nil, node.ErrNotFound
}

func (r *countingRepository) List(_ context.Context) ([]*node.Node, error) {
	return nil, nil
}
