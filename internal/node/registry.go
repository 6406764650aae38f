package node

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Registry defaults.
const (
	DefaultCapacity  = 10
	DefaultMaxModels = 16
)

// Logger defines the logging interface used by the Registry.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	// Capacity bounds the number of distinct nodes (default 10).
	Capacity int

	// MaxModels bounds the model list of each node (default 16).
	MaxModels int

	// Repository, when set, receives a snapshot after every mutation.
	Repository Repository

	Logger Logger
}

// Registry is the bounded store of known nodes.
//
// Entries are kept in insertion order and looked up by linear scan; the
// capacity is small enough that an index would not pay for itself. No two
// entries share a UUID or an address. Nodes are never removed while the
// process runs.
//
// When a Repository is installed every mutation writes through. A failed
// write is logged and the in-memory entry stays authoritative.
//
// All public methods are thread-safe and return deep copies.
type Registry struct {
	mu        sync.RWMutex
	nodes     []*Node
	capacity  int
	maxModels int
	repo      Repository
	logger    Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(opts RegistryOptions) *Registry {
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	maxModels := opts.MaxModels
	if maxModels <= 0 {
		maxModels = DefaultMaxModels
	}
	var logger Logger = noopLogger{}
	if opts.Logger != nil {
		logger = opts.Logger
	}

	return &Registry{
		nodes:     make([]*Node, 0, capacity),
		capacity:  capacity,
		maxModels: maxModels,
		repo:      opts.Repository,
		logger:    logger,
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if logger == nil {
		logger = noopLogger{}
	}
	r.logger = logger
}

// Capacity returns the maximum number of nodes.
func (r *Registry) Capacity() int {
	return r.capacity
}

// MaxModels returns the per-node model bound.
func (r *Registry) MaxModels() int {
	return r.maxModels
}

// Init clears all in-memory state. Persisted snapshots are left alone.
func (r *Registry) Init() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes = make([]*Node, 0, r.capacity)
}

// Load replaces the in-memory contents with the repository's snapshots.
//
// Snapshots beyond capacity, or ones that fail validation, are skipped
// with a warning. Without a repository Load is a no-op.
func (r *Registry) Load(ctx context.Context) error {
	if r.repo == nil {
		return nil
	}

	stored, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading nodes: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.nodes = make([]*Node, 0, r.capacity)
	for _, n := range stored {
		if len(r.nodes) >= r.capacity {
			r.logger.Warn("stored node skipped, registry full",
				"uuid", n.UUID, "address", n.AddressString())
			continue
		}
		if err := n.Validate(r.maxModels); err != nil {
			r.logger.Warn("stored node skipped", "uuid", n.UUID, "error", err)
			continue
		}
		if r.indexByAddress(n.Address) >= 0 || r.indexByUUID(n.UUID) >= 0 {
			r.logger.Warn("stored node skipped, duplicate", "uuid", n.UUID, "address", n.AddressString())
			continue
		}
		r.nodes = append(r.nodes, n.DeepCopy())
	}

	r.logger.Info("node registry loaded", "count", len(r.nodes))
	return nil
}

// AddOrUpdate records a node that finished provisioning.
//
// If the UUID is already known its address, element count and on/off
// state are overwritten in place and Count is unchanged. Otherwise a new
// entry is appended in PhaseCompositionRequested.
//
// Returns:
//   - *Node: copy of the stored entry
//   - error: ErrInvalidArgument (nil UUID, non-unicast address, address
//     held by another UUID) or ErrCapacity
func (r *Registry) AddOrUpdate(ctx context.Context, id uuid.UUID, address uint16, elements uint8, onoff bool) (*Node, error) {
	if id == uuid.Nil {
		return nil, fmt.Errorf("%w: uuid is required", ErrInvalidArgument)
	}
	if !IsUnicast(address) {
		return nil, fmt.Errorf("%w: address 0x%04x is not unicast", ErrInvalidArgument, address)
	}

	r.mu.Lock()

	if i := r.indexByAddress(address); i >= 0 && r.nodes[i].UUID != id {
		holder := r.nodes[i].UUID
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: address 0x%04x already assigned to %s", ErrInvalidArgument, address, holder)
	}

	now := time.Now().UTC()
	var stored *Node
	if i := r.indexByUUID(id); i >= 0 {
		stored = r.nodes[i]
		stored.Address = address
		stored.ElementCount = elements
		stored.OnOff = onoff
		stored.UpdatedAt = now
	} else {
		if len(r.nodes) >= r.capacity {
			r.mu.Unlock()
			return nil, fmt.Errorf("%w: capacity %d reached", ErrCapacity, r.capacity)
		}
		stored = &Node{
			UUID:         id,
			Address:      address,
			ElementCount: elements,
			OnOff:        onoff,
			Phase:        PhaseCompositionRequested,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		r.nodes = append(r.nodes, stored)
	}
	snapshot := stored.DeepCopy()
	r.mu.Unlock()

	r.persist(ctx, snapshot)
	return snapshot.DeepCopy(), nil
}

// GetByAddress returns a copy of the node with the given address.
func (r *Registry) GetByAddress(address uint16) (*Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if i := r.indexByAddress(address); i >= 0 {
		return r.nodes[i].DeepCopy(), nil
	}
	return nil, fmt.Errorf("%w: address 0x%04x", ErrNotFound, address)
}

// GetByUUID returns a copy of the node with the given identifier.
func (r *Registry) GetByUUID(id uuid.UUID) (*Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if i := r.indexByUUID(id); i >= 0 {
		return r.nodes[i].DeepCopy(), nil
	}
	return nil, fmt.Errorf("%w: uuid %s", ErrNotFound, id)
}

// Update replaces the full entry stored under address.
//
// The replacement must keep the stored UUID and address and pass
// Validate. The caller's node is copied; later changes to it have no
// effect on the registry.
func (r *Registry) Update(ctx context.Context, address uint16, n *Node) error {
	if n == nil {
		return fmt.Errorf("%w: nil node", ErrInvalidArgument)
	}
	if n.Address != address {
		return fmt.Errorf("%w: node address 0x%04x does not match 0x%04x", ErrInvalidArgument, n.Address, address)
	}
	if err := n.Validate(r.maxModels); err != nil {
		return err
	}

	r.mu.Lock()
	i := r.indexByAddress(address)
	if i < 0 {
		r.mu.Unlock()
		return fmt.Errorf("%w: address 0x%04x", ErrNotFound, address)
	}
	if r.nodes[i].UUID != n.UUID {
		r.mu.Unlock()
		return fmt.Errorf("%w: uuid %s does not own address 0x%04x", ErrInvalidArgument, n.UUID, address)
	}

	replacement := n.DeepCopy()
	replacement.CreatedAt = r.nodes[i].CreatedAt
	replacement.UpdatedAt = time.Now().UTC()
	r.nodes[i] = replacement
	snapshot := replacement.DeepCopy()
	r.mu.Unlock()

	r.persist(ctx, snapshot)
	return nil
}

// Count returns the number of known nodes.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// ReadyCount returns the number of nodes in PhaseReady.
func (r *Registry) ReadyCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ready := 0
	for _, n := range r.nodes {
		if n.IsReady() {
			ready++
		}
	}
	return ready
}

// List returns copies of every node in insertion order.
func (r *Registry) List() []*Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Node, len(r.nodes))
	for i, n := range r.nodes {
		out[i] = n.DeepCopy()
	}
	return out
}

// persist writes a snapshot through to the repository, if any.
func (r *Registry) persist(ctx context.Context, n *Node) {
	if r.repo == nil {
		return
	}
	if err := r.repo.Save(ctx, n); err != nil {
		r.mu.RLock()
		logger := r.logger
		r.mu.RUnlock()
		logger.Error("persisting node failed", "address", n.AddressString(), "error", err)
	}
}

// indexByAddress must be called with mu held.
func (r *Registry) indexByAddress(address uint16) int {
	for i, n := range r.nodes {
		if n.Address == address {
			return i
		}
	}
	return -1
}

// indexByUUID must be called with mu held.
func (r *Registry) indexByUUID(id uuid.UUID) int {
	for i, n := range r.nodes {
		if n.UUID == id {
			return i
		}
	}
	return -1
}
