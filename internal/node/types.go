package node

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CompanyStandard is the company tag carried by standard (SIG) models.
const CompanyStandard uint16 = 0xFFFF

// Unicast address range for node elements.
const (
	minUnicastAddress uint16 = 0x0001
	maxUnicastAddress uint16 = 0x7FFF
)

// IsUnicast reports whether address lies in the unicast range.
func IsUnicast(address uint16) bool {
	return address >= minUnicastAddress && address <= maxUnicastAddress
}

// Phase is a node's position in the auto-configuration sequence.
//
// Phases only move forward:
//
//	CompositionRequested → KeyPending → Binding → Publishing → Subscribing → Ready
type Phase int

// Auto-configuration phases.
const (
	PhaseCompositionRequested Phase = iota
	PhaseKeyPending
	PhaseBinding
	PhasePublishing
	PhaseSubscribing
	PhaseReady
)

var phaseNames = map[Phase]string{
	PhaseCompositionRequested: "composition_requested",
	PhaseKeyPending:           "key_pending",
	PhaseBinding:              "binding",
	PhasePublishing:           "publishing",
	PhaseSubscribing:          "subscribing",
	PhaseReady:                "ready",
}

// String returns the snake_case name stored in the database and published on MQTT.
func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// ParsePhase converts a stored phase name back to a Phase.
func ParsePhase(s string) (Phase, error) {
	for p, name := range phaseNames {
		if name == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown phase %q", ErrInvalidArgument, s)
}

// Model is one declared capability unit on a node.
type Model struct {
	// ID is the 16-bit model identifier.
	ID uint16 `json:"id"`

	// CompanyID is CompanyStandard for SIG models, otherwise the vendor's company identifier.
	CompanyID uint16 `json:"company_id"`

	Vendor bool `json:"vendor"`

	// Completion flags, one per configuration phase.
	Bound      bool `json:"bound"`
	Published  bool `json:"published"`
	Subscribed bool `json:"subscribed"`
}

// Matches reports whether the model has the given id and company tag.
func (m Model) Matches(id, company uint16) bool {
	return m.ID == id && m.CompanyID == company
}

// String formats the model as "0x1000" (standard) or "0x0001:0x0000" (vendor).
func (m Model) String() string {
	if m.Vendor {
		return fmt.Sprintf("0x%04x:0x%04x", m.CompanyID, m.ID)
	}
	return fmt.Sprintf("0x%04x", m.ID)
}

// Node is a device joined to the mesh plus its configuration progress.
//
// The three cursors index Models and never decrease. A node is keyed by
// UUID for re-onboarding and by Address for every event after joining.
type Node struct {
	UUID         uuid.UUID `json:"uuid"`
	Address      uint16    `json:"address"`
	ElementCount uint8     `json:"element_count"`

	// OnOff is the last-known simple on/off state.
	OnOff bool `json:"onoff"`

	Models []Model `json:"models"`

	NextBind      int `json:"next_bind"`
	NextPublish   int `json:"next_publish"`
	NextSubscribe int `json:"next_subscribe"`

	CompositionReceived bool  `json:"composition_received"`
	KeyAdded            bool  `json:"key_added"`
	Phase               Phase `json:"phase"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeepCopy returns an independent copy; the model slice is cloned.
func (n *Node) DeepCopy() *Node {
	if n == nil {
		return nil
	}
	cpy := *n
	if n.Models != nil {
		cpy.Models = make([]Model, len(n.Models))
		copy(cpy.Models, n.Models)
	}
	return &cpy
}

// FindModel returns the index of the model with id and company, or -1.
func (n *Node) FindModel(id, company uint16) int {
	for i := range n.Models {
		if n.Models[i].Matches(id, company) {
			return i
		}
	}
	return -1
}

// IsReady reports whether auto-configuration has finished.
func (n *Node) IsReady() bool {
	return n.Phase == PhaseReady
}

// AddressString formats the address the way topics and payloads do ("0x0010").
func (n *Node) AddressString() string {
	return fmt.Sprintf("0x%04x", n.Address)
}

// Validate checks structural invariants: a real UUID, a unicast address,
// cursors within the model list and at most maxModels models
// (maxModels <= 0 disables the model bound).
func (n *Node) Validate(maxModels int) error {
	if n == nil {
		return fmt.Errorf("%w: nil node", ErrInvalidArgument)
	}
	if n.UUID == uuid.Nil {
		return fmt.Errorf("%w: uuid is required", ErrInvalidNode)
	}
	if !IsUnicast(n.Address) {
		return fmt.Errorf("%w: address 0x%04x is not unicast", ErrInvalidNode, n.Address)
	}
	if maxModels > 0 && len(n.Models) > maxModels {
		return fmt.Errorf("%w: %d models exceeds limit %d", ErrInvalidNode, len(n.Models), maxModels)
	}
	count := len(n.Models)
	for name, cursor := range map[string]int{
		"next_bind":      n.NextBind,
		"next_publish":   n.NextPublish,
		"next_subscribe": n.NextSubscribe,
	} {
		if cursor < 0 || cursor > count {
			return fmt.Errorf("%w: %s %d outside 0..%d", ErrInvalidNode, name, cursor, count)
		}
	}
	return nil
}
