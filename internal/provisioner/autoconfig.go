package provisioner

import (
	"context"
	"fmt"

	"github.com/nerrad567/gray-logic-mesh/internal/node"
)

// step describes one per-model configuration phase.
//
// Binding, publishing and subscribing differ only in which cursor and
// flag they move, which models qualify and which request they send.
type step struct {
	phase node.Phase
	next  node.Phase
	name  string

	cursor   func(n *node.Node) *int
	done     func(m *node.Model) *bool
	eligible func(modelID, companyID uint16) bool
	request  func(ctx context.Context, p *Provisioner, n *node.Node, m node.Model) error
}

var bindStep = &step{
	phase:  node.PhaseBinding,
	next:   node.PhasePublishing,
	name:   "bind",
	cursor: func(n *node.Node) *int { return &n.NextBind },
	done:   func(m *node.Model) *bool { return &m.Bound },
	eligible: func(modelID, companyID uint16) bool {
		return !IsBindExempt(modelID, companyID)
	},
	request: func(ctx context.Context, p *Provisioner, n *node.Node, m node.Model) error {
		return p.transport.BindModel(ctx, n.Address, m.ID, m.CompanyID)
	},
}

var publishStep = &step{
	phase:    node.PhasePublishing,
	next:     node.PhaseSubscribing,
	name:     "publish",
	cursor:   func(n *node.Node) *int { return &n.NextPublish },
	done:     func(m *node.Model) *bool { return &m.Published },
	eligible: IsPublishEligible,
	request: func(ctx context.Context, p *Provisioner, n *node.Node, m node.Model) error {
		return p.transport.SetPublish(ctx, n.Address, m.ID, m.CompanyID, p.publish)
	},
}

var subscribeStep = &step{
	phase:    node.PhaseSubscribing,
	next:     node.PhaseReady,
	name:     "subscribe",
	cursor:   func(n *node.Node) *int { return &n.NextSubscribe },
	done:     func(m *node.Model) *bool { return &m.Subscribed },
	eligible: IsSubscribeEligible,
	request: func(ctx context.Context, p *Provisioner, n *node.Node, m node.Model) error {
		return p.transport.SetSubscribe(ctx, n.Address, m.ID, m.CompanyID, p.subscribe)
	},
}

func stepFor(phase node.Phase) *step {
	switch phase {
	case node.PhaseBinding:
		return bindStep
	case node.PhasePublishing:
		return publishStep
	case node.PhaseSubscribing:
		return subscribeStep
	default:
		return nil
	}
}

// advance runs steps from the node's current phase until a request is
// outstanding or the node is Ready. It reports whether the node became
// Ready during this call. Must hold mu.
//
// Already-done models are skipped. Ineligible models are marked done
// without a request. A request that cannot be submitted abandons its
// model: the cursor moves on and the flag stays clear.
func (p *Provisioner) advance(ctx context.Context, n *node.Node) bool {
	for {
		s := stepFor(n.Phase)
		if s == nil {
			return false
		}

		cursor := s.cursor(n)
		for *cursor < len(n.Models) {
			m := &n.Models[*cursor]
			done := s.done(m)

			if *done {
				*cursor++
				continue
			}
			if !s.eligible(m.ID, m.CompanyID) {
				*done = true
				*cursor++
				continue
			}

			p.stats.Requests++
			err := s.request(ctx, p, n, *m)
			if err == nil {
				p.logger.Debug("configuration request sent",
					"address", n.AddressString(), "step", s.name, "model", m.String())
				return false
			}

			p.stats.Abandoned++
			p.logger.Warn("configuration request failed, model abandoned",
				"address", n.AddressString(), "step", s.name, "model", m.String(), "error", err)
			*cursor++
		}

		n.Phase = s.next
		p.logger.Info("node phase changed",
			"address", n.AddressString(), "phase", n.Phase.String())

		if n.Phase == node.PhaseReady {
			p.stats.Ready++
			return true
		}
	}
}

// advanceAndSave advances the node, stores it and fires OnReady. Must hold mu.
func (p *Provisioner) advanceAndSave(ctx context.Context, n *node.Node) error {
	ready := p.advance(ctx, n)

	if err := p.registry.Update(ctx, n.Address, n); err != nil {
		return err
	}

	if ready {
		p.logger.Info("node ready",
			"address", n.AddressString(), "uuid", n.UUID, "models", len(n.Models))
		if p.onReady != nil {
			p.onReady(n.DeepCopy())
		}
	}
	return nil
}

// handleAck applies an acknowledgement for the model at the step's cursor.
//
// A zero status sets the model's flag. Any other status abandons the
// model. Either way the cursor advances and the step resumes.
func (p *Provisioner) handleAck(ctx context.Context, s *step, address, modelID, companyID uint16, status uint8) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	n, err := p.lookup(address, s.phase)
	if err != nil {
		return err
	}

	cursor := s.cursor(n)
	if *cursor >= len(n.Models) || !n.Models[*cursor].Matches(modelID, companyID) {
		p.stats.IgnoredEvent++
		if n.FindModel(modelID, companyID) < 0 {
			return fmt.Errorf("%w: node 0x%04x has no model 0x%04x/0x%04x",
				ErrUnknownModel, address, companyID, modelID)
		}
		return fmt.Errorf("%w: %s ack for 0x%04x/0x%04x on node 0x%04x is not awaited",
			ErrUnexpectedAck, s.name, companyID, modelID, address)
	}

	m := &n.Models[*cursor]
	if status == StatusSuccess {
		*s.done(m) = true
		p.logger.Debug("configuration acknowledged",
			"address", n.AddressString(), "step", s.name, "model", m.String())
	} else {
		p.stats.Abandoned++
		p.logger.Warn("configuration rejected, model abandoned",
			"address", n.AddressString(), "step", s.name, "model", m.String(), "status", status)
	}
	*cursor++

	return p.advanceAndSave(ctx, n)
}
