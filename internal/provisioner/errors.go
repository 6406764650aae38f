package provisioner

import "errors"

// Domain errors for the provisioner package.
//
// Events rejected with ErrUnexpectedPhase, ErrUnexpectedAck or
// ErrUnknownModel leave the node untouched; callers log and move on.
var (
	// ErrInvalidArgument is returned for missing collaborators or an empty identifier.
	ErrInvalidArgument = errors.New("provisioner: invalid argument")

	// ErrUnknownModel is returned for an acknowledgement naming a model the node does not have.
	ErrUnknownModel = errors.New("provisioner: unknown model")

	// ErrUnexpectedPhase is returned for an event that does not belong to the node's current phase.
	ErrUnexpectedPhase = errors.New("provisioner: unexpected phase")

	// ErrUnexpectedAck is returned for an acknowledgement for a known model
	// that is not the one currently awaited.
	ErrUnexpectedAck = errors.New("provisioner: unexpected acknowledgement")
)
