package node

import "errors"

// Domain errors for the node package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, node.ErrCapacity) {
//	    // registry is full; already-known nodes keep working
//	}
var (
	// ErrInvalidArgument is returned for a nil node, a nil UUID or an address
	// that cannot belong to a node.
	ErrInvalidArgument = errors.New("node: invalid argument")

	// ErrCapacity is returned when a new identifier is added to a full registry.
	ErrCapacity = errors.New("node: registry full")

	// ErrNotFound is returned when no node has the given address or identifier.
	ErrNotFound = errors.New("node: not found")

	// ErrInvalidNode is returned when a node breaks a structural invariant
	// (cursor past the model list, too many models).
	ErrInvalidNode = errors.New("node: invalid")
)
