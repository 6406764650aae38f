package mesh

import "errors"

// Domain errors for the mesh bridge package.
var (
	// ErrNotConnected is returned when an operation requires a connection
	// but the client is not connected to meshd.
	ErrNotConnected = errors.New("mesh: not connected to meshd")

	// ErrConnectionFailed is returned when the connection to meshd fails.
	ErrConnectionFailed = errors.New("mesh: connection to meshd failed")

	// ErrRequestFailed is returned when a configuration request cannot be
	// written to meshd.
	ErrRequestFailed = errors.New("mesh: request send failed")

	// ErrInvalidFrame is returned when a received frame or event payload is malformed.
	ErrInvalidFrame = errors.New("mesh: invalid frame")

	// ErrProtocolDesync is returned when a frame is too large to read safely.
	// The connection is dropped and re-established.
	ErrProtocolDesync = errors.New("mesh: protocol desync")

	// ErrInvalidArgument is returned for missing collaborators.
	ErrInvalidArgument = errors.New("mesh: invalid argument")
)
