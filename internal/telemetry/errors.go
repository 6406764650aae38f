package telemetry

import "errors"

// Decoding errors. A decode failure only affects the message being decoded.
var (
	// ErrMalformed is returned for a buffer that is too short, too long or
	// otherwise does not match the expected shape.
	ErrMalformed = errors.New("telemetry: malformed data")

	// ErrVariableLength is returned for an MPID header whose length code
	// marks a variable-length value, which is not decoded.
	ErrVariableLength = errors.New("telemetry: variable-length value not supported")

	// ErrUnsupportedLength is returned for a value whose width is not 1, 2 or 4 bytes.
	ErrUnsupportedLength = errors.New("telemetry: unsupported value length")
)
