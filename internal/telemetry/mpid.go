package telemetry

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MPIDFormat selects the marshalled property ID header layout.
type MPIDFormat int

// MPID header formats, chosen by bit 0 of the first byte.
const (
	// FormatA is the 2-byte header: 4-bit length code, 11-bit property ID.
	FormatA MPIDFormat = iota
	// FormatB is the 3-byte header: 7-bit length code, 16-bit property ID.
	FormatB
)

// String returns "A" or "B".
func (f MPIDFormat) String() string {
	if f == FormatB {
		return "B"
	}
	return "A"
}

const (
	formatAHeaderSize = 2
	formatBHeaderSize = 3

	formatAVariable = 0x0F
	formatBVariable = 0x7F
)

// MPIDHeader is a decoded marshalled property ID.
type MPIDHeader struct {
	Format     MPIDFormat `json:"format"`
	PropertyID uint16     `json:"property_id"`

	// Length is the number of value bytes following the header.
	// Zero when Variable is set.
	Length int `json:"length"`

	// Variable marks the reserved "length carried in the data" code.
	Variable bool `json:"variable"`

	// HeaderSize is 2 for Format A and 3 for Format B.
	HeaderSize int `json:"header_size"`
}

// DecodeMPID decodes the header at the start of buf.
//
// Format A (bit 0 = 0), uint16 LE:
//
//	bit 0     format
//	bits 1-4  length code: 0-14 ⇒ length code+1, 15 ⇒ variable
//	bits 5-15 property ID
//
// Format B (bit 0 = 1):
//
//	byte 0    bit 0 format, bits 1-7 length code: 0-126 ⇒ length, 127 ⇒ variable
//	bytes 1-2 property ID, uint16 LE
//
// A variable-length header is returned together with ErrVariableLength.
func DecodeMPID(buf []byte) (MPIDHeader, error) {
	if len(buf) == 0 {
		return MPIDHeader{}, fmt.Errorf("%w: empty mpid header", ErrMalformed)
	}

	if buf[0]&0x01 == 0 {
		if len(buf) < formatAHeaderSize {
			return MPIDHeader{}, fmt.Errorf("%w: format A header needs %d bytes, have %d",
				ErrMalformed, formatAHeaderSize, len(buf))
		}
		mpid := binary.LittleEndian.Uint16(buf)
		code := int((mpid >> 1) & 0x0F)
		h := MPIDHeader{
			Format:     FormatA,
			PropertyID: (mpid >> 5) & 0x07FF,
			HeaderSize: formatAHeaderSize,
		}
		if code == formatAVariable {
			h.Variable = true
			return h, fmt.Errorf("%w: property 0x%04x", ErrVariableLength, h.PropertyID)
		}
		h.Length = code + 1
		return h, nil
	}

	if len(buf) < formatBHeaderSize {
		return MPIDHeader{}, fmt.Errorf("%w: format B header needs %d bytes, have %d",
			ErrMalformed, formatBHeaderSize, len(buf))
	}
	code := int((buf[0] >> 1) & 0x7F)
	h := MPIDHeader{
		Format:     FormatB,
		PropertyID: binary.LittleEndian.Uint16(buf[1:3]),
		HeaderSize: formatBHeaderSize,
	}
	if code == formatBVariable {
		h.Variable = true
		return h, fmt.Errorf("%w: property 0x%04x", ErrVariableLength, h.PropertyID)
	}
	h.Length = code
	return h, nil
}

// EncodeMPID builds a header for propertyID and a value of length bytes.
// Format A is used when both fit; otherwise Format B.
func EncodeMPID(propertyID uint16, length int) ([]byte, error) {
	switch {
	case length >= 1 && length <= 15 && propertyID <= 0x07FF:
		mpid := propertyID<<5 | uint16(length-1)<<1
		buf := make([]byte, formatAHeaderSize)
		binary.LittleEndian.PutUint16(buf, mpid)
		return buf, nil
	case length >= 0 && length < formatBVariable:
		buf := make([]byte, formatBHeaderSize)
		buf[0] = byte(length)<<1 | 0x01
		binary.LittleEndian.PutUint16(buf[1:], propertyID)
		return buf, nil
	default:
		return nil, fmt.Errorf("%w: length %d cannot be encoded", ErrUnsupportedLength, length)
	}
}

// SensorValue is one decoded (property, value) pair.
type SensorValue struct {
	PropertyID uint16 `json:"property_id"`
	Value      int32  `json:"value"`

	// Length is the value width in bytes (1, 2 or 4).
	Length int `json:"length"`
}

// DecodeRecord decodes one header plus value from the start of buf.
//
// The value is a signed little-endian integer of 1, 2 or 4 bytes.
// consumed is the number of bytes the record occupies, and is also set
// when err is ErrUnsupportedLength so a caller can step over the value.
func DecodeRecord(buf []byte) (value SensorValue, consumed int, err error) {
	h, err := DecodeMPID(buf)
	if err != nil {
		return SensorValue{}, 0, err
	}

	end := h.HeaderSize + h.Length
	if len(buf) < end {
		return SensorValue{}, 0, fmt.Errorf("%w: property 0x%04x needs %d value bytes, have %d",
			ErrMalformed, h.PropertyID, h.Length, len(buf)-h.HeaderSize)
	}

	raw := buf[h.HeaderSize:end]
	sv := SensorValue{PropertyID: h.PropertyID, Length: h.Length}

	switch h.Length {
	case 1:
		sv.Value = int32(int8(raw[0]))
	case 2:
		sv.Value = int32(int16(binary.LittleEndian.Uint16(raw)))
	case 4:
		sv.Value = int32(binary.LittleEndian.Uint32(raw))
	default:
		return SensorValue{}, end, fmt.Errorf("%w: property 0x%04x has %d bytes",
			ErrUnsupportedLength, h.PropertyID, h.Length)
	}

	return sv, end, nil
}

// SensorData is the result of walking a marshalled sensor status buffer.
type SensorData struct {
	Values []SensorValue `json:"values"`

	// Skipped lists headers whose value width was not 1, 2 or 4 bytes.
	Skipped []MPIDHeader `json:"skipped,omitempty"`
}

// DecodeSensorData decodes consecutive records from one sensor status.
//
// Every complete record before the first malformed or variable-length one
// is returned; err reports why decoding stopped early (nil when the buffer
// was consumed exactly). Unsupported widths are stepped over and listed
// in Skipped without stopping.
func DecodeSensorData(buf []byte) (SensorData, error) {
	var data SensorData

	for off := 0; off < len(buf); {
		sv, n, err := DecodeRecord(buf[off:])
		if errors.Is(err, ErrUnsupportedLength) {
			h, _ := DecodeMPID(buf[off:]) //nolint:errcheck // Already decoded by DecodeRecord
			data.Skipped = append(data.Skipped, h)
			off += n
			continue
		}
		if err != nil {
			return data, fmt.Errorf("record at offset %d: %w", off, err)
		}
		data.Values = append(data.Values, sv)
		off += n
	}

	return data, nil
}

// EncodeRecord builds a header plus a signed little-endian value of width bytes.
func EncodeRecord(propertyID uint16, value int32, width int) ([]byte, error) {
	header, err := EncodeMPID(propertyID, width)
	if err != nil {
		return nil, err
	}

	raw := make([]byte, width)
	switch width {
	case 1:
		raw[0] = byte(int8(value))
	case 2:
		binary.LittleEndian.PutUint16(raw, uint16(int16(value)))
	case 4:
		binary.LittleEndian.PutUint32(raw, uint32(value))
	default:
		return nil, fmt.Errorf("%w: width %d", ErrUnsupportedLength, width)
	}
	return append(header, raw...), nil
}
