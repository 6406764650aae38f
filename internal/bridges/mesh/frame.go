package mesh

import (
	"encoding/binary"
	"fmt"
)

// meshd frame types sent by the gateway.
const (
	// MsgOpenSession opens a provisioner session.
	// Payload: own_addr(2) net_idx(2) app_idx(2) match_len(1) match(n).
	// meshd echoes the frame type with an empty payload on success.
	MsgOpenSession uint16 = 0x0001

	// MsgCompositionGet requests composition data page 0.
	// Payload: addr(2) page(1).
	MsgCompositionGet uint16 = 0x0010

	// MsgAppKeyAdd sends the application key.
	// Payload: addr(2) net_idx(2) app_idx(2).
	MsgAppKeyAdd uint16 = 0x0011

	// MsgModelAppBind binds the application key to a model.
	// Payload: addr(2) app_idx(2) company(2) model(2).
	MsgModelAppBind uint16 = 0x0012

	// MsgModelPubSet writes a model publication.
	// Payload: addr(2) company(2) model(2) dst(2) app_idx(2) ttl(1) period(1) retransmit(1).
	MsgModelPubSet uint16 = 0x0013

	// MsgModelSubAdd adds a group to a model's subscription list.
	// Payload: addr(2) company(2) model(2) group(2).
	MsgModelSubAdd uint16 = 0x0014
)

// meshd frame types received by the gateway.
const (
	MsgProvisionComplete uint16 = 0x0080
	MsgCompositionStatus uint16 = 0x0081
	MsgAppKeyStatus      uint16 = 0x0082
	MsgModelAppStatus    uint16 = 0x0083
	MsgModelPubStatus    uint16 = 0x0084
	MsgModelSubStatus    uint16 = 0x0085
	MsgVendorMessage     uint16 = 0x0090
	MsgSensorStatus      uint16 = 0x0091
	MsgOnOffStatus       uint16 = 0x0092
	MsgRequestTimeout    uint16 = 0x00A0
)

// frameHeaderSize is size(2) + type(2).
const frameHeaderSize = 4

// maxFrameSize bounds a whole frame including the size field.
const maxFrameSize = 512

// EncodeFrame builds a complete meshd frame.
//
// Frame format:
//
//	Byte 0-1: Size of type + payload (big-endian, excludes the size field)
//	Byte 2-3: Frame type (big-endian)
//	Byte 4+:  Payload (mesh fields little-endian)
func EncodeFrame(msgType uint16, payload []byte) []byte {
	buf := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], uint16(2+len(payload))) //nolint:gosec // bounded by maxFrameSize
	binary.BigEndian.PutUint16(buf[2:4], msgType)
	copy(buf[4:], payload)
	return buf
}

// ParseFrame splits a complete frame into type and payload.
//
// Returns ErrInvalidFrame if the buffer is short or the size field disagrees
// with the buffer length.
func ParseFrame(data []byte) (msgType uint16, payload []byte, err error) {
	if len(data) < frameHeaderSize {
		return 0, nil, fmt.Errorf("%w: frame too short (%d bytes)", ErrInvalidFrame, len(data))
	}

	declared := binary.BigEndian.Uint16(data[0:2])
	if int(declared) != len(data)-2 {
		return 0, nil, fmt.Errorf("%w: size mismatch (declared %d, have %d)",
			ErrInvalidFrame, declared, len(data)-2)
	}

	msgType = binary.BigEndian.Uint16(data[2:4])
	if len(data) > frameHeaderSize {
		payload = data[frameHeaderSize:]
	}
	return msgType, payload, nil
}

// =============================================================================
// Request payloads
// =============================================================================

// SessionParams is the provisioner identity sent in MsgOpenSession.
type SessionParams struct {
	OwnAddress uint16
	NetIdx     uint16
	AppIdx     uint16

	// UUIDMatch limits provisioning to devices whose UUID starts with it.
	UUIDMatch []byte
}

func encodeOpenSession(p SessionParams) []byte {
	buf := make([]byte, 0, 7+len(p.UUIDMatch))
	buf = binary.LittleEndian.AppendUint16(buf, p.OwnAddress)
	buf = binary.LittleEndian.AppendUint16(buf, p.NetIdx)
	buf = binary.LittleEndian.AppendUint16(buf, p.AppIdx)
	buf = append(buf, byte(len(p.UUIDMatch)))
	return append(buf, p.UUIDMatch...)
}

func decodeOpenSession(payload []byte) (SessionParams, error) {
	if len(payload) < 7 {
		return SessionParams{}, fmt.Errorf("%w: open session is %d bytes", ErrInvalidFrame, len(payload))
	}
	n := int(payload[6])
	if len(payload) != 7+n {
		return SessionParams{}, fmt.Errorf("%w: uuid match length %d, have %d", ErrInvalidFrame, n, len(payload)-7)
	}
	return SessionParams{
		OwnAddress: binary.LittleEndian.Uint16(payload[0:2]),
		NetIdx:     binary.LittleEndian.Uint16(payload[2:4]),
		AppIdx:     binary.LittleEndian.Uint16(payload[4:6]),
		UUIDMatch:  append([]byte(nil), payload[7:]...),
	}, nil
}

func encodeCompositionGet(address uint16) []byte {
	buf := binary.LittleEndian.AppendUint16(nil, address)
	return append(buf, 0x00)
}

func encodeAppKeyAdd(address, netIdx, appIdx uint16) []byte {
	return appendUint16s(nil, address, netIdx, appIdx)
}

func encodeModelAppBind(address, appIdx, companyID, modelID uint16) []byte {
	return appendUint16s(nil, address, appIdx, companyID, modelID)
}

func encodeModelPubSet(address, companyID, modelID, dst, appIdx uint16, ttl, period, retransmit uint8) []byte {
	buf := appendUint16s(nil, address, companyID, modelID, dst, appIdx)
	return append(buf, ttl, period, retransmit)
}

func encodeModelSubAdd(address, companyID, modelID, group uint16) []byte {
	return appendUint16s(nil, address, companyID, modelID, group)
}

func appendUint16s(buf []byte, values ...uint16) []byte {
	for _, v := range values {
		buf = binary.LittleEndian.AppendUint16(buf, v)
	}
	return buf
}
