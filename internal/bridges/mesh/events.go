package mesh

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// EventKind identifies what meshd reported.
type EventKind int

// Event kinds, one per inbound frame type.
const (
	EventProvisionComplete EventKind = iota + 1
	EventComposition
	EventAppKeyStatus
	EventModelAppStatus
	EventModelPubStatus
	EventModelSubStatus
	EventVendorMessage
	EventSensorStatus
	EventOnOffStatus
	EventRequestTimeout
)

var eventNames = map[EventKind]string{
	EventProvisionComplete: "provision_complete",
	EventComposition:       "composition_status",
	EventAppKeyStatus:      "app_key_status",
	EventModelAppStatus:    "model_app_status",
	EventModelPubStatus:    "model_pub_status",
	EventModelSubStatus:    "model_sub_status",
	EventVendorMessage:     "vendor_message",
	EventSensorStatus:      "sensor_status",
	EventOnOffStatus:       "onoff_status",
	EventRequestTimeout:    "request_timeout",
}

// String returns the snake_case event name used in logs.
func (k EventKind) String() string {
	if name, ok := eventNames[k]; ok {
		return name
	}
	return fmt.Sprintf("event(%d)", int(k))
}

var kindByType = map[uint16]EventKind{
	MsgProvisionComplete: EventProvisionComplete,
	MsgCompositionStatus: EventComposition,
	MsgAppKeyStatus:      EventAppKeyStatus,
	MsgModelAppStatus:    EventModelAppStatus,
	MsgModelPubStatus:    EventModelPubStatus,
	MsgModelSubStatus:    EventModelSubStatus,
	MsgVendorMessage:     EventVendorMessage,
	MsgSensorStatus:      EventSensorStatus,
	MsgOnOffStatus:       EventOnOffStatus,
	MsgRequestTimeout:    EventRequestTimeout,
}

// Event is one decoded meshd notification.
//
// Only the fields relevant to Kind are set.
type Event struct {
	Kind    EventKind
	Address uint16

	// ProvisionComplete.
	UUID     uuid.UUID
	Elements uint8

	// Model status events. Status 0 is success.
	Status    uint8
	ModelID   uint16
	CompanyID uint16

	// VendorMessage carries a 3-byte opcode; RequestTimeout the opcode
	// of the request that went unanswered.
	Opcode uint32

	// Composition data page 0, vendor payload or marshalled sensor data.
	Data []byte

	OnOff bool
}

// IsTelemetry reports whether the event is node telemetry rather than a
// provisioning or configuration step. Only telemetry may be shed under load.
func (k EventKind) IsTelemetry() bool {
	switch k {
	case EventVendorMessage, EventSensorStatus, EventOnOffStatus:
		return true
	default:
		return false
	}
}

// DecodeEvent decodes an inbound frame payload.
//
// Payload layouts (little-endian):
//
//	ProvisionComplete  uuid(16) addr(2) elements(1)
//	CompositionStatus  addr(2) page(1) data(n)
//	AppKeyStatus       addr(2) status(1)
//	Model*Status       addr(2) status(1) company(2) model(2)
//	VendorMessage      addr(2) opcode(3, big-endian) data(n)
//	SensorStatus       addr(2) data(n)
//	OnOffStatus        addr(2) onoff(1)
//	RequestTimeout     addr(2) opcode(4)
//
// Returns ErrInvalidFrame for unknown types and short payloads.
func DecodeEvent(msgType uint16, payload []byte) (Event, error) {
	kind, ok := kindByType[msgType]
	if !ok {
		return Event{}, fmt.Errorf("%w: unknown frame type 0x%04x", ErrInvalidFrame, msgType)
	}

	need := map[EventKind]int{
		EventProvisionComplete: 19,
		EventComposition:       3,
		EventAppKeyStatus:      3,
		EventModelAppStatus:    7,
		EventModelPubStatus:    7,
		EventModelSubStatus:    7,
		EventVendorMessage:     5,
		EventSensorStatus:      2,
		EventOnOffStatus:       3,
		EventRequestTimeout:    6,
	}[kind]
	if len(payload) < need {
		return Event{}, fmt.Errorf("%w: %s needs %d bytes, have %d", ErrInvalidFrame, kind, need, len(payload))
	}

	ev := Event{Kind: kind}

	if kind == EventProvisionComplete {
		copy(ev.UUID[:], payload[0:16])
		ev.Address = binary.LittleEndian.Uint16(payload[16:18])
		ev.Elements = payload[18]
		return ev, nil
	}

	ev.Address = binary.LittleEndian.Uint16(payload[0:2])
	body := payload[2:]

	switch kind {
	case EventComposition:
		ev.Data = cloneBytes(body[1:])
	case EventAppKeyStatus:
		ev.Status = body[0]
	case EventModelAppStatus, EventModelPubStatus, EventModelSubStatus:
		ev.Status = body[0]
		ev.CompanyID = binary.LittleEndian.Uint16(body[1:3])
		ev.ModelID = binary.LittleEndian.Uint16(body[3:5])
	case EventVendorMessage:
		ev.Opcode = uint32(body[0])<<16 | uint32(body[1])<<8 | uint32(body[2])
		ev.Data = cloneBytes(body[3:])
	case EventSensorStatus:
		ev.Data = cloneBytes(body)
	case EventOnOffStatus:
		ev.OnOff = body[0] != 0
	case EventRequestTimeout:
		ev.Opcode = binary.LittleEndian.Uint32(body[0:4])
	}

	return ev, nil
}

// Encode builds the frame type and payload for an event.
// It is the inverse of DecodeEvent and serves tests and simulators.
func (e Event) Encode() (uint16, []byte) {
	var msgType uint16
	for t, k := range kindByType {
		if k == e.Kind {
			msgType = t
			break
		}
	}

	if e.Kind == EventProvisionComplete {
		buf := append([]byte(nil), e.UUID[:]...)
		buf = binary.LittleEndian.AppendUint16(buf, e.Address)
		return msgType, append(buf, e.Elements)
	}

	buf := binary.LittleEndian.AppendUint16(nil, e.Address)
	switch e.Kind {
	case EventComposition:
		buf = append(buf, 0x00)
		buf = append(buf, e.Data...)
	case EventAppKeyStatus:
		buf = append(buf, e.Status)
	case EventModelAppStatus, EventModelPubStatus, EventModelSubStatus:
		buf = append(buf, e.Status)
		buf = appendUint16s(buf, e.CompanyID, e.ModelID)
	case EventVendorMessage:
		buf = append(buf, byte(e.Opcode>>16), byte(e.Opcode>>8), byte(e.Opcode))
		buf = append(buf, e.Data...)
	case EventSensorStatus:
		buf = append(buf, e.Data...)
	case EventOnOffStatus:
		var v byte
		if e.OnOff {
			v = 1
		}
		buf = append(buf, v)
	case EventRequestTimeout:
		buf = binary.LittleEndian.AppendUint32(buf, e.Opcode)
	}
	return msgType, buf
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return append([]byte(nil), b...)
}
