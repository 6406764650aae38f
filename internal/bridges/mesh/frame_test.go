package mesh

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/uuid"
)

// =============================================================================
// Frames
// =============================================================================

func TestEncodeFrame(t *testing.T) {
	got := EncodeFrame(MsgCompositionGet, []byte{0x10, 0x00, 0x00})
	want := []byte{0x00, 0x05, 0x00, 0x10, 0x10, 0x00, 0x00}
	if !bytes.Equal(got, want) {
		t.Errorf("EncodeFrame() = % x, want % x", got, want)
	}

	empty := EncodeFrame(MsgOpenSession, nil)
	if !bytes.Equal(empty, []byte{0x00, 0x02, 0x00, 0x01}) {
		t.Errorf("EncodeFrame(empty) = % x", empty)
	}
}

func TestParseFrame(t *testing.T) {
	tests := []struct {
		name        string
		data        []byte
		wantType    uint16
		wantPayload []byte
		wantErr     bool
	}{
		{
			name:        "with payload",
			data:        []byte{0x00, 0x04, 0x00, 0x92, 0x10, 0x00},
			wantType:    MsgOnOffStatus,
			wantPayload: []byte{0x10, 0x00},
		},
		{
			name:     "no payload",
			data:     []byte{0x00, 0x02, 0x00, 0x01},
			wantType: MsgOpenSession,
		},
		{
			name:    "too short",
			data:    []byte{0x00, 0x02, 0x00},
			wantErr: true,
		},
		{
			name:    "size mismatch",
			data:    []byte{0x00, 0x09, 0x00, 0x01, 0xFF},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgType, payload, err := ParseFrame(tt.data)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidFrame) {
					t.Errorf("ParseFrame() error = %v, want ErrInvalidFrame", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseFrame() unexpected error: %v", err)
			}
			if msgType != tt.wantType {
				t.Errorf("type = 0x%04x, want 0x%04x", msgType, tt.wantType)
			}
			if !bytes.Equal(payload, tt.wantPayload) {
				t.Errorf("payload = % x, want % x", payload, tt.wantPayload)
			}
		})
	}
}

func TestRequestPayloads(t *testing.T) {
	tests := []struct {
		name string
		got  []byte
		want []byte
	}{
		{
			name: "composition get",
			got:  encodeCompositionGet(0x0102),
			want: []byte{0x02, 0x01, 0x00},
		},
		{
			name: "app key add",
			got:  encodeAppKeyAdd(0x0010, 0x0000, 0x0001),
			want: []byte{0x10, 0x00, 0x00, 0x00, 0x01, 0x00},
		},
		{
			name: "model app bind",
			got:  encodeModelAppBind(0x0010, 0x0000, 0xFFFF, 0x1000),
			want: []byte{0x10, 0x00, 0x00, 0x00, 0xFF, 0xFF, 0x00, 0x10},
		},
		{
			name: "model pub set",
			got:  encodeModelPubSet(0x0010, 0xFFFF, 0x1000, 0xC000, 0x0000, 7, 0, 0),
			want: []byte{0x10, 0x00, 0xFF, 0xFF, 0x00, 0x10, 0x00, 0xC0, 0x00, 0x00, 0x07, 0x00, 0x00},
		},
		{
			name: "model sub add",
			got:  encodeModelSubAdd(0x0010, 0x0001, 0x0001, 0xC000),
			want: []byte{0x10, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0xC0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !bytes.Equal(tt.got, tt.want) {
				t.Errorf("payload = % x, want % x", tt.got, tt.want)
			}
		})
	}
}

func TestOpenSession(t *testing.T) {
	in := SessionParams{OwnAddress: 0x0001, NetIdx: 0, AppIdx: 0, UUIDMatch: []byte{0xDD, 0xDD}}

	payload := encodeOpenSession(in)
	if len(payload) != 9 {
		t.Fatalf("len(payload) = %d, want 9", len(payload))
	}

	out, err := decodeOpenSession(payload)
	if err != nil {
		t.Fatalf("decodeOpenSession() error: %v", err)
	}
	if out.OwnAddress != in.OwnAddress || !bytes.Equal(out.UUIDMatch, in.UUIDMatch) {
		t.Errorf("decodeOpenSession() = %+v, want %+v", out, in)
	}

	if _, err := decodeOpenSession(payload[:8]); !errors.Is(err, ErrInvalidFrame) {
		t.Errorf("decodeOpenSession(truncated) error = %v, want ErrInvalidFrame", err)
	}
}

// =============================================================================
// Events
// =============================================================================

func TestDecodeEvent(t *testing.T) {
	id := uuid.MustParse("dddd0000-0000-0000-0000-000000000001")

	tests := []struct {
		name string
		ev   Event
	}{
		{"provision complete", Event{Kind: EventProvisionComplete, UUID: id, Address: 0x0010, Elements: 2}},
		{"composition", Event{Kind: EventComposition, Address: 0x0010, Data: []byte{0x01, 0x02, 0x03}}},
		{"app key status", Event{Kind: EventAppKeyStatus, Address: 0x0010, Status: 0}},
		{"model app status", Event{Kind: EventModelAppStatus, Address: 0x0010, ModelID: 0x1000, CompanyID: 0xFFFF}},
		{"model pub status", Event{Kind: EventModelPubStatus, Address: 0x0010, Status: 2, ModelID: 0x1102, CompanyID: 0xFFFF}},
		{"model sub status", Event{Kind: EventModelSubStatus, Address: 0x0011, ModelID: 0x0001, CompanyID: 0x0001}},
		{"vendor message", Event{Kind: EventVendorMessage, Address: 0x0010, Opcode: 0xC00001, Data: []byte{1, 2, 3, 4, 5, 6, 7, 8}}},
		{"sensor status", Event{Kind: EventSensorStatus, Address: 0x0010, Data: []byte{0xE2, 0x09, 0x48, 0x00}}},
		{"onoff status", Event{Kind: EventOnOffStatus, Address: 0x0010, OnOff: true}},
		{"request timeout", Event{Kind: EventRequestTimeout, Address: 0x0010, Opcode: 0x8008}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgType, payload := tt.ev.Encode()

			got, err := DecodeEvent(msgType, payload)
			if err != nil {
				t.Fatalf("DecodeEvent() error: %v", err)
			}
			if got.Kind != tt.ev.Kind || got.Address != tt.ev.Address || got.UUID != tt.ev.UUID ||
				got.Elements != tt.ev.Elements || got.Status != tt.ev.Status ||
				got.ModelID != tt.ev.ModelID || got.CompanyID != tt.ev.CompanyID ||
				got.Opcode != tt.ev.Opcode || got.OnOff != tt.ev.OnOff {
				t.Errorf("DecodeEvent() = %+v, want %+v", got, tt.ev)
			}
			if !bytes.Equal(got.Data, tt.ev.Data) {
				t.Errorf("Data = % x, want % x", got.Data, tt.ev.Data)
			}
		})
	}
}

func TestDecodeEvent_Layout(t *testing.T) {
	// addr 0x0010, opcode C0 00 01 big-endian, then data
	ev, err := DecodeEvent(MsgVendorMessage, []byte{0x10, 0x00, 0xC0, 0x00, 0x01, 0xAA})
	if err != nil {
		t.Fatalf("DecodeEvent() error: %v", err)
	}
	if ev.Opcode != 0xC00001 {
		t.Errorf("Opcode = 0x%06x, want 0xc00001", ev.Opcode)
	}
	if !bytes.Equal(ev.Data, []byte{0xAA}) {
		t.Errorf("Data = % x, want aa", ev.Data)
	}

	// company precedes model
	ev, err = DecodeEvent(MsgModelAppStatus, []byte{0x10, 0x00, 0x00, 0xFF, 0xFF, 0x02, 0x11})
	if err != nil {
		t.Fatalf("DecodeEvent() error: %v", err)
	}
	if ev.CompanyID != 0xFFFF || ev.ModelID != 0x1102 {
		t.Errorf("model = %04x:%04x, want ffff:1102", ev.CompanyID, ev.ModelID)
	}
}

func TestDecodeEvent_Errors(t *testing.T) {
	tests := []struct {
		name    string
		msgType uint16
		payload []byte
	}{
		{"unknown type", 0x7FFF, []byte{0x00, 0x00}},
		{"short provision", MsgProvisionComplete, make([]byte, 18)},
		{"short model status", MsgModelAppStatus, []byte{0x10, 0x00, 0x00, 0xFF}},
		{"short vendor", MsgVendorMessage, []byte{0x10, 0x00, 0xC0}},
		{"empty sensor", MsgSensorStatus, nil},
		{"short timeout", MsgRequestTimeout, []byte{0x10, 0x00, 0x08}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeEvent(tt.msgType, tt.payload); !errors.Is(err, ErrInvalidFrame) {
				t.Errorf("DecodeEvent() error = %v, want ErrInvalidFrame", err)
			}
		})
	}
}

func TestDecodeEvent_CopiesData(t *testing.T) {
	payload := []byte{0x10, 0x00, 0x01, 0x02}
	ev, err := DecodeEvent(MsgSensorStatus, payload)
	if err != nil {
		t.Fatalf("DecodeEvent() error: %v", err)
	}
	payload[2] = 0xFF
	if ev.Data[0] != 0x01 {
		t.Error("Data aliases the frame buffer")
	}
}

func TestEventKindString(t *testing.T) {
	if got := EventModelPubStatus.String(); got != "model_pub_status" {
		t.Errorf("String() = %q, want %q", got, "model_pub_status")
	}
	if got := EventKind(99).String(); got != "event(99)" {
		t.Errorf("String() = %q, want %q", got, "event(99)")
	}
}
