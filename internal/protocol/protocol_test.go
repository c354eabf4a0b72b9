package protocol

import (
	"encoding/binary"
	"math"
	"strings"
	"testing"
)

func TestParseHeader(t *testing.T) {
	tests := []struct {
		name        string
		data        []byte
		expected    *Header
		expectError bool
		errorMsg    string
	}{
		{
			name: "valid start header",
			data: []byte{
				0x01,       // PacketType: Start
				0x00, 0x78, // PacketLen: 120 (8 + 112)
				0x00, 0x00, 0x30, 0x39, // StreamID: 12345
				0x01, // Version
			},
			expected: &Header{
				PacketType: PacketTypeStart,
				PacketLen:  120,
				StreamID:   12345,
				Version:    Version,
			},
		},
		{
			name: "valid frame header",
			data: []byte{
				0x02,       // PacketType: Frame
				0x01, 0x00, // PacketLen: 256
				0x12, 0x34, 0x56, 0x78, // StreamID: 305419896
				0x01,
			},
			expected: &Header{
				PacketType: PacketTypeFrame,
				PacketLen:  256,
				StreamID:   305419896,
				Version:    Version,
			},
		},
		{
			name:        "header too short",
			data:        []byte{0x01, 0x00},
			expectError: true,
			errorMsg:    "header too short",
		},
		{
			name:        "empty data",
			data:        []byte{},
			expectError: true,
			errorMsg:    "header too short",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ParseHeader(tt.data)

			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
				} else if !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
				}
				return
			}
			if err != nil {
				t.Fatalf("Expected no error but got: %v", err)
			}
			if *result != *tt.expected {
				t.Errorf("Expected header %+v, got %+v", tt.expected, result)
			}
		})
	}
}

func TestStartPacketRoundTrip(t *testing.T) {
	packet, err := EncodeStart(42, "b7d1c2a0-5f6e-4c3b-9a8d-7e6f5a4b3c2d", "biz-001", "consultation")
	if err != nil {
		t.Fatalf("EncodeStart failed: %v", err)
	}
	if len(packet) != HeaderSize+StartPayloadSize {
		t.Fatalf("Expected %d bytes, got %d", HeaderSize+StartPayloadSize, len(packet))
	}

	parsed, err := ParsePacket(packet)
	if err != nil {
		t.Fatalf("ParsePacket failed: %v", err)
	}
	if parsed.Header.StreamID != 42 {
		t.Errorf("Expected stream 42, got %d", parsed.Header.StreamID)
	}
	if parsed.Start == nil {
		t.Fatal("Expected start payload")
	}
	if got := parsed.Start.GetSessionID(); got != "b7d1c2a0-5f6e-4c3b-9a8d-7e6f5a4b3c2d" {
		t.Errorf("session id = %q", got)
	}
	if got := parsed.Start.GetBusinessID(); got != "biz-001" {
		t.Errorf("business id = %q", got)
	}
	if got := parsed.Start.GetMode(); got != "consultation" {
		t.Errorf("mode = %q", got)
	}
}

func TestEncodeStartRejectsLongFields(t *testing.T) {
	if _, err := EncodeStart(1, strings.Repeat("s", SessionIDSize+1), "", ""); err == nil {
		t.Error("Expected error for long session id")
	}
	if _, err := EncodeStart(1, "", strings.Repeat("b", BusinessIDSize+1), ""); err == nil {
		t.Error("Expected error for long business id")
	}
	if _, err := EncodeStart(1, "", "", strings.Repeat("m", ModeSize+1)); err == nil {
		t.Error("Expected error for long mode")
	}
}

func TestFramePacketRoundTrip(t *testing.T) {
	frame := FramePayload{
		Sequence:    7,
		Probability: 0.75,
		Samples:     []float32{0, 0.5, -0.5, 1, -1, 0.123},
	}

	packet, err := EncodeFrame(9, frame)
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}

	parsed, err := ParsePacket(packet)
	if err != nil {
		t.Fatalf("ParsePacket failed: %v", err)
	}
	if parsed.Frame == nil {
		t.Fatal("Expected frame payload")
	}
	if parsed.Frame.Sequence != 7 {
		t.Errorf("sequence = %d, want 7", parsed.Frame.Sequence)
	}
	if parsed.Frame.Probability != 0.75 {
		t.Errorf("probability = %v, want 0.75", parsed.Frame.Probability)
	}
	if len(parsed.Frame.Samples) != len(frame.Samples) {
		t.Fatalf("got %d samples, want %d", len(parsed.Frame.Samples), len(frame.Samples))
	}
	for i := range frame.Samples {
		if parsed.Frame.Samples[i] != frame.Samples[i] {
			t.Errorf("sample %d = %v, want %v", i, parsed.Frame.Samples[i], frame.Samples[i])
		}
	}

	// samples are little-endian
	first := binary.LittleEndian.Uint32(packet[HeaderSize+FramePayloadHeaderSize+4:])
	if math.Float32frombits(first) != 0.5 {
		t.Errorf("second sample not encoded little-endian")
	}
}

func TestEncodeFrameTooLarge(t *testing.T) {
	_, err := EncodeFrame(1, FramePayload{Samples: make([]float32, MaxFrameSamples+1)})
	if err == nil {
		t.Error("Expected error for oversized frame")
	}
}

func TestParseFramePayload(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		errorMsg string
	}{
		{"too short", []byte{0, 0, 0, 1}, "frame payload too short"},
		{"misaligned samples", make([]byte, FramePayloadHeaderSize+3), "not aligned"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseFramePayload(tt.data)
			if err == nil {
				t.Fatal("Expected error but got none")
			}
			if !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
			}
		})
	}

	empty, err := ParseFramePayload(make([]byte, FramePayloadHeaderSize))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(empty.Samples) != 0 {
		t.Errorf("Expected no samples, got %d", len(empty.Samples))
	}
}

func TestControlPackets(t *testing.T) {
	for _, ptype := range []uint8{PacketTypePause, PacketTypeResume, PacketTypeEnd, PacketTypeRetry} {
		t.Run(TypeName(ptype), func(t *testing.T) {
			packet, err := EncodeControl(ptype, 5)
			if err != nil {
				t.Fatalf("EncodeControl failed: %v", err)
			}
			parsed, err := ParsePacket(packet)
			if err != nil {
				t.Fatalf("ParsePacket failed: %v", err)
			}
			if parsed.Header.PacketType != ptype {
				t.Errorf("type = %d, want %d", parsed.Header.PacketType, ptype)
			}
			if parsed.Start != nil || parsed.Frame != nil {
				t.Error("control packet should have no payload")
			}
		})
	}

	if _, err := EncodeControl(PacketTypeFrame, 5); err == nil {
		t.Error("Expected error encoding frame as control packet")
	}
}

func TestValidateHeader(t *testing.T) {
	tests := []struct {
		name     string
		header   Header
		errorMsg string
	}{
		{"unknown type", Header{PacketType: 0x09, PacketLen: 8, Version: Version}, "invalid packet type"},
		{"wrong version", Header{PacketType: PacketTypeEnd, PacketLen: 8, Version: 2}, "unsupported protocol version"},
		{"length too small", Header{PacketType: PacketTypeEnd, PacketLen: 4, Version: Version}, "too small"},
		{"start size mismatch", Header{PacketType: PacketTypeStart, PacketLen: 100, Version: Version}, "size mismatch"},
		{"frame too small", Header{PacketType: PacketTypeFrame, PacketLen: 12, Version: Version}, "too small"},
		{"control with payload", Header{PacketType: PacketTypePause, PacketLen: 10, Version: Version}, "must not carry"},
		{"valid end", Header{PacketType: PacketTypeEnd, PacketLen: 8, Version: Version}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateHeader(&tt.header)
			if tt.errorMsg == "" {
				if err != nil {
					t.Errorf("Unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("Expected error containing '%s', got %v", tt.errorMsg, err)
			}
		})
	}
}

func TestParsePacketLengthMismatch(t *testing.T) {
	packet, _ := EncodeControl(PacketTypeEnd, 1)
	packet = append(packet, 0x00)

	if _, err := ParsePacket(packet); err == nil || !strings.Contains(err.Error(), "length mismatch") {
		t.Errorf("Expected length mismatch error, got %v", err)
	}
}

func TestExtractString(t *testing.T) {
	tests := []struct {
		input []byte
		want  string
	}{
		{[]byte{'a', 'b', 0, 'c'}, "ab"},
		{[]byte{'a', 'b', 'c'}, "abc"},
		{[]byte{0, 0}, ""},
		{nil, ""},
	}

	for _, tt := range tests {
		if got := ExtractString(tt.input); got != tt.want {
			t.Errorf("ExtractString(%v) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestStringMethods(t *testing.T) {
	h := &Header{PacketType: PacketTypeFrame, PacketLen: 20, StreamID: 3, Version: Version}
	if got := h.String(); !strings.Contains(got, "frame") {
		t.Errorf("Header.String() = %s", got)
	}

	f := &FramePayload{Sequence: 1, Probability: 0.5, Samples: make([]float32, 3)}
	if got := f.String(); !strings.Contains(got, "Samples:3") {
		t.Errorf("FramePayload.String() = %s", got)
	}
}
