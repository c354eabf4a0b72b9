package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
)

const (
	// Packet types
	PacketTypeStart  = 0x01
	PacketTypeFrame  = 0x02
	PacketTypePause  = 0x03
	PacketTypeResume = 0x04
	PacketTypeEnd    = 0x05
	PacketTypeRetry  = 0x06

	// Version is the only protocol version understood
	Version = 0x01

	// Packet structure sizes
	HeaderSize             = 8   // 1 + 2 + 4 + 1 bytes
	StartPayloadSize       = 112 // 64 + 32 + 16 bytes
	FramePayloadHeaderSize = 8   // sequence + probability
	SampleSize             = 4   // float32

	// String field sizes in the start payload
	SessionIDSize  = 64
	BusinessIDSize = 32
	ModeSize       = 16

	// MaxFrameSamples is the largest frame that fits in one packet
	MaxFrameSamples = (math.MaxUint16 - HeaderSize - FramePayloadHeaderSize) / SampleSize
)

// Header represents the 8-byte packet header
// Layout: [PacketType:1][PacketLen:2][StreamID:4][Version:1]
type Header struct {
	PacketType uint8  // see PacketType* constants
	PacketLen  uint16 // Total packet size (header + payload)
	StreamID   uint32 // Unique stream identifier
	Version    uint8
}

// StartPayload opens a recording session
// Layout: [SessionID:64][BusinessID:32][Mode:16]
type StartPayload struct {
	SessionID  [SessionIDSize]byte  // Null-terminated, empty lets the server assign one
	BusinessID [BusinessIDSize]byte // Null-terminated string
	Mode       [ModeSize]byte       // Null-terminated string, e.g. "consultation"
}

// FramePayload carries one audio frame with its speech probability
// Layout: [Sequence:4][Probability:4][Samples:N*4]
// Sequence and probability are big-endian, samples are little-endian float32.
type FramePayload struct {
	Sequence    uint32
	Probability float32
	Samples     []float32
}

// ParsedPacket represents a fully parsed packet
type ParsedPacket struct {
	Header *Header
	Start  *StartPayload // Only set for start packets
	Frame  *FramePayload // Only set for frame packets
}

// ParseHeader parses the 8-byte packet header
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("header too short: expected %d bytes, got %d", HeaderSize, len(data))
	}

	return &Header{
		PacketType: data[0],
		PacketLen:  binary.BigEndian.Uint16(data[1:3]),
		StreamID:   binary.BigEndian.Uint32(data[3:7]),
		Version:    data[7],
	}, nil
}

// ParseStartPayload parses the 112-byte start payload
func ParseStartPayload(data []byte) (*StartPayload, error) {
	if len(data) < StartPayloadSize {
		return nil, fmt.Errorf("start payload too short: expected %d bytes, got %d",
			StartPayloadSize, len(data))
	}

	payload := &StartPayload{}
	copy(payload.SessionID[:], data[0:SessionIDSize])
	copy(payload.BusinessID[:], data[SessionIDSize:SessionIDSize+BusinessIDSize])
	copy(payload.Mode[:], data[SessionIDSize+BusinessIDSize:StartPayloadSize])

	return payload, nil
}

// ParseFramePayload parses a frame payload (sequence, probability, samples)
func ParseFramePayload(data []byte) (*FramePayload, error) {
	if len(data) < FramePayloadHeaderSize {
		return nil, fmt.Errorf("frame payload too short: expected at least %d bytes, got %d",
			FramePayloadHeaderSize, len(data))
	}

	sampleBytes := data[FramePayloadHeaderSize:]
	if len(sampleBytes)%SampleSize != 0 {
		return nil, fmt.Errorf("frame sample data not aligned: %d bytes", len(sampleBytes))
	}

	payload := &FramePayload{
		Sequence:    binary.BigEndian.Uint32(data[0:4]),
		Probability: math.Float32frombits(binary.BigEndian.Uint32(data[4:8])),
		Samples:     make([]float32, len(sampleBytes)/SampleSize),
	}
	for i := range payload.Samples {
		bits := binary.LittleEndian.Uint32(sampleBytes[i*SampleSize:])
		payload.Samples[i] = math.Float32frombits(bits)
	}

	return payload, nil
}

// ParsePacket parses a complete packet (header + payload)
func ParsePacket(data []byte) (*ParsedPacket, error) {
	header, err := ParseHeader(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}

	if int(header.PacketLen) != len(data) {
		return nil, fmt.Errorf("packet length mismatch: header says %d bytes, got %d bytes",
			header.PacketLen, len(data))
	}

	if err := ValidateHeader(header); err != nil {
		return nil, fmt.Errorf("invalid header: %w", err)
	}

	packet := &ParsedPacket{Header: header}
	payloadData := data[HeaderSize:]

	switch header.PacketType {
	case PacketTypeStart:
		payload, err := ParseStartPayload(payloadData)
		if err != nil {
			return nil, fmt.Errorf("failed to parse start payload: %w", err)
		}
		packet.Start = payload

	case PacketTypeFrame:
		payload, err := ParseFramePayload(payloadData)
		if err != nil {
			return nil, fmt.Errorf("failed to parse frame payload: %w", err)
		}
		packet.Frame = payload
	}

	return packet, nil
}

// ValidateHeader validates the packet header fields
func ValidateHeader(header *Header) error {
	if !IsValidPacketType(header.PacketType) {
		return fmt.Errorf("invalid packet type: 0x%02x", header.PacketType)
	}

	if header.Version != Version {
		return fmt.Errorf("unsupported protocol version: 0x%02x", header.Version)
	}

	if header.PacketLen < HeaderSize {
		return fmt.Errorf("packet length too small: %d (minimum %d)", header.PacketLen, HeaderSize)
	}

	payloadSize := int(header.PacketLen) - HeaderSize
	switch header.PacketType {
	case PacketTypeStart:
		if payloadSize != StartPayloadSize {
			return fmt.Errorf("start packet payload size mismatch: expected %d, got %d",
				StartPayloadSize, payloadSize)
		}
	case PacketTypeFrame:
		if payloadSize < FramePayloadHeaderSize {
			return fmt.Errorf("frame packet payload too small: expected at least %d, got %d",
				FramePayloadHeaderSize, payloadSize)
		}
	default:
		if payloadSize != 0 {
			return fmt.Errorf("control packet must not carry a payload, got %d bytes", payloadSize)
		}
	}

	return nil
}

// IsValidPacketType checks if the packet type is valid
func IsValidPacketType(ptype uint8) bool {
	return ptype >= PacketTypeStart && ptype <= PacketTypeRetry
}

// IsControl reports whether the packet type carries no payload
func IsControl(ptype uint8) bool {
	return ptype >= PacketTypePause && ptype <= PacketTypeRetry
}

// EncodeStart builds a start packet
func EncodeStart(streamID uint32, sessionID, businessID, mode string) ([]byte, error) {
	if len(sessionID) > SessionIDSize {
		return nil, fmt.Errorf("session id too long: %d bytes (max %d)", len(sessionID), SessionIDSize)
	}
	if len(businessID) > BusinessIDSize {
		return nil, fmt.Errorf("business id too long: %d bytes (max %d)", len(businessID), BusinessIDSize)
	}
	if len(mode) > ModeSize {
		return nil, fmt.Errorf("mode too long: %d bytes (max %d)", len(mode), ModeSize)
	}

	packet := make([]byte, HeaderSize+StartPayloadSize)
	putHeader(packet, PacketTypeStart, streamID)
	payload := packet[HeaderSize:]
	copy(payload[0:SessionIDSize], sessionID)
	copy(payload[SessionIDSize:SessionIDSize+BusinessIDSize], businessID)
	copy(payload[SessionIDSize+BusinessIDSize:], mode)

	return packet, nil
}

// EncodeFrame builds a frame packet
func EncodeFrame(streamID uint32, frame FramePayload) ([]byte, error) {
	if len(frame.Samples) > MaxFrameSamples {
		return nil, fmt.Errorf("frame too large: %d samples (max %d)", len(frame.Samples), MaxFrameSamples)
	}

	packet := make([]byte, HeaderSize+FramePayloadHeaderSize+len(frame.Samples)*SampleSize)
	putHeader(packet, PacketTypeFrame, streamID)
	payload := packet[HeaderSize:]
	binary.BigEndian.PutUint32(payload[0:4], frame.Sequence)
	binary.BigEndian.PutUint32(payload[4:8], math.Float32bits(frame.Probability))
	for i, s := range frame.Samples {
		binary.LittleEndian.PutUint32(payload[FramePayloadHeaderSize+i*SampleSize:], math.Float32bits(s))
	}

	return packet, nil
}

// EncodeControl builds a pause, resume, end or retry packet
func EncodeControl(packetType uint8, streamID uint32) ([]byte, error) {
	if !IsControl(packetType) {
		return nil, fmt.Errorf("not a control packet type: 0x%02x", packetType)
	}
	packet := make([]byte, HeaderSize)
	putHeader(packet, packetType, streamID)
	return packet, nil
}

func putHeader(packet []byte, packetType uint8, streamID uint32) {
	packet[0] = packetType
	binary.BigEndian.PutUint16(packet[1:3], uint16(len(packet)))
	binary.BigEndian.PutUint32(packet[3:7], streamID)
	packet[7] = Version
}

// ExtractString extracts a null-terminated string from a fixed-size byte array
func ExtractString(buf []byte) string {
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i])
		}
	}
	return string(buf)
}

// GetSessionID extracts the session ID as a string
func (s *StartPayload) GetSessionID() string {
	return ExtractString(s.SessionID[:])
}

// GetBusinessID extracts the business ID as a string
func (s *StartPayload) GetBusinessID() string {
	return ExtractString(s.BusinessID[:])
}

// GetMode extracts the recording mode as a string
func (s *StartPayload) GetMode() string {
	return ExtractString(s.Mode[:])
}

// TypeName returns the packet type name used in logs and metrics
func TypeName(ptype uint8) string {
	switch ptype {
	case PacketTypeStart:
		return "start"
	case PacketTypeFrame:
		return "frame"
	case PacketTypePause:
		return "pause"
	case PacketTypeResume:
		return "resume"
	case PacketTypeEnd:
		return "end"
	case PacketTypeRetry:
		return "retry"
	default:
		return fmt.Sprintf("unknown(0x%02x)", ptype)
	}
}

// String returns a human-readable representation of the header
func (h *Header) String() string {
	return fmt.Sprintf("Header{Type:%s, Len:%d, StreamID:%d, Version:%d}",
		TypeName(h.PacketType), h.PacketLen, h.StreamID, h.Version)
}

// String returns a human-readable representation of the start payload
func (s *StartPayload) String() string {
	return fmt.Sprintf("StartPayload{SessionID:%q, BusinessID:%q, Mode:%q}",
		s.GetSessionID(), s.GetBusinessID(), s.GetMode())
}

// String returns a human-readable representation of the frame payload
func (f *FramePayload) String() string {
	return fmt.Sprintf("FramePayload{Sequence:%d, Probability:%.3f, Samples:%d}",
		f.Sequence, f.Probability, len(f.Samples))
}
