package protocol

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Wire format constants
const (
	// Binary frame layout: [CameraID:1][Timestamp:8][Length:4][Payload:N]
	// All multi-byte fields are big-endian; Timestamp is epoch milliseconds.
	HeaderSize = 13 // 1 + 8 + 4 bytes

	// Legacy text frame: "CAMERA_STREAM:<id>:<base64-payload>"
	TextPrefix = "CAMERA_STREAM:"
)

// FramingError describes a malformed binary frame. The binary stream has no
// resync marker, so a FramingError is fatal to the connection that produced it.
type FramingError struct {
	Reason string
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("framing error: %s", e.Reason)
}

// ErrMalformedText marks an invalid legacy text message. Legacy clients are
// assumed unreliable, so callers drop the message and keep the connection.
var ErrMalformedText = errors.New("malformed legacy text message")

// Header represents the 13-byte binary frame header
type Header struct {
	CameraID  uint8  // camera identifier, 0 <= id < max cameras
	Timestamp int64  // producer-supplied epoch milliseconds
	Length    uint32 // payload size in bytes
}

// FramePacket is one decoded camera frame, the transient unit handed to the
// registry and the fanout. The payload is opaque to the relay.
type FramePacket struct {
	CameraID  uint8
	Timestamp int64
	Payload   []byte
}

// ParseHeader parses the 13-byte binary frame header and validates the camera
// id against maxCameras and the declared length against maxPayload.
func ParseHeader(data []byte, maxCameras, maxPayload int) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, &FramingError{Reason: fmt.Sprintf("header too short: expected %d bytes, got %d", HeaderSize, len(data))}
	}

	header := &Header{
		CameraID:  data[0],
		Timestamp: int64(binary.BigEndian.Uint64(data[1:9])),
		Length:    binary.BigEndian.Uint32(data[9:13]),
	}

	if int(header.CameraID) >= maxCameras {
		return nil, &FramingError{Reason: fmt.Sprintf("camera id %d out of range (max %d)", header.CameraID, maxCameras-1)}
	}

	if int(header.Length) > maxPayload {
		return nil, &FramingError{Reason: fmt.Sprintf("declared payload length %d exceeds limit %d", header.Length, maxPayload)}
	}

	return header, nil
}

// DecodePacket parses one complete binary frame (header + payload). The
// declared length must match the available payload bytes exactly.
func DecodePacket(data []byte, maxCameras, maxPayload int) (*FramePacket, error) {
	header, err := ParseHeader(data, maxCameras, maxPayload)
	if err != nil {
		return nil, err
	}

	if len(data) != HeaderSize+int(header.Length) {
		return nil, &FramingError{Reason: fmt.Sprintf("payload length mismatch: header says %d bytes, got %d",
			header.Length, len(data)-HeaderSize)}
	}

	payload := make([]byte, header.Length)
	copy(payload, data[HeaderSize:])

	return &FramePacket{
		CameraID:  header.CameraID,
		Timestamp: header.Timestamp,
		Payload:   payload,
	}, nil
}

// EncodePacket encodes a frame into the binary wire format. It is the exact
// inverse of DecodePacket.
func EncodePacket(p *FramePacket) []byte {
	out := make([]byte, HeaderSize+len(p.Payload))
	out[0] = p.CameraID
	binary.BigEndian.PutUint64(out[1:9], uint64(p.Timestamp))
	binary.BigEndian.PutUint32(out[9:13], uint32(len(p.Payload)))
	copy(out[HeaderSize:], p.Payload)
	return out
}

// ParseTextMessage parses a legacy "CAMERA_STREAM:<id>:<base64>" message into
// a FramePacket. The legacy format carries no timestamp; the caller stamps the
// packet with the server receipt time. All failures wrap ErrMalformedText.
func ParseTextMessage(msg string, maxCameras int) (*FramePacket, error) {
	parts := strings.SplitN(msg, ":", 3)
	if len(parts) != 3 || parts[0]+":" != TextPrefix {
		return nil, fmt.Errorf("%w: expected 3 colon-separated parts with %q prefix", ErrMalformedText, TextPrefix)
	}

	id, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: camera id %q is not numeric", ErrMalformedText, parts[1])
	}

	if id < 0 || id >= maxCameras {
		return nil, fmt.Errorf("%w: camera id %d out of range (max %d)", ErrMalformedText, id, maxCameras-1)
	}

	payload, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64 payload: %v", ErrMalformedText, err)
	}

	return &FramePacket{
		CameraID: uint8(id),
		Payload:  payload,
	}, nil
}

// FormatTextMessage encodes a frame into the legacy text format.
func FormatTextMessage(p *FramePacket) string {
	return fmt.Sprintf("%s%d:%s", TextPrefix, p.CameraID, base64.StdEncoding.EncodeToString(p.Payload))
}

// IsLegacyText reports whether a raw inbound message is a legacy text frame.
func IsLegacyText(msg string) bool {
	return strings.HasPrefix(msg, TextPrefix)
}

// String returns a human-readable representation of the header
func (h *Header) String() string {
	return fmt.Sprintf("Header{Camera:%d, Timestamp:%d, Length:%d}", h.CameraID, h.Timestamp, h.Length)
}

// String returns a human-readable representation of the packet
func (p *FramePacket) String() string {
	return fmt.Sprintf("FramePacket{Camera:%d, Timestamp:%d, PayloadLen:%d}", p.CameraID, p.Timestamp, len(p.Payload))
}
