package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"testing"
)

const (
	testMaxCameras = 4
	testMaxPayload = 1 << 20
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
			name: "valid header",
			data: []byte{
				0x02,                                           // CameraID: 2
				0x00, 0x00, 0x01, 0x8D, 0x3C, 0x2A, 0x00, 0x00, // Timestamp
				0x00, 0x00, 0x10, 0x00, // Length: 4096
			},
			expected: &Header{
				CameraID:  2,
				Timestamp: 0x18D3C2A0000,
				Length:    4096,
			},
			expectError: false,
		},
		{
			name: "zero-length payload",
			data: []byte{
				0x00,
				0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
				0x00, 0x00, 0x00, 0x00,
			},
			expected:    &Header{CameraID: 0, Timestamp: 0, Length: 0},
			expectError: false,
		},
		{
			name:        "header too short",
			data:        []byte{0x01, 0x00, 0x00},
			expectError: true,
			errorMsg:    "header too short",
		},
		{
			name:        "empty data",
			data:        []byte{},
			expectError: true,
			errorMsg:    "header too short",
		},
		{
			name: "camera id out of range",
			data: []byte{
				0x04, // CameraID: 4, max is 3
				0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
				0x00, 0x00, 0x00, 0x10,
			},
			expectError: true,
			errorMsg:    "camera id 4 out of range",
		},
		{
			name: "declared length above limit",
			data: []byte{
				0x01,
				0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
				0xFF, 0xFF, 0xFF, 0xFF, // Length: ~4GB
			},
			expectError: true,
			errorMsg:    "exceeds limit",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ParseHeader(tt.data, testMaxCameras, testMaxPayload)

			if tt.expectError {
				if err == nil {
					t.Fatalf("Expected error but got none")
				}
				if tt.errorMsg != "" && !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error to contain %q, got %q", tt.errorMsg, err.Error())
				}
				var fe *FramingError
				if !errors.As(err, &fe) {
					t.Errorf("Expected *FramingError, got %T", err)
				}
			} else {
				if err != nil {
					t.Fatalf("Expected no error but got: %v", err)
				}
				if *result != *tt.expected {
					t.Errorf("Expected header %+v, got %+v", tt.expected, result)
				}
			}
		})
	}
}

func TestDecodePacket(t *testing.T) {
	payload := []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10}
	valid := EncodePacket(&FramePacket{CameraID: 1, Timestamp: 1700000000123, Payload: payload})

	tests := []struct {
		name        string
		data        []byte
		expectError bool
		errorMsg    string
	}{
		{
			name:        "valid packet",
			data:        valid,
			expectError: false,
		},
		{
			name:        "truncated payload",
			data:        valid[:len(valid)-2],
			expectError: true,
			errorMsg:    "payload length mismatch",
		},
		{
			name:        "trailing bytes",
			data:        append(append([]byte{}, valid...), 0xAA),
			expectError: true,
			errorMsg:    "payload length mismatch",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			packet, err := DecodePacket(tt.data, testMaxCameras, testMaxPayload)

			if tt.expectError {
				if err == nil {
					t.Fatalf("Expected error but got none")
				}
				if !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error to contain %q, got %q", tt.errorMsg, err.Error())
				}
				return
			}

			if err != nil {
				t.Fatalf("Expected no error but got: %v", err)
			}
			if packet.CameraID != 1 || packet.Timestamp != 1700000000123 {
				t.Errorf("Unexpected packet fields: %+v", packet)
			}
			if !bytes.Equal(packet.Payload, payload) {
				t.Errorf("Payload mismatch: expected %v, got %v", payload, packet.Payload)
			}
		})
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	payloadSizes := []int{0, 1, 13, 255, 4096, 65536}

	for id := 0; id < testMaxCameras; id++ {
		for _, size := range payloadSizes {
			payload := make([]byte, size)
			for i := range payload {
				payload[i] = byte(i * 7)
			}

			original := &FramePacket{
				CameraID:  uint8(id),
				Timestamp: 1700000000000 + int64(id)*33,
				Payload:   payload,
			}

			decoded, err := DecodePacket(EncodePacket(original), testMaxCameras, testMaxPayload)
			if err != nil {
				t.Fatalf("camera %d size %d: round trip failed: %v", id, size, err)
			}

			if decoded.CameraID != original.CameraID {
				t.Errorf("camera %d size %d: id mismatch: got %d", id, size, decoded.CameraID)
			}
			if decoded.Timestamp != original.Timestamp {
				t.Errorf("camera %d size %d: timestamp mismatch: got %d", id, size, decoded.Timestamp)
			}
			if !bytes.Equal(decoded.Payload, original.Payload) {
				t.Errorf("camera %d size %d: payload mismatch", id, size)
			}
		}
	}
}

func TestEncodePacketLayout(t *testing.T) {
	packet := &FramePacket{CameraID: 3, Timestamp: 1234567890, Payload: []byte("jpeg")}
	encoded := EncodePacket(packet)

	if len(encoded) != HeaderSize+4 {
		t.Fatalf("Expected %d bytes, got %d", HeaderSize+4, len(encoded))
	}
	if encoded[0] != 3 {
		t.Errorf("Expected camera id byte 3, got %d", encoded[0])
	}
	if ts := int64(binary.BigEndian.Uint64(encoded[1:9])); ts != 1234567890 {
		t.Errorf("Expected big-endian timestamp 1234567890, got %d", ts)
	}
	if l := binary.BigEndian.Uint32(encoded[9:13]); l != 4 {
		t.Errorf("Expected big-endian length 4, got %d", l)
	}
}

func TestParseTextMessage(t *testing.T) {
	tests := []struct {
		name        string
		message     string
		expectedID  uint8
		payload     string
		expectError bool
		errorMsg    string
	}{
		{
			name:       "valid message",
			message:    "CAMERA_STREAM:2:aGVsbG8=",
			expectedID: 2,
			payload:    "hello",
		},
		{
			name:       "empty payload",
			message:    "CAMERA_STREAM:0:",
			expectedID: 0,
			payload:    "",
		},
		{
			name:        "non-numeric camera id",
			message:     "CAMERA_STREAM:abc:###",
			expectError: true,
			errorMsg:    "not numeric",
		},
		{
			name:        "invalid base64 payload",
			message:     "CAMERA_STREAM:1:!!!not-base64!!!",
			expectError: true,
			errorMsg:    "invalid base64",
		},
		{
			name:        "camera id out of range",
			message:     "CAMERA_STREAM:99:aGVsbG8=",
			expectError: true,
			errorMsg:    "out of range",
		},
		{
			name:        "negative camera id",
			message:     "CAMERA_STREAM:-1:aGVsbG8=",
			expectError: true,
			errorMsg:    "out of range",
		},
		{
			name:        "missing payload part",
			message:     "CAMERA_STREAM:2",
			expectError: true,
			errorMsg:    "3 colon-separated parts",
		},
		{
			name:        "wrong prefix",
			message:     "VIDEO_STREAM:2:aGVsbG8=",
			expectError: true,
			errorMsg:    "3 colon-separated parts",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			packet, err := ParseTextMessage(tt.message, testMaxCameras)

			if tt.expectError {
				if err == nil {
					t.Fatalf("Expected error but got none")
				}
				if !errors.Is(err, ErrMalformedText) {
					t.Errorf("Expected error to wrap ErrMalformedText, got %v", err)
				}
				if tt.errorMsg != "" && !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error to contain %q, got %q", tt.errorMsg, err.Error())
				}
				return
			}

			if err != nil {
				t.Fatalf("Expected no error but got: %v", err)
			}
			if packet.CameraID != tt.expectedID {
				t.Errorf("Expected camera id %d, got %d", tt.expectedID, packet.CameraID)
			}
			if string(packet.Payload) != tt.payload {
				t.Errorf("Expected payload %q, got %q", tt.payload, packet.Payload)
			}
		})
	}
}

func TestFormatTextMessageRoundTrip(t *testing.T) {
	original := &FramePacket{CameraID: 3, Payload: []byte{0xFF, 0xD8, 0x00, 0x42}}

	msg := FormatTextMessage(original)
	if !IsLegacyText(msg) {
		t.Fatalf("Formatted message %q not recognized as legacy text", msg)
	}

	decoded, err := ParseTextMessage(msg, testMaxCameras)
	if err != nil {
		t.Fatalf("Round trip failed: %v", err)
	}
	if decoded.CameraID != original.CameraID {
		t.Errorf("Expected camera id %d, got %d", original.CameraID, decoded.CameraID)
	}
	if !bytes.Equal(decoded.Payload, original.Payload) {
		t.Errorf("Payload mismatch: expected %v, got %v", original.Payload, decoded.Payload)
	}
}

func TestIsLegacyText(t *testing.T) {
	if !IsLegacyText("CAMERA_STREAM:1:abcd") {
		t.Error("Expected legacy prefix to be detected")
	}
	if IsLegacyText("PRODUCER 1") {
		t.Error("Handshake line misdetected as legacy text")
	}
}
