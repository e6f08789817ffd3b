package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestDecoderSingleFrameArbitraryChunks(t *testing.T) {
	payload := make([]byte, 300)
	for i := range payload {
		payload[i] = byte(i)
	}
	encoded := EncodePacket(&FramePacket{CameraID: 1, Timestamp: 42, Payload: payload})

	// Feed the same frame split at every possible chunk size; each run must
	// yield exactly one decoded packet.
	for chunkSize := 1; chunkSize <= len(encoded); chunkSize++ {
		decoder := NewDecoder(testMaxCameras, testMaxPayload)
		var got []*FramePacket

		for off := 0; off < len(encoded); off += chunkSize {
			end := off + chunkSize
			if end > len(encoded) {
				end = len(encoded)
			}
			packets, err := decoder.Feed(encoded[off:end])
			if err != nil {
				t.Fatalf("chunk size %d: unexpected error: %v", chunkSize, err)
			}
			got = append(got, packets...)
		}

		if len(got) != 1 {
			t.Fatalf("chunk size %d: expected 1 packet, got %d", chunkSize, len(got))
		}
		if got[0].CameraID != 1 || got[0].Timestamp != 42 {
			t.Errorf("chunk size %d: unexpected packet fields: %+v", chunkSize, got[0])
		}
		if !bytes.Equal(got[0].Payload, payload) {
			t.Errorf("chunk size %d: payload mismatch", chunkSize)
		}
		if decoder.Buffered() != 0 {
			t.Errorf("chunk size %d: expected empty buffer, got %d bytes", chunkSize, decoder.Buffered())
		}
	}
}

func TestDecoderMultipleFramesOneFeed(t *testing.T) {
	var stream []byte
	for i := 0; i < 5; i++ {
		stream = append(stream, EncodePacket(&FramePacket{
			CameraID:  uint8(i % testMaxCameras),
			Timestamp: int64(1000 + i),
			Payload:   []byte{byte(i), byte(i), byte(i)},
		})...)
	}

	decoder := NewDecoder(testMaxCameras, testMaxPayload)
	packets, err := decoder.Feed(stream)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if len(packets) != 5 {
		t.Fatalf("Expected 5 packets, got %d", len(packets))
	}
	for i, p := range packets {
		if p.Timestamp != int64(1000+i) {
			t.Errorf("Packet %d out of order: timestamp %d", i, p.Timestamp)
		}
	}
}

func TestDecoderPartialThenRemainder(t *testing.T) {
	encoded := EncodePacket(&FramePacket{CameraID: 0, Timestamp: 7, Payload: []byte("frame")})

	decoder := NewDecoder(testMaxCameras, testMaxPayload)

	packets, err := decoder.Feed(encoded[:HeaderSize-1])
	if err != nil {
		t.Fatalf("Unexpected error on partial header: %v", err)
	}
	if len(packets) != 0 {
		t.Fatalf("Expected no packets from partial header, got %d", len(packets))
	}

	packets, err = decoder.Feed(encoded[HeaderSize-1:])
	if err != nil {
		t.Fatalf("Unexpected error on remainder: %v", err)
	}
	if len(packets) != 1 {
		t.Fatalf("Expected 1 packet, got %d", len(packets))
	}
	if string(packets[0].Payload) != "frame" {
		t.Errorf("Payload mismatch: got %q", packets[0].Payload)
	}
}

func TestDecoderFatalOnBadCameraID(t *testing.T) {
	encoded := EncodePacket(&FramePacket{CameraID: 200, Timestamp: 1, Payload: []byte("x")})

	decoder := NewDecoder(testMaxCameras, testMaxPayload)
	_, err := decoder.Feed(encoded)
	if err == nil {
		t.Fatal("Expected framing error for out-of-range camera id")
	}
	var fe *FramingError
	if !errors.As(err, &fe) {
		t.Errorf("Expected *FramingError, got %T", err)
	}
}

func TestDecoderFatalOnCorruptedLength(t *testing.T) {
	// A corrupted length field that exceeds the payload ceiling must be
	// treated as fatal; there is no way to resynchronize the stream.
	encoded := EncodePacket(&FramePacket{CameraID: 1, Timestamp: 1, Payload: []byte("x")})
	encoded[9] = 0xFF
	encoded[10] = 0xFF

	decoder := NewDecoder(testMaxCameras, 1<<16)
	_, err := decoder.Feed(encoded)
	if err == nil {
		t.Fatal("Expected framing error for corrupted length field")
	}
}

func TestDecoderYieldsEarlierFramesBeforeError(t *testing.T) {
	good := EncodePacket(&FramePacket{CameraID: 1, Timestamp: 5, Payload: []byte("ok")})
	bad := EncodePacket(&FramePacket{CameraID: 250, Timestamp: 6, Payload: []byte("no")})

	decoder := NewDecoder(testMaxCameras, testMaxPayload)
	packets, err := decoder.Feed(append(append([]byte{}, good...), bad...))
	if err == nil {
		t.Fatal("Expected framing error from second frame")
	}
	if len(packets) != 1 {
		t.Fatalf("Expected the valid first frame to be yielded, got %d packets", len(packets))
	}
	if string(packets[0].Payload) != "ok" {
		t.Errorf("Unexpected payload %q", packets[0].Payload)
	}
}
