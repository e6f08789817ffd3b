package protocol

// decodeState tracks where the streaming decoder is within a frame.
type decodeState int

const (
	awaitHeader decodeState = iota
	awaitBody
)

// Decoder reassembles binary frames from an arbitrarily chunked byte stream.
// Each connection owns one Decoder; it buffers partial input and yields a
// packet only once the full length-prefixed payload has arrived. Any framing
// violation is returned as a *FramingError and the Decoder must not be used
// again (the stream has no resync marker).
type Decoder struct {
	maxCameras int
	maxPayload int

	buf    []byte
	state  decodeState
	header Header
}

// NewDecoder creates a streaming decoder bound to the configured camera id
// range and payload size limit.
func NewDecoder(maxCameras, maxPayload int) *Decoder {
	return &Decoder{
		maxCameras: maxCameras,
		maxPayload: maxPayload,
	}
}

// Feed appends raw bytes from the stream and returns every frame completed by
// this chunk, in arrival order. A non-nil error is fatal to the stream.
func (d *Decoder) Feed(data []byte) ([]*FramePacket, error) {
	d.buf = append(d.buf, data...)

	var packets []*FramePacket
	for {
		switch d.state {
		case awaitHeader:
			if len(d.buf) < HeaderSize {
				return packets, nil
			}

			header, err := ParseHeader(d.buf[:HeaderSize], d.maxCameras, d.maxPayload)
			if err != nil {
				return packets, err
			}

			d.header = *header
			d.state = awaitBody

		case awaitBody:
			total := HeaderSize + int(d.header.Length)
			if len(d.buf) < total {
				return packets, nil
			}

			payload := make([]byte, d.header.Length)
			copy(payload, d.buf[HeaderSize:total])

			packets = append(packets, &FramePacket{
				CameraID:  d.header.CameraID,
				Timestamp: d.header.Timestamp,
				Payload:   payload,
			})

			d.buf = d.buf[:copy(d.buf, d.buf[total:])]
			d.state = awaitHeader
		}
	}
}

// Buffered returns the number of bytes held for an incomplete frame.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}
