package framing

import (
	"encoding/binary"

	"github.com/coregrpc/corerpc/status"
)

// DefaultMaxPayloadSize is used when a Deframer is constructed without an
// explicit cap; it matches grpc-go's default maxReceiveMessageSize.
const DefaultMaxPayloadSize = 4 * 1024 * 1024

// Deframer reconstructs messages from a stream of inbound bytes that may
// contain zero, fractional, one, or many frames. Like Framer, a Deframer
// belongs to one connection's serial executor and drives its state machine
// one step at a time; it is the caller's job to feed it every inbound
// buffer and to call Next until it reports "need more data".
type Deframer struct {
	compressor     Compressor
	maxPayloadSize uint32
	buf            []byte
}

// NewDeframer creates a Deframer that decompresses frames with the
// compression flag set using compressor (nil means compressed frames are a
// protocol error) and rejects any declared length over maxPayloadSize.
// A maxPayloadSize of 0 selects DefaultMaxPayloadSize.
func NewDeframer(compressor Compressor, maxPayloadSize uint32) *Deframer {
	if maxPayloadSize == 0 {
		maxPayloadSize = DefaultMaxPayloadSize
	}
	return &Deframer{compressor: compressor, maxPayloadSize: maxPayloadSize}
}

// Write appends newly arrived bytes to the deframer's internal buffer.
func (d *Deframer) Write(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered reports how many undecoded bytes are currently held.
func (d *Deframer) Buffered() int {
	return len(d.buf)
}

// Next attempts to decode one frame from the buffered bytes.
//
//   - ok == false, err == nil: fewer bytes are available than the next
//     frame needs; no input was consumed, call Write and try again.
//   - err != nil: a protocol violation (oversized length, or a compressed
//     frame with no decompressor installed); the caller should tear down
//     the stream with this status.
//   - ok == true: payload holds one decoded message and the cursor has
//     advanced past it.
func (d *Deframer) Next() (payload []byte, ok bool, err error) {
	if len(d.buf) < FrameHeaderSize {
		return nil, false, nil
	}

	flag := d.buf[0]
	length := binary.BigEndian.Uint32(d.buf[1:FrameHeaderSize])

	if length > d.maxPayloadSize {
		// Consume only the 5-byte prefix; the (possibly still partial)
		// body is left alone, matching the "consumes no bytes beyond the
		// five-byte prefix" guarantee.
		d.consume(FrameHeaderSize)
		return nil, false, status.Newf(status.ResourceExhausted,
			"grpc: received message larger than max (%d vs. %d)", length, d.maxPayloadSize).Err()
	}

	total := FrameHeaderSize + int(length)
	if len(d.buf) < total {
		return nil, false, nil
	}

	body := d.buf[FrameHeaderSize:total]

	if flag == 0 {
		out := make([]byte, length)
		copy(out, body)
		d.consume(total)
		return out, true, nil
	}

	if flag != 1 {
		d.consume(total)
		return nil, false, status.Newf(status.Internal, "grpc: invalid compression flag %d", flag).Err()
	}

	if d.compressor == nil {
		d.consume(total)
		return nil, false, status.New(status.Internal,
			"grpc: received compressed frame but no decompressor is registered").Err()
	}

	decoded, derr := d.compressor.Decompress(body, d.maxPayloadSize)
	d.consume(total)
	if derr != nil {
		return nil, false, status.Newf(status.ResourceExhausted, "grpc: %v", derr).Err()
	}
	return decoded, true, nil
}

// consume drops the first n bytes of buf, reusing the existing backing
// array rather than letting the buffer grow without bound across frames.
func (d *Deframer) consume(n int) {
	remaining := copy(d.buf, d.buf[n:])
	d.buf = d.buf[:remaining]
}
