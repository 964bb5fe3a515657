package framing

import (
	"encoding/binary"
)

// FrameHeaderSize is the fixed 1-byte compression flag + 4-byte big-endian
// length prefix on every gRPC message frame.
const FrameHeaderSize = 5

// DefaultSoftCap is the approximate coalescing limit the Framer applies
// when packing consecutive frames into one outbound chunk.
const DefaultSoftCap = 64 * 1024

// pendingMessage is one not-yet-framed message awaiting its turn in Next.
type pendingMessage struct {
	data     []byte
	compress bool
}

// Framer turns messages into gRPC's length-prefixed wire format. A Framer
// belongs to exactly one connection's serial executor and is not safe for
// concurrent use, matching the rest of this repository's per-connection
// state.
type Framer struct {
	compressor Compressor
	softCap    int
	pending    []pendingMessage
	buf        []byte
}

// NewFramer creates a Framer that compresses requested messages with
// compressor, or emits them uncompressed if compressor is nil.
func NewFramer(compressor Compressor) *Framer {
	return &Framer{compressor: compressor, softCap: DefaultSoftCap}
}

// Enqueue appends msg to the outbound FIFO. compress requests compression
// for this specific message; it is honored only if a compressor is
// configured.
func (f *Framer) Enqueue(msg []byte, compress bool) {
	f.pending = append(f.pending, pendingMessage{data: msg, compress: compress})
}

// Pending reports how many messages are still queued.
func (f *Framer) Pending() int {
	return len(f.pending)
}

// Next returns the next outbound chunk: as many consecutive queued messages
// as fit under the soft cap, framed and concatenated into one contiguous
// buffer. It returns nil, nil when the queue is empty. A single message
// larger than the soft cap is never split or rejected -- it is emitted
// alone in its own chunk.
//
// The returned slice aliases the Framer's internal output buffer and is
// only valid until the next call to Next; callers must fully consume
// (e.g. write to the wire) before calling Next again.
func (f *Framer) Next() ([]byte, error) {
	if len(f.pending) == 0 {
		return nil, nil
	}

	f.buf = f.buf[:0]
	for len(f.pending) > 0 {
		msg := f.pending[0]
		// Soft cap only throttles coalescing: a message always goes into
		// an otherwise-empty chunk regardless of its own size.
		if len(f.buf) > 0 && len(f.buf)+FrameHeaderSize+len(msg.data) > f.softCap {
			break
		}
		var err error
		f.buf, err = f.appendFrame(f.buf, msg.data, msg.compress)
		if err != nil {
			return nil, err
		}
		f.pending = f.pending[1:]
	}

	out := f.buf
	if cap(f.buf) > f.softCap*2 {
		// Return capacity to the allocator instead of holding on to a
		// chunk inflated by one outsized message.
		f.buf = nil
	}
	return out, nil
}

func (f *Framer) appendFrame(dst, data []byte, compress bool) ([]byte, error) {
	if compress && f.compressor != nil {
		start := len(dst)
		dst = append(dst, 1, 0, 0, 0, 0)
		compressed, err := f.compressor.Compress(data)
		if err != nil {
			return dst[:start], err
		}
		dst = append(dst, compressed...)
		binary.BigEndian.PutUint32(dst[start+1:start+FrameHeaderSize], uint32(len(compressed)))
		return dst, nil
	}

	start := len(dst)
	dst = append(dst, 0, 0, 0, 0, 0)
	binary.BigEndian.PutUint32(dst[start+1:start+FrameHeaderSize], uint32(len(data)))
	dst = append(dst, data...)
	return dst, nil
}
