package framing_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/coregrpc/corerpc/framing"
)

func drainAll(t *testing.T, f *framing.Framer) []byte {
	t.Helper()
	var out []byte
	for f.Pending() > 0 {
		chunk, err := f.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		out = append(out, chunk...)
	}
	return out
}

func TestFrameRoundTripUncompressed(t *testing.T) {
	messages := [][]byte{
		[]byte("hello"),
		{},
		[]byte(strings.Repeat("x", 10000)),
	}

	f := framing.NewFramer(nil)
	for _, m := range messages {
		f.Enqueue(m, false)
	}
	wire := drainAll(t, f)

	d := framing.NewDeframer(nil, 0)
	d.Write(wire)

	for i, want := range messages {
		got, ok, err := d.Next()
		if err != nil {
			t.Fatalf("message %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("message %d: need more data unexpectedly", i)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("message %d = %q, want %q", i, got, want)
		}
	}
}

func TestFrameRoundTripCompressed(t *testing.T) {
	gz, _ := framing.GetCompressor(framing.CompressionGzip)

	f := framing.NewFramer(gz)
	f.Enqueue([]byte(strings.Repeat("compress me ", 500)), true)
	wire := drainAll(t, f)

	d := framing.NewDeframer(gz, 0)
	d.Write(wire)
	got, ok, err := d.Next()
	if err != nil || !ok {
		t.Fatalf("Next: ok=%v err=%v", ok, err)
	}
	if string(got) != strings.Repeat("compress me ", 500) {
		t.Fatalf("decoded payload mismatch")
	}
}

// TestSplitPoints exercises property 1: for any split of the serialized
// output across write boundaries, the deframer reconstructs the same
// sequence of messages in order.
func TestSplitPoints(t *testing.T) {
	messages := [][]byte{[]byte("alpha"), []byte("beta-and-longer"), []byte("c")}
	f := framing.NewFramer(nil)
	for _, m := range messages {
		f.Enqueue(m, false)
	}
	wire := drainAll(t, f)

	for split := 0; split <= len(wire); split++ {
		d := framing.NewDeframer(nil, 0)
		d.Write(wire[:split])

		var got [][]byte
		for {
			payload, ok, err := d.Next()
			if err != nil {
				t.Fatalf("split %d: %v", split, err)
			}
			if !ok {
				break
			}
			got = append(got, payload)
		}
		d.Write(wire[split:])
		for {
			payload, ok, err := d.Next()
			if err != nil {
				t.Fatalf("split %d (tail): %v", split, err)
			}
			if !ok {
				break
			}
			got = append(got, payload)
		}

		if len(got) != len(messages) {
			t.Fatalf("split %d: got %d messages, want %d", split, len(got), len(messages))
		}
		for i := range messages {
			if !bytes.Equal(got[i], messages[i]) {
				t.Fatalf("split %d: message %d = %q, want %q", split, i, got[i], messages[i])
			}
		}
	}
}

func TestDeframerNeedsMoreData(t *testing.T) {
	d := framing.NewDeframer(nil, 0)
	d.Write([]byte{0, 0, 0})
	_, ok, err := d.Next()
	if ok || err != nil {
		t.Fatalf("ok=%v err=%v, want ok=false err=nil", ok, err)
	}
	if d.Buffered() != 3 {
		t.Fatalf("Buffered() = %d, want 3 (no bytes consumed)", d.Buffered())
	}
}

func TestDeframerRejectsOversizedLength(t *testing.T) {
	d := framing.NewDeframer(nil, 16)
	header := []byte{0, 0, 0, 0, 100} // declares a 100-byte message, cap is 16
	d.Write(header)

	_, ok, err := d.Next()
	if ok || err == nil {
		t.Fatalf("ok=%v err=%v, want ok=false, resource-exhausted error", ok, err)
	}
	if d.Buffered() != 0 {
		t.Fatalf("Buffered() = %d, want 0 (prefix consumed, no body was ever sent)", d.Buffered())
	}
}

func TestDeframerRejectsCompressedWithoutDecompressor(t *testing.T) {
	f := framing.NewFramer(mustGzip(t))
	f.Enqueue([]byte("needs gzip"), true)
	wire := drainAll(t, f)

	d := framing.NewDeframer(nil, 0)
	d.Write(wire)
	_, ok, err := d.Next()
	if ok || err == nil {
		t.Fatal("expected internal error for compressed frame with no decompressor")
	}
}

func mustGzip(t *testing.T) framing.Compressor {
	t.Helper()
	gz, ok := framing.GetCompressor(framing.CompressionGzip)
	if !ok {
		t.Fatal("gzip compressor not registered")
	}
	return gz
}

func TestFramerNeverSplitsOversizedMessage(t *testing.T) {
	big := bytes.Repeat([]byte{'z'}, framing.DefaultSoftCap*2)
	f := framing.NewFramer(nil)
	f.Enqueue([]byte("small"), false)
	f.Enqueue(big, false)
	f.Enqueue([]byte("small2"), false)

	chunk1, err := f.Next()
	if err != nil {
		t.Fatal(err)
	}
	// "small" fits alongside nothing else queued ahead of the oversized
	// message, so it is flushed alone first.
	if len(chunk1) != framing.FrameHeaderSize+len("small") {
		t.Fatalf("chunk1 len = %d, want a single small frame", len(chunk1))
	}

	chunk2, err := f.Next()
	if err != nil {
		t.Fatal(err)
	}
	if len(chunk2) != framing.FrameHeaderSize+len(big) {
		t.Fatalf("chunk2 len = %d, want the oversized message alone", len(chunk2))
	}
}
