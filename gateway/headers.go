package gateway

import (
	"bytes"
	"strconv"
	"strings"

	"golang.org/x/net/http2/hpack"

	"github.com/coregrpc/corerpc/metadata"
	"github.com/coregrpc/corerpc/status"
)

// requestLine holds the pseudo-headers every gRPC request carries
// alongside its Metadata.
type requestLine struct {
	method    string
	path      string
	scheme    string
	authority string
}

// decodeHeaders runs an HPACK decoder (which carries per-connection
// dynamic-table state, so one decoder is reused across every stream on a
// connection) over a HEADERS block and splits pseudo-headers from
// ordinary metadata.
func decodeHeaders(dec *hpack.Decoder, block []byte) (requestLine, *metadata.Metadata, error) {
	var line requestLine
	md := metadata.New()

	dec.SetEmitFunc(func(f hpack.HeaderField) {
		switch f.Name {
		case ":method":
			line.method = f.Value
		case ":path":
			line.path = f.Value
		case ":scheme":
			line.scheme = f.Value
		case ":authority":
			line.authority = f.Value
		default:
			if strings.HasPrefix(f.Name, ":") {
				return
			}
			md.Append(f.Name, f.Value)
		}
	})
	if _, err := dec.Write(block); err != nil {
		return line, nil, err
	}
	return line, md, nil
}

// encodeResponseHeaders writes the initial HEADERS block for a gRPC
// response: :status 200, content-type, plus any user-supplied metadata.
func encodeResponseHeaders(enc *hpack.Encoder, buf *bytes.Buffer, md *metadata.Metadata) []byte {
	buf.Reset()
	writeField(enc, ":status", "200")
	writeField(enc, "content-type", "application/grpc")
	rangeMetadata(md, func(key, value string) {
		writeField(enc, key, value)
	})
	return append([]byte(nil), buf.Bytes()...)
}

// encodeTrailers writes the trailing HEADERS block carrying grpc-status,
// an optional grpc-message, and any user-supplied trailer metadata.
func encodeTrailers(enc *hpack.Encoder, buf *bytes.Buffer, code int, message string, md *metadata.Metadata) []byte {
	buf.Reset()
	writeField(enc, "grpc-status", strconv.Itoa(code))
	if message != "" {
		writeField(enc, "grpc-message", status.EncodeMessage(message))
	}
	rangeMetadata(md, func(key, value string) {
		writeField(enc, key, value)
	})
	return append([]byte(nil), buf.Bytes()...)
}

// encodeTrailersOnly merges initial and trailing headers into the single
// HEADERS block a trailers-only response requires.
func encodeTrailersOnly(enc *hpack.Encoder, buf *bytes.Buffer, code int, message string, md *metadata.Metadata) []byte {
	buf.Reset()
	writeField(enc, ":status", "200")
	writeField(enc, "content-type", "application/grpc")
	writeField(enc, "grpc-status", strconv.Itoa(code))
	if message != "" {
		writeField(enc, "grpc-message", status.EncodeMessage(message))
	}
	rangeMetadata(md, func(key, value string) {
		writeField(enc, key, value)
	})
	return append([]byte(nil), buf.Bytes()...)
}

func rangeMetadata(md *metadata.Metadata, fn func(key, value string)) {
	if md == nil {
		return
	}
	md.Range(func(key, value string) bool {
		fn(key, value)
		return true
	})
}

func writeField(enc *hpack.Encoder, name, value string) {
	_ = enc.WriteField(hpack.HeaderField{Name: name, Value: value})
}
