// Package framing implements the gRPC length-prefixed message framer and
// deframer, including the optional per-message compressor pipeline.
package framing

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"sync"
)

// Compression algorithm names recognized on the wire via grpc-encoding.
const (
	CompressionIdentity = ""     // no compression
	CompressionGzip     = "gzip" // RFC 1952 gzip
)

// Compressor is a streaming compression algorithm usable for a single
// gRPC message frame. Decompress must enforce maxLen itself, during
// decompression rather than after, so a small compressed frame cannot
// expand past the configured payload cap before being rejected.
type Compressor interface {
	Name() string
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte, maxLen uint32) ([]byte, error)
}

// compressorRegistry holds process-wide compressors, looked up by the
// grpc-encoding / grpc-accept-encoding token.
var compressorRegistry = struct {
	sync.RWMutex
	byName map[string]Compressor
}{byName: make(map[string]Compressor)}

// RegisterCompressor makes c available to NewFramer/NewDeframer callers
// that look it up by name.
func RegisterCompressor(c Compressor) {
	compressorRegistry.Lock()
	defer compressorRegistry.Unlock()
	compressorRegistry.byName[c.Name()] = c
}

// GetCompressor returns the compressor registered under name, if any.
func GetCompressor(name string) (Compressor, bool) {
	compressorRegistry.RLock()
	defer compressorRegistry.RUnlock()
	c, ok := compressorRegistry.byName[name]
	return c, ok
}

func init() {
	RegisterCompressor(&GzipCompressor{})
}

// GzipCompressor implements Compressor using compress/gzip, with writer and
// reader pools to keep per-message allocation down on busy connections.
type GzipCompressor struct{}

func (g *GzipCompressor) Name() string { return CompressionGzip }

var (
	gzipWriterPool = sync.Pool{New: func() any { return gzip.NewWriter(nil) }}
	gzipReaderPool = sync.Pool{New: func() any { return new(gzip.Reader) }}
	bufferPool     = sync.Pool{New: func() any { return new(bytes.Buffer) }}
)

func (g *GzipCompressor) Compress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}

	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufferPool.Put(buf)

	gz := gzipWriterPool.Get().(*gzip.Writer)
	gz.Reset(buf)
	defer gzipWriterPool.Put(gz)

	if _, err := gz.Write(data); err != nil {
		return nil, fmt.Errorf("framing: gzip compress: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("framing: gzip compress close: %w", err)
	}

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

func (g *GzipCompressor) Decompress(data []byte, maxLen uint32) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}

	gz := gzipReaderPool.Get().(*gzip.Reader)
	defer gzipReaderPool.Put(gz)

	if err := gz.Reset(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("framing: gzip decompress reset: %w", err)
	}

	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufferPool.Put(buf)

	// Read one byte past the cap so an exact-cap payload is still
	// accepted while anything larger is caught before fully materializing.
	limited := io.LimitReader(gz, int64(maxLen)+1)
	if _, err := buf.ReadFrom(limited); err != nil {
		return nil, fmt.Errorf("framing: gzip decompress read: %w", err)
	}
	if uint32(buf.Len()) > maxLen {
		return nil, fmt.Errorf("framing: decompressed message exceeds max payload size %d", maxLen)
	}

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}
