// Package metadata implements the ordered, case-insensitive multimap that
// carries gRPC headers and trailers between the wire and the call handlers.
package metadata

import (
	"strings"
)

// binarySuffix marks keys whose values are opaque binary blobs rather than
// printable strings, per the gRPC wire convention.
const binarySuffix = "-bin"

// Reserved keys that the protocol itself owns; callers may read them but
// should not set them directly through a Metadata value.
var Reserved = map[string]bool{
	"grpc-timeout":               true,
	"grpc-encoding":              true,
	"grpc-accept-encoding":       true,
	"grpc-status":                true,
	"grpc-message":               true,
	"grpc-previous-rpc-attempts": true,
	"grpc-retry-pushback-ms":     true,
	"content-type":               true,
	":method":                    true,
	":scheme":                    true,
	":path":                      true,
	":authority":                 true,
}

// entry is one insertion into a Metadata multimap.
type entry struct {
	key   string // already lowercased
	value string
}

// Metadata is an ordered multimap from lowercase ASCII key to value.
// Iteration order equals insertion order; lookup is case-insensitive.
// A Metadata value is not safe for concurrent use without external
// synchronization, matching the rest of the per-stream state in this
// package's callers.
type Metadata struct {
	entries []entry
	frozen  bool
}

// New builds a Metadata from alternating key/value pairs, in the style of
// google.golang.org/grpc/metadata.Pairs.
func New(kv ...string) *Metadata {
	md := &Metadata{}
	for i := 0; i+1 < len(kv); i += 2 {
		md.Append(kv[i], kv[i+1])
	}
	return md
}

// IsBinary reports whether key is a binary-valued key (ends in "-bin").
func IsBinary(key string) bool {
	return strings.HasSuffix(strings.ToLower(key), binarySuffix)
}

// Append inserts a value for key, preserving prior values under the same
// key and the overall insertion order. Append remains legal after Freeze
// (see Freeze).
func (md *Metadata) Append(key, value string) {
	key = strings.ToLower(key)
	md.entries = append(md.entries, entry{key: key, value: value})
}

// Set replaces all values for key with the single value given.
func (md *Metadata) Set(key, value string) {
	key = strings.ToLower(key)
	if md.frozen {
		panic("metadata: set on frozen metadata")
	}
	out := md.entries[:0]
	for _, e := range md.entries {
		if e.key != key {
			out = append(out, e)
		}
	}
	md.entries = append(out, entry{key: key, value: value})
}

// Get returns all values recorded for key, in insertion order.
func (md *Metadata) Get(key string) []string {
	key = strings.ToLower(key)
	var out []string
	for _, e := range md.entries {
		if e.key == key {
			out = append(out, e.value)
		}
	}
	return out
}

// First returns the first value recorded for key and whether it was present.
func (md *Metadata) First(key string) (string, bool) {
	key = strings.ToLower(key)
	for _, e := range md.entries {
		if e.key == key {
			return e.value, true
		}
	}
	return "", false
}

// Len returns the total number of key/value pairs recorded.
func (md *Metadata) Len() int {
	return len(md.entries)
}

// Range calls fn for every key/value pair in insertion order. fn returning
// false stops iteration early.
func (md *Metadata) Range(fn func(key, value string) bool) {
	for _, e := range md.entries {
		if !fn(e.key, e.value) {
			return
		}
	}
}

// Freeze marks md as a trailers instance: subsequent Append calls, for new
// or existing keys, are still legal (trailers are append-only until
// flush), but Set panics. Freeze exists to make the trailers invariant
// ("append-only until flush") checkable at runtime by callers that choose
// to enforce it; it is not invoked automatically.
func (md *Metadata) Freeze() {
	md.frozen = true
}

// Clone returns an independent copy of md.
func (md *Metadata) Clone() *Metadata {
	out := &Metadata{entries: make([]entry, len(md.entries))}
	copy(out.entries, md.entries)
	return out
}

// Merge appends every pair from other onto md, in order.
func (md *Metadata) Merge(other *Metadata) {
	if other == nil {
		return
	}
	for _, e := range other.entries {
		md.Append(e.key, e.value)
	}
}
