package metadata

import (
	"sort"

	"google.golang.org/grpc/metadata"
)

// ToGRPC converts md to a google.golang.org/grpc/metadata.MD for handing off
// to code that expects the upstream grpc-go representation (e.g. a
// grpc-go-compatible client transport). Ordering across distinct keys is
// lost in the conversion, since grpc.MD is a plain map; relative order of
// repeated values under the same key is preserved.
func (md *Metadata) ToGRPC() metadata.MD {
	out := metadata.MD{}
	md.Range(func(key, value string) bool {
		out[key] = append(out[key], value)
		return true
	})
	return out
}

// FromGRPC builds a Metadata from a grpc-go metadata.MD. Because grpc.MD
// does not record cross-key order, keys are visited in sorted order so the
// result is at least deterministic; values within a key keep their order.
func FromGRPC(md metadata.MD) *Metadata {
	out := &Metadata{}
	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range md[k] {
			out.Append(k, v)
		}
	}
	return out
}
