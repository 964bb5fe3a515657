package metadata

import "context"

// incomingKey is the context key under which a request's inbound
// Metadata is stored, mirroring google.golang.org/grpc/metadata's own
// incomingContext convention.
type incomingKey struct{}

// NewIncomingContext returns a context carrying md as the inbound request
// metadata a handler reads.
func NewIncomingContext(ctx context.Context, md *Metadata) context.Context {
	return context.WithValue(ctx, incomingKey{}, md)
}

// FromIncomingContext retrieves the Metadata attached by NewIncomingContext,
// if any.
func FromIncomingContext(ctx context.Context) (*Metadata, bool) {
	md, ok := ctx.Value(incomingKey{}).(*Metadata)
	return md, ok
}
