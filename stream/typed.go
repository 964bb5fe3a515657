package stream

import "context"

// Codec is the pair of already-supplied (de)serialization functions the
// core is handed per spec: the framer/deframer move raw bytes, and a
// generic typed wrapper converts at its edges using exactly these
// functions, never performing serialization itself.
type Codec[T any] struct {
	Marshal   func(*T) ([]byte, error)
	Unmarshal func([]byte) (*T, error)
}

// ServerStreamOf adapts a Call plus a Codec into the server's typed
// send-only view of a streaming RPC.
type ServerStreamOf[T any] struct {
	call  *Call
	codec Codec[T]
}

// NewServerStreamOf wraps call for typed sends of T.
func NewServerStreamOf[T any](call *Call, codec Codec[T]) *ServerStreamOf[T] {
	return &ServerStreamOf[T]{call: call, codec: codec}
}

func (s *ServerStreamOf[T]) Send(msg *T) error {
	payload, err := s.codec.Marshal(msg)
	if err != nil {
		return err
	}
	return s.call.Send(payload)
}

func (s *ServerStreamOf[T]) Context() context.Context { return s.call.Context() }

// ClientStreamOf adapts a Call plus a Codec into the server's typed
// receive-only view of a client-streaming RPC.
type ClientStreamOf[T any] struct {
	call  *Call
	codec Codec[T]
}

// NewClientStreamOf wraps call for typed receives of T.
func NewClientStreamOf[T any](call *Call, codec Codec[T]) *ClientStreamOf[T] {
	return &ClientStreamOf[T]{call: call, codec: codec}
}

func (c *ClientStreamOf[T]) Recv() (*T, error) {
	payload, err := c.call.Recv()
	if err != nil {
		return nil, err
	}
	return c.codec.Unmarshal(payload)
}

func (c *ClientStreamOf[T]) Context() context.Context { return c.call.Context() }

// BidiStreamOf adapts a Call plus two Codecs into a fully typed
// bidirectional view.
type BidiStreamOf[TIn, TOut any] struct {
	call     *Call
	inCodec  Codec[TIn]
	outCodec Codec[TOut]
}

// NewBidiStreamOf wraps call for typed sends of TOut and receives of TIn.
func NewBidiStreamOf[TIn, TOut any](call *Call, inCodec Codec[TIn], outCodec Codec[TOut]) *BidiStreamOf[TIn, TOut] {
	return &BidiStreamOf[TIn, TOut]{call: call, inCodec: inCodec, outCodec: outCodec}
}

func (b *BidiStreamOf[TIn, TOut]) Send(msg *TOut) error {
	payload, err := b.outCodec.Marshal(msg)
	if err != nil {
		return err
	}
	return b.call.Send(payload)
}

func (b *BidiStreamOf[TIn, TOut]) Recv() (*TIn, error) {
	payload, err := b.call.Recv()
	if err != nil {
		return nil, err
	}
	return b.inCodec.Unmarshal(payload)
}

func (b *BidiStreamOf[TIn, TOut]) Context() context.Context { return b.call.Context() }
