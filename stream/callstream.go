package stream

import (
	"context"
	"io"
)

// CallKind tags which of the four gRPC call shapes a Call is parameterized
// over, so generic code can dispatch on it instead of needing one concrete
// type per shape.
type CallKind int

const (
	Unary CallKind = iota
	ClientStreamKind
	ServerStreamKind
	BidiStreamKind
)

// Sender is the outbound half of a Call: a handler or caller pushes
// already-serialized messages through it. The framer/deframer own actual
// serialization; Call only moves opaque byte payloads.
type Sender interface {
	Send(payload []byte) error
}

// Receiver is the inbound half of a Call.
type Receiver interface {
	Recv() ([]byte, error)
}

// Call is the generic, call-kind-parameterized stream handle bridging a
// method handler to its Machine. One Call exists per RPC for the lifetime
// described by the Machine's own state; Close releases its channels once
// the Machine reaches Finished.
//
// The teacher's per-kind stream interfaces (ServerStream[T],
// ClientStream[T], BidiStream[TIn, TOut]) modeled call kind as parallel
// concrete types; Call instead carries Kind as data and lets callers that
// need per-kind typed wrappers build those as thin generic adapters over
// a single Call (see ServerStreamOf, ClientStreamOf, BidiStreamOf below).
type Call struct {
	Kind    CallKind
	Machine *Machine

	ctx context.Context

	outbound chan []byte
	inbound  chan []byte
	outErr   chan error
	inErr    chan error
	closed   chan struct{}
}

// NewCall creates a Call driving the given Machine.
func NewCall(ctx context.Context, kind CallKind, m *Machine) *Call {
	return &Call{
		Kind:     kind,
		Machine:  m,
		ctx:      ctx,
		outbound: make(chan []byte, 1),
		inbound:  make(chan []byte, 1),
		outErr:   make(chan error, 1),
		inErr:    make(chan error, 1),
		closed:   make(chan struct{}),
	}
}

// Send pushes one outbound payload, honoring the Machine's SendMessage
// verdict: a Finished stream drops the send silently (matching
// ActionDrop), any other non-intercept verdict is surfaced as an error.
func (c *Call) Send(payload []byte) error {
	res := c.Machine.SendMessage()
	switch res.Action {
	case ActionIntercept:
		select {
		case c.outbound <- payload:
			return nil
		case err := <-c.outErr:
			return err
		case <-c.ctx.Done():
			return c.ctx.Err()
		case <-c.closed:
			return io.EOF
		}
	case ActionDrop:
		return nil
	default:
		return res.Status.Err()
	}
}

// Recv pulls one inbound payload, honoring the Machine's ReceiveMessage
// verdict.
func (c *Call) Recv() ([]byte, error) {
	res := c.Machine.ReceiveMessage()
	if res.Action != ActionForward {
		if res.Status != nil {
			return nil, res.Status.Err()
		}
		return nil, io.EOF
	}
	select {
	case payload := <-c.inbound:
		return payload, nil
	case err := <-c.inErr:
		return nil, err
	case <-c.ctx.Done():
		return nil, c.ctx.Err()
	case <-c.closed:
		return nil, io.EOF
	}
}

// Context returns the Call's context.
func (c *Call) Context() context.Context { return c.ctx }

// Outbound exposes the channel a transport-layer writer drains once Send
// has recorded the Machine transition; the writer is responsible for
// actually framing and flushing the payload (see package framing).
func (c *Call) Outbound() <-chan []byte { return c.outbound }

// Inbound is fed by a transport-layer reader after the deframer yields a
// decoded payload.
func (c *Call) Inbound() chan<- []byte { return c.inbound }

// FailRecv unblocks a pending or future Recv with err. The transport layer
// calls this once, after observing an inbound half-close or a read error,
// so a handler blocked waiting for the next message returns immediately
// instead of waiting on data that will never arrive.
func (c *Call) FailRecv(err error) {
	select {
	case c.inErr <- err:
	default:
	}
}

// FailSend unblocks a pending or future Send with err, mirroring FailRecv
// for the outbound direction after a transport-level write failure.
func (c *Call) FailSend(err error) {
	select {
	case c.outErr <- err:
	default:
	}
}

// Close releases the Call's channels. Safe to call once the Machine has
// reached Finished.
func (c *Call) Close() {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
}
