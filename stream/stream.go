// Package stream implements the per-RPC stream state machine (SSM): the
// four-state lattice that both client-role and server-role call handlers
// use to decide which send/receive actions are currently legal.
package stream

import (
	"github.com/coregrpc/corerpc/status"
)

// State is a point in the SSM's state lattice. States never move
// backward: Idle < Handling < Draining < Finished on the server, and
// Idle < Handling < Finished on the client (Draining never occurs there).
type State int

const (
	Idle State = iota
	Handling
	Draining
	Finished
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Handling:
		return "handling"
	case Draining:
		return "draining"
	case Finished:
		return "finished"
	default:
		return "unknown"
	}
}

// Role selects which half of the transition table a Machine enforces.
type Role int

const (
	ServerRole Role = iota
	ClientRole
)

// Action is what the SSM tells its caller to do in response to an event.
type Action int

const (
	// ActionNone means the event was accepted and nothing further is
	// required of the caller beyond the state change already recorded.
	ActionNone Action = iota
	// ActionInvokeHandler dispatches the user-supplied service method; it
	// only ever follows the server's first receive_metadata.
	ActionInvokeHandler
	// ActionOpen is the client-role equivalent: send_metadata opens the
	// outgoing stream.
	ActionOpen
	// ActionForward hands a decoded message, or non-final response
	// metadata, to the interceptor/handler pipeline.
	ActionForward
	// ActionFinishTrailersOnly marks a client stream finished by a metadata
	// block with end-of-stream set: a trailers-only response or the
	// trailers after a normal response. The Result carries no Status; the
	// final status is in that metadata block.
	ActionFinishTrailersOnly
	// ActionIntercept emits an outbound message; if FlushHeaders is set on
	// the Result, response headers have not yet reached the wire and must
	// be piggy-backed now.
	ActionIntercept
	// ActionFinish flushes the final status and trailers, exactly once.
	ActionFinish
	// ActionCancel tears down the stream and reports Result.Status to the
	// caller's transport layer.
	ActionCancel
	// ActionDrop silently discards the event: the local role has already
	// reached Finished.
	ActionDrop
)

// Result is the outcome of feeding one event to a Machine.
type Result struct {
	Action       Action
	FlushHeaders bool
	Status       *status.Status
}

// headerState tracks the local peer's own outbound headers, independent of
// State, so a second send_metadata can be recognized as a programmer
// error even while the stream is still Handling.
type headerState int

const (
	headersNotSet headerState = iota
	headersBuffered
	headersFlushed
)

// Machine is one SSM instance, created when a new stream id is observed
// (server) or an outgoing call begins (client), and discarded once it
// reaches Finished and all buffered messages have drained.
//
// A Machine is owned by exactly one connection's serial executor (see
// package connection) and is not safe for concurrent use.
type Machine struct {
	role    Role
	state   State
	headers headerState

	// initialMetadataSeen distinguishes, on the client, the very first
	// receive_metadata (which may be a trailers-only response) from a
	// later, illegal second non-final header block.
	initialMetadataSeen bool

	// Debug selects programmer-error handling: true aborts (panics) on a
	// local precondition violation, matching a debug build; false
	// degrades to ActionCancel, matching a release build. Defaults to
	// false (release behavior) so embedding code must opt in.
	Debug bool
}

// New creates a Machine in the Idle state for the given role.
func New(role Role) *Machine {
	return &Machine{role: role, state: Idle}
}

// State returns the machine's current state.
func (m *Machine) State() State {
	return m.state
}

// advance moves the machine to next, which must never be earlier than the
// current state in the lattice; this is asserted rather than merely hoped
// for, since a regression here would silently corrupt the protocol.
func (m *Machine) advance(next State) {
	if next < m.state {
		panic("stream: illegal backward transition")
	}
	m.state = next
}

func (m *Machine) localError(format string, args ...any) Result {
	st := status.Newf(status.Internal, format, args...)
	if m.Debug {
		panic("stream: " + st.Message)
	}
	m.advance(Finished)
	return Result{Action: ActionCancel, Status: st}
}

func peerViolation(format string, args ...any) Result {
	return Result{Action: ActionCancel, Status: status.Newf(status.Unavailable, format, args...)}
}

// ReceiveMetadata handles initial headers or trailers arriving from the
// peer. endOfStream marks this block as closing the inbound direction
// (trailers, or a trailers-only response on the client).
func (m *Machine) ReceiveMetadata(endOfStream bool) Result {
	if m.role == ServerRole {
		return m.serverReceiveMetadata()
	}
	return m.clientReceiveMetadata(endOfStream)
}

func (m *Machine) serverReceiveMetadata() Result {
	switch m.state {
	case Idle:
		m.advance(Handling)
		return Result{Action: ActionInvokeHandler}
	case Handling, Draining:
		m.advance(Finished)
		return peerViolation("grpc: duplicate initial headers on an open stream")
	default: // Finished
		return peerViolation("grpc: headers received on a finished stream")
	}
}

func (m *Machine) clientReceiveMetadata(endOfStream bool) Result {
	switch m.state {
	case Idle:
		m.advance(Finished)
		return peerViolation("grpc: response headers received before the request was sent")
	case Handling:
		if !m.initialMetadataSeen {
			m.initialMetadataSeen = true
			if endOfStream {
				m.advance(Finished)
				return Result{Action: ActionFinishTrailersOnly}
			}
			return Result{Action: ActionForward}
		}
		if endOfStream {
			m.advance(Finished)
			return Result{Action: ActionFinishTrailersOnly}
		}
		m.advance(Finished)
		return peerViolation("grpc: duplicate non-final response headers")
	default: // Finished
		return peerViolation("grpc: headers received on a finished stream")
	}
}

// ReceiveMessage handles one decoded inbound payload.
func (m *Machine) ReceiveMessage() Result {
	switch m.state {
	case Idle:
		m.advance(Finished)
		return peerViolation("grpc: message received before initial headers")
	case Handling:
		return Result{Action: ActionForward}
	case Draining:
		m.advance(Finished)
		return peerViolation("grpc: message received after the inbound half-close")
	default: // Finished
		return peerViolation("grpc: message received on a finished stream")
	}
}

// ReceiveEnd handles an inbound half-close with no trailers payload
// (server role only -- the client's equivalent arrives as ReceiveMetadata
// with endOfStream set).
func (m *Machine) ReceiveEnd() Result {
	switch m.state {
	case Idle:
		m.advance(Finished)
		return peerViolation("grpc: inbound half-close before initial headers")
	case Handling:
		m.advance(Draining)
		return Result{Action: ActionNone}
	default: // Draining, Finished
		m.advance(Finished)
		return peerViolation("grpc: duplicate inbound half-close")
	}
}

// SendMetadata sets response headers (server) or opens the stream
// (client). On the server, headers are buffered and flushed lazily by the
// first SendMessage or SendStatus.
func (m *Machine) SendMetadata() Result {
	if m.role == ClientRole {
		return m.clientSendMetadata()
	}
	switch m.state {
	case Handling, Draining:
		if m.headers != headersNotSet {
			return m.localError("duplicate response headers on method handler")
		}
		m.headers = headersBuffered
		return Result{Action: ActionNone}
	default:
		return m.localError("send_metadata on a stream with no open request (state=%s)", m.state)
	}
}

func (m *Machine) clientSendMetadata() Result {
	switch m.state {
	case Idle:
		m.advance(Handling)
		m.headers = headersFlushed
		return Result{Action: ActionOpen}
	default:
		return m.localError("duplicate request headers (state=%s)", m.state)
	}
}

// SendMessage emits one outbound message. The first SendMessage after
// SendMetadata flushes the buffered headers alongside it.
func (m *Machine) SendMessage() Result {
	switch m.state {
	case Handling, Draining:
		flush := m.headers != headersFlushed
		m.headers = headersFlushed
		return Result{Action: ActionIntercept, FlushHeaders: flush}
	case Idle:
		return m.localError("send_message before send_metadata")
	default: // Finished
		return Result{Action: ActionDrop}
	}
}

// SendStatus emits the final status and trailers, closing the outbound
// direction. Once the stream is Finished (after an earlier SendStatus or a
// Cancel), further calls return ActionDrop.
func (m *Machine) SendStatus() Result {
	switch m.state {
	case Handling, Draining:
		m.advance(Finished)
		return Result{Action: ActionFinish}
	case Idle:
		return m.localError("send_status before send_metadata")
	default: // Finished
		return Result{Action: ActionDrop}
	}
}

// Cancel tears the stream down immediately, regardless of state.
func (m *Machine) Cancel() Result {
	if m.state == Finished {
		return Result{Action: ActionNone}
	}
	m.advance(Finished)
	return Result{Action: ActionCancel, Status: status.New(status.Canceled, "grpc: stream canceled")}
}
