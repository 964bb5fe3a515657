package stream_test

import (
	"testing"

	"github.com/coregrpc/corerpc/stream"
)

func TestServerLazyHeaderFlush(t *testing.T) {
	m := stream.New(stream.ServerRole)

	if res := m.ReceiveMetadata(false); res.Action != stream.ActionInvokeHandler {
		t.Fatalf("ReceiveMetadata = %v", res.Action)
	}
	if res := m.SendMetadata(); res.Action != stream.ActionNone {
		t.Fatalf("SendMetadata = %v", res.Action)
	}

	first := m.SendMessage()
	if first.Action != stream.ActionIntercept || !first.FlushHeaders {
		t.Fatalf("first SendMessage = %+v, want intercept with FlushHeaders", first)
	}

	second := m.SendMessage()
	if second.Action != stream.ActionIntercept || second.FlushHeaders {
		t.Fatalf("second SendMessage = %+v, want intercept without FlushHeaders", second)
	}

	final := m.SendStatus()
	if final.Action != stream.ActionFinish {
		t.Fatalf("SendStatus = %v, want ActionFinish", final.Action)
	}
	if m.State() != stream.Finished {
		t.Fatalf("state = %v, want Finished", m.State())
	}
}

func TestServerTrailersOnlySendStatusFinishes(t *testing.T) {
	m := stream.New(stream.ServerRole)
	m.ReceiveMetadata(false)

	// No SendMetadata, no SendMessage: an immediate SendStatus must still
	// be the only trailer flush -- FlushHeaders semantics live on
	// SendMessage, so a handler that never sends a message never needs
	// them; SendStatus alone closes the stream cleanly.
	res := m.SendStatus()
	if res.Action != stream.ActionFinish {
		t.Fatalf("SendStatus = %v", res.Action)
	}
	if m.State() != stream.Finished {
		t.Fatalf("state = %v", m.State())
	}
}

func TestServerClientCancelMidStream(t *testing.T) {
	m := stream.New(stream.ServerRole)
	m.ReceiveMetadata(false)
	m.ReceiveMessage()
	m.ReceiveMessage()
	m.SendMessage()

	res := m.Cancel()
	if res.Action != stream.ActionCancel {
		t.Fatalf("Cancel = %v", res.Action)
	}
	if m.State() != stream.Finished {
		t.Fatalf("state = %v, want Finished", m.State())
	}

	// Further writes after cancellation are legal no-ops, not errors.
	if res := m.SendMessage(); res.Action != stream.ActionDrop {
		t.Fatalf("SendMessage after cancel = %v, want ActionDrop", res.Action)
	}
}

func TestServerDoubleHeadersIsLocalError(t *testing.T) {
	m := stream.New(stream.ServerRole)
	m.ReceiveMetadata(false)
	m.SendMetadata()

	res := m.SendMetadata()
	if res.Action != stream.ActionCancel || res.Status == nil {
		t.Fatalf("second SendMetadata = %+v, want ActionCancel with a status", res)
	}
}

func TestServerDebugModePanicsOnLocalError(t *testing.T) {
	m := stream.New(stream.ServerRole)
	m.Debug = true
	m.ReceiveMetadata(false)
	m.SendMetadata()

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic in debug mode on double SendMetadata")
		}
	}()
	m.SendMetadata()
}

func TestClientTrailersOnlyResponse(t *testing.T) {
	m := stream.New(stream.ClientRole)

	if res := m.SendMetadata(); res.Action != stream.ActionOpen {
		t.Fatalf("SendMetadata = %v", res.Action)
	}
	res := m.ReceiveMetadata(true)
	if res.Action != stream.ActionFinishTrailersOnly {
		t.Fatalf("ReceiveMetadata(endOfStream) = %v, want ActionFinishTrailersOnly", res.Action)
	}
	if m.State() != stream.Finished {
		t.Fatalf("state = %v, want Finished", m.State())
	}
}

func TestClientNormalResponseThenTrailers(t *testing.T) {
	m := stream.New(stream.ClientRole)
	m.SendMetadata()

	if res := m.ReceiveMetadata(false); res.Action != stream.ActionForward {
		t.Fatalf("ReceiveMetadata = %v", res.Action)
	}
	m.ReceiveMessage()
	res := m.ReceiveMetadata(true)
	if res.Action != stream.ActionFinishTrailersOnly {
		t.Fatalf("final ReceiveMetadata = %v", res.Action)
	}
	if m.State() != stream.Finished {
		t.Fatalf("state = %v", m.State())
	}
}

// TestMonotonicity is property 3 from the specification: from any state
// and event, the returned next state is never earlier in the lattice.
func TestMonotonicity(t *testing.T) {
	events := []func(*stream.Machine) stream.Result{
		func(m *stream.Machine) stream.Result { return m.ReceiveMetadata(false) },
		func(m *stream.Machine) stream.Result { return m.ReceiveMessage() },
		func(m *stream.Machine) stream.Result { return m.ReceiveEnd() },
		func(m *stream.Machine) stream.Result { return m.SendMetadata() },
		func(m *stream.Machine) stream.Result { return m.SendMessage() },
		func(m *stream.Machine) stream.Result { return m.SendStatus() },
		func(m *stream.Machine) stream.Result { return m.Cancel() },
	}

	for _, role := range []stream.Role{stream.ServerRole, stream.ClientRole} {
		for _, first := range events {
			for _, second := range events {
				m := stream.New(role)
				before := m.State()
				first(m)
				mid := m.State()
				if mid < before {
					t.Fatalf("role=%v: state regressed from %v to %v", role, before, mid)
				}
				second(m)
				after := m.State()
				if after < mid {
					t.Fatalf("role=%v: state regressed from %v to %v", role, mid, after)
				}
			}
		}
	}
}
