package balancer_test

import (
	"testing"
	"time"

	"github.com/coregrpc/corerpc/balancer"
	"github.com/coregrpc/corerpc/resolver"
)

func endpoint(addr string) resolver.Endpoint {
	return resolver.Endpoint{Addresses: []resolver.Address{{Kind: resolver.IPv4, Addr: addr}}}
}

func TestAggregateStatePrecedence(t *testing.T) {
	lb := balancer.New(balancer.Config{})
	go lb.Run()
	defer lb.Close()

	subs := lb.UpdateEndpoints(nil)
	if len(subs) != 0 {
		t.Fatalf("UpdateEndpoints(nil) removed %d, want 0", len(subs))
	}
	if got := lb.AggregateState(); got != balancer.Shutdown {
		t.Fatalf("AggregateState() with no endpoints = %v, want Shutdown", got)
	}

	lb.UpdateEndpoints([]resolver.Endpoint{endpoint("a:1"), endpoint("b:1")})
	if got := lb.AggregateState(); got != balancer.Idle {
		t.Fatalf("AggregateState() with fresh sub-channels = %v, want Idle", got)
	}
}

func TestPickSubchannelRoundRobinsReadyOnes(t *testing.T) {
	lb := balancer.New(balancer.Config{})
	go lb.Run()
	defer lb.Close()

	lb.UpdateEndpoints([]resolver.Endpoint{endpoint("a:1"), endpoint("b:1")})

	if lb.PickSubchannel() != nil {
		t.Fatal("expected no ready sub-channel before any state transition")
	}

	subs := lb.DebugSubchannels()
	if len(subs) != 2 {
		t.Fatalf("got %d sub-channels, want 2", len(subs))
	}
	for _, s := range subs {
		lb.NotifyStateChange(s, balancer.Ready)
	}

	first := lb.PickSubchannel()
	second := lb.PickSubchannel()
	if first == nil || second == nil || first == second {
		t.Fatalf("expected two distinct ready sub-channels in rotation, got %v, %v", first, second)
	}
	third := lb.PickSubchannel()
	if third != first {
		t.Fatalf("round robin did not wrap back to the first sub-channel: got %v, want %v", third, first)
	}
}

func TestQueueWaiterDeliveredOnReady(t *testing.T) {
	lb := balancer.New(balancer.Config{})
	go lb.Run()
	defer lb.Close()

	lb.UpdateEndpoints([]resolver.Endpoint{endpoint("a:1")})

	waiterCh := lb.QueueWaiter("call-1", true)

	// Grab the sub-channel the balancer created and flip it to Ready.
	sub := soleSubchannel(t, lb)
	lb.NotifyStateChange(sub, balancer.Ready)

	select {
	case got := <-waiterCh:
		if got != sub {
			t.Fatalf("waiter delivered %v, want %v", got, sub)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for queued waiter to be served")
	}
}

func TestFastFailingWaiterEvictedOnTransientFailure(t *testing.T) {
	lb := balancer.New(balancer.Config{})
	go lb.Run()
	defer lb.Close()

	lb.UpdateEndpoints([]resolver.Endpoint{endpoint("a:1")})
	sub := soleSubchannel(t, lb)

	fastFailCh := lb.QueueWaiter("fast", false)
	waitForReadyCh := lb.QueueWaiter("patient", true)

	lb.NotifyStateChange(sub, balancer.TransientFailure)

	select {
	case got := <-fastFailCh:
		if got != nil {
			t.Fatalf("fast-failing waiter got %v, want nil", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for fast-failing eviction")
	}

	select {
	case got := <-waitForReadyCh:
		t.Fatalf("wait-for-ready waiter should not have been served yet, got %v", got)
	default:
	}
}

func TestCloseFailsAllQueuedWaiters(t *testing.T) {
	lb := balancer.New(balancer.Config{})
	go lb.Run()

	lb.UpdateEndpoints([]resolver.Endpoint{endpoint("a:1")})
	ch := lb.QueueWaiter("call", true)

	lb.Close()

	select {
	case got := <-ch:
		if got != nil {
			t.Fatalf("waiter got %v after Close, want nil", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Close to fail the queued waiter")
	}
}

// soleSubchannel recovers the single sub-channel UpdateEndpoints created,
// via the package's test-only introspection accessor.
func soleSubchannel(t *testing.T, lb *balancer.RoundRobin) *balancer.Subchannel {
	t.Helper()
	subs := lb.DebugSubchannels()
	if len(subs) != 1 {
		t.Fatalf("got %d sub-channels, want 1", len(subs))
	}
	return subs[0]
}
