// Package balancer implements the round-robin load balancer (LB): it owns
// a set of sub-channels derived from resolved endpoints, surfaces an
// aggregated connectivity state, and picks a sub-channel for each
// outgoing RPC, queuing callers while none is ready.
package balancer

import (
	"sync"

	"github.com/coregrpc/corerpc/requestqueue"
	"github.com/coregrpc/corerpc/resolver"
)

// ConnectivityState is a sub-channel's or the aggregate channel's observed
// connectivity, matching the values named in the specification.
type ConnectivityState int

const (
	Idle ConnectivityState = iota
	Connecting
	Ready
	TransientFailure
	Shutdown
)

func (s ConnectivityState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Ready:
		return "ready"
	case TransientFailure:
		return "transient-failure"
	case Shutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// endpointKey is a comparable identity for an endpoint, used to reconcile
// the sub-channel set across successive UpdateEndpoints calls.
func endpointKey(ep resolver.Endpoint) string {
	var key string
	for _, a := range ep.Addresses {
		key += a.Addr + "|"
	}
	return key
}

// Subchannel is the LB's handle to one endpoint.
type Subchannel struct {
	Endpoint resolver.Endpoint

	mu    sync.Mutex
	state ConnectivityState
}

func newSubchannel(ep resolver.Endpoint) *Subchannel {
	return &Subchannel{Endpoint: ep, state: Idle}
}

// State returns the sub-channel's current connectivity state.
func (s *Subchannel) State() ConnectivityState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// setState records the sub-channel's new connectivity state. It notifies
// no one; NotifyStateChange calls it and then queues the event for Run.
func (s *Subchannel) setState(state ConnectivityState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

type subchannelEvent struct {
	sub   *Subchannel
	state ConnectivityState
}

// waiter is what sits in the request queue: a channel the picker will
// close over to deliver the chosen sub-channel, or nil on eviction.
type waiter struct {
	result chan *Subchannel
}

// Config bundles the round robin balancer's tunables; the zero value is
// ready to use.
type Config struct {
	// EventBufferSize bounds the channel the LB's driver goroutine reads
	// sub-channel state transitions from. Zero uses the specification's
	// default of 16.
	EventBufferSize int
}

func (c Config) withDefaults() Config {
	if c.EventBufferSize == 0 {
		c.EventBufferSize = 16
	}
	return c
}

// RoundRobin is the load balancer: it owns sub-channels, derives the
// aggregate connectivity state, and round-robins ready sub-channels across
// PickSubchannel calls.
type RoundRobin struct {
	cfg Config

	mu          sync.Mutex
	subchannels map[string]*Subchannel
	order       []string // endpointKey values in round-robin order
	nextIdx     int
	queue       *requestqueue.Queue
	nextWaiter  int
	closed      bool

	events chan subchannelEvent
	done   chan struct{}
}

// New creates a RoundRobin balancer with no sub-channels. Call Run in a
// goroutine before UpdateEndpoints so state-change events are drained.
func New(cfg Config) *RoundRobin {
	cfg = cfg.withDefaults()
	return &RoundRobin{
		cfg:         cfg,
		subchannels: make(map[string]*Subchannel),
		queue:       requestqueue.New(),
		events:      make(chan subchannelEvent, cfg.EventBufferSize),
		done:        make(chan struct{}),
	}
}

// NotifyStateChange is the synchronous side-channel a sub-channel's owner
// (the component driving its HTTP/2 connection) calls whenever that
// sub-channel's connectivity state changes. It never blocks indefinitely:
// the driver goroutine started by Run continuously drains this channel.
func (r *RoundRobin) NotifyStateChange(s *Subchannel, state ConnectivityState) {
	s.setState(state)
	select {
	case r.events <- subchannelEvent{sub: s, state: state}:
	case <-r.done:
	}
}

// UpdateEndpoints reconciles the sub-channel set against a new resolved
// endpoint list. New endpoints get new, idle sub-channels; endpoints no
// longer present are marked Shutdown (their caller is responsible for
// closing the underlying connection once in-flight streams drain).
func (r *RoundRobin) UpdateEndpoints(endpoints []resolver.Endpoint) []*Subchannel {
	r.mu.Lock()
	defer r.mu.Unlock()

	wantKeys := make(map[string]bool, len(endpoints))
	var removed []*Subchannel
	var order []string

	for _, ep := range endpoints {
		key := endpointKey(ep)
		wantKeys[key] = true
		order = append(order, key)
		if _, exists := r.subchannels[key]; !exists {
			r.subchannels[key] = newSubchannel(ep)
		}
	}

	for key, sub := range r.subchannels {
		if !wantKeys[key] {
			sub.setState(Shutdown)
			removed = append(removed, sub)
			delete(r.subchannels, key)
		}
	}

	r.order = order
	r.nextIdx = 0
	return removed
}

// PickSubchannel returns the next Ready sub-channel in round-robin order.
// If none is ready, it returns nil and the caller should queue via
// QueueWaiter instead.
func (r *RoundRobin) PickSubchannel() *Subchannel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pickLocked()
}

func (r *RoundRobin) pickLocked() *Subchannel {
	n := len(r.order)
	for i := 0; i < n; i++ {
		idx := (r.nextIdx + i) % n
		sub := r.subchannels[r.order[idx]]
		if sub != nil && sub.State() == Ready {
			r.nextIdx = (idx + 1) % n
			return sub
		}
	}
	return nil
}

// QueueWaiter queues id for the next Ready sub-channel. waitForReady
// controls whether the waiter survives a transition to TransientFailure
// (true) or is evicted immediately by it (false, "fast failing"). The
// returned channel receives exactly one value: the picked sub-channel, or
// nil if the waiter was evicted (e.g. by Close or a fast-failing eviction).
func (r *RoundRobin) QueueWaiter(id any, waitForReady bool) <-chan *Subchannel {
	r.mu.Lock()
	defer r.mu.Unlock()

	w := &waiter{result: make(chan *Subchannel, 1)}
	if r.closed {
		w.result <- nil
		return w.result
	}
	r.queue.Append(id, w, waitForReady)
	return w.result
}

// CancelWaiter removes a previously queued waiter by id without
// delivering a result, for callers whose context was canceled while
// still queued.
func (r *RoundRobin) CancelWaiter(id any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queue.Remove(id)
}

// AggregateState derives the channel's overall connectivity state from its
// sub-channels, per the specification's precedence order: ready, then
// connecting, then transient-failure, then idle, then shutdown. It is
// always computed fresh, never cached.
func (r *RoundRobin) AggregateState() ConnectivityState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aggregateStateLocked()
}

func (r *RoundRobin) aggregateStateLocked() ConnectivityState {
	if len(r.subchannels) == 0 {
		return Shutdown
	}
	seen := map[ConnectivityState]bool{}
	for _, sub := range r.subchannels {
		seen[sub.State()] = true
	}
	switch {
	case seen[Ready]:
		return Ready
	case seen[Connecting]:
		return Connecting
	case seen[TransientFailure]:
		return TransientFailure
	case seen[Idle]:
		return Idle
	default:
		return Shutdown
	}
}

// Run is the LB's long-running driver: it consumes sub-channel state
// events, and on each transition to Ready pops queued waiters (delivering
// sub-channels to them in FIFO order), and after any event that leaves the
// aggregate state at TransientFailure evicts every fast-failing waiter.
// Run returns when Close is called.
func (r *RoundRobin) Run() {
	for {
		select {
		case <-r.done:
			return
		case ev := <-r.events:
			r.handleEvent(ev)
		}
	}
}

func (r *RoundRobin) handleEvent(ev subchannelEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ev.state == Ready {
		for {
			c := r.queue.PopFirst()
			if c == nil {
				break
			}
			sub := r.pickLocked()
			if sub == nil {
				// Raced with the sub-channel leaving Ready again; put
				// the waiter back at the front by re-appending is not
				// order-preserving, so instead deliver nil and let the
				// caller retry -- this matches "fast failing" semantics
				// for a transient race rather than silently hanging.
				w := c.(*waiter)
				w.result <- nil
				continue
			}
			w := c.(*waiter)
			w.result <- sub
		}
	}

	if r.aggregateStateLocked() == TransientFailure {
		for _, c := range r.queue.RemoveFastFailing() {
			c.(*waiter).result <- nil
		}
	}
}

// DebugSubchannels returns the balancer's current sub-channels in
// round-robin order. It exists for tests; production pickers should go
// through PickSubchannel/QueueWaiter instead.
func (r *RoundRobin) DebugSubchannels() []*Subchannel {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Subchannel, 0, len(r.order))
	for _, key := range r.order {
		out = append(out, r.subchannels[key])
	}
	return out
}

// Close shuts down every sub-channel and fails every queued waiter.
func (r *RoundRobin) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for _, sub := range r.subchannels {
		sub.setState(Shutdown)
	}
	pending := r.queue.RemoveAll()
	r.mu.Unlock()

	for _, c := range pending {
		c.(*waiter).result <- nil
	}
	close(r.done)
}
