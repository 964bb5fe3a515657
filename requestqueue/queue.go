// Package requestqueue implements the load balancer's fairness-preserving
// queue of callers waiting for a ready sub-channel.
package requestqueue

import "container/list"

// Continuation is the suspended caller a queued entry resumes once a
// sub-channel becomes available, or once it is evicted.
type Continuation any

type entry struct {
	id           any
	continuation Continuation
	waitForReady bool
}

// Queue preserves insertion order and supports O(1) removal by id, as
// required for external cancellation (e.g. the caller's context is
// canceled while still queued).
type Queue struct {
	order   *list.List
	byID    map[any]*list.Element
}

// New creates an empty Queue.
func New() *Queue {
	return &Queue{order: list.New(), byID: make(map[any]*list.Element)}
}

// Append adds a new waiter to the back of the queue. Appending a duplicate
// id is a programmer error and panics, matching the specification's
// characterization of that case.
func (q *Queue) Append(id any, continuation Continuation, waitForReady bool) {
	if _, exists := q.byID[id]; exists {
		panic("requestqueue: duplicate id appended")
	}
	el := q.order.PushBack(&entry{id: id, continuation: continuation, waitForReady: waitForReady})
	q.byID[id] = el
}

// PopFirst removes and returns the earliest-appended waiter still present.
// Remove unlinks a waiter's list element immediately, so the front of the
// list is always a live entry; PopFirst never needs to skip a stale one.
// Returns nil if the queue is empty.
func (q *Queue) PopFirst() Continuation {
	front := q.order.Front()
	if front == nil {
		return nil
	}
	q.order.Remove(front)
	e := front.Value.(*entry)
	delete(q.byID, e.id)
	return e.continuation
}

// Remove removes the waiter with the given id, wherever it sits in the
// queue, and returns its continuation. Returns nil if no such id is
// queued.
func (q *Queue) Remove(id any) Continuation {
	el, ok := q.byID[id]
	if !ok {
		return nil
	}
	delete(q.byID, id)
	q.order.Remove(el)
	return el.Value.(*entry).continuation
}

// RemoveAll drains the queue entirely, returning every continuation in
// insertion order.
func (q *Queue) RemoveAll() []Continuation {
	var out []Continuation
	for el := q.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*entry).continuation)
	}
	q.order.Init()
	q.byID = make(map[any]*list.Element)
	return out
}

// RemoveFastFailing removes every waiter whose waitForReady flag is false,
// preserving the relative order both of the removed waiters (in the
// returned slice) and of the waiters left behind in the queue.
func (q *Queue) RemoveFastFailing() []Continuation {
	var removed []Continuation
	var next *list.Element
	for el := q.order.Front(); el != nil; el = next {
		next = el.Next()
		e := el.Value.(*entry)
		if e.waitForReady {
			continue
		}
		q.order.Remove(el)
		delete(q.byID, e.id)
		removed = append(removed, e.continuation)
	}
	return removed
}

// Len reports how many waiters are currently queued.
func (q *Queue) Len() int { return q.order.Len() }
