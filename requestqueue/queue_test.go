package requestqueue_test

import (
	"reflect"
	"testing"

	"github.com/coregrpc/corerpc/requestqueue"
)

func TestPopFirstPreservesInsertionOrder(t *testing.T) {
	q := requestqueue.New()
	q.Append(1, "a", true)
	q.Append(2, "b", true)
	q.Append(3, "c", true)

	var got []requestqueue.Continuation
	for q.Len() > 0 {
		got = append(got, q.PopFirst())
	}
	want := []requestqueue.Continuation{"a", "b", "c"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestRemoveReturnsSameContinuationAsAppend(t *testing.T) {
	q := requestqueue.New()
	q.Append("x", "payload", false)

	got := q.Remove("x")
	if got != "payload" {
		t.Fatalf("Remove = %v, want %q", got, "payload")
	}
	if q.Len() != 0 {
		t.Fatalf("Len = %d, want 0", q.Len())
	}
	if q.Remove("x") != nil {
		t.Fatal("second Remove of the same id should return nil")
	}
}

func TestPopFirstSkipsOutOfBandRemovals(t *testing.T) {
	q := requestqueue.New()
	q.Append(1, "a", true)
	q.Append(2, "b", true)
	q.Append(3, "c", true)

	q.Remove(1)

	got := q.PopFirst()
	if got != "b" {
		t.Fatalf("PopFirst = %v, want %q", got, "b")
	}
}

func TestRemoveAllDrainsInOrder(t *testing.T) {
	q := requestqueue.New()
	q.Append(1, "a", true)
	q.Append(2, "b", true)

	got := q.RemoveAll()
	want := []requestqueue.Continuation{"a", "b"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	if q.Len() != 0 {
		t.Fatalf("Len = %d after RemoveAll, want 0", q.Len())
	}
}

func TestRemoveFastFailingPreservesOrderOfBothGroups(t *testing.T) {
	q := requestqueue.New()
	q.Append(1, "wait-a", true)
	q.Append(2, "fast-b", false)
	q.Append(3, "wait-c", true)
	q.Append(4, "fast-d", false)

	removed := q.RemoveFastFailing()
	wantRemoved := []requestqueue.Continuation{"fast-b", "fast-d"}
	if !reflect.DeepEqual(removed, wantRemoved) {
		t.Fatalf("removed = %v, want %v", removed, wantRemoved)
	}

	var remaining []requestqueue.Continuation
	for q.Len() > 0 {
		remaining = append(remaining, q.PopFirst())
	}
	wantRemaining := []requestqueue.Continuation{"wait-a", "wait-c"}
	if !reflect.DeepEqual(remaining, wantRemaining) {
		t.Fatalf("remaining = %v, want %v", remaining, wantRemaining)
	}
}

func TestAppendDuplicateIDPanics(t *testing.T) {
	q := requestqueue.New()
	q.Append("dup", "first", true)

	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic on duplicate id append")
		}
	}()
	q.Append("dup", "second", true)
}
