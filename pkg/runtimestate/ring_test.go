package runtimestate

import "testing"

func TestRingQueueEnqueueDequeueOrder(t *testing.T) {
	q := NewRingQueue[int](3)
	q.Enqueue(1)
	q.Enqueue(2)
	q.Enqueue(3)
	if q.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", q.Len())
	}
	v, ok := q.Dequeue()
	if !ok || v != 1 {
		t.Fatalf("Dequeue() = (%d, %v), want (1, true)", v, ok)
	}
}

func TestRingQueueDropsOldestOnOverflow(t *testing.T) {
	q := NewRingQueue[int](2)
	q.Enqueue(1)
	q.Enqueue(2)
	dropped := q.Enqueue(3)
	if !dropped {
		t.Fatal("expected Enqueue to report a drop once the queue is full")
	}
	if q.Dropped() != 1 {
		t.Fatalf("Dropped() = %d, want 1", q.Dropped())
	}
	got := q.Snapshot()
	if len(got) != 2 || got[0] != 2 || got[1] != 3 {
		t.Fatalf("Snapshot() = %v, want [2 3]", got)
	}
}

func TestRingQueueCapReflectsConfiguredLimit(t *testing.T) {
	q := NewRingQueue[string](5)
	if q.Cap() != 5 {
		t.Fatalf("Cap() = %d, want 5", q.Cap())
	}
}

func TestRingQueueDequeueEmpty(t *testing.T) {
	q := NewRingQueue[int](1)
	if _, ok := q.Dequeue(); ok {
		t.Fatal("Dequeue on an empty queue should report ok=false")
	}
}
