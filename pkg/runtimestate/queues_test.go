package runtimestate

import "testing"

func TestByteQueueTruncatesFromHead(t *testing.T) {
	q := NewByteQueue(4)
	q.Write([]byte{1, 2, 3})
	q.Write([]byte{4, 5})
	if q.Len() != 4 {
		t.Fatalf("Len() = %d, want 4", q.Len())
	}
	if q.Truncations() != 1 {
		t.Fatalf("Truncations() = %d, want 1", q.Truncations())
	}
	got := q.Drain(4)
	want := []byte{2, 3, 4, 5}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Drain() = %v, want %v", got, want)
		}
	}
}

func TestMailboxPushPopOrder(t *testing.T) {
	m := NewMailbox(2, 0)
	if !m.PushIncoming([]byte("a")) {
		t.Fatal("first push should succeed")
	}
	if !m.PushIncoming([]byte("b")) {
		t.Fatal("second push should succeed")
	}
	if m.PushIncoming([]byte("c")) {
		t.Fatal("third push should overflow the 2-message limit")
	}
	if m.Overflows() != 1 {
		t.Fatalf("Overflows() = %d, want 1", m.Overflows())
	}

	msg, ok := m.PopIncoming()
	if !ok || string(msg.Data) != "a" {
		t.Fatalf("PopIncoming() = (%v, %v), want (a, true)", msg, ok)
	}
}

func TestMailboxEnforcesByteLimit(t *testing.T) {
	m := NewMailbox(10, 4)
	if !m.PushIncoming([]byte("abcd")) {
		t.Fatal("push up to the byte limit should succeed")
	}
	if m.PushIncoming([]byte("e")) {
		t.Fatal("push beyond the byte limit should overflow")
	}
}

func TestMailboxAvailable(t *testing.T) {
	m := NewMailbox(10, 0)
	m.PushIncoming([]byte("a"))
	m.PushOutgoing([]byte("b"))
	m.PushOutgoing([]byte("c"))
	in, out := m.Available()
	if in != 1 || out != 2 {
		t.Fatalf("Available() = (%d, %d), want (1, 2)", in, out)
	}
}

func TestPinFIFORegistryBoundsPerChannel(t *testing.T) {
	reg := NewPinFIFORegistry(1)
	d13 := reg.For("d:13")
	if !d13.Push(PendingPinRequest{Pin: 13}) {
		t.Fatal("first push to d:13 should succeed")
	}
	if d13.Push(PendingPinRequest{Pin: 13}) {
		t.Fatal("second push to d:13 should overflow a limit-1 FIFO")
	}
	if d13.Overflow() != 1 {
		t.Fatalf("Overflow() = %d, want 1", d13.Overflow())
	}

	// A different channel key gets its own independent FIFO.
	a0 := reg.For("a:0")
	if !a0.Push(PendingPinRequest{Pin: 0}) {
		t.Fatal("push to an unrelated channel key should not be affected by d:13's overflow")
	}

	req, ok := d13.Pop()
	if !ok || req.Pin != 13 {
		t.Fatalf("Pop() = (%v, %v), want (Pin:13, true)", req, ok)
	}
	if d13.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 after pop", d13.Len())
	}
}

func TestSupervisorStatsRecordAndGet(t *testing.T) {
	s := NewSupervisorStats()
	if _, ok := s.Get("serial-link"); ok {
		t.Fatal("expected no stats before any Record call")
	}
	s.Record("serial-link", 2, 100, "boom", 4.0, false)
	ts, ok := s.Get("serial-link")
	if !ok {
		t.Fatal("expected stats after Record")
	}
	if ts.Restarts != 2 || ts.LastException != "boom" || ts.Fatal {
		t.Fatalf("got %+v, want Restarts=2 LastException=boom Fatal=false", ts)
	}
}
