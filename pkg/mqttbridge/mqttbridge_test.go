package mqttbridge

import (
	"testing"
	"time"

	"github.com/librescoot/mcubridge/pkg/runtimestate"
)

func TestJitterStaysWithinQuarterSpread(t *testing.T) {
	base := 2 * time.Second
	for i := 0; i < 50; i++ {
		got := jitter(base)
		lo := base - base/4
		hi := base + base/4
		if got < lo || got > hi {
			t.Fatalf("jitter(%v) = %v, want within [%v, %v]", base, got, lo, hi)
		}
	}
}

func newTestBridge(t *testing.T) *Bridge {
	t.Helper()
	state := runtimestate.New(64, 4, 256, 4, 2)
	b, err := New(Config{SpoolDir: t.TempDir(), QueueLimit: 2}, state, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

func TestPublishEnqueuesWhileQueueHasRoom(t *testing.T) {
	b := newTestBridge(t)
	b.Publish(runtimestate.PublishMessage{Topic: "a"})
	if b.state.Publish.Len() != 1 {
		t.Fatalf("Publish.Len() = %d, want 1", b.state.Publish.Len())
	}
	if b.spool.Len() != 0 {
		t.Fatalf("spool.Len() = %d, want 0 while the live queue has room", b.spool.Len())
	}
}

func TestPublishSpoolsInsteadOfEvictingWhenQueueFull(t *testing.T) {
	b := newTestBridge(t)
	b.Publish(runtimestate.PublishMessage{Topic: "a"})
	b.Publish(runtimestate.PublishMessage{Topic: "b"}) // fills the 2-slot queue

	b.Publish(runtimestate.PublishMessage{Topic: "c"})
	if b.state.Publish.Len() != 2 {
		t.Fatalf("Publish.Len() = %d, want 2 (unchanged, c must not evict a live message)", b.state.Publish.Len())
	}
	if b.spool.Len() != 1 {
		t.Fatalf("spool.Len() = %d, want 1 (c spooled instead)", b.spool.Len())
	}

	// Both originally enqueued messages are still present, not displaced.
	first, ok := b.state.Publish.Dequeue()
	if !ok || first.Topic != "a" {
		t.Fatalf("Dequeue() = (%+v, %v), want (Topic:a, true)", first, ok)
	}
	second, ok := b.state.Publish.Dequeue()
	if !ok || second.Topic != "b" {
		t.Fatalf("Dequeue() = (%+v, %v), want (Topic:b, true)", second, ok)
	}

	spooled, ok := b.spool.Pop()
	if !ok || spooled.Topic != "c" {
		t.Fatalf("spool.Pop() = (%+v, %v), want (Topic:c, true)", spooled, ok)
	}
}
