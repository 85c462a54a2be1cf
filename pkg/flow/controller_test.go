package flow

import (
	"context"
	"testing"
	"time"

	"github.com/librescoot/mcubridge/pkg/proto"
)

// fakeWriter records every WriteFrame call; tests feed ACK/response frames
// back themselves through the Controller's OnFrameReceived.
type fakeWriter struct {
	writes  []uint16
	ok      bool
	reject  bool // when true, WriteFrame always reports failure
}

func (w *fakeWriter) WriteFrame(commandID uint16, payload []byte) bool {
	if w.reject {
		return false
	}
	w.writes = append(w.writes, commandID)
	return true
}

func TestSendNoResponseSucceedsOnAck(t *testing.T) {
	w := &fakeWriter{}
	c := New(w, 50*time.Millisecond, 50*time.Millisecond, 3)

	go func() {
		time.Sleep(5 * time.Millisecond)
		ackPayload := make([]byte, 2)
		ackPayload[0] = byte(CmdDigitalWrite() >> 8)
		ackPayload[1] = byte(CmdDigitalWrite())
		c.OnFrameReceived(uint16(proto.StatusACK), ackPayload)
	}()

	resp, err := c.Send(context.Background(), CmdDigitalWrite(), []byte{1}, Options{})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp != nil {
		t.Fatalf("expected nil response for an ack-only command, got %v", resp)
	}
	if len(w.writes) != 1 {
		t.Fatalf("expected exactly one write, got %d", len(w.writes))
	}
}

func TestSendWithResponseWaitsForBoth(t *testing.T) {
	w := &fakeWriter{}
	c := New(w, 50*time.Millisecond, 50*time.Millisecond, 3)

	go func() {
		time.Sleep(5 * time.Millisecond)
		ackPayload := make([]byte, 2)
		ackPayload[0] = byte(CmdDigitalRead() >> 8)
		ackPayload[1] = byte(CmdDigitalRead())
		c.OnFrameReceived(uint16(proto.StatusACK), ackPayload)

		time.Sleep(5 * time.Millisecond)
		c.OnFrameReceived(uint16(proto.CmdDigitalReadResp), []byte{0x2A})
	}()

	resp, err := c.Send(context.Background(), CmdDigitalRead(), []byte{3}, Options{})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(resp) != 1 || resp[0] != 0x2A {
		t.Fatalf("resp = %v, want [42]", resp)
	}
}

func TestSendRetriesOnAckTimeoutThenFails(t *testing.T) {
	w := &fakeWriter{}
	c := New(w, 5*time.Millisecond, 5*time.Millisecond, 2)

	_, err := c.Send(context.Background(), CmdDigitalWrite(), []byte{1}, Options{})
	if err == nil {
		t.Fatal("expected an error after exhausting retries with no ACK")
	}
	fe, ok := err.(*Error)
	if !ok || fe.Kind != ErrTimeout {
		t.Fatalf("got %v, want *Error{Kind: ErrTimeout}", err)
	}
	if len(w.writes) != 2 {
		t.Fatalf("expected 2 write attempts, got %d", len(w.writes))
	}
}

func TestSendRejectsConcurrentOperationOnSameCommand(t *testing.T) {
	w := &fakeWriter{}
	c := New(w, 50*time.Millisecond, 50*time.Millisecond, 1)

	started := make(chan struct{})
	go func() {
		close(started)
		c.Send(context.Background(), CmdDigitalWrite(), []byte{1}, Options{})
	}()
	<-started
	time.Sleep(2 * time.Millisecond)

	_, err := c.Send(context.Background(), CmdDigitalWrite(), []byte{2}, Options{})
	if err == nil {
		t.Fatal("expected an error for a second concurrent Send on the same command class")
	}
}

func TestSendFailsImmediatelyWhenWriterNotReady(t *testing.T) {
	w := &fakeWriter{reject: true}
	c := New(w, 50*time.Millisecond, 50*time.Millisecond, 3)

	_, err := c.Send(context.Background(), CmdDigitalWrite(), []byte{1}, Options{})
	if err == nil {
		t.Fatal("expected an error when the writer reports not-ready")
	}
}

func TestResetAbandonsInFlightOperations(t *testing.T) {
	w := &fakeWriter{}
	c := New(w, 200*time.Millisecond, 200*time.Millisecond, 1)

	done := make(chan error, 1)
	go func() {
		_, err := c.Send(context.Background(), CmdDigitalWrite(), []byte{1}, Options{})
		done <- err
	}()
	time.Sleep(5 * time.Millisecond)
	c.Reset()

	select {
	case err := <-done:
		fe, ok := err.(*Error)
		if !ok || fe.Kind != ErrAbandoned {
			t.Fatalf("got %v, want *Error{Kind: ErrAbandoned}", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Send did not return after Reset")
	}
}

// CmdDigitalWrite/CmdDigitalRead are small helpers so this test file doesn't
// need to import proto's Command constants directly into every assertion.
func CmdDigitalWrite() uint16 { return uint16(proto.CmdDigitalWrite) }
func CmdDigitalRead() uint16  { return uint16(proto.CmdDigitalRead) }
