package dispatch

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/librescoot/mcubridge/pkg/flow"
	"github.com/librescoot/mcubridge/pkg/proto"
	"github.com/librescoot/mcubridge/pkg/runtimestate"
)

func TestParseRoute(t *testing.T) {
	r, ok := ParseRoute("mcubridge/pin/d/13/write", "mcubridge")
	if !ok {
		t.Fatal("expected a well-formed topic to parse")
	}
	if r.Area != "pin" || r.Action != "write" || r.Identifier != "13" {
		t.Fatalf("got %+v, want Area=pin Action=write Identifier=13", r)
	}

	if _, ok := ParseRoute("other/pin/write", "mcubridge"); ok {
		t.Fatal("expected a topic with a mismatched prefix to fail to parse")
	}
	if _, ok := ParseRoute("mcubridge", "mcubridge"); ok {
		t.Fatal("expected a topic with no area segment to fail to parse")
	}
}

type fakePublisher struct {
	msgs []runtimestate.PublishMessage
}

func (p *fakePublisher) Publish(msg runtimestate.PublishMessage) {
	p.msgs = append(p.msgs, msg)
}

type fakeWriter struct {
	writes []uint16
}

func (w *fakeWriter) WriteFrame(commandID uint16, payload []byte) bool {
	w.writes = append(w.writes, commandID)
	return true
}

type fakeComponent struct {
	name       string
	mcuErr     error
	mcuCalls   int
	mqttCalls  int
	lastRoute  Route
	lastMQTT   []byte
}

func (c *fakeComponent) Name() string { return c.name }
func (c *fakeComponent) HandleMCU(commandID uint16, payload []byte) error {
	c.mcuCalls++
	return c.mcuErr
}
func (c *fakeComponent) HandleMQTT(route Route, payload []byte, reply ReplyContext) error {
	c.mqttCalls++
	c.lastRoute = route
	c.lastMQTT = payload
	return nil
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *fakeWriter, *fakePublisher, *runtimestate.State) {
	t.Helper()
	state := runtimestate.New(64, 4, 256, 4, 8)
	writer := &fakeWriter{}
	pub := &fakePublisher{}
	flowCtl := flow.New(writer, time.Millisecond, time.Millisecond, 1)
	d := New(state, flowCtl, writer, nil, pub, "mcubridge")
	return d, writer, pub, state
}

func TestDispatchMCUFrameDropsSilentlyBeforeSync(t *testing.T) {
	d, writer, _, state := newTestDispatcher(t)
	comp := &fakeComponent{name: "pin"}
	d.Register(comp, "pin", uint16(proto.CmdDigitalWrite))
	state.SetLinkSynchronized(false)

	d.DispatchMCUFrame(proto.Frame{CommandID: uint16(proto.CmdDigitalWrite), Payload: []byte{1}})
	if comp.mcuCalls != 0 {
		t.Fatal("a component handler must not run before the link is synchronized")
	}
	if len(writer.writes) != 0 {
		t.Fatal("no status frame should be emitted for a silently dropped pre-sync frame")
	}
}

func TestDispatchMCUFrameDeliversInboundAckToPendingFlowOperationBeforeSync(t *testing.T) {
	d, writer, _, state := newTestDispatcher(t)
	state.SetLinkSynchronized(false)

	sendDone := make(chan error, 1)
	go func() {
		_, err := d.flow.Send(context.Background(), uint16(proto.CmdDigitalWrite), []byte{1}, flow.Options{AckTimeout: time.Second, MaxAttempts: 1})
		sendDone <- err
	}()

	// Wait for Send to have written the outbound frame, which is when its
	// pending operation becomes registered and visible to OnFrameReceived.
	deadline := time.After(time.Second)
	for len(writer.writes) == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for flow.Send to write its outbound frame")
		case <-time.After(time.Millisecond):
		}
	}

	ackPayload := make([]byte, 2)
	binary.BigEndian.PutUint16(ackPayload, uint16(proto.CmdDigitalWrite))
	// StatusACK is itself a status code, on the pre-sync allow-list, so it
	// must reach the flow controller even while the link is unsynchronized.
	d.DispatchMCUFrame(proto.Frame{CommandID: uint16(proto.StatusACK), Payload: ackPayload})

	select {
	case err := <-sendDone:
		if err != nil {
			t.Fatalf("flow.Send() = %v, want nil: the inbound ACK must satisfy the pending operation", err)
		}
	case <-time.After(time.Second):
		t.Fatal("flow.Send did not return after the dispatcher delivered the matching ACK")
	}
}

func TestDispatchMCUFrameRoutesToComponentAndAcks(t *testing.T) {
	d, writer, _, state := newTestDispatcher(t)
	comp := &fakeComponent{name: "pin"}
	d.Register(comp, "pin", uint16(proto.CmdDigitalWrite))
	state.SetLinkSynchronized(true)

	d.DispatchMCUFrame(proto.Frame{CommandID: uint16(proto.CmdDigitalWrite), Payload: []byte{1}})
	if comp.mcuCalls != 1 {
		t.Fatalf("expected the registered component to handle the frame, got %d calls", comp.mcuCalls)
	}
	if !proto.RequiresAck(proto.CmdDigitalWrite) {
		t.Skip("CmdDigitalWrite does not require an ack in this registry revision")
	}
	if len(writer.writes) == 0 {
		t.Fatal("expected an ACK status frame to be written")
	}
}

func TestDispatchMCUFrameUnregisteredCommandEmitsNotImplemented(t *testing.T) {
	d, writer, _, state := newTestDispatcher(t)
	state.SetLinkSynchronized(true)

	d.DispatchMCUFrame(proto.Frame{CommandID: uint16(proto.CmdDigitalWrite), Payload: []byte{1}})
	if len(writer.writes) != 1 || writer.writes[0] != uint16(proto.StatusNotImplemented) {
		t.Fatalf("writes = %v, want a single StatusNotImplemented frame", writer.writes)
	}
}

func TestDispatchMQTTMessageForbiddenActionPublishesForbidden(t *testing.T) {
	d, _, pub, _ := newTestDispatcher(t)
	comp := &fakeComponent{name: "pin"}
	d.Register(comp, "pin", uint16(proto.CmdDigitalWrite))
	d.Forbid("pin", "write")

	d.DispatchMQTTMessage(InboundMQTT{Topic: "mcubridge/pin/13/write", Payload: []byte("1")})
	if comp.mqttCalls != 0 {
		t.Fatal("a forbidden action must never reach the component handler")
	}
	if len(pub.msgs) != 1 {
		t.Fatalf("expected one forbidden-status publish, got %d", len(pub.msgs))
	}
}

func TestDispatchMQTTMessageUnknownAreaPublishesForbidden(t *testing.T) {
	d, _, pub, _ := newTestDispatcher(t)

	d.DispatchMQTTMessage(InboundMQTT{Topic: "mcubridge/unknown/write", Payload: []byte("1")})
	if len(pub.msgs) != 1 {
		t.Fatalf("expected one forbidden-status publish for an unregistered area, got %d", len(pub.msgs))
	}
}

func TestDispatchMQTTMessageRoutesToComponent(t *testing.T) {
	d, _, _, _ := newTestDispatcher(t)
	comp := &fakeComponent{name: "pin"}
	d.Register(comp, "pin", uint16(proto.CmdDigitalWrite))

	d.DispatchMQTTMessage(InboundMQTT{Topic: "mcubridge/pin/d/13/write", Payload: []byte("1")})
	if comp.mqttCalls != 1 {
		t.Fatalf("expected the registered component to receive the MQTT message, got %d calls", comp.mqttCalls)
	}
	if comp.lastRoute.Identifier != "13" {
		t.Fatalf("route.Identifier = %q, want 13", comp.lastRoute.Identifier)
	}
}

func TestHandleSystemSnapshotAnswersDirectlyFromState(t *testing.T) {
	d, _, pub, state := newTestDispatcher(t)
	state.IncHandshakeAttempts()
	state.SetLinkSynchronized(true)

	d.DispatchMQTTMessage(InboundMQTT{
		Topic:         "mcubridge/system/bridge/summary/get",
		ResponseTopic: "reply/to/me",
	})
	if len(pub.msgs) != 1 {
		t.Fatalf("expected one snapshot reply publish, got %d", len(pub.msgs))
	}
	if pub.msgs[0].Topic != "reply/to/me" {
		t.Fatalf("Topic = %q, want the message's own ResponseTopic honored", pub.msgs[0].Topic)
	}
}
