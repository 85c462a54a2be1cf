package components

import (
	"fmt"

	"github.com/librescoot/mcubridge/pkg/dispatch"
	"github.com/librescoot/mcubridge/pkg/flow"
	"github.com/librescoot/mcubridge/pkg/proto"
	"github.com/librescoot/mcubridge/pkg/runtimestate"
)

// Mailbox implements the bounded in/outgoing message queues behind
// P/mailbox/* (spec.md §4.8 "mailbox bytes and overflow stats",
// SPEC_FULL.md component inventory).
type Mailbox struct {
	sender Sender
	pub    dispatch.Publisher
	box    *runtimestate.Mailbox
	prefix string
}

// NewMailbox returns a Mailbox component bounded by box.
func NewMailbox(sender Sender, pub dispatch.Publisher, box *runtimestate.Mailbox, prefix string) *Mailbox {
	return &Mailbox{sender: sender, pub: pub, box: box, prefix: prefix}
}

func (m *Mailbox) Name() string { return "mailbox" }

// HandleMCU treats an MCU-originated CMD_MAILBOX_WRITE as a new incoming
// message, enqueuing it and publishing an "incoming" notification.
func (m *Mailbox) HandleMCU(commandID uint16, payload []byte) error {
	if proto.Command(commandID) != proto.CmdMailboxWrite {
		return ErrUnexpectedFrame
	}
	if !m.box.PushIncoming(payload) {
		m.pub.Publish(runtimestate.PublishMessage{
			Topic:   m.prefix + "/mailbox/incoming",
			Payload: []byte(`{"event":"overflow"}`),
		})
		return fmt.Errorf("mailbox: incoming queue full")
	}
	m.pub.Publish(runtimestate.PublishMessage{
		Topic:   m.prefix + "/mailbox/incoming",
		Payload: append([]byte(nil), payload...),
	})
	return nil
}

func (m *Mailbox) HandleMQTT(route dispatch.Route, payload []byte, reply dispatch.ReplyContext) error {
	if len(route.Segments) == 0 {
		return fmt.Errorf("mailbox: empty topic")
	}

	switch route.Segments[0] {
	case "write":
		return m.write(payload)
	case "read":
		return m.read(reply)
	case "available":
		return m.available(reply)
	default:
		return fmt.Errorf("mailbox: unknown action %q", route.Segments[0])
	}
}

func (m *Mailbox) write(payload []byte) error {
	if !m.box.PushOutgoing(payload) {
		return fmt.Errorf("mailbox: outgoing queue full")
	}
	msg, ok := m.box.PopOutgoing()
	if !ok {
		return nil
	}
	ctx, cancel := withTimeout()
	defer cancel()
	_, err := m.sender.Send(ctx, uint16(proto.CmdMailboxWrite), msg.Data, flow.Options{})
	return err
}

func (m *Mailbox) read(reply dispatch.ReplyContext) error {
	ctx, cancel := withTimeout()
	defer cancel()
	resp, err := m.sender.Send(ctx, uint16(proto.CmdMailboxRead), nil, flow.Options{})
	if err != nil {
		return err
	}
	topic := replyTopic(reply, m.prefix+"/mailbox/processed")
	publish(m.pub, topic, resp, reply)
	return nil
}

func (m *Mailbox) available(reply dispatch.ReplyContext) error {
	ctx, cancel := withTimeout()
	defer cancel()
	resp, err := m.sender.Send(ctx, uint16(proto.CmdMailboxAvailable), nil, flow.Options{})
	if err != nil {
		return err
	}
	topic := replyTopic(reply, m.prefix+"/mailbox/available")
	publish(m.pub, topic, resp, reply)
	return nil
}
