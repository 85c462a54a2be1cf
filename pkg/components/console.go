package components

import (
	"fmt"

	"github.com/librescoot/mcubridge/pkg/dispatch"
	"github.com/librescoot/mcubridge/pkg/flow"
	"github.com/librescoot/mcubridge/pkg/proto"
	"github.com/librescoot/mcubridge/pkg/runtimestate"
)

// Console implements the bidirectional byte stream between P/console/{in,out}
// and CMD_CONSOLE_WRITE, bounded by console_queue_limit_bytes
// (SPEC_FULL.md component inventory). CMD_CONSOLE_WRITE is used
// symmetrically: Linux writes console input to the MCU with it, and an MCU
// that originates the same command id is understood to be pushing console
// output back (the dispatcher's MCU-frame path treats any non-status,
// non-response command id as a request to the registered handler).
type Console struct {
	sender Sender
	pub    dispatch.Publisher
	queue  *runtimestate.ByteQueue
	prefix string
}

// NewConsole returns a Console component whose outbound-to-MCU queue is
// bounded by queue.
func NewConsole(sender Sender, pub dispatch.Publisher, queue *runtimestate.ByteQueue, prefix string) *Console {
	return &Console{sender: sender, pub: pub, queue: queue, prefix: prefix}
}

func (c *Console) Name() string { return "console" }

// HandleMCU treats any MCU-originated CMD_CONSOLE_WRITE frame as console
// output, publishing it verbatim to P/console/out.
func (c *Console) HandleMCU(commandID uint16, payload []byte) error {
	if proto.Command(commandID) != proto.CmdConsoleWrite {
		return ErrUnexpectedFrame
	}
	c.pub.Publish(runtimestate.PublishMessage{
		Topic:   c.prefix + "/console/out",
		Payload: append([]byte(nil), payload...),
	})
	return nil
}

func (c *Console) HandleMQTT(route dispatch.Route, payload []byte, reply dispatch.ReplyContext) error {
	if len(route.Segments) == 0 || route.Segments[0] != "in" {
		return fmt.Errorf("console: unknown action %v", route.Segments)
	}

	c.queue.Write(payload)

	for c.queue.Len() > 0 {
		chunk := c.queue.Drain(proto.MaxPayload)
		body := chunk
		commandID := uint16(proto.CmdConsoleWrite)
		if proto.ShouldCompress(chunk) {
			compressed := proto.RLEEncode(chunk)
			if len(compressed) < len(chunk) {
				body = compressed
				commandID |= proto.CompressedFlag
			}
		}
		ctx, cancel := withTimeout()
		_, err := c.sender.Send(ctx, commandID, body, flow.Options{})
		cancel()
		if err != nil {
			return fmt.Errorf("console: write failed: %w", err)
		}
	}
	return nil
}
