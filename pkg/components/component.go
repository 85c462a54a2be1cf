// Package components implements the per-area handlers the dispatcher routes
// both MCU frames and MQTT topic events to (spec.md §4, supplemented
// inventory in SPEC_FULL.md "Component inventory").
package components

import (
	"context"
	"fmt"
	"time"

	"github.com/librescoot/mcubridge/pkg/dispatch"
	"github.com/librescoot/mcubridge/pkg/flow"
	"github.com/librescoot/mcubridge/pkg/runtimestate"
)

// Sender is the subset of the flow controller every component needs: send
// a command and, for commands with a declared response pair, block for
// that response (the flow controller itself performs the wait).
type Sender interface {
	Send(ctx context.Context, commandID uint16, payload []byte, opts flow.Options) ([]byte, error)
}

// ErrUnexpectedFrame is returned by a component's HandleMCU when it
// receives a command id it has no business being asked to handle. Status
// frames and declared responses are intercepted by the dispatcher before
// reaching a component; any other registered command id the MCU sends
// (e.g. CMD_DIGITAL_WRITE to the pin component) is passed to HandleMCU,
// and only the console and mailbox components accept one.
var ErrUnexpectedFrame = fmt.Errorf("component: unexpected MCU-originated command")

// replyTopic picks the MQTT v5 response topic if the requester supplied
// one, falling back to the area's default value topic.
func replyTopic(reply dispatch.ReplyContext, fallback string) string {
	if reply.ResponseTopic != "" {
		return reply.ResponseTopic
	}
	return fallback
}

func publish(pub dispatch.Publisher, topic string, payload []byte, reply dispatch.ReplyContext) {
	props := map[string]string{}
	if len(reply.CorrelationData) > 0 {
		props["correlation_data"] = string(reply.CorrelationData)
	}
	pub.Publish(runtimestate.PublishMessage{Topic: topic, Payload: payload, Properties: props})
}

// defaultSendTimeout bounds the context a component opens per outbound
// command when the dispatcher call site gives it no caller context (MQTT
// subscriber callbacks are not otherwise cancellable per-message).
const defaultSendTimeout = 5 * time.Second

func withTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), defaultSendTimeout)
}

// timeoutCtx is withTimeout with a caller-supplied bound (e.g.
// process_timeout), falling back to defaultSendTimeout if d is zero.
func timeoutCtx(d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = defaultSendTimeout
	}
	return context.WithTimeout(context.Background(), d)
}
