package components

import (
	"fmt"

	"github.com/librescoot/mcubridge/pkg/dispatch"
	"github.com/librescoot/mcubridge/pkg/runtimestate"
)

// System implements P/system/{version,free_memory}/get|value and the
// bridge handshake/summary snapshot topics not already answered directly
// by the dispatcher (SPEC_FULL.md component inventory). The
// `.../bridge/handshake/get` and `.../bridge/summary/get` topics are
// handled earlier, inline in the dispatcher, since they read
// runtime-state directly rather than addressing a specific MCU command.
type System struct {
	state  *runtimestate.State
	pub    dispatch.Publisher
	prefix string
}

// NewSystem returns a System component.
func NewSystem(state *runtimestate.State, pub dispatch.Publisher, prefix string) *System {
	return &System{state: state, pub: pub, prefix: prefix}
}

func (s *System) Name() string { return "system" }

func (s *System) HandleMCU(commandID uint16, payload []byte) error {
	return ErrUnexpectedFrame
}

func (s *System) HandleMQTT(route dispatch.Route, payload []byte, reply dispatch.ReplyContext) error {
	if len(route.Segments) < 2 {
		return fmt.Errorf("system: topic too short: %v", route.Segments)
	}
	field, action := route.Segments[0], route.Segments[1]
	if action != "get" {
		return fmt.Errorf("system: unknown action %q", action)
	}

	var body string
	switch field {
	case "version":
		body = s.state.MCUVersion()
	case "free_memory":
		body = "0" // not modeled: no wire command exists to query it directly
	default:
		return fmt.Errorf("system: unknown field %q", field)
	}

	topic := replyTopic(reply, fmt.Sprintf("%s/system/%s/value", s.prefix, field))
	publish(s.pub, topic, []byte(body), reply)
	return nil
}
