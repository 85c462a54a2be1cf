package components

import (
	"encoding/binary"
	"fmt"
	"strconv"

	"github.com/librescoot/mcubridge/pkg/dispatch"
	"github.com/librescoot/mcubridge/pkg/flow"
	"github.com/librescoot/mcubridge/pkg/proto"
)

// pinModes maps the MQTT-level mode string to the wire-level mode byte.
// The exact encoding is not specified beyond "a mode command exists"; this
// mapping is a documented implementation decision (see DESIGN.md).
var pinModes = map[string]byte{
	"input":          0,
	"output":         1,
	"input_pullup":   2,
	"input_pulldown": 3,
}

// Pin implements the digital/analog read/write/mode component
// (spec.md §3 "Pending pin request", SPEC_FULL.md component inventory).
type Pin struct {
	sender Sender
	pub    dispatch.Publisher
	prefix string
}

// NewPin returns a Pin component publishing replies under prefix.
func NewPin(sender Sender, pub dispatch.Publisher, prefix string) *Pin {
	return &Pin{sender: sender, pub: pub, prefix: prefix}
}

func (p *Pin) Name() string { return "pin" }

// HandleMCU rejects every MCU-originated frame: DIGITAL_READ_RESP and
// ANALOG_READ_RESP are declared response commands, which the dispatcher
// routes to the flow controller before a component is consulted
// (spec.md §4.7), and a pin request command id arriving from the MCU is
// answered with ErrUnexpectedFrame.
func (p *Pin) HandleMCU(commandID uint16, payload []byte) error {
	return ErrUnexpectedFrame
}

func (p *Pin) HandleMQTT(route dispatch.Route, payload []byte, reply dispatch.ReplyContext) error {
	if len(route.Segments) == 0 {
		return fmt.Errorf("pin: empty topic after area %q", route.Area)
	}

	pin, err := strconv.Atoi(route.Segments[0])
	if err != nil {
		return fmt.Errorf("pin: invalid pin %q: %w", route.Segments[0], err)
	}

	switch route.Area {
	case "d":
		return p.handleDigital(pin, route, payload, reply)
	case "a":
		return p.handleAnalog(pin, route, payload, reply)
	default:
		return fmt.Errorf("pin: unknown area %q", route.Area)
	}
}

func (p *Pin) handleDigital(pin int, route dispatch.Route, payload []byte, reply dispatch.ReplyContext) error {
	if len(route.Segments) == 1 {
		value := byte(0)
		if len(payload) > 0 && (payload[0] == '1' || payload[0] == 1) {
			value = 1
		}
		ctx, cancel := withTimeout()
		defer cancel()
		_, err := p.sender.Send(ctx, uint16(proto.CmdDigitalWrite), []byte{byte(pin), value}, flow.Options{})
		return err
	}

	action := route.Segments[1]
	switch action {
	case "mode":
		mode, ok := pinModes[string(payload)]
		if !ok {
			return fmt.Errorf("pin: unknown mode %q", payload)
		}
		ctx, cancel := withTimeout()
		defer cancel()
		_, err := p.sender.Send(ctx, uint16(proto.CmdSetPinMode), []byte{byte(pin), mode}, flow.Options{})
		return err

	case "read":
		ctx, cancel := withTimeout()
		defer cancel()
		resp, err := p.sender.Send(ctx, uint16(proto.CmdDigitalRead), []byte{byte(pin)}, flow.Options{})
		if err != nil {
			return err
		}
		if len(resp) < 1 {
			return fmt.Errorf("pin: short digital read response")
		}
		topic := replyTopic(reply, fmt.Sprintf("%s/d/%d/value", p.prefix, pin))
		publish(p.pub, topic, []byte(strconv.Itoa(int(resp[0]))), reply)
		return nil

	default:
		return fmt.Errorf("pin: unknown digital action %q", action)
	}
}

func (p *Pin) handleAnalog(pin int, route dispatch.Route, payload []byte, reply dispatch.ReplyContext) error {
	if len(route.Segments) == 1 {
		value, err := strconv.Atoi(string(payload))
		if err != nil {
			return fmt.Errorf("pin: invalid analog value %q: %w", payload, err)
		}
		buf := make([]byte, 3)
		buf[0] = byte(pin)
		binary.BigEndian.PutUint16(buf[1:], uint16(value))
		ctx, cancel := withTimeout()
		defer cancel()
		_, err = p.sender.Send(ctx, uint16(proto.CmdAnalogWrite), buf, flow.Options{})
		return err
	}

	action := route.Segments[1]
	if action != "read" {
		return fmt.Errorf("pin: unknown analog action %q", action)
	}

	ctx, cancel := withTimeout()
	defer cancel()
	resp, err := p.sender.Send(ctx, uint16(proto.CmdAnalogRead), []byte{byte(pin)}, flow.Options{})
	if err != nil {
		return err
	}
	if len(resp) < 2 {
		return fmt.Errorf("pin: short analog read response")
	}
	value := binary.BigEndian.Uint16(resp[:2])
	topic := replyTopic(reply, fmt.Sprintf("%s/a/%d/value", p.prefix, pin))
	publish(p.pub, topic, []byte(strconv.Itoa(int(value))), reply)
	return nil
}
