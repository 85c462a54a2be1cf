// Package dispatch routes decoded MCU frames and MQTT topic events to
// component handlers, gated on link-synchronization state (spec.md §4.7).
package dispatch

import (
	"encoding/binary"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/librescoot/mcubridge/pkg/flow"
	"github.com/librescoot/mcubridge/pkg/proto"
	"github.com/librescoot/mcubridge/pkg/runtimestate"
)

// Route is a parsed MQTT topic: prefix/area/.../[identifier/]action
// (spec.md §6 "MQTT topic grammar").
type Route struct {
	Prefix     string
	Area       string
	Segments   []string // the raw segments after the area
	Action     string   // the last segment, or "" if Area is the whole topic
	Identifier string   // the segment before Action, if the topic has one
	Raw        string
}

// ParseRoute splits topic into its prefix/area/segments per spec.md §6.
// Returns ok=false if topic is shorter than prefix/area.
func ParseRoute(topic, prefix string) (Route, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) < 2 || parts[0] != prefix {
		return Route{}, false
	}
	r := Route{Prefix: parts[0], Area: parts[1], Raw: topic}
	rest := parts[2:]
	r.Segments = rest
	if len(rest) > 0 {
		r.Action = rest[len(rest)-1]
	}
	if len(rest) > 1 {
		r.Identifier = rest[len(rest)-2]
	}
	return r, true
}

// ReplyContext carries the MQTT v5 properties a component needs to answer a
// request in place (spec.md §6 "ResponseTopic, CorrelationData").
type ReplyContext struct {
	ResponseTopic   string
	CorrelationData []byte
}

// InboundMQTT is one received MQTT application message.
type InboundMQTT struct {
	Topic           string
	Payload         []byte
	ResponseTopic   string
	CorrelationData []byte
}

// Publisher is the subset of the MQTT bridge the dispatcher and components
// need: enqueue an outbound publish (spec.md §4.8 "MQTT publish queue").
type Publisher interface {
	Publish(msg runtimestate.PublishMessage)
}

// Component is one bridge component: pin, datastore, console, mailbox,
// file, process, or system (spec.md §9 "tagged variant over component
// kinds plus a small trait/interface").
type Component interface {
	Name() string
	HandleMCU(commandID uint16, payload []byte) error
	HandleMQTT(route Route, payload []byte, reply ReplyContext) error
}

// StatusWriter is the minimal transport contract the dispatcher needs to
// emit a status frame back to the MCU.
type StatusWriter interface {
	WriteFrame(commandID uint16, payload []byte) bool
}

// HandshakeGate lets the dispatcher rate-limit unsolicited sync-resp frames
// without importing the handshake package's full Manager surface.
type HandshakeGate interface {
	HandleSyncRespRateLimited() bool
}

// Dispatcher is the single routing point between the serial link, the MQTT
// bridge, and the component handlers.
type Dispatcher struct {
	state     *runtimestate.State
	flow      *flow.Controller
	writer    StatusWriter
	handshake HandshakeGate
	pub       Publisher
	prefix    string

	mu         sync.RWMutex
	byCommand  map[uint16]Component
	byArea     map[string]Component
	components []Component
	forbidden  map[string]bool // "area/action" -> forbidden
}

// New returns an empty Dispatcher; components are wired with Register.
func New(state *runtimestate.State, flowCtl *flow.Controller, writer StatusWriter, hs HandshakeGate, pub Publisher, topicPrefix string) *Dispatcher {
	return &Dispatcher{
		state:     state,
		flow:      flowCtl,
		writer:    writer,
		handshake: hs,
		pub:       pub,
		prefix:    topicPrefix,
		byCommand: make(map[uint16]Component),
		byArea:    make(map[string]Component),
		forbidden: make(map[string]bool),
	}
}

// Register binds c to every command id it owns on the MCU side and to area
// on the MQTT side.
func (d *Dispatcher) Register(c Component, area string, commands ...uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.components = append(d.components, c)
	d.byArea[area] = c
	for _, cmd := range commands {
		d.byCommand[cmd] = c
	}
}

// Forbid marks area/action as disabled by the authorization policy
// (spec.md §7 "Policy — topic/action forbidden").
func (d *Dispatcher) Forbid(area, action string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.forbidden[area+"/"+action] = true
}

func (d *Dispatcher) isForbidden(area, action string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.forbidden[area+"/"+action]
}

func (d *Dispatcher) componentForCommand(cmd uint16) (Component, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.byCommand[cmd]
	return c, ok
}

func (d *Dispatcher) componentForArea(area string) (Component, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.byArea[area]
	return c, ok
}

// passesBeforeSync is the small allow-list of commands the dispatcher will
// still route while the link is not yet synchronized (spec.md §4.7,
// §8 invariant "no component handler other than LINK_SYNC_RESP /
// LINK_RESET_RESP / status is ever invoked").
func passesBeforeSync(commandID uint16) bool {
	if proto.IsStatus(commandID) {
		return true
	}
	switch proto.Command(commandID) {
	case proto.CmdLinkSyncResp, proto.CmdLinkResetResp, proto.CmdCapabilitiesResp:
		return true
	default:
		return false
	}
}

// DispatchMCUFrame is the inbound entry point for every frame the transport
// decodes off the serial link (spec.md §4.7).
func (d *Dispatcher) DispatchMCUFrame(frame proto.Frame) {
	commandID := frame.BaseCommand()
	payload := frame.Payload

	if frame.Compressed() {
		decoded, err := proto.RLEDecode(payload)
		if err != nil {
			log.Printf("dispatch: RLE decode failed for command 0x%04x: %v", commandID, err)
			d.emitStatus(proto.StatusMalformed, commandID, "rle")
			return
		}
		payload = decoded
	}

	if !d.state.LinkSynchronized() && !passesBeforeSync(commandID) {
		return // drop silently, avoids feedback loops during MCU reset
	}

	if proto.IsStatus(commandID) {
		d.flow.OnFrameReceived(commandID, payload)
		return
	}

	if proto.IsResponse(proto.Command(commandID)) {
		handled := d.flow.OnFrameReceived(commandID, payload)
		if !handled && proto.Command(commandID) == proto.CmdLinkSyncResp {
			if d.handshake != nil && d.handshake.HandleSyncRespRateLimited() {
				d.emitStatus(proto.StatusMalformed, commandID, "rate_limited")
			}
		}
		// Other orphan responses are ignored per spec.md §4.7.
		return
	}

	component, ok := d.componentForCommand(commandID)
	if !ok {
		d.emitStatus(proto.StatusNotImplemented, commandID, "")
		return
	}

	if err := component.HandleMCU(commandID, payload); err != nil {
		log.Printf("dispatch: component %q failed handling 0x%04x: %v", component.Name(), commandID, err)
		d.emitStatus(proto.StatusERROR, commandID, err.Error())
		return
	}

	if proto.RequiresAck(proto.Command(commandID)) {
		d.emitAck(commandID)
	}
}

// OnTransportError is called by the transport for a framing/decode/CRC
// failure. A status reply is only emitted once the link is synchronized,
// matching spec.md §7's recovery rule.
func (d *Dispatcher) OnTransportError(kind proto.ErrKind) {
	if !d.state.LinkSynchronized() {
		return
	}
	var status proto.Status
	switch kind {
	case proto.ErrCRCMismatch:
		status = proto.StatusCRCMismatch
	default:
		status = proto.StatusMalformed
	}
	d.emitStatus(status, 0xFFFF, "")
}

func (d *Dispatcher) emitAck(commandID uint16) {
	payload := make([]byte, 2)
	binary.BigEndian.PutUint16(payload, commandID)
	d.writer.WriteFrame(uint16(proto.StatusACK), payload)
}

func (d *Dispatcher) emitStatus(status proto.Status, originalCommand uint16, detail string) {
	payload := make([]byte, 2, 2+len(detail))
	binary.BigEndian.PutUint16(payload, originalCommand)
	if detail != "" {
		payload = append(payload, detail...)
	}
	d.writer.WriteFrame(uint16(status), payload)
}

// DispatchMQTTMessage is the inbound entry point for every MQTT application
// message the bridge's subscriber loop receives (spec.md §4.7).
func (d *Dispatcher) DispatchMQTTMessage(msg InboundMQTT) {
	route, ok := ParseRoute(msg.Topic, d.prefix)
	if !ok {
		log.Printf("dispatch: unroutable topic %q", msg.Topic)
		return
	}

	if d.handleSystemSnapshot(route, msg) {
		return
	}

	if d.isForbidden(route.Area, route.Action) {
		d.publishForbidden(route)
		return
	}

	component, ok := d.componentForArea(route.Area)
	if !ok {
		log.Printf("dispatch: no component registered for area %q", route.Area)
		d.publishForbidden(route)
		return
	}

	reply := ReplyContext{ResponseTopic: msg.ResponseTopic, CorrelationData: msg.CorrelationData}
	if err := component.HandleMQTT(route, msg.Payload, reply); err != nil {
		log.Printf("dispatch: component %q failed handling %q: %v", component.Name(), msg.Topic, err)
	}
}

// handleSystemSnapshot answers `.../bridge/handshake/get` and
// `.../bridge/summary/get` directly from the runtime-state snapshot,
// without routing through a component (spec.md §4.7).
func (d *Dispatcher) handleSystemSnapshot(route Route, msg InboundMQTT) bool {
	if route.Area != "system" || len(route.Segments) < 3 {
		return false
	}
	if route.Segments[0] != "bridge" || route.Segments[2] != "get" {
		return false
	}
	kind := route.Segments[1]
	if kind != "handshake" && kind != "summary" {
		return false
	}

	snap := d.state.TakeSnapshot()
	body := fmt.Sprintf(
		`{"handshake_attempts":%d,"handshake_successes":%d,"handshake_failures":%d,"handshake_fatal":%d,"serial_decode_errors":%d,"crc_errors":%d,"mqtt_queue_drops":%d,"link_synchronized":%t}`,
		snap.HandshakeAttempts, snap.HandshakeSuccesses, snap.HandshakeFailures, snap.HandshakeFatal,
		snap.SerialDecodeErrors, snap.CRCErrors, snap.MQTTQueueDrops, snap.LinkSynchronized,
	)

	topic := msg.ResponseTopic
	if topic == "" {
		topic = fmt.Sprintf("%s/system/bridge/%s/value", d.prefix, kind)
	}
	d.pub.Publish(runtimestate.PublishMessage{
		Topic:   topic,
		Payload: []byte(body),
		Properties: map[string]string{
			"correlation_data": string(msg.CorrelationData),
		},
	})
	return true
}

// publishForbidden emits the `{status: "forbidden", ...}` publish spec.md
// §7 requires for a rejected topic/action pair.
func (d *Dispatcher) publishForbidden(route Route) {
	d.state.IncTopicDrop(route.Raw)
	body := fmt.Sprintf(`{"status":"forbidden","topic":%q,"action":%q}`, route.Raw, route.Action)
	d.pub.Publish(runtimestate.PublishMessage{
		Topic:   d.prefix + "/system/status",
		Payload: []byte(body),
		Properties: map[string]string{
			"bridge-error": "forbidden",
		},
	})
}
