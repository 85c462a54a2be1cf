// Package flow implements the per-command request/ACK/response flow
// controller described in spec.md §4.5: at most one outstanding operation
// per command class, automatic retry on ACK timeout, and immediate failure
// on an explicit error status.
package flow

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/librescoot/mcubridge/pkg/proto"
)

// ErrKind tags why Send failed, matching spec.md §7's FlowTimeout/FlowMismatch.
type ErrKind string

const (
	ErrTimeout  ErrKind = "flow_timeout"
	ErrMismatch ErrKind = "flow_mismatch"
	ErrStatus   ErrKind = "flow_status"
	ErrAbandoned ErrKind = "flow_abandoned"
)

// Error reports why a Send failed.
type Error struct {
	Kind   ErrKind
	Status proto.Status
	Msg    string
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Msg, e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Event is emitted to an optional Observer at each pipeline transition
// (spec.md §4.5 "Side effects: ... emits a pipeline event").
type Event struct {
	CommandID uint16
	Attempt   int
	Phase     string // start, ack, success, failure, abandoned
}

// Observer receives flow pipeline events. Installing one is optional.
type Observer interface {
	OnFlowEvent(Event)
}

// FrameWriter is the minimal transport contract the flow controller needs:
// build+COBS-encode+write one frame, reporting whether the write succeeded
// (false if the transport has no writer, e.g. link disconnected).
type FrameWriter interface {
	WriteFrame(commandID uint16, payload []byte) bool
}

// Options configures one Send call; zero values fall back to the
// Controller's defaults.
type Options struct {
	AckTimeout      time.Duration
	ResponseTimeout time.Duration
	MaxAttempts     int
}

type opState int

const (
	stateSending opState = iota
	stateAwaitingAck
	stateAwaitingResponse
	stateDone
	stateFailed
)

type pendingOp struct {
	commandID uint16
	payload   []byte
	attempt   int
	state     opState
	response  proto.Command
	done      chan result
}

type result struct {
	ok       bool
	response []byte
	err      error
}

// Stats tallies send/ack/retry/failure counters (spec.md §4.5 "Side effects").
type Stats struct {
	mu       sync.Mutex
	Sends    int
	Acks     int
	Retries  int
	Failures int
}

func (s *Stats) snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Sends: s.Sends, Acks: s.Acks, Retries: s.Retries, Failures: s.Failures}
}

// Controller is the per-sender flow coordinator. One Controller instance is
// shared by every command class; at most one operation per class is
// in-flight at a time.
type Controller struct {
	writer FrameWriter
	obs    Observer

	defaultAck      time.Duration
	defaultResponse time.Duration
	defaultAttempts int

	writeMu sync.Mutex // serializes writes, per spec.md §4.5 "serialise through a write lock"

	mu      sync.Mutex
	pending map[uint16]*pendingOp // keyed by base command id

	Stats Stats
}

// New returns a Controller that writes frames through writer.
func New(writer FrameWriter, ackTimeout, responseTimeout time.Duration, maxAttempts int) *Controller {
	return &Controller{
		writer:          writer,
		defaultAck:      ackTimeout,
		defaultResponse: responseTimeout,
		defaultAttempts: maxAttempts,
		pending:         make(map[uint16]*pendingOp),
	}
}

// SetObserver installs (or clears, with nil) the pipeline event observer.
func (c *Controller) SetObserver(obs Observer) { c.obs = obs }

func (c *Controller) emit(commandID uint16, attempt int, phase string) {
	if c.obs != nil {
		c.obs.OnFlowEvent(Event{CommandID: commandID, Attempt: attempt, Phase: phase})
	}
}

// Send writes commandID/payload, waits for an ACK, then (if the command
// declares a response pair) waits for the response. It retries on ACK
// timeout up to MaxAttempts and fails immediately on an explicit error
// status. A status frame is matched to a pending operation by the command
// id echoed in its payload; one naming another command does not fail this
// Send.
func (c *Controller) Send(ctx context.Context, commandID uint16, payload []byte, opts Options) ([]byte, error) {
	ack := opts.AckTimeout
	if ack == 0 {
		ack = c.defaultAck
	}
	respTimeout := opts.ResponseTimeout
	if respTimeout == 0 {
		respTimeout = c.defaultResponse
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = c.defaultAttempts
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	cmd := proto.Command(commandID)
	responseCmd, hasResponse := proto.ResponsePair(cmd)

	op := &pendingOp{
		commandID: commandID,
		payload:   payload,
		state:     stateSending,
		response:  responseCmd,
		done:      make(chan result, 1),
	}

	c.mu.Lock()
	if _, exists := c.pending[commandID]; exists {
		c.mu.Unlock()
		return nil, &Error{Kind: ErrMismatch, Msg: "an operation for this command class is already in flight"}
	}
	c.pending[commandID] = op
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, commandID)
		c.mu.Unlock()
	}()

	c.Stats.mu.Lock()
	c.Stats.Sends++
	c.Stats.mu.Unlock()

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		op.attempt = attempt
		op.state = stateSending
		c.emit(commandID, attempt, "start")

		c.writeMu.Lock()
		ok := c.writer.WriteFrame(commandID, payload)
		c.writeMu.Unlock()
		if !ok {
			return nil, &Error{Kind: ErrTimeout, Msg: "transport not ready"}
		}

		op.state = stateAwaitingAck
		select {
		case res := <-op.done:
			if res.err != nil {
				c.Stats.mu.Lock()
				c.Stats.Failures++
				c.Stats.mu.Unlock()
				c.emit(commandID, attempt, "failure")
				return nil, res.err
			}
			if !hasResponse {
				c.Stats.mu.Lock()
				c.Stats.Acks++
				c.Stats.mu.Unlock()
				c.emit(commandID, attempt, "success")
				return nil, nil
			}
			// ACK observed; now await the response within respTimeout.
			c.Stats.mu.Lock()
			c.Stats.Acks++
			c.Stats.mu.Unlock()
			c.emit(commandID, attempt, "ack")
			op.state = stateAwaitingResponse
			op.done = make(chan result, 1)

			select {
			case res2 := <-op.done:
				if res2.err != nil {
					c.Stats.mu.Lock()
					c.Stats.Failures++
					c.Stats.mu.Unlock()
					c.emit(commandID, attempt, "failure")
					return nil, res2.err
				}
				c.emit(commandID, attempt, "success")
				return res2.response, nil
			case <-time.After(respTimeout):
				c.Stats.mu.Lock()
				c.Stats.Failures++
				c.Stats.mu.Unlock()
				c.emit(commandID, attempt, "failure")
				return nil, &Error{Kind: ErrTimeout, Msg: "response timeout"}
			case <-ctx.Done():
				return nil, ctx.Err()
			}

		case <-time.After(ack):
			if attempt < maxAttempts {
				c.Stats.mu.Lock()
				c.Stats.Retries++
				c.Stats.mu.Unlock()
				op.done = make(chan result, 1)
				continue
			}
			c.Stats.mu.Lock()
			c.Stats.Failures++
			c.Stats.mu.Unlock()
			c.emit(commandID, attempt, "abandoned")
			return nil, &Error{Kind: ErrTimeout, Msg: "ack timeout, attempts exhausted"}

		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, &Error{Kind: ErrTimeout, Msg: "unreachable: attempts exhausted"}
}

// OnFrameReceived dispatches an inbound status or response frame to the
// matching pending operation, if any, and reports whether it was the
// dispatcher's to consume. Response frames with no in-flight match return
// false ("orphan response", spec.md §4.7) so the caller can decide to
// forward it elsewhere.
func (c *Controller) OnFrameReceived(commandID uint16, payload []byte) bool {
	if proto.IsStatus(commandID) {
		return c.handleStatus(proto.Status(commandID), payload)
	}
	if proto.IsResponse(proto.Command(commandID)) {
		return c.handleResponse(commandID, payload)
	}
	return false
}

func (c *Controller) handleStatus(status proto.Status, payload []byte) bool {
	if len(payload) < 2 {
		return false
	}
	refCmd := binary.BigEndian.Uint16(payload[:2])

	c.mu.Lock()
	op, ok := c.pending[refCmd]
	c.mu.Unlock()
	if !ok {
		return false
	}

	switch status {
	case proto.StatusACK:
		select {
		case op.done <- result{ok: true}:
		default:
		}
		return true
	case proto.StatusERROR, proto.StatusMalformed, proto.StatusCRCMismatch, proto.StatusNotImplemented:
		err := &Error{Kind: ErrStatus, Status: status, Msg: "MCU rejected command"}
		select {
		case op.done <- result{err: err}:
		default:
		}
		return true
	default:
		return false
	}
}

func (c *Controller) handleResponse(commandID uint16, payload []byte) bool {
	// Find whichever pending op declared this command as its response pair.
	c.mu.Lock()
	var match *pendingOp
	for _, op := range c.pending {
		if uint16(op.response) == commandID {
			match = op
			break
		}
	}
	c.mu.Unlock()
	if match == nil {
		return false // orphan response, ignored per spec.md §4.7
	}
	select {
	case match.done <- result{ok: true, response: payload}:
	default:
	}
	return true
}

// Reset abandons every in-flight operation with failure (spec.md §4.5
// "used when the link is re-reset").
func (c *Controller) Reset() {
	c.mu.Lock()
	ops := make([]*pendingOp, 0, len(c.pending))
	for _, op := range c.pending {
		ops = append(ops, op)
	}
	c.pending = make(map[uint16]*pendingOp)
	c.mu.Unlock()

	for _, op := range ops {
		c.emit(op.commandID, op.attempt, "abandoned")
		select {
		case op.done <- result{err: &Error{Kind: ErrAbandoned, Msg: "link reset"}}:
		default:
		}
	}
}

// ErrNoOperation is returned by callers that probe for an in-flight op and
// find none; exported for tests.
var ErrNoOperation = errors.New("flow: no in-flight operation for this command class")
