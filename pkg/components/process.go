package components

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/librescoot/mcubridge/pkg/dispatch"
	"github.com/librescoot/mcubridge/pkg/flow"
	"github.com/librescoot/mcubridge/pkg/proto"
)

// Process implements P/shell/{run,run_async,poll,kill}, bounded by
// process_timeout, process_max_concurrent (a semaphore), and
// process_max_output_bytes (SPEC_FULL.md component inventory).
type Process struct {
	sender      Sender
	pub         dispatch.Publisher
	prefix      string
	timeout     time.Duration
	maxOutput   int
	slots       chan struct{}
	mu          sync.Mutex
	runningPIDs map[int]struct{}
}

// NewProcess returns a Process component allowing up to maxConcurrent
// subprocesses in flight at once.
func NewProcess(sender Sender, pub dispatch.Publisher, prefix string, timeout time.Duration, maxConcurrent, maxOutput int) *Process {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Process{
		sender: sender, pub: pub, prefix: prefix,
		timeout: timeout, maxOutput: maxOutput,
		slots:       make(chan struct{}, maxConcurrent),
		runningPIDs: make(map[int]struct{}),
	}
}

func (p *Process) Name() string { return "process" }

// HandleMCU rejects every MCU-originated frame: every process response
// command id is declared as a response pair and intercepted by the flow
// controller before the dispatcher consults a component (spec.md §4.7),
// and a process request command id arriving from the MCU is answered with
// ErrUnexpectedFrame.
func (p *Process) HandleMCU(commandID uint16, payload []byte) error {
	return ErrUnexpectedFrame
}

func (p *Process) HandleMQTT(route dispatch.Route, payload []byte, reply dispatch.ReplyContext) error {
	if len(route.Segments) == 0 {
		return fmt.Errorf("process: empty topic")
	}

	switch route.Segments[0] {
	case "run":
		return p.run(payload, reply, false)
	case "run_async":
		return p.run(payload, reply, true)
	case "poll":
		return p.pollOrKill(route, reply, uint16(proto.CmdProcessPoll))
	case "kill":
		return p.pollOrKill(route, reply, uint16(proto.CmdProcessKill))
	default:
		return fmt.Errorf("process: unknown action %q", route.Segments[0])
	}
}

func (p *Process) run(payload []byte, reply dispatch.ReplyContext, async bool) error {
	select {
	case p.slots <- struct{}{}:
	default:
		return fmt.Errorf("process: process_max_concurrent exhausted")
	}
	defer func() { <-p.slots }()

	commandID := uint16(proto.CmdProcessRun)
	if async {
		commandID = uint16(proto.CmdProcessRunAsync)
	}

	ctx, cancel := timeoutCtx(p.timeout)
	defer cancel()
	resp, err := p.sender.Send(ctx, commandID, payload, flow.Options{})
	if err != nil {
		return err
	}
	if len(resp) > p.maxOutput {
		resp = resp[:p.maxOutput]
	}

	topic := replyTopic(reply, p.prefix+"/shell/run/value")
	publish(p.pub, topic, resp, reply)
	return nil
}

func (p *Process) pollOrKill(route dispatch.Route, reply dispatch.ReplyContext, commandID uint16) error {
	if len(route.Segments) < 2 {
		return fmt.Errorf("process: missing pid in %v", route.Segments)
	}
	pid, err := strconv.Atoi(route.Segments[1])
	if err != nil {
		return fmt.Errorf("process: invalid pid %q: %w", route.Segments[1], err)
	}

	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(pid))

	ctx, cancel := timeoutCtx(p.timeout)
	defer cancel()
	resp, err := p.sender.Send(ctx, commandID, payload, flow.Options{})
	if err != nil {
		return err
	}
	if commandID == uint16(proto.CmdProcessKill) {
		return nil
	}
	topic := replyTopic(reply, fmt.Sprintf("%s/shell/poll/%d/value", p.prefix, pid))
	publish(p.pub, topic, resp, reply)
	return nil
}
