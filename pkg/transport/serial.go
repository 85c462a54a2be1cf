// Package transport owns the serial device: framing, the read loop, baud
// negotiation, hardware reset, and the write path the flow controller uses
// (spec.md §4.4).
package transport

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/librescoot/mcubridge/pkg/proto"
	"github.com/librescoot/mcubridge/pkg/runtimestate"
)

// FrameHandler is invoked for every successfully decoded, CRC-valid frame.
type FrameHandler func(proto.Frame)

// MalformedHandler is invoked when the frame codec (proto.Parse) rejects a
// COBS-decoded frame, so the caller can emit a status frame back to the MCU
// if the link is already synchronized (spec.md §4.1 "Failure modes"). COBS
// decode and overflow errors in the framer are only counted
// (SerialDecodeErrors); they do not invoke it.
type MalformedHandler func(kind proto.ErrKind, originalCommand uint16)

// Transport owns exclusive access to the serial device.
type Transport struct {
	portName string
	safeBaud int

	state   *runtimestate.State
	onFrame FrameHandler
	onBad   MalformedHandler

	mu     sync.Mutex
	port   serial.Port
	ready  bool
	framer *proto.Framer

	writeMu sync.Mutex

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New returns a Transport for the given device and safe (post-reset) baud.
func New(portName string, safeBaud int, state *runtimestate.State, onFrame FrameHandler, onBad MalformedHandler) *Transport {
	return &Transport{
		portName: portName,
		safeBaud: safeBaud,
		state:    state,
		onFrame:  onFrame,
		onBad:    onBad,
		framer:   proto.NewFramer(),
		stopCh:   make(chan struct{}),
	}
}

// Open opens the device at the safe baud rate and performs the DTR-toggle
// hardware reset sequence (spec.md §4.4: deassert/assert/settle at
// 0.1s/0.1s/2s).
func (t *Transport) Open() error {
	mode := &serial.Mode{BaudRate: t.safeBaud, DataBits: 8, Parity: serial.NoParity, StopBits: serial.OneStopBit}
	port, err := serial.Open(t.portName, mode)
	if err != nil {
		return fmt.Errorf("transport: open %s: %w", t.portName, err)
	}

	if err := port.SetDTR(false); err != nil {
		log.Printf("transport: warning: clear DTR failed: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if err := port.SetDTR(true); err != nil {
		log.Printf("transport: warning: assert DTR failed: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	time.Sleep(2 * time.Second)

	t.mu.Lock()
	t.port = port
	t.ready = true
	t.framer = proto.NewFramer()
	t.mu.Unlock()

	t.wg.Add(1)
	go t.readLoop()
	return nil
}

// Close stops the read loop and closes the device.
func (t *Transport) Close() error {
	close(t.stopCh)
	t.wg.Wait()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.ready = false
	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil
	return err
}

// readLoop continuously reads from the serial port and feeds the framer,
// mirroring the teacher's byte-at-a-time USOCK read loop but driven by the
// framer's COBS delimiter search instead of a fixed-header state machine.
func (t *Transport) readLoop() {
	defer t.wg.Done()

	buf := make([]byte, 256)
	for {
		select {
		case <-t.stopCh:
			return
		default:
		}

		t.mu.Lock()
		port := t.port
		t.mu.Unlock()
		if port == nil {
			return
		}

		n, err := port.Read(buf)
		if err != nil {
			log.Printf("transport: read error: %v", err)
			t.markNotReady()
			return
		}
		if n == 0 {
			continue
		}

		t.mu.Lock()
		frames := t.framer.Feed(buf[:n])
		decodeErrs := t.framer.DecodeErrors()
		t.mu.Unlock()

		if decodeErrs > 0 {
			t.state.SetSerialDecodeErrors(decodeErrs)
		}

		for _, raw := range frames {
			frame, perr := proto.Parse(raw)
			if perr != nil {
				t.handleParseError(perr)
				continue
			}
			if t.onFrame != nil {
				t.onFrame(frame)
			}
		}
	}
}

func (t *Transport) handleParseError(err error) {
	var fe *proto.FrameError
	if fe2, ok := err.(*proto.FrameError); ok {
		fe = fe2
	}
	if fe == nil {
		return
	}
	if fe.Kind == proto.ErrCRCMismatch {
		t.state.IncCRCErrors()
	}
	if t.onBad != nil {
		t.onBad(fe.Kind, 0xFFFF)
	}
}

func (t *Transport) markNotReady() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ready = false
}

// WriteFrame builds, COBS-encodes, and writes one frame atomically,
// implementing flow.FrameWriter. It honors the XOFF/XON gate and reports
// false ("not ready") instead of blocking when the link has no writer.
func (t *Transport) WriteFrame(commandID uint16, payload []byte) bool {
	if t.state.Paused() {
		log.Printf("transport: dropping frame 0x%04x, MCU asserted XOFF", commandID)
		return false
	}

	raw, err := proto.Build(commandID, payload)
	if err != nil {
		log.Printf("transport: build frame 0x%04x: %v", commandID, err)
		return false
	}
	wire := proto.EncodeCOBS(raw)

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.mu.Lock()
	port := t.port
	ready := t.ready
	t.mu.Unlock()

	if !ready || port == nil {
		log.Printf("transport: dropping frame 0x%04x, link not ready", commandID)
		return false
	}

	if _, err := port.Write(wire); err != nil {
		log.Printf("transport: write error: %v", err)
		t.markNotReady()
		return false
	}
	return true
}

// NegotiateBaud asks the MCU to switch to targetBaud via CMD_SET_BAUDRATE,
// retrying up to attempts times, then reopens the local port at the new
// rate on success (spec.md §4.4). It must be called before the transport's
// frame dispatch is relied upon for anything else, since it performs its
// own focused request/response wait rather than going through the flow
// controller, temporarily intercepting CMD_SET_BAUDRATE_RESP frames ahead
// of the regular frame handler.
func (t *Transport) NegotiateBaud(ctx context.Context, targetBaud int, perAttempt time.Duration, attempts int) error {
	payload := make([]byte, 4)
	payload[0] = byte(targetBaud >> 24)
	payload[1] = byte(targetBaud >> 16)
	payload[2] = byte(targetBaud >> 8)
	payload[3] = byte(targetBaud)

	respCh := make(chan proto.Frame, 1)
	prevHandler := t.onFrame
	t.onFrame = func(f proto.Frame) {
		if f.CommandID == uint16(proto.CmdSetBaudrateResp) {
			select {
			case respCh <- f:
			default:
			}
			return
		}
		if prevHandler != nil {
			prevHandler(f)
		}
	}
	defer func() { t.onFrame = prevHandler }()

	for attempt := 1; attempt <= attempts; attempt++ {
		if !t.WriteFrame(uint16(proto.CmdSetBaudrate), payload) {
			return fmt.Errorf("transport: baud negotiation: write failed")
		}
		select {
		case <-respCh:
			return t.reopenAt(targetBaud)
		case <-time.After(perAttempt):
			continue
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("transport: baud negotiation: no response after %d attempts", attempts)
}

func (t *Transport) reopenAt(baud int) error {
	t.mu.Lock()
	port := t.port
	t.mu.Unlock()
	if port == nil {
		return fmt.Errorf("transport: reopen: no open port")
	}
	if err := port.Close(); err != nil {
		log.Printf("transport: warning: close before reopen: %v", err)
	}

	mode := &serial.Mode{BaudRate: baud, DataBits: 8, Parity: serial.NoParity, StopBits: serial.OneStopBit}
	newPort, err := serial.Open(t.portName, mode)
	if err != nil {
		return fmt.Errorf("transport: reopen at %d baud: %w", baud, err)
	}
	t.mu.Lock()
	t.port = newPort
	t.ready = true
	t.mu.Unlock()
	log.Printf("transport: reopened %s at %d baud", t.portName, baud)
	return nil
}

// Ready reports whether the transport currently has a usable writer.
func (t *Transport) Ready() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ready
}
