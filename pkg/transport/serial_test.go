package transport

import (
	"testing"

	"github.com/librescoot/mcubridge/pkg/proto"
	"github.com/librescoot/mcubridge/pkg/runtimestate"
)

func newTestTransport() *Transport {
	state := runtimestate.New(64, 4, 256, 4, 8)
	return New("/dev/null-nonexistent", 9600, state, nil, nil)
}

func TestWriteFrameFailsWhenNeverOpened(t *testing.T) {
	tr := newTestTransport()
	if tr.Ready() {
		t.Fatal("a Transport that was never Open()'d should not report Ready")
	}
	if tr.WriteFrame(uint16(proto.CmdDigitalWrite), []byte{1}) {
		t.Fatal("WriteFrame should fail before the link has been opened")
	}
}

func TestWriteFrameHonorsPauseGate(t *testing.T) {
	tr := newTestTransport()
	// Even ignoring readiness, an XOFF-paused link must refuse to write.
	tr.state.SetPaused(true)
	if tr.WriteFrame(uint16(proto.CmdDigitalWrite), []byte{1}) {
		t.Fatal("WriteFrame should refuse to write while the MCU has asserted XOFF")
	}
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	tr := newTestTransport()
	tr.ready = true // simulate an open link without a real serial port
	if tr.WriteFrame(uint16(proto.CmdFileWrite), make([]byte, proto.MaxPayload+1)) {
		t.Fatal("WriteFrame should reject a payload proto.Build refuses to frame")
	}
}
