package proto

import "testing"

func TestRequiresAck(t *testing.T) {
	if !RequiresAck(CmdDigitalWrite) {
		t.Fatal("CmdDigitalWrite should require an ACK")
	}
	if RequiresAck(CmdDigitalReadResp) {
		t.Fatal("CmdDigitalReadResp is MCU-originated and should not require an ACK")
	}
}

func TestResponsePair(t *testing.T) {
	resp, ok := ResponsePair(CmdDigitalRead)
	if !ok || resp != CmdDigitalReadResp {
		t.Fatalf("ResponsePair(CmdDigitalRead) = (%v, %v), want (CmdDigitalReadResp, true)", resp, ok)
	}
	if _, ok := ResponsePair(CmdDigitalWrite); ok {
		t.Fatal("CmdDigitalWrite declares no response pair")
	}
}

func TestIsResponse(t *testing.T) {
	if !IsResponse(CmdLinkSyncResp) {
		t.Fatal("CmdLinkSyncResp should be recognized as somebody's declared response")
	}
	if IsResponse(CmdLinkSync) {
		t.Fatal("CmdLinkSync is a request, not a response")
	}
}

func TestIsRegistered(t *testing.T) {
	if !IsRegistered(CmdProcessRun) {
		t.Fatal("CmdProcessRun should be registered")
	}
	if IsRegistered(Command(0xDEAD)) {
		t.Fatal("an arbitrary unregistered command id should not be registered")
	}
}

func TestCompressibleCommands(t *testing.T) {
	for _, cmd := range []Command{CmdFileWrite, CmdConsoleWrite} {
		if !CompressibleCommands[cmd] {
			t.Fatalf("%v should be flagged compressible", cmd)
		}
	}
	if CompressibleCommands[CmdDigitalWrite] {
		t.Fatal("CmdDigitalWrite should not be flagged compressible")
	}
}

func TestIsStatus(t *testing.T) {
	if !IsStatus(uint16(StatusACK)) {
		t.Fatal("StatusACK should be recognized as a status code")
	}
	if IsStatus(uint16(CmdDigitalWrite)) {
		t.Fatal("CmdDigitalWrite should not be recognized as a status code")
	}
}
