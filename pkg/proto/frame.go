package proto

import (
	"encoding/binary"
	"fmt"
)

// ProtocolVersion is the only header version this implementation builds or accepts.
const ProtocolVersion = 2

// CompressedFlag marks a command_id whose payload carries an RLE-encoded body.
const CompressedFlag = uint16(1) << 15

// ErrKind tags the error-handling taxonomy of spec.md §7. It is a label,
// not a distinct Go type per kind, so callers can switch on it uniformly.
type ErrKind string

const (
	ErrFraming     ErrKind = "framing"
	ErrDecode      ErrKind = "decode"
	ErrCRCMismatch ErrKind = "crc_mismatch"
)

// FrameError reports a recoverable framing/decode/CRC failure.
type FrameError struct {
	Kind ErrKind
	Msg  string
}

func (e *FrameError) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Msg) }

// Frame is one protocol-level unit. Once constructed it is never mutated.
type Frame struct {
	CommandID uint16
	Payload   []byte
}

// Compressed reports whether the high bit of CommandID marks an RLE payload.
func (f Frame) Compressed() bool { return f.CommandID&CompressedFlag != 0 }

// BaseCommand strips the compression flag, returning the plain command id.
func (f Frame) BaseCommand() uint16 { return f.CommandID &^ CompressedFlag }

// Build assembles a raw (pre-COBS) frame: header || payload || crc.
func Build(commandID uint16, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, &FrameError{Kind: ErrFraming, Msg: fmt.Sprintf("payload %d exceeds max %d", len(payload), MaxPayload)}
	}
	raw := make([]byte, HeaderSize+len(payload)+TrailerSize)
	raw[0] = ProtocolVersion
	binary.BigEndian.PutUint16(raw[1:3], uint16(len(payload)))
	binary.BigEndian.PutUint16(raw[3:5], commandID)
	copy(raw[HeaderSize:], payload)
	crc := CRC16CCITT(raw[:HeaderSize+len(payload)])
	binary.BigEndian.PutUint16(raw[HeaderSize+len(payload):], crc)
	return raw, nil
}

// Parse validates and decodes a raw (post-COBS) frame. Checks run in the
// order spec.md §4.2 specifies: MALFORMED conditions (short frame, version
// mismatch, declared-vs-actual length mismatch) are checked before the CRC,
// so a truncated or mis-sized frame is reported precisely rather than as a
// generic CRC_MISMATCH.
func Parse(raw []byte) (Frame, error) {
	if len(raw) < HeaderSize+TrailerSize {
		return Frame{}, &FrameError{Kind: ErrDecode, Msg: "frame shorter than header+trailer"}
	}
	version := raw[0]
	if version != ProtocolVersion {
		return Frame{}, &FrameError{Kind: ErrDecode, Msg: fmt.Sprintf("version mismatch: got %d", version)}
	}
	crcStart := len(raw) - TrailerSize
	declaredLen := int(binary.BigEndian.Uint16(raw[1:3]))
	commandID := binary.BigEndian.Uint16(raw[3:5])
	actualLen := crcStart - HeaderSize
	if declaredLen != actualLen {
		return Frame{}, &FrameError{Kind: ErrDecode, Msg: fmt.Sprintf("length mismatch: header says %d, got %d", declaredLen, actualLen)}
	}
	wantCRC := binary.BigEndian.Uint16(raw[crcStart:])
	gotCRC := CRC16CCITT(raw[:crcStart])
	if wantCRC != gotCRC {
		return Frame{}, &FrameError{Kind: ErrCRCMismatch, Msg: fmt.Sprintf("want %04x got %04x", wantCRC, gotCRC)}
	}
	payload := make([]byte, actualLen)
	copy(payload, raw[HeaderSize:crcStart])
	return Frame{CommandID: commandID, Payload: payload}, nil
}
