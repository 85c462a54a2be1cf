package handshake

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/librescoot/mcubridge/pkg/config"
	"github.com/librescoot/mcubridge/pkg/flow"
	"github.com/librescoot/mcubridge/pkg/proto"
	"github.com/librescoot/mcubridge/pkg/runtimestate"
)

type scriptedSender struct {
	handle func(commandID uint16, payload []byte) ([]byte, error)
}

func (s *scriptedSender) Send(ctx context.Context, commandID uint16, payload []byte, opts flow.Options) ([]byte, error) {
	return s.handle(commandID, payload)
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.SerialSharedSecret = []byte("test-shared-secret")
	cfg.SerialHandshakeFatalFailures = 3
	cfg.HandshakeBackoffBase = time.Millisecond
	cfg.SerialHandshakeMinInterval = 50 * time.Millisecond
	return cfg
}

func TestSynchronizeSucceedsAndFetchesCapabilities(t *testing.T) {
	cfg := testConfig()
	state := runtimestate.New(64, 4, 256, 4, 8)
	sender := &scriptedSender{}
	sender.handle = func(commandID uint16, payload []byte) ([]byte, error) {
		switch proto.Command(commandID) {
		case proto.CmdLinkReset:
			return nil, nil
		case proto.CmdLinkSync:
			tag := computeTag(cfg.SerialSharedSecret, payload)
			return append(append([]byte(nil), payload...), tag...), nil
		case proto.CmdCapabilities:
			return []byte{1, 2, 3}, nil
		default:
			return nil, errors.New("unexpected command")
		}
	}

	m := New(cfg, state, sender)
	if err := m.Synchronize(context.Background()); err != nil {
		t.Fatalf("Synchronize() = %v, want nil", err)
	}
	if !state.LinkSynchronized() {
		t.Fatal("expected the link to be marked synchronized on success")
	}
	caps := state.MCUCapabilities()
	if len(caps) != 3 || caps[0] != "cap-1" {
		t.Fatalf("MCUCapabilities() = %v, want [cap-1 cap-2 cap-3]", caps)
	}
	if m.FailureStreak() != 0 {
		t.Fatalf("FailureStreak() = %d, want 0 after success", m.FailureStreak())
	}
}

func TestSynchronizeAuthMismatchIsFatal(t *testing.T) {
	cfg := testConfig()
	state := runtimestate.New(64, 4, 256, 4, 8)
	sender := &scriptedSender{}
	sender.handle = func(commandID uint16, payload []byte) ([]byte, error) {
		switch proto.Command(commandID) {
		case proto.CmdLinkReset:
			return nil, nil
		case proto.CmdLinkSync:
			wrongTag := make([]byte, tagSize)
			return append(append([]byte(nil), payload...), wrongTag...), nil
		default:
			return nil, errors.New("unexpected command")
		}
	}

	m := New(cfg, state, sender)
	err := m.Synchronize(context.Background())
	var fatal *Fatal
	if !errors.As(err, &fatal) {
		t.Fatalf("Synchronize() = %v, want a *Fatal on auth mismatch", err)
	}
	if state.LinkSynchronized() {
		t.Fatal("expected the link to remain unsynchronized after a fatal auth mismatch")
	}
}

func TestSynchronizeEscalatesToFatalAfterFailureStreak(t *testing.T) {
	cfg := testConfig()
	state := runtimestate.New(64, 4, 256, 4, 8)
	sender := &scriptedSender{handle: func(commandID uint16, payload []byte) ([]byte, error) {
		return nil, errors.New("link reset never answers")
	}}
	m := New(cfg, state, sender)

	var lastErr error
	for i := 0; i < cfg.SerialHandshakeFatalFailures; i++ {
		lastErr = m.Synchronize(context.Background())
	}
	var fatal *Fatal
	if !errors.As(lastErr, &fatal) {
		t.Fatalf("Synchronize() after %d consecutive failures = %v, want a *Fatal escalation", cfg.SerialHandshakeFatalFailures, lastErr)
	}
}

func TestHandleSyncRespRateLimited(t *testing.T) {
	cfg := testConfig()
	state := runtimestate.New(64, 4, 256, 4, 8)
	m := New(cfg, state, &scriptedSender{handle: func(uint16, []byte) ([]byte, error) { return nil, nil }})

	if m.HandleSyncRespRateLimited() {
		t.Fatal("the first unsolicited sync-resp should not be rate limited")
	}
	if !m.HandleSyncRespRateLimited() {
		t.Fatal("a second unsolicited sync-resp within SerialHandshakeMinInterval should be rate limited")
	}
}

func TestValidateNonceCounterRejectsNonIncreasing(t *testing.T) {
	older := []byte{0, 0, 0, 1}
	newer := []byte{0, 0, 0, 2}

	if ok, _ := validateNonceCounter(newer, older); !ok {
		t.Fatal("expected an increasing nonce to be accepted")
	}
	if ok, _ := validateNonceCounter(older, newer); ok {
		t.Fatal("expected a regressing nonce to be rejected")
	}
	if ok, _ := validateNonceCounter(older, older); ok {
		t.Fatal("expected a repeated nonce to be rejected")
	}
	if ok, _ := validateNonceCounter(newer, nil); !ok {
		t.Fatal("expected the very first nonce (no previous) to be accepted")
	}
}

func TestDeriveSerialTimingClampsAndEncodesSevenBytes(t *testing.T) {
	cfg := testConfig()
	cfg.SerialRetryTimeout = 1 * time.Millisecond // below AckTimeoutMinMS
	timing := DeriveSerialTiming(cfg)
	if timing.AckTimeoutMS != config.AckTimeoutMinMS {
		t.Fatalf("AckTimeoutMS = %d, want the clamped minimum %d", timing.AckTimeoutMS, config.AckTimeoutMinMS)
	}
	encoded := timing.Encode()
	if len(encoded) != 7 {
		t.Fatalf("Encode() length = %d, want 7", len(encoded))
	}
}
