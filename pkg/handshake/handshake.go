// Package handshake implements the reset + nonce/tag authentication that
// synchronizes MCU and host after reset and after every reconnect
// (spec.md §4.6).
package handshake

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/librescoot/mcubridge/pkg/config"
	"github.com/librescoot/mcubridge/pkg/flow"
	"github.com/librescoot/mcubridge/pkg/proto"
	"github.com/librescoot/mcubridge/pkg/runtimestate"
)

// tagSize is the fixed keyed-MAC output length spec.md §3 requires
// ("16-byte output"). The algorithm itself is an open question the spec
// defers to the wire-level protocol document (spec.md §9); this
// implementation fixes it to HMAC-SHA256 truncated to 16 bytes, and both
// ends of a deployment must agree on that choice — a mismatch is a
// deployment error, not a bug here.
const tagSize = 16
const nonceSize = 16

// Fatal marks an authentication failure or exhausted failure streak that
// must terminate the daemon (spec.md §4.6 "Failure policy").
type Fatal struct {
	Reason string
}

func (f *Fatal) Error() string { return fmt.Sprintf("handshake fatal: %s", f.Reason) }

// computeTag derives the expected 16-byte tag for nonce under secret.
func computeTag(secret, nonce []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(nonce)
	sum := mac.Sum(nil)
	return sum[:tagSize]
}

// secureZero overwrites b in place so the compiler cannot optimize the
// write away (spec.md §9 "Zeroising sensitive buffers").
func secureZero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// validateNonceCounter rejects a bit-for-bit repeat or a numeric regression
// relative to the previously accepted nonce, treating the 16 bytes as a
// big-endian unsigned counter (spec.md §4.6 step 4, §3 "Handshake context").
func validateNonceCounter(nonce, previous []byte) (ok bool, cmp int) {
	if previous == nil {
		return true, 1
	}
	cmp = bytes.Compare(nonce, previous)
	return cmp > 0, cmp
}

// SerialTiming is the window sent to the MCU inside CMD_LINK_RESET so both
// sides agree on retry/timeout behaviour (spec.md §3 "Serial timing window").
type SerialTiming struct {
	AckTimeoutMS      uint16
	RetryLimit        uint8
	ResponseTimeoutMS uint32
}

// DeriveSerialTiming builds a SerialTiming from cfg, clamped to the
// protocol-declared bounds.
func DeriveSerialTiming(cfg config.Config) SerialTiming {
	cfg.Clamp()
	return SerialTiming{
		AckTimeoutMS:      uint16(cfg.SerialRetryTimeout / time.Millisecond),
		RetryLimit:        uint8(cfg.SerialRetryAttempts),
		ResponseTimeoutMS: uint32(cfg.SerialResponseTimeout / time.Millisecond),
	}
}

// Encode packs the 7-byte CMD_LINK_RESET payload (spec.md §6).
func (t SerialTiming) Encode() []byte {
	buf := make([]byte, 7)
	binary.BigEndian.PutUint16(buf[0:2], t.AckTimeoutMS)
	buf[2] = t.RetryLimit
	binary.BigEndian.PutUint32(buf[3:7], t.ResponseTimeoutMS)
	return buf
}

// Sender is the subset of the flow controller the handshake manager needs.
type Sender interface {
	Send(ctx context.Context, commandID uint16, payload []byte, opts flow.Options) ([]byte, error)
}

// Manager runs the link-reset/nonce/tag handshake and owns the
// synchronized/failure-streak bookkeeping.
type Manager struct {
	cfg    config.Config
	state  *runtimestate.State
	sender Sender
	timing SerialTiming

	mu               sync.Mutex
	nonce            []byte
	expectedTag      []byte
	failureStreak    int
	lastAcceptedNonce []byte
	rateLimitUntil   time.Time
}

// New returns a Manager bound to cfg/state/sender.
func New(cfg config.Config, state *runtimestate.State, sender Sender) *Manager {
	return &Manager{
		cfg:    cfg,
		state:  state,
		sender: sender,
		timing: DeriveSerialTiming(cfg),
	}
}

// clearExpectations zeroises and drops the current nonce/tag pair
// (spec.md §4.6 "Secret handling").
func (m *Manager) clearExpectations() {
	if m.nonce != nil {
		secureZero(m.nonce)
		m.nonce = nil
	}
	if m.expectedTag != nil {
		secureZero(m.expectedTag)
		m.expectedTag = nil
	}
}

// Synchronize runs one full handshake attempt: link reset, nonce exchange,
// verification. On success the link is marked synchronized. On a transient
// failure it leaves the link unsynchronized, sleeps the failure-streak
// backoff and returns nil, so a nil return does not by itself mean the link
// is synchronized; the caller's next Synchronize call is the retry. An
// authentication mismatch, a rejected nonce, or a failure streak reaching
// serial_handshake_fatal_failures returns a *Fatal (caller must stop
// retrying and propagate to the supervisor).
func (m *Manager) Synchronize(ctx context.Context) error {
	m.state.IncHandshakeAttempts()

	if err := m.linkReset(ctx); err != nil {
		return m.recordFailure("link_reset", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return m.recordFailure("nonce_rng", err)
	}

	m.mu.Lock()
	m.clearExpectations()
	m.nonce = nonce
	m.expectedTag = computeTag(m.cfg.SerialSharedSecret, nonce)
	m.mu.Unlock()

	resp, err := m.sender.Send(ctx, uint16(proto.CmdLinkSync), nonce, flow.Options{})
	if err != nil {
		return m.recordFailure("sync_timeout", err)
	}

	ok, fatalReason := m.verifySyncResp(resp)
	if !ok {
		if fatalReason != "" {
			return m.declareFatal(fatalReason)
		}
		return m.recordFailure("sync_transient", nil)
	}

	m.mu.Lock()
	m.lastAcceptedNonce = append([]byte(nil), nonce...)
	m.failureStreak = 0
	m.clearExpectations()
	m.mu.Unlock()

	m.state.IncHandshakeSuccesses()

	m.state.SetLinkSynchronized(true)
	log.Printf("handshake: link synchronized")

	if caps, err := m.fetchCapabilities(ctx); err == nil {
		m.state.SetMCUCapabilities(caps)
	}

	return nil
}

// linkReset sends CMD_LINK_RESET with the packed timing config, falling
// back to an empty payload if the MCU answers MALFORMED (older firmware,
// spec.md §4.6 step 1).
func (m *Manager) linkReset(ctx context.Context) error {
	_, err := m.sender.Send(ctx, uint16(proto.CmdLinkReset), m.timing.Encode(), flow.Options{})
	if err == nil {
		return nil
	}
	var flowErr *flow.Error
	if asFlowError(err, &flowErr) && flowErr.Status == proto.StatusMalformed {
		_, err2 := m.sender.Send(ctx, uint16(proto.CmdLinkReset), nil, flow.Options{})
		return err2
	}
	return err
}

func asFlowError(err error, target **flow.Error) bool {
	fe, ok := err.(*flow.Error)
	if ok {
		*target = fe
	}
	return ok
}

// verifySyncResp validates a CMD_LINK_SYNC_RESP payload (nonce||tag)
// against the expected nonce/tag using constant-time comparison, and then
// the nonce-counter replay check. It returns (accepted, fatalReason);
// fatalReason is non-empty for an outright auth mismatch and for a nonce
// that fails the replay check, both fatal on first occurrence (spec.md §4.6
// "Failure policy"). A payload of the wrong length is rejected with an
// empty fatalReason.
func (m *Manager) verifySyncResp(payload []byte) (bool, string) {
	if len(payload) != nonceSize+tagSize {
		return false, ""
	}
	gotNonce := payload[:nonceSize]
	gotTag := payload[nonceSize:]

	m.mu.Lock()
	expectedNonce := m.nonce
	expectedTag := m.expectedTag
	prevNonce := m.lastAcceptedNonce
	m.mu.Unlock()

	nonceMatches := subtle.ConstantTimeCompare(gotNonce, expectedNonce) == 1
	tagMatches := subtle.ConstantTimeCompare(gotTag, expectedTag) == 1

	if !nonceMatches || !tagMatches {
		return false, "sync_auth_mismatch"
	}

	if ok, _ := validateNonceCounter(gotNonce, prevNonce); !ok {
		return false, "sync_replay_detected"
	}

	return true, ""
}

// HandleSyncRespRateLimited enforces spec.md §4.6's rate limit on how often
// an unsolicited CMD_LINK_SYNC_RESP may arrive outside of a Send() wait
// (e.g. a duplicate retransmission from the MCU): the dispatcher calls this
// after the flow controller has declined such a frame as an orphan, and
// answers with a MALFORMED status when it reports true.
func (m *Manager) HandleSyncRespRateLimited() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if now.Before(m.rateLimitUntil) {
		return true
	}
	m.rateLimitUntil = now.Add(m.cfg.SerialHandshakeMinInterval)
	return false
}

// fetchCapabilities performs the optional CMD_CAPABILITIES round-trip
// (spec.md §4.6 step 5 "optionally refresh cached ... capabilities").
func (m *Manager) fetchCapabilities(ctx context.Context) ([]string, error) {
	resp, err := m.sender.Send(ctx, uint16(proto.CmdCapabilities), nil, flow.Options{})
	if err != nil {
		return nil, err
	}
	caps := make([]string, 0)
	for _, b := range resp {
		caps = append(caps, fmt.Sprintf("cap-%d", b))
	}
	return caps, nil
}

// recordFailure increments the failure streak and either schedules backoff
// (transient) or declares a fatal condition once the streak reaches
// serial_handshake_fatal_failures (spec.md §4.6 "Failure policy").
func (m *Manager) recordFailure(reason string, cause error) error {
	m.state.SetLinkSynchronized(false)
	m.clearOnFailure()

	m.mu.Lock()
	m.failureStreak++
	streak := m.failureStreak
	m.mu.Unlock()

	m.state.IncHandshakeFailures()

	if streak >= m.cfg.SerialHandshakeFatalFailures {
		return m.declareFatal(fmt.Sprintf("failure streak of %d exceeded (%s)", streak, reason))
	}

	backoff := m.cfg.HandshakeBackoffBase * time.Duration(1<<uint(streak-1))
	log.Printf("handshake: transient failure (%s), backing off %s", reason, backoff)
	if cause != nil {
		log.Printf("handshake: cause: %v", cause)
	}
	time.Sleep(backoff)
	return nil
}

func (m *Manager) clearOnFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clearExpectations()
}

// declareFatal marks a fatal handshake condition: surfaced to the
// supervisor, terminates the daemon (spec.md §4.6).
func (m *Manager) declareFatal(reason string) error {
	m.state.IncHandshakeFatal()
	m.state.SetLinkSynchronized(false)
	log.Printf("handshake: FATAL: %s", reason)
	return &Fatal{Reason: reason}
}

// FailureStreak returns the current consecutive-failure count (test hook).
func (m *Manager) FailureStreak() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failureStreak
}
