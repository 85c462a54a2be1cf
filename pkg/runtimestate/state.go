// Package runtimestate holds the single process-wide aggregate described in
// spec.md §4.8: counters, bounded queues, caches, and the flags that gate
// dispatch. One State is created per daemon and passed by reference into
// every task — there are no package-level singletons.
package runtimestate

import "sync"

// Counters tallies every error/drop/attempt counter named in spec.md §4.8.
type Counters struct {
	mu sync.Mutex

	SerialDecodeErrors int
	CRCErrors          int

	HandshakeAttempts  int
	HandshakeSuccesses int
	HandshakeFailures  int
	HandshakeFatal     int

	MQTTQueueDrops int
	TopicDrops     map[string]int

	ConsoleQueueBytes      int
	ConsoleTruncations     int
	MailboxBytes           int
	MailboxOverflows       int
	FileStorageUsageBytes  int64
}

func newCounters() *Counters {
	return &Counters{TopicDrops: make(map[string]int)}
}

func (c *Counters) incTopicDrop(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.TopicDrops[topic]++
}

// Snapshot is a point-in-time, lock-free copy safe to serialize (e.g. for a
// status file writer or the system component's bridge-summary publish).
type Snapshot struct {
	SerialDecodeErrors int
	CRCErrors          int
	HandshakeAttempts  int
	HandshakeSuccesses int
	HandshakeFailures  int
	HandshakeFatal     int
	MQTTQueueDrops     int
	LinkSynchronized   bool
}

// State is the process-wide runtime aggregate.
type State struct {
	Counters *Counters

	Console  *ByteQueue
	Mailbox  *Mailbox
	PinReqs  *PinFIFORegistry
	Publish  *RingQueue[PublishMessage]

	mu              sync.RWMutex
	datastore       map[string]string
	mcuVersion      string
	mcuCapabilities []string

	syncMu           sync.Mutex
	linkSynchronized bool

	paused bool
	pauseMu sync.Mutex

	Supervisor *SupervisorStats
}

// New builds a State with the bounded queues sized from cfg-derived limits.
func New(consoleLimitBytes, mailboxLimit, mailboxBytesLimit, pinFIFOLimit, publishQueueLimit int) *State {
	return &State{
		Counters:   newCounters(),
		Console:    NewByteQueue(consoleLimitBytes),
		Mailbox:    NewMailbox(mailboxLimit, mailboxBytesLimit),
		PinReqs:    NewPinFIFORegistry(pinFIFOLimit),
		Publish:    NewRingQueue[PublishMessage](publishQueueLimit),
		datastore:  make(map[string]string),
		Supervisor: NewSupervisorStats(),
	}
}

// SetLinkSynchronized flips the gate the dispatcher checks before invoking
// any non-handshake component handler (spec.md §3 "Link state").
func (s *State) SetLinkSynchronized(v bool) {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	s.linkSynchronized = v
}

// LinkSynchronized reports the current gate value.
func (s *State) LinkSynchronized() bool {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	return s.linkSynchronized
}

// SetPaused records the MCU's XOFF/XON flow-control status.
func (s *State) SetPaused(v bool) {
	s.pauseMu.Lock()
	defer s.pauseMu.Unlock()
	s.paused = v
}

// Paused reports whether the MCU asked the transport to hold off writes.
func (s *State) Paused() bool {
	s.pauseMu.Lock()
	defer s.pauseMu.Unlock()
	return s.paused
}

// DatastorePut writes key=value into the in-memory cache.
func (s *State) DatastorePut(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.datastore[key] = value
}

// DatastoreGet reads key from the in-memory cache.
func (s *State) DatastoreGet(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.datastore[key]
	return v, ok
}

// SetMCUVersion caches the MCU firmware version string. The handshake's
// capabilities round-trip fills only the capability list, not this value.
func (s *State) SetMCUVersion(v string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mcuVersion = v
}

// MCUVersion returns the cached MCU firmware version.
func (s *State) MCUVersion() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mcuVersion
}

// SetMCUCapabilities caches the MCU's reported capability list.
func (s *State) SetMCUCapabilities(caps []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mcuCapabilities = caps
}

// MCUCapabilities returns the cached MCU capability list.
func (s *State) MCUCapabilities() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.mcuCapabilities))
	copy(out, s.mcuCapabilities)
	return out
}

// TakeSnapshot returns a consistent-enough snapshot for logging/metrics.
func (s *State) TakeSnapshot() Snapshot {
	s.Counters.mu.Lock()
	defer s.Counters.mu.Unlock()
	return Snapshot{
		SerialDecodeErrors: s.Counters.SerialDecodeErrors,
		CRCErrors:          s.Counters.CRCErrors,
		HandshakeAttempts:  s.Counters.HandshakeAttempts,
		HandshakeSuccesses: s.Counters.HandshakeSuccesses,
		HandshakeFailures:  s.Counters.HandshakeFailures,
		HandshakeFatal:     s.Counters.HandshakeFatal,
		MQTTQueueDrops:     s.Counters.MQTTQueueDrops,
		LinkSynchronized:   s.LinkSynchronized(),
	}
}

// IncTopicDrop bumps the per-topic MQTT drop counter (spec.md §4.8).
func (s *State) IncTopicDrop(topic string) {
	s.Counters.incTopicDrop(topic)
}

// SetSerialDecodeErrors overwrites the running COBS-decode-error count with
// the framer's own tally (the framer, not State, is authoritative for it).
func (s *State) SetSerialDecodeErrors(n int) {
	s.Counters.mu.Lock()
	defer s.Counters.mu.Unlock()
	s.Counters.SerialDecodeErrors = n
}

// IncCRCErrors bumps the CRC-mismatch counter by one.
func (s *State) IncCRCErrors() {
	s.Counters.mu.Lock()
	defer s.Counters.mu.Unlock()
	s.Counters.CRCErrors++
}

// IncHandshakeAttempts bumps the handshake-attempt counter by one.
func (s *State) IncHandshakeAttempts() {
	s.Counters.mu.Lock()
	defer s.Counters.mu.Unlock()
	s.Counters.HandshakeAttempts++
}

// IncHandshakeSuccesses bumps the handshake-success counter by one.
func (s *State) IncHandshakeSuccesses() {
	s.Counters.mu.Lock()
	defer s.Counters.mu.Unlock()
	s.Counters.HandshakeSuccesses++
}

// IncHandshakeFailures bumps the handshake-failure counter by one.
func (s *State) IncHandshakeFailures() {
	s.Counters.mu.Lock()
	defer s.Counters.mu.Unlock()
	s.Counters.HandshakeFailures++
}

// IncHandshakeFatal bumps the handshake-fatal counter by one.
func (s *State) IncHandshakeFatal() {
	s.Counters.mu.Lock()
	defer s.Counters.mu.Unlock()
	s.Counters.HandshakeFatal++
}

// IncMQTTQueueDrops bumps the MQTT-publish-queue-drop counter by one.
func (s *State) IncMQTTQueueDrops() {
	s.Counters.mu.Lock()
	defer s.Counters.mu.Unlock()
	s.Counters.MQTTQueueDrops++
}

// FileStorageUsage returns the running total of bytes written through the
// file component, tracked against file_storage_quota_bytes.
func (s *State) FileStorageUsage() int64 {
	s.Counters.mu.Lock()
	defer s.Counters.mu.Unlock()
	return s.Counters.FileStorageUsageBytes
}

// AddFileStorageUsage adds delta (positive or negative) to the running
// file-storage usage total.
func (s *State) AddFileStorageUsage(delta int64) {
	s.Counters.mu.Lock()
	defer s.Counters.mu.Unlock()
	s.Counters.FileStorageUsageBytes += delta
}
