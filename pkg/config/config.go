// Package config defines the behaviourally-significant daemon configuration
// record (spec.md §6). Loading it from UCI/files is out of scope per
// spec.md §1 — callers build a Config directly (flags, env, tests) and call
// Clamp to enforce the protocol-declared timing bounds.
package config

import "time"

// Protocol-declared handshake timing clamps (spec.md §9 "Open questions" —
// lifted here as the single place that owns them; spec.md §6 defers the
// exact numbers to "the protocol spec table", so these are the bounds this
// implementation enforces).
const (
	AckTimeoutMinMS = 20
	AckTimeoutMaxMS = 2000
	RespTimeoutMinMS = 50
	RespTimeoutMaxMS = 10000
	RetryLimitMin    = 0
	RetryLimitMax    = 8
)

// Config holds every option from spec.md §6 that affects runtime behaviour.
type Config struct {
	SerialPort            string
	SerialBaud            int
	SerialSafeBaud        int
	SerialSharedSecret    []byte
	SerialRetryTimeout    time.Duration
	SerialResponseTimeout time.Duration
	SerialRetryAttempts   int

	SerialHandshakeMinInterval  time.Duration
	SerialHandshakeFatalFailures int
	HandshakeBackoffBase        time.Duration

	MQTTHost       string
	MQTTPort       int
	MQTTUser       string
	MQTTPass       string
	MQTTTLS        bool
	MQTTCAFile     string
	MQTTCertFile   string
	MQTTKeyFile    string
	MQTTTopicPrefix string
	MQTTQueueLimit int
	MQTTSpoolDir   string

	ConsoleQueueLimitBytes int
	MailboxQueueLimit      int
	MailboxQueueBytesLimit int
	PendingPinRequestLimit int

	ProcessTimeout         time.Duration
	ProcessMaxConcurrent   int
	ProcessMaxOutputBytes  int

	FileSystemRoot        string
	FileWriteMaxBytes     int
	FileStorageQuotaBytes int64
	AllowNonTmpPaths      bool

	ReconnectDelay         time.Duration
	StatusInterval         time.Duration
	BridgeSummaryInterval  time.Duration
	BridgeHandshakeInterval time.Duration

	WatchdogEnabled  bool
	WatchdogInterval time.Duration

	MetricsEnabled bool
	MetricsHost    string
	MetricsPort    int

	RedisAddr string
	RedisPass string
	RedisDB   int
}

// Default returns a Config populated with sane defaults for an OpenWrt-class
// host, mirroring the constants `original_source` ships under mcubridge.const.
func Default() Config {
	return Config{
		SerialPort:     "/dev/ttyMCU0",
		SerialBaud:     115200,
		SerialSafeBaud: 9600,

		SerialRetryTimeout:    200 * time.Millisecond,
		SerialResponseTimeout: 1 * time.Second,
		SerialRetryAttempts:   3,

		SerialHandshakeMinInterval:   500 * time.Millisecond,
		SerialHandshakeFatalFailures: 5,
		HandshakeBackoffBase:         250 * time.Millisecond,

		MQTTHost:        "localhost",
		MQTTPort:        1883,
		MQTTTopicPrefix: "mcubridge",
		MQTTQueueLimit:  256,
		MQTTSpoolDir:    "/tmp/mcubridge-spool",

		ConsoleQueueLimitBytes: 4096,
		MailboxQueueLimit:      32,
		MailboxQueueBytesLimit: 16384,
		PendingPinRequestLimit: 16,

		ProcessTimeout:        30 * time.Second,
		ProcessMaxConcurrent:  2,
		ProcessMaxOutputBytes: 65536,

		FileSystemRoot:        "/tmp/mcubridge-files",
		FileWriteMaxBytes:     65536,
		FileStorageQuotaBytes: 8 << 20,
		AllowNonTmpPaths:      false,

		ReconnectDelay:          2 * time.Second,
		StatusInterval:          10 * time.Second,
		BridgeSummaryInterval:   30 * time.Second,
		BridgeHandshakeInterval: 60 * time.Second,

		WatchdogEnabled:  false,
		WatchdogInterval: 15 * time.Second,

		MetricsEnabled: false,
		MetricsHost:    "127.0.0.1",
		MetricsPort:    9091,
	}
}

// clampDuration clamps d (in milliseconds) to [minMS, maxMS].
func clampDuration(d time.Duration, minMS, maxMS int) time.Duration {
	ms := int(d / time.Millisecond)
	if ms < minMS {
		ms = minMS
	}
	if ms > maxMS {
		ms = maxMS
	}
	return time.Duration(ms) * time.Millisecond
}

// clampInt clamps v to [min, max].
func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// Clamp enforces the protocol-declared minima/maxima on the serial timing
// window before it is sent to the MCU inside CMD_LINK_RESET (spec.md §3,
// "Serial timing window").
func (c *Config) Clamp() {
	c.SerialRetryTimeout = clampDuration(c.SerialRetryTimeout, AckTimeoutMinMS, AckTimeoutMaxMS)
	c.SerialResponseTimeout = clampDuration(c.SerialResponseTimeout, RespTimeoutMinMS, RespTimeoutMaxMS)
	c.SerialRetryAttempts = clampInt(c.SerialRetryAttempts, RetryLimitMin, RetryLimitMax)
}
