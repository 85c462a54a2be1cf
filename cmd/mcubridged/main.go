// Command mcubridged is the MCU-bridge daemon (spec.md §1): it bridges a
// single serial-attached MCU to MQTT, translating one framed wire protocol
// into a topic grammar and back.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/librescoot/mcubridge/pkg/components"
	"github.com/librescoot/mcubridge/pkg/config"
	"github.com/librescoot/mcubridge/pkg/dispatch"
	"github.com/librescoot/mcubridge/pkg/flow"
	"github.com/librescoot/mcubridge/pkg/handshake"
	"github.com/librescoot/mcubridge/pkg/mqttbridge"
	"github.com/librescoot/mcubridge/pkg/proto"
	"github.com/librescoot/mcubridge/pkg/runtimestate"
	"github.com/librescoot/mcubridge/pkg/supervisor"
	"github.com/librescoot/mcubridge/pkg/transport"
)

var (
	serialPort     = flag.String("serial", "/dev/ttyMCU0", "Serial device path")
	serialBaud     = flag.Int("baud", 115200, "Serial baud rate to negotiate up to")
	serialSafeBaud = flag.Int("safe-baud", 9600, "Serial baud rate used until negotiation succeeds")
	serialSecret   = flag.String("shared-secret", "", "Handshake shared secret; required")

	mqttHost   = flag.String("mqtt-host", "localhost", "MQTT broker host")
	mqttPort   = flag.Int("mqtt-port", 1883, "MQTT broker port")
	mqttUser   = flag.String("mqtt-user", "", "MQTT username")
	mqttPass   = flag.String("mqtt-pass", "", "MQTT password")
	mqttTLS    = flag.Bool("mqtt-tls", false, "Use MQTT over TLS")
	mqttPrefix = flag.String("mqtt-topic-prefix", "mcubridge", "MQTT topic prefix")
	mqttSpool  = flag.String("mqtt-spool-dir", "/tmp/mcubridge-spool", "Durable MQTT publish spool directory")

	fileRoot    = flag.String("file-root", "/tmp/mcubridge-files", "File component storage root")
	allowNonTmp = flag.Bool("allow-non-tmp-paths", false, "Allow file component paths outside /tmp")

	redisAddr = flag.String("redis-addr", "", "Optional Redis address for durable datastore mirroring")
	redisPass = flag.String("redis-pass", "", "Redis password")
	redisDB   = flag.Int("redis-db", 0, "Redis database number")

	statusInterval = flag.Duration("status-interval", 10*time.Second, "Interval between runtime-state log lines")
)

func main() {
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	log.Printf("Starting MCU-bridge daemon")
	log.Printf("Serial device: %s (safe baud %d, target baud %d)", *serialPort, *serialSafeBaud, *serialBaud)
	log.Printf("MQTT broker: %s:%d prefix=%s", *mqttHost, *mqttPort, *mqttPrefix)

	if *serialSecret == "" {
		log.Fatalf("handshake: -shared-secret is required")
	}

	cfg := config.Default()
	cfg.SerialPort = *serialPort
	cfg.SerialBaud = *serialBaud
	cfg.SerialSafeBaud = *serialSafeBaud
	cfg.SerialSharedSecret = []byte(*serialSecret)
	cfg.MQTTHost = *mqttHost
	cfg.MQTTPort = *mqttPort
	cfg.MQTTUser = *mqttUser
	cfg.MQTTPass = *mqttPass
	cfg.MQTTTLS = *mqttTLS
	cfg.MQTTTopicPrefix = *mqttPrefix
	cfg.MQTTSpoolDir = *mqttSpool
	cfg.FileSystemRoot = *fileRoot
	cfg.AllowNonTmpPaths = *allowNonTmp
	cfg.RedisAddr = *redisAddr
	cfg.RedisPass = *redisPass
	cfg.RedisDB = *redisDB
	cfg.StatusInterval = *statusInterval
	cfg.Clamp()

	state := runtimestate.New(cfg.ConsoleQueueLimitBytes, cfg.MailboxQueueLimit, cfg.MailboxQueueBytesLimit,
		cfg.PendingPinRequestLimit, cfg.MQTTQueueLimit)

	bridge, err := mqttbridge.New(mqttbridge.Config{
		Host:        cfg.MQTTHost,
		Port:        cfg.MQTTPort,
		ClientID:    "mcubridge",
		Username:    cfg.MQTTUser,
		Password:    cfg.MQTTPass,
		TLS:         cfg.MQTTTLS,
		CAFile:      cfg.MQTTCAFile,
		CertFile:    cfg.MQTTCertFile,
		KeyFile:     cfg.MQTTKeyFile,
		TopicPrefix: cfg.MQTTTopicPrefix,
		QueueLimit:  cfg.MQTTQueueLimit,
		SpoolDir:    cfg.MQTTSpoolDir,
		ReconnectDelay: cfg.ReconnectDelay,
		Subscriptions:  []string{cfg.MQTTTopicPrefix + "/#"},
	}, state, nil)
	if err != nil {
		log.Fatalf("mqttbridge: %v", err)
	}

	// xport's onFrame/onBad close over disp, which is assigned once the
	// dispatcher is built below — both closures only run after Open(), by
	// which point disp is set, so the forward reference is safe.
	var disp *dispatch.Dispatcher
	xport := transport.New(cfg.SerialPort, cfg.SerialSafeBaud, state,
		func(f proto.Frame) {
			if disp != nil {
				disp.DispatchMCUFrame(f)
			}
		},
		func(kind proto.ErrKind, _ uint16) {
			if disp != nil {
				disp.OnTransportError(kind)
			}
		},
	)

	flowCtl := flow.New(xport, cfg.SerialRetryTimeout, cfg.SerialResponseTimeout, cfg.SerialRetryAttempts)
	hsManager := handshake.New(cfg, state, flowCtl)

	disp = dispatch.New(state, flowCtl, xport, hsManager, bridge, cfg.MQTTTopicPrefix)
	bridge.SetDispatcher(disp)

	registerComponents(disp, flowCtl, bridge, state, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, shutting down", sig)
		cancel()
	}()

	group := supervisor.New(state,
		supervisor.Spec{Name: "serial-link", Run: serialLinkTask(xport, hsManager, cfg)},
		supervisor.Spec{Name: "mqtt-link", Run: bridge.Run},
		supervisor.Spec{Name: "status-writer", Run: statusWriterTask(state, cfg.StatusInterval)},
	)

	if err := group.Run(ctx); err != nil {
		log.Fatalf("mcubridged: %v", err)
	}
	log.Printf("mcubridged: stopped")
}

// registerComponents builds and binds the seven MQTT-area component
// handlers (spec.md §4, SPEC_FULL.md component inventory).
func registerComponents(disp *dispatch.Dispatcher, sender components.Sender, pub dispatch.Publisher, state *runtimestate.State, cfg config.Config) {
	prefix := cfg.MQTTTopicPrefix

	pin := components.NewPin(sender, pub, prefix)
	disp.Register(pin, "d", uint16(proto.CmdDigitalWrite), uint16(proto.CmdSetPinMode), uint16(proto.CmdDigitalRead))
	disp.Register(pin, "a", uint16(proto.CmdAnalogWrite), uint16(proto.CmdAnalogRead))

	// Passed as the literal nil interface value when unconfigured, rather
	// than a nil *goredis.Client stored in the redisBacking interface
	// parameter — the latter produces a non-nil interface wrapping a nil
	// pointer, which would make every datastore.redis != nil check true.
	var datastore *components.Datastore
	if cfg.RedisAddr != "" {
		redisClient := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPass, DB: cfg.RedisDB})
		datastore = components.NewDatastore(sender, pub, state, prefix, redisClient)
	} else {
		datastore = components.NewDatastore(sender, pub, state, prefix, nil)
	}
	disp.Register(datastore, "datastore", uint16(proto.CmdDatastorePut), uint16(proto.CmdDatastoreGet))

	console := components.NewConsole(sender, pub, state.Console, prefix)
	disp.Register(console, "console", uint16(proto.CmdConsoleWrite))

	mailbox := components.NewMailbox(sender, pub, state.Mailbox, prefix)
	disp.Register(mailbox, "mailbox", uint16(proto.CmdMailboxWrite), uint16(proto.CmdMailboxRead), uint16(proto.CmdMailboxAvailable))

	file := components.NewFile(sender, pub, state, cfg.FileSystemRoot, cfg.FileWriteMaxBytes, cfg.FileStorageQuotaBytes, cfg.AllowNonTmpPaths, prefix)
	disp.Register(file, "file", uint16(proto.CmdFileWrite), uint16(proto.CmdFileRead), uint16(proto.CmdFileRemove))

	process := components.NewProcess(sender, pub, prefix, cfg.ProcessTimeout, cfg.ProcessMaxConcurrent, cfg.ProcessMaxOutputBytes)
	disp.Register(process, "shell", uint16(proto.CmdProcessRun), uint16(proto.CmdProcessRunAsync), uint16(proto.CmdProcessPoll), uint16(proto.CmdProcessKill))

	system := components.NewSystem(state, pub, prefix)
	disp.Register(system, "system")
}

// serialLinkTask opens the transport and keeps the handshake synchronized,
// re-running it after every link reset/reopen until ctx is cancelled
// (spec.md §4.6 "rekey on reconnect").
func serialLinkTask(xport *transport.Transport, hs *handshake.Manager, cfg config.Config) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := xport.Open(); err != nil {
			return err
		}
		defer xport.Close()

		if cfg.SerialBaud != cfg.SerialSafeBaud {
			negCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := xport.NegotiateBaud(negCtx, cfg.SerialBaud, cfg.SerialRetryTimeout, cfg.SerialRetryAttempts)
			cancel()
			if err != nil {
				log.Printf("serial-link: baud negotiation failed, staying at safe baud: %v", err)
			}
		}

		ticker := time.NewTicker(cfg.BridgeHandshakeInterval)
		defer ticker.Stop()

		if err := hs.Synchronize(ctx); err != nil {
			return wrapHandshakeErr(err)
		}

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := hs.Synchronize(ctx); err != nil {
					return wrapHandshakeErr(err)
				}
			}
		}
	}
}

// wrapHandshakeErr promotes a *handshake.Fatal to *supervisor.Fatal so the
// supervisor stops restarting this task and shuts the daemon down instead
// (spec.md §4.6 "Failure policy" / §4.10 "Exceptions declared fatal").
func wrapHandshakeErr(err error) error {
	var hf *handshake.Fatal
	if errors.As(err, &hf) {
		return &supervisor.Fatal{Err: err}
	}
	return err
}

// statusWriterTask periodically logs a runtime-state snapshot, the Go
// analogue of the teacher's status-file writer (spec.md §4.10 task list).
func statusWriterTask(state *runtimestate.State, interval time.Duration) func(context.Context) error {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return func(ctx context.Context) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				snap := state.TakeSnapshot()
				log.Printf("status: synchronized=%t handshake(attempts=%d successes=%d failures=%d fatal=%d) "+
					"serial_decode_errors=%d crc_errors=%d mqtt_queue_drops=%d",
					snap.LinkSynchronized, snap.HandshakeAttempts, snap.HandshakeSuccesses, snap.HandshakeFailures, snap.HandshakeFatal,
					snap.SerialDecodeErrors, snap.CRCErrors, snap.MQTTQueueDrops)
			}
		}
	}
}
