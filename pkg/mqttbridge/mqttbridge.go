// Package mqttbridge implements the MQTT v5 client side of spec.md §4.9: a
// publisher loop that drains the publish queue (flushing the durable spool
// first), a subscriber loop forwarding inbound messages to the dispatcher,
// and exponential-backoff-with-jitter reconnection. Grounded on
// `other_examples/78e50012_alibo-simple-mqtt-network-lab`'s connection
// lifecycle shape, rebuilt against the v5-capable paho.golang/autopaho
// client since that lab's v3 client cannot carry MQTT v5 properties.
package mqttbridge

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log"
	"math/rand"
	"net/url"
	"os"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/librescoot/mcubridge/pkg/dispatch"
	"github.com/librescoot/mcubridge/pkg/runtimestate"
	"github.com/librescoot/mcubridge/pkg/spool"
)

// Dispatcher is the subset of *dispatch.Dispatcher the bridge forwards
// inbound application messages to.
type Dispatcher interface {
	DispatchMQTTMessage(msg dispatch.InboundMQTT)
}

// Config configures one Bridge.
type Config struct {
	Host       string
	Port       int
	ClientID   string
	Username   string
	Password   string
	TLS        bool
	CAFile     string
	CertFile   string
	KeyFile    string
	TopicPrefix string
	QueueLimit int
	SpoolDir   string

	ReconnectDelay time.Duration

	Subscriptions []string
}

// Bridge owns the MQTT v5 connection and the two drain loops spec.md §4.9
// describes.
type Bridge struct {
	cfg   Config
	state *runtimestate.State
	disp  Dispatcher
	spool *spool.Spool

	cm *autopaho.ConnectionManager
}

// New wires a Bridge against state's publish queue. dsp may be nil at
// construction time and supplied later via SetDispatcher — the dispatcher
// and the bridge depend on each other (the dispatcher needs a Publisher,
// the bridge needs a Dispatcher), so callers typically construct the
// bridge first, pass it as the dispatcher's Publisher, then close the loop
// with SetDispatcher. The durable spool directory is opened eagerly so a
// crash before the first connection still has somewhere to persist queue
// overflow.
func New(cfg Config, state *runtimestate.State, dsp Dispatcher) (*Bridge, error) {
	sp, err := spool.Open(cfg.SpoolDir)
	if err != nil {
		return nil, fmt.Errorf("mqttbridge: open spool: %w", err)
	}
	return &Bridge{cfg: cfg, state: state, disp: dsp, spool: sp}, nil
}

// SetDispatcher wires the dispatcher in after construction, breaking the
// bridge/dispatcher construction cycle (see New).
func (b *Bridge) SetDispatcher(d Dispatcher) {
	b.disp = d
}

// Run is a supervisor.Spec-shaped entry point: connects, runs both loops,
// and blocks until ctx is cancelled or the connection manager reports a
// non-recoverable error.
func (b *Bridge) Run(ctx context.Context) error {
	u, err := url.Parse(fmt.Sprintf("mqtt://%s:%d", b.cfg.Host, b.cfg.Port))
	if err != nil {
		return fmt.Errorf("mqttbridge: broker url: %w", err)
	}

	clientCfg := autopaho.ClientConfig{
		ServerUrls:        []*url.URL{u},
		KeepAlive:         30,
		ConnectRetryDelay: b.reconnectDelay(),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			b.onConnectionUp(ctx, cm)
		},
		OnConnectError: func(err error) {
			log.Printf("mqttbridge: connect error: %v", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: b.cfg.ClientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				b.onPublishReceived,
			},
			OnClientError: func(err error) {
				log.Printf("mqttbridge: client error: %v", err)
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				log.Printf("mqttbridge: server disconnect, reason %d", d.ReasonCode)
			},
		},
	}
	if b.cfg.Username != "" {
		clientCfg.ConnectUsername = b.cfg.Username
		clientCfg.ConnectPassword = []byte(b.cfg.Password)
	}
	if b.cfg.TLS {
		tlsCfg, err := b.tlsConfig()
		if err != nil {
			return fmt.Errorf("mqttbridge: tls config: %w", err)
		}
		u.Scheme = "mqtts"
		clientCfg.TlsCfg = tlsCfg
	}

	cm, err := autopaho.NewConnection(ctx, clientCfg)
	if err != nil {
		return fmt.Errorf("mqttbridge: new connection: %w", err)
	}
	b.cm = cm

	if err := cm.AwaitConnection(ctx); err != nil {
		return fmt.Errorf("mqttbridge: await connection: %w", err)
	}

	b.publishLoop(ctx)
	return ctx.Err()
}

// tlsConfig builds a client TLS config from the configured CA/cert/key
// files (spec.md §6 mqtt.{certfile,keyfile}).
func (b *Bridge) tlsConfig() (*tls.Config, error) {
	cfg := &tls.Config{}
	if b.cfg.CAFile != "" {
		pem, err := os.ReadFile(b.cfg.CAFile)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", b.cfg.CAFile)
		}
		cfg.RootCAs = pool
	}
	if b.cfg.CertFile != "" && b.cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(b.cfg.CertFile, b.cfg.KeyFile)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// reconnectDelay jitters the configured base delay (spec.md §4.9
// "exponential backoff with a small random jitter" — the exponential part
// is autopaho's own retry-backoff behavior around this base).
func (b *Bridge) reconnectDelay() time.Duration {
	base := b.cfg.ReconnectDelay
	if base <= 0 {
		base = 2 * time.Second
	}
	return jitter(base)
}

// onConnectionUp (re)subscribes to the configured command topic set every
// time the connection comes up, including after a reconnect — paho.golang
// does not remember subscriptions across a dropped session by itself.
func (b *Bridge) onConnectionUp(ctx context.Context, cm *autopaho.ConnectionManager) {
	log.Printf("mqttbridge: connected to %s:%d", b.cfg.Host, b.cfg.Port)

	subs := make([]paho.SubscribeOptions, 0, len(b.cfg.Subscriptions))
	for _, topic := range b.cfg.Subscriptions {
		subs = append(subs, paho.SubscribeOptions{Topic: topic, QoS: 1})
	}
	if len(subs) == 0 {
		subs = append(subs, paho.SubscribeOptions{Topic: b.cfg.TopicPrefix + "/#", QoS: 1})
	}

	sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := cm.Subscribe(sctx, &paho.Subscribe{Subscriptions: subs}); err != nil {
		log.Printf("mqttbridge: subscribe failed: %v", err)
	}

	b.drainSpool(ctx)
}

// onPublishReceived forwards one inbound application message to the
// dispatcher (spec.md §4.7 "DispatchMQTTMessage entry point").
func (b *Bridge) onPublishReceived(pr paho.PublishReceived) (bool, error) {
	msg := dispatch.InboundMQTT{
		Topic:   pr.Packet.Topic,
		Payload: pr.Packet.Payload,
	}
	if pr.Packet.Properties != nil {
		if pr.Packet.Properties.ResponseTopic != "" {
			msg.ResponseTopic = pr.Packet.Properties.ResponseTopic
		}
		if len(pr.Packet.Properties.CorrelationData) > 0 {
			msg.CorrelationData = pr.Packet.Properties.CorrelationData
		}
	}
	if b.disp != nil {
		b.disp.DispatchMQTTMessage(msg)
	}
	return true, nil
}

// Publish implements dispatch.Publisher: components and the dispatcher
// enqueue here rather than writing to the wire directly. A full queue
// spools msg straight to disk instead of calling Enqueue, which would
// otherwise silently evict the oldest still-live message to make room.
func (b *Bridge) Publish(msg runtimestate.PublishMessage) {
	if b.state.Publish.Len() >= b.state.Publish.Cap() {
		b.state.IncMQTTQueueDrops()
		if err := b.spool.Put(msg); err != nil {
			log.Printf("mqttbridge: spool overflowed message for %q: %v", msg.Topic, err)
		}
		return
	}
	b.state.Publish.Enqueue(msg)
}

// publishLoop drains state.Publish (and, opportunistically, the spool)
// until ctx is cancelled (spec.md §4.9 "runs a publisher loop that drains
// the publish queue").
func (b *Bridge) publishLoop(ctx context.Context) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.drainQueue(ctx)
		}
	}
}

func (b *Bridge) drainQueue(ctx context.Context) {
	for {
		msg, ok := b.state.Publish.Dequeue()
		if !ok {
			return
		}
		if !b.send(ctx, msg) {
			// Requeue if there's room, otherwise spool — spec.md §4.9's
			// explicit fallback chain on publish failure.
			if b.state.Publish.Len() < b.state.Publish.Cap() {
				b.state.Publish.Enqueue(msg)
			} else {
				b.state.IncMQTTQueueDrops()
				if err := b.spool.Put(msg); err != nil {
					log.Printf("mqttbridge: requeue-spool failed for %q: %v", msg.Topic, err)
				}
			}
			return
		}
	}
}

// drainSpool flushes the durable spool into the live connection before the
// live publish loop resumes, per spec.md §4.9 "flushing the durable spool
// first".
func (b *Bridge) drainSpool(ctx context.Context) {
	for {
		msg, ok := b.spool.Pop()
		if !ok {
			return
		}
		if !b.send(ctx, msg) {
			// Couldn't publish even the spooled message; put it back and
			// stop for now, the next reconnect will retry from here.
			_ = b.spool.Put(msg)
			return
		}
	}
}

func (b *Bridge) send(ctx context.Context, msg runtimestate.PublishMessage) bool {
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	props := &paho.PublishProperties{}
	for k, v := range msg.Properties {
		switch k {
		case "correlation_data":
			props.CorrelationData = []byte(v)
		default:
			props.User.Add(k, v)
		}
	}

	qos := msg.QoS
	if qos > 1 {
		qos = 1
	}
	_, err := b.cm.Publish(pctx, &paho.Publish{
		Topic:      msg.Topic,
		QoS:        qos,
		Retain:     msg.Retain,
		Payload:    msg.Payload,
		Properties: props,
	})
	if err != nil {
		log.Printf("mqttbridge: publish to %q failed: %v", msg.Topic, err)
		return false
	}
	return true
}

// jitter adds up to ±25% random spread to d, avoiding a reconnect thundering
// herd across many bridges restarting at once (spec.md §4.9 "small random
// jitter").
func jitter(d time.Duration) time.Duration {
	spread := float64(d) * 0.25
	delta := (rand.Float64()*2 - 1) * spread
	return d + time.Duration(delta)
}
