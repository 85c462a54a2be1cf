package components

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/librescoot/mcubridge/pkg/dispatch"
	"github.com/librescoot/mcubridge/pkg/flow"
	"github.com/librescoot/mcubridge/pkg/proto"
	"github.com/librescoot/mcubridge/pkg/runtimestate"
)

// redisBacking is the subset of *redis.Client the datastore component
// needs, so tests can substitute a fake without a live server.
type redisBacking interface {
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HGet(ctx context.Context, key, field string) *redis.StringCmd
}

// Datastore implements the key→value put/get component (spec.md §3,
// SPEC_FULL.md: "optionally mirrored to Redis for durability across daemon
// restarts" — the teacher's `pkg/redis/client.go` WriteString/GetString
// shape, repurposed here as an HSet/HGet-backed mirror rather than the
// teacher's original state-sync role).
type Datastore struct {
	sender Sender
	pub    dispatch.Publisher
	state  *runtimestate.State
	prefix string
	redis  redisBacking // nil if no durable backing store is configured
}

const datastoreRedisKey = "mcubridge:datastore"

// NewDatastore returns a Datastore component. redisClient may be nil to run
// with the in-memory cache only.
func NewDatastore(sender Sender, pub dispatch.Publisher, state *runtimestate.State, prefix string, redisClient redisBacking) *Datastore {
	return &Datastore{sender: sender, pub: pub, state: state, prefix: prefix, redis: redisClient}
}

func (d *Datastore) Name() string { return "datastore" }

func (d *Datastore) HandleMCU(commandID uint16, payload []byte) error {
	return ErrUnexpectedFrame
}

func (d *Datastore) HandleMQTT(route dispatch.Route, payload []byte, reply dispatch.ReplyContext) error {
	if len(route.Segments) < 2 {
		return fmt.Errorf("datastore: topic too short: %v", route.Segments)
	}
	action, key := route.Segments[0], route.Segments[1]

	switch action {
	case "put":
		return d.put(key, payload)
	case "get":
		return d.get(key, route, reply)
	default:
		return fmt.Errorf("datastore: unknown action %q", action)
	}
}

func (d *Datastore) put(key string, value []byte) error {
	d.state.DatastorePut(key, string(value))
	if d.redis != nil {
		ctx, cancel := withTimeout()
		defer cancel()
		if err := d.redis.HSet(ctx, datastoreRedisKey, key, string(value)).Err(); err != nil {
			return fmt.Errorf("datastore: redis mirror failed: %w", err)
		}
	}

	frame := make([]byte, 0, 2+len(key)+1+len(value))
	frame = append(frame, byte(len(key)))
	frame = append(frame, key...)
	frame = append(frame, value...)

	ctx, cancel := withTimeout()
	defer cancel()
	_, err := d.sender.Send(ctx, uint16(proto.CmdDatastorePut), frame, flow.Options{})
	return err
}

func (d *Datastore) get(key string, route dispatch.Route, reply dispatch.ReplyContext) error {
	if cached, ok := d.state.DatastoreGet(key); ok {
		d.publishValue(key, []byte(cached), reply)
		return nil
	}
	if d.redis != nil {
		ctx, cancel := withTimeout()
		defer cancel()
		if v, err := d.redis.HGet(ctx, datastoreRedisKey, key).Result(); err == nil {
			d.state.DatastorePut(key, v)
			d.publishValue(key, []byte(v), reply)
			return nil
		}
	}

	payload := make([]byte, 0, 1+len(key))
	payload = append(payload, byte(len(key)))
	payload = append(payload, key...)

	ctx, cancel := withTimeout()
	defer cancel()
	resp, err := d.sender.Send(ctx, uint16(proto.CmdDatastoreGet), payload, flow.Options{})
	if err != nil {
		return err
	}
	d.state.DatastorePut(key, string(resp))
	d.publishValue(key, resp, reply)
	return nil
}

func (d *Datastore) publishValue(key string, value []byte, reply dispatch.ReplyContext) {
	topic := replyTopic(reply, fmt.Sprintf("%s/datastore/get/%s/value", d.prefix, key))
	publish(d.pub, topic, value, reply)
}
