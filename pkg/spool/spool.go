// Package spool implements the durable on-disk MQTT publish spool
// (spec.md §6 "Persisted state layout"): one file per queued message,
// timestamp-sorted, atomic-rename writer, delete-on-successful-pop reader,
// corrupt files logged and removed.
package spool

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/librescoot/mcubridge/pkg/runtimestate"
)

// record is the on-disk CBOR encoding of one spooled publish message,
// mirroring the teacher's pkg/service/helpers.go CBOR-over-serial
// marshalling (pkg/spool here is CBOR-over-disk instead).
type record struct {
	Topic      string            `cbor:"topic"`
	Payload    []byte            `cbor:"payload"`
	QoS        byte              `cbor:"qos"`
	Retain     bool              `cbor:"retain"`
	Properties map[string]string `cbor:"properties"`
}

// Spool is a single-writer directory of pending MQTT publishes.
type Spool struct {
	dir     string
	mu      sync.Mutex
	counter uint64
}

// Open ensures dir exists and returns a Spool rooted there.
func Open(dir string) (*Spool, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("spool: mkdir %s: %w", dir, err)
	}
	return &Spool{dir: dir}, nil
}

// Put durably writes msg, using a temp file + atomic rename so a crash
// mid-write never leaves a partially-written entry visible to Pop/List.
func (s *Spool) Put(msg runtimestate.PublishMessage) error {
	rec := record{Topic: msg.Topic, Payload: msg.Payload, QoS: msg.QoS, Retain: msg.Retain, Properties: msg.Properties}
	data, err := cbor.Marshal(rec)
	if err != nil {
		return fmt.Errorf("spool: encode: %w", err)
	}

	seq := atomic.AddUint64(&s.counter, 1)
	name := fmt.Sprintf("%020d-%010d.cbor", time.Now().UnixNano(), seq)
	final := filepath.Join(s.dir, name)
	tmp := final + ".tmp"

	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("spool: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("spool: rename %s: %w", tmp, err)
	}
	return nil
}

// List returns the spooled file names in timestamp order (oldest first).
func (s *Spool) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("spool: readdir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Pop reads and removes the oldest spooled message. ok is false if the
// spool is empty. A corrupt file is logged and removed rather than
// returned as an error, so draining continues past it.
func (s *Spool) Pop() (runtimestate.PublishMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	names, err := s.List()
	if err != nil {
		log.Printf("spool: list failed: %v", err)
		return runtimestate.PublishMessage{}, false
	}

	for _, name := range names {
		path := filepath.Join(s.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			log.Printf("spool: read %s failed: %v", path, err)
			os.Remove(path)
			continue
		}
		var rec record
		if err := cbor.Unmarshal(data, &rec); err != nil {
			log.Printf("spool: corrupt file %s removed: %v", path, err)
			os.Remove(path)
			continue
		}
		os.Remove(path)
		return runtimestate.PublishMessage{
			Topic:      rec.Topic,
			Payload:    rec.Payload,
			QoS:        rec.QoS,
			Retain:     rec.Retain,
			Properties: rec.Properties,
		}, true
	}
	return runtimestate.PublishMessage{}, false
}

// Len reports how many messages are currently spooled.
func (s *Spool) Len() int {
	names, err := s.List()
	if err != nil {
		return 0
	}
	return len(names)
}
