package spool

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/librescoot/mcubridge/pkg/runtimestate"
)

func TestPutPopRoundTripPreservesOrder(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := s.Put(runtimestate.PublishMessage{Topic: "a", Payload: []byte("1")}); err != nil {
		t.Fatalf("Put a: %v", err)
	}
	if err := s.Put(runtimestate.PublishMessage{Topic: "b", Payload: []byte("2")}); err != nil {
		t.Fatalf("Put b: %v", err)
	}
	if s.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", s.Len())
	}

	first, ok := s.Pop()
	if !ok || first.Topic != "a" {
		t.Fatalf("Pop() = (%+v, %v), want (Topic:a, true)", first, ok)
	}
	second, ok := s.Pop()
	if !ok || second.Topic != "b" {
		t.Fatalf("Pop() = (%+v, %v), want (Topic:b, true)", second, ok)
	}
	if s.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 after draining", s.Len())
	}
}

func TestPopOnEmptySpoolReturnsFalse(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, ok := s.Pop(); ok {
		t.Fatal("Pop on an empty spool should report ok=false")
	}
}

func TestPopSkipsAndRemovesCorruptFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	// A corrupt file sorts before a well-formed one by virtue of its name.
	corrupt := filepath.Join(dir, "00000000000000000001-0000000001.cbor")
	if err := os.WriteFile(corrupt, []byte("not valid cbor"), 0o644); err != nil {
		t.Fatalf("seed corrupt file: %v", err)
	}
	if err := s.Put(runtimestate.PublishMessage{Topic: "good", Payload: []byte("ok")}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	msg, ok := s.Pop()
	if !ok || msg.Topic != "good" {
		t.Fatalf("Pop() = (%+v, %v), want the corrupt file skipped and the good one returned", msg, ok)
	}
	if _, err := os.Stat(corrupt); !os.IsNotExist(err) {
		t.Fatal("expected the corrupt file to be removed by Pop")
	}
}

func TestPutUsesAtomicRenameLeavingNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Put(runtimestate.PublishMessage{Topic: "a", Payload: []byte("1")}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".tmp" {
			t.Fatalf("expected no leftover .tmp files, found %s", e.Name())
		}
	}
}
