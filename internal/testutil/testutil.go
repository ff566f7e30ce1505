// Package testutil provides testing utilities for sluice tests.
package testutil

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Iron-Ham/sluice/internal/event"
)

// DefaultWait bounds WaitFor.
const DefaultWait = 5 * time.Second

// WaitFor polls cond until it returns true, failing the test after
// DefaultWait. what names the awaited condition in the failure message.
func WaitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(DefaultWait)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// WriteFile creates path, and any missing parent directories, holding
// content.
func WriteFile(t *testing.T, path, content string) string {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("failed to create %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
	return path
}

// EventLog records every event published on a bus.
type EventLog struct {
	mu     sync.Mutex
	events []event.Event
}

// RecordEvents subscribes a new EventLog to bus for the rest of the test.
func RecordEvents(t *testing.T, bus *event.Bus) *EventLog {
	t.Helper()
	l := &EventLog{}
	id := bus.SubscribeAll(func(e event.Event) {
		l.mu.Lock()
		l.events = append(l.events, e)
		l.mu.Unlock()
	})
	t.Cleanup(func() { bus.Unsubscribe(id) })
	return l
}

// Count returns the number of recorded events of eventType.
func (l *EventLog) Count(eventType string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.EventType() == eventType {
			n++
		}
	}
	return n
}

// Events returns a copy of the recorded events in publish order.
func (l *EventLog) Events() []event.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]event.Event(nil), l.events...)
}
