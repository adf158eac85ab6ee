package telemetry

import (
	"sync"
	"testing"
	"time"
)

type captured struct {
	distinctID string
	event      string
	props      map[string]any
}

type recordingSink struct {
	mu     sync.Mutex
	events []captured
}

func (r *recordingSink) Capture(distinctID, event string, props map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, captured{distinctID: distinctID, event: event, props: props})
}

func TestTrackerSuccessFlow(t *testing.T) {
	sink := &recordingSink{}
	now := time.Date(2025, 4, 15, 12, 0, 0, 0, time.UTC)
	tracker := NewTracker(sink, "", func() time.Time { return now })

	call := tracker.Start("", "/api/anthropic/analyze", map[string]any{"model": "haiku-3.5"})
	now = now.Add(1500 * time.Millisecond)
	call.Identify("user-1")
	call.Success(map[string]any{"admitted": true})

	if len(sink.events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(sink.events))
	}
	start, done := sink.events[0], sink.events[1]
	if start.event != EventAPICall || start.distinctID != DefaultDistinctID {
		t.Fatalf("unexpected start event %+v", start)
	}
	if start.props["model"] != "haiku-3.5" || start.props["source"] != SourceServer {
		t.Fatalf("unexpected start props %+v", start.props)
	}
	if done.event != EventAPICallSuccess || done.distinctID != "user-1" {
		t.Fatalf("unexpected success event %+v", done)
	}
	if done.props["response_time_ms"] != int64(1500) {
		t.Fatalf("expected response_time_ms=1500, got %v", done.props["response_time_ms"])
	}
}

func TestTrackerFailure(t *testing.T) {
	sink := &recordingSink{}
	tracker := NewTracker(sink, "test", nil)
	tracker.Start("user-2", "/api/usage", nil).Failure("quota exceeded", nil)

	last := sink.events[len(sink.events)-1]
	if last.event != EventAPICallFailure || last.props["error"] != "quota exceeded" || last.props["source"] != "test" {
		t.Fatalf("unexpected failure event %+v", last)
	}
}

func TestNilTrackerIsSafe(t *testing.T) {
	var tracker *Tracker
	call := tracker.Start("user", "/x", nil)
	call.Success(nil)
	call.Failure("x", nil)
}

func TestNewPostHogSinkRequiresKey(t *testing.T) {
	if _, err := NewPostHogSink(" ", ""); err == nil {
		t.Fatalf("expected error for empty api key")
	}
}
