package telemetry

import (
	"strings"
	"time"
)

// Tracker emits the API_Call event family for one endpoint invocation.
type Tracker struct {
	sink   Sink
	source string
	nowFn  func() time.Time
}

// NewTracker constructs a Tracker. A nil sink drops events.
func NewTracker(sink Sink, source string, nowFn func() time.Time) *Tracker {
	if sink == nil {
		sink = NoopSink{}
	}
	if strings.TrimSpace(source) == "" {
		source = SourceServer
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Tracker{sink: sink, source: source, nowFn: nowFn}
}

// Call is an in-flight tracked invocation.
type Call struct {
	tracker    *Tracker
	endpoint   string
	distinctID string
	started    time.Time
}

// Capture sends a single event with the source property attached.
func (t *Tracker) Capture(distinctID, event string, properties map[string]any) {
	if t == nil {
		return
	}
	if strings.TrimSpace(distinctID) == "" {
		distinctID = DefaultDistinctID
	}
	props := make(map[string]any, len(properties)+1)
	for k, v := range properties {
		props[k] = v
	}
	props["source"] = t.source
	t.sink.Capture(distinctID, event, props)
}

// Start records API_Call and returns a handle for the outcome.
func (t *Tracker) Start(distinctID, endpoint string, details map[string]any) *Call {
	if t == nil {
		return nil
	}
	props := map[string]any{"endpoint": endpoint}
	for k, v := range details {
		props[k] = v
	}
	t.Capture(distinctID, EventAPICall, props)
	return &Call{tracker: t, endpoint: endpoint, distinctID: distinctID, started: t.nowFn()}
}

// Identify attributes later outcome events to userID.
func (c *Call) Identify(userID string) {
	if c == nil || strings.TrimSpace(userID) == "" {
		return
	}
	c.distinctID = userID
}

// Success records API_Call_Success with the elapsed time.
func (c *Call) Success(details map[string]any) {
	if c == nil {
		return
	}
	props := c.props(details)
	c.tracker.Capture(c.distinctID, EventAPICallSuccess, props)
}

// Failure records API_Call_Failure with a client-safe reason.
func (c *Call) Failure(reason string, details map[string]any) {
	if c == nil {
		return
	}
	props := c.props(details)
	props["error"] = reason
	c.tracker.Capture(c.distinctID, EventAPICallFailure, props)
}

func (c *Call) props(details map[string]any) map[string]any {
	props := map[string]any{
		"endpoint":         c.endpoint,
		"response_time_ms": c.tracker.nowFn().Sub(c.started).Milliseconds(),
	}
	for k, v := range details {
		props[k] = v
	}
	return props
}
