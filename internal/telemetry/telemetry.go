// Package telemetry captures best-effort product analytics events.
package telemetry

import (
	"errors"
	"strings"
	"time"

	"github.com/posthog/posthog-go"
	log "github.com/sirupsen/logrus"
)

const (
	EventAPICall        = "API_Call"
	EventAPICallSuccess = "API_Call_Success"
	EventAPICallFailure = "API_Call_Failure"
	EventGateDecision   = "Gate_Decision"

	// DefaultDistinctID is used when the caller is not yet identified.
	DefaultDistinctID = "anonymous_server"
	// SourceServer tags events emitted by this backend.
	SourceServer = "assist_backend"
)

// Sink accepts analytics events. Implementations must not block the caller.
type Sink interface {
	Capture(distinctID, event string, properties map[string]any)
}

// NoopSink drops every event.
type NoopSink struct{}

// Capture implements Sink.
func (NoopSink) Capture(string, string, map[string]any) {}

// PostHogSink forwards events to PostHog through the batching client.
type PostHogSink struct {
	client posthog.Client
}

// NewPostHogSink builds a sink for apiKey. host may be empty for the default cloud endpoint.
func NewPostHogSink(apiKey, host string) (*PostHogSink, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("telemetry: posthog api key is empty")
	}
	client, err := posthog.NewWithConfig(apiKey, posthog.Config{Endpoint: strings.TrimSpace(host)})
	if err != nil {
		return nil, err
	}
	return &PostHogSink{client: client}, nil
}

// Capture implements Sink.
func (s *PostHogSink) Capture(distinctID, event string, properties map[string]any) {
	if s == nil || s.client == nil {
		return
	}
	props := posthog.NewProperties()
	for k, v := range properties {
		props.Set(k, v)
	}
	if errEnqueue := s.client.Enqueue(posthog.Capture{
		DistinctId: distinctID,
		Event:      event,
		Timestamp:  time.Now().UTC(),
		Properties: props,
	}); errEnqueue != nil {
		log.WithError(errEnqueue).WithField("event", event).Warn("telemetry: enqueue failed")
	}
}

// Close flushes buffered events.
func (s *PostHogSink) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
