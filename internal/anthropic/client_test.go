package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestMessagesSendsMappedModel(t *testing.T) {
	var got messagesRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "sk-test" || r.Header.Get("anthropic-version") != APIVersion {
			t.Errorf("unexpected headers %v", r.Header)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"id":"msg_1","content":[{"type":"text","text":"hi"}]}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, time.Second, nil)
	raw, err := client.Messages(context.Background(), "sk-test", Request{Model: "haiku-3.5", Text: "hello", SystemPrompt: "be brief"})
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if got.Model != "claude-3-5-haiku-latest" || got.System != "be brief" || got.MaxTokens != defaultMaxTokens {
		t.Fatalf("unexpected upstream request %+v", got)
	}
	if len(got.Messages) != 1 || got.Messages[0].Content != "hello" {
		t.Fatalf("unexpected messages %+v", got.Messages)
	}
	if !json.Valid(raw) {
		t.Fatalf("expected raw json, got %s", raw)
	}
}

func TestMessagesUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, time.Second, nil).Messages(context.Background(), "bad", Request{Model: "sonnet-3.7", Text: "x"})
	var upstreamErr *UpstreamError
	if !errors.As(err, &upstreamErr) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	if upstreamErr.StatusCode != http.StatusUnauthorized || upstreamErr.Message != "invalid x-api-key" {
		t.Fatalf("unexpected upstream error %+v", upstreamErr)
	}
}

func TestMessagesUnknownModel(t *testing.T) {
	_, err := NewClient("", 0, nil).Messages(context.Background(), "k", Request{Model: "gpt-4", Text: "x"})
	if !errors.Is(err, ErrUnknownModel) {
		t.Fatalf("expected ErrUnknownModel, got %v", err)
	}
}
