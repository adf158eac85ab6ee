// Package anthropic calls the Anthropic Messages API on behalf of a gated request.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	internalsettings "github.com/linkedai/assist-backend/internal/settings"
)

const (
	DefaultBaseURL   = "https://api.anthropic.com"
	APIVersion       = "2023-06-01"
	defaultMaxTokens = 1024
	maxErrorBody     = 4 << 10
)

// ErrUnknownModel indicates a client model id with no upstream mapping.
var ErrUnknownModel = errors.New("anthropic: unknown model")

var upstreamModels = map[string]string{
	internalsettings.ModelHaiku:  "claude-3-5-haiku-latest",
	internalsettings.ModelSonnet: "claude-3-7-sonnet-latest",
}

// UpstreamModel maps a client-facing model id to the Anthropic model name.
func UpstreamModel(model string) (string, bool) {
	name, ok := upstreamModels[strings.TrimSpace(model)]
	return name, ok
}

// Request is one single-turn analysis request.
type Request struct {
	Model        string
	Text         string
	SystemPrompt string
	MaxTokens    int
}

type messagesRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system,omitempty"`
	Messages  []message `json:"messages"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// UpstreamError is a non-2xx response from the Messages API.
type UpstreamError struct {
	StatusCode int
	Message    string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("anthropic: status %d: %s", e.StatusCode, e.Message)
}

// Client is a minimal Messages API client.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient constructs a Client. A nil httpClient gets one with timeout.
func NewClient(baseURL string, timeout time.Duration, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{baseURL: baseURL, httpClient: httpClient}
}

// Messages sends req with apiKey and returns the raw response body.
func (c *Client) Messages(ctx context.Context, apiKey string, req Request) (json.RawMessage, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("anthropic: empty api key")
	}
	upstream, ok := UpstreamModel(req.Model)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, req.Model)
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	body, errMarshal := json.Marshal(messagesRequest{
		Model:     upstream,
		MaxTokens: maxTokens,
		System:    req.SystemPrompt,
		Messages:  []message{{Role: "user", Content: req.Text}},
	})
	if errMarshal != nil {
		return nil, fmt.Errorf("anthropic: encode request: %w", errMarshal)
	}

	httpReq, errReq := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if errReq != nil {
		return nil, fmt.Errorf("anthropic: build request: %w", errReq)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", apiKey)
	httpReq.Header.Set("anthropic-version", APIVersion)

	resp, errDo := c.httpClient.Do(httpReq)
	if errDo != nil {
		return nil, fmt.Errorf("anthropic: request: %w", errDo)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Message: errorMessage(raw, resp.Status)}
	}
	raw, errRead := io.ReadAll(resp.Body)
	if errRead != nil {
		return nil, fmt.Errorf("anthropic: read response: %w", errRead)
	}
	if !json.Valid(raw) {
		return nil, errors.New("anthropic: response is not json")
	}
	return json.RawMessage(raw), nil
}

func errorMessage(raw []byte, fallback string) string {
	var payload struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(raw, &payload) == nil && payload.Error.Message != "" {
		return payload.Error.Message
	}
	return fallback
}
