package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	anthropicDefaultBaseURL = "https://api.anthropic.com/v1"
	anthropicVersion        = "2023-06-01"

	// Anthropic calls run long; give them twice the OpenAI budget.
	anthropicTimeout = 120 * time.Second

	// anthropicDefaultMaxTokens fills the required max_tokens field when
	// the caller sets no cap.
	anthropicDefaultMaxTokens = 1024
)

// Anthropic calls the Anthropic messages API.
type Anthropic struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewAnthropic creates an Anthropic client. An empty baseURL uses the
// public API endpoint.
func NewAnthropic(apiKey, baseURL string) *Anthropic {
	if baseURL == "" {
		baseURL = anthropicDefaultBaseURL
	}
	return &Anthropic{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{Timeout: anthropicTimeout},
	}
}

// WithTimeout overrides the default request timeout. Zero keeps the
// default.
func (p *Anthropic) WithTimeout(d time.Duration) *Anthropic {
	if d > 0 {
		p.client.Timeout = d
	}
	return p
}

func (p *Anthropic) Name() string { return "anthropic" }

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int64              `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (p *Anthropic) Complete(ctx context.Context, req *Request) (*Response, error) {
	// The messages API takes system prompts as a top-level field, not as
	// chat turns.
	var system []string
	payload := anthropicRequest{
		Model:       req.Model,
		MaxTokens:   anthropicDefaultMaxTokens,
		Temperature: req.Temperature,
	}
	if req.MaxTokens != nil {
		payload.MaxTokens = *req.MaxTokens
	}
	for _, m := range req.Messages {
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		payload.Messages = append(payload.Messages, anthropicMessage{Role: m.Role, Content: m.Content})
	}
	payload.System = strings.Join(system, "\n")

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, &APIError{Provider: p.Name(), StatusCode: resp.StatusCode, Message: string(respBody)}
		}
		return nil, fmt.Errorf("parse response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		msg := "request failed"
		if parsed.Error != nil {
			msg = parsed.Error.Message
		}
		return nil, &APIError{Provider: p.Name(), StatusCode: resp.StatusCode, Message: msg}
	}

	var texts []string
	for _, block := range parsed.Content {
		if block.Type == "text" {
			texts = append(texts, block.Text)
		}
	}
	if len(texts) == 0 {
		return nil, ErrEmptyResponse
	}

	return &Response{
		Content:      strings.Join(texts, " "),
		FinishReason: normalizeStopReason(parsed.StopReason),
		InputTokens:  parsed.Usage.InputTokens,
		OutputTokens: parsed.Usage.OutputTokens,
	}, nil
}

// normalizeStopReason maps Anthropic stop reasons onto the OpenAI
// finish_reason vocabulary the gateway speaks.
func normalizeStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	default:
		return reason
	}
}

var _ Provider = (*Anthropic)(nil)
