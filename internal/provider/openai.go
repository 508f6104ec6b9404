package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	openaiDefaultBaseURL = "https://api.openai.com/v1"
	openaiTimeout        = 60 * time.Second

	// maxResponseSize bounds upstream bodies read into memory.
	maxResponseSize = 5 * 1024 * 1024
)

// OpenAI calls the OpenAI chat completions API.
type OpenAI struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewOpenAI creates an OpenAI client. An empty baseURL uses the public
// API endpoint.
func NewOpenAI(apiKey, baseURL string) *OpenAI {
	if baseURL == "" {
		baseURL = openaiDefaultBaseURL
	}
	return &OpenAI{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{Timeout: openaiTimeout},
	}
}

// WithTimeout overrides the default request timeout. Zero keeps the
// default.
func (p *OpenAI) WithTimeout(d time.Duration) *OpenAI {
	if d > 0 {
		p.client.Timeout = d
	}
	return p
}

func (p *OpenAI) Name() string { return "openai" }

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	MaxTokens   *int64          `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
}

type openaiResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (p *OpenAI) Complete(ctx context.Context, req *Request) (*Response, error) {
	payload := openaiRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	for _, m := range req.Messages {
		payload.Messages = append(payload.Messages, openaiMessage{Role: m.Role, Content: m.Content})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var parsed openaiResponse
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
	if len(parsed.Choices) == 0 {
		return nil, ErrEmptyResponse
	}

	return &Response{
		Content:      parsed.Choices[0].Message.Content,
		FinishReason: parsed.Choices[0].FinishReason,
		InputTokens:  parsed.Usage.PromptTokens,
		OutputTokens: parsed.Usage.CompletionTokens,
	}, nil
}

var _ Provider = (*OpenAI)(nil)
