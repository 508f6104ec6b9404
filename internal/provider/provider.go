// Package provider contains the upstream AI clients the gateway meters.
//
// Each client normalizes its provider's wire format into one Request /
// Response pair so the gateway can price and settle without caring which
// upstream served the call. Token counts come from the provider's own
// usage block, never from local estimation.
package provider

import (
	"context"
	"errors"
	"fmt"
)

// Errors
var (
	ErrNotConfigured = errors.New("provider: no API key configured")
	ErrUnknown       = errors.New("provider: unknown provider")
	ErrCircuitOpen   = errors.New("provider: circuit open, request rejected")
	ErrEmptyResponse = errors.New("provider: upstream returned no choices")
)

// Message is one chat turn.
type Message struct {
	Role    string
	Content string
}

// Request is a normalized chat completion call.
type Request struct {
	Model       string
	Messages    []Message
	MaxTokens   *int64
	Temperature *float64
}

// Response is a normalized completion with the provider's own token
// accounting.
type Response struct {
	Content      string
	FinishReason string
	InputTokens  int64
	OutputTokens int64
}

// Provider is one upstream AI service.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req *Request) (*Response, error)
}

// APIError is a non-2xx upstream response.
type APIError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider: %s returned HTTP %d: %s", e.Provider, e.StatusCode, e.Message)
}

// Retriable reports whether the failure is the upstream's fault rather
// than the request's. The circuit breaker only counts these.
func (e *APIError) Retriable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}
