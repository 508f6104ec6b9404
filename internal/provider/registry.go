package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mbd888/spendgate/internal/circuitbreaker"
)

// Config holds platform-level provider credentials. An empty key leaves
// that provider unconfigured; requests for it fail with ErrNotConfigured
// unless the org supplies its own key. Zero timeouts keep each driver's
// default.
type Config struct {
	OpenAIKey        string
	OpenAIBaseURL    string
	OpenAITimeout    time.Duration
	AnthropicKey     string
	AnthropicBaseURL string
	AnthropicTimeout time.Duration
}

// Registry hands out provider clients by name. Platform clients are
// built lazily and cached; all clients returned by a registry share one
// circuit breaker keyed by provider name.
type Registry struct {
	cfg     Config
	breaker *circuitbreaker.Breaker

	mu      sync.Mutex
	clients map[string]Provider
}

// NewRegistry creates a registry. A nil breaker gets the default
// 5-failure / 30-second circuit.
func NewRegistry(cfg Config, breaker *circuitbreaker.Breaker) *Registry {
	if breaker == nil {
		breaker = circuitbreaker.New(5, 30*time.Second)
	}
	return &Registry{
		cfg:     cfg,
		breaker: breaker,
		clients: make(map[string]Provider),
	}
}

// Get returns the platform client for name. The mock provider is always
// available; openai and anthropic require a platform key.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.clients[name]; ok {
		return p, nil
	}

	var inner Provider
	switch name {
	case "openai":
		if r.cfg.OpenAIKey == "" {
			return nil, fmt.Errorf("%w: openai", ErrNotConfigured)
		}
		inner = NewOpenAI(r.cfg.OpenAIKey, r.cfg.OpenAIBaseURL).WithTimeout(r.cfg.OpenAITimeout)
	case "anthropic":
		if r.cfg.AnthropicKey == "" {
			return nil, fmt.Errorf("%w: anthropic", ErrNotConfigured)
		}
		inner = NewAnthropic(r.cfg.AnthropicKey, r.cfg.AnthropicBaseURL).WithTimeout(r.cfg.AnthropicTimeout)
	case "mock":
		inner = NewMock()
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknown, name)
	}

	p := &withBreaker{inner: inner, breaker: r.breaker}
	r.clients[name] = p
	return p, nil
}

// Ephemeral builds an uncached client around an org-supplied key. It
// shares the registry's circuit breaker, so a failing upstream trips
// for platform and org traffic alike.
func (r *Registry) Ephemeral(name, apiKey string) (Provider, error) {
	var inner Provider
	switch name {
	case "openai":
		inner = NewOpenAI(apiKey, r.cfg.OpenAIBaseURL).WithTimeout(r.cfg.OpenAITimeout)
	case "anthropic":
		inner = NewAnthropic(apiKey, r.cfg.AnthropicBaseURL).WithTimeout(r.cfg.AnthropicTimeout)
	case "mock":
		inner = NewMock()
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknown, name)
	}
	return &withBreaker{inner: inner, breaker: r.breaker}, nil
}

// withBreaker gates calls through the shared circuit breaker. Client
// errors (4xx other than 429) mean the upstream answered and leave the
// circuit closed; transport failures and retriable API errors count
// against it.
type withBreaker struct {
	inner   Provider
	breaker *circuitbreaker.Breaker
}

func (w *withBreaker) Name() string { return w.inner.Name() }

func (w *withBreaker) Complete(ctx context.Context, req *Request) (*Response, error) {
	key := w.inner.Name()
	if !w.breaker.Allow(key) {
		return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, key)
	}

	resp, err := w.inner.Complete(ctx, req)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Retriable() {
			w.breaker.RecordSuccess(key)
		} else {
			w.breaker.RecordFailure(key)
		}
		return nil, err
	}

	w.breaker.RecordSuccess(key)
	return resp, nil
}

var _ Provider = (*withBreaker)(nil)
