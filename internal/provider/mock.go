package provider

import (
	"context"
	"fmt"
)

// Mock is a deterministic in-process provider. It needs no API key, so
// it is always configured; tests and local setups route through it.
type Mock struct{}

func NewMock() *Mock { return &Mock{} }

func (p *Mock) Name() string { return "mock" }

// Complete derives token counts from the request so that repeated calls
// with the same input settle to the same amount: input tokens are the
// summed message length at four characters per token with a floor of 10,
// output tokens are twice that.
func (p *Mock) Complete(_ context.Context, req *Request) (*Response, error) {
	var chars int64
	for _, m := range req.Messages {
		chars += int64(len(m.Content))
	}
	input := chars / 4
	if input < 10 {
		input = 10
	}
	return &Response{
		Content:      fmt.Sprintf("Mock response for model=%s", req.Model),
		FinishReason: "stop",
		InputTokens:  input,
		OutputTokens: 2 * input,
	}, nil
}

var _ Provider = (*Mock)(nil)
