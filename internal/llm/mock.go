package llm

import (
	"context"
	"fmt"
	"sync"
)

// MockClient is a test double for Client.
type MockClient struct {
	ProviderName string
	CompleteFunc func(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

func (m *MockClient) Name() string { return m.ProviderName }

func (m *MockClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, req)
	}
	return &CompletionResponse{Content: "mock response", StopReason: "end_turn", Model: req.Model}, nil
}

// ScriptedClient replays a fixed sequence of responses, one per call, and
// records every request it receives. Calls past the end of the script fail.
type ScriptedClient struct {
	mu        sync.Mutex
	responses []*CompletionResponse
	requests  []CompletionRequest
}

// NewScriptedClient creates a client that returns responses in order.
func NewScriptedClient(responses ...*CompletionResponse) *ScriptedClient {
	return &ScriptedClient{responses: responses}
}

func (s *ScriptedClient) Name() string { return "scripted" }

func (s *ScriptedClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	i := len(s.requests) - 1
	if i >= len(s.responses) {
		return nil, fmt.Errorf("scripted: no response for call %d", i+1)
	}
	resp := *s.responses[i]
	return &resp, nil
}

// Requests returns a copy of the requests seen so far.
func (s *ScriptedClient) Requests() []CompletionRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CompletionRequest, len(s.requests))
	copy(out, s.requests)
	return out
}
