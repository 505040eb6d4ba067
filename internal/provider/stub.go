package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/starkcore/starkcore/internal/dispatcher"
)

// Stub is a scriptable dispatcher.Provider for tests and local runs
// without a real API key, per SPEC_FULL.md's module map. It replays a
// queue of canned responses in order and records every request it saw,
// mirroring the teacher's fakes-over-mocks style (small hand-written
// stand-ins rather than a generated mocking framework, which appears
// nowhere in the retrieval pack).
type Stub struct {
	mu        sync.Mutex
	responses []dispatcher.CompletionResponse
	errs      []error
	next      int
	requests  []dispatcher.CompletionRequest
}

// NewStub builds a Stub with no queued responses; use Enqueue/EnqueueError
// to script its behavior before wiring it into the dispatcher.
func NewStub() *Stub {
	return &Stub{}
}

// Enqueue appends a response the next Complete call will return.
func (s *Stub) Enqueue(resp dispatcher.CompletionResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, resp)
	s.errs = append(s.errs, nil)
}

// EnqueueError appends an error the next Complete call will return.
func (s *Stub) EnqueueError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, dispatcher.CompletionResponse{})
	s.errs = append(s.errs, err)
}

// EnqueueText is a convenience for the common case of a plain reply.
func (s *Stub) EnqueueText(content string) {
	s.Enqueue(dispatcher.CompletionResponse{Content: content})
}

// EnqueueToolCall queues a response that invokes one tool.
func (s *Stub) EnqueueToolCall(id, name string, args map[string]any) {
	s.Enqueue(dispatcher.CompletionResponse{
		ToolCalls: []dispatcher.ToolCall{{ID: id, Name: name, Arguments: args}},
	})
}

// Requests returns every CompletionRequest the stub has seen, in order.
func (s *Stub) Requests() []dispatcher.CompletionRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]dispatcher.CompletionRequest, len(s.requests))
	copy(out, s.requests)
	return out
}

// Complete implements dispatcher.Provider by returning the next queued
// response. It errors if the queue is exhausted rather than looping,
// so a test that under-scripts a conversation fails loudly.
func (s *Stub) Complete(_ context.Context, req dispatcher.CompletionRequest) (dispatcher.CompletionResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)

	if s.next >= len(s.responses) {
		return dispatcher.CompletionResponse{}, fmt.Errorf("provider: stub queue exhausted after %d calls", s.next)
	}
	resp, err := s.responses[s.next], s.errs[s.next]
	s.next++
	return resp, err
}
