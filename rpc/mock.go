package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MockClient is a hand-rolled Client test double — method name -> queued
// responses/errors, with call counters. Adapted from the teacher's
// rpc.MockRPCClient (same map-of-method shape, same package-level mock
// idiom used throughout src/chainadapter/*_test.go; no mockgen/gomock
// anywhere in the pack).
type MockClient struct {
	mu sync.Mutex

	responses map[string][]interface{}
	errors    map[string][]error
	calls     map[string]int
}

// NewMockClient creates an empty MockClient.
func NewMockClient() *MockClient {
	return &MockClient{
		responses: make(map[string][]interface{}),
		errors:    make(map[string][]error),
		calls:     make(map[string]int),
	}
}

// QueueResponse appends a response to be returned on the next Call for
// method, FIFO. Calling this multiple times lets a test simulate a value
// changing across successive polls (e.g. a block number advancing).
func (m *MockClient) QueueResponse(method string, response interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[method] = append(m.responses[method], response)
}

// QueueError appends an error to be returned on the next Call for method.
func (m *MockClient) QueueError(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[method] = append(m.errors[method], err)
}

// SetResponse configures a single, always-returned response for method.
func (m *MockClient) SetResponse(method string, response interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[method] = []interface{}{response}
}

func (m *MockClient) Call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls[method]++

	if errs := m.errors[method]; len(errs) > 0 {
		err := errs[0]
		m.errors[method] = errs[1:]
		return nil, err
	}

	responses := m.responses[method]
	if len(responses) == 0 {
		return nil, fmt.Errorf("rpc mock: no response configured for %s", method)
	}
	resp := responses[0]
	if len(responses) > 1 {
		m.responses[method] = responses[1:]
	}

	data, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("rpc mock: marshal response for %s: %w", method, err)
	}
	return json.RawMessage(data), nil
}

// CallCount returns how many times method has been called.
func (m *MockClient) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

func (m *MockClient) Close() error { return nil }
