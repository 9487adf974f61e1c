package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// HTTPClient implements Client over HTTP JSON-RPC with round-robin,
// health-aware failover across a list of endpoints. Adapted from the
// teacher's rpc.HTTPRPCClient; batch calls are dropped (nothing in this
// pipeline issues a JSON-RPC batch — the monitor and replacer poll one hash
// at a time per spec.md §4.5's explicit-poll-loop design note).
type HTTPClient struct {
	endpoints []string
	health    HealthTracker
	http      *http.Client
	nextID    atomic.Int64

	mu   sync.Mutex
	next int
}

// NewHTTPClient creates a failover HTTP JSON-RPC client.
func NewHTTPClient(endpoints []string, timeout time.Duration) (*HTTPClient, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("rpc: at least one endpoint is required")
	}
	return &HTTPClient{
		endpoints: endpoints,
		health:    newCircuitTracker(),
		http:      &http.Client{Timeout: timeout},
	}, nil
}

// Call executes method against the first healthy endpoint, falling back to
// the rest in round-robin order on failure.
func (c *HTTPClient) Call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	if params == nil {
		params = []interface{}{}
	}

	var lastErr error
	tried := make(map[string]bool, len(c.endpoints))

	for len(tried) < len(c.endpoints) {
		endpoint := c.pickEndpoint(tried)
		if endpoint == "" {
			break
		}
		tried[endpoint] = true

		result, err := c.callOne(ctx, endpoint, method, params)
		if err == nil {
			return result, nil
		}
		lastErr = err
	}

	return nil, fmt.Errorf("rpc: all endpoints failed for %s: %w", method, lastErr)
}

func (c *HTTPClient) callOne(ctx context.Context, endpoint, method string, params []interface{}) (json.RawMessage, error) {
	start := time.Now()

	body, err := json.Marshal(Request{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.health.RecordFailure(endpoint, err)
		return nil, fmt.Errorf("%s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.health.RecordFailure(endpoint, err)
		return nil, fmt.Errorf("%s: read body: %w", endpoint, err)
	}

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("%s: HTTP %d: %s", endpoint, resp.StatusCode, respBody)
		c.health.RecordFailure(endpoint, err)
		return nil, err
	}

	var rpcResp Response
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		c.health.RecordFailure(endpoint, err)
		return nil, fmt.Errorf("%s: decode response: %w", endpoint, err)
	}
	if rpcResp.Error != nil {
		c.health.RecordFailure(endpoint, rpcResp.Error)
		return nil, fmt.Errorf("%s: %w", endpoint, rpcResp.Error)
	}

	c.health.RecordSuccess(endpoint, time.Since(start).Milliseconds())
	return rpcResp.Result, nil
}

func (c *HTTPClient) pickEndpoint(tried map[string]bool) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := 0; i < len(c.endpoints); i++ {
		idx := (c.next + i) % len(c.endpoints)
		endpoint := c.endpoints[idx]
		if tried[endpoint] {
			continue
		}
		if c.health.IsHealthy(endpoint) {
			c.next = (idx + 1) % len(c.endpoints)
			return endpoint
		}
	}
	for _, endpoint := range c.endpoints {
		if !tried[endpoint] {
			return endpoint
		}
	}
	return ""
}

// Close releases idle HTTP connections.
func (c *HTTPClient) Close() error {
	c.http.CloseIdleConnections()
	return nil
}
