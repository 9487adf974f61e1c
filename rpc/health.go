package rpc

import (
	"sync"
	"time"
)

// circuitTracker is a small circuit-breaker health tracker: it opens after a
// run of consecutive failures and closes again after the open window
// elapses, giving the endpoint a chance to recover before it's retried.
//
// Adapted from the teacher's rpc.SimpleHealthTracker — trimmed to what the
// failover client actually consults (IsHealthy), since this pipeline has no
// metrics exporter to feed EndpointHealth snapshots to.
type circuitTracker struct {
	mu sync.Mutex

	consecutiveFailures map[string]int
	openedAt            map[string]time.Time

	failureThreshold int
	openWindow       time.Duration
}

func newCircuitTracker() *circuitTracker {
	return &circuitTracker{
		consecutiveFailures: make(map[string]int),
		openedAt:            make(map[string]time.Time),
		failureThreshold:    3,
		openWindow:          30 * time.Second,
	}
}

func (t *circuitTracker) RecordSuccess(endpoint string, _ int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.consecutiveFailures[endpoint] = 0
	delete(t.openedAt, endpoint)
}

func (t *circuitTracker) RecordFailure(endpoint string, _ error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.consecutiveFailures[endpoint]++
	if t.consecutiveFailures[endpoint] >= t.failureThreshold {
		if opened, open := t.openedAt[endpoint]; !open || time.Since(opened) >= t.openWindow {
			t.openedAt[endpoint] = time.Now()
		}
	}
}

func (t *circuitTracker) IsHealthy(endpoint string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	opened, isOpen := t.openedAt[endpoint]
	if !isOpen {
		return true
	}
	if time.Since(opened) >= t.openWindow {
		// Window elapsed: let attempts through to probe recovery; the next
		// recorded failure re-opens the circuit.
		return true
	}
	return false
}
