package broadcast

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"

	"github.com/arcsign/valops"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockSigner is a hand-rolled Signer test double, matching the style of
// rpc.MockClient: per-pubkey failures, a mutex-guarded nonce counter,
// and a call log for assertions.
type mockSigner struct {
	mu           sync.Mutex
	nextNonce    uint64
	caps         valops.Capabilities
	failPubkeys  map[[valops.PubkeyLength]byte]error
	sentIntents  []valops.TransactionIntent
}

func newMockSigner(caps valops.Capabilities) *mockSigner {
	return &mockSigner{caps: caps, failPubkeys: make(map[[valops.PubkeyLength]byte]error)}
}

func (m *mockSigner) Send(ctx context.Context, intent valops.TransactionIntent, signCtx *valops.SigningContext) (valops.SendResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sentIntents = append(m.sentIntents, intent)
	if signCtx != nil {
		if err, ok := m.failPubkeys[signCtx.OwningPubkey]; ok {
			return valops.SendResponse{}, err
		}
	}
	nonce := m.nextNonce
	m.nextNonce++
	var hash [32]byte
	hash[0] = byte(nonce + 1)
	return valops.SendResponse{Hash: hash, Nonce: nonce}, nil
}

func (m *mockSigner) SendWithNonce(ctx context.Context, intent valops.TransactionIntent, nonce uint64, signCtx *valops.SigningContext) (valops.SendResponse, error) {
	return m.Send(ctx, intent, signCtx)
}

func (m *mockSigner) Capabilities() valops.Capabilities { return m.caps }
func (m *mockSigner) Address() [20]byte                 { return [20]byte{} }
func (m *mockSigner) Dispose() error                     { return nil }

func newTestRequests(n int) []valops.Request {
	requests := make([]valops.Request, n)
	for i := 0; i < n; i++ {
		req := make(valops.Request, valops.PubkeyLength)
		req[0] = byte(i + 1)
		requests[i] = req
	}
	return requests
}

func testFee(block uint64) valops.FeeSnapshot {
	return valops.FeeSnapshot{
		BlockNumber:          block,
		ContractFee:          big.NewInt(1),
		MaxFeePerGas:         big.NewInt(30_000_000_000),
		MaxPriorityFeePerGas: big.NewInt(2_000_000_000),
	}
}

func TestParallelStrategyBroadcastsEveryRequest(t *testing.T) {
	signer := newMockSigner(valops.Capabilities{SupportsParallelSigning: true})
	strategy := NewParallelStrategy(signer)
	requests := newTestRequests(5)

	outcomes := strategy.Broadcast(context.Background(), requests, common.Address{}, testFee(100))

	require.Len(t, outcomes, 5)
	for i, o := range outcomes {
		assert.True(t, o.Success(), fmt.Sprintf("request %d should have succeeded", i))
		assert.Equal(t, requests[i].OwningPubkey(), o.Pubkey)
	}
}

func TestParallelStrategyIsolatesPerRequestFailure(t *testing.T) {
	signer := newMockSigner(valops.Capabilities{SupportsParallelSigning: true})
	requests := newTestRequests(3)
	signer.failPubkeys[requests[1].OwningPubkey()] = valops.NewNonRetryableError(valops.ErrCodeInsufficientFunds, "not enough balance", nil)

	strategy := NewParallelStrategy(signer)
	outcomes := strategy.Broadcast(context.Background(), requests, common.Address{}, testFee(100))

	assert.True(t, outcomes[0].Success())
	assert.False(t, outcomes[1].Success())
	assert.True(t, outcomes[2].Success())
}

func TestSequentialStrategyPreservesOrder(t *testing.T) {
	signer := newMockSigner(valops.Capabilities{SupportsParallelSigning: false})
	requests := newTestRequests(3)

	strategy := NewSequentialStrategy(signer, noFeeRefresh{}, noWaitClock{})
	outcomes := strategy.Broadcast(context.Background(), requests, common.Address{}, testFee(100))

	require.Len(t, outcomes, 3)
	for i, o := range outcomes {
		assert.True(t, o.Success())
		assert.Equal(t, uint64(i), o.Pending.Nonce)
	}
}

// noWaitClock satisfies the slot-wait dependency without a real beacon
// endpoint; it always returns immediately.
type noWaitClock struct{}

func (noWaitClock) WaitForOptimalWindow(ctx context.Context) error { return nil }

// noFeeRefresh stands in for the Chain-State Reader in tests that don't
// need a live fee refresh; it always fails, so Broadcast falls back to the
// snapshot's ContractFee.
type noFeeRefresh struct{}

func (noFeeRefresh) FetchContractFee(ctx context.Context, contractAddr common.Address) (*big.Int, error) {
	return nil, fmt.Errorf("no fee source configured")
}
