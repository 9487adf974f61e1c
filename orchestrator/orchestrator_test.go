package orchestrator

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/arcsign/valops"
	"github.com/arcsign/valops/broadcast"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubChainState is a scripted chainStateReader: each block-number call
// advances through queued block numbers (holding the last one), letting a
// test simulate a block changing between retry iterations; fees are fixed.
type stubChainState struct {
	mu             sync.Mutex
	blocks         []uint64
	contractFeeErr error
	networkFeesErr error
	blockErr       error
	nonceErr       error
	contractFee    *big.Int
	maxFee         *big.Int
	maxPriorityFee *big.Int
}

func newStubChainState(blocks ...uint64) *stubChainState {
	return &stubChainState{
		blocks:         blocks,
		contractFee:    big.NewInt(1),
		maxFee:         big.NewInt(30_000_000_000),
		maxPriorityFee: big.NewInt(2_000_000_000),
	}
}

func (s *stubChainState) FetchBlockNumber(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.blockErr != nil {
		return 0, s.blockErr
	}
	if len(s.blocks) == 0 {
		return 0, nil
	}
	next := s.blocks[0]
	if len(s.blocks) > 1 {
		s.blocks = s.blocks[1:]
	}
	return next, nil
}

func (s *stubChainState) FetchContractFee(ctx context.Context, contractAddr common.Address) (*big.Int, error) {
	if s.contractFeeErr != nil {
		return nil, s.contractFeeErr
	}
	return s.contractFee, nil
}

func (s *stubChainState) FetchMaxNetworkFees(ctx context.Context) (*big.Int, *big.Int, error) {
	if s.networkFeesErr != nil {
		return nil, nil, s.networkFeesErr
	}
	return s.maxFee, s.maxPriorityFee, nil
}

func (s *stubChainState) FetchTransactionCount(ctx context.Context, address common.Address) (uint64, error) {
	if s.nonceErr != nil {
		return 0, s.nonceErr
	}
	return 0, nil
}

// stubStrategy broadcasts by returning pre-scripted outcomes, one slice per
// call, in order.
type stubStrategy struct {
	outcomes [][]valops.BroadcastOutcome
	calls    int
}

func (s *stubStrategy) Broadcast(ctx context.Context, requests []valops.Request, contractAddr common.Address, fee valops.FeeSnapshot) []valops.BroadcastOutcome {
	out := s.outcomes[s.calls]
	s.calls++
	return out
}

var _ broadcast.Strategy = (*stubStrategy)(nil)

// stubWaiter returns pre-scripted statuses, one slice per call, in order.
type stubWaiter struct {
	perCall [][]valops.TransactionStatus
	calls   int
}

func (s *stubWaiter) WaitForReceipts(ctx context.Context, pending []*valops.PendingTransaction, timeout time.Duration, ownerAddress common.Address, currentNonce *uint64) []valops.TransactionStatus {
	out := s.perCall[s.calls]
	s.calls++
	return out
}

// stubReplacer returns pre-scripted replacement outcomes on each call.
type stubReplacer struct {
	perCall [][]valops.ReplacementOutcome
	calls   int
}

func (s *stubReplacer) Run(ctx context.Context, pending []*valops.PendingTransaction, fee valops.FeeSnapshot) []valops.ReplacementOutcome {
	out := s.perCall[s.calls]
	s.calls++
	return out
}

func newTestRequest(b byte) valops.Request {
	r := make(valops.Request, valops.PubkeyLength)
	r[0] = b
	return r
}

func pendingFor(req valops.Request, nonce uint64) *valops.PendingTransaction {
	var hash common.Hash
	hash[0] = req[0]
	return &valops.PendingTransaction{Hash: hash, Nonce: nonce, Request: req}
}

func TestRunHappyPathAllMinedOnFirstWait(t *testing.T) {
	req := newTestRequest(1)
	chainState := newStubChainState(100)
	strategy := &stubStrategy{outcomes: [][]valops.BroadcastOutcome{
		{{Pending: pendingFor(req, 0), Pubkey: req.OwningPubkey()}},
	}}
	waiter := &stubWaiter{perCall: [][]valops.TransactionStatus{
		{{Pending: pendingFor(req, 0), Kind: valops.StatusMined}},
	}}
	replacer := &stubReplacer{}

	orch := New(chainState, strategy, waiter, replacer, common.Address{}, common.Address{})
	failed, err := orch.Run(context.Background(), []valops.Request{req}, 10)

	require.NoError(t, err)
	assert.Empty(t, failed)
	assert.Equal(t, 0, replacer.calls, "nothing pending means the replacement engine is never invoked")
}

func TestRunBroadcastFailureWithoutInsufficientFundsDoesNotEscalate(t *testing.T) {
	req1 := newTestRequest(1)
	req2 := newTestRequest(2)
	chainState := newStubChainState(100)
	strategy := &stubStrategy{outcomes: [][]valops.BroadcastOutcome{
		{
			{Pubkey: req1.OwningPubkey(), Err: valops.NewNonRetryableError(valops.ErrCodeUnknownBroadcast, "boom", nil)},
		},
		{
			{Pending: pendingFor(req2, 0), Pubkey: req2.OwningPubkey()},
		},
	}}
	waiter := &stubWaiter{perCall: [][]valops.TransactionStatus{
		{{Pending: pendingFor(req2, 0), Kind: valops.StatusMined}},
	}}
	replacer := &stubReplacer{}

	orch := New(chainState, strategy, waiter, replacer, common.Address{}, common.Address{})
	failed, err := orch.Run(context.Background(), []valops.Request{req1, req2}, 1)

	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, valops.ReasonBroadcastFailed, failed[0].Reason)
	assert.Equal(t, req1.OwningPubkey(), failed[0].Pubkey)
}

func TestRunInsufficientFundsAbortsRemainingBatches(t *testing.T) {
	req1 := newTestRequest(1)
	req2 := newTestRequest(2)
	chainState := newStubChainState(100)
	strategy := &stubStrategy{outcomes: [][]valops.BroadcastOutcome{
		{
			{Pubkey: req1.OwningPubkey(), Err: valops.NewNonRetryableError(valops.ErrCodeInsufficientFunds, "no balance", nil)},
		},
	}}
	waiter := &stubWaiter{perCall: [][]valops.TransactionStatus{}}
	replacer := &stubReplacer{}

	orch := New(chainState, strategy, waiter, replacer, common.Address{}, common.Address{})
	failed, err := orch.Run(context.Background(), []valops.Request{req1, req2}, 1)

	require.NoError(t, err)
	require.Len(t, failed, 2)
	assert.Equal(t, valops.ReasonInsufficientFundsSkipped, failed[0].Reason)
	assert.Equal(t, valops.ReasonInsufficientFundsSkipped, failed[1].Reason)
	assert.Equal(t, req2.OwningPubkey(), failed[1].Pubkey, "second batch never ran broadcast, just got skipped")
}

func TestRunBlockChangeTriggersReplacementThenResolves(t *testing.T) {
	req := newTestRequest(1)
	original := pendingFor(req, 0)
	chainState := newStubChainState(100, 101)
	strategy := &stubStrategy{outcomes: [][]valops.BroadcastOutcome{
		{{Pending: original, Pubkey: req.OwningPubkey()}},
	}}
	replaced := pendingFor(req, 1)
	waiter := &stubWaiter{perCall: [][]valops.TransactionStatus{
		{{Pending: original, Kind: valops.StatusPending}},
		{{Pending: replaced, Kind: valops.StatusMined}},
	}}
	replacer := &stubReplacer{perCall: [][]valops.ReplacementOutcome{
		{{Kind: valops.ReplacementSuccess, New: replaced, Original: original}},
	}}

	orch := New(chainState, strategy, waiter, replacer, common.Address{}, common.Address{})
	failed, err := orch.Run(context.Background(), []valops.Request{req}, 10)

	require.NoError(t, err)
	assert.Empty(t, failed)
	assert.Equal(t, 1, replacer.calls)
}

func TestRunRetryExhaustionMarksStillPendingFailed(t *testing.T) {
	req := newTestRequest(1)
	original := pendingFor(req, 0)
	chainState := newStubChainState(100, 101, 102, 103, 104)
	strategy := &stubStrategy{outcomes: [][]valops.BroadcastOutcome{
		{{Pending: original, Pubkey: req.OwningPubkey()}},
	}}
	stillPending := valops.TransactionStatus{Pending: original, Kind: valops.StatusPending}
	waiter := &stubWaiter{perCall: [][]valops.TransactionStatus{
		{stillPending}, {stillPending}, {stillPending}, {stillPending},
	}}
	replacer := &stubReplacer{perCall: [][]valops.ReplacementOutcome{
		{{Kind: valops.ReplacementUnderpriced, Original: original}},
		{{Kind: valops.ReplacementUnderpriced, Original: original}},
		{{Kind: valops.ReplacementUnderpriced, Original: original}},
	}}

	orch := New(chainState, strategy, waiter, replacer, common.Address{}, common.Address{})
	failed, err := orch.Run(context.Background(), []valops.Request{req}, 10)

	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, valops.ReasonRetryExhausted, failed[0].Reason)
}

func TestRunChainStateErrorFailsEntireBatch(t *testing.T) {
	req1 := newTestRequest(1)
	req2 := newTestRequest(2)
	chainState := newStubChainState(100)
	chainState.blockErr = assertErr("rpc down")
	strategy := &stubStrategy{outcomes: [][]valops.BroadcastOutcome{}}
	waiter := &stubWaiter{}
	replacer := &stubReplacer{}

	orch := New(chainState, strategy, waiter, replacer, common.Address{}, common.Address{})
	failed, err := orch.Run(context.Background(), []valops.Request{req1, req2}, 10)

	require.NoError(t, err)
	require.Len(t, failed, 2)
	for _, f := range failed {
		assert.Equal(t, valops.ReasonChainStateError, f.Reason)
	}
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
