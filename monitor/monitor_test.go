package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/arcsign/valops"
	"github.com/arcsign/valops/rpc"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPending(nonce uint64, hashByte byte) *valops.PendingTransaction {
	var hash common.Hash
	hash[0] = hashByte
	req := make(valops.Request, valops.PubkeyLength)
	req[0] = hashByte
	return &valops.PendingTransaction{Hash: hash, Nonce: nonce, Request: req}
}

func TestStatusMined(t *testing.T) {
	mock := rpc.NewMockClient()
	mock.SetResponse("eth_getTransactionReceipt", map[string]string{"status": "0x1", "blockNumber": "0x64"})

	m := New(mock)
	p := newTestPending(0, 1)
	status, err := m.Status(context.Background(), p, nil, nil)

	require.NoError(t, err)
	assert.Equal(t, valops.StatusMined, status.Kind)
	assert.Equal(t, uint64(100), status.BlockNumber)
}

func TestStatusReverted(t *testing.T) {
	mock := rpc.NewMockClient()
	mock.SetResponse("eth_getTransactionReceipt", map[string]string{"status": "0x0", "blockNumber": "0x65"})

	m := New(mock)
	p := newTestPending(0, 2)
	status, err := m.Status(context.Background(), p, nil, nil)

	require.NoError(t, err)
	assert.Equal(t, valops.StatusReverted, status.Kind)
}

func TestStatusPendingWhenReceiptAbsentAndNonceNotConsumed(t *testing.T) {
	mock := rpc.NewMockClient()
	mock.SetResponse("eth_getTransactionReceipt", nil)

	m := New(mock)
	p := newTestPending(5, 3)
	ownerAddress := [20]byte{}
	currentNonce := uint64(5)
	status, err := m.Status(context.Background(), p, &ownerAddress, &currentNonce)

	require.NoError(t, err)
	assert.Equal(t, valops.StatusPending, status.Kind)
}

func TestStatusMinedByCompetitorWhenNonceAlreadyConsumed(t *testing.T) {
	mock := rpc.NewMockClient()
	mock.SetResponse("eth_getTransactionReceipt", nil)

	m := New(mock)
	p := newTestPending(5, 4)
	ownerAddress := [20]byte{}
	currentNonce := uint64(6)
	status, err := m.Status(context.Background(), p, &ownerAddress, &currentNonce)

	require.NoError(t, err)
	assert.Equal(t, valops.StatusMinedByCompetitor, status.Kind)
}

func TestStatusPendingWithoutNonceContext(t *testing.T) {
	mock := rpc.NewMockClient()
	mock.SetResponse("eth_getTransactionReceipt", nil)

	m := New(mock)
	p := newTestPending(5, 5)
	status, err := m.Status(context.Background(), p, nil, nil)

	require.NoError(t, err)
	assert.Equal(t, valops.StatusPending, status.Kind)
}

func TestWaitForReceiptsResolvesAllBeforeTimeout(t *testing.T) {
	mock := rpc.NewMockClient()
	mock.SetResponse("eth_getTransactionReceipt", map[string]string{"status": "0x1", "blockNumber": "0x1"})

	m := New(mock)
	pending := []*valops.PendingTransaction{newTestPending(0, 1), newTestPending(1, 2)}

	statuses := m.WaitForReceipts(context.Background(), pending, time.Second, common.Address{}, nil)

	require.Len(t, statuses, 2)
	for _, s := range statuses {
		assert.Equal(t, valops.StatusMined, s.Kind)
	}
}

func TestWaitForReceiptsTimesOutWithStillPending(t *testing.T) {
	mock := rpc.NewMockClient()
	mock.SetResponse("eth_getTransactionReceipt", nil)

	m := New(mock)
	pending := []*valops.PendingTransaction{newTestPending(0, 1)}

	start := time.Now()
	statuses := m.WaitForReceipts(context.Background(), pending, 50*time.Millisecond, common.Address{}, nil)
	elapsed := time.Since(start)

	require.Len(t, statuses, 1)
	assert.Equal(t, valops.StatusPending, statuses[0].Kind)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestExtractUnresolvedKeepsRevertedAndPendingOnly(t *testing.T) {
	mined := newTestPending(0, 1)
	reverted := newTestPending(1, 2)
	pendingTx := newTestPending(2, 3)
	competitor := newTestPending(3, 4)

	statuses := []valops.TransactionStatus{
		{Pending: mined, Kind: valops.StatusMined},
		{Pending: reverted, Kind: valops.StatusReverted},
		{Pending: pendingTx, Kind: valops.StatusPending},
		{Pending: competitor, Kind: valops.StatusMinedByCompetitor},
	}

	unresolved := ExtractUnresolved(statuses)

	require.Len(t, unresolved, 2)
	assert.Same(t, reverted, unresolved[0])
	assert.Same(t, pendingTx, unresolved[1])
}
