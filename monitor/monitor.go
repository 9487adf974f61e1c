// Package monitor implements the Transaction Monitor: wait-for-receipts and
// point-in-time status queries over already-broadcast transactions
// (spec.md §4.5).
//
// Grounded on the teacher's EthereumAdapter.QueryStatus
// (src/chainadapter/ethereum/adapter.go) for the
// getTransactionByHash/getTransactionReceipt status-derivation shape; the
// MinedByCompetitor classification is new (the teacher has no notion of
// "this nonce was consumed by a transaction we didn't send").
package monitor

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/arcsign/valops"
	"github.com/arcsign/valops/rpc"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"
)

// receiptPollInterval is how often WaitForReceipts re-checks outstanding
// transactions while waiting out its timeout.
const receiptPollInterval = 2 * time.Second

// Monitor queries point-in-time transaction status over an rpc.Client.
type Monitor struct {
	client rpc.Client
}

// New creates a Monitor over client.
func New(client rpc.Client) *Monitor {
	return &Monitor{client: client}
}

// WaitForReceipts blocks until every pending transaction resolves to a
// receipt or timeout elapses, whichever comes first. Transactions that
// never mine within timeout come back as StatusPending (spec.md §4.5).
// ownerAddress and currentNonce are forwarded to Status on every poll to
// enable MinedByCompetitor detection; pass a nil currentNonce to skip it
// (e.g. when the caller's own nonce fetch failed).
func (m *Monitor) WaitForReceipts(ctx context.Context, pending []*valops.PendingTransaction, timeout time.Duration, ownerAddress common.Address, currentNonce *uint64) []valops.TransactionStatus {
	deadline := time.Now().Add(timeout)
	statuses := make([]valops.TransactionStatus, len(pending))
	ownerAddrBytes := [20]byte(ownerAddress)

	remaining := make(map[int]*valops.PendingTransaction, len(pending))
	for i, p := range pending {
		remaining[i] = p
	}

	for len(remaining) > 0 {
		g, gctx := errgroup.WithContext(ctx)
		results := make(map[int]valops.TransactionStatus, len(remaining))
		var mu lockedMap
		mu.m = results

		for i, p := range remaining {
			i, p := i, p
			g.Go(func() error {
				status, err := m.Status(gctx, p, &ownerAddrBytes, currentNonce)
				if err != nil {
					log.Warn("status query failed during wait-for-receipts", "hash", p.Hash.Hex(), "err", err)
					return nil
				}
				mu.set(i, status)
				return nil
			})
		}
		_ = g.Wait()

		for i, status := range results {
			if status.Kind != valops.StatusPending {
				statuses[i] = status
				delete(remaining, i)
			}
		}

		if len(remaining) == 0 || time.Now().After(deadline) || ctx.Err() != nil {
			break
		}

		wait := receiptPollInterval
		if untilDeadline := time.Until(deadline); untilDeadline < wait {
			wait = untilDeadline
		}
		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
	}

	for i, p := range remaining {
		statuses[i] = valops.TransactionStatus{Pending: p, Kind: valops.StatusPending, CheckedAt: time.Now()}
	}

	return statuses
}

// lockedMap is a tiny synchronized map[int]valops.TransactionStatus; each
// goroutine writes to a distinct key so a bare mutex is enough.
type lockedMap struct {
	mu sync.Mutex
	m  map[int]valops.TransactionStatus
}

func (l *lockedMap) set(i int, s valops.TransactionStatus) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.m[i] = s
}

// Status queries the point-in-time status of a single pending transaction.
// ownerAddress and currentNonce, when both non-nil, enable
// MinedByCompetitor detection: if the account's on-chain nonce has already
// passed p.Nonce but this transaction's own receipt is absent, some other
// transaction consumed the nonce first.
func (m *Monitor) Status(ctx context.Context, p *valops.PendingTransaction, ownerAddress *[20]byte, currentNonce *uint64) (valops.TransactionStatus, error) {
	receipt, found, err := m.fetchReceipt(ctx, p.Hash)
	if err != nil {
		return valops.TransactionStatus{}, valops.NewRetryableError(valops.ErrCodeChainUnavailable, "fetch transaction receipt", nil, err)
	}

	if found {
		if receipt.Status == "0x0" {
			return valops.TransactionStatus{Pending: p, Kind: valops.StatusReverted, BlockNumber: receipt.blockNumber(), CheckedAt: time.Now()}, nil
		}
		return valops.TransactionStatus{Pending: p, Kind: valops.StatusMined, BlockNumber: receipt.blockNumber(), CheckedAt: time.Now()}, nil
	}

	if ownerAddress != nil && currentNonce != nil && *currentNonce > p.Nonce {
		return valops.TransactionStatus{Pending: p, Kind: valops.StatusMinedByCompetitor, CheckedAt: time.Now()}, nil
	}

	return valops.TransactionStatus{Pending: p, Kind: valops.StatusPending, CheckedAt: time.Now()}, nil
}

// ExtractUnresolved filters statuses down to the pending transactions that
// still need attention: reverted (needs rebroadcast) and pending (candidate
// for fee replacement). Mined and MinedByCompetitor transactions are done.
func ExtractUnresolved(statuses []valops.TransactionStatus) []*valops.PendingTransaction {
	var out []*valops.PendingTransaction
	for _, s := range statuses {
		if s.Kind == valops.StatusReverted || s.Kind == valops.StatusPending {
			out = append(out, s.Pending)
		}
	}
	return out
}

type receiptResult struct {
	Status      string `json:"status"`
	BlockNumber string `json:"blockNumber"`
}

func (r receiptResult) blockNumber() uint64 {
	n, err := hexutil.DecodeUint64(r.BlockNumber)
	if err != nil {
		return 0
	}
	return n
}

func (m *Monitor) fetchReceipt(ctx context.Context, hash [32]byte) (receiptResult, bool, error) {
	result, err := m.client.Call(ctx, "eth_getTransactionReceipt", hexutil.Encode(hash[:]))
	if err != nil {
		return receiptResult{}, false, err
	}
	if string(result) == "null" || len(result) == 0 {
		return receiptResult{}, false, nil
	}

	var receipt receiptResult
	if err := json.Unmarshal(result, &receipt); err != nil {
		return receiptResult{}, false, err
	}
	return receipt, true, nil
}
