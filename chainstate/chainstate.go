// Package chainstate implements the Chain-State Reader: block number,
// system-contract fee, and network max-fee lookups (spec.md §4.2).
//
// Adapted from the teacher's ethereum.RPCHelper (src/chainadapter/ethereum/rpc.go)
// for the RPC call shapes and typed-error wrapping idiom; the fee formula
// itself replaces the teacher's baseFee/feeHistory heuristic multiplier with
// spec.md's exact EIP-7251 excess series.
package chainstate

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/arcsign/valops"
	"github.com/arcsign/valops/rpc"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"
)

// Fee formula constants, spec.md §4.2.
const (
	minFee                  = 1
	feeDenominator          = 17
	networkFeeRetries       = 5
	networkFeeRetrySpacing  = 100 * time.Millisecond
)

// excessInhibitor is the sentinel value (2^256 - 1) slot 0 holds before the
// system contract is activated for the current block (spec.md §6).
var excessInhibitor = new(uint256.Int).Not(uint256.NewInt(0))

// Reader is the Chain-State Reader.
type Reader struct {
	client rpc.Client
}

// New creates a Chain-State Reader over client.
func New(client rpc.Client) *Reader {
	return &Reader{client: client}
}

// FetchBlockNumber returns the current block number.
func (r *Reader) FetchBlockNumber(ctx context.Context) (uint64, error) {
	result, err := r.client.Call(ctx, "eth_blockNumber")
	if err != nil {
		return 0, valops.NewRetryableError(valops.ErrCodeChainUnavailable, "eth_blockNumber failed", nil, err)
	}

	var hex string
	if err := json.Unmarshal(result, &hex); err != nil {
		return 0, valops.NewRetryableError(valops.ErrCodeChainUnavailable, "eth_blockNumber: malformed result", nil, err)
	}

	n, err := hexutil.DecodeUint64(hex)
	if err != nil {
		return 0, valops.NewRetryableError(valops.ErrCodeChainUnavailable, "eth_blockNumber: undecodable hex", nil, err)
	}
	return n, nil
}

// FetchTransactionCount reads an account's current on-chain nonce against
// the "latest" block. Used by the Replacement Engine to detect a
// MinedByCompetitor transaction: a nonce already consumed on-chain by
// something other than our own tracked hash (spec.md §4.5, §4.6 scenario S4).
func (r *Reader) FetchTransactionCount(ctx context.Context, address common.Address) (uint64, error) {
	result, err := r.client.Call(ctx, "eth_getTransactionCount", address.Hex(), "latest")
	if err != nil {
		return 0, valops.NewRetryableError(valops.ErrCodeChainUnavailable, "eth_getTransactionCount failed", nil, err)
	}

	var hex string
	if err := json.Unmarshal(result, &hex); err != nil {
		return 0, valops.NewRetryableError(valops.ErrCodeChainUnavailable, "eth_getTransactionCount: malformed result", nil, err)
	}

	n, err := hexutil.DecodeUint64(hex)
	if err != nil {
		return 0, valops.NewRetryableError(valops.ErrCodeChainUnavailable, "eth_getTransactionCount: undecodable hex", nil, err)
	}
	return n, nil
}

// FetchContractFee reads storage slot 0 of contractAddr and computes the
// EIP-7251 fee from the excess value (spec.md §4.2). It fails Fatal with
// ErrCodeSystemContractInactive if the slot holds the excess-inhibitor
// sentinel.
func (r *Reader) FetchContractFee(ctx context.Context, contractAddr common.Address) (*big.Int, error) {
	result, err := r.client.Call(ctx, "eth_getStorageAt", contractAddr.Hex(), "0x0", "latest")
	if err != nil {
		return nil, valops.NewRetryableError(valops.ErrCodeChainUnavailable, "eth_getStorageAt failed", nil, err)
	}

	var hex string
	if err := json.Unmarshal(result, &hex); err != nil {
		return nil, valops.NewRetryableError(valops.ErrCodeChainUnavailable, "eth_getStorageAt: malformed result", nil, err)
	}

	slotBytes, err := hexutil.Decode(hex)
	if err != nil {
		return nil, valops.NewRetryableError(valops.ErrCodeChainUnavailable, "eth_getStorageAt: undecodable hex", nil, err)
	}

	excess := new(uint256.Int).SetBytes(slotBytes)
	if excess.Eq(excessInhibitor) {
		return nil, valops.NewFatalError(valops.ErrCodeSystemContractInactive,
			fmt.Sprintf("system contract %s has not been activated for this block", contractAddr.Hex()), nil)
	}

	fee := computeFee(excess)
	log.Debug("computed system-contract fee", "contract", contractAddr.Hex(), "excess", excess.String(), "fee", fee.String())
	return fee.ToBig(), nil
}

// computeFee implements the fake-exponential series from spec.md §4.2:
//
//	t_0     = MIN_FEE * U
//	t_{i+1} = t_i * q / (U * (i+1))
//	fee     = (Σ t_i) / U
//
// summed with truncating integer division until a term truncates to zero.
func computeFee(excess *uint256.Int) *uint256.Int {
	u := uint256.NewInt(feeDenominator)

	t := new(uint256.Int).Mul(uint256.NewInt(minFee), u)
	sum := new(uint256.Int).Set(t)

	for i := uint64(1); ; i++ {
		next := new(uint256.Int).Mul(t, excess)
		denom := new(uint256.Int).Mul(u, uint256.NewInt(i))
		next.Div(next, denom)
		if next.IsZero() {
			break
		}
		sum.Add(sum, next)
		t = next
	}

	return sum.Div(sum, u)
}

// FetchMaxNetworkFees polls the node's fee-data endpoints for the current
// suggested maxFeePerGas/maxPriorityFeePerGas, retrying up to
// networkFeeRetries times with networkFeeRetrySpacing between attempts if
// either field comes back absent (spec.md §4.2).
func (r *Reader) FetchMaxNetworkFees(ctx context.Context) (maxFee, maxPriorityFee *big.Int, err error) {
	for attempt := 0; attempt < networkFeeRetries; attempt++ {
		maxFee, maxPriorityFee, err = r.fetchFeeDataOnce(ctx)
		if err == nil && maxFee != nil && maxPriorityFee != nil {
			return maxFee, maxPriorityFee, nil
		}

		log.Warn("network fee data incomplete, retrying", "attempt", attempt+1, "err", err)

		select {
		case <-ctx.Done():
			return nil, nil, valops.NewRetryableError(valops.ErrCodeNetworkFeesUnavailable, "context cancelled while polling network fees", nil, ctx.Err())
		case <-time.After(networkFeeRetrySpacing):
		}
	}

	return nil, nil, valops.NewRetryableError(valops.ErrCodeNetworkFeesUnavailable,
		"network max fee / priority fee unavailable after retries", nil, err)
}

func (r *Reader) fetchFeeDataOnce(ctx context.Context) (maxFee, maxPriorityFee *big.Int, err error) {
	baseFee, err := r.fetchBaseFee(ctx)
	if err != nil {
		return nil, nil, err
	}

	priorityFee, err := r.fetchMaxPriorityFeePerGas(ctx)
	if err != nil {
		return nil, nil, err
	}
	if baseFee == nil || priorityFee == nil {
		return nil, nil, nil
	}

	computedMaxFee := new(big.Int).Mul(baseFee, big.NewInt(2))
	computedMaxFee.Add(computedMaxFee, priorityFee)
	return computedMaxFee, priorityFee, nil
}

func (r *Reader) fetchBaseFee(ctx context.Context) (*big.Int, error) {
	result, err := r.client.Call(ctx, "eth_getBlockByNumber", "latest", false)
	if err != nil {
		return nil, valops.NewRetryableError(valops.ErrCodeNetworkFeesUnavailable, "eth_getBlockByNumber failed", nil, err)
	}

	var block struct {
		BaseFeePerGas string `json:"baseFeePerGas"`
	}
	if err := json.Unmarshal(result, &block); err != nil {
		return nil, valops.NewRetryableError(valops.ErrCodeNetworkFeesUnavailable, "eth_getBlockByNumber: malformed result", nil, err)
	}
	if block.BaseFeePerGas == "" {
		return nil, nil
	}

	baseFee, err := hexutil.DecodeBig(block.BaseFeePerGas)
	if err != nil {
		return nil, valops.NewRetryableError(valops.ErrCodeNetworkFeesUnavailable, "eth_getBlockByNumber: undecodable baseFeePerGas", nil, err)
	}
	return baseFee, nil
}

func (r *Reader) fetchMaxPriorityFeePerGas(ctx context.Context) (*big.Int, error) {
	result, err := r.client.Call(ctx, "eth_maxPriorityFeePerGas")
	if err != nil {
		return nil, valops.NewRetryableError(valops.ErrCodeNetworkFeesUnavailable, "eth_maxPriorityFeePerGas failed", nil, err)
	}

	var hex string
	if err := json.Unmarshal(result, &hex); err != nil {
		return nil, valops.NewRetryableError(valops.ErrCodeNetworkFeesUnavailable, "eth_maxPriorityFeePerGas: malformed result", nil, err)
	}
	if hex == "" {
		return nil, nil
	}

	fee, err := hexutil.DecodeBig(hex)
	if err != nil {
		return nil, valops.NewRetryableError(valops.ErrCodeNetworkFeesUnavailable, "eth_maxPriorityFeePerGas: undecodable hex", nil, err)
	}
	return fee, nil
}
