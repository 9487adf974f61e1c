// Package orchestrator drives the Batch Orchestrator: split requests into
// batches, broadcast, monitor, replace on block change, bounded retries,
// aggregate failures (spec.md §4.7).
package orchestrator

import (
	"context"
	"math/big"
	"time"

	"github.com/arcsign/valops"
	"github.com/arcsign/valops/broadcast"
	"github.com/arcsign/valops/monitor"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
)

// MaxRetries bounds the per-batch retry loop (spec.md §4.7d).
const MaxRetries = 3

// blockUnchangedSleep is how long the retry loop waits, without consuming a
// retry, when the block number hasn't moved since the last check.
const blockUnchangedSleep = 1 * time.Second

// receiptWaitTimeout bounds how long WaitForReceipts blocks per retry
// iteration before falling back to the retry/replace decision.
const receiptWaitTimeout = 15 * time.Second

// chainStateReader is the slice of chainstate.Reader this orchestrator
// depends on. Declared locally so tests can substitute a stub.
type chainStateReader interface {
	FetchBlockNumber(ctx context.Context) (uint64, error)
	FetchContractFee(ctx context.Context, contractAddr common.Address) (*big.Int, error)
	FetchMaxNetworkFees(ctx context.Context) (maxFee, maxPriorityFee *big.Int, err error)
	FetchTransactionCount(ctx context.Context, address common.Address) (uint64, error)
}

// receiptWaiter is the slice of monitor.Monitor this orchestrator depends on.
type receiptWaiter interface {
	WaitForReceipts(ctx context.Context, pending []*valops.PendingTransaction, timeout time.Duration, ownerAddress common.Address, currentNonce *uint64) []valops.TransactionStatus
}

// replacementRunner is the slice of replace.Engine this orchestrator depends on.
type replacementRunner interface {
	Run(ctx context.Context, pending []*valops.PendingTransaction, fee valops.FeeSnapshot) []valops.ReplacementOutcome
}

// Orchestrator runs the batch state machine over a Chain-State Reader,
// broadcast Strategy, Monitor and Replacement Engine.
type Orchestrator struct {
	chainState   chainStateReader
	strategy     broadcast.Strategy
	monitor      receiptWaiter
	replacer     replacementRunner
	contractAddr common.Address
	signerAddr   common.Address
}

// New creates an Orchestrator. signerAddr is the address the pipeline's
// signer broadcasts under, used to detect transactions a competing
// replacement already mined (spec.md §4.6 scenario S4).
func New(chainState chainStateReader, strategy broadcast.Strategy, mon receiptWaiter, replacer replacementRunner, contractAddr, signerAddr common.Address) *Orchestrator {
	return &Orchestrator{chainState: chainState, strategy: strategy, monitor: mon, replacer: replacer, contractAddr: contractAddr, signerAddr: signerAddr}
}

// Run splits requests into batches of at most batchSize, processes them
// serially, and returns every pubkey the pipeline could not get mined, each
// appearing exactly once (spec.md invariant 2).
func (o *Orchestrator) Run(ctx context.Context, requests []valops.Request, batchSize int) ([]valops.FailedPubkey, error) {
	runID := uuid.NewString()
	log.Info("orchestrator run starting", "runID", runID, "requests", len(requests), "batchSize", batchSize)

	var failed []valops.FailedPubkey
	aborted := false

	for batchIdx, batch := range splitBatches(requests, batchSize) {
		if aborted {
			failed = append(failed, failAll(batch, valops.ReasonInsufficientFundsSkipped)...)
			continue
		}

		log.Info("processing batch", "runID", runID, "batch", batchIdx, "size", len(batch))
		batchFailed, escalate := o.runBatch(ctx, runID, batch)
		failed = append(failed, batchFailed...)
		if escalate {
			aborted = true
		}
	}

	log.Info("orchestrator run complete", "runID", runID, "failed", len(failed))
	return failed, nil
}

// runBatch drives one batch through Broadcasting -> Monitoring ->
// [BlockChanged -> Replacing -> Monitoring]* -> Done | RetryExhausted |
// InsufficientFundsAbort. The bool result reports whether an
// InsufficientFunds failure was observed, which escalates to aborting every
// subsequent batch.
func (o *Orchestrator) runBatch(ctx context.Context, runID string, batch []valops.Request) ([]valops.FailedPubkey, bool) {
	blockNumber, err := o.chainState.FetchBlockNumber(ctx)
	if err != nil {
		log.Error("batch: block number fetch failed", "runID", runID, "err", err)
		return failAll(batch, valops.ReasonChainStateError), false
	}

	contractFee, err := o.chainState.FetchContractFee(ctx, o.contractAddr)
	if err != nil {
		log.Error("batch: contract fee fetch failed", "runID", runID, "err", err)
		return failAll(batch, valops.ReasonChainStateError), false
	}

	maxFee, maxPriorityFee, err := o.chainState.FetchMaxNetworkFees(ctx)
	if err != nil {
		log.Error("batch: network fee fetch failed", "runID", runID, "err", err)
		return failAll(batch, valops.ReasonChainStateError), false
	}

	fee := valops.FeeSnapshot{BlockNumber: blockNumber, ContractFee: contractFee, MaxFeePerGas: maxFee, MaxPriorityFeePerGas: maxPriorityFee}

	outcomes := o.strategy.Broadcast(ctx, batch, o.contractAddr, fee)

	var pending []*valops.PendingTransaction
	var failed []valops.FailedPubkey
	escalate := false

	for _, outcome := range outcomes {
		if outcome.Success() {
			pending = append(pending, outcome.Pending)
			continue
		}
		if valops.IsInsufficientFunds(outcome.Err) {
			escalate = true
			failed = append(failed, valops.FailedPubkey{Pubkey: outcome.Pubkey, Reason: valops.ReasonInsufficientFundsSkipped})
			continue
		}
		failed = append(failed, valops.FailedPubkey{Pubkey: outcome.Pubkey, Reason: valops.ReasonBroadcastFailed})
	}

	retryExhausted, replacementFailed, replacementEscalate := o.drainRetryLoop(ctx, runID, &pending, &fee)
	for _, p := range retryExhausted {
		failed = append(failed, valops.FailedPubkey{Pubkey: p.OwningPubkey(), Reason: valops.ReasonRetryExhausted})
	}
	failed = append(failed, replacementFailed...)
	if replacementEscalate {
		escalate = true
	}

	return failed, escalate
}

// drainRetryLoop runs the bounded retry loop described in spec.md §4.7d and
// returns the pending transactions still unresolved once the retry budget is
// exhausted (or empty, if everything resolved first), plus any pubkeys the
// Replacement Engine itself terminally failed with InsufficientFunds and
// whether that was observed (spec.md §7, §4.6 Phase 3: InsufficientFunds is
// terminal at the orchestrator level regardless of which phase surfaces it).
func (o *Orchestrator) drainRetryLoop(ctx context.Context, runID string, pending *[]*valops.PendingTransaction, fee *valops.FeeSnapshot) ([]*valops.PendingTransaction, []valops.FailedPubkey, bool) {
	retries := 0
	lastBlock := fee.BlockNumber
	var failed []valops.FailedPubkey
	escalate := false

	for retries < MaxRetries {
		if len(*pending) == 0 {
			return nil, failed, escalate
		}

		var currentNoncePtr *uint64
		if nonce, err := o.chainState.FetchTransactionCount(ctx, o.signerAddr); err == nil {
			currentNoncePtr = &nonce
		} else {
			log.Warn("retry loop: current nonce fetch failed, skipping MinedByCompetitor detection this round", "runID", runID, "err", err)
		}

		statuses := o.monitor.WaitForReceipts(ctx, *pending, receiptWaitTimeout, o.signerAddr, currentNoncePtr)
		unresolved := monitor.ExtractUnresolved(statuses)
		if len(unresolved) == 0 {
			return nil, failed, escalate
		}
		*pending = unresolved

		currentBlock, err := o.chainState.FetchBlockNumber(ctx)
		if err != nil {
			log.Warn("retry loop: block number fetch failed, consuming a retry", "runID", runID, "err", err)
			retries++
			continue
		}

		if currentBlock == lastBlock {
			select {
			case <-ctx.Done():
				return *pending, failed, escalate
			case <-time.After(blockUnchangedSleep):
			}
			continue
		}

		lastBlock = currentBlock
		contractFee, err := o.chainState.FetchContractFee(ctx, o.contractAddr)
		if err != nil {
			log.Warn("retry loop: contract fee refresh failed, consuming a retry", "runID", runID, "err", err)
			retries++
			continue
		}

		maxFee, maxPriorityFee, err := o.chainState.FetchMaxNetworkFees(ctx)
		if err != nil {
			log.Warn("retry loop: network fee refresh failed, consuming a retry", "runID", runID, "err", err)
			retries++
			continue
		}

		*fee = valops.FeeSnapshot{BlockNumber: currentBlock, ContractFee: contractFee, MaxFeePerGas: maxFee, MaxPriorityFeePerGas: maxPriorityFee}

		replacements := o.replacer.Run(ctx, *pending, *fee)
		next, insufficientFunds := applyReplacements(replacements)
		*pending = next
		if len(insufficientFunds) > 0 {
			failed = append(failed, insufficientFunds...)
			escalate = true
		}
		retries++
	}

	return *pending, failed, escalate
}

// applyReplacements folds a Replacement Engine pass into the next pending
// set: successful replacements carry the new transaction forward,
// already-mined ones drop out, InsufficientFunds failures are pulled out
// terminally (spec.md §7, invariant 6) rather than retried, and every other
// failure (underpriced, unknown) keeps the original transaction so the next
// retry iteration gets another chance.
func applyReplacements(outcomes []valops.ReplacementOutcome) ([]*valops.PendingTransaction, []valops.FailedPubkey) {
	var next []*valops.PendingTransaction
	var insufficientFunds []valops.FailedPubkey
	for _, o := range outcomes {
		switch {
		case o.Kind == valops.ReplacementSuccess:
			next = append(next, o.New)
		case o.Kind == valops.ReplacementAlreadyMined:
			// Resolved; drop it.
		case valops.IsInsufficientFunds(o.Err):
			insufficientFunds = append(insufficientFunds, valops.FailedPubkey{
				Pubkey: o.Original.OwningPubkey(), Reason: valops.ReasonInsufficientFundsSkipped,
			})
		default:
			next = append(next, o.Original)
		}
	}
	return next, insufficientFunds
}

func splitBatches(requests []valops.Request, batchSize int) [][]valops.Request {
	if batchSize <= 0 {
		batchSize = len(requests)
	}
	var batches [][]valops.Request
	for i := 0; i < len(requests); i += batchSize {
		end := i + batchSize
		if end > len(requests) {
			end = len(requests)
		}
		batches = append(batches, requests[i:end])
	}
	return batches
}

func failAll(batch []valops.Request, reason valops.FailureReason) []valops.FailedPubkey {
	out := make([]valops.FailedPubkey, len(batch))
	for i, r := range batch {
		out[i] = valops.FailedPubkey{Pubkey: r.OwningPubkey(), Reason: reason}
	}
	return out
}
