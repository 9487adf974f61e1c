package broadcast

import (
	"context"
	"math/big"

	"github.com/arcsign/valops"
	"github.com/arcsign/valops/txbuild"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
)

// feeRefresher is the slice of chainstate.Reader this strategy depends on.
// Declared locally so tests can substitute a stub without standing up a
// full Chain-State Reader.
type feeRefresher interface {
	FetchContractFee(ctx context.Context, contractAddr common.Address) (*big.Int, error)
}

// slotWaiter is the slice of slotclock.SlotClock this strategy depends on.
type slotWaiter interface {
	WaitForOptimalWindow(ctx context.Context) error
}

// SequentialStrategy broadcasts one intent at a time, slot-aligned: it waits
// for the optimal window before each submission and re-fetches the
// system-contract fee per intent (never the network max-fee, which stays
// pinned to the snapshot passed into Broadcast) so each request is valued
// against the freshest excess it can be (spec.md §4.3).
type SequentialStrategy struct {
	signer     valops.Signer
	chainState feeRefresher
	clock      slotWaiter
}

// NewSequentialStrategy creates a SequentialStrategy.
func NewSequentialStrategy(signer valops.Signer, chainState feeRefresher, clock slotWaiter) *SequentialStrategy {
	return &SequentialStrategy{signer: signer, chainState: chainState, clock: clock}
}

// Broadcast submits requests one at a time, in input order, waiting for a
// safe slot window before each and re-valuing against the latest contract
// fee immediately before signing.
func (s *SequentialStrategy) Broadcast(ctx context.Context, requests []valops.Request, contractAddr common.Address, fee valops.FeeSnapshot) []valops.BroadcastOutcome {
	outcomes := make([]valops.BroadcastOutcome, len(requests))

	for i, request := range requests {
		if err := s.clock.WaitForOptimalWindow(ctx); err != nil {
			outcomes[i] = newOutcome(request, nil, err)
			continue
		}

		intent := txbuild.Build(request, contractAddr, fee)
		if contractFee, err := s.chainState.FetchContractFee(ctx, contractAddr); err == nil {
			intent = txbuild.Revalue(intent, contractFee)
		} else {
			log.Warn("sequential broadcast: contract fee refresh failed, using snapshot value", "index", i, "err", err)
		}

		signCtx := &valops.SigningContext{CurrentIndex: i, TotalCount: len(requests), OwningPubkey: request.OwningPubkey()}
		resp, err := s.signer.Send(ctx, intent, signCtx)
		if err != nil {
			log.Warn("sequential broadcast failed", "index", i, "err", err)
			outcomes[i] = newOutcome(request, nil, err)
			continue
		}

		outcomes[i] = newOutcome(request, &valops.PendingTransaction{
			Hash:            resp.Hash,
			Nonce:           resp.Nonce,
			Request:         request,
			ContractAddress: contractAddr,
			BroadcastBlock:  fee.BlockNumber,
			Intent:          intent,
		}, nil)
	}

	return outcomes
}
