package broadcast

import (
	"context"

	"github.com/arcsign/valops"
	"github.com/arcsign/valops/txbuild"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"
)

// ParallelStrategy fires every intent concurrently, all priced off the same
// fee snapshot, and waits for every attempt to terminate (spec.md §4.3).
// It requires a signer whose Capabilities().SupportsParallelSigning is true.
type ParallelStrategy struct {
	signer valops.Signer
}

// NewParallelStrategy creates a ParallelStrategy over signer.
func NewParallelStrategy(signer valops.Signer) *ParallelStrategy {
	return &ParallelStrategy{signer: signer}
}

// Broadcast submits every request concurrently at fee, returning one outcome
// per request in input order.
func (s *ParallelStrategy) Broadcast(ctx context.Context, requests []valops.Request, contractAddr common.Address, fee valops.FeeSnapshot) []valops.BroadcastOutcome {
	outcomes := make([]valops.BroadcastOutcome, len(requests))

	g, gctx := errgroup.WithContext(ctx)
	for i, request := range requests {
		i, request := i, request
		g.Go(func() error {
			intent := txbuild.Build(request, contractAddr, fee)
			signCtx := &valops.SigningContext{CurrentIndex: i, TotalCount: len(requests), OwningPubkey: request.OwningPubkey()}

			resp, err := s.signer.Send(gctx, intent, signCtx)
			if err != nil {
				log.Warn("parallel broadcast failed", "index", i, "err", err)
				outcomes[i] = newOutcome(request, nil, err)
				return nil
			}

			outcomes[i] = newOutcome(request, &valops.PendingTransaction{
				Hash:            resp.Hash,
				Nonce:           resp.Nonce,
				Request:         request,
				ContractAddress: contractAddr,
				BroadcastBlock:  fee.BlockNumber,
				Intent:          intent,
			}, nil)
			return nil
		})
	}

	// errgroup's Go never returns a non-nil error here; every failure is
	// folded into outcomes[i] instead, so all intents get an outcome rather
	// than cancelling the rest of the batch.
	_ = g.Wait()
	return outcomes
}
