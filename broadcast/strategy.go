// Package broadcast implements the two intent-submission strategies
// (spec.md §4.3): Parallel, which fires every intent concurrently against a
// single fee/block snapshot, and Sequential, which re-values each intent at
// broadcast time and aligns submission to slot boundaries.
package broadcast

import (
	"context"

	"github.com/arcsign/valops"
	"github.com/ethereum/go-ethereum/common"
)

// Strategy submits a batch of requests as priced TransactionIntents and
// reports per-request outcomes in the same order as requests.
type Strategy interface {
	Broadcast(ctx context.Context, requests []valops.Request, contractAddr common.Address, fee valops.FeeSnapshot) []valops.BroadcastOutcome
}

func newOutcome(request valops.Request, pending *valops.PendingTransaction, err error) valops.BroadcastOutcome {
	return valops.BroadcastOutcome{Pending: pending, Pubkey: request.OwningPubkey(), Err: err}
}
