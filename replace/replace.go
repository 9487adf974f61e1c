// Package replace implements the Replacement Engine: a strict three-phase
// pass over a batch's still-outstanding transactions on every block change
// (spec.md §4.6).
//
// Grounded on vocdoni's TransactionManager.speedUpTransaction /
// rebuildRegularTransaction (other_examples/98753c59_vocdoni-davinci-node
// __web3-txmanager.go.go) for the bump-and-resend shape; the phase
// separation, exact fee-bump formula, and error-to-outcome mapping come
// from spec.md §4.6, which the pack has no direct analogue for.
package replace

import (
	"context"
	"math/big"
	"strings"

	"github.com/arcsign/valops"
	"github.com/arcsign/valops/txbuild"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"
)

// feeBumpNumerator/feeBumpDenominator implement the 112% fee bump from
// spec.md §4.6 as truncating integer arithmetic: bumped = floor(x*112/100).
const (
	feeBumpNumerator   = 112
	feeBumpDenominator = 100
)

// statusChecker is the slice of monitor.Monitor this engine depends on.
// Declared locally so tests can substitute a stub without a live rpc.Client.
type statusChecker interface {
	Status(ctx context.Context, p *valops.PendingTransaction, ownerAddress *[20]byte, currentNonce *uint64) (valops.TransactionStatus, error)
}

// nonceReader is the slice of chainstate.Reader this engine depends on, used
// to detect transactions a competing replacement already mined under us.
type nonceReader interface {
	FetchTransactionCount(ctx context.Context, address common.Address) (uint64, error)
}

// Engine runs the classify / rebroadcast-reverted / replace-pending phases
// for one block-change event.
type Engine struct {
	signer  valops.Signer
	monitor statusChecker
	nonces  nonceReader
}

// New creates a Replacement Engine.
func New(signer valops.Signer, mon statusChecker, nonces nonceReader) *Engine {
	return &Engine{signer: signer, monitor: mon, nonces: nonces}
}

// Run executes all three phases in order over pending, priced for
// rebroadcasts/replacements against fee (the freshly re-fetched snapshot
// for the new block). It returns one outcome per entry in pending, in the
// same order.
func (e *Engine) Run(ctx context.Context, pending []*valops.PendingTransaction, fee valops.FeeSnapshot) []valops.ReplacementOutcome {
	outcomes := make([]valops.ReplacementOutcome, len(pending))

	ownerAddress := e.signer.Address()
	var currentNoncePtr *uint64
	if nonce, err := e.nonces.FetchTransactionCount(ctx, common.Address(ownerAddress)); err == nil {
		currentNoncePtr = &nonce
	} else {
		log.Warn("replacement classify: current nonce fetch failed, skipping MinedByCompetitor detection this pass", "err", err)
	}

	// Phase 1: classify every transaction's current on-chain status
	// concurrently; this is a read-only fan-out, safe regardless of signer
	// capability.
	statuses := make([]valops.TransactionStatus, len(pending))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range pending {
		i, p := i, p
		g.Go(func() error {
			status, err := e.monitor.Status(gctx, p, &ownerAddress, currentNoncePtr)
			if err != nil {
				log.Warn("replacement classify: status query failed, treating as still pending", "hash", p.Hash.Hex(), "err", err)
				status = valops.TransactionStatus{Pending: p, Kind: valops.StatusPending}
			}
			statuses[i] = status
			return nil
		})
	}
	_ = g.Wait()

	var revertedIdx, pendingIdx []int
	for i, s := range statuses {
		switch s.Kind {
		case valops.StatusMined, valops.StatusMinedByCompetitor:
			outcomes[i] = valops.ReplacementOutcome{Kind: valops.ReplacementAlreadyMined, Original: pending[i]}
		case valops.StatusReverted:
			revertedIdx = append(revertedIdx, i)
		default:
			pendingIdx = append(pendingIdx, i)
		}
	}

	// Phase 2: rebroadcast reverted transactions strictly sequentially,
	// each with a fresh nonce, regardless of signer concurrency support.
	// This must never interleave with phase 3's fee-bump replacements.
	for _, i := range revertedIdx {
		p := pending[i]
		intent := txbuild.Build(p.Request, p.ContractAddress, fee)
		resp, err := e.signer.Send(ctx, intent, nil)
		outcomes[i] = mapSendOutcome(p, intent, resp, err)
	}

	// Phase 3: bump fees on still-pending transactions and resend at the
	// original nonce. Concurrent iff the signer supports parallel signing.
	if e.signer.Capabilities().SupportsParallelSigning {
		g, gctx := errgroup.WithContext(ctx)
		for _, i := range pendingIdx {
			i := i
			g.Go(func() error {
				outcomes[i] = e.replaceOne(gctx, pending[i], fee)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for _, i := range pendingIdx {
			outcomes[i] = e.replaceOne(ctx, pending[i], fee)
		}
	}

	return outcomes
}

func (e *Engine) replaceOne(ctx context.Context, p *valops.PendingTransaction, fee valops.FeeSnapshot) valops.ReplacementOutcome {
	bumpedMaxFee := bump(maxOf(p.Intent.MaxFeePerGas, fee.MaxFeePerGas))
	bumpedPriorityFee := bump(maxOf(p.Intent.MaxPriorityFeePerGas, fee.MaxPriorityFeePerGas))

	intent := txbuild.Revalue(p.Intent, fee.ContractFee)
	intent.MaxFeePerGas = bumpedMaxFee
	intent.MaxPriorityFeePerGas = bumpedPriorityFee

	resp, err := e.signer.SendWithNonce(ctx, intent, p.Nonce, nil)
	return mapSendOutcome(p, intent, resp, err)
}

// bump computes floor(x * 112 / 100).
func bump(x *big.Int) *big.Int {
	out := new(big.Int).Mul(x, big.NewInt(feeBumpNumerator))
	return out.Div(out, big.NewInt(feeBumpDenominator))
}

func maxOf(a, b *big.Int) *big.Int {
	if a.Cmp(b) >= 0 {
		return a
	}
	return b
}

func mapSendOutcome(original *valops.PendingTransaction, intent valops.TransactionIntent, resp valops.SendResponse, err error) valops.ReplacementOutcome {
	if err == nil {
		return valops.ReplacementOutcome{
			Kind: valops.ReplacementSuccess,
			New: &valops.PendingTransaction{
				Hash:            resp.Hash,
				Nonce:           resp.Nonce,
				Request:         original.Request,
				ContractAddress: original.ContractAddress,
				BroadcastBlock:  original.BroadcastBlock,
				Intent:          intent,
			},
			Original: original,
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "replacement") && strings.Contains(msg, "underpriced"):
		return valops.ReplacementOutcome{Kind: valops.ReplacementUnderpriced, Original: original, Err: err}
	case strings.Contains(msg, "nonce too low"), strings.Contains(msg, "already known"), strings.Contains(msg, "already used"):
		return valops.ReplacementOutcome{Kind: valops.ReplacementAlreadyMined, Original: original, Err: err}
	case valops.IsInsufficientFunds(err), strings.Contains(msg, "insufficient funds"):
		return valops.ReplacementOutcome{Kind: valops.ReplacementFailed, Original: original, Err: err}
	default:
		return valops.ReplacementOutcome{Kind: valops.ReplacementFailed, Original: original, Err: err}
	}
}
