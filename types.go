package valops

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// RequestGasLimit is the fixed gas limit attached to every validator request
// transaction (spec.md §3, §6). The pipeline never estimates gas.
const RequestGasLimit = uint64(200_000)

// PubkeyLength is the length, in bytes, of the owning validator pubkey that
// leads every request payload (spec.md §3).
const PubkeyLength = 48

// Request is an opaque, pre-encoded per-validator request payload. The
// pipeline only ever reads its leading PubkeyLength bytes, to attribute
// failures to the owning validator; everything else is opaque calldata.
type Request []byte

// OwningPubkey returns the 48-byte validator pubkey this request is for.
// Panics if r is shorter than PubkeyLength — callers are expected to have
// validated request shape upstream (request encoding is out of scope, §1).
func (r Request) OwningPubkey() [PubkeyLength]byte {
	var pk [PubkeyLength]byte
	copy(pk[:], r[:PubkeyLength])
	return pk
}

// TransactionIntent describes an unsigned EIP-1559 transaction the pipeline
// wants broadcast.
type TransactionIntent struct {
	To                    common.Address
	Data                  Request
	Value                 *big.Int
	GasLimit              uint64
	MaxFeePerGas          *big.Int
	MaxPriorityFeePerGas  *big.Int
}

// PendingTransaction is a transaction a Signer has successfully broadcast.
type PendingTransaction struct {
	Hash               common.Hash
	Nonce              uint64
	Request            Request
	ContractAddress    common.Address
	BroadcastBlock     uint64
	Intent             TransactionIntent
}

// OwningPubkey is a convenience accessor over the underlying request bytes.
func (p *PendingTransaction) OwningPubkey() [PubkeyLength]byte {
	return p.Request.OwningPubkey()
}

// StatusKind tags the outcome of a point-in-time transaction status query.
type StatusKind int

const (
	StatusMined StatusKind = iota
	StatusReverted
	StatusPending
	StatusMinedByCompetitor
)

func (k StatusKind) String() string {
	switch k {
	case StatusMined:
		return "Mined"
	case StatusReverted:
		return "Reverted"
	case StatusPending:
		return "Pending"
	case StatusMinedByCompetitor:
		return "MinedByCompetitor"
	default:
		return "Unknown"
	}
}

// TransactionStatus is the classification produced by the Transaction Monitor
// for one pending transaction (spec.md §3, §4.5).
type TransactionStatus struct {
	Pending *PendingTransaction
	Kind    StatusKind
	// BlockNumber is set for Mined/Reverted outcomes.
	BlockNumber uint64
	CheckedAt   time.Time
}

// BroadcastOutcome is the per-intent result of one broadcast attempt
// (spec.md §3 "Broadcast Result").
type BroadcastOutcome struct {
	Pending *PendingTransaction
	Pubkey  [PubkeyLength]byte
	Err     error
}

func (o BroadcastOutcome) Success() bool { return o.Err == nil }

// ReplacementKind tags the outcome of one replacement attempt
// (spec.md §3 "Replacement Result").
type ReplacementKind int

const (
	ReplacementSuccess ReplacementKind = iota
	ReplacementUnderpriced
	ReplacementFailed
	ReplacementAlreadyMined
)

// ReplacementOutcome is the per-transaction result of one replacement attempt.
type ReplacementOutcome struct {
	Kind     ReplacementKind
	New      *PendingTransaction // set when Kind == ReplacementSuccess
	Original *PendingTransaction // set for Underpriced/Failed/AlreadyMined
	Err      error               // set when Kind == ReplacementFailed
}

// FeeSnapshot is the (contract-fee, network max-fees) pair valid for one
// block, as read by the Chain-State Reader.
type FeeSnapshot struct {
	BlockNumber           uint64
	ContractFee           *big.Int
	MaxFeePerGas          *big.Int
	MaxPriorityFeePerGas  *big.Int
}

// FailureReason is the terminal classification attached to every pubkey the
// pipeline could not get mined (spec.md §6 core outputs).
type FailureReason string

const (
	ReasonBroadcastFailed          FailureReason = "broadcast-failed"
	ReasonRetryExhausted           FailureReason = "retry-exhausted"
	ReasonInsufficientFundsSkipped FailureReason = "insufficient-funds-skipped"
	ReasonChainStateError          FailureReason = "chain-state-error"
)

// FailedPubkey pairs an owning pubkey with why the pipeline gave up on it.
type FailedPubkey struct {
	Pubkey [PubkeyLength]byte
	Reason FailureReason
}
