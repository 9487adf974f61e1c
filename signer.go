package valops

import "context"

// SigningContext carries user-facing information to interactive signers. It
// rides as an optional parameter on Send/SendWithNonce rather than a
// downcast to an "interactive signer" type (spec.md §9 design note).
type SigningContext struct {
	CurrentIndex int
	TotalCount   int
	OwningPubkey [PubkeyLength]byte
}

// SendResponse is what a Signer returns on a successful broadcast.
type SendResponse struct {
	Hash  [32]byte
	Nonce uint64
}

// Capabilities describes what a Signer implementation supports
// (spec.md §4.1).
type Capabilities struct {
	SupportsParallelSigning bool
	RequiresUserInteraction bool
}

// Signer is the sole authority over nonce allocation for its own address.
// Implementations MUST NOT let anything outside the Signer read or bump its
// nonce counter; the orchestrator and every other component only ever call
// Send or SendWithNonce (spec.md §4.1, §5 shared resource policy).
type Signer interface {
	// Send assigns the next nonce internally and broadcasts intent. signCtx
	// is nil for non-interactive signers and may be nil even for interactive
	// ones when no per-tx context is relevant.
	Send(ctx context.Context, intent TransactionIntent, signCtx *SigningContext) (SendResponse, error)

	// SendWithNonce broadcasts intent at the caller-supplied nonce. It MUST
	// NOT consult or advance the signer's internal counter — the caller
	// (the Replacement Engine) owns this nonce. On any failure the signer
	// MUST fail with a transport/rejection error rather than silently
	// substituting a different nonce.
	SendWithNonce(ctx context.Context, intent TransactionIntent, nonce uint64, signCtx *SigningContext) (SendResponse, error)

	// Capabilities reports the signer's concurrency and interaction needs.
	Capabilities() Capabilities

	// Address is the account this signer signs for.
	Address() [20]byte

	// Dispose releases any held resource (device handle, connection, etc).
	Dispose() error
}
