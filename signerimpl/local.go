// Package signerimpl provides concrete Signer implementations: a
// parallel-capable local key signer and a serial hardware-style signer
// (spec.md §4.1).
//
// Grounded on the teacher's ethereum.EthereumSigner
// (src/chainadapter/ethereum/signer.go) for key handling and EIP-1559
// tx signing, and on ethereum.EthereumAdapter.Build/Broadcast
// (src/chainadapter/ethereum/adapter.go) for the nonce-then-broadcast shape.
package signerimpl

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync/atomic"

	"github.com/arcsign/valops"
	"github.com/arcsign/valops/rpc"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
)

// LocalSigner holds a private key in memory and supports concurrent
// broadcasts: its pending-nonce counter is advanced atomically by Send so
// multiple goroutines can submit intents for the same address at once
// (spec.md §4.1, Capabilities.SupportsParallelSigning).
type LocalSigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
	client     rpc.Client

	pendingNonce atomic.Uint64
}

// NewLocalSigner creates a LocalSigner from a raw private key, fetching the
// account's current on-chain transaction count as the starting nonce.
func NewLocalSigner(ctx context.Context, privateKey *ecdsa.PrivateKey, chainID *big.Int, client rpc.Client) (*LocalSigner, error) {
	pubKey, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("signerimpl: invalid private key, cannot derive public key")
	}
	address := crypto.PubkeyToAddress(*pubKey)

	nonce, err := fetchTransactionCount(ctx, client, address)
	if err != nil {
		return nil, fmt.Errorf("signerimpl: fetch initial nonce: %w", err)
	}

	s := &LocalSigner{
		privateKey: privateKey,
		address:    address,
		chainID:    new(big.Int).Set(chainID),
		client:     client,
	}
	s.pendingNonce.Store(nonce)
	return s, nil
}

// Capabilities reports that LocalSigner supports concurrent signing and
// needs no user interaction.
func (s *LocalSigner) Capabilities() valops.Capabilities {
	return valops.Capabilities{SupportsParallelSigning: true, RequiresUserInteraction: false}
}

// Address returns the signer's account address.
func (s *LocalSigner) Address() [20]byte {
	return s.address
}

// Dispose is a no-op: LocalSigner holds no external resource.
func (s *LocalSigner) Dispose() error { return nil }

// Send claims the next pending nonce atomically and broadcasts intent. A
// failed broadcast leaves a gap in the nonce sequence rather than returning
// the ticket to the counter: under ParallelStrategy other goroutines may
// already have claimed and broadcast later nonces, so rolling the shared
// counter back would hand out a nonce that's already in flight elsewhere
// (invariant 4). The gap is harmless — nothing else claims that slot either.
func (s *LocalSigner) Send(ctx context.Context, intent valops.TransactionIntent, signCtx *valops.SigningContext) (valops.SendResponse, error) {
	nonce := s.pendingNonce.Add(1) - 1
	return s.sendAt(ctx, intent, nonce)
}

// SendWithNonce broadcasts intent at the caller-supplied nonce without
// touching the internal counter, per the Signer contract.
func (s *LocalSigner) SendWithNonce(ctx context.Context, intent valops.TransactionIntent, nonce uint64, signCtx *valops.SigningContext) (valops.SendResponse, error) {
	return s.sendAt(ctx, intent, nonce)
}

func (s *LocalSigner) sendAt(ctx context.Context, intent valops.TransactionIntent, nonce uint64) (valops.SendResponse, error) {
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   s.chainID,
		Nonce:     nonce,
		GasTipCap: intent.MaxPriorityFeePerGas,
		GasFeeCap: intent.MaxFeePerGas,
		Gas:       intent.GasLimit,
		To:        &intent.To,
		Value:     intent.Value,
		Data:      intent.Data,
	})

	signer := types.NewLondonSigner(s.chainID)
	signed, err := types.SignTx(tx, signer, s.privateKey)
	if err != nil {
		return valops.SendResponse{}, valops.NewNonRetryableError(valops.ErrCodeSignerRejected, "sign transaction", err)
	}

	rawTx, err := signed.MarshalBinary()
	if err != nil {
		return valops.SendResponse{}, valops.NewNonRetryableError(valops.ErrCodeSignerRejected, "encode signed transaction", err)
	}

	if _, err := s.client.Call(ctx, "eth_sendRawTransaction", hexutil.Encode(rawTx)); err != nil {
		return valops.SendResponse{}, valops.NewRetryableError(valops.ErrCodeUnknownBroadcast, "eth_sendRawTransaction failed", nil, err)
	}

	log.Debug("broadcast transaction", "hash", signed.Hash().Hex(), "nonce", nonce, "address", s.address.Hex())
	return valops.SendResponse{Hash: signed.Hash(), Nonce: nonce}, nil
}
