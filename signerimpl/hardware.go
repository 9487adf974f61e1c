package signerimpl

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/arcsign/valops"
	"github.com/arcsign/valops/rpc"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
)

// HardwareSigningDevice abstracts the user-interaction step a hardware
// signer requires: present intent (and its position in the batch) to the
// device/user and return a signed transaction. Real implementations wrap a
// USB/Bluetooth hardware wallet transport; this package only owns nonce
// sequencing and broadcast.
type HardwareSigningDevice interface {
	SignTransaction(ctx context.Context, tx *types.Transaction, signCtx *valops.SigningContext) (*types.Transaction, error)
	Address() common.Address
}

// HardwareSigner serializes every signature through a single physical
// device: it has no parallel-signing capability and its nonce only advances
// after a broadcast actually succeeds, since a rejected or cancelled
// hardware prompt must not burn a nonce slot (spec.md §4.1).
type HardwareSigner struct {
	device  HardwareSigningDevice
	chainID *big.Int
	client  rpc.Client

	mu    sync.Mutex
	nonce uint64
}

// NewHardwareSigner creates a HardwareSigner, fetching the device's current
// on-chain nonce as the starting point.
func NewHardwareSigner(ctx context.Context, device HardwareSigningDevice, chainID *big.Int, client rpc.Client) (*HardwareSigner, error) {
	nonce, err := fetchTransactionCount(ctx, client, device.Address())
	if err != nil {
		return nil, fmt.Errorf("signerimpl: fetch initial nonce: %w", err)
	}
	return &HardwareSigner{
		device:  device,
		chainID: new(big.Int).Set(chainID),
		client:  client,
		nonce:   nonce,
	}, nil
}

// Capabilities reports serial-only signing that requires user interaction.
func (s *HardwareSigner) Capabilities() valops.Capabilities {
	return valops.Capabilities{SupportsParallelSigning: false, RequiresUserInteraction: true}
}

// Address returns the device's account address.
func (s *HardwareSigner) Address() [20]byte {
	return s.device.Address()
}

// Dispose is a no-op: the device transport lifecycle is owned by the caller
// that constructed the HardwareSigningDevice.
func (s *HardwareSigner) Dispose() error { return nil }

// Send locks out concurrent callers, signs at the next sequential nonce, and
// advances the nonce only once the broadcast is accepted.
func (s *HardwareSigner) Send(ctx context.Context, intent valops.TransactionIntent, signCtx *valops.SigningContext) (valops.SendResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	resp, err := s.signAndBroadcast(ctx, intent, s.nonce, signCtx)
	if err != nil {
		return valops.SendResponse{}, err
	}
	s.nonce++
	return resp, nil
}

// SendWithNonce broadcasts at the caller-supplied nonce without consuming
// or advancing the internal counter; used by the Replacement Engine when
// bumping fees for an already-allocated nonce.
func (s *HardwareSigner) SendWithNonce(ctx context.Context, intent valops.TransactionIntent, nonce uint64, signCtx *valops.SigningContext) (valops.SendResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signAndBroadcast(ctx, intent, nonce, signCtx)
}

func (s *HardwareSigner) signAndBroadcast(ctx context.Context, intent valops.TransactionIntent, nonce uint64, signCtx *valops.SigningContext) (valops.SendResponse, error) {
	to := intent.To
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   s.chainID,
		Nonce:     nonce,
		GasTipCap: intent.MaxPriorityFeePerGas,
		GasFeeCap: intent.MaxFeePerGas,
		Gas:       intent.GasLimit,
		To:        &to,
		Value:     intent.Value,
		Data:      intent.Data,
	})

	signed, err := s.device.SignTransaction(ctx, tx, signCtx)
	if err != nil {
		return valops.SendResponse{}, valops.NewNonRetryableError(valops.ErrCodeSignerRejected, "hardware device rejected signing request", err)
	}

	rawTx, err := signed.MarshalBinary()
	if err != nil {
		return valops.SendResponse{}, valops.NewNonRetryableError(valops.ErrCodeSignerRejected, "encode signed transaction", err)
	}

	if _, err := s.client.Call(ctx, "eth_sendRawTransaction", hexutil.Encode(rawTx)); err != nil {
		return valops.SendResponse{}, valops.NewRetryableError(valops.ErrCodeUnknownBroadcast, "eth_sendRawTransaction failed", nil, err)
	}

	log.Debug("broadcast transaction (hardware signer)", "hash", signed.Hash().Hex(), "nonce", nonce, "address", s.device.Address().Hex())
	return valops.SendResponse{Hash: signed.Hash(), Nonce: nonce}, nil
}
