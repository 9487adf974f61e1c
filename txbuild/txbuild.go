// Package txbuild assembles TransactionIntent values for the validator
// request pipeline. This is the one piece of request→transaction glue the
// core owns end-to-end (per-command request-byte encoding stays out of
// scope, spec.md §1).
package txbuild

import (
	"math/big"

	"github.com/arcsign/valops"
	"github.com/ethereum/go-ethereum/common"
)

// Build wraps request as calldata to contractAddr, valued at fee.ContractFee
// and priced at fee's network max-fees (spec.md §3 "Transaction Intent").
func Build(request valops.Request, contractAddr common.Address, fee valops.FeeSnapshot) valops.TransactionIntent {
	return valops.TransactionIntent{
		To:                   contractAddr,
		Data:                 request,
		Value:                new(big.Int).Set(fee.ContractFee),
		GasLimit:             valops.RequestGasLimit,
		MaxFeePerGas:         new(big.Int).Set(fee.MaxFeePerGas),
		MaxPriorityFeePerGas: new(big.Int).Set(fee.MaxPriorityFeePerGas),
	}
}

// Revalue returns a copy of intent re-priced at a new contract fee, leaving
// gas fees untouched. Used when a pending transaction's value needs
// refreshing for a new block without bumping its fees (spec.md invariant 5).
func Revalue(intent valops.TransactionIntent, contractFee *big.Int) valops.TransactionIntent {
	out := intent
	out.Value = new(big.Int).Set(contractFee)
	return out
}
