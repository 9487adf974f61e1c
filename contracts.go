package valops

import "github.com/ethereum/go-ethereum/common"

// RequestKind identifies which execution-layer system contract a request
// targets (spec.md §6, GLOSSARY).
type RequestKind string

const (
	// RequestConsolidation covers both EIP-7251 consolidations and credential
	// switches — both are calls to the consolidation system contract.
	RequestConsolidation RequestKind = "consolidation"
	// RequestWithdrawal covers EIP-7002 partial/full withdrawals and exits.
	RequestWithdrawal RequestKind = "withdrawal"
)

// systemContracts holds the fixed, network-independent addresses of the two
// execution-layer request contracts (spec.md §6). Unlike the teacher's
// provider.ProviderRegistry this is a plain map literal: there is no runtime
// registration, and spec.md §9 rules out module-level mutable state.
var systemContracts = map[RequestKind]common.Address{
	RequestConsolidation: common.HexToAddress("0x0000BBdDc7CE488642fb579F8B00f3a590007251"),
	RequestWithdrawal:    common.HexToAddress("0x00000961Ef480Eb55e80D19ad83579A64c007002"),
}

// SystemContractAddress returns the fixed address of the given request
// kind's system contract.
func SystemContractAddress(kind RequestKind) (common.Address, bool) {
	addr, ok := systemContracts[kind]
	return addr, ok
}
