package valops

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSystemContractAddressKnownKinds(t *testing.T) {
	addr, ok := SystemContractAddress(RequestConsolidation)
	assert.True(t, ok)
	assert.True(t, strings.EqualFold("0x0000BBdDc7CE488642fb579F8B00f3a590007251", addr.Hex()))

	addr, ok = SystemContractAddress(RequestWithdrawal)
	assert.True(t, ok)
	assert.True(t, strings.EqualFold("0x00000961Ef480Eb55e80D19ad83579A64c007002", addr.Hex()))
}

func TestSystemContractAddressUnknownKind(t *testing.T) {
	_, ok := SystemContractAddress(RequestKind("unknown"))
	assert.False(t, ok)
}
