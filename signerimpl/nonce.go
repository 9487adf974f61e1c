package signerimpl

import (
	"context"
	"encoding/json"

	"github.com/arcsign/valops/rpc"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// fetchTransactionCount reads the account's current nonce via
// eth_getTransactionCount against the "latest" block, used to seed a
// signer's initial pending nonce.
func fetchTransactionCount(ctx context.Context, client rpc.Client, address common.Address) (uint64, error) {
	result, err := client.Call(ctx, "eth_getTransactionCount", address.Hex(), "latest")
	if err != nil {
		return 0, err
	}

	var hex string
	if err := json.Unmarshal(result, &hex); err != nil {
		return 0, err
	}
	return hexutil.DecodeUint64(hex)
}
