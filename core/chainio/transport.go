package chainio

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/AvaProtocol/ap-bundler/core/validation"
)

// RPCCaller is satisfied by *rpc.Client.
type RPCCaller interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
}

var _ RPCCaller = (*rpc.Client)(nil)

// RPCTransport submits signed bundle transactions to the node.
type RPCTransport struct {
	client RPCCaller
}

func NewRPCTransport(client RPCCaller) *RPCTransport {
	return &RPCTransport{client: client}
}

func (t *RPCTransport) SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error) {
	var hash common.Hash
	err := t.client.CallContext(ctx, &hash, "eth_sendRawTransaction", hexutil.Encode(raw))
	return hash, err
}

// SendRawTransactionConditional attaches knownAccounts so the node drops the
// transaction if any listed storage changed before inclusion.
func (t *RPCTransport) SendRawTransactionConditional(ctx context.Context, raw []byte, knownAccounts validation.StorageMap) (common.Hash, error) {
	var hash common.Hash
	err := t.client.CallContext(ctx, &hash, "eth_sendRawTransactionConditional", hexutil.Encode(raw), map[string]any{
		"knownAccounts": knownAccounts,
	})
	return hash, err
}
