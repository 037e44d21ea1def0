// Package bundle turns claimed mempool entries into handleOps transactions:
// the Builder picks a gas- and risk-bounded subset, the Submitter signs and
// sends it and feeds on-chain failures back into reputation and the pool.
package bundle

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/samber/lo"

	"github.com/AvaProtocol/ap-bundler/core/mempool"
	"github.com/AvaProtocol/ap-bundler/core/validation"
	"github.com/AvaProtocol/ap-bundler/pkg/erc4337/userop"
)

// ChainReader is implemented by chainio.EthReader.
type ChainReader interface {
	GetPaymasterDeposit(ctx context.Context, paymaster common.Address) (*big.Int, error)
	GetStorageRoot(ctx context.Context, addr common.Address) (common.Hash, error)
	ChainID(ctx context.Context) (*big.Int, error)
	FeeEstimate(ctx context.Context) (maxFee *big.Int, maxPriorityFee *big.Int, err error)
	NonceAt(ctx context.Context, addr common.Address) (uint64, error)
}

// Signer is implemented by signer.Signer.
type Signer interface {
	Address() common.Address
	Balance(ctx context.Context) (*big.Int, error)
	SignTx(ctx context.Context, tx *types.Transaction) (*types.Transaction, error)
}

// Transport is implemented by chainio.RPCTransport.
type Transport interface {
	SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error)
	SendRawTransactionConditional(ctx context.Context, raw []byte, knownAccounts validation.StorageMap) (common.Hash, error)
}

// OpHasher is implemented by chainio.OpHasher.
type OpHasher interface {
	ComputeOpHashes(ctx context.Context, entryPoint common.Address, ops []*userop.UserOperation) ([]common.Hash, error)
}

// Bundle is the outcome of one build pass.
type Bundle struct {
	// Entries are the committed entries, still marked bundling.
	Entries    []*mempool.Entry
	StorageMap validation.StorageMap

	// Deferred entries went back to pending; Removed ones left the pool.
	Deferred []common.Hash
	Removed  []common.Hash
}

func (b *Bundle) Ops() []*userop.UserOperation {
	return lo.Map(b.Entries, func(e *mempool.Entry, _ int) *userop.UserOperation { return e.Op })
}

func (b *Bundle) Hashes() []common.Hash {
	return lo.Map(b.Entries, func(e *mempool.Entry, _ int) common.Hash { return e.Hash })
}

func (b *Bundle) Empty() bool {
	return b == nil || len(b.Entries) == 0
}
