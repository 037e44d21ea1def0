package chainio

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/ethclient/gethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/AvaProtocol/ap-bundler/pkg/eip1559"
	"github.com/AvaProtocol/ap-bundler/pkg/logger"
)

// EthReader answers the bundler's read-only chain questions over one RPC connection.
type EthReader struct {
	eth        *ethclient.Client
	geth       *gethclient.Client
	entryPoint *bind.BoundContract
	logger     sdklogging.Logger

	mu      sync.Mutex
	chainID *big.Int
}

func NewEthReader(client *rpc.Client, entryPoint common.Address, log sdklogging.Logger) *EthReader {
	eth := ethclient.NewClient(client)
	return &EthReader{
		eth:        eth,
		geth:       gethclient.New(client),
		entryPoint: bind.NewBoundContract(entryPoint, *EntryPointABI, eth, nil, nil),
		logger:     logger.EnsureLogger(log),
	}
}

// GetPaymasterDeposit returns the paymaster's EntryPoint deposit at the latest block.
func (r *EthReader) GetPaymasterDeposit(ctx context.Context, paymaster common.Address) (*big.Int, error) {
	var out []interface{}
	if err := r.entryPoint.Call(&bind.CallOpts{Context: ctx}, &out, "balanceOf", paymaster); err != nil {
		return nil, fmt.Errorf("balanceOf %s: %w", paymaster.Hex(), err)
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

// GetStorageRoot returns the account's storage root via eth_getProof.
func (r *EthReader) GetStorageRoot(ctx context.Context, addr common.Address) (common.Hash, error) {
	proof, err := r.geth.GetProof(ctx, addr, nil, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("eth_getProof %s: %w", addr.Hex(), err)
	}
	return proof.StorageHash, nil
}

// ChainID is cached after the first successful lookup.
func (r *EthReader) ChainID(ctx context.Context) (*big.Int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.chainID == nil {
		id, err := r.eth.ChainID(ctx)
		if err != nil {
			return nil, err
		}
		r.chainID = id
	}
	return new(big.Int).Set(r.chainID), nil
}

func (r *EthReader) FeeEstimate(ctx context.Context) (*big.Int, *big.Int, error) {
	return eip1559.SuggestFee(ctx, r.eth)
}

func (r *EthReader) NonceAt(ctx context.Context, addr common.Address) (uint64, error) {
	return r.eth.PendingNonceAt(ctx, addr)
}

func (r *EthReader) BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error) {
	return r.eth.BalanceAt(ctx, addr, nil)
}

func (r *EthReader) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return r.eth.TransactionReceipt(ctx, txHash)
}
