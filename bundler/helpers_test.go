package bundler

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/AvaProtocol/ap-bundler/core/chainio"
	"github.com/AvaProtocol/ap-bundler/core/config"
	"github.com/AvaProtocol/ap-bundler/core/mempool"
	"github.com/AvaProtocol/ap-bundler/core/reputation"
	"github.com/AvaProtocol/ap-bundler/core/validation"
	"github.com/AvaProtocol/ap-bundler/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-bundler/pkg/logger"
)

var (
	senderA = common.HexToAddress("0x000000000000000000000000000000000000000a")
	senderB = common.HexToAddress("0x000000000000000000000000000000000000000b")
	testTx  = common.HexToHash("0x7777")
)

func newOp(sender common.Address, nonce int64) *userop.UserOperation {
	return &userop.UserOperation{
		Sender:               sender,
		Nonce:                big.NewInt(nonce),
		CallGasLimit:         big.NewInt(100_000),
		VerificationGasLimit: big.NewInt(100_000),
		PreVerificationGas:   big.NewInt(21_000),
		MaxFeePerGas:         big.NewInt(2_000_000_000),
		MaxPriorityFeePerGas: big.NewInt(1_000_000_000),
	}
}

// okResult validates every op with a fixed gas and prefund.
func okResult(op *userop.UserOperation) *validation.Result {
	return &validation.Result{
		ReturnInfo: validation.ReturnInfo{PreOpGas: big.NewInt(50_000), Prefund: big.NewInt(1_000)},
		SenderInfo: reputation.StakeInfo{Addr: op.Sender, Stake: new(big.Int)},
		StorageMap: validation.StorageMap{},
	}
}

type fakeChain struct {
	mu       sync.Mutex
	receipts map[common.Hash]*types.Receipt
}

func (c *fakeChain) GetPaymasterDeposit(ctx context.Context, paymaster common.Address) (*big.Int, error) {
	return big.NewInt(1e18), nil
}

func (c *fakeChain) GetStorageRoot(ctx context.Context, addr common.Address) (common.Hash, error) {
	return common.Hash{}, nil
}

func (c *fakeChain) ChainID(ctx context.Context) (*big.Int, error) { return big.NewInt(31337), nil }

func (c *fakeChain) FeeEstimate(ctx context.Context) (*big.Int, *big.Int, error) {
	return big.NewInt(30_000_000_000), big.NewInt(2_000_000_000), nil
}

func (c *fakeChain) NonceAt(ctx context.Context, addr common.Address) (uint64, error) { return 0, nil }

func (c *fakeChain) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.receipts[txHash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (c *fakeChain) setReceipt(h common.Hash, status uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receipts[h] = &types.Receipt{TxHash: h, Status: status, BlockNumber: big.NewInt(1)}
}

type fakeSigner struct{}

func (fakeSigner) Address() common.Address { return common.HexToAddress("0xee") }

func (fakeSigner) Balance(ctx context.Context) (*big.Int, error) { return big.NewInt(1e18), nil }

func (fakeSigner) SignTx(ctx context.Context, tx *types.Transaction) (*types.Transaction, error) {
	return tx, nil
}

type fakeTransport struct {
	mu   sync.Mutex
	sent int
}

func (t *fakeTransport) SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent++
	return testTx, nil
}

func (t *fakeTransport) SendRawTransactionConditional(ctx context.Context, raw []byte, known validation.StorageMap) (common.Hash, error) {
	return t.SendRawTransaction(ctx, raw)
}

type testEnv struct {
	bundler   *Bundler
	chain     *fakeChain
	transport *fakeTransport
	log       *logger.Recorder
}

func newTestEnv(t *testing.T, v validation.ValidatorFunc) *testEnv {
	t.Helper()

	if v == nil {
		v = func(ctx context.Context, op *userop.UserOperation, skip bool, ref *validation.ReferencedCodeHashes) (*validation.Result, error) {
			return okResult(op), nil
		}
	}
	log := logger.NewRecorder()
	c := &config.Config{
		Logger:                log,
		EntryPoint:            chainio.DefaultEntryPointAddress,
		AutoBundleMempoolSize: 100,
		InclusionTimeout:      time.Second,
		Reputation:            reputation.Config{Params: reputation.BundlerParams},
		Mempool:               mempool.Config{BatchLimit: 10},
	}
	env := &testEnv{
		chain:     &fakeChain{receipts: map[common.Hash]*types.Receipt{}},
		transport: &fakeTransport{},
		log:       log,
	}
	env.bundler = New(c, Deps{
		Validator: v,
		Chain:     env.chain,
		Signer:    fakeSigner{},
		Transport: env.transport,
	})
	env.bundler.inclusion.pollInterval = 10 * time.Millisecond
	t.Cleanup(env.bundler.inclusion.Stop)
	return env
}
