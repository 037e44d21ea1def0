package bundle

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-bundler/core/chainio"
	"github.com/AvaProtocol/ap-bundler/core/mempool"
	"github.com/AvaProtocol/ap-bundler/core/reputation"
	"github.com/AvaProtocol/ap-bundler/core/validation"
	"github.com/AvaProtocol/ap-bundler/pkg/erc4337/userop"
)

var (
	senderA     = common.HexToAddress("0x000000000000000000000000000000000000000a")
	senderB     = common.HexToAddress("0x000000000000000000000000000000000000000b")
	senderC     = common.HexToAddress("0x000000000000000000000000000000000000000c")
	paymasterP  = common.HexToAddress("0x00000000000000000000000000000000000000ff")
	factoryF    = common.HexToAddress("0x00000000000000000000000000000000000000fa")
	beneficiary = common.HexToAddress("0x00000000000000000000000000000000000000be")
	signerAddr  = common.HexToAddress("0x00000000000000000000000000000000000000ee")
	rootA       = common.HexToHash("0xaaaa")
)

func newOp(sender common.Address, nonce int64) *userop.UserOperation {
	return &userop.UserOperation{
		Sender:               sender,
		Nonce:                big.NewInt(nonce),
		CallGasLimit:         big.NewInt(100_000),
		VerificationGasLimit: big.NewInt(100_000),
		PreVerificationGas:   big.NewInt(21_000),
		MaxFeePerGas:         big.NewInt(2_000_000_000),
		MaxPriorityFeePerGas: big.NewInt(2_000_000_000),
	}
}

// fakeValidator returns a fixed preOpGas and prefund for every op unless a
// per-sender override or error is set.
type fakeValidator struct {
	mu       sync.Mutex
	preOpGas int64
	prefund  int64
	storage  map[common.Address]validation.StorageMap
	errs     map[common.Address]error
	calls    int
}

func newFakeValidator() *fakeValidator {
	return &fakeValidator{
		preOpGas: 50_000,
		prefund:  1_000,
		storage:  map[common.Address]validation.StorageMap{},
		errs:     map[common.Address]error{},
	}
}

func (v *fakeValidator) Validate(ctx context.Context, op *userop.UserOperation, skip bool, ref *validation.ReferencedCodeHashes) (*validation.Result, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.calls++
	if err := v.errs[op.Sender]; err != nil {
		return nil, err
	}
	sm := validation.StorageMap{}
	sm.Merge(v.storage[op.Sender])
	return &validation.Result{
		ReturnInfo: validation.ReturnInfo{
			PreOpGas: big.NewInt(v.preOpGas),
			Prefund:  big.NewInt(v.prefund),
		},
		SenderInfo: reputation.StakeInfo{Addr: op.Sender, Stake: new(big.Int)},
		StorageMap: sm,
	}, nil
}

type fakeChain struct {
	deposits     map[common.Address]*big.Int
	depositCalls int
	roots        map[common.Address]common.Hash
	rootErr      error
	nonce        uint64
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		deposits: map[common.Address]*big.Int{},
		roots:    map[common.Address]common.Hash{senderA: rootA},
	}
}

func (c *fakeChain) GetPaymasterDeposit(ctx context.Context, paymaster common.Address) (*big.Int, error) {
	c.depositCalls++
	if d, ok := c.deposits[paymaster]; ok {
		return d, nil
	}
	return new(big.Int), nil
}

func (c *fakeChain) GetStorageRoot(ctx context.Context, addr common.Address) (common.Hash, error) {
	if c.rootErr != nil {
		return common.Hash{}, c.rootErr
	}
	return c.roots[addr], nil
}

func (c *fakeChain) ChainID(ctx context.Context) (*big.Int, error) { return big.NewInt(31337), nil }

func (c *fakeChain) FeeEstimate(ctx context.Context) (*big.Int, *big.Int, error) {
	return big.NewInt(30_000_000_000), big.NewInt(2_000_000_000), nil
}

func (c *fakeChain) NonceAt(ctx context.Context, addr common.Address) (uint64, error) {
	return c.nonce, nil
}

type fakeSigner struct {
	balance *big.Int
	signed  []*types.Transaction
}

func (s *fakeSigner) Address() common.Address { return signerAddr }

func (s *fakeSigner) Balance(ctx context.Context) (*big.Int, error) {
	if s.balance == nil {
		return nil, errors.New("balance unavailable")
	}
	return s.balance, nil
}

func (s *fakeSigner) SignTx(ctx context.Context, tx *types.Transaction) (*types.Transaction, error) {
	s.signed = append(s.signed, tx)
	return tx, nil
}

type fakeTransport struct {
	raw           [][]byte
	knownAccounts validation.StorageMap
	conditional   bool
	err           error
}

func (t *fakeTransport) SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error) {
	t.raw = append(t.raw, raw)
	if t.err != nil {
		return common.Hash{}, t.err
	}
	return common.HexToHash("0x7777"), nil
}

func (t *fakeTransport) SendRawTransactionConditional(ctx context.Context, raw []byte, known validation.StorageMap) (common.Hash, error) {
	t.conditional = true
	t.knownAccounts = known
	return t.SendRawTransaction(ctx, raw)
}

type fakeHasher struct{}

func (fakeHasher) ComputeOpHashes(ctx context.Context, entryPoint common.Address, ops []*userop.UserOperation) ([]common.Hash, error) {
	out := make([]common.Hash, len(ops))
	for i, op := range ops {
		out[i], _ = op.Hash(entryPoint, big.NewInt(31337))
	}
	return out, nil
}

// rpcDataError mimics the error go-ethereum's rpc client returns for a revert.
type rpcDataError struct {
	code int
	msg  string
	data interface{}
}

func (e *rpcDataError) Error() string          { return e.msg }
func (e *rpcDataError) ErrorCode() int         { return e.code }
func (e *rpcDataError) ErrorData() interface{} { return e.data }

type env struct {
	rep       *reputation.Tracker
	pool      *mempool.Mempool
	validator *fakeValidator
	chain     *fakeChain
	signer    *fakeSigner
	transport *fakeTransport
	builder   *Builder
	submitter *Submitter
}

func newEnv(t *testing.T, bc BuilderConfig, sc SubmitterConfig) *env {
	t.Helper()

	e := &env{
		rep:       reputation.NewTracker(reputation.Config{Params: reputation.BundlerParams}, nil),
		validator: newFakeValidator(),
		chain:     newFakeChain(),
		signer:    &fakeSigner{balance: big.NewInt(1e18)},
		transport: &fakeTransport{},
	}
	e.pool = mempool.New(mempool.Config{BatchLimit: 10}, e.rep, nil)
	e.builder = NewBuilder(bc, e.pool, e.rep, e.validator, e.chain, nil)

	if sc.EntryPoint == (common.Address{}) {
		sc.EntryPoint = chainio.DefaultEntryPointAddress
	}
	sc.ConditionalRpc = bc.ConditionalRpc
	e.submitter = NewSubmitter(sc, SubmitterDeps{
		Pool:       e.pool,
		Builder:    e.builder,
		Reputation: e.rep,
		Chain:      e.chain,
		Signer:     e.signer,
		Transport:  e.transport,
		Hasher:     fakeHasher{},
	})
	return e
}

func (e *env) admit(t *testing.T, op *userop.UserOperation) common.Hash {
	t.Helper()
	h, err := op.Hash(chainio.DefaultEntryPointAddress, big.NewInt(31337))
	require.NoError(t, err)

	stakes := mempool.EntityStakes{Sender: reputation.StakeInfo{Addr: op.Sender, Stake: new(big.Int)}}
	if op.HasPaymaster() {
		stakes.Paymaster = &reputation.StakeInfo{Addr: op.Paymaster, Stake: new(big.Int)}
	}
	if op.HasFactory() {
		stakes.Factory = &reputation.StakeInfo{Addr: op.Factory, Stake: new(big.Int)}
	}
	require.NoError(t, e.pool.Admit(op, h, big.NewInt(1_000), nil, stakes))
	return h
}

func (e *env) status(t *testing.T, h common.Hash) (mempool.Status, bool) {
	t.Helper()
	entry, ok := e.pool.Find(h)
	return entry.Status, ok
}
