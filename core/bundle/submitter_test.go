package bundle

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-bundler/core/chainio"
	"github.com/AvaProtocol/ap-bundler/core/mempool"
	"github.com/AvaProtocol/ap-bundler/core/reputation"
)

func TestSendNextBundleEmptyPool(t *testing.T) {
	e := newEnv(t, BuilderConfig{}, SubmitterConfig{})

	res, err := e.submitter.SendNextBundle(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, res.Empty())
	assert.Empty(t, e.transport.raw)
}

func TestSendNextBundleConditional(t *testing.T) {
	e := newEnv(t, BuilderConfig{ConditionalRpc: true}, SubmitterConfig{Beneficiary: beneficiary})
	h := e.admit(t, newOp(senderA, 0))

	res, err := e.submitter.SendNextBundle(context.Background(), false)
	require.NoError(t, err)
	require.False(t, res.Empty())

	assert.Equal(t, common.HexToHash("0x7777"), res.TxHash)
	assert.Equal(t, []common.Hash{h}, res.OpHashes)
	assert.NotEmpty(t, res.BundleID)

	require.True(t, e.transport.conditional)
	require.NotNil(t, e.transport.knownAccounts[senderA].Root)
	assert.Equal(t, rootA, *e.transport.knownAccounts[senderA].Root)

	// Sent entries stay claimed until inclusion is confirmed.
	status, ok := e.status(t, h)
	require.True(t, ok)
	assert.Equal(t, mempool.Bundling, status)
}

func TestSendNextBundleTransaction(t *testing.T) {
	e := newEnv(t, BuilderConfig{}, SubmitterConfig{Beneficiary: beneficiary, GasLimit: 3_000_000})
	e.chain.nonce = 7
	e.admit(t, newOp(senderA, 0))

	_, err := e.submitter.SendNextBundle(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, e.signer.signed, 1)
	assert.False(t, e.transport.conditional)

	tx := e.signer.signed[0]
	assert.Equal(t, uint8(types.DynamicFeeTxType), tx.Type())
	assert.Equal(t, uint64(7), tx.Nonce())
	assert.Equal(t, uint64(3_000_000), tx.Gas())
	assert.Equal(t, chainio.DefaultEntryPointAddress, *tx.To())
	assert.Equal(t, 0, tx.ChainId().Cmp(big.NewInt(31337)))

	method, err := chainio.EntryPointABI.MethodById(tx.Data()[:4])
	require.NoError(t, err)
	assert.Equal(t, "handleOps", method.Name)
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, beneficiary, args[1])

	// The next bundle uses the following nonce without asking the node again.
	e.chain.nonce = 0
	e.admit(t, newOp(senderB, 0))
	_, err = e.submitter.SendNextBundle(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, e.signer.signed, 2)
	assert.Equal(t, uint64(8), e.signer.signed[1].Nonce())
}

func TestSelectBeneficiary(t *testing.T) {
	cases := []struct {
		name       string
		configured common.Address
		balance    *big.Int
		want       common.Address
	}{
		{"no beneficiary configured", common.Address{}, big.NewInt(1e18), signerAddr},
		{"healthy signer", beneficiary, big.NewInt(1e18), beneficiary},
		{"signer at minimum", beneficiary, big.NewInt(1e17), signerAddr},
		{"signer below minimum", beneficiary, big.NewInt(1), signerAddr},
		{"balance unavailable", beneficiary, nil, beneficiary},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t, BuilderConfig{}, SubmitterConfig{Beneficiary: tc.configured, MinSignerBalance: big.NewInt(1e17)})
			e.signer.balance = tc.balance
			assert.Equal(t, tc.want, e.submitter.selectBeneficiary(context.Background()))
		})
	}
}

func TestSendNextBundleBlamesSender(t *testing.T) {
	e := newEnv(t, BuilderConfig{}, SubmitterConfig{})
	good := e.admit(t, newOp(senderA, 0))
	bad := e.admit(t, newOp(senderB, 0))
	e.transport.err = &rpcDataError{code: 3, msg: "execution reverted", data: hexutil.Encode(failedOpData(t, 1, "AA23 reverted"))}

	res, err := e.submitter.SendNextBundle(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, res.Empty())

	_, ok := e.pool.Find(bad)
	assert.False(t, ok)
	status, ok := e.status(t, good)
	require.True(t, ok)
	assert.Equal(t, mempool.Pending, status)

	assert.Equal(t, reputation.Banned, e.rep.Status(senderB))
	assert.Equal(t, reputation.OK, e.rep.Status(senderA))
}

func TestSendNextBundleBlamesPaymaster(t *testing.T) {
	e := newEnv(t, BuilderConfig{}, SubmitterConfig{})
	e.chain.deposits[paymasterP] = big.NewInt(1e18)
	op := newOp(senderA, 0)
	op.Paymaster = paymasterP
	h := e.admit(t, op)
	e.transport.err = &rpcDataError{code: 3, msg: "execution reverted", data: hexutil.Encode(failedOpData(t, 0, "AA33 reverted"))}

	_, err := e.submitter.SendNextBundle(context.Background(), false)
	require.NoError(t, err)

	_, ok := e.pool.Find(h)
	assert.False(t, ok)
	assert.Equal(t, reputation.Banned, e.rep.Status(paymasterP))
	assert.Equal(t, reputation.OK, e.rep.Status(senderA))
}

func TestSendNextBundleOutOfRangeIndexReleases(t *testing.T) {
	e := newEnv(t, BuilderConfig{}, SubmitterConfig{})
	h := e.admit(t, newOp(senderA, 0))
	e.transport.err = &rpcDataError{code: 3, msg: "execution reverted", data: hexutil.Encode(failedOpData(t, 5, "AA23 reverted"))}

	res, err := e.submitter.SendNextBundle(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, res.Empty())

	status, ok := e.status(t, h)
	require.True(t, ok)
	assert.Equal(t, mempool.Pending, status)
}

func TestSendNextBundleUnparseableFailureKeepsEntriesClaimed(t *testing.T) {
	e := newEnv(t, BuilderConfig{}, SubmitterConfig{})
	h := e.admit(t, newOp(senderA, 0))
	e.transport.err = errors.New("replacement transaction underpriced")

	res, err := e.submitter.SendNextBundle(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, res.Empty())

	status, ok := e.status(t, h)
	require.True(t, ok)
	assert.Equal(t, mempool.Bundling, status)

	// A claimed entry is not picked up again.
	e.transport.err = nil
	res, err = e.submitter.SendNextBundle(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, res.Empty())
}

func TestSendNextBundleMethodNotFound(t *testing.T) {
	e := newEnv(t, BuilderConfig{ConditionalRpc: true}, SubmitterConfig{})
	e.admit(t, newOp(senderA, 0))
	e.transport.err = &rpcDataError{code: -32601, msg: "the method eth_sendRawTransactionConditional does not exist"}

	_, err := e.submitter.SendNextBundle(context.Background(), false)
	require.Error(t, err)
	assert.ErrorContains(t, err, "not supported")
}

func TestSendNextBundleFailedSendResetsNonce(t *testing.T) {
	e := newEnv(t, BuilderConfig{}, SubmitterConfig{})
	e.chain.nonce = 3
	e.admit(t, newOp(senderA, 0))
	e.transport.err = &rpcDataError{code: 3, msg: "execution reverted", data: hexutil.Encode(failedOpData(t, 0, "AA25 invalid account nonce"))}

	_, err := e.submitter.SendNextBundle(context.Background(), false)
	require.NoError(t, err)

	e.transport.err = nil
	e.admit(t, newOp(senderB, 0))
	_, err = e.submitter.SendNextBundle(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, e.signer.signed, 2)
	assert.Equal(t, uint64(3), e.signer.signed[1].Nonce())
}

func TestSendNextBundleDrainAll(t *testing.T) {
	e := newEnv(t, BuilderConfig{}, SubmitterConfig{})
	e.pool = mempool.New(mempool.Config{BatchLimit: 1}, e.rep, nil)
	e.builder = NewBuilder(BuilderConfig{}, e.pool, e.rep, e.validator, e.chain, nil)
	e.submitter = NewSubmitter(SubmitterConfig{EntryPoint: chainio.DefaultEntryPointAddress}, SubmitterDeps{
		Pool:       e.pool,
		Builder:    e.builder,
		Reputation: e.rep,
		Chain:      e.chain,
		Signer:     e.signer,
		Transport:  e.transport,
	})
	e.admit(t, newOp(senderA, 0))
	e.admit(t, newOp(senderB, 0))

	res, err := e.submitter.SendNextBundle(context.Background(), true)
	require.NoError(t, err)
	assert.Len(t, res.OpHashes, 2)
}
