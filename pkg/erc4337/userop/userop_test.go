package userop

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testEntryPoint = common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")
	testFactory    = common.HexToAddress("0x29adA1b5217242DEaBB142BC3b1bCfFdd56008e7")
	testPaymaster  = common.HexToAddress("0xB985af5f96EF2722DC99aEBA573520903B86505e")
)

func sampleOp() *UserOperation {
	return &UserOperation{
		Sender:               common.HexToAddress("0x804e49e8C4eDb560AE7c48B554f6d2e27Bb81557"),
		Nonce:                big.NewInt(3),
		Factory:              testFactory,
		FactoryData:          []byte{0x5f, 0xbf, 0xb9, 0xcf},
		CallData:             []byte{0xb6, 0x1d, 0x27, 0xf6},
		CallGasLimit:         big.NewInt(100000),
		VerificationGasLimit: big.NewInt(200000),
		PreVerificationGas:   big.NewInt(50000),
		MaxFeePerGas:         big.NewInt(20_000_000_000),
		MaxPriorityFeePerGas: big.NewInt(2_000_000_000),
		Paymaster:            testPaymaster,
		PaymasterData:        []byte{0x01, 0x02},
		Signature:            []byte{0xaa},
	}
}

func TestInitCodeAndPaymasterAndDataRoundTrip(t *testing.T) {
	op := sampleOp()

	initCode := op.InitCode()
	require.Len(t, initCode, common.AddressLength+4)
	assert.Equal(t, testFactory.Bytes(), initCode[:common.AddressLength])

	var other UserOperation
	other.SetInitCode(initCode)
	other.SetPaymasterAndData(op.PaymasterAndData())
	assert.Equal(t, op.Factory, other.Factory)
	assert.Equal(t, op.FactoryData, other.FactoryData)
	assert.Equal(t, op.Paymaster, other.Paymaster)
	assert.Equal(t, op.PaymasterData, other.PaymasterData)
}

func TestInitCodeEmptyWithoutFactory(t *testing.T) {
	op := sampleOp()
	op.Factory = common.Address{}
	op.Paymaster = common.Address{}

	assert.Nil(t, op.InitCode())
	assert.Nil(t, op.PaymasterAndData())
	assert.False(t, op.HasFactory())
	assert.False(t, op.HasPaymaster())
}

func TestHashDependsOnEntryPointAndChain(t *testing.T) {
	op := sampleOp()

	h1, err := op.Hash(testEntryPoint, big.NewInt(1))
	require.NoError(t, err)
	h2, err := op.Hash(testEntryPoint, big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, h1, h2, "hash must be deterministic")

	h3, err := op.Hash(testEntryPoint, big.NewInt(11155111))
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)

	h4, err := op.Hash(testFactory, big.NewInt(1))
	require.NoError(t, err)
	assert.NotEqual(t, h1, h4)
}

func TestHashIgnoresSignature(t *testing.T) {
	op := sampleOp()
	h1, err := op.Hash(testEntryPoint, big.NewInt(1))
	require.NoError(t, err)

	op.Signature = []byte{0xde, 0xad}
	h2, err := op.Hash(testEntryPoint, big.NewInt(1))
	require.NoError(t, err)

	assert.Equal(t, h1, h2)

	op.MaxFeePerGas = big.NewInt(1)
	h3, err := op.Hash(testEntryPoint, big.NewInt(1))
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}

func TestCopyIsDeep(t *testing.T) {
	op := sampleOp()
	cp := op.Copy()

	cp.Nonce.SetInt64(99)
	cp.CallData[0] = 0x00

	assert.Equal(t, int64(3), op.Nonce.Int64())
	assert.Equal(t, byte(0xb6), op.CallData[0])
}

func TestJSONRoundTrip(t *testing.T) {
	op := sampleOp()

	data, err := json.Marshal(op)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"nonce":"0x3"`)

	var decoded UserOperation
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, op.Sender, decoded.Sender)
	assert.Equal(t, 0, op.MaxFeePerGas.Cmp(decoded.MaxFeePerGas))
	assert.Equal(t, op.Factory, decoded.Factory)
	assert.Equal(t, op.PaymasterData, decoded.PaymasterData)
}

func TestWireRejectsMissingFields(t *testing.T) {
	var op UserOperation
	err := json.Unmarshal([]byte(`{"sender":"0x804e49e8C4eDb560AE7c48B554f6d2e27Bb81557","nonce":"0x0"}`), &op)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid user operation")
}

func TestWireRejectsShortInitCode(t *testing.T) {
	w := sampleOp().ToWire()
	w.InitCode = []byte{0x01, 0x02}

	_, err := w.ToUserOperation()
	require.Error(t, err)
}
