package bundle

import (
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-bundler/core/chainio"
)

func failedOpData(t *testing.T, idx int64, reason string) []byte {
	t.Helper()
	e := chainio.EntryPointABI.Errors["FailedOp"]
	args, err := e.Inputs.Pack(big.NewInt(idx), reason)
	require.NoError(t, err)
	return append(append([]byte{}, e.ID[:4]...), args...)
}

func failedOpWithRevertData(t *testing.T, idx int64, reason string, inner []byte) []byte {
	t.Helper()
	e := chainio.EntryPointABI.Errors["FailedOpWithRevert"]
	args, err := e.Inputs.Pack(big.NewInt(idx), reason, inner)
	require.NoError(t, err)
	return append(append([]byte{}, e.ID[:4]...), args...)
}

func errorStringData(t *testing.T, msg string) []byte {
	t.Helper()
	stringTy, err := abi.NewType("string", "", nil)
	require.NoError(t, err)
	args, err := abi.Arguments{{Type: stringTy}}.Pack(msg)
	require.NoError(t, err)
	return append(crypto.Keccak256([]byte("Error(string)"))[:4], args...)
}

func TestParseFailedOpHexData(t *testing.T) {
	err := &rpcDataError{code: 3, msg: "execution reverted", data: hexutil.Encode(failedOpData(t, 1, "AA23 reverted"))}

	f, ok := ParseAttributableFailure(err)
	require.True(t, ok)
	assert.Equal(t, 1, f.OpIndex)
	assert.Equal(t, "AA23 reverted", f.Reason)
	assert.Equal(t, "sender", f.Role())
}

func TestParseFailedOpNestedData(t *testing.T) {
	data := map[string]interface{}{"data": hexutil.Encode(failedOpData(t, 0, "AA13 initCode failed or OOG"))}
	err := fmt.Errorf("send bundle: %w", &rpcDataError{code: -32000, msg: "reverted", data: data})

	f, ok := ParseAttributableFailure(err)
	require.True(t, ok)
	assert.Equal(t, 0, f.OpIndex)
	assert.Equal(t, "factory", f.Role())
}

func TestParseFailedOpWithRevert(t *testing.T) {
	inner := []byte{0xde, 0xad, 0xbe, 0xef}
	err := &rpcDataError{code: 3, msg: "execution reverted", data: failedOpWithRevertData(t, 2, "AA33 reverted", inner)}

	f, ok := ParseAttributableFailure(err)
	require.True(t, ok)
	assert.Equal(t, 2, f.OpIndex)
	assert.Equal(t, "paymaster", f.Role())
	assert.Equal(t, inner, f.Inner)
}

func TestParseErrorStringWrappingFailedOp(t *testing.T) {
	data := errorStringData(t, `FailedOp(3, "AA21 didn't pay prefund")`)
	err := &rpcDataError{code: 3, msg: "execution reverted", data: hexutil.Encode(data)}

	f, ok := ParseAttributableFailure(err)
	require.True(t, ok)
	assert.Equal(t, 3, f.OpIndex)
	assert.Equal(t, "AA21 didn't pay prefund", f.Reason)
}

func TestParseFailedOpFromMessage(t *testing.T) {
	cases := []struct {
		msg    string
		index  int
		reason string
		role   string
	}{
		{`execution reverted: FailedOp(4, "AA10 sender already constructed")`, 4, "AA10 sender already constructed", "factory"},
		{`execution reverted: FailedOpWithRevert(0, "AA23 reverted", 0x1234)`, 0, "AA23 reverted", "sender"},
		{`execution reverted: FailedOpWithRevert(2,"AA33 reverted",0x)`, 2, "AA33 reverted", "paymaster"},
	}
	for _, tc := range cases {
		t.Run(tc.msg, func(t *testing.T) {
			f, ok := ParseAttributableFailure(errors.New(tc.msg))
			require.True(t, ok)
			assert.Equal(t, tc.index, f.OpIndex)
			assert.Equal(t, tc.reason, f.Reason)
			assert.Equal(t, tc.role, f.Role())
		})
	}
}

func TestParseUnattributable(t *testing.T) {
	cases := map[string]error{
		"nil":           nil,
		"plain":         errors.New("connection refused"),
		"garbage data":  &rpcDataError{code: 3, msg: "execution reverted", data: "0x1234"},
		"not hex":       &rpcDataError{code: 3, msg: "execution reverted", data: "nonsense"},
		"other error":   &rpcDataError{code: 3, msg: "execution reverted", data: hexutil.Encode(errorStringData(t, "Ownable: caller is not the owner"))},
		"empty payload": &rpcDataError{code: 3, msg: "execution reverted", data: map[string]interface{}{}},
	}
	for name, err := range cases {
		t.Run(name, func(t *testing.T) {
			_, ok := ParseAttributableFailure(err)
			assert.False(t, ok)
		})
	}
}

func TestFailureRole(t *testing.T) {
	cases := map[string]string{
		"AA10 sender already constructed": "factory",
		"AA25 invalid account nonce":      "sender",
		"AA31 paymaster deposit too low":  "paymaster",
		"AA40 over verificationGasLimit":  "",
		"AA95 out of gas":                 "",
	}
	for reason, want := range cases {
		assert.Equal(t, want, (&Failure{Reason: reason}).Role(), reason)
	}
}

func TestIsMethodNotFound(t *testing.T) {
	assert.True(t, isMethodNotFound(&rpcDataError{code: -32601, msg: "method not found"}))
	assert.False(t, isMethodNotFound(&rpcDataError{code: -32000, msg: "reverted"}))
	assert.False(t, isMethodNotFound(errors.New("method not found")))
}
