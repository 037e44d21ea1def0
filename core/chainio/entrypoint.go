// Package chainio talks to the chain on behalf of the bundler: EntryPoint
// calls, deposits, storage proofs, fee estimates, transaction submission and
// receipts.
package chainio

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-bundler/pkg/erc4337/userop"
)

// DefaultEntryPointAddress is the canonical EntryPoint v0.6 deployment.
var DefaultEntryPointAddress = common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")

const userOpTupleABI = `{"components":[
	{"internalType":"address","name":"sender","type":"address"},
	{"internalType":"uint256","name":"nonce","type":"uint256"},
	{"internalType":"bytes","name":"initCode","type":"bytes"},
	{"internalType":"bytes","name":"callData","type":"bytes"},
	{"internalType":"uint256","name":"callGasLimit","type":"uint256"},
	{"internalType":"uint256","name":"verificationGasLimit","type":"uint256"},
	{"internalType":"uint256","name":"preVerificationGas","type":"uint256"},
	{"internalType":"uint256","name":"maxFeePerGas","type":"uint256"},
	{"internalType":"uint256","name":"maxPriorityFeePerGas","type":"uint256"},
	{"internalType":"bytes","name":"paymasterAndData","type":"bytes"},
	{"internalType":"bytes","name":"signature","type":"bytes"}]`

// EntryPointMetaData holds the subset of the EntryPoint v0.6 ABI the bundler uses.
var EntryPointMetaData = &bind.MetaData{
	ABI: `[
	{"inputs":[{"internalType":"uint256","name":"opIndex","type":"uint256"},{"internalType":"string","name":"reason","type":"string"}],"name":"FailedOp","type":"error"},
	{"inputs":[{"internalType":"uint256","name":"opIndex","type":"uint256"},{"internalType":"string","name":"reason","type":"string"},{"internalType":"bytes","name":"inner","type":"bytes"}],"name":"FailedOpWithRevert","type":"error"},
	{"inputs":[{"internalType":"address","name":"account","type":"address"}],"name":"balanceOf","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[` + userOpTupleABI + `,"internalType":"struct UserOperation","name":"userOp","type":"tuple"}],"name":"getUserOpHash","outputs":[{"internalType":"bytes32","name":"","type":"bytes32"}],"stateMutability":"view","type":"function"},
	{"inputs":[` + userOpTupleABI + `,"internalType":"struct UserOperation[]","name":"ops","type":"tuple[]"},{"internalType":"address payable","name":"beneficiary","type":"address"}],"name":"handleOps","outputs":[],"stateMutability":"nonpayable","type":"function"}
]`,
}

// EntryPointABI is the parsed EntryPointMetaData.
var EntryPointABI = mustParseABI()

func mustParseABI() *abi.ABI {
	parsed, err := EntryPointMetaData.GetAbi()
	if err != nil {
		panic(err)
	}
	return parsed
}

// UserOperationTuple is the ABI tuple form of a v0.6 UserOperation.
type UserOperationTuple struct {
	Sender               common.Address
	Nonce                *big.Int
	InitCode             []byte
	CallData             []byte
	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	PaymasterAndData     []byte
	Signature            []byte
}

func ToTuple(op *userop.UserOperation) UserOperationTuple {
	return UserOperationTuple{
		Sender:               op.Sender,
		Nonce:                orZero(op.Nonce),
		InitCode:             nonNil(op.InitCode()),
		CallData:             nonNil(op.CallData),
		CallGasLimit:         orZero(op.CallGasLimit),
		VerificationGasLimit: orZero(op.VerificationGasLimit),
		PreVerificationGas:   orZero(op.PreVerificationGas),
		MaxFeePerGas:         orZero(op.MaxFeePerGas),
		MaxPriorityFeePerGas: orZero(op.MaxPriorityFeePerGas),
		PaymasterAndData:     nonNil(op.PaymasterAndData()),
		Signature:            nonNil(op.Signature),
	}
}

// EncodeHandleOps builds the calldata of handleOps(ops, beneficiary).
func EncodeHandleOps(ops []*userop.UserOperation, beneficiary common.Address) ([]byte, error) {
	tuples := make([]UserOperationTuple, len(ops))
	for i, op := range ops {
		tuples[i] = ToTuple(op)
	}
	return EntryPointABI.Pack("handleOps", tuples, beneficiary)
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
