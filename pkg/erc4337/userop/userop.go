// Package userop models an EIP-4337 UserOperation as it travels through the
// bundler: the in-memory form used by the pool, the EntryPoint v0.6 packing
// used for hashing and handleOps, and the hex JSON form used on the wire.
package userop

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// UserOperation represents an EIP-4337 style transaction for a smart contract account.
//
// Factory and Paymaster are the zero address when the operation does not use
// them. The factory/paymaster payloads are kept apart from their addresses and
// only joined back into initCode / paymasterAndData when packing.
type UserOperation struct {
	Sender               common.Address
	Nonce                *big.Int
	Factory              common.Address
	FactoryData          []byte
	CallData             []byte
	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	Paymaster            common.Address
	PaymasterData        []byte
	Signature            []byte
}

// HasFactory reports whether the operation deploys its sender.
func (op *UserOperation) HasFactory() bool {
	return op.Factory != (common.Address{})
}

// HasPaymaster reports whether the operation is sponsored.
func (op *UserOperation) HasPaymaster() bool {
	return op.Paymaster != (common.Address{})
}

// InitCode returns factory || factoryData, or nil when there is no factory.
func (op *UserOperation) InitCode() []byte {
	if !op.HasFactory() {
		return nil
	}
	return joinAddress(op.Factory, op.FactoryData)
}

// PaymasterAndData returns paymaster || paymasterData, or nil when there is no paymaster.
func (op *UserOperation) PaymasterAndData() []byte {
	if !op.HasPaymaster() {
		return nil
	}
	return joinAddress(op.Paymaster, op.PaymasterData)
}

// SetInitCode splits a v0.6 initCode into factory and factoryData.
func (op *UserOperation) SetInitCode(initCode []byte) {
	op.Factory, op.FactoryData = splitAddress(initCode)
}

// SetPaymasterAndData splits a v0.6 paymasterAndData into paymaster and paymasterData.
func (op *UserOperation) SetPaymasterAndData(paymasterAndData []byte) {
	op.Paymaster, op.PaymasterData = splitAddress(paymasterAndData)
}

// Copy returns a deep copy so pool entries never share mutable state with callers.
func (op *UserOperation) Copy() *UserOperation {
	cp := *op
	cp.Nonce = copyBig(op.Nonce)
	cp.CallGasLimit = copyBig(op.CallGasLimit)
	cp.VerificationGasLimit = copyBig(op.VerificationGasLimit)
	cp.PreVerificationGas = copyBig(op.PreVerificationGas)
	cp.MaxFeePerGas = copyBig(op.MaxFeePerGas)
	cp.MaxPriorityFeePerGas = copyBig(op.MaxPriorityFeePerGas)
	cp.FactoryData = common.CopyBytes(op.FactoryData)
	cp.CallData = common.CopyBytes(op.CallData)
	cp.PaymasterData = common.CopyBytes(op.PaymasterData)
	cp.Signature = common.CopyBytes(op.Signature)
	return &cp
}

var (
	addressTy, _ = abi.NewType("address", "", nil)
	uint256Ty, _ = abi.NewType("uint256", "", nil)
	bytes32Ty, _ = abi.NewType("bytes32", "", nil)

	packArgs = abi.Arguments{
		{Type: addressTy}, // sender
		{Type: uint256Ty}, // nonce
		{Type: bytes32Ty}, // keccak(initCode)
		{Type: bytes32Ty}, // keccak(callData)
		{Type: uint256Ty}, // callGasLimit
		{Type: uint256Ty}, // verificationGasLimit
		{Type: uint256Ty}, // preVerificationGas
		{Type: uint256Ty}, // maxFeePerGas
		{Type: uint256Ty}, // maxPriorityFeePerGas
		{Type: bytes32Ty}, // keccak(paymasterAndData)
	}

	hashArgs = abi.Arguments{
		{Type: bytes32Ty},
		{Type: addressTy},
		{Type: uint256Ty},
	}
)

// Pack encodes the operation the way EntryPoint v0.6 does before hashing it,
// with the signature excluded.
func (op *UserOperation) Pack() ([]byte, error) {
	return packArgs.Pack(
		op.Sender,
		orZero(op.Nonce),
		[32]byte(crypto.Keccak256Hash(op.InitCode())),
		[32]byte(crypto.Keccak256Hash(op.CallData)),
		orZero(op.CallGasLimit),
		orZero(op.VerificationGasLimit),
		orZero(op.PreVerificationGas),
		orZero(op.MaxFeePerGas),
		orZero(op.MaxPriorityFeePerGas),
		[32]byte(crypto.Keccak256Hash(op.PaymasterAndData())),
	)
}

// Hash returns the userOpHash: keccak(abi.encode(keccak(pack(op)), entryPoint, chainID)).
func (op *UserOperation) Hash(entryPoint common.Address, chainID *big.Int) (common.Hash, error) {
	packed, err := op.Pack()
	if err != nil {
		return common.Hash{}, err
	}

	encoded, err := hashArgs.Pack([32]byte(crypto.Keccak256Hash(packed)), entryPoint, orZero(chainID))
	if err != nil {
		return common.Hash{}, err
	}

	return crypto.Keccak256Hash(encoded), nil
}

func joinAddress(addr common.Address, data []byte) []byte {
	out := make([]byte, 0, common.AddressLength+len(data))
	out = append(out, addr.Bytes()...)
	return append(out, data...)
}

func splitAddress(b []byte) (common.Address, []byte) {
	if len(b) < common.AddressLength {
		return common.Address{}, nil
	}
	return common.BytesToAddress(b[:common.AddressLength]), common.CopyBytes(b[common.AddressLength:])
}

func copyBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
