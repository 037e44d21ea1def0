package userop

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-playground/validator/v10"
)

// Wire is the JSON-RPC shape of a v0.6 UserOperation: every numeric field is a
// hex quantity and factory / paymaster are folded into initCode and
// paymasterAndData.
type Wire struct {
	Sender               *common.Address `json:"sender" validate:"required"`
	Nonce                *hexutil.Big    `json:"nonce" validate:"required"`
	InitCode             hexutil.Bytes   `json:"initCode"`
	CallData             hexutil.Bytes   `json:"callData"`
	CallGasLimit         *hexutil.Big    `json:"callGasLimit" validate:"required"`
	VerificationGasLimit *hexutil.Big    `json:"verificationGasLimit" validate:"required"`
	PreVerificationGas   *hexutil.Big    `json:"preVerificationGas" validate:"required"`
	MaxFeePerGas         *hexutil.Big    `json:"maxFeePerGas" validate:"required"`
	MaxPriorityFeePerGas *hexutil.Big    `json:"maxPriorityFeePerGas" validate:"required"`
	PaymasterAndData     hexutil.Bytes   `json:"paymasterAndData"`
	Signature            hexutil.Bytes   `json:"signature"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ToWire converts the operation into its JSON-RPC form.
func (op *UserOperation) ToWire() *Wire {
	sender := op.Sender
	return &Wire{
		Sender:               &sender,
		Nonce:                (*hexutil.Big)(orZero(op.Nonce)),
		InitCode:             op.InitCode(),
		CallData:             op.CallData,
		CallGasLimit:         (*hexutil.Big)(orZero(op.CallGasLimit)),
		VerificationGasLimit: (*hexutil.Big)(orZero(op.VerificationGasLimit)),
		PreVerificationGas:   (*hexutil.Big)(orZero(op.PreVerificationGas)),
		MaxFeePerGas:         (*hexutil.Big)(orZero(op.MaxFeePerGas)),
		MaxPriorityFeePerGas: (*hexutil.Big)(orZero(op.MaxPriorityFeePerGas)),
		PaymasterAndData:     op.PaymasterAndData(),
		Signature:            op.Signature,
	}
}

// ToUserOperation validates the wire form and converts it back.
func (w *Wire) ToUserOperation() (*UserOperation, error) {
	if err := validate.Struct(w); err != nil {
		return nil, fmt.Errorf("invalid user operation: %w", err)
	}
	if len(w.InitCode) > 0 && len(w.InitCode) < common.AddressLength {
		return nil, fmt.Errorf("invalid user operation: initCode shorter than an address")
	}
	if len(w.PaymasterAndData) > 0 && len(w.PaymasterAndData) < common.AddressLength {
		return nil, fmt.Errorf("invalid user operation: paymasterAndData shorter than an address")
	}

	op := &UserOperation{
		Sender:               *w.Sender,
		Nonce:                new(big.Int).Set(w.Nonce.ToInt()),
		CallData:             common.CopyBytes(w.CallData),
		CallGasLimit:         new(big.Int).Set(w.CallGasLimit.ToInt()),
		VerificationGasLimit: new(big.Int).Set(w.VerificationGasLimit.ToInt()),
		PreVerificationGas:   new(big.Int).Set(w.PreVerificationGas.ToInt()),
		MaxFeePerGas:         new(big.Int).Set(w.MaxFeePerGas.ToInt()),
		MaxPriorityFeePerGas: new(big.Int).Set(w.MaxPriorityFeePerGas.ToInt()),
		Signature:            common.CopyBytes(w.Signature),
	}
	op.SetInitCode(w.InitCode)
	op.SetPaymasterAndData(w.PaymasterAndData)

	return op, nil
}

// MarshalJSON renders the operation in its wire form.
func (op *UserOperation) MarshalJSON() ([]byte, error) {
	return json.Marshal(op.ToWire())
}

// UnmarshalJSON parses the wire form.
func (op *UserOperation) UnmarshalJSON(data []byte) error {
	var w Wire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	parsed, err := w.ToUserOperation()
	if err != nil {
		return err
	}

	*op = *parsed
	return nil
}
