// Package validation describes what the bundler needs from the simulation
// service: a Validator that runs simulateValidation plus tracing for a
// UserOperation and reports gas, prefund, entity stakes and the storage the
// operation touched.
package validation

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-bundler/core/reputation"
	"github.com/AvaProtocol/ap-bundler/pkg/erc4337/userop"
)

// ReturnInfo mirrors the EntryPoint ValidationResult.returnInfo tuple.
type ReturnInfo struct {
	PreOpGas   *big.Int
	Prefund    *big.Int
	SigFailed  bool
	ValidAfter uint64
	ValidUntil uint64
}

// ReferencedCodeHashes is a snapshot of the contracts an operation touched
// during its first validation, used to detect code changes on re-validation.
type ReferencedCodeHashes struct {
	Addresses []common.Address `json:"addresses"`
	Hash      common.Hash      `json:"hash"`
}

// Result is the outcome of validating one UserOperation.
type Result struct {
	ReturnInfo ReturnInfo

	SenderInfo     reputation.StakeInfo
	FactoryInfo    *reputation.StakeInfo
	PaymasterInfo  *reputation.StakeInfo
	AggregatorInfo *reputation.StakeInfo

	ReferencedContracts ReferencedCodeHashes
	StorageMap          StorageMap
}

// Validator validates a UserOperation against the current chain state.
// A returned error means the operation is not valid (or could not be checked).
type Validator interface {
	Validate(ctx context.Context, op *userop.UserOperation, skipStakeChecks bool, referenced *ReferencedCodeHashes) (*Result, error)
}

// ValidatorFunc adapts a function to the Validator interface.
type ValidatorFunc func(ctx context.Context, op *userop.UserOperation, skipStakeChecks bool, referenced *ReferencedCodeHashes) (*Result, error)

func (f ValidatorFunc) Validate(ctx context.Context, op *userop.UserOperation, skipStakeChecks bool, referenced *ReferencedCodeHashes) (*Result, error) {
	return f(ctx, op, skipStakeChecks, referenced)
}
