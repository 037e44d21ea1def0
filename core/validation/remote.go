package validation

import (
	"context"
	"fmt"
	"math/big"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-resty/resty/v2"

	"github.com/AvaProtocol/ap-bundler/core/reputation"
	"github.com/AvaProtocol/ap-bundler/core/rpcerr"
	"github.com/AvaProtocol/ap-bundler/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-bundler/pkg/logger"
)

const validateMethod = "debug_bundler_validateUserOperation"

// RemoteValidator calls an external simulation service over JSON-RPC/HTTP.
type RemoteValidator struct {
	client     *resty.Client
	entryPoint common.Address
	logger     sdklogging.Logger
}

func NewRemoteValidator(url string, entryPoint common.Address, timeout time.Duration, log sdklogging.Logger) *RemoteValidator {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	client := resty.New().
		SetBaseURL(url).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")

	return &RemoteValidator{
		client:     client,
		entryPoint: entryPoint,
		logger:     logger.EnsureLogger(log),
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result *resultWire   `json:"result"`
	Error  *rpcerr.Error `json:"error"`
}

type stakeInfoWire struct {
	Addr            common.Address `json:"addr"`
	Stake           *hexutil.Big   `json:"stake"`
	UnstakeDelaySec hexutil.Uint64 `json:"unstakeDelaySec"`
}

func (s *stakeInfoWire) toStakeInfo() *reputation.StakeInfo {
	if s == nil {
		return nil
	}
	stake := new(big.Int)
	if s.Stake != nil {
		stake.Set(s.Stake.ToInt())
	}
	return &reputation.StakeInfo{Addr: s.Addr, Stake: stake, UnstakeDelaySec: uint64(s.UnstakeDelaySec)}
}

type resultWire struct {
	ReturnInfo struct {
		PreOpGas   *hexutil.Big   `json:"preOpGas"`
		Prefund    *hexutil.Big   `json:"prefund"`
		SigFailed  bool           `json:"sigFailed"`
		ValidAfter hexutil.Uint64 `json:"validAfter"`
		ValidUntil hexutil.Uint64 `json:"validUntil"`
	} `json:"returnInfo"`
	SenderInfo          stakeInfoWire        `json:"senderInfo"`
	FactoryInfo         *stakeInfoWire       `json:"factoryInfo"`
	PaymasterInfo       *stakeInfoWire       `json:"paymasterInfo"`
	AggregatorInfo      *stakeInfoWire       `json:"aggregatorInfo"`
	ReferencedContracts ReferencedCodeHashes `json:"referencedContracts"`
	StorageMap          StorageMap           `json:"storageMap"`
}

func (w *resultWire) toResult() *Result {
	r := &Result{
		ReturnInfo: ReturnInfo{
			PreOpGas:   bigOrZero(w.ReturnInfo.PreOpGas),
			Prefund:    bigOrZero(w.ReturnInfo.Prefund),
			SigFailed:  w.ReturnInfo.SigFailed,
			ValidAfter: uint64(w.ReturnInfo.ValidAfter),
			ValidUntil: uint64(w.ReturnInfo.ValidUntil),
		},
		SenderInfo:          *w.SenderInfo.toStakeInfo(),
		FactoryInfo:         w.FactoryInfo.toStakeInfo(),
		PaymasterInfo:       w.PaymasterInfo.toStakeInfo(),
		AggregatorInfo:      w.AggregatorInfo.toStakeInfo(),
		ReferencedContracts: w.ReferencedContracts,
		StorageMap:          w.StorageMap,
	}
	if r.StorageMap == nil {
		r.StorageMap = StorageMap{}
	}
	return r
}

func bigOrZero(v *hexutil.Big) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v.ToInt())
}

// Validate implements Validator. Errors reported by the service keep their
// code; transport failures are reported as SimulateValidation errors.
func (v *RemoteValidator) Validate(ctx context.Context, op *userop.UserOperation, skipStakeChecks bool, referenced *ReferencedCodeHashes) (*Result, error) {
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  validateMethod,
		Params:  []any{op.ToWire(), v.entryPoint.Hex(), skipStakeChecks, referenced},
	}

	var out rpcResponse
	resp, err := v.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		Post("")
	if err != nil {
		v.logger.Error("validation request failed", "sender", op.Sender.Hex(), "err", err)
		return nil, rpcerr.Newf(rpcerr.SimulateValidation, "validation service unreachable: %v", err)
	}
	if resp.IsError() {
		return nil, rpcerr.Newf(rpcerr.SimulateValidation, "validation service returned %d: %s", resp.StatusCode(), resp.String())
	}
	if out.Error != nil {
		return nil, out.Error
	}
	if out.Result == nil {
		return nil, fmt.Errorf("validation service returned neither result nor error")
	}

	return out.Result.toResult(), nil
}
