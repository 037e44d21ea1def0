package bundler

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-bundler/core/mempool"
	"github.com/AvaProtocol/ap-bundler/core/rpcerr"
	"github.com/AvaProtocol/ap-bundler/pkg/erc4337/userop"
)

// validUntilMargin is how long an op must stay valid after admission to be
// worth bundling.
const validUntilMargin = 30 * time.Second

var now = time.Now

// Admit validates op against the chain and inserts it into the mempool,
// returning its userOpHash.
func (b *Bundler) Admit(ctx context.Context, op *userop.UserOperation) (common.Hash, error) {
	hash, err := b.admit(ctx, op)
	if err != nil {
		b.metrics.IncOpsRejected(rpcerr.CodeOf(err).String())
		b.logger.Info("rejected userop", "sender", op.Sender.Hex(), "nonce", op.Nonce, "err", err)
		return common.Hash{}, err
	}

	b.metrics.IncOpsAdmitted()
	b.logger.Info("admitted userop", "hash", hash.Hex(), "sender", op.Sender.Hex(), "nonce", op.Nonce)

	if b.pool.Size() >= b.config.AutoBundleMempoolSize {
		b.triggerAutoBundle()
	}
	return hash, nil
}

func (b *Bundler) admit(ctx context.Context, op *userop.UserOperation) (common.Hash, error) {
	chainID, err := b.getChainID(ctx)
	if err != nil {
		return common.Hash{}, rpcerr.Newf(rpcerr.InternalError, "cannot read chain id: %v", err)
	}
	hash, err := op.Hash(b.config.EntryPoint, chainID)
	if err != nil {
		return common.Hash{}, rpcerr.Newf(rpcerr.InvalidFields, "cannot hash userop: %v", err)
	}

	res, err := b.validator.Validate(ctx, op, false, nil)
	if err != nil {
		var re *rpcerr.Error
		if errors.As(err, &re) {
			return common.Hash{}, re
		}
		return common.Hash{}, rpcerr.Newf(rpcerr.SimulateValidation, "validation failed: %v", err)
	}

	info := res.ReturnInfo
	if info.SigFailed {
		return common.Hash{}, rpcerr.New(rpcerr.SimulateValidation, "Invalid UserOp signature or paymaster signature")
	}
	t := now()
	if info.ValidUntil != 0 && time.Unix(int64(info.ValidUntil), 0).Before(t.Add(validUntilMargin)) {
		return common.Hash{}, rpcerr.New(rpcerr.SimulateValidation, "expires too soon").
			WithData("validUntil", info.ValidUntil)
	}
	if info.ValidAfter != 0 && time.Unix(int64(info.ValidAfter), 0).After(t) {
		return common.Hash{}, rpcerr.New(rpcerr.SimulateValidation, "not yet valid").
			WithData("validAfter", info.ValidAfter)
	}

	stakes := mempool.EntityStakes{
		Sender:     res.SenderInfo,
		Paymaster:  res.PaymasterInfo,
		Factory:    res.FactoryInfo,
		Aggregator: res.AggregatorInfo,
	}
	if stakes.Sender.Addr == (common.Address{}) {
		stakes.Sender.Addr = op.Sender
	}
	referenced := res.ReferencedContracts
	if err := b.pool.Admit(op, hash, info.Prefund, &referenced, stakes); err != nil {
		return common.Hash{}, err
	}
	return hash, nil
}
