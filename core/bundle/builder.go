package bundle

import (
	"context"
	"fmt"
	"math/big"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-bundler/core/mempool"
	"github.com/AvaProtocol/ap-bundler/core/reputation"
	"github.com/AvaProtocol/ap-bundler/core/validation"
	"github.com/AvaProtocol/ap-bundler/pkg/logger"
)

const (
	DefaultMaxBundleGas               = 5_000_000
	DefaultThrottledEntityBundleCount = 4
)

type BuilderConfig struct {
	MaxBundleGas uint64
	// ThrottledEntityBundleCount caps how many ops of a THROTTLED paymaster or
	// factory go into one bundle.
	ThrottledEntityBundleCount int
	// ConditionalRpc pins deployed senders to their storage root instead of
	// the slots validation reported.
	ConditionalRpc bool
}

type Builder struct {
	pool       *mempool.Mempool
	reputation *reputation.Tracker
	validator  validation.Validator
	chain      ChainReader
	config     BuilderConfig
	logger     sdklogging.Logger
}

func NewBuilder(c BuilderConfig, pool *mempool.Mempool, rep *reputation.Tracker, v validation.Validator, chain ChainReader, log sdklogging.Logger) *Builder {
	if c.MaxBundleGas == 0 {
		c.MaxBundleGas = DefaultMaxBundleGas
	}
	if c.ThrottledEntityBundleCount <= 0 {
		c.ThrottledEntityBundleCount = DefaultThrottledEntityBundleCount
	}
	return &Builder{
		pool:       pool,
		reputation: rep,
		validator:  v,
		chain:      chain,
		config:     c,
		logger:     logger.EnsureLogger(log),
	}
}

type decision int

const (
	include decision = iota
	deferEntry
	removeEntry
	stopScan
)

// buildPass holds the state of one Build call. It is never shared between calls.
type buildPass struct {
	b            *Builder
	bundle       *Bundle
	totalGas     *big.Int
	maxGas       *big.Int
	deposits     map[common.Address]*big.Int
	entityCount  map[common.Address]int
	senders      mapset.Set[common.Address]
	knownSenders mapset.Set[common.Address]
}

// Build scans entries in order and commits every one that still validates
// and fits. Entries that cannot be bundled now go back to pending; entries
// that can never succeed are removed from the pool. On error nothing stays
// claimed: every entry not removed is back to pending.
func (b *Builder) Build(ctx context.Context, entries []*mempool.Entry) (*Bundle, error) {
	pass := &buildPass{
		b:            b,
		bundle:       &Bundle{StorageMap: validation.StorageMap{}},
		totalGas:     new(big.Int),
		maxGas:       new(big.Int).SetUint64(b.config.MaxBundleGas),
		deposits:     make(map[common.Address]*big.Int),
		entityCount:  make(map[common.Address]int),
		senders:      mapset.NewThreadUnsafeSet[common.Address](),
		knownSenders: b.pool.KnownSenders(),
	}

	for i, entry := range entries {
		d, err := pass.consider(ctx, entry)
		if err != nil {
			pass.release(entries[i:])
			for _, committed := range pass.bundle.Entries {
				b.pool.RevertToPending(committed.Hash)
			}
			return nil, err
		}

		switch d {
		case include:
		case deferEntry:
			pass.bundle.Deferred = append(pass.bundle.Deferred, entry.Hash)
		case removeEntry:
			b.pool.Remove(entry.Hash)
			pass.bundle.Removed = append(pass.bundle.Removed, entry.Hash)
		case stopScan:
			for _, rest := range entries[i:] {
				pass.bundle.Deferred = append(pass.bundle.Deferred, rest.Hash)
			}
		}
		if d == stopScan {
			break
		}
	}

	for _, h := range pass.bundle.Deferred {
		b.pool.RevertToPending(h)
	}

	b.logger.Debug("built bundle",
		"included", len(pass.bundle.Entries),
		"deferred", len(pass.bundle.Deferred),
		"removed", len(pass.bundle.Removed),
		"gas", pass.totalGas.String())
	return pass.bundle, nil
}

// release returns entries not yet decided, plus those already deferred, to pending.
func (p *buildPass) release(rest []*mempool.Entry) {
	for _, e := range rest {
		p.b.pool.RevertToPending(e.Hash)
	}
	for _, h := range p.bundle.Deferred {
		p.b.pool.RevertToPending(h)
	}
}

func (p *buildPass) consider(ctx context.Context, entry *mempool.Entry) (decision, error) {
	b := p.b
	op := entry.Op

	paymasterStatus := b.reputation.Status(op.Paymaster)
	factoryStatus := b.reputation.Status(op.Factory)
	if paymasterStatus == reputation.Banned || factoryStatus == reputation.Banned {
		b.logger.Info("dropping userop of banned entity",
			"hash", entry.Hash.Hex(), "paymaster", op.Paymaster.Hex(), "factory", op.Factory.Hex())
		return removeEntry, nil
	}

	if paymasterStatus == reputation.Throttled && p.entityCount[op.Paymaster] >= b.config.ThrottledEntityBundleCount {
		return deferEntry, nil
	}
	if factoryStatus == reputation.Throttled && p.entityCount[op.Factory] >= b.config.ThrottledEntityBundleCount {
		return deferEntry, nil
	}

	if p.senders.Contains(op.Sender) {
		return deferEntry, nil
	}

	res, err := b.validator.Validate(ctx, op, true, entry.ReferencedContracts)
	if err != nil {
		if ctx.Err() != nil {
			return 0, fmt.Errorf("bundle build interrupted: %w", ctx.Err())
		}
		b.logger.Info("dropping userop that no longer validates", "hash", entry.Hash.Hex(), "err", err)
		return removeEntry, nil
	}

	for addr := range res.StorageMap {
		if addr != op.Sender && p.knownSenders.Contains(addr) {
			b.logger.Debug("deferring userop touching another sender's storage",
				"hash", entry.Hash.Hex(), "address", addr.Hex())
			return deferEntry, nil
		}
	}

	opGas := new(big.Int).Add(orZero(res.ReturnInfo.PreOpGas), orZero(op.CallGasLimit))
	if new(big.Int).Add(p.totalGas, opGas).Cmp(p.maxGas) > 0 {
		return stopScan, nil
	}

	prefund := orZero(res.ReturnInfo.Prefund)
	if op.HasPaymaster() {
		deposit, ok := p.deposits[op.Paymaster]
		if !ok {
			onChain, err := b.chain.GetPaymasterDeposit(ctx, op.Paymaster)
			if err != nil {
				return 0, err
			}
			deposit = new(big.Int).Set(onChain)
			p.deposits[op.Paymaster] = deposit
		}
		if deposit.Cmp(prefund) < 0 {
			return deferEntry, nil
		}
		deposit.Sub(deposit, prefund)
	}

	if op.HasPaymaster() {
		p.entityCount[op.Paymaster]++
	}
	if op.HasFactory() {
		p.entityCount[op.Factory]++
	}

	if b.config.ConditionalRpc && !op.HasFactory() {
		root, err := b.chain.GetStorageRoot(ctx, op.Sender)
		if err != nil {
			return 0, err
		}
		p.bundle.StorageMap[op.Sender] = validation.RootStorage(root)
	} else {
		p.bundle.StorageMap.Merge(res.StorageMap)
	}

	p.bundle.Entries = append(p.bundle.Entries, entry)
	p.senders.Add(op.Sender)
	p.totalGas.Add(p.totalGas, opGas)
	return include, nil
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
