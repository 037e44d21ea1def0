package bundler

import (
	"context"
	"errors"
	"sync"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/AvaProtocol/ap-bundler/core/bundle"
	"github.com/AvaProtocol/ap-bundler/core/mempool"
	"github.com/AvaProtocol/ap-bundler/core/reputation"
	"github.com/AvaProtocol/ap-bundler/metrics"
)

const (
	defaultInclusionTimeout    = 2 * time.Minute
	defaultReceiptPollInterval = 2 * time.Second

	// maxOnChainReverts is how many mined-but-reverted bundles an op may ride
	// in before it is dropped from the pool.
	maxOnChainReverts = 3
)

type receiptReader interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// inclusionTracker waits for the receipt of each sent bundle. Included ops
// leave the pool and credit their entities; anything else goes back to pending.
type inclusionTracker struct {
	receipts     receiptReader
	pool         *mempool.Mempool
	reputation   *reputation.Tracker
	metrics      metrics.MetricsGenerator
	timeout      time.Duration
	pollInterval time.Duration
	logger       sdklogging.Logger

	revertsMu sync.Mutex
	reverts   map[common.Hash]int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newInclusionTracker(receipts receiptReader, pool *mempool.Mempool, rep *reputation.Tracker, m metrics.MetricsGenerator, timeout time.Duration, log sdklogging.Logger) *inclusionTracker {
	if timeout <= 0 {
		timeout = defaultInclusionTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &inclusionTracker{
		ctx:          ctx,
		cancel:       cancel,
		receipts:     receipts,
		pool:         pool,
		reputation:   rep,
		metrics:      m,
		timeout:      timeout,
		pollInterval: defaultReceiptPollInterval,
		logger:       log,
		reverts:      make(map[common.Hash]int),
	}
}

func (t *inclusionTracker) Track(res *bundle.SubmissionResult) {
	t.wg.Add(1)
	goSafe(func() {
		defer t.wg.Done()
		t.await(res)
	})
}

// Stop abandons pending receipt lookups, releasing their ops, and waits for
// the trackers to exit.
func (t *inclusionTracker) Stop() {
	t.cancel()
	t.wg.Wait()
}

func (t *inclusionTracker) await(res *bundle.SubmissionResult) {
	ctx, cancel := context.WithTimeout(t.ctx, t.timeout)
	defer cancel()

	receipt, err := t.poll(ctx, res.TxHash)
	switch {
	case err != nil:
		t.logger.Warn("bundle not included, releasing its userops",
			"bundle", res.BundleID, "tx", res.TxHash.Hex(), "err", err)
		t.release(res)
	case receipt.Status != types.ReceiptStatusSuccessful:
		t.logger.Warn("bundle transaction reverted, releasing its userops",
			"bundle", res.BundleID, "tx", res.TxHash.Hex(), "block", receipt.BlockNumber)
		t.metrics.IncBundlesFailed("onchain_revert")
		t.releaseReverted(res)
	default:
		t.settle(res)
		t.logger.Info("🎉 bundle included",
			"bundle", res.BundleID, "tx", res.TxHash.Hex(), "block", receipt.BlockNumber, "ops", len(res.Entries))
	}
}

func (t *inclusionTracker) poll(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := t.receipts.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			t.logger.Debug("receipt lookup failed", "tx", txHash.Hex(), "err", err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (t *inclusionTracker) settle(res *bundle.SubmissionResult) {
	t.revertsMu.Lock()
	for _, e := range res.Entries {
		delete(t.reverts, e.Hash)
	}
	t.revertsMu.Unlock()

	for _, e := range res.Entries {
		t.pool.Remove(e.Hash)
		t.reputation.RecordIncluded(e.Op.Sender)
		t.reputation.RecordIncluded(e.Op.Paymaster)
		t.reputation.RecordIncluded(e.Op.Factory)
		t.reputation.RecordIncluded(e.Aggregator)
	}
	t.metrics.IncOpsIncluded(len(res.Entries))
}

func (t *inclusionTracker) release(res *bundle.SubmissionResult) {
	for _, e := range res.Entries {
		t.pool.RevertToPending(e.Hash)
	}
}

// releaseReverted returns the ops of a reverted bundle to pending, except those
// that have now been mined in maxOnChainReverts reverted bundles.
func (t *inclusionTracker) releaseReverted(res *bundle.SubmissionResult) {
	t.revertsMu.Lock()
	defer t.revertsMu.Unlock()

	for _, e := range res.Entries {
		t.reverts[e.Hash]++
		if t.reverts[e.Hash] < maxOnChainReverts {
			t.pool.RevertToPending(e.Hash)
			continue
		}
		delete(t.reverts, e.Hash)
		t.pool.Remove(e.Hash)
		t.logger.Warn("dropping userop after repeated on-chain reverts",
			"userOpHash", e.Hash.Hex(), "sender", e.Op.Sender.Hex(), "reverts", maxOnChainReverts)
	}
}
