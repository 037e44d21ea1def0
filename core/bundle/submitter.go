package bundle

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"github.com/AvaProtocol/ap-bundler/core/chainio"
	"github.com/AvaProtocol/ap-bundler/core/mempool"
	"github.com/AvaProtocol/ap-bundler/core/reputation"
	"github.com/AvaProtocol/ap-bundler/metrics"
	"github.com/AvaProtocol/ap-bundler/pkg/logger"
)

const DefaultBundleGasLimit = 10_000_000

type SubmitterConfig struct {
	EntryPoint common.Address
	// OpHashHelper is the contract asked for getUserOpHash. Defaults to EntryPoint.
	OpHashHelper common.Address
	Beneficiary  common.Address
	// MinSignerBalance is the balance at or below which bundle proceeds are
	// paid to the signer itself.
	MinSignerBalance *big.Int
	GasLimit         uint64
	ConditionalRpc   bool
}

// SubmissionResult describes one sent bundle. The zero value means nothing was sent.
type SubmissionResult struct {
	BundleID string           `json:"bundleId,omitempty"`
	TxHash   common.Hash      `json:"transactionHash"`
	OpHashes []common.Hash    `json:"userOpHashes"`
	Entries  []*mempool.Entry `json:"-"`
}

func (r *SubmissionResult) Empty() bool {
	return r == nil || r.TxHash == (common.Hash{})
}

type Submitter struct {
	// mu serializes bundle attempts so two triggers never claim overlapping entries.
	mu sync.Mutex

	pool       *mempool.Mempool
	builder    *Builder
	reputation *reputation.Tracker
	chain      ChainReader
	signer     Signer
	transport  Transport
	hasher     OpHasher
	nonces     *chainio.NonceTracker
	metrics    metrics.MetricsGenerator
	config     SubmitterConfig
	logger     sdklogging.Logger
}

type SubmitterDeps struct {
	Pool       *mempool.Mempool
	Builder    *Builder
	Reputation *reputation.Tracker
	Chain      ChainReader
	Signer     Signer
	Transport  Transport
	Hasher     OpHasher
	Nonces     *chainio.NonceTracker
	Metrics    metrics.MetricsGenerator
	Logger     sdklogging.Logger
}

func NewSubmitter(c SubmitterConfig, d SubmitterDeps) *Submitter {
	if c.GasLimit == 0 {
		c.GasLimit = DefaultBundleGasLimit
	}
	if c.OpHashHelper == (common.Address{}) {
		c.OpHashHelper = c.EntryPoint
	}
	if c.MinSignerBalance == nil {
		c.MinSignerBalance = new(big.Int)
	}
	log := logger.EnsureLogger(d.Logger)
	if d.Nonces == nil {
		d.Nonces = chainio.NewNonceTracker(log)
	}
	if d.Metrics == nil {
		d.Metrics = metrics.NoopMetrics{}
	}

	return &Submitter{
		pool:       d.Pool,
		builder:    d.Builder,
		reputation: d.Reputation,
		chain:      d.Chain,
		signer:     d.Signer,
		transport:  d.Transport,
		hasher:     d.Hasher,
		nonces:     d.Nonces,
		metrics:    d.Metrics,
		config:     c,
		logger:     log,
	}
}

// SendNextBundle claims a batch (every pending entry when drainAll is set),
// builds a bundle from it and submits it. An empty pool or an empty bundle
// yields an empty result, not an error.
func (s *Submitter) SendNextBundle(ctx context.Context, drainAll bool) (*SubmissionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pool.Size() == 0 {
		return &SubmissionResult{}, nil
	}

	var entries []*mempool.Entry
	if drainAll {
		entries = s.pool.TakeAllPending()
	} else {
		entries = s.pool.TakeNextBatch(s.pool.BatchLimit())
	}
	if len(entries) == 0 {
		return &SubmissionResult{}, nil
	}

	bundle, err := s.builder.Build(ctx, entries)
	if err != nil {
		s.metrics.IncBundlesFailed("build")
		return nil, err
	}
	if bundle.Empty() {
		return &SubmissionResult{}, nil
	}

	bundleID := ulid.Make().String()
	beneficiary := s.selectBeneficiary(ctx)
	s.logger.Info("📦 sending bundle",
		"bundle", bundleID,
		"ops", len(bundle.Entries),
		"beneficiary", beneficiary.Hex(),
		"conditional", s.config.ConditionalRpc)

	return s.submit(ctx, bundleID, bundle, beneficiary)
}

func (s *Submitter) selectBeneficiary(ctx context.Context) common.Address {
	signerAddr := s.signer.Address()
	if s.config.Beneficiary == (common.Address{}) {
		return signerAddr
	}

	balance, err := s.signer.Balance(ctx)
	if err != nil {
		s.logger.Warn("cannot read signer balance, paying configured beneficiary", "signer", signerAddr.Hex(), "err", err)
		return s.config.Beneficiary
	}
	if balance.Cmp(s.config.MinSignerBalance) <= 0 {
		s.logger.Info("signer balance low, paying bundle proceeds to signer",
			"signer", signerAddr.Hex(),
			"balance", decimal.NewFromBigInt(balance, -18).String(),
			"min", decimal.NewFromBigInt(s.config.MinSignerBalance, -18).String())
		return signerAddr
	}
	return s.config.Beneficiary
}

func (s *Submitter) releaseAll(bundle *Bundle) {
	for _, e := range bundle.Entries {
		s.pool.RevertToPending(e.Hash)
	}
}

func (s *Submitter) buildTx(ctx context.Context, bundle *Bundle, beneficiary common.Address) ([]byte, uint64, error) {
	callData, err := chainio.EncodeHandleOps(bundle.Ops(), beneficiary)
	if err != nil {
		return nil, 0, fmt.Errorf("encode handleOps: %w", err)
	}
	chainID, err := s.chain.ChainID(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("chain id: %w", err)
	}
	maxFee, tip, err := s.chain.FeeEstimate(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("fee estimate: %w", err)
	}
	nonce, err := s.nonces.Next(ctx, s.signer.Address(), s.chain.NonceAt)
	if err != nil {
		return nil, 0, fmt.Errorf("signer nonce: %w", err)
	}

	entryPoint := s.config.EntryPoint
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: maxFee,
		Gas:       s.config.GasLimit,
		To:        &entryPoint,
		Data:      callData,
	})
	signed, err := s.signer.SignTx(ctx, tx)
	if err != nil {
		return nil, 0, fmt.Errorf("sign bundle: %w", err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, 0, err
	}
	return raw, nonce, nil
}

func (s *Submitter) submit(ctx context.Context, bundleID string, bundle *Bundle, beneficiary common.Address) (*SubmissionResult, error) {
	raw, nonce, err := s.buildTx(ctx, bundle, beneficiary)
	if err != nil {
		s.releaseAll(bundle)
		s.metrics.IncBundlesFailed("prepare")
		return nil, err
	}

	var txHash common.Hash
	if s.config.ConditionalRpc {
		txHash, err = s.transport.SendRawTransactionConditional(ctx, raw, bundle.StorageMap)
	} else {
		txHash, err = s.transport.SendRawTransaction(ctx, raw)
	}
	if err != nil {
		s.nonces.Reset(s.signer.Address())
		s.metrics.IncBundlesFailed("send")
		return s.handleFailure(bundleID, bundle, err)
	}
	s.nonces.Commit(s.signer.Address(), nonce)

	opHashes := bundle.Hashes()
	if s.hasher != nil {
		if hashes, err := s.hasher.ComputeOpHashes(ctx, s.config.OpHashHelper, bundle.Ops()); err == nil {
			opHashes = hashes
		} else {
			s.logger.Warn("getUserOpHash failed, reporting local hashes", "bundle", bundleID, "err", err)
		}
	}

	s.metrics.IncBundlesSent()
	s.metrics.ObserveBundleSize(len(bundle.Entries))
	s.logger.Info("✅ bundle sent", "bundle", bundleID, "tx", txHash.Hex(), "ops", len(bundle.Entries))

	return &SubmissionResult{
		BundleID: bundleID,
		TxHash:   txHash,
		OpHashes: opHashes,
		Entries:  bundle.Entries,
	}, nil
}

// handleFailure blames the op named by the revert. An unparseable error that
// is not fatal leaves the bundle's entries claimed.
func (s *Submitter) handleFailure(bundleID string, bundle *Bundle, err error) (*SubmissionResult, error) {
	failure, ok := ParseAttributableFailure(err)
	if !ok {
		if isMethodNotFound(err) {
			return nil, fmt.Errorf("bundle submission not supported by node: %w", err)
		}
		s.logger.Error("❌ bundle submission failed", "bundle", bundleID, "err", err)
		return &SubmissionResult{}, nil
	}

	if failure.OpIndex >= len(bundle.Entries) {
		s.logger.Error("handleOps revert names an op outside the bundle",
			"bundle", bundleID, "opIndex", failure.OpIndex, "reason", failure.Reason)
		s.releaseAll(bundle)
		return &SubmissionResult{}, nil
	}

	culprit := bundle.Entries[failure.OpIndex]
	op := culprit.Op
	switch role := failure.Role(); role {
	case "factory":
		s.reputation.RecordCrashed(op.Factory)
		s.metrics.IncEntityCrashed(role)
	case "sender":
		s.reputation.RecordCrashed(op.Sender)
		s.metrics.IncEntityCrashed(role)
	case "paymaster":
		s.reputation.RecordCrashed(op.Paymaster)
		s.metrics.IncEntityCrashed(role)
	}
	s.pool.Remove(culprit.Hash)

	s.logger.Warn("handleOps reverted",
		"bundle", bundleID,
		"opIndex", failure.OpIndex,
		"reason", failure.Reason,
		"hash", culprit.Hash.Hex(),
		"sender", op.Sender.Hex())

	for i, e := range bundle.Entries {
		if i != failure.OpIndex {
			s.pool.RevertToPending(e.Hash)
		}
	}
	return &SubmissionResult{}, nil
}
