// Package bundler wires the mempool, reputation tracker, builder and submitter
// into a running service with an auto-bundling loop, inclusion tracking, an
// HTTP debug surface and a unix-socket REPL.
package bundler

import (
	"context"
	"fmt"
	"math/big"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/go-co-op/gocron/v2"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/AvaProtocol/ap-bundler/core/bundle"
	"github.com/AvaProtocol/ap-bundler/core/chainio"
	"github.com/AvaProtocol/ap-bundler/core/chainio/signer"
	"github.com/AvaProtocol/ap-bundler/core/config"
	"github.com/AvaProtocol/ap-bundler/core/mempool"
	"github.com/AvaProtocol/ap-bundler/core/reputation"
	"github.com/AvaProtocol/ap-bundler/core/validation"
	"github.com/AvaProtocol/ap-bundler/metrics"
	"github.com/AvaProtocol/ap-bundler/pkg/logger"
	"github.com/AvaProtocol/ap-bundler/version"
)

type BundlerStatus string

const (
	initStatus     BundlerStatus = "init"
	runningStatus  BundlerStatus = "running"
	shutdownStatus BundlerStatus = "shutdown"
)

// ChainClient is everything the service reads from the node.
type ChainClient interface {
	bundle.ChainReader
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Deps are the collaborators New does not build itself.
type Deps struct {
	Validator validation.Validator
	Chain     ChainClient
	Signer    bundle.Signer
	Transport bundle.Transport
	Hasher    bundle.OpHasher
	Metrics   metrics.MetricsGenerator
	// Registry backs /metrics. Nil disables the endpoint.
	Registry *prometheus.Registry
}

type Bundler struct {
	logger sdklogging.Logger
	config *config.Config

	reputation *reputation.Tracker
	pool       *mempool.Mempool
	validator  validation.Validator
	builder    *bundle.Builder
	submitter  *bundle.Submitter
	chain      ChainClient
	inclusion  *inclusionTracker

	metrics  metrics.MetricsGenerator
	registry *prometheus.Registry

	chainMu sync.Mutex
	chainID *big.Int

	scheduler     gocron.Scheduler
	autoBundleJob gocron.Job

	httpServer    *echo.Echo
	replListener  net.Listener
	sentryEnabled bool

	statusMu  sync.RWMutex
	status    BundlerStatus
	startedAt time.Time

	closers []func()
}

func RunWithConfig(configPath string) error {
	c, err := config.NewConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to parse config file %s, make sure it exists and is valid yaml: %w", configPath, err)
	}

	b, err := NewFromConfig(context.Background(), c)
	if err != nil {
		return fmt.Errorf("cannot initialize bundler from config: %w", err)
	}

	return b.Run(context.Background())
}

// NewFromConfig dials the node and builds the production collaborators.
func NewFromConfig(ctx context.Context, c *config.Config) (*Bundler, error) {
	client, err := rpc.DialContext(ctx, c.EthRpcUrl)
	if err != nil {
		return nil, fmt.Errorf("cannot dial %s: %w", c.EthRpcUrl, err)
	}

	reader := chainio.NewEthReader(client, c.EntryPoint, c.Logger)
	chainID, err := reader.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("cannot get chain id: %w", err)
	}

	txSigner, err := signer.New(c.EcdsaPrivateKey, chainID, reader)
	if err != nil {
		client.Close()
		return nil, err
	}

	hasher, err := chainio.NewOpHasher(ctx, ethclient.NewClient(client))
	if err != nil {
		client.Close()
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	b := New(c, Deps{
		Validator: validation.NewRemoteValidator(c.ValidationUrl, c.EntryPoint, c.ValidationTimeout, c.Logger),
		Chain:     reader,
		Signer:    txSigner,
		Transport: chainio.NewRPCTransport(client),
		Hasher:    hasher,
		Metrics:   metrics.NewBundlerMetrics(registry),
		Registry:  registry,
	})
	b.chainID = chainID
	b.closers = append(b.closers, func() { _ = hasher.Close() }, client.Close)

	c.Logger.Info("bundler configured",
		"chainId", chainID.String(),
		"entryPoint", c.EntryPoint.Hex(),
		"signer", txSigner.Address().Hex(),
		"conditionalRpc", c.Builder.ConditionalRpc)
	return b, nil
}

func New(c *config.Config, d Deps) *Bundler {
	log := logger.EnsureLogger(c.Logger)
	if d.Metrics == nil {
		d.Metrics = metrics.NoopMetrics{}
	}

	rep := reputation.NewTracker(c.Reputation, log)
	pool := mempool.New(c.Mempool, rep, log)
	builder := bundle.NewBuilder(c.Builder, pool, rep, d.Validator, d.Chain, log)
	submitter := bundle.NewSubmitter(c.Submitter, bundle.SubmitterDeps{
		Pool:       pool,
		Builder:    builder,
		Reputation: rep,
		Chain:      d.Chain,
		Signer:     d.Signer,
		Transport:  d.Transport,
		Hasher:     d.Hasher,
		Metrics:    d.Metrics,
		Logger:     log,
	})

	if d.Registry != nil {
		d.Registry.MustRegister(metrics.NewStateCollector(c.EntryPoint.Hex(), pool, rep))
	}

	b := &Bundler{
		logger:     log,
		config:     c,
		reputation: rep,
		pool:       pool,
		validator:  d.Validator,
		builder:    builder,
		submitter:  submitter,
		chain:      d.Chain,
		metrics:    d.Metrics,
		registry:   d.Registry,
		status:     initStatus,
	}
	b.inclusion = newInclusionTracker(b.chain, pool, rep, d.Metrics, c.InclusionTimeout, log)
	return b
}

func (b *Bundler) getChainID(ctx context.Context) (*big.Int, error) {
	b.chainMu.Lock()
	defer b.chainMu.Unlock()

	if b.chainID != nil {
		return b.chainID, nil
	}
	id, err := b.chain.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	b.chainID = id
	return id, nil
}

// Start launches the background jobs and the operator surfaces.
func (b *Bundler) Start(ctx context.Context) error {
	b.logger.Infof("Starting bundler %s", version.Get())

	b.sentryEnabled = initSentry(b.config, b.logger)

	if err := b.reputation.Start(); err != nil {
		return fmt.Errorf("failed to start reputation decay: %w", err)
	}

	b.logger.Info("Starting auto bundler")
	if err := b.startAutoBundler(ctx); err != nil {
		return err
	}

	b.logger.Info("Starting repl")
	if err := b.startRepl(); err != nil {
		b.logger.Warn("repl disabled", "socket", b.config.SocketPath, "err", err)
	}

	b.logger.Info("Starting http server")
	b.startHttpServer(ctx)

	b.statusMu.Lock()
	b.status = runningStatus
	b.startedAt = time.Now()
	b.statusMu.Unlock()
	return nil
}

// Run starts the service and blocks until SIGINT or SIGTERM.
func (b *Bundler) Run(ctx context.Context) error {
	if err := b.Start(ctx); err != nil {
		return err
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigs:
	case <-ctx.Done():
	}

	b.logger.Info("Shutting down...")
	b.Stop()
	return nil
}

func (b *Bundler) Stop() {
	b.statusMu.Lock()
	b.status = shutdownStatus
	b.statusMu.Unlock()

	b.stopAutoBundler()
	b.stopRepl()
	b.stopHttpServer()
	b.inclusion.Stop()
	if err := b.reputation.Stop(); err != nil {
		b.logger.Warn("failed to stop reputation decay", "err", err)
	}
	for _, c := range b.closers {
		c()
	}
	sentryFlushSafely(2 * time.Second)
}

func (b *Bundler) Status() BundlerStatus {
	b.statusMu.RLock()
	defer b.statusMu.RUnlock()
	return b.status
}

func (b *Bundler) IsShutdown() bool {
	return b.Status() == shutdownStatus
}
