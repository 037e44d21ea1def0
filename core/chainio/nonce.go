package chainio

import (
	"context"
	"sync"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-bundler/pkg/logger"
)

// NonceTracker hands out transaction nonces for bundle signers. It combines
// the node's pending nonce with the nonces this process already used, so two
// bundles sent back to back never collide.
type NonceTracker struct {
	mu      sync.Mutex
	pending map[common.Address]uint64
	logger  sdklogging.Logger
}

func NewNonceTracker(log sdklogging.Logger) *NonceTracker {
	return &NonceTracker{
		pending: make(map[common.Address]uint64),
		logger:  logger.EnsureLogger(log),
	}
}

// Next returns max(on-chain pending nonce, next cached nonce) for addr.
func (n *NonceTracker) Next(ctx context.Context, addr common.Address, fetch func(context.Context, common.Address) (uint64, error)) (uint64, error) {
	onChain, err := fetch(ctx, addr)
	if err != nil {
		return 0, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	cached, ok := n.pending[addr]
	if !ok || onChain > cached {
		return onChain, nil
	}
	n.logger.Debug("using cached signer nonce", "signer", addr.Hex(), "cached", cached, "onChain", onChain)
	return cached, nil
}

// Commit records that nonce was used by a submitted transaction.
func (n *NonceTracker) Commit(addr common.Address, nonce uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if cur, ok := n.pending[addr]; !ok || nonce+1 > cur {
		n.pending[addr] = nonce + 1
	}
}

// Reset forgets the cached nonce so the next call trusts the chain again.
func (n *NonceTracker) Reset(addr common.Address) {
	n.mu.Lock()
	defer n.mu.Unlock()

	delete(n.pending, addr)
	n.logger.Info("reset signer nonce", "signer", addr.Hex())
}
