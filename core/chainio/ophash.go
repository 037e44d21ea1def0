package chainio

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/AvaProtocol/ap-bundler/pkg/erc4337/userop"
)

// OpHasher asks the EntryPoint for getUserOpHash and remembers the answers.
// The hashes are only used for logs and API responses.
type OpHasher struct {
	caller bind.ContractCaller
	cache  *bigcache.BigCache
}

func NewOpHasher(ctx context.Context, caller bind.ContractCaller) (*OpHasher, error) {
	cache, err := bigcache.New(ctx, bigcache.Config{
		Shards:             256,
		LifeWindow:         60 * time.Minute,
		CleanWindow:        5 * time.Minute,
		MaxEntriesInWindow: 100 * 60,
		MaxEntrySize:       common.HashLength,
		HardMaxCacheSize:   64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create op hash cache: %w", err)
	}
	return &OpHasher{caller: caller, cache: cache}, nil
}

func cacheKey(entryPoint common.Address, op *userop.UserOperation) (string, error) {
	packed, err := op.Pack()
	if err != nil {
		return "", err
	}
	return crypto.Keccak256Hash(entryPoint.Bytes(), packed).Hex(), nil
}

// ComputeOpHashes returns getUserOpHash for each op, in order.
func (h *OpHasher) ComputeOpHashes(ctx context.Context, entryPoint common.Address, ops []*userop.UserOperation) ([]common.Hash, error) {
	contract := bind.NewBoundContract(entryPoint, *EntryPointABI, h.caller, nil, nil)

	out := make([]common.Hash, len(ops))
	for i, op := range ops {
		key, err := cacheKey(entryPoint, op)
		if err != nil {
			return nil, err
		}

		if cached, err := h.cache.Get(key); err == nil {
			out[i] = common.BytesToHash(cached)
			continue
		} else if !errors.Is(err, bigcache.ErrEntryNotFound) {
			return nil, err
		}

		var res []interface{}
		if err := contract.Call(&bind.CallOpts{Context: ctx}, &res, "getUserOpHash", ToTuple(op)); err != nil {
			return nil, fmt.Errorf("getUserOpHash for op %d: %w", i, err)
		}
		hash := *abi.ConvertType(res[0], new([32]byte)).(*[32]byte)
		out[i] = hash

		_ = h.cache.Set(key, hash[:])
	}
	return out, nil
}

func (h *OpHasher) Close() error {
	return h.cache.Close()
}
